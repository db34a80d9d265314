package handler_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/jmerrifield20/healthincentive/internal/session"
)

func TestCreateSession_201(t *testing.T) {
	env := setupRouter(t)
	token := env.newSession(t)

	w := env.do(t, http.MethodGet, "/api/v1/session", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var snap session.Snapshot
	decode(t, w, &snap)
	if snap.ActiveAccount != env.sim.Account(0) {
		t.Errorf("expected active account %s, got %s", env.sim.Account(0).Hex(), snap.ActiveAccount.Hex())
	}
	if len(snap.KnownAccounts) != 4 {
		t.Errorf("expected 4 known accounts, got %d", len(snap.KnownAccounts))
	}
	if snap.View != session.ViewRegistration {
		t.Errorf("expected registration view, got %s", snap.View)
	}
}

func TestCreateSession_503_providerFailure(t *testing.T) {
	env := setupRouter(t)
	env.sim.FailAccounts(errors.New("connection refused"))

	w := env.do(t, http.MethodPost, "/api/v1/sessions", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
	if env.store.Len() != 0 {
		t.Errorf("expected no stored session, got %d", env.store.Len())
	}
}

func TestRequireSession_401(t *testing.T) {
	env := setupRouter(t)

	cases := map[string]string{
		"missing": "",
		"garbage": "not-a-jwt",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/v1/session", token, nil)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", w.Code)
			}
		})
	}
}

func TestRequireSession_401_deletedSession(t *testing.T) {
	env := setupRouter(t)
	token := env.newSession(t)

	if w := env.do(t, http.MethodDelete, "/api/v1/session", token, nil); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/session", token, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 after delete, got %d", w.Code)
	}
}

func TestUseAccount(t *testing.T) {
	env := setupRouter(t)
	token := env.newSession(t)

	w := env.do(t, http.MethodPut, "/api/v1/session/account", token, map[string]string{"account": env.sim.Account(2).Hex()})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var snap session.Snapshot
	decode(t, w, &snap)
	if snap.ActiveAccount != env.sim.Account(2) {
		t.Errorf("expected active account %s, got %s", env.sim.Account(2).Hex(), snap.ActiveAccount.Hex())
	}

	w = env.do(t, http.MethodPut, "/api/v1/session/account", token, map[string]string{"account": "0x000000000000000000000000000000000000dEaD"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for unmanaged account, got %d", w.Code)
	}

	w = env.do(t, http.MethodPut, "/api/v1/session/account", token, map[string]string{"account": "bob"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed account, got %d", w.Code)
	}
}
