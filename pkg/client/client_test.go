package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jmerrifield20/healthincentive/pkg/client"
)

// ── Stub server ─────────────────────────────────────────────────────────

const testToken = "tok_123"

func stubServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+testToken {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "Bearer session token required"})
				return
			}
			h(w, r)
		}
	}

	mux.HandleFunc("POST /api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"token": testToken,
			"session": map[string]any{
				"session_id":     "s1",
				"active_account": "0x01",
				"known_accounts": []string{"0x01", "0x02"},
				"state":          "idle",
				"view":           "registration",
			},
		})
	})

	mux.HandleFunc("DELETE /api/v1/session", authed(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("POST /api/v1/patients", authed(func(w http.ResponseWriter, r *http.Request) {
		var reg client.Registration
		json.NewDecoder(r.Body).Decode(&reg)
		if reg.ID == 9 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]string{
				"error":  "No account is available for patient 9",
				"detail": "register patient 9: no account for patient",
			})
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"op": "recordPatient", "patient_id": reg.ID,
			"message": "Patient details recorded", "state": "awaiting_fetch", "view": "fetch",
		})
	}))

	mux.HandleFunc("GET /api/v1/patients/{id}", authed(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"op": "getPatientDetails", "patient_id": 1, "view": "viewing",
				"record": map[string]any{"id": 1, "disease": "flu", "age": 30, "gender": "M", "eligible": true},
			},
			"row": []string{"1", "flu", "30", "M", "yes", "0"},
		})
	}))

	mux.HandleFunc("POST /api/v1/patients/selected/footsteps", authed(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]uint64
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]any{
			"op": "recordFootsteps", "message": fmt.Sprintf("steps=%d", body["footsteps"]), "view": "viewing",
		})
	}))

	mux.HandleFunc("GET /api/v1/events/latest", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/v1/events/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event:keepalive\ndata:{\"at\":\"2026-01-01T00:00:00Z\"}\n\n")
		fmt.Fprint(w, "event:patientRecorded\ndata:{\"name\":\"patientRecorded\",\"message\":\"Event triggered: patientRecorded\"}\n\n")
		fmt.Fprint(w, "event:footStepsRecorded\ndata:{\"name\":\"footStepsRecorded\",\"message\":\"Event triggered: footStepsRecorded\"}\n\n")
	})

	mux.HandleFunc("GET /api/v1/receipts/verify", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"valid": false, "error": "entry 3: hash mismatch"})
	})

	return httptest.NewServer(mux)
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestCreateSession_storesToken(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()
	c := client.MustNew(srv.URL)

	sess, err := c.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if sess.Session.View != "registration" || len(sess.Session.KnownAccounts) != 2 {
		t.Errorf("unexpected session: %+v", sess.Session)
	}
	if c.Token() != testToken {
		t.Errorf("expected token %q, got %q", testToken, c.Token())
	}

	res, err := c.RegisterPatient(context.Background(), client.Registration{ID: 1, Disease: "flu", Gender: "M", Age: 30})
	if err != nil {
		t.Fatalf("RegisterPatient() error: %v", err)
	}
	if res.View != "fetch" || res.Message != "Patient details recorded" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRegisterPatient_unauthorized(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()
	c := client.MustNew(srv.URL)

	_, err := c.RegisterPatient(context.Background(), client.Registration{ID: 1})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
}

func TestRegisterPatient_apiErrorMessage(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()
	c := client.MustNew(srv.URL, client.WithBearerToken(testToken))

	_, err := c.RegisterPatient(context.Background(), client.Registration{ID: 9, Disease: "flu", Gender: "M"})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Message != "No account is available for patient 9" {
		t.Errorf("unexpected APIError: %+v", apiErr)
	}
	if apiErr.Detail == "" {
		t.Error("expected detail to be populated")
	}
}

func TestFetchPatient(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()
	c := client.MustNew(srv.URL, client.WithBearerToken(testToken))

	p, err := c.FetchPatient(context.Background(), 1)
	if err != nil {
		t.Fatalf("FetchPatient() error: %v", err)
	}
	if p.Result.Record == nil || p.Result.Record.Disease != "flu" || !p.Result.Record.Eligible {
		t.Errorf("unexpected record: %+v", p.Result.Record)
	}
	if len(p.Row) != 6 || p.Row[4] != "yes" {
		t.Errorf("unexpected row: %v", p.Row)
	}
}

func TestRecordFootsteps_sendsCount(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()
	c := client.MustNew(srv.URL, client.WithBearerToken(testToken))

	res, err := c.RecordFootsteps(context.Background(), 8000)
	if err != nil {
		t.Fatalf("RecordFootsteps() error: %v", err)
	}
	if res.Message != "steps=8000" {
		t.Errorf("expected steps=8000, got %q", res.Message)
	}
}

func TestCloseSession_forgetsToken(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()
	c := client.MustNew(srv.URL, client.WithBearerToken(testToken))

	if err := c.CloseSession(context.Background()); err != nil {
		t.Fatalf("CloseSession() error: %v", err)
	}
	if c.Token() != "" {
		t.Errorf("expected empty token, got %q", c.Token())
	}
}

func TestLatestEvent_noContent(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()
	c := client.MustNew(srv.URL)

	_, err := c.LatestEvent(context.Background())
	if !errors.Is(err, client.ErrNoContent) {
		t.Errorf("expected ErrNoContent, got %v", err)
	}
}

func TestStreamEvents_skipsKeepAlive(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()
	c := client.MustNew(srv.URL)

	var got []string
	err := c.StreamEvents(context.Background(), func(e client.Event) bool {
		got = append(got, e.Name)
		return true
	})
	if err != nil {
		t.Fatalf("StreamEvents() error: %v", err)
	}
	if len(got) != 2 || got[0] != "patientRecorded" || got[1] != "footStepsRecorded" {
		t.Errorf("unexpected events: %v", got)
	}
}

func TestStreamEvents_stopsWhenCallbackDeclines(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()
	c := client.MustNew(srv.URL)

	calls := 0
	err := c.StreamEvents(context.Background(), func(client.Event) bool {
		calls++
		return false
	})
	if err != nil {
		t.Fatalf("StreamEvents() error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 callback, got %d", calls)
	}
}

func TestVerifyReceipts_brokenChain(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()
	c := client.MustNew(srv.URL)

	valid, reason, err := c.VerifyReceipts(context.Background())
	if err != nil {
		t.Fatalf("VerifyReceipts() error: %v", err)
	}
	if valid || reason == "" {
		t.Errorf("expected invalid chain with reason, got valid=%v reason=%q", valid, reason)
	}
}
