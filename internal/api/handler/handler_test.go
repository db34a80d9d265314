package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/healthincentive/internal/api/handler"
	"github.com/jmerrifield20/healthincentive/internal/ledger"
	"github.com/jmerrifield20/healthincentive/internal/ledger/ledgertest"
	"github.com/jmerrifield20/healthincentive/internal/patients"
	"github.com/jmerrifield20/healthincentive/internal/receipts"
	"github.com/jmerrifield20/healthincentive/internal/session"
	"github.com/jmerrifield20/healthincentive/internal/workflow"
	"go.uber.org/zap"
)

type testEnv struct {
	router  *gin.Engine
	sim     *ledgertest.Backend
	binding *ledger.Binding
	journal *receipts.Memory
	store   *session.Store
}

func setupRouter(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sim := ledgertest.New(4)
	binding := ledger.NewBinding(sim, sim.Artifact(), zap.NewNop())
	binding.SetReceiptPollInterval(time.Millisecond)

	wf := workflow.New(ledger.NewHealthInsurance(binding), workflow.Config{ConfirmTimeout: 5 * time.Second}, zap.NewNop())
	journal := receipts.NewMemory()
	wf.SetJournal(journal)
	wf.SetDirectory(patients.NewMemory())

	tokens, err := session.NewTokenIssuer([]byte("test-secret"), "hic-test", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer() error: %v", err)
	}
	store := session.NewStore(time.Hour)

	r := gin.New()
	v1 := r.Group("/api/v1")
	sh := handler.NewSessionHandler(sim, store, tokens, zap.NewNop())
	sh.Register(v1)
	handler.NewWorkflowHandler(wf, sh.RequireSession(), zap.NewNop()).Register(v1)
	handler.NewReceiptsHandler(journal, zap.NewNop()).Register(v1)

	return &testEnv{router: r, sim: sim, binding: binding, journal: journal, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) newSession(t *testing.T) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/sessions", "", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	decode(t, w, &resp)
	if resp.Token == "" {
		t.Fatal("expected a session token")
	}
	return resp.Token
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

var bg = context.Background()
