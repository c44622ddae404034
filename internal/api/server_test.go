package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"DocFlow-Chain/internal/engine"
	"DocFlow-Chain/internal/session"
	"DocFlow-Chain/internal/token"
	"DocFlow-Chain/internal/workflow"
)

// fakeOrchestrator 以固定返回值实现 Orchestrator，便于只测路由与映射。
type fakeOrchestrator struct {
	startResult *engine.StartResult
	startErr    error
	startParams engine.StartParams
	statusView  *engine.StatusView
	statusErr   error
	mintResult  *engine.MintResult
	mintErr     error
	claims      *token.Claims
	verifyErr   error
	watchViews  []*engine.StatusView
}

func (f *fakeOrchestrator) StartWorkflow(_ context.Context, params engine.StartParams) (*engine.StartResult, error) {
	f.startParams = params
	return f.startResult, f.startErr
}

func (f *fakeOrchestrator) GetStatus(context.Context, string) (*engine.StatusView, error) {
	return f.statusView, f.statusErr
}

func (f *fakeOrchestrator) MintToken(context.Context, string) (*engine.MintResult, error) {
	return f.mintResult, f.mintErr
}

func (f *fakeOrchestrator) VerifyToken(context.Context, string) (*token.Claims, error) {
	return f.claims, f.verifyErr
}

func (f *fakeOrchestrator) Watch(context.Context, string, time.Duration) (<-chan *engine.StatusView, error) {
	ch := make(chan *engine.StatusView, len(f.watchViews))
	for _, view := range f.watchViews {
		ch <- view
	}
	close(ch)
	return ch, nil
}

func TestHandleWorkflowsStart(t *testing.T) {
	orch := &fakeOrchestrator{startResult: &engine.StartResult{
		SessionID:      "sess-1",
		WorkflowHandle: "wf-1",
		Status:         session.StatusCompleted,
	}}
	server := NewServer(":0", orch)

	body := `{"kind":"seal","document_hash":"0xdoc","user_id":"user-1","access_type":"read"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", strings.NewReader(body))
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 172.16.0.1")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	var got engine.StartResult
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.SessionID != "sess-1" {
		t.Fatalf("unexpected session id: %q", got.SessionID)
	}
	if orch.startParams.Kind != workflow.KindSeal {
		t.Fatalf("kind not forwarded: %q", orch.startParams.Kind)
	}
	if orch.startParams.ClientIP != "10.0.0.1" {
		t.Fatalf("expected first forwarded address, got %q", orch.startParams.ClientIP)
	}
}

func TestHandleWorkflowsRejectsBadRequests(t *testing.T) {
	server := NewServer(":0", &fakeOrchestrator{})

	t.Run("wrong method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, "/api/v1/workflows", nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", rec.Code)
		}
	})

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestHandleWorkflowDetail(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		orch := &fakeOrchestrator{statusView: &engine.StatusView{
			SessionID: "sess-1",
			Status:    session.StatusRunning,
			Progress:  25,
		}}
		server := NewServer(":0", orch)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/sess-1", nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
		var view engine.StatusView
		if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if view.Status != session.StatusRunning || view.Progress != 25 {
			t.Fatalf("unexpected view: %+v", view)
		}
	})

	t.Run("not found maps to 404", func(t *testing.T) {
		orch := &fakeOrchestrator{statusErr: session.ErrSessionNotFound}
		server := NewServer(":0", orch)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/missing", nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
		var resp struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if resp.Error.Code != string(session.CodeSessionNotFound) {
			t.Fatalf("unexpected error code: %q", resp.Error.Code)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		server := NewServer(":0", &fakeOrchestrator{})
		req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/", nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestStreamStatus(t *testing.T) {
	orch := &fakeOrchestrator{watchViews: []*engine.StatusView{
		{SessionID: "sess-1", Status: session.StatusRunning, Progress: 25},
		{SessionID: "sess-1", Status: session.StatusCompleted, Progress: 100},
	}}
	server := NewServer(":0", orch)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/sess-1/stream", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type: %q", got)
	}
	body := rec.Body.String()
	if strings.Count(body, "event: status") != 2 {
		t.Fatalf("expected two SSE events, got: %s", body)
	}
	if !strings.Contains(body, `"COMPLETED"`) {
		t.Fatalf("terminal snapshot missing: %s", body)
	}
}

func TestHandleMintToken(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		orch := &fakeOrchestrator{mintResult: &engine.MintResult{Token: "abc", ExpiresAt: 1700000900}}
		server := NewServer(":0", orch)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/tokens", strings.NewReader(`{"session_id":"sess-1"}`))
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
	})

	t.Run("not ready maps to 409", func(t *testing.T) {
		orch := &fakeOrchestrator{mintErr: token.ErrNotReady}
		server := NewServer(":0", orch)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/tokens", strings.NewReader(`{"session_id":"sess-1"}`))
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
	})

	t.Run("missing session id", func(t *testing.T) {
		server := NewServer(":0", &fakeOrchestrator{})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tokens", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestHandleVerifyToken(t *testing.T) {
	t.Run("query parameter", func(t *testing.T) {
		orch := &fakeOrchestrator{claims: &token.Claims{SessionID: "sess-1", UserID: "user-1"}}
		server := NewServer(":0", orch)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/tokens/verify?token=abc", nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
		var claims token.Claims
		if err := json.Unmarshal(rec.Body.Bytes(), &claims); err != nil {
			t.Fatalf("decode claims: %v", err)
		}
		if claims.SessionID != "sess-1" {
			t.Fatalf("unexpected claims: %+v", claims)
		}
	})

	t.Run("bearer header", func(t *testing.T) {
		orch := &fakeOrchestrator{claims: &token.Claims{SessionID: "sess-1"}}
		server := NewServer(":0", orch)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/tokens/verify", nil)
		req.Header.Set("Authorization", "Bearer abc")
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
	})

	t.Run("invalid token maps to 401", func(t *testing.T) {
		orch := &fakeOrchestrator{verifyErr: token.ErrInvalidToken}
		server := NewServer(":0", orch)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/tokens/verify?token=bad", nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		server := NewServer(":0", &fakeOrchestrator{})
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tokens/verify", nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}
