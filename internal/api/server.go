package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"DocFlow-Chain/internal/chain"
	"DocFlow-Chain/internal/engine"
	xerrors "DocFlow-Chain/internal/errors"
	"DocFlow-Chain/internal/observability/metrics"
	"DocFlow-Chain/internal/session"
	"DocFlow-Chain/internal/token"
	"DocFlow-Chain/internal/workflow"
)

// Orchestrator 是 API 层依赖的引擎能力。
type Orchestrator interface {
	StartWorkflow(ctx context.Context, params engine.StartParams) (*engine.StartResult, error)
	GetStatus(ctx context.Context, sessionID string) (*engine.StatusView, error)
	MintToken(ctx context.Context, sessionID string) (*engine.MintResult, error)
	VerifyToken(ctx context.Context, raw string) (*token.Claims, error)
	Watch(ctx context.Context, sessionID string, interval time.Duration) (<-chan *engine.StatusView, error)
}

// Server 负责暴露 REST 接口，供外部系统驱动工作流会话。
type Server struct {
	addr   string
	engine Orchestrator
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, orch Orchestrator) *Server {
	return &Server{addr: addr, engine: orch}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回路由表，便于测试直接驱动。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/workflows", instrument("workflows", s.handleWorkflows))
	mux.HandleFunc("/api/v1/workflows/", instrument("workflow_detail", s.handleWorkflowDetail))
	mux.HandleFunc("/api/v1/tokens", instrument("tokens", s.handleMintToken))
	mux.HandleFunc("/api/v1/tokens/verify", instrument("token_verify", s.handleVerifyToken))
	return mux
}

// statusRecorder 捕获响应状态码供请求指标使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

// startRequest 是发起工作流的请求体。
type startRequest struct {
	Kind         string `json:"kind"`
	DocumentHash string `json:"document_hash"`
	RecordID     string `json:"record_id"`
	UserID       string `json:"user_id"`
	AccessType   string `json:"access_type"`
	AccessToken  string `json:"access_token"`
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "引擎未初始化", http.StatusServiceUnavailable)
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	result, err := s.engine.StartWorkflow(r.Context(), engine.StartParams{
		Kind:         workflow.Kind(req.Kind),
		DocumentHash: req.DocumentHash,
		RecordID:     req.RecordID,
		UserID:       req.UserID,
		AccessType:   req.AccessType,
		ClientIP:     clientIP(r),
		UserAgent:    r.UserAgent(),
		AccessToken:  req.AccessToken,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleWorkflowDetail 按路径后缀区分状态查询与 SSE 推送：
// GET /api/v1/workflows/{id} 与 GET /api/v1/workflows/{id}/stream。
func (s *Server) handleWorkflowDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "引擎未初始化", http.StatusServiceUnavailable)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/workflows/")
	sessionID, streaming := strings.CutSuffix(rest, "/stream")
	sessionID = strings.Trim(sessionID, "/")
	if sessionID == "" {
		http.Error(w, "缺少会话 ID", http.StatusBadRequest)
		return
	}

	if streaming {
		s.streamStatus(w, r, sessionID)
		return
	}

	view, err := s.engine.GetStatus(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// streamStatus 以 SSE 形式推送会话快照，直到会话到达最终形态或
// 客户端断开。
func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "不支持流式响应", http.StatusInternalServerError)
		return
	}

	updates, err := s.engine.Watch(r.Context(), sessionID, 0)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for view := range updates {
		payload, err := json.Marshal(view)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: status\ndata: %s\n\n", payload)
		flusher.Flush()
	}
}

// mintRequest 是令牌发放的请求体。
type mintRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "引擎未初始化", http.StatusServiceUnavailable)
		return
	}

	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		http.Error(w, "缺少会话 ID", http.StatusBadRequest)
		return
	}

	result, err := s.engine.MintToken(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "引擎未初始化", http.StatusServiceUnavailable)
		return
	}

	raw := r.URL.Query().Get("token")
	if raw == "" {
		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			raw = strings.TrimPrefix(header, "Bearer ")
		}
	}
	if raw == "" {
		http.Error(w, "缺少令牌", http.StatusBadRequest)
		return
	}

	claims, err := s.engine.VerifyToken(r.Context(), raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

// errorResponse 是统一的错误返回体。
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError 把统一错误码映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeNotFound, session.CodeSessionNotFound:
		status = http.StatusNotFound
	case xerrors.CodeInvalidArgument, session.CodeSessionValidation:
		status = http.StatusBadRequest
	case xerrors.CodeConflict, session.CodeSessionConflict:
		status = http.StatusConflict
	case token.CodeTokenInvalid:
		status = http.StatusUnauthorized
	case token.CodeTokenNotReady:
		status = http.StatusConflict
	case xerrors.CodeTimeout, chain.CodeEventNotConfirmed:
		status = http.StatusGatewayTimeout
	case xerrors.CodeTransport:
		status = http.StatusBadGateway
	case xerrors.CodeConfiguration, xerrors.CodeInitializationFailure:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Error: errorBody{Code: string(code), Message: err.Error()}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// clientIP 提取调用方地址，优先信任反向代理注入的头部。
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.IndexByte(forwarded, ','); idx >= 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		return host[:idx]
	}
	return host
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
