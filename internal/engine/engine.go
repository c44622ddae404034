package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"DocFlow-Chain/internal/chain"
	xerrors "DocFlow-Chain/internal/errors"
	"DocFlow-Chain/internal/intent"
	"DocFlow-Chain/internal/observability/alerting"
	"DocFlow-Chain/internal/session"
	"DocFlow-Chain/internal/token"
	"DocFlow-Chain/internal/workflow"
	"DocFlow-Chain/pkg/clock"
	"DocFlow-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// NodeClient 是引擎依赖的远端执行节点能力。
type NodeClient interface {
	ExecuteWorkflow(ctx context.Context, dsl json.RawMessage) (string, error)
	WorkflowStatus(ctx context.Context, handle string) (map[string]any, error)
}

// EventConfirmer 是引擎依赖的链上事件确认能力。
type EventConfirmer interface {
	Confirm(ctx context.Context, params chain.ConfirmParams) (*chain.Confirmation, error)
}

// Config 描述引擎的运行参数。轮询与确认的超时都可以在
// 会话发起时按次覆盖。
type Config struct {
	Contract        common.Address
	EventSignature  string
	PollInterval    time.Duration
	PollTimeout     time.Duration
	ConfirmInterval time.Duration
	ConfirmTimeout  time.Duration
	LookbackBlocks  uint64
	StoragePrefix   string
	SessionTTL      time.Duration
}

// Engine 串联意图构造、工作流提交、状态轮询、事件确认与令牌发放。
// 整条流水线在调用方协程内同步执行，轮询通过协作式挂起让出调度。
type Engine struct {
	cfg       Config
	store     session.Store
	node      NodeClient
	intents   *intent.Builder
	poller    *workflow.Poller
	confirmer EventConfirmer
	issuer    *token.Issuer
	clock     clock.Clock
	alerter   alerting.Dispatcher
	log       *slog.Logger
}

// Option 定义可选配置。
type Option func(*Engine)

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(e *Engine) {
		e.alerter = dispatcher
	}
}

// WithClock 覆盖时间源，主要用于测试。
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) {
		if clk != nil {
			e.clock = clk
		}
	}
}

// New 构造引擎。
func New(cfg Config, store session.Store, node NodeClient, intents *intent.Builder, confirmer EventConfirmer, issuer *token.Issuer, opts ...Option) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = workflow.DefaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = workflow.DefaultPollTimeout
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = chain.DefaultConfirmInterval
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = chain.DefaultConfirmTimeout
	}
	if cfg.EventSignature == "" {
		cfg.EventSignature = chain.DefaultEventSignature
	}
	e := &Engine{
		cfg:       cfg,
		store:     store,
		node:      node,
		intents:   intents,
		confirmer: confirmer,
		issuer:    issuer,
		clock:     clock.System(),
		log:       logger.Named("engine"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.poller = workflow.NewPoller(node, store, e.clock)
	return e
}

// StartParams 描述一次工作流发起请求。
type StartParams struct {
	Kind         workflow.Kind
	DocumentHash string
	RecordID     string
	UserID       string
	AccessType   string
	ClientIP     string
	UserAgent    string
	// AccessToken 是外部系统签发的调用凭证，会嵌入 DSL 但在
	// 会话记录中脱敏。
	AccessToken string
	// PollTimeout 等字段按次覆盖引擎默认节奏，零值表示使用默认。
	PollInterval   time.Duration
	PollTimeout    time.Duration
	ConfirmTimeout time.Duration
}

// StartResult 是工作流发起的返回值。
type StartResult struct {
	SessionID      string         `json:"session_id"`
	WorkflowHandle string         `json:"workflow_handle"`
	Status         session.Status `json:"status"`
}

// StartWorkflow 执行完整的编排流水线：构造意图、物化模板、提交远端
// 节点、轮询到终态，并在需要时独立确认链上结算事件。
func (e *Engine) StartWorkflow(ctx context.Context, params StartParams) (*StartResult, error) {
	if e.store == nil || e.node == nil || e.intents == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "引擎未初始化")
	}
	if params.DocumentHash == "" {
		return nil, xerrors.New(session.CodeSessionValidation, "缺少文档哈希")
	}
	spec, err := workflow.SpecFor(params.Kind)
	if err != nil {
		return nil, err
	}

	it, err := e.intents.Build(ctx)
	if err != nil {
		return nil, err
	}

	vars := it.Vars()
	vars[workflow.VarDocumentHash] = params.DocumentHash
	vars[workflow.VarUserID] = params.UserID
	vars[workflow.VarAccessType] = params.AccessType
	vars[workflow.VarRecordID] = params.RecordID
	vars[workflow.VarAccessToken] = params.AccessToken

	document := spec.Template.Substitute(vars)
	dsl, err := json.Marshal(document)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化工作流文档失败")
	}

	handle, err := e.node.ExecuteWorkflow(ctx, dsl)
	if err != nil {
		// 提交失败时会话不算已开始，不落任何记录。
		wrapped := xerrors.Wrap(xerrors.CodeTransport, err, "提交工作流到执行节点失败")
		e.emitAlert(ctx, "", params.Kind, "submit", wrapped)
		return nil, wrapped
	}

	now := e.clock.Now().Unix()
	sess := &session.Session{
		ID:             uuid.NewString(),
		Status:         session.StatusRunning,
		WorkflowKind:   string(params.Kind),
		WorkflowHandle: handle,
		DocumentHash:   params.DocumentHash,
		RecordID:       params.RecordID,
		UserID:         params.UserID,
		AccessType:     params.AccessType,
		ClientIP:       params.ClientIP,
		UserAgent:      params.UserAgent,
		StoragePath:    e.storagePath(params.DocumentHash),
		Params:         workflow.Redact(vars),
		StartedAt:      now,
	}
	if e.cfg.SessionTTL > 0 {
		sess.ExpiresAt = now + int64(e.cfg.SessionTTL.Seconds())
	}
	if err := e.store.Create(ctx, sess); err != nil {
		return nil, err
	}

	logger.Audit().Info("工作流会话已创建",
		slog.String("session_id", sess.ID),
		slog.String("kind", string(params.Kind)),
		slog.String("handle", handle),
		slog.String("user_id", params.UserID),
		slog.String("client_ip", params.ClientIP),
	)

	outcome, err := e.poller.Wait(ctx, sess, spec.Reporter, workflow.PollOptions{
		Interval: firstDuration(params.PollInterval, e.cfg.PollInterval),
		Timeout:  firstDuration(params.PollTimeout, e.cfg.PollTimeout),
	})
	if err != nil {
		e.emitAlert(ctx, sess.ID, params.Kind, "poll", err)
		return nil, err
	}

	status := outcome.Status
	if outcome.Success && spec.RequiresEvent {
		status, err = e.confirmSettlement(ctx, sess, params)
		if err != nil {
			return &StartResult{SessionID: sess.ID, WorkflowHandle: handle, Status: session.StatusCompleted}, err
		}
	}

	return &StartResult{SessionID: sess.ID, WorkflowHandle: handle, Status: status}, nil
}

// confirmSettlement 对需要链上确认的工作流执行独立的事件扫描，
// 成功后把会话推进到 COMPLETED_WITH_EVENT 并以日志派生值覆盖交易哈希。
func (e *Engine) confirmSettlement(ctx context.Context, sess *session.Session, params StartParams) (session.Status, error) {
	if e.confirmer == nil {
		return session.StatusCompleted, xerrors.New(xerrors.CodeInitializationFailure, "未配置事件确认器")
	}
	confirmation, err := e.confirmer.Confirm(ctx, chain.ConfirmParams{
		Contract:       e.cfg.Contract,
		EventSignature: e.cfg.EventSignature,
		MatchKey:       common.HexToHash(sess.DocumentHash),
		Interval:       e.cfg.ConfirmInterval,
		Timeout:        firstDuration(params.ConfirmTimeout, e.cfg.ConfirmTimeout),
		LookbackBlocks: e.cfg.LookbackBlocks,
	})
	if err != nil {
		e.emitAlert(ctx, sess.ID, params.Kind, "confirm", err)
		return session.StatusCompleted, err
	}

	status := session.StatusCompletedWithEvent
	txHash := confirmation.TxHash.Hex()
	accessHash := confirmation.AccessHash.Hex()
	documentID := confirmation.DocumentID.String()
	if _, err := e.store.Update(ctx, sess.ID, session.Fields{
		Status:     &status,
		TxHash:     &txHash,
		AccessHash: &accessHash,
		DocumentID: &documentID,
	}); err != nil {
		return session.StatusCompleted, err
	}
	return status, nil
}

// StatusView 是 GetStatus 返回的会话快照。
type StatusView struct {
	SessionID  string               `json:"session_id"`
	Status     session.Status       `json:"status"`
	Result     map[string]any       `json:"result,omitempty"`
	TxHash     string               `json:"tx_hash,omitempty"`
	DocumentID string               `json:"document_id,omitempty"`
	AccessHash string               `json:"access_hash,omitempty"`
	UpdatedAt  int64                `json:"updated_at"`
	Progress   int                  `json:"progress"`
	Trace      []session.TraceEntry `json:"trace,omitempty"`
}

// GetStatus 返回会话状态。注册表与持久镜像都未命中时返回未找到。
func (e *Engine) GetStatus(ctx context.Context, sessionID string) (*StatusView, error) {
	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return snapshotView(sess), nil
}

func snapshotView(sess *session.Session) *StatusView {
	return &StatusView{
		SessionID:  sess.ID,
		Status:     sess.Status,
		Result:     sess.Result,
		TxHash:     sess.TxHash,
		DocumentID: sess.DocumentID,
		AccessHash: sess.AccessHash,
		UpdatedAt:  sess.UpdatedAt,
		Progress:   progressFor(sess),
		Trace:      sess.Trace,
	}
}

// progressFor 将会话状态折算成粗粒度进度百分比，供 UI 展示。
func progressFor(sess *session.Session) int {
	switch sess.Status {
	case session.StatusRunning:
		if len(sess.Trace) == 0 {
			return 10
		}
		last := sess.Trace[len(sess.Trace)-1]
		if code, ok := last.Raw["code"].(float64); ok && int(code) == workflow.CodeProcessing {
			return 50
		}
		return 25
	case session.StatusCompleted:
		if spec, err := workflow.SpecFor(workflow.Kind(sess.WorkflowKind)); err == nil && spec.RequiresEvent {
			return 75
		}
		return 100
	case session.StatusCompletedWithEvent, session.StatusFailed:
		return 100
	default:
		return 0
	}
}

// MintResult 是令牌发放的返回值。
type MintResult struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// MintToken 为到达合格终态的会话签发访问令牌。状态不满足或
// 链上确认字段缺失时返回 ErrNotReady 信号。
func (e *Engine) MintToken(ctx context.Context, sessionID string) (*MintResult, error) {
	if e.issuer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置令牌签发器")
	}
	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusCompleted && sess.Status != session.StatusCompletedWithEvent {
		return nil, token.ErrNotReady
	}
	if sess.AccessHash == "" || sess.DocumentID == "" {
		return nil, token.ErrNotReady
	}

	minted, expiresAt, err := e.issuer.Mint(token.Claims{
		DocumentHash: sess.DocumentHash,
		StoragePath:  sess.StoragePath,
		RecordID:     sess.RecordID,
		UserID:       sess.UserID,
		SessionID:    sess.ID,
		AccessType:   sess.AccessType,
		AccessHash:   sess.AccessHash,
		DocumentID:   sess.DocumentID,
	})
	if err != nil {
		return nil, err
	}

	logger.Audit().Info("访问令牌已签发",
		slog.String("session_id", sess.ID),
		slog.String("user_id", sess.UserID),
		slog.String("access_type", sess.AccessType),
		slog.Int64("expires_at", expiresAt),
	)
	return &MintResult{Token: minted, ExpiresAt: expiresAt}, nil
}

// VerifyToken 校验令牌并返回声明。storage_path 缺失的旧令牌会
// 尝试回查会话存储补全。
func (e *Engine) VerifyToken(ctx context.Context, raw string) (*token.Claims, error) {
	if e.issuer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置令牌签发器")
	}
	claims, err := e.issuer.Verify(raw)
	if err != nil {
		return nil, err
	}
	if claims.StoragePath == "" && claims.SessionID != "" {
		if sess, lookupErr := e.store.Get(ctx, claims.SessionID); lookupErr == nil {
			claims.StoragePath = sess.StoragePath
		}
	}
	return claims, nil
}

func (e *Engine) storagePath(documentHash string) string {
	if e.cfg.StoragePrefix == "" {
		return ""
	}
	return e.cfg.StoragePrefix + "/" + documentHash + ".pdf"
}

func (e *Engine) emitAlert(ctx context.Context, sessionID string, kind workflow.Kind, stage string, err error) {
	if e.alerter == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		SessionID:  sessionID,
		Kind:       string(kind),
		Stage:      stage,
		OccurredAt: e.clock.Now(),
	}
	if unified, ok := xerrors.From(err); ok {
		event.Metadata = unified.Metadata()
	}
	if dispatchErr := e.alerter.Notify(ctx, event); dispatchErr != nil {
		e.log.Warn("派发告警失败", slog.Any("error", dispatchErr), slog.String("session_id", sessionID))
	}
}

func firstDuration(override, fallback time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return fallback
}
