package session

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	xerrors "DocFlow-Chain/internal/errors"
	"DocFlow-Chain/pkg/logger"
)

// Registry 是进程内共享的会话注册表，持有可选的持久镜像与事件发布器。
// 所有并发请求共用同一个实例，由构造方在进程启动时注入。
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	mirror    Mirror
	publisher Publisher
	log       *slog.Logger
}

// RegistryOption 定义可选配置。
type RegistryOption func(*Registry)

// WithMirror 挂载持久镜像。
func WithMirror(mirror Mirror) RegistryOption {
	return func(r *Registry) {
		r.mirror = mirror
	}
}

// WithPublisher 挂载生命周期事件发布器。
func WithPublisher(publisher Publisher) RegistryOption {
	return func(r *Registry) {
		r.publisher = publisher
	}
}

// NewRegistry 创建注册表。
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		log:      logger.Named("session"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Create 实现 Store 接口。会话以 RUNNING 状态与工作流句柄一起原子创建。
func (r *Registry) Create(ctx context.Context, sess *Session) error {
	if sess == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "session 不能为空")
	}
	if sess.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	if sess.Status == "" {
		sess.Status = StatusRunning
	}
	if !IsValidStatus(sess.Status) {
		return xerrors.New(CodeSessionValidation, "不支持的会话状态")
	}

	r.mu.Lock()
	if _, ok := r.sessions[sess.ID]; ok {
		r.mu.Unlock()
		return ErrSessionConflict
	}
	now := time.Now().Unix()
	if sess.StartedAt == 0 {
		sess.StartedAt = now
	}
	sess.UpdatedAt = now
	stored := sess.Clone()
	r.sessions[sess.ID] = stored
	snapshot := stored.Clone()
	r.mu.Unlock()

	r.mirrorUpsert(ctx, snapshot)
	r.publish(ctx, Event{SessionID: snapshot.ID, To: snapshot.Status, Kind: snapshot.WorkflowKind, OccurredAt: now})
	return nil
}

// Get 返回会话。本地未命中时回源持久镜像并回填注册表。
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	if ok {
		clone := sess.Clone()
		r.mu.RUnlock()
		return clone, nil
	}
	r.mu.RUnlock()

	if r.mirror == nil {
		return nil, ErrSessionNotFound
	}
	restored, err := r.mirror.Get(ctx, id)
	if err != nil {
		if stdErrors.Is(err, ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		r.log.Warn("读取会话镜像失败", slog.Any("error", err), slog.String("session_id", id))
		return nil, ErrSessionNotFound
	}
	if restored == nil {
		return nil, ErrSessionNotFound
	}

	r.mu.Lock()
	// 并发回填时以先写入者为准。
	if existing, ok := r.sessions[id]; ok {
		clone := existing.Clone()
		r.mu.Unlock()
		return clone, nil
	}
	r.sessions[id] = restored.Clone()
	r.mu.Unlock()
	return restored.Clone(), nil
}

// Update 应用局部更新。状态迁移只允许前进，回退会被拒绝。
// 本地未命中时与 Get 一样回源持久镜像。
func (r *Registry) Update(ctx context.Context, id string, fields Fields) (*Session, error) {
	sess, err := r.lockSession(ctx, id)
	if err != nil {
		return nil, err
	}

	previous := sess.Status
	if fields.Status != nil && *fields.Status != previous {
		if !IsValidStatus(*fields.Status) {
			r.mu.Unlock()
			return nil, xerrors.New(CodeSessionValidation, "不支持的会话状态")
		}
		if !CanTransition(previous, *fields.Status) {
			r.mu.Unlock()
			return nil, xerrors.Wrap(CodeSessionConflict, ErrSessionConflict, "会话状态不允许回退",
				xerrors.WithMetadata("from", string(previous)),
				xerrors.WithMetadata("to", string(*fields.Status)))
		}
		sess.Status = *fields.Status
	}
	if fields.TxHash != nil {
		sess.TxHash = *fields.TxHash
	}
	if fields.AccessHash != nil {
		sess.AccessHash = *fields.AccessHash
	}
	if fields.DocumentID != nil {
		sess.DocumentID = *fields.DocumentID
	}
	if fields.Result != nil {
		sess.Result = cloneAnyMap(fields.Result)
	}
	if fields.CompletedAt != nil {
		sess.CompletedAt = *fields.CompletedAt
	}
	now := time.Now().Unix()
	sess.UpdatedAt = now
	if sess.CompletedAt == 0 && sess.Status.Terminal() {
		sess.CompletedAt = now
	}
	snapshot := sess.Clone()
	r.mu.Unlock()

	r.mirrorUpsert(ctx, snapshot)
	if fields.Status != nil && *fields.Status != previous {
		r.publish(ctx, Event{
			SessionID:  snapshot.ID,
			From:       previous,
			To:         snapshot.Status,
			Kind:       snapshot.WorkflowKind,
			TxHash:     snapshot.TxHash,
			OccurredAt: now,
		})
	}
	return snapshot, nil
}

// AppendTrace 将一次轮询的原始响应追加到调试轨迹。
func (r *Registry) AppendTrace(ctx context.Context, id string, entry TraceEntry) error {
	sess, err := r.lockSession(ctx, id)
	if err != nil {
		return err
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().Unix()
	}
	entry.Raw = cloneAnyMap(entry.Raw)
	sess.Trace = append(sess.Trace, entry)
	sess.UpdatedAt = time.Now().Unix()
	snapshot := sess.Clone()
	r.mu.Unlock()

	r.mirrorUpsert(ctx, snapshot)
	return nil
}

// Close 释放镜像与发布器资源。
func (r *Registry) Close() error {
	var err error
	if r.mirror != nil {
		err = r.mirror.Close()
	}
	if r.publisher != nil {
		if closeErr := r.publisher.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}

// lockSession 以持锁状态返回注册表内的会话条目，调用方负责解锁。
// 本地未命中时先经 Get 从镜像回填再重试一次。
func (r *Registry) lockSession(ctx context.Context, id string) (*Session, error) {
	r.mu.Lock()
	if sess, ok := r.sessions[id]; ok {
		return sess, nil
	}
	r.mu.Unlock()

	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// mirrorUpsert 尽力写入持久镜像。镜像只是副本，失败只记录日志。
func (r *Registry) mirrorUpsert(ctx context.Context, sess *Session) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.Upsert(ctx, sess); err != nil {
		r.log.Warn("写入会话镜像失败",
			slog.Any("error", err),
			slog.String("session_id", sess.ID),
			slog.String("status", string(sess.Status)),
		)
	}
}

func (r *Registry) publish(ctx context.Context, event Event) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.log.Warn("发布会话事件失败", slog.Any("error", err), slog.String("session_id", event.SessionID))
	}
}

// ensure interface compliance at compile time
var _ Store = (*Registry)(nil)
