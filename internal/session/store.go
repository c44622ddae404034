package session

import "context"

// Fields 描述一次局部更新。为 nil 的字段保持原值。
type Fields struct {
	Status      *Status
	TxHash      *string
	AccessHash  *string
	DocumentID  *string
	Result      map[string]any
	CompletedAt *int64
}

// Store 抽象了会话注册表。注册表在进程内被所有请求处理协程共享。
type Store interface {
	Create(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, id string, fields Fields) (*Session, error)
	AppendTrace(ctx context.Context, id string, entry TraceEntry) error
	Close() error
}

// Mirror 抽象了可选的持久镜像。镜像只是尽力而为的副本，
// 写入失败不会影响调用方。
type Mirror interface {
	Upsert(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Close() error
}
