package session

import "context"

// Event 描述一次会话状态迁移，供下游审计或通知消费。
type Event struct {
	SessionID  string `json:"session_id"`
	From       Status `json:"from,omitempty"`
	To         Status `json:"to"`
	Kind       string `json:"kind,omitempty"`
	TxHash     string `json:"tx_hash,omitempty"`
	OccurredAt int64  `json:"occurred_at"`
}

// Publisher 负责将会话生命周期事件投递给外部消费者。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher 丢弃所有事件，用于未配置消息队列的部署。
type NopPublisher struct{}

// Publish 实现 Publisher 接口。
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher 接口。
func (NopPublisher) Close() error { return nil }
