package redis

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	xerrors "DocFlow-Chain/internal/errors"
	"DocFlow-Chain/internal/session"

	"github.com/redis/go-redis/v9"
)

// Config 描述 Redis 镜像的连接参数。
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// SessionMirror 以 Redis 字符串键保存会话 JSON，作为轻量持久镜像。
type SessionMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewSessionMirror 创建 Redis 会话镜像。
func NewSessionMirror(cfg Config) (*SessionMirror, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "docflow:sessions:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return &SessionMirror{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

// Upsert 覆盖写入会话 JSON。
func (m *SessionMirror) Upsert(ctx context.Context, sess *session.Session) error {
	if sess == nil || sess.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化会话失败")
	}
	if err := m.client.Set(ctx, m.key(sess.ID), payload, m.ttl).Err(); err != nil {
		return xerrors.Wrap(session.CodeSessionMirror, err, "写入 Redis 镜像失败")
	}
	return nil
}

// Get 读取会话 JSON。
func (m *SessionMirror) Get(ctx context.Context, id string) (*session.Session, error) {
	payload, err := m.client.Get(ctx, m.key(id)).Result()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return nil, session.ErrSessionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 镜像失败")
	}
	var sess session.Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码 Redis 镜像失败")
	}
	return &sess, nil
}

// Close 关闭 Redis 连接。
func (m *SessionMirror) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

func (m *SessionMirror) key(id string) string {
	return fmt.Sprintf("%s%s", m.prefix, id)
}

var _ session.Mirror = (*SessionMirror)(nil)
