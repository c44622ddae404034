package session

import (
	xerrors "DocFlow-Chain/internal/errors"
)

// Status 表示会话在生命周期中的状态。
type Status string

const (
	StatusRunning            Status = "RUNNING"
	StatusCompleted          Status = "COMPLETED"
	StatusCompletedWithEvent Status = "COMPLETED_WITH_EVENT"
	StatusFailed             Status = "FAILED"
)

// Terminal 判断状态是否为终态。COMPLETED 对需要链上确认的工作流
// 仍可推进到 COMPLETED_WITH_EVENT。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithEvent, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition 判断状态迁移是否被状态机允许。状态只允许前进，
// 不允许回退或在终态之间任意跳转。
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusRunning:
		return to == StatusCompleted || to == StatusCompletedWithEvent || to == StatusFailed
	case StatusCompleted:
		return to == StatusCompletedWithEvent
	default:
		return false
	}
}

// IsValidStatus 检查给定的会话状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusRunning, StatusCompleted, StatusCompletedWithEvent, StatusFailed:
		return true
	default:
		return false
	}
}

// TraceEntry 记录一次轮询的原始响应，用于问题排查。
type TraceEntry struct {
	Timestamp int64          `json:"timestamp"`
	Raw       map[string]any `json:"raw,omitempty"`
	Note      string         `json:"note,omitempty"`
}

// Session 描述一次工作流调用从发起到发放访问令牌的本地记录。
type Session struct {
	ID             string            `json:"id"`
	Status         Status            `json:"status"`
	WorkflowKind   string            `json:"workflow_kind"`
	WorkflowHandle string            `json:"workflow_handle,omitempty"`
	DocumentHash   string            `json:"document_hash,omitempty"`
	RecordID       string            `json:"record_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	AccessType     string            `json:"access_type,omitempty"`
	ClientIP       string            `json:"client_ip,omitempty"`
	UserAgent      string            `json:"user_agent,omitempty"`
	StoragePath    string            `json:"storage_path,omitempty"`
	TxHash         string            `json:"tx_hash,omitempty"`
	AccessHash     string            `json:"access_hash,omitempty"`
	DocumentID     string            `json:"document_id,omitempty"`
	Result         map[string]any    `json:"result,omitempty"`
	Params         map[string]string `json:"params,omitempty"`
	Trace          []TraceEntry      `json:"trace,omitempty"`
	StartedAt      int64             `json:"started_at"`
	UpdatedAt      int64             `json:"updated_at"`
	CompletedAt    int64             `json:"completed_at,omitempty"`
	ExpiresAt      int64             `json:"expires_at,omitempty"`
}

var (
	// ErrSessionNotFound 表示会话在注册表和持久镜像中都不存在。
	ErrSessionNotFound = xerrors.New(CodeSessionNotFound, "session not found")
	// ErrSessionConflict 表示会话已存在或状态迁移不被允许。
	ErrSessionConflict = xerrors.New(CodeSessionConflict, "session conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeSessionNotFound  xerrors.Code = "SESSION_NOT_FOUND"
	CodeSessionConflict  xerrors.Code = "SESSION_CONFLICT"
	CodeSessionMirror    xerrors.Code = "SESSION_MIRROR_FAILED"
	CodeSessionPublish   xerrors.Code = "SESSION_PUBLISH_FAILED"
	CodeSessionValidation xerrors.Code = "SESSION_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:   "session not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionConflict, xerrors.Attributes{
		Message:   "session conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionMirror, xerrors.Attributes{
		Message:   "session mirror write failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeSessionPublish, xerrors.Attributes{
		Message:   "session event publish failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeSessionValidation, xerrors.Attributes{
		Message:   "session validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Clone 返回会话的深拷贝，注册表读写都基于拷贝避免共享可变状态。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Result = cloneAnyMap(s.Result)
	clone.Params = cloneStringMap(s.Params)
	if len(s.Trace) > 0 {
		clone.Trace = make([]TraceEntry, len(s.Trace))
		for i, entry := range s.Trace {
			clone.Trace[i] = TraceEntry{Timestamp: entry.Timestamp, Raw: cloneAnyMap(entry.Raw), Note: entry.Note}
		}
	}
	return &clone
}

func cloneAnyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	cloned := make(map[string]any, len(src))
	for key, value := range src {
		cloned[key] = value
	}
	return cloned
}

func cloneStringMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	cloned := make(map[string]string, len(src))
	for key, value := range src {
		cloned[key] = value
	}
	return cloned
}
