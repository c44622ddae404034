package workflow

import (
	"strings"

	"DocFlow-Chain/internal/session"
)

// 远端节点数字状态码。
const (
	CodePending          = 0
	CodeProcessing       = 1
	CodeSuccess          = 2
	CodeFailed           = 3
	CodeIntentNotFound   = 4
	CodeWorkflowNotFound = 5
	CodeInvalid          = 6
)

// CodeUnknown 表示响应中没有可解析的状态码。
const CodeUnknown = -1

// Outcome 是两种上报形态归一化之后的统一视图。
type Outcome struct {
	Terminal  bool
	Success   bool
	Status    session.Status
	Code      int
	RawStatus string
	TxHash    string
	Result    map[string]any
}

// Reporter 将远端节点的原始状态响应归一化。会话创建时按
// 工作流类型选定一个实现，之后轮询循环只面对统一接口。
type Reporter interface {
	Normalize(raw map[string]any) Outcome
}

// StringReporter 处理字符串状态形态：RUNNING/COMPLETED/FAILED/CANCELLED。
type StringReporter struct{}

// Normalize 实现 Reporter 接口。
func (StringReporter) Normalize(raw map[string]any) Outcome {
	out := Outcome{Code: CodeUnknown, TxHash: extractTxHash(raw), Result: extractResult(raw)}
	status, _ := raw["status"].(string)
	out.RawStatus = status
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "COMPLETED":
		out.Terminal = true
		out.Success = true
		out.Status = session.StatusCompleted
	case "FAILED", "CANCELLED":
		out.Terminal = true
		out.Status = session.StatusFailed
	default:
		// RUNNING 以及未知字符串都视为未完成。
	}
	return out
}

// CodeReporter 处理数字状态码形态。
type CodeReporter struct{}

// Normalize 实现 Reporter 接口。
func (CodeReporter) Normalize(raw map[string]any) Outcome {
	out := Outcome{Code: CodeUnknown, TxHash: extractTxHash(raw), Result: extractResult(raw)}
	code, ok := extractCode(raw)
	if !ok {
		return out
	}
	out.Code = code
	switch code {
	case CodePending, CodeProcessing:
	case CodeSuccess:
		out.Terminal = true
		out.Success = true
		out.Status = session.StatusCompleted
	case CodeFailed, CodeIntentNotFound, CodeWorkflowNotFound, CodeInvalid:
		out.Terminal = true
		out.Status = session.StatusFailed
	default:
		// 未定义的状态码视为未完成，交由超时兜底。
	}
	return out
}

func extractCode(raw map[string]any) (int, bool) {
	value, ok := raw["code"]
	if !ok {
		return 0, false
	}
	switch code := value.(type) {
	case float64:
		return int(code), true
	case int:
		return code, true
	case int64:
		return int(code), true
	default:
		return 0, false
	}
}

func extractTxHash(raw map[string]any) string {
	for _, key := range []string{"tx_hash", "txHash"} {
		if value, ok := raw[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

func extractResult(raw map[string]any) map[string]any {
	if value, ok := raw["result"].(map[string]any); ok {
		return value
	}
	return nil
}
