package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// 模板中允许出现的占位符键。替换只针对这组枚举键，
// 未知的 ${...} 片段原样保留。
const (
	VarIntentID     = "intent_id"
	VarDeadline     = "deadline"
	VarSignature    = "signature"
	VarDelegate     = "delegate"
	VarNonce        = "nonce"
	VarExecutor     = "executor"
	VarSelector     = "selector"
	VarDocumentHash = "document_hash"
	VarUserID       = "user_id"
	VarAccessType   = "access_type"
	VarRecordID     = "record_id"
	VarAccessToken  = "access_token"
)

// PlaceholderKeys 列出模板替换支持的全部键。
var PlaceholderKeys = []string{
	VarIntentID, VarDeadline, VarSignature, VarDelegate, VarNonce,
	VarExecutor, VarSelector, VarDocumentHash, VarUserID, VarAccessType,
	VarRecordID, VarAccessToken,
}

// sensitiveKeys 是落库/记日志前必须脱敏的参数键。
var sensitiveKeys = map[string]struct{}{
	VarAccessToken: {},
	"session_token": {},
	"api_key":       {},
}

const redactedValue = "[REDACTED]"

type nodeKind uint8

const (
	nodeString nodeKind = iota
	nodeSeq
	nodeMap
)

// Node 是工作流模板的树节点：字符串叶子、序列或映射。
type Node struct {
	kind   nodeKind
	str    string
	seq    []Node
	fields map[string]Node
}

// String 构造字符串叶子。
func String(s string) Node {
	return Node{kind: nodeString, str: s}
}

// Seq 构造序列节点。
func Seq(nodes ...Node) Node {
	return Node{kind: nodeSeq, seq: nodes}
}

// Map 构造映射节点。
func Map(fields map[string]Node) Node {
	return Node{kind: nodeMap, fields: fields}
}

// Substitute 将枚举键集合中的每个占位符在所有字符串叶子中替换，
// 返回新的树，原模板不被修改。
func (n Node) Substitute(vars map[string]string) Node {
	switch n.kind {
	case nodeString:
		value := n.str
		for _, key := range PlaceholderKeys {
			replacement, ok := vars[key]
			if !ok {
				continue
			}
			value = strings.ReplaceAll(value, "${"+key+"}", replacement)
		}
		return Node{kind: nodeString, str: value}
	case nodeSeq:
		out := make([]Node, len(n.seq))
		for i, child := range n.seq {
			out[i] = child.Substitute(vars)
		}
		return Node{kind: nodeSeq, seq: out}
	case nodeMap:
		out := make(map[string]Node, len(n.fields))
		for key, child := range n.fields {
			out[key] = child.Substitute(vars)
		}
		return Node{kind: nodeMap, fields: out}
	default:
		return n
	}
}

// MarshalJSON 将模板树序列化为发给执行节点的 JSON 文档。
func (n Node) MarshalJSON() ([]byte, error) {
	switch n.kind {
	case nodeString:
		return json.Marshal(n.str)
	case nodeSeq:
		items := n.seq
		if items == nil {
			items = []Node{}
		}
		return json.Marshal(items)
	case nodeMap:
		fields := n.fields
		if fields == nil {
			fields = map[string]Node{}
		}
		return json.Marshal(fields)
	default:
		return nil, fmt.Errorf("未知的模板节点类型: %d", n.kind)
	}
}

// FromJSON 从任意 JSON 文档构造模板树。数字、布尔等标量会被拒绝，
// 模板只允许字符串、数组和对象。
func FromJSON(data []byte) (Node, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Node{}, fmt.Errorf("解析模板 JSON 失败: %w", err)
	}
	return fromValue(raw)
}

func fromValue(raw any) (Node, error) {
	switch value := raw.(type) {
	case string:
		return String(value), nil
	case []any:
		children := make([]Node, len(value))
		for i, item := range value {
			child, err := fromValue(item)
			if err != nil {
				return Node{}, err
			}
			children[i] = child
		}
		return Seq(children...), nil
	case map[string]any:
		fields := make(map[string]Node, len(value))
		for key, item := range value {
			child, err := fromValue(item)
			if err != nil {
				return Node{}, err
			}
			fields[key] = child
		}
		return Map(fields), nil
	default:
		return Node{}, fmt.Errorf("模板不支持的值类型: %T", raw)
	}
}

// Redact 返回脱敏后的参数副本，已知敏感键的值被替换为占位文本。
func Redact(vars map[string]string) map[string]string {
	if vars == nil {
		return nil
	}
	out := make(map[string]string, len(vars))
	for key, value := range vars {
		if _, sensitive := sensitiveKeys[key]; sensitive && value != "" {
			out[key] = redactedValue
			continue
		}
		out[key] = value
	}
	return out
}
