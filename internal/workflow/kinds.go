package workflow

import (
	xerrors "DocFlow-Chain/internal/errors"
)

// Kind 标识工作流类型。类型决定状态上报形态、是否需要独立的
// 链上事件确认，以及使用哪份 DSL 模板。
type Kind string

const (
	// KindSeal 封存文档哈希。执行节点以数字状态码上报，且不返回
	// 交易哈希，结算必须通过链上事件独立确认。
	KindSeal Kind = "seal"
	// KindAccessGrant 授予文档访问权。节点以字符串状态上报并在
	// 成功响应中直接携带交易哈希。
	KindAccessGrant Kind = "access_grant"
)

// Spec 描述一种工作流类型的固定行为。
type Spec struct {
	Reporter      Reporter
	RequiresEvent bool
	Template      Node
}

var kindSpecs = map[Kind]Spec{
	KindSeal: {
		Reporter:      CodeReporter{},
		RequiresEvent: true,
		Template:      sealTemplate,
	},
	KindAccessGrant: {
		Reporter:      StringReporter{},
		RequiresEvent: false,
		Template:      accessGrantTemplate,
	},
}

// SpecFor 返回工作流类型对应的行为描述。
func SpecFor(kind Kind) (Spec, error) {
	spec, ok := kindSpecs[kind]
	if !ok {
		return Spec{}, xerrors.New(xerrors.CodeInvalidArgument, "未知的工作流类型: "+string(kind))
	}
	return spec, nil
}

// sealTemplate 是封存工作流的 DSL 模板。占位符在提交前由意图字段
// 和业务字段替换。
var sealTemplate = Map(map[string]Node{
	"version": String("1"),
	"kind":    String("seal"),
	"intent": Map(map[string]Node{
		"id":        String("${intent_id}"),
		"deadline":  String("${deadline}"),
		"signature": String("${signature}"),
		"delegate":  String("${delegate}"),
		"nonce":     String("${nonce}"),
		"executor":  String("${executor}"),
		"selector":  String("${selector}"),
	}),
	"steps": Seq(
		Map(map[string]Node{
			"action": String("seal_document"),
			"args": Map(map[string]Node{
				"document_hash": String("${document_hash}"),
				"record_id":     String("${record_id}"),
			}),
		}),
	),
	"context": Map(map[string]Node{
		"user_id":      String("${user_id}"),
		"access_type":  String("${access_type}"),
		"access_token": String("${access_token}"),
	}),
})

// accessGrantTemplate 是访问授权工作流的 DSL 模板。
var accessGrantTemplate = Map(map[string]Node{
	"version": String("1"),
	"kind":    String("access_grant"),
	"intent": Map(map[string]Node{
		"id":        String("${intent_id}"),
		"deadline":  String("${deadline}"),
		"signature": String("${signature}"),
		"delegate":  String("${delegate}"),
		"nonce":     String("${nonce}"),
		"executor":  String("${executor}"),
		"selector":  String("${selector}"),
	}),
	"steps": Seq(
		Map(map[string]Node{
			"action": String("grant_access"),
			"args": Map(map[string]Node{
				"document_hash": String("${document_hash}"),
				"user_id":       String("${user_id}"),
				"access_type":   String("${access_type}"),
			}),
		}),
	),
	"context": Map(map[string]Node{
		"record_id":    String("${record_id}"),
		"access_token": String("${access_token}"),
	}),
})
