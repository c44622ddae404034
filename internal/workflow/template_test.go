package workflow

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSubstituteReplacesEnumeratedKeys(t *testing.T) {
	template := Map(map[string]Node{
		"intent_id": String("${intent_id}"),
		"steps": Seq(
			Map(map[string]Node{
				"args": Map(map[string]Node{
					"document_hash": String("${document_hash}"),
				}),
			}),
		),
	})

	materialized := template.Substitute(map[string]string{
		VarIntentID:     "0xabc",
		VarDocumentHash: "0xdoc",
	})

	data, err := json.Marshal(materialized)
	if err != nil {
		t.Fatalf("marshal materialized template: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, `"intent_id":"0xabc"`) {
		t.Fatalf("intent_id not substituted: %s", text)
	}
	if !strings.Contains(text, `"document_hash":"0xdoc"`) {
		t.Fatalf("document_hash not substituted: %s", text)
	}

	// 原模板不被修改。
	original, err := json.Marshal(template)
	if err != nil {
		t.Fatalf("marshal original template: %v", err)
	}
	if !strings.Contains(string(original), "${intent_id}") {
		t.Fatalf("original template mutated: %s", original)
	}
}

func TestSubstituteKeepsUnknownPlaceholders(t *testing.T) {
	template := String("${intent_id}-${mystery}")
	out := template.Substitute(map[string]string{VarIntentID: "id-1", "mystery": "nope"})

	data, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// mystery 不在枚举键集合中，原样保留。
	if string(data) != `"id-1-${mystery}"` {
		t.Fatalf("unexpected substitution result: %s", data)
	}
}

func TestFromJSONRejectsNonStringScalars(t *testing.T) {
	if _, err := FromJSON([]byte(`{"deadline": 123}`)); err == nil {
		t.Fatalf("expected error for numeric scalar")
	}
	if _, err := FromJSON([]byte(`{"flag": true}`)); err == nil {
		t.Fatalf("expected error for boolean scalar")
	}

	node, err := FromJSON([]byte(`{"steps": [{"action": "seal_document"}]}`))
	if err != nil {
		t.Fatalf("valid template rejected: %v", err)
	}
	data, err := json.Marshal(node)
	if err != nil {
		t.Fatalf("marshal roundtrip: %v", err)
	}
	if !strings.Contains(string(data), "seal_document") {
		t.Fatalf("roundtrip lost content: %s", data)
	}
}

func TestRedactMasksSensitiveKeys(t *testing.T) {
	out := Redact(map[string]string{
		VarAccessToken:  "secret-token",
		VarDocumentHash: "0xdoc",
		"api_key":       "key",
	})
	if out[VarAccessToken] != "[REDACTED]" {
		t.Fatalf("access_token not redacted: %q", out[VarAccessToken])
	}
	if out["api_key"] != "[REDACTED]" {
		t.Fatalf("api_key not redacted: %q", out["api_key"])
	}
	if out[VarDocumentHash] != "0xdoc" {
		t.Fatalf("non-sensitive key altered: %q", out[VarDocumentHash])
	}
}

func TestSpecForKnownKinds(t *testing.T) {
	seal, err := SpecFor(KindSeal)
	if err != nil {
		t.Fatalf("seal spec: %v", err)
	}
	if !seal.RequiresEvent {
		t.Fatalf("seal workflows must require event confirmation")
	}
	if _, ok := seal.Reporter.(CodeReporter); !ok {
		t.Fatalf("seal workflows report numeric codes, got %T", seal.Reporter)
	}

	grant, err := SpecFor(KindAccessGrant)
	if err != nil {
		t.Fatalf("access_grant spec: %v", err)
	}
	if grant.RequiresEvent {
		t.Fatalf("access_grant must not require event confirmation")
	}
	if _, ok := grant.Reporter.(StringReporter); !ok {
		t.Fatalf("access_grant workflows report strings, got %T", grant.Reporter)
	}

	if _, err := SpecFor(Kind("bogus")); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
