package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"DocFlow-Chain/internal/chain"
	xerrors "DocFlow-Chain/internal/errors"
	"DocFlow-Chain/internal/intent"
	"DocFlow-Chain/internal/session"
	"DocFlow-Chain/internal/token"
	"DocFlow-Chain/internal/workflow"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe51296170827936ea5cce4b76994b0f"

// fakeNode 模拟远端执行节点：记录提交的 DSL，按脚本回复状态查询。
type fakeNode struct {
	mu         sync.Mutex
	submitErr  error
	handle     string
	submitted  []json.RawMessage
	statuses   []map[string]any
	statusIdx  int
	statusErrs []error
}

func (f *fakeNode) ExecuteWorkflow(_ context.Context, dsl json.RawMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, dsl)
	return f.handle, nil
}

func (f *fakeNode) WorkflowStatus(_ context.Context, _ string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.statusIdx
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	f.statusIdx++
	if idx < len(f.statusErrs) && f.statusErrs[idx] != nil {
		return nil, f.statusErrs[idx]
	}
	return f.statuses[idx], nil
}

type fakeConfirmer struct {
	confirmation *chain.Confirmation
	err          error
	params       chain.ConfirmParams
}

func (f *fakeConfirmer) Confirm(_ context.Context, params chain.ConfirmParams) (*chain.Confirmation, error) {
	f.params = params
	return f.confirmation, f.err
}

func testBuilder(t *testing.T) *intent.Builder {
	t.Helper()
	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("parse test key: %v", err)
	}
	builder, err := intent.NewBuilder(intent.Config{
		Target:            common.HexToAddress("0x1000000000000000000000000000000000000001"),
		Delegate:          common.HexToAddress("0x2000000000000000000000000000000000000002"),
		FunctionSignature: "sealDocument(bytes32,bytes32)",
		ExecutorFallback:  common.HexToAddress("0x3000000000000000000000000000000000000003"),
	}, key, nil, nil)
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	return builder
}

func testIssuer(t *testing.T) *token.Issuer {
	t.Helper()
	issuer, err := token.NewIssuer("engine-test-secret", 5*time.Minute)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return issuer
}

func TestStartWorkflowSealConfirmsOnChain(t *testing.T) {
	node := &fakeNode{
		handle: "wf-seal-1",
		statuses: []map[string]any{
			// 封存节点不返回交易哈希，交易信息必须取自链上日志。
			{"code": float64(workflow.CodeSuccess), "result": map[string]any{"sealed": true}},
		},
	}
	documentHash := "0xdddd000000000000000000000000000000000000000000000000000000000001"
	confirmer := &fakeConfirmer{confirmation: &chain.Confirmation{
		TxHash:       common.HexToHash("0xfeed"),
		BlockNumber:  120,
		DocumentHash: common.HexToHash(documentHash),
		AccessHash:   common.HexToHash("0xacce"),
		DocumentID:   big.NewInt(42),
	}}
	store := session.NewRegistry()
	contract := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	eng := New(Config{Contract: contract}, store, node, testBuilder(t), confirmer, testIssuer(t))

	result, err := eng.StartWorkflow(context.Background(), StartParams{
		Kind:         workflow.KindSeal,
		DocumentHash: documentHash,
		RecordID:     "rec-1",
		UserID:       "user-1",
		AccessType:   "read",
		AccessToken:  "caller-token",
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	if result.Status != session.StatusCompletedWithEvent {
		t.Fatalf("expected COMPLETED_WITH_EVENT, got %s", result.Status)
	}
	if result.WorkflowHandle != "wf-seal-1" {
		t.Fatalf("unexpected handle: %q", result.WorkflowHandle)
	}

	// 确认请求按文档哈希匹配。
	if confirmer.params.MatchKey != common.HexToHash(documentHash) {
		t.Fatalf("unexpected match key: %s", confirmer.params.MatchKey.Hex())
	}
	if confirmer.params.Contract != contract {
		t.Fatalf("unexpected contract: %s", confirmer.params.Contract.Hex())
	}

	sess, err := store.Get(context.Background(), result.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != session.StatusCompletedWithEvent {
		t.Fatalf("unexpected session status: %s", sess.Status)
	}
	if sess.TxHash != common.HexToHash("0xfeed").Hex() {
		t.Fatalf("tx hash must come from the chain log: %q", sess.TxHash)
	}
	if sess.AccessHash != common.HexToHash("0xacce").Hex() || sess.DocumentID != "42" {
		t.Fatalf("log-derived fields missing: %+v", sess)
	}
	// 调用凭证在会话参数中被脱敏。
	if sess.Params["access_token"] != "[REDACTED]" {
		t.Fatalf("access token not redacted: %q", sess.Params["access_token"])
	}

	// 提交的 DSL 中占位符已被真实值替换。
	node.mu.Lock()
	dsl := string(node.submitted[0])
	node.mu.Unlock()
	var doc map[string]any
	if err := json.Unmarshal([]byte(dsl), &doc); err != nil {
		t.Fatalf("submitted dsl is not valid json: %v", err)
	}
	steps := doc["steps"].([]any)
	args := steps[0].(map[string]any)["args"].(map[string]any)
	if args["document_hash"] != documentHash {
		t.Fatalf("document hash not substituted: %+v", args)
	}
	intentBlock := doc["intent"].(map[string]any)
	if id, _ := intentBlock["id"].(string); id == "" || id == "${intent_id}" {
		t.Fatalf("intent id not substituted: %q", id)
	}
}

func TestStartWorkflowAccessGrantSkipsConfirmation(t *testing.T) {
	node := &fakeNode{
		handle: "wf-grant-1",
		statuses: []map[string]any{
			{"status": "COMPLETED", "tx_hash": "0xbeef"},
		},
	}
	store := session.NewRegistry()
	eng := New(Config{}, store, node, testBuilder(t), nil, testIssuer(t))

	result, err := eng.StartWorkflow(context.Background(), StartParams{
		Kind:         workflow.KindAccessGrant,
		DocumentHash: "0xdoc",
		UserID:       "user-2",
		AccessType:   "read",
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	if result.Status != session.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", result.Status)
	}

	sess, _ := store.Get(context.Background(), result.SessionID)
	if sess.TxHash != "0xbeef" {
		t.Fatalf("expected node-reported tx hash: %q", sess.TxHash)
	}
}

func TestStartWorkflowSubmitFailure(t *testing.T) {
	node := &fakeNode{submitErr: errors.New("connection refused")}
	eng := New(Config{}, session.NewRegistry(), node, testBuilder(t), nil, testIssuer(t))

	_, err := eng.StartWorkflow(context.Background(), StartParams{
		Kind:         workflow.KindAccessGrant,
		DocumentHash: "0xdoc",
	})
	if err == nil {
		t.Fatalf("expected transport error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeTransport {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
}

func TestStartWorkflowConfirmFailureKeepsCompleted(t *testing.T) {
	node := &fakeNode{
		handle:   "wf-seal-2",
		statuses: []map[string]any{{"code": float64(workflow.CodeSuccess)}},
	}
	confirmer := &fakeConfirmer{err: xerrors.New(chain.CodeEventNotConfirmed, "no matching log")}
	store := session.NewRegistry()
	eng := New(Config{}, store, node, testBuilder(t), confirmer, testIssuer(t))

	result, err := eng.StartWorkflow(context.Background(), StartParams{
		Kind:         workflow.KindSeal,
		DocumentHash: "0xdoc",
	})
	if err == nil {
		t.Fatalf("expected confirmation error")
	}
	if xerrors.CodeOf(err) != chain.CodeEventNotConfirmed {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
	if result == nil || result.Status != session.StatusCompleted {
		t.Fatalf("session should remain COMPLETED, got %+v", result)
	}

	sess, _ := store.Get(context.Background(), result.SessionID)
	if sess.Status != session.StatusCompleted {
		t.Fatalf("unexpected session status: %s", sess.Status)
	}
}

func TestGetStatusNotFound(t *testing.T) {
	eng := New(Config{}, session.NewRegistry(), &fakeNode{}, testBuilder(t), nil, testIssuer(t))
	if _, err := eng.GetStatus(context.Background(), "missing"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestMintTokenLifecycle(t *testing.T) {
	node := &fakeNode{
		handle:   "wf-seal-3",
		statuses: []map[string]any{{"code": float64(workflow.CodeSuccess)}},
	}
	confirmer := &fakeConfirmer{confirmation: &chain.Confirmation{
		TxHash:     common.HexToHash("0xfeed"),
		AccessHash: common.HexToHash("0xacce"),
		DocumentID: big.NewInt(7),
	}}
	store := session.NewRegistry()
	eng := New(Config{StoragePrefix: "sealed"}, store, node, testBuilder(t), confirmer, testIssuer(t))

	result, err := eng.StartWorkflow(context.Background(), StartParams{
		Kind:         workflow.KindSeal,
		DocumentHash: "0xdoc",
		UserID:       "user-3",
		AccessType:   "read",
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	minted, err := eng.MintToken(context.Background(), result.SessionID)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	if minted.Token == "" || minted.ExpiresAt == 0 {
		t.Fatalf("unexpected mint result: %+v", minted)
	}

	claims, err := eng.VerifyToken(context.Background(), minted.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if claims.SessionID != result.SessionID || claims.DocumentHash != "0xdoc" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.StoragePath != "sealed/0xdoc.pdf" {
		t.Fatalf("unexpected storage path: %q", claims.StoragePath)
	}
	if claims.AccessHash == "" || claims.DocumentID != "7" {
		t.Fatalf("chain-derived claims missing: %+v", claims)
	}
}

func TestMintTokenNotReady(t *testing.T) {
	store := session.NewRegistry()
	eng := New(Config{}, store, &fakeNode{}, testBuilder(t), nil, testIssuer(t))

	t.Run("running session", func(t *testing.T) {
		if err := store.Create(context.Background(), &session.Session{ID: "sess-running"}); err != nil {
			t.Fatalf("create session: %v", err)
		}
		if _, err := eng.MintToken(context.Background(), "sess-running"); !errors.Is(err, token.ErrNotReady) {
			t.Fatalf("expected ErrNotReady, got %v", err)
		}
	})

	t.Run("completed without chain fields", func(t *testing.T) {
		if err := store.Create(context.Background(), &session.Session{
			ID:     "sess-no-chain",
			Status: session.StatusCompleted,
		}); err != nil {
			t.Fatalf("create session: %v", err)
		}
		if _, err := eng.MintToken(context.Background(), "sess-no-chain"); !errors.Is(err, token.ErrNotReady) {
			t.Fatalf("expected ErrNotReady, got %v", err)
		}
	})

	t.Run("missing session", func(t *testing.T) {
		if _, err := eng.MintToken(context.Background(), "missing"); !errors.Is(err, session.ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	})
}

func TestWatchClosesOnTerminalSession(t *testing.T) {
	node := &fakeNode{
		handle:   "wf-grant-2",
		statuses: []map[string]any{{"status": "COMPLETED", "tx_hash": "0xbeef"}},
	}
	store := session.NewRegistry()
	eng := New(Config{}, store, node, testBuilder(t), nil, testIssuer(t))

	result, err := eng.StartWorkflow(context.Background(), StartParams{
		Kind:         workflow.KindAccessGrant,
		DocumentHash: "0xdoc",
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	updates, err := eng.Watch(ctx, result.SessionID, time.Millisecond)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	var last *StatusView
	for view := range updates {
		last = view
	}
	if last == nil || last.Status != session.StatusCompleted {
		t.Fatalf("expected terminal snapshot, got %+v", last)
	}
	if last.Progress != 100 {
		t.Fatalf("expected 100%% progress for terminal access_grant, got %d", last.Progress)
	}
}
