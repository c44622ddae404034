package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "DocFlow-Chain/internal/errors"
	"DocFlow-Chain/internal/session"
	"DocFlow-Chain/pkg/clock"
)

// scriptedSource 按脚本顺序返回状态响应，超出脚本后重复最后一项。
type scriptedSource struct {
	mu      sync.Mutex
	replies []reply
	calls   int
}

type reply struct {
	raw map[string]any
	err error
}

func (s *scriptedSource) WorkflowStatus(_ context.Context, _ string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	s.calls++
	r := s.replies[idx]
	return r.raw, r.err
}

// autoAdvance 在后台持续推进虚拟时钟，直到测试结束。
func autoAdvance(t *testing.T, clk *clock.Fake) {
	t.Helper()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				clk.Advance(time.Second)
				time.Sleep(time.Millisecond)
			}
		}
	}()
}

func newPollerFixture(t *testing.T, source *scriptedSource) (*Poller, *session.Registry, *clock.Fake) {
	t.Helper()
	store := session.NewRegistry()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	poller := NewPoller(source, store, clk)
	if err := store.Create(context.Background(), &session.Session{
		ID:             "sess-poll",
		WorkflowKind:   string(KindSeal),
		WorkflowHandle: "handle-1",
	}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return poller, store, clk
}

func TestPollerWaitReachesTerminal(t *testing.T) {
	source := &scriptedSource{replies: []reply{
		{raw: map[string]any{"code": float64(CodePending)}},
		{raw: map[string]any{"code": float64(CodeProcessing)}},
		{raw: map[string]any{"code": float64(CodeSuccess), "result": map[string]any{"sealed": true}}},
	}}
	poller, store, clk := newPollerFixture(t, source)
	autoAdvance(t, clk)

	sess, _ := store.Get(context.Background(), "sess-poll")
	outcome, err := poller.Wait(context.Background(), sess, CodeReporter{}, PollOptions{Interval: time.Second, Timeout: time.Hour})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !outcome.Terminal || !outcome.Success {
		t.Fatalf("expected terminal success, got %+v", outcome)
	}

	updated, err := store.Get(context.Background(), "sess-poll")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if updated.Status != session.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", updated.Status)
	}
	if len(updated.Trace) != 3 {
		t.Fatalf("expected one trace entry per poll, got %d", len(updated.Trace))
	}
	if updated.Result["sealed"] != true {
		t.Fatalf("expected result to be stored: %+v", updated.Result)
	}
}

func TestPollerWaitTerminalFailure(t *testing.T) {
	source := &scriptedSource{replies: []reply{
		{raw: map[string]any{"code": float64(CodeIntentNotFound)}},
	}}
	poller, store, clk := newPollerFixture(t, source)
	autoAdvance(t, clk)

	sess, _ := store.Get(context.Background(), "sess-poll")
	outcome, err := poller.Wait(context.Background(), sess, CodeReporter{}, PollOptions{Interval: time.Second, Timeout: time.Hour})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !outcome.Terminal || outcome.Success {
		t.Fatalf("expected terminal failure, got %+v", outcome)
	}

	updated, _ := store.Get(context.Background(), "sess-poll")
	if updated.Status != session.StatusFailed {
		t.Fatalf("expected FAILED, got %s", updated.Status)
	}
}

func TestPollerWaitSurvivesTransientErrors(t *testing.T) {
	source := &scriptedSource{replies: []reply{
		{err: errors.New("connection refused")},
		{raw: map[string]any{"status": "RUNNING"}},
		{raw: map[string]any{"status": "COMPLETED", "tx_hash": "0xfeed"}},
	}}
	poller, store, clk := newPollerFixture(t, source)
	autoAdvance(t, clk)

	sess, _ := store.Get(context.Background(), "sess-poll")
	outcome, err := poller.Wait(context.Background(), sess, StringReporter{}, PollOptions{Interval: time.Second, Timeout: time.Hour})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !outcome.Success || outcome.TxHash != "0xfeed" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	updated, _ := store.Get(context.Background(), "sess-poll")
	if updated.TxHash != "0xfeed" {
		t.Fatalf("tx hash not persisted: %+v", updated)
	}
	// 失败的轮询也记入轨迹。
	if len(updated.Trace) < 3 {
		t.Fatalf("expected trace entries for all polls, got %d", len(updated.Trace))
	}
	if updated.Trace[0].Note == "" {
		t.Fatalf("transient error should be recorded as note: %+v", updated.Trace[0])
	}
}

func TestPollerWaitTimeoutKeepsLastStatus(t *testing.T) {
	source := &scriptedSource{replies: []reply{
		{raw: map[string]any{"code": float64(CodeProcessing)}},
	}}
	poller, store, clk := newPollerFixture(t, source)
	autoAdvance(t, clk)

	sess, _ := store.Get(context.Background(), "sess-poll")
	_, err := poller.Wait(context.Background(), sess, CodeReporter{}, PollOptions{Interval: time.Second, Timeout: 5 * time.Second})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected TIMEOUT code, got %s", xerrors.CodeOf(err))
	}
	unified, ok := xerrors.From(err)
	if !ok {
		t.Fatalf("expected unified error, got %T", err)
	}
	if unified.Metadata()["last_code"] != "1" {
		t.Fatalf("expected last_code metadata, got %+v", unified.Metadata())
	}

	// 超时不把会话置为失败，保留最后轮询到的状态。
	updated, _ := store.Get(context.Background(), "sess-poll")
	if updated.Status != session.StatusRunning {
		t.Fatalf("timeout must not fail the session, got %s", updated.Status)
	}
}

func TestPollerWaitCancelLeavesSessionUntouched(t *testing.T) {
	source := &scriptedSource{replies: []reply{
		{raw: map[string]any{"code": float64(CodePending)}},
	}}
	poller, store, clk := newPollerFixture(t, source)
	_ = clk

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sess, _ := store.Get(context.Background(), "sess-poll")
	_, err := poller.Wait(ctx, sess, CodeReporter{}, PollOptions{Interval: time.Hour, Timeout: 2 * time.Hour})
	if err == nil {
		t.Fatalf("expected cancellation error")
	}

	updated, _ := store.Get(context.Background(), "sess-poll")
	if updated.Status != session.StatusRunning {
		t.Fatalf("cancel must not change session status, got %s", updated.Status)
	}
}
