package engine

import (
	"context"
	"time"

	"DocFlow-Chain/internal/session"
	"DocFlow-Chain/internal/workflow"
)

// DefaultWatchInterval 是状态推送的默认采样间隔。
const DefaultWatchInterval = 2 * time.Second

// Watch 以固定间隔采样会话快照并推送给调用方，用于 SSE 等推送型
// 消费者。通道在会话到达最终形态或上下文取消后关闭。只有状态或
// 更新时间发生变化的快照才会被推送。
func (e *Engine) Watch(ctx context.Context, sessionID string, interval time.Duration) (<-chan *StatusView, error) {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	first, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ch := make(chan *StatusView, 1)
	go func() {
		defer close(ch)

		last := first
		if !e.push(ctx, ch, last) {
			return
		}
		if watchFinished(last) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-e.clock.After(interval):
			}

			sess, err := e.store.Get(ctx, sessionID)
			if err != nil {
				return
			}
			if sess.Status == last.Status && sess.UpdatedAt == last.UpdatedAt {
				continue
			}
			last = sess
			if !e.push(ctx, ch, sess) {
				return
			}
			if watchFinished(sess) {
				return
			}
		}
	}()
	return ch, nil
}

func (e *Engine) push(ctx context.Context, ch chan<- *StatusView, sess *session.Session) bool {
	select {
	case ch <- snapshotView(sess):
		return true
	case <-ctx.Done():
		return false
	}
}

// watchFinished 判断会话是否不会再发生状态变化。COMPLETED 对需要
// 链上确认的工作流类型仍可能推进到 COMPLETED_WITH_EVENT，因此
// 不算最终形态。
func watchFinished(sess *session.Session) bool {
	switch sess.Status {
	case session.StatusFailed, session.StatusCompletedWithEvent:
		return true
	case session.StatusCompleted:
		spec, err := workflow.SpecFor(workflow.Kind(sess.WorkflowKind))
		if err != nil {
			return true
		}
		return !spec.RequiresEvent
	default:
		return false
	}
}
