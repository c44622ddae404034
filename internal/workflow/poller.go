package workflow

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	xerrors "DocFlow-Chain/internal/errors"
	"DocFlow-Chain/internal/session"
	"DocFlow-Chain/pkg/clock"
	"DocFlow-Chain/pkg/logger"
)

const (
	// DefaultPollInterval 是状态轮询的默认间隔。
	DefaultPollInterval = 2 * time.Second
	// DefaultPollTimeout 是状态轮询阶段的默认超时。
	DefaultPollTimeout = 30 * time.Second
)

// StatusSource 是轮询循环依赖的远端节点能力子集。
type StatusSource interface {
	WorkflowStatus(ctx context.Context, handle string) (map[string]any, error)
}

// PollOptions 允许会话发起方覆盖默认的轮询节奏。
type PollOptions struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Poller 以固定间隔轮询远端节点直到终态或阶段超时。轮询在调用方
// 协程中执行，每个间隔 tick 协作式挂起，不阻塞其他请求。
type Poller struct {
	source StatusSource
	store  session.Store
	clock  clock.Clock
	log    *slog.Logger
}

// NewPoller 创建 Poller。
func NewPoller(source StatusSource, store session.Store, clk clock.Clock) *Poller {
	if clk == nil {
		clk = clock.System()
	}
	return &Poller{source: source, store: store, clock: clk, log: logger.Named("poller")}
}

// Wait 阻塞当前调用直到工作流到达终态或超时。每次轮询的原始响应
// 都会追加到会话调试轨迹；终态会更新会话状态与结果。超时不会把
// 会话强制置为失败，存储中保留最后一次轮询到的状态。
func (p *Poller) Wait(ctx context.Context, sess *session.Session, reporter Reporter, opts PollOptions) (Outcome, error) {
	if p == nil || p.source == nil || p.store == nil {
		return Outcome{}, xerrors.New(xerrors.CodeInitializationFailure, "轮询器未初始化")
	}
	if sess == nil || sess.WorkflowHandle == "" {
		return Outcome{}, xerrors.New(xerrors.CodeInvalidArgument, "会话缺少工作流句柄")
	}
	if reporter == nil {
		return Outcome{}, xerrors.New(xerrors.CodeInvalidArgument, "未选择状态归一化策略")
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}

	deadline := p.clock.Now().Add(timeout)
	last := Outcome{Code: CodeUnknown}

	for {
		raw, err := p.source.WorkflowStatus(ctx, sess.WorkflowHandle)
		if err != nil {
			// 单次轮询失败不终止循环，记录后在预算内继续重试。
			p.log.Warn("查询工作流状态失败",
				slog.Any("error", err),
				slog.String("session_id", sess.ID),
				slog.String("handle", sess.WorkflowHandle),
			)
			_ = p.store.AppendTrace(ctx, sess.ID, session.TraceEntry{
				Timestamp: p.clock.Now().Unix(),
				Note:      err.Error(),
			})
		} else {
			_ = p.store.AppendTrace(ctx, sess.ID, session.TraceEntry{
				Timestamp: p.clock.Now().Unix(),
				Raw:       raw,
			})
			outcome := reporter.Normalize(raw)
			last = outcome
			if outcome.Terminal {
				if err := p.applyTerminal(ctx, sess.ID, outcome); err != nil {
					return outcome, err
				}
				return outcome, nil
			}
		}

		if !p.clock.Now().Before(deadline) {
			return last, xerrors.New(xerrors.CodeTimeout, "等待工作流终态超时",
				xerrors.WithMetadata("last_status", last.RawStatus),
				xerrors.WithMetadata("last_code", strconv.Itoa(last.Code)),
				xerrors.WithMetadata("session_id", sess.ID),
			)
		}

		select {
		case <-ctx.Done():
			// 调用方取消只停止本次轮询，不改动会话的权威状态。
			return last, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "状态轮询被取消",
				xerrors.WithMetadata("last_code", strconv.Itoa(last.Code)))
		case <-p.clock.After(interval):
		}
	}
}

func (p *Poller) applyTerminal(ctx context.Context, sessionID string, outcome Outcome) error {
	status := outcome.Status
	fields := session.Fields{Status: &status}
	if outcome.TxHash != "" {
		txHash := outcome.TxHash
		fields.TxHash = &txHash
	}
	if outcome.Result != nil {
		fields.Result = outcome.Result
	}
	if _, err := p.store.Update(ctx, sessionID, fields); err != nil {
		return err
	}
	return nil
}
