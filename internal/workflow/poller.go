package workflow

import (
	"context"
	"log/slog"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/tx"
	"AgentVault/pkg/logger"
)

// Executor 定义了到期交易的执行能力，由流水线实现。
type Executor interface {
	ExecuteQueued(ctx context.Context, txn *tx.Transaction) error
}

// Poller 周期性驱动冷却到期与审批超时两个队列。
// 多实例部署时各实例独立轮询，存储层的条件写保证每笔只处理一次。
type Poller struct {
	cooldown  *CooldownQueue
	approvals *ApprovalWorkflow
	executor  Executor
	interval  time.Duration
	log       *slog.Logger
}

// PollerOption 定义可选配置。
type PollerOption func(*Poller)

// WithPollInterval 设置轮询间隔。
func WithPollInterval(interval time.Duration) PollerOption {
	return func(p *Poller) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// NewPoller 构造 Poller。
func NewPoller(cooldown *CooldownQueue, approvals *ApprovalWorkflow, executor Executor, opts ...PollerOption) *Poller {
	p := &Poller{
		cooldown:  cooldown,
		approvals: approvals,
		executor:  executor,
		interval:  5 * time.Second,
		log:       logger.Named("poller"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Run 启动轮询循环，ctx 取消后返回。
func (p *Poller) Run(ctx context.Context) error {
	if p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置交易执行器")
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick 执行一轮队列处理，失败只记录不中断。
func (p *Poller) Tick(ctx context.Context) {
	if p.cooldown != nil {
		due, err := p.cooldown.ProcessExpired(ctx)
		if err != nil {
			p.log.Error("处理冷却到期交易失败", "error", err)
		}
		for _, txn := range due {
			if err := p.executor.ExecuteQueued(ctx, txn); err != nil {
				p.log.Error("执行到期交易失败", "tx_id", txn.ID, "error", err)
			}
		}
	}
	if p.approvals != nil {
		if _, err := p.approvals.ProcessExpiredApprovals(ctx); err != nil {
			p.log.Error("处理超时审批失败", "error", err)
		}
	}
}
