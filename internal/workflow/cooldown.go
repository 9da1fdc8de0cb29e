package workflow

import (
	"context"
	"log/slog"
	"time"

	"AgentVault/internal/notify"
	"AgentVault/internal/tx"
	"AgentVault/pkg/logger"
)

// defaultCooldownSeconds 是策略未指定延迟时长时的兜底冷却期。
const defaultCooldownSeconds = 300

// CooldownQueue 管理 DELAY 层级交易的冷却排队。
// 冷却期内交易可被取消；到期后由轮询批量认领执行。
type CooldownQueue struct {
	txs    tx.Store
	events notify.Publisher
	log    *slog.Logger
	now    func() time.Time
}

// CooldownOption 定义可选配置。
type CooldownOption func(*CooldownQueue)

// WithCooldownClock 注入时钟，用于测试。
func WithCooldownClock(now func() time.Time) CooldownOption {
	return func(q *CooldownQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewCooldownQueue 构造 CooldownQueue。events 可以为 nil。
func NewCooldownQueue(txs tx.Store, events notify.Publisher, opts ...CooldownOption) *CooldownQueue {
	if events == nil {
		events = notify.NopPublisher{}
	}
	q := &CooldownQueue{
		txs:    txs,
		events: events,
		log:    logger.Named("cooldown"),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// QueueDelay 将 PENDING 交易移入冷却队列。
// delaySeconds 非正时使用兜底冷却期。
func (q *CooldownQueue) QueueDelay(ctx context.Context, txn *tx.Transaction, delaySeconds int64) (int64, error) {
	if delaySeconds <= 0 {
		delaySeconds = defaultCooldownSeconds
	}
	queuedAt := q.now().Unix()
	expiresAt := queuedAt + delaySeconds
	if err := q.txs.MarkQueued(ctx, txn.ID, tx.TierDelay, queuedAt, expiresAt); err != nil {
		return 0, err
	}

	logger.Audit().Info("tx_queued",
		slog.String("tx_id", txn.ID),
		slog.String("wallet_id", txn.WalletID),
		slog.Int64("delay_seconds", delaySeconds),
		slog.Int64("expires_at", expiresAt),
	)
	q.events.Publish(notify.NewEvent(notify.KindTxQueued, txn.WalletID, txn.ID, "transaction entered cooldown").
		WithField("delay_seconds", delaySeconds).
		WithField("expires_at", expiresAt))
	return expiresAt, nil
}

// CancelDelay 在冷却期内取消排队交易。
func (q *CooldownQueue) CancelDelay(ctx context.Context, txID, reason string) error {
	txn, err := q.txs.Get(ctx, txID)
	if err != nil {
		return err
	}
	if err := q.txs.Cancel(ctx, txID, reason); err != nil {
		return err
	}
	logger.Audit().Info("tx_cancelled",
		slog.String("tx_id", txID),
		slog.String("wallet_id", txn.WalletID),
		slog.String("reason", reason),
	)
	q.events.Publish(notify.NewEvent(notify.KindTxCancelled, txn.WalletID, txID, reason))
	return nil
}

// IsExpired 判断冷却期是否结束，queuedAt+delay 这一秒视为已到期。
func IsExpired(queuedAt, delaySeconds, now int64) bool {
	return now >= queuedAt+delaySeconds
}

// ProcessExpired 认领所有冷却到期的交易并转入 EXECUTING。
// 多实例并发调用时每笔交易只被一个实例认领。
func (q *CooldownQueue) ProcessExpired(ctx context.Context) ([]*tx.Transaction, error) {
	due, err := q.txs.ClaimDue(ctx, q.now().Unix())
	if err != nil {
		return nil, err
	}
	for _, txn := range due {
		q.log.Info("冷却到期，交易进入执行", "tx_id", txn.ID, "wallet_id", txn.WalletID)
	}
	return due, nil
}
