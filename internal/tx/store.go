package tx

import (
	"context"
	"math/big"

	xerrors "AgentVault/internal/errors"
)

// SpendSnapshot 是预留窗口内的消费快照，在持有钱包写锁时计算。
// OpenReserved 不包含当前正在评估的交易自身。
type SpendSnapshot struct {
	OpenReserved    *big.Int
	OpenReservedUSD float64
	DailyUSD        float64
	MonthlyUSD      float64
}

// ReserveDecision 是策略评估在预留事务内给出的裁决。
// Approve 为假时交易被取消，Reason 与 DenyCode 写入交易记录。
type ReserveDecision struct {
	Approve     bool
	Tier        Tier
	Reserved    *big.Int
	ReservedUSD float64
	AmountUSD   float64
	Reason      string
	DenyCode    xerrors.Code
}

// Store 抽象了交易状态的持久化接口。
// 所有状态迁移方法均为条件写：前置状态不满足时返回
// ErrTxNotFound 或 ErrTxProcessed，而不是覆盖写入。
type Store interface {
	Create(ctx context.Context, transaction *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	List(ctx context.Context, opts ...ListOption) ([]*Transaction, error)
	Stats(ctx context.Context, opts ...ListOption) (TxStats, error)

	// WithReservation 在钱包级写锁下执行 decide：先计算消费快照，
	// 再按裁决结果原子地写入预留或取消交易。
	// 同一钱包的两次并发预留互相串行。
	WithReservation(ctx context.Context, walletID, txID string, decide func(SpendSnapshot) (ReserveDecision, error)) error

	// MarkQueued 将 PENDING 交易移入队列（冷却或待审批）。
	MarkQueued(ctx context.Context, id string, tier Tier, queuedAt, expiresAt int64) error
	// ClaimExecuting 以 CAS 方式将 PENDING/QUEUED 交易转入 EXECUTING。
	ClaimExecuting(ctx context.Context, id string) (*Transaction, error)
	// ClaimDue 原子认领所有到期的 DELAY 队列交易并转入 EXECUTING。
	// 对同一时刻的重复调用幂等：第二次返回空集。
	ClaimDue(ctx context.Context, now int64) ([]*Transaction, error)
	MarkSubmitted(ctx context.Context, id, txHash string) error
	MarkConfirmed(ctx context.Context, id string, executedAt int64) error
	// MarkFailed 记录终态失败并清除预留。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error
	// Cancel 取消 PENDING/QUEUED 交易并清除预留。
	Cancel(ctx context.Context, id, reason string) error
	// MarkExpired 将 QUEUED 交易标记为过期并清除预留。
	MarkExpired(ctx context.Context, id string) error
	// CancelOpen 批量取消未终结交易，walletID 为空时作用于全部钱包。
	// 返回受影响的交易 ID，供级联通知使用。
	CancelOpen(ctx context.Context, walletID, reason string) ([]string, error)

	Close() error
}
