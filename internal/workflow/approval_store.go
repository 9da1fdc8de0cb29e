package workflow

import "context"

// ApprovalStore 抽象了审批记录的持久化接口。
// MarkApproved 与 MarkRejected 为条件写：仅当记录仍处于
// PENDING 且未过期时生效，并发裁决恰好一个成功。
type ApprovalStore interface {
	Create(ctx context.Context, approval *Approval) error
	Get(ctx context.Context, id string) (*Approval, error)
	// GetByTx 按交易 ID 查找审批记录。
	GetByTx(ctx context.Context, txID string) (*Approval, error)
	ListPending(ctx context.Context) ([]*Approval, error)

	// MarkApproved 将 PENDING 记录转为 APPROVED 并写入签名。
	MarkApproved(ctx context.Context, id string, approvedAt int64, signature string) error
	// MarkRejected 将 PENDING 记录转为 REJECTED。
	MarkRejected(ctx context.Context, id string, rejectedAt int64, reason string) error
	// ClaimExpired 原子认领所有到期的 PENDING 记录并转为 EXPIRED，
	// ApprovedAt/RejectedAt 保持为零。重复调用幂等。
	ClaimExpired(ctx context.Context, now int64) ([]*Approval, error)

	Close() error
}
