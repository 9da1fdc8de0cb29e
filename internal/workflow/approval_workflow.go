package workflow

import (
	"context"
	"log/slog"
	"time"

	"AgentVault/internal/notify"
	"AgentVault/internal/tx"
	"AgentVault/pkg/logger"

	"github.com/google/uuid"
)

// defaultApprovalTimeoutSeconds 是策略与配置均未指定时的兜底审批窗口。
const defaultApprovalTimeoutSeconds = 3600

// approveResolver 由能在单个存储事务内同时敲定审批与交易状态的存储实现。
type approveResolver interface {
	ResolveApproved(ctx context.Context, approvalID, txID string, approvedAt int64, signature string) error
}

// ApprovalWorkflow 管理 APPROVAL 层级交易的人工裁决流程。
// 审批窗口按 策略 > 配置 > 兜底 的优先级取值。
type ApprovalWorkflow struct {
	approvals      ApprovalStore
	txs            tx.Store
	events         notify.Publisher
	defaultTimeout int64
	log            *slog.Logger
	now            func() time.Time
}

// ApprovalOption 定义可选配置。
type ApprovalOption func(*ApprovalWorkflow)

// WithDefaultTimeout 设置配置级审批窗口秒数。
func WithDefaultTimeout(seconds int64) ApprovalOption {
	return func(w *ApprovalWorkflow) {
		if seconds > 0 {
			w.defaultTimeout = seconds
		}
	}
}

// WithApprovalClock 注入时钟，用于测试。
func WithApprovalClock(now func() time.Time) ApprovalOption {
	return func(w *ApprovalWorkflow) {
		if now != nil {
			w.now = now
		}
	}
}

// NewApprovalWorkflow 构造 ApprovalWorkflow。events 可以为 nil。
func NewApprovalWorkflow(approvals ApprovalStore, txs tx.Store, events notify.Publisher, opts ...ApprovalOption) *ApprovalWorkflow {
	if events == nil {
		events = notify.NopPublisher{}
	}
	w := &ApprovalWorkflow{
		approvals:      approvals,
		txs:            txs,
		events:         events,
		defaultTimeout: defaultApprovalTimeoutSeconds,
		log:            logger.Named("approval"),
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// RequestApproval 将交易移入审批队列并创建审批记录。
// policyTimeout 来自策略评估，非正时退回配置级窗口。
func (w *ApprovalWorkflow) RequestApproval(ctx context.Context, txn *tx.Transaction, policyTimeout int64, reason string) (*Approval, error) {
	timeout := policyTimeout
	if timeout <= 0 {
		timeout = w.defaultTimeout
	}
	requestedAt := w.now().Unix()
	expiresAt := requestedAt + timeout

	if err := w.txs.MarkQueued(ctx, txn.ID, tx.TierApproval, requestedAt, expiresAt); err != nil {
		return nil, err
	}

	approval := &Approval{
		ID:          uuid.NewString(),
		TxID:        txn.ID,
		WalletID:    txn.WalletID,
		Status:      ApprovalPending,
		Reason:      reason,
		RequestedAt: requestedAt,
		ExpiresAt:   expiresAt,
	}
	if err := w.approvals.Create(ctx, approval); err != nil {
		return nil, err
	}

	logger.Audit().Info("approval_requested",
		slog.String("approval_id", approval.ID),
		slog.String("tx_id", txn.ID),
		slog.String("wallet_id", txn.WalletID),
		slog.String("reason", reason),
		slog.Int64("expires_at", expiresAt),
	)
	w.events.Publish(notify.NewEvent(notify.KindApprovalRequested, txn.WalletID, txn.ID, "transaction requires approval").
		WithField("approval_id", approval.ID).
		WithField("reason", reason).
		WithField("expires_at", expiresAt))
	return approval, nil
}

// Approve 记录批准裁决并将交易转入执行，预留随状态迁移一并清除。
// 窗口已过时返回 ErrApprovalTimeout，已有终局裁决的记录返回 ErrApprovalNotFound。
func (w *ApprovalWorkflow) Approve(ctx context.Context, approvalID, signature string) (*tx.Transaction, error) {
	approval, err := w.approvals.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	approvedAt := w.now().Unix()
	var txn *tx.Transaction
	if resolver, ok := w.approvals.(approveResolver); ok {
		if err := resolver.ResolveApproved(ctx, approvalID, approval.TxID, approvedAt, signature); err != nil {
			return nil, err
		}
		if txn, err = w.txs.Get(ctx, approval.TxID); err != nil {
			return nil, err
		}
	} else {
		if err := w.approvals.MarkApproved(ctx, approvalID, approvedAt, signature); err != nil {
			return nil, err
		}
		if txn, err = w.txs.ClaimExecuting(ctx, approval.TxID); err != nil {
			return nil, err
		}
	}

	logger.Audit().Info("approval_resolved",
		slog.String("approval_id", approvalID),
		slog.String("tx_id", approval.TxID),
		slog.String("decision", "approved"),
	)
	w.events.Publish(notify.NewEvent(notify.KindApprovalResolved, approval.WalletID, approval.TxID, "approval granted").
		WithField("approval_id", approvalID).
		WithField("decision", "approved"))
	return txn, nil
}

// Reject 记录拒绝裁决并取消交易。
func (w *ApprovalWorkflow) Reject(ctx context.Context, approvalID, reason string) error {
	approval, err := w.approvals.Get(ctx, approvalID)
	if err != nil {
		return err
	}
	rejectedAt := w.now().Unix()
	if err := w.approvals.MarkRejected(ctx, approvalID, rejectedAt, reason); err != nil {
		return err
	}
	if err := w.txs.Cancel(ctx, approval.TxID, reason); err != nil {
		return err
	}

	logger.Audit().Info("approval_resolved",
		slog.String("approval_id", approvalID),
		slog.String("tx_id", approval.TxID),
		slog.String("decision", "rejected"),
		slog.String("reason", reason),
	)
	w.events.Publish(notify.NewEvent(notify.KindApprovalResolved, approval.WalletID, approval.TxID, "approval rejected").
		WithField("approval_id", approvalID).
		WithField("decision", "rejected").
		WithField("reason", reason))
	return nil
}

// Pending 返回当前等待裁决的审批列表。
func (w *ApprovalWorkflow) Pending(ctx context.Context) ([]*Approval, error) {
	return w.approvals.ListPending(ctx)
}

// ProcessExpiredApprovals 认领所有超时审批并将关联交易标记过期。
// 超时记录的 ApprovedAt/RejectedAt 保持为零。
func (w *ApprovalWorkflow) ProcessExpiredApprovals(ctx context.Context) ([]string, error) {
	expired, err := w.approvals.ClaimExpired(ctx, w.now().Unix())
	if err != nil {
		return nil, err
	}

	txIDs := make([]string, 0, len(expired))
	for _, approval := range expired {
		if err := w.txs.MarkExpired(ctx, approval.TxID); err != nil {
			w.log.Error("标记交易过期失败", "tx_id", approval.TxID, "error", err)
			continue
		}
		txIDs = append(txIDs, approval.TxID)
		logger.Audit().Warn("approval_expired",
			slog.String("approval_id", approval.ID),
			slog.String("tx_id", approval.TxID),
			slog.String("wallet_id", approval.WalletID),
		)
		w.events.Publish(notify.NewEvent(notify.KindApprovalExpired, approval.WalletID, approval.TxID, "approval window expired").
			WithField("approval_id", approval.ID))
	}
	return txIDs, nil
}
