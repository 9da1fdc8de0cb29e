package workflow

import (
	"strings"

	xerrors "AgentVault/internal/errors"
)

// ApprovalStatus 表示审批请求的状态。
type ApprovalStatus string

const (
	// ApprovalPending 等待所有者裁决。
	ApprovalPending ApprovalStatus = "PENDING"
	// ApprovalApproved 已批准。
	ApprovalApproved ApprovalStatus = "APPROVED"
	// ApprovalRejected 已拒绝。
	ApprovalRejected ApprovalStatus = "REJECTED"
	// ApprovalExpired 超时未裁决。
	ApprovalExpired ApprovalStatus = "EXPIRED"
)

// Approval 是一条待审批记录，与交易一一对应。
// ApprovedAt 与 RejectedAt 互斥；超时过期时两者均保持为零。
type Approval struct {
	ID          string         `json:"id"`
	TxID        string         `json:"tx_id"`
	WalletID    string         `json:"wallet_id"`
	Status      ApprovalStatus `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	Signature   string         `json:"signature,omitempty"`
	RequestedAt int64          `json:"requested_at"`
	ExpiresAt   int64          `json:"expires_at"`
	ApprovedAt  int64          `json:"approved_at,omitempty"`
	RejectedAt  int64          `json:"rejected_at,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

var (
	// ErrApprovalNotFound 表示审批记录不存在或已有终局裁决。
	ErrApprovalNotFound = xerrors.New(CodeApprovalNotFound, "approval not found")
	// ErrApprovalTimeout 表示审批窗口已经关闭。
	ErrApprovalTimeout = xerrors.New(CodeApprovalTimeout, "approval window expired", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeApprovalNotFound xerrors.Code = "APPROVAL_NOT_FOUND"
	CodeApprovalTimeout  xerrors.Code = "APPROVAL_TIMEOUT"
)

func init() {
	xerrors.Register(CodeApprovalNotFound, xerrors.Attributes{
		Message:   "approval not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeApprovalTimeout, xerrors.Attributes{
		Message:   "approval window expired",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Validate 校验审批记录的基本字段。
func (a *Approval) Validate() error {
	if a == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "审批记录不能为空")
	}
	if strings.TrimSpace(a.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "审批 ID 不能为空")
	}
	if strings.TrimSpace(a.TxID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "审批必须关联交易")
	}
	if a.ExpiresAt <= a.RequestedAt {
		return xerrors.New(xerrors.CodeInvalidArgument, "审批过期时间必须晚于请求时间")
	}
	return nil
}

// Clone 返回审批记录的深拷贝。
func (a *Approval) Clone() *Approval {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}
