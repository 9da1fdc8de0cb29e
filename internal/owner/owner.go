package owner

import (
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/tx"
)

// State 表示钱包所有者生命周期状态，由钱包记录推导，不单独落库。
type State string

const (
	// StateNone 未绑定所有者。
	StateNone State = "NONE"
	// StateGrace 已绑定但未完成签名验证。
	StateGrace State = "GRACE"
	// StateLocked 所有者已验证，绑定不可再变更。
	StateLocked State = "LOCKED"
)

// WalletStatus 表示钱包的运行状态。
type WalletStatus string

const (
	WalletActive    WalletStatus = "ACTIVE"
	WalletSuspended WalletStatus = "SUSPENDED"
)

// Wallet 描述一个受管钱包及其所有者绑定。
type Wallet struct {
	ID               string       `json:"id"`
	Name             string       `json:"name,omitempty"`
	Address          string       `json:"address"`
	OwnerAddress     string       `json:"owner_address,omitempty"`
	OwnerVerified    bool         `json:"owner_verified"`
	Status           WalletStatus `json:"status"`
	SuspendedAt      int64        `json:"suspended_at,omitempty"`
	SuspensionReason string       `json:"suspension_reason,omitempty"`
	CreatedAt        int64        `json:"created_at"`
	UpdatedAt        int64        `json:"updated_at"`
}

var (
	// ErrOwnerAlreadyConnected 表示所有者绑定已锁定，不可变更。
	ErrOwnerAlreadyConnected = xerrors.New(CodeOwnerAlreadyConnected, "owner binding is locked", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrOwnerNotConnected 表示尚未绑定所有者。
	ErrOwnerNotConnected = xerrors.New(CodeOwnerNotConnected, "no owner connected")
)

const (
	CodeOwnerAlreadyConnected xerrors.Code = "OWNER_ALREADY_CONNECTED"
	CodeOwnerNotConnected     xerrors.Code = "OWNER_NOT_CONNECTED"
)

func init() {
	xerrors.Register(CodeOwnerAlreadyConnected, xerrors.Attributes{
		Message:   "owner binding is locked",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOwnerNotConnected, xerrors.Attributes{
		Message:   "no owner connected",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// ResolveState 从钱包记录推导所有者状态。
func ResolveState(w *Wallet) State {
	if w == nil || w.OwnerAddress == "" {
		return StateNone
	}
	if !w.OwnerVerified {
		return StateGrace
	}
	return StateLocked
}

// DowngradeIfNoOwner 在无所有者时将 APPROVAL 降级为 DELAY：
// 没有人能批准时，审批层级会让交易永远卡死。
// 返回生效层级与是否发生降级。
func DowngradeIfNoOwner(state State, tier tx.Tier) (tx.Tier, bool) {
	if tier == tx.TierApproval && state == StateNone {
		return tx.TierDelay, true
	}
	return tier, false
}
