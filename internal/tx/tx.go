package tx

import (
	"math/big"
	"strings"

	xerrors "AgentVault/internal/errors"
)

// Status 表示交易在授权执行流水线中的状态。
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusQueued    Status = "QUEUED"
	StatusExecuting Status = "EXECUTING"
	StatusSubmitted Status = "SUBMITTED"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// Tier 表示策略评估产生的审批层级。
type Tier string

const (
	TierInstant  Tier = "INSTANT"
	TierNotify   Tier = "NOTIFY"
	TierDelay    Tier = "DELAY"
	TierApproval Tier = "APPROVAL"
)

// Type 表示交易的业务类型。
type Type string

const (
	TypeTransfer      Type = "TRANSFER"
	TypeTokenTransfer Type = "TOKEN_TRANSFER"
	TypeContractCall  Type = "CONTRACT_CALL"
	TypeApprove       Type = "APPROVE"
)

// Transaction 描述一笔待授权或已执行的链上交易。
// Amount 与 ReservedAmount 均为链原生最小单位。
type Transaction struct {
	ID              string         `json:"id"`
	WalletID        string         `json:"wallet_id"`
	SessionID       string         `json:"session_id,omitempty"`
	Chain           string         `json:"chain"`
	Type            Type           `json:"type"`
	Amount          *big.Int       `json:"amount,omitempty"`
	AmountUSD       float64        `json:"amount_usd,omitempty"`
	ToAddress       string         `json:"to_address,omitempty"`
	TokenAddress    string         `json:"token_address,omitempty"`
	ContractAddress string         `json:"contract_address,omitempty"`
	MethodSignature string         `json:"method_signature,omitempty"`
	SpenderAddress  string         `json:"spender_address,omitempty"`
	ApprovedAmount  *big.Int       `json:"approved_amount,omitempty"`
	Data            string         `json:"data,omitempty"`
	Status          Status         `json:"status"`
	Tier            Tier           `json:"tier,omitempty"`
	TxHash          string         `json:"tx_hash,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	ReservedAmount  *big.Int       `json:"reserved_amount,omitempty"`
	ReservedUSD     float64        `json:"reserved_usd,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	QueuedAt        int64          `json:"queued_at,omitempty"`
	ExpiresAt       int64          `json:"expires_at,omitempty"`
	ExecutedAt      int64          `json:"executed_at,omitempty"`
	CreatedAt       int64          `json:"created_at"`
	UpdatedAt       int64          `json:"updated_at"`
}

var (
	// ErrTxNotFound 表示指定的交易不存在。
	ErrTxNotFound = xerrors.New(CodeTxNotFound, "transaction not found")
	// ErrTxProcessed 表示交易已离开可操作状态。
	ErrTxProcessed = xerrors.New(CodeTxProcessed, "transaction already processed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrWalletNotFound 表示钱包不存在。
	ErrWalletNotFound = xerrors.New(CodeWalletNotFound, "wallet not found")
)

const (
	CodeTxNotFound     xerrors.Code = "TX_NOT_FOUND"
	CodeTxProcessed    xerrors.Code = "TX_ALREADY_PROCESSED"
	CodeTxValidation   xerrors.Code = "TX_VALIDATION_FAILED"
	CodeWalletNotFound xerrors.Code = "WALLET_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeTxNotFound, xerrors.Attributes{
		Message:   "transaction not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTxProcessed, xerrors.Attributes{
		Message:   "transaction already processed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTxValidation, xerrors.Attributes{
		Message:   "transaction validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWalletNotFound, xerrors.Attributes{
		Message:   "wallet not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusQueued, StatusExecuting, StatusSubmitted,
		StatusConfirmed, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// IsTerminal 判断状态是否为终态。
func IsTerminal(status Status) bool {
	switch status {
	case StatusConfirmed, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// CanTransition 校验状态机允许的迁移。
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusCancelled || to == StatusQueued || to == StatusExecuting || to == StatusFailed
	case StatusQueued:
		return to == StatusCancelled || to == StatusExecuting || to == StatusExpired
	case StatusExecuting:
		return to == StatusSubmitted || to == StatusFailed
	case StatusSubmitted:
		return to == StatusConfirmed || to == StatusFailed
	default:
		return false
	}
}

// IsValidTier 检查层级是否为支持的枚举值。
func IsValidTier(tier Tier) bool {
	switch tier {
	case TierInstant, TierNotify, TierDelay, TierApproval:
		return true
	default:
		return false
	}
}

// TierRank 返回层级的严格程度，数值越大越严格。
func TierRank(tier Tier) int {
	switch tier {
	case TierInstant:
		return 0
	case TierNotify:
		return 1
	case TierDelay:
		return 2
	case TierApproval:
		return 3
	default:
		return 3
	}
}

// MaxTier 返回两个层级中更严格的一个。
func MaxTier(a, b Tier) Tier {
	if TierRank(a) >= TierRank(b) {
		return a
	}
	return b
}

// Validate 在写入前校验交易请求字段。
func (t *Transaction) Validate() error {
	if t == nil {
		return xerrors.New(CodeTxValidation, "交易不能为空")
	}
	if strings.TrimSpace(t.WalletID) == "" {
		return xerrors.New(CodeTxValidation, "wallet_id 不能为空")
	}
	if strings.TrimSpace(t.Chain) == "" {
		return xerrors.New(CodeTxValidation, "chain 不能为空")
	}
	switch t.Type {
	case TypeTransfer:
		if strings.TrimSpace(t.ToAddress) == "" {
			return xerrors.New(CodeTxValidation, "转账缺少 to_address")
		}
		if t.Amount == nil || t.Amount.Sign() <= 0 {
			return xerrors.New(CodeTxValidation, "转账金额必须为正数")
		}
	case TypeTokenTransfer:
		if strings.TrimSpace(t.ToAddress) == "" || strings.TrimSpace(t.TokenAddress) == "" {
			return xerrors.New(CodeTxValidation, "代币转账缺少 to_address 或 token_address")
		}
		if t.Amount == nil || t.Amount.Sign() <= 0 {
			return xerrors.New(CodeTxValidation, "代币转账金额必须为正数")
		}
	case TypeContractCall:
		if strings.TrimSpace(t.ContractAddress) == "" {
			return xerrors.New(CodeTxValidation, "合约调用缺少 contract_address")
		}
	case TypeApprove:
		if strings.TrimSpace(t.SpenderAddress) == "" || strings.TrimSpace(t.TokenAddress) == "" {
			return xerrors.New(CodeTxValidation, "授权缺少 spender_address 或 token_address")
		}
		if t.ApprovedAmount == nil || t.ApprovedAmount.Sign() < 0 {
			return xerrors.New(CodeTxValidation, "授权额度不合法")
		}
	default:
		return xerrors.New(CodeTxValidation, "不支持的交易类型",
			xerrors.WithMetadata("type", string(t.Type)))
	}
	return nil
}

// EffectiveAmount 返回参与限额计算的金额（授权交易取授权额度）。
func (t *Transaction) EffectiveAmount() *big.Int {
	if t == nil {
		return new(big.Int)
	}
	if t.Type == TypeApprove {
		if t.ApprovedAmount == nil {
			return new(big.Int)
		}
		return new(big.Int).Set(t.ApprovedAmount)
	}
	if t.Amount == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(t.Amount)
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

// Clone 返回交易的深拷贝。
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Amount = cloneBig(t.Amount)
	clone.ApprovedAmount = cloneBig(t.ApprovedAmount)
	clone.ReservedAmount = cloneBig(t.ReservedAmount)
	clone.Metadata = cloneMetadata(t.Metadata)
	return &clone
}
