package notify

import (
	"time"

	"github.com/google/uuid"
)

// Kind 表示出站事件类型。
type Kind string

const (
	KindTierDowngraded    Kind = "tier-downgraded"
	KindTierNotify        Kind = "tier-notify"
	KindTxQueued          Kind = "tx-queued"
	KindTxSubmitted       Kind = "tx-submitted"
	KindTxConfirmed       Kind = "tx-confirmed"
	KindTxFailed          Kind = "tx-failed"
	KindTxCancelled       Kind = "tx-cancelled"
	KindApprovalRequested Kind = "approval-requested"
	KindApprovalResolved  Kind = "approval-resolved"
	KindApprovalExpired   Kind = "approval-expired"
	KindHaltActivated     Kind = "halt-activated"
	KindHaltRecovered     Kind = "halt-recovered"
	KindOwnerChanged      Kind = "owner-changed"
	KindSpendWarning      Kind = "spend-warning"
)

// Event 是推送给外部渠道的出站事件。
type Event struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	WalletID  string         `json:"wallet_id,omitempty"`
	TxID      string         `json:"tx_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

// NewEvent 创建出站事件。
func NewEvent(kind Kind, walletID, txID, message string) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		WalletID:  walletID,
		TxID:      txID,
		Message:   message,
		CreatedAt: time.Now().Unix(),
	}
}

// WithField 附加上下文字段。
func (e Event) WithField(key string, value any) Event {
	if e.Fields == nil {
		e.Fields = make(map[string]any, 4)
	}
	e.Fields[key] = value
	return e
}
