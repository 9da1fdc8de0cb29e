package owner

import "context"

// Store 抽象了钱包记录的持久化接口。
type Store interface {
	Create(ctx context.Context, w *Wallet) error
	Get(ctx context.Context, id string) (*Wallet, error)
	List(ctx context.Context) ([]*Wallet, error)
	// UpdateOwner 覆盖写入所有者绑定字段。
	UpdateOwner(ctx context.Context, id, ownerAddress string, verified bool) error
	// SetStatus 切换钱包运行状态并记录原因。
	SetStatus(ctx context.Context, id string, status WalletStatus, reason string) error
	Close() error
}
