package policy

import "context"

// Store 抽象了策略的持久化接口。写入方法负责调用 Validate。
type Store interface {
	Create(ctx context.Context, p *Policy) error
	Get(ctx context.Context, id string) (*Policy, error)
	Update(ctx context.Context, p *Policy) error
	Delete(ctx context.Context, id string) error
	// List 返回全部策略；walletID 非空时仅返回该钱包的策略。
	List(ctx context.Context, walletID string) ([]*Policy, error)
	// ListActive 返回对给定钱包与网络生效的已启用策略：
	// 钱包专属策略加全局策略，且网络为空或匹配。
	ListActive(ctx context.Context, walletID, network string) ([]*Policy, error)
	Close() error
}
