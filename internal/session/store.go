package session

import "context"

// Store 抽象了会话记录的持久化接口。
// Revoke 幂等：已吊销的会话再次吊销不报错。
type Store interface {
	Create(ctx context.Context, record *Session) error
	GetByHash(ctx context.Context, tokenHash string) (*Session, error)
	Revoke(ctx context.Context, sessionID string, revokedAt int64) error
	// RevokeAll 吊销钱包全部未吊销会话，walletID 为空时作用于所有钱包。
	RevokeAll(ctx context.Context, walletID string, revokedAt int64) ([]string, error)
	// PurgeExpired 删除过期超过保留窗口的会话记录。
	PurgeExpired(ctx context.Context, before int64) (int64, error)
	Close() error
}
