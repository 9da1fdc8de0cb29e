package halt

import "context"

// KVStore 是单行键值存储，紧急停机状态的唯一权威来源。
// CompareAndSwap 必须是原子条件写：并发竞争下恰好一个调用者成功。
type KVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// SetIfAbsent 仅在键不存在时写入，返回是否写入。
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)
	// CompareAndSwap 仅在当前值等于 old 时写入 new，返回是否写入。
	CompareAndSwap(ctx context.Context, key, old, new string) (bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
