package oracle

import (
	"context"
	"strconv"
	"strings"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisCacheConfig 描述价格缓存的连接参数。
type RedisCacheConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// RedisCache 在价格源之前加一层带 TTL 的 Redis 缓存。
// 缓存故障退化为直接查询价格源，不向上传播。
type RedisCache struct {
	source PriceOracle
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache 创建 RedisCache。
func NewRedisCache(source PriceOracle, cfg RedisCacheConfig) (*RedisCache, error) {
	if source == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "价格源不能为空")
	}
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "vault:price:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return &RedisCache{source: source, client: client, prefix: prefix, ttl: ttl}, nil
}

// Price 实现 PriceOracle：先查缓存，未命中时回源并回填。
func (c *RedisCache) Price(ctx context.Context, asset string) (float64, error) {
	key := c.prefix + strings.ToUpper(asset)

	cached, err := c.client.Get(ctx, key).Result()
	if err == nil {
		price, parseErr := strconv.ParseFloat(cached, 64)
		if parseErr == nil && price > 0 {
			return price, nil
		}
	} else if err != redis.Nil {
		logger.L().Warn("价格缓存读取失败", "asset", asset, "error", err)
	}

	price, err := c.source.Price(ctx, asset)
	if err != nil {
		return 0, err
	}
	if setErr := c.client.Set(ctx, key, strconv.FormatFloat(price, 'f', -1, 64), c.ttl).Err(); setErr != nil {
		logger.L().Warn("价格缓存写入失败", "asset", asset, "error", setErr)
	}
	return price, nil
}

// Close 关闭缓存连接与价格源。
func (c *RedisCache) Close() error {
	if err := c.client.Close(); err != nil {
		return err
	}
	return c.source.Close()
}

var _ PriceOracle = (*RedisCache)(nil)
