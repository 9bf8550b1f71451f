package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Cache 按账户地址缓存已获取的认证材料，避免重复请求签名服务。
type Cache interface {
	Get(ctx context.Context, account string) (ClaimMaterial, bool, error)
	Put(ctx context.Context, account string, claim ClaimMaterial) error
	Close() error
}

// MemoryCache 是进程内缓存实现。
type MemoryCache struct {
	mu     sync.RWMutex
	claims map[string]ClaimMaterial
}

// NewMemoryCache 创建内存缓存。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{claims: make(map[string]ClaimMaterial)}
}

// Get 返回缓存的认证材料。
func (c *MemoryCache) Get(_ context.Context, account string) (ClaimMaterial, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	claim, ok := c.claims[account]
	return claim, ok, nil
}

// Put 写入缓存。
func (c *MemoryCache) Put(_ context.Context, account string, claim ClaimMaterial) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims[account] = claim
	return nil
}

// Close 实现 Cache 接口，无实际资源需要释放。
func (c *MemoryCache) Close() error { return nil }

// RedisCacheConfig 描述 Redis 缓存的连接参数。
type RedisCacheConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisCache 使用 Redis 存放认证材料，跨多次运行复用。
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache 创建 Redis 缓存实例。
func NewRedisCache(cfg RedisCacheConfig) (*RedisCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "spout:claims"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisCache{client: client, prefix: prefix}, nil
}

// Get 返回缓存的认证材料。
func (c *RedisCache) Get(ctx context.Context, account string) (ClaimMaterial, bool, error) {
	raw, err := c.client.Get(ctx, c.key(account)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ClaimMaterial{}, false, nil
		}
		return ClaimMaterial{}, false, fmt.Errorf("Redis 读取失败: %w", err)
	}
	var claim ClaimMaterial
	if err := json.Unmarshal([]byte(raw), &claim); err != nil {
		return ClaimMaterial{}, false, fmt.Errorf("缓存内容损坏: %w", err)
	}
	return claim, true, nil
}

// Put 写入缓存。
func (c *RedisCache) Put(ctx context.Context, account string, claim ClaimMaterial) error {
	raw, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("编码认证材料失败: %w", err)
	}
	if err := c.client.Set(ctx, c.key(account), raw, 0).Err(); err != nil {
		return fmt.Errorf("Redis 写入失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *RedisCache) key(account string) string {
	return c.prefix + ":" + account
}
