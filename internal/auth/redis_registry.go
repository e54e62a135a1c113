package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "chanhub:refresh:"

// RedisRegistry 把注册表放到 Redis，过期由 key TTL 负责。
type RedisRegistry struct {
	rdb *redis.Client
}

func NewRedisRegistry(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{rdb: rdb}
}

// NewRedisClient 创建客户端并用短超时 ping 一次。
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (r *RedisRegistry) Add(ctx context.Context, digest string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return r.rdb.Set(ctx, redisKeyPrefix+digest, 1, ttl).Err()
}

func (r *RedisRegistry) Contains(ctx context.Context, digest string) (bool, error) {
	n, err := r.rdb.Exists(ctx, redisKeyPrefix+digest).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisRegistry) Remove(ctx context.Context, digest string) error {
	return r.rdb.Del(ctx, redisKeyPrefix+digest).Err()
}

// Clear 只删除本服务前缀下的 key。
func (r *RedisRegistry) Clear(ctx context.Context) error {
	iter := r.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.rdb.Del(ctx, keys...).Err()
}
