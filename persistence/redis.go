package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore 基于 Redis 的存储，适合多实例部署。
// 每个 path 对应一个 string key：{prefix}snapshot:{path}
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	owned     bool
}

// NewRedisStore 按配置创建连接并探活
func NewRedisStore(config StoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := NewRedisStoreFromClient(client, config.KeyPrefix, config.TTL)
	s.owned = true
	return s, nil
}

// NewRedisStoreFromClient 复用已有客户端，Close 时不关闭客户端
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "pacegate:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix + "snapshot:", ttl: ttl}
}

func (s *RedisStore) key(path string) (string, error) {
	p, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	return s.keyPrefix + strings.ReplaceAll(p, "/", ":"), nil
}

// Save 实现 Store.Save
func (s *RedisStore) Save(ctx context.Context, path string, value any) error {
	key, err := s.key(path)
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.client.Set(ctx, key, data, s.ttl).Err()
}

// Load 实现 Store.Load
func (s *RedisStore) Load(ctx context.Context, path string, dest any) error {
	key, err := s.key(path)
	if err != nil {
		return err
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Delete 实现 Store.Delete
func (s *RedisStore) Delete(ctx context.Context, path string) error {
	key, err := s.key(path)
	if err != nil {
		return err
	}
	return s.client.Del(ctx, key).Err()
}

// Ping 实现 Store.Ping
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 实现 Store.Close
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
