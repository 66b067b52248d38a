package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrKeyNotFound key 不存在
var ErrKeyNotFound = errors.New("key not found")

// KVStore definition repositories 使用的 key-value 操作
type KVStore interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

type redisKVStore struct {
	client *redis.Client
}

// NewRedisConnection create a new redis connection have retry
func NewRedisConnection(d RedisConnection) (KVStore, error) {
	var err error

	for i := 1; i <= d.RetryCount; i++ {
		rdb := redis.NewClient(&redis.Options{
			Addr:     d.Addr,
			Password: d.Password,
			DB:       d.DB,
		})

		// 测试连接
		if err = rdb.Ping(context.Background()).Err(); err == nil {
			log.Printf("redis[%s] 連線成功 (嘗試 %d 次)", d.Addr, i)
			return &redisKVStore{client: rdb}, nil
		}

		log.Printf("redis[%s] 連線失敗 (嘗試 %d/%d): %v", d.Addr, i, d.RetryCount, err)
		time.Sleep(d.RetryInterval * time.Second)
	}

	return nil, fmt.Errorf("無法連線 redis[%s]，經過 %d 次嘗試: %v", d.Addr, d.RetryCount, err)
}

// NewRedisKVStore wrap an existing client（測試用）
func NewRedisKVStore(client *redis.Client) KVStore {
	return &redisKVStore{client: client}
}

func (r *redisKVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *redisKVStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *redisKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrKeyNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return val, nil
}

func (r *redisKVStore) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

func (r *redisKVStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check key %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *redisKVStore) SAdd(ctx context.Context, key string, members ...string) error {
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return r.client.SAdd(ctx, key, vals...).Err()
}

func (r *redisKVStore) SRem(ctx context.Context, key string, members ...string) error {
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return r.client.SRem(ctx, key, vals...).Err()
}

func (r *redisKVStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}
