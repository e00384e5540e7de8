package anchor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "trustnet:anchor:"

// redisKV is the subset of the go-redis API the store relies on.
type redisKV interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisStore keeps blobs under their digest. SETNX makes repeated puts no-ops.
type RedisStore struct {
	client redisKV
	prefix string
}

var _ Store = (*RedisStore)(nil)

// RedisConfig describes the Redis connection used for anchoring.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore dials Redis and verifies connectivity.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis 地址不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unreachable(err, "连接 Redis 失败")
	}
	return newRedisStore(client, cfg.Prefix), nil
}

func newRedisStore(client redisKV, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Put(ctx context.Context, data []byte) (string, error) {
	digest, err := DigestOf(data)
	if err != nil {
		return "", err
	}
	if err := s.client.SetNX(ctx, s.prefix+digest, data, 0).Err(); err != nil {
		return "", unreachable(err, "写入 Redis 失败")
	}
	return digest, nil
}

func (s *RedisStore) Get(ctx context.Context, digest string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.prefix+digest).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(digest)
	}
	if err != nil {
		return nil, unreachable(err, "读取 Redis 失败")
	}
	if err := Verify(digest, data); err != nil {
		return nil, err
	}
	return data, nil
}
