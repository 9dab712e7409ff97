package cache

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ddasdkimo/keyvalueserver/types"
)

const deleteBatchSize = 100

// RedisBackend talks RESP2 to the cache store (or any Redis). Retries are
// off: the client above decides what a failure means.
type RedisBackend struct {
	client *redis.Client
	addr   string
}

func NewRedisBackend(config *types.CacheConfig) (types.CacheBackend, error) {
	if config.Host == "" {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "cache host is required for redis")
	}

	port := config.Port
	if port == 0 {
		port = 6379
	}

	dialTimeout := config.DialTimeout
	if dialTimeout <= 0 || dialTimeout > config.ResponseTimeout {
		dialTimeout = config.ResponseTimeout
	}

	var maxIdle time.Duration
	if config.IdleTimeout > 0 {
		maxIdle = config.IdleTimeout - config.IdleTimeout/10
	}

	addr := net.JoinHostPort(config.Host, strconv.Itoa(port))

	client := redis.NewClient(&redis.Options{
		Addr:                  addr,
		Password:              config.Password,
		DB:                    config.DB,
		Protocol:              2,
		DisableIdentity:       true,
		PoolSize:              config.PoolSize,
		DialTimeout:           dialTimeout,
		ReadTimeout:           config.ResponseTimeout,
		WriteTimeout:          config.ResponseTimeout,
		PoolTimeout:           config.ResponseTimeout,
		ContextTimeoutEnabled: true,
		ConnMaxIdleTime:       maxIdle,
		MaxRetries:            -1,
	})

	return &RedisBackend{client: client, addr: addr}, nil
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := r.client.Set(ctx, key, value, ttl).Err()
	if isOOM(err) {
		return types.WrapError(types.ErrCacheCapacityExceeded, err.Error())
	}
	return err
}

func (r *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisBackend) DeletePrefix(ctx context.Context, prefix string) error {
	iter := r.client.Scan(ctx, 0, escapeGlob(prefix)+"*", deleteBatchSize).Iterator()

	batch := make([]string, 0, deleteBatchSize)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == deleteBatchSize {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}

	return r.Delete(ctx, batch...)
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func (r *RedisBackend) String() string {
	return "redis://" + r.addr
}

func isOOM(err error) bool {
	var replyErr redis.Error
	return errors.As(err, &replyErr) && strings.HasPrefix(replyErr.Error(), "OOM")
}

// escapeGlob quotes the characters KEYS/SCAN patterns treat specially.
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}

	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
