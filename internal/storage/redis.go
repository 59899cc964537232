package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis keeps the mirror in Redis so several portal processes on one
// device id share a session. Keys are "<prefix>:<device>:<key>".
type Redis struct {
	rdb    *redis.Client
	prefix string
}

func NewRedis(rdb *redis.Client, prefix, device string) *Redis {
	if prefix == "" {
		prefix = "session"
	}
	if device == "" {
		device = "default"
	}
	return &Redis{rdb: rdb, prefix: prefix + ":" + device}
}

func (r *Redis) key(k string) string { return strings.Join([]string{r.prefix, k}, ":") }

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.rdb.Set(ctx, r.key(key), value, 0).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return r.rdb.Del(ctx, full...).Err()
}
