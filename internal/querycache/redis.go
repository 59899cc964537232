package querycache

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/facility-portal/internal/model"
)

// Redis shares the identity between portal processes of one device.
// Entries expire after the TTL; Redis errors are logged and read as a
// miss.
type Redis struct {
	rdb *redis.Client
	key string
	ttl time.Duration
	log *slog.Logger
}

// NewRedis stores the identity under "<prefix>:identity:<sha1(device)>".
func NewRedis(rdb *redis.Client, prefix, device string, ttl time.Duration, log *slog.Logger) *Redis {
	if prefix == "" {
		prefix = "portal"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	sum := sha1.Sum([]byte(device))
	return &Redis{
		rdb: rdb,
		key: fmt.Sprintf("%s:identity:%x", prefix, sum[:]),
		ttl: ttl,
		log: log.With("component", "querycache"),
	}
}

func (r *Redis) Identity(ctx context.Context) (*model.User, bool) {
	bs, err := r.rdb.Get(ctx, r.key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warn("identity cache read", "err", err)
		}
		return nil, false
	}
	var u model.User
	if err := json.Unmarshal(bs, &u); err != nil {
		r.log.Warn("identity cache decode", "err", err)
		return nil, false
	}
	u.Normalize()
	return &u, true
}

func (r *Redis) SessionAuthenticated(ctx context.Context, u *model.User) {
	bs, err := json.Marshal(publicView(u))
	if err != nil {
		r.log.Warn("identity cache encode", "err", err)
		return
	}
	if err := r.rdb.Set(ctx, r.key, bs, r.ttl).Err(); err != nil {
		r.log.Warn("identity cache write", "err", err)
	}
}

func (r *Redis) SessionCleared(ctx context.Context) {
	if err := r.rdb.Del(ctx, r.key).Err(); err != nil {
		r.log.Warn("identity cache invalidate", "err", err)
	}
}
