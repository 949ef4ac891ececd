package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Redis is a cross-process Locker built on SET NX PX. A holder that dies
// releases implicitly when the TTL runs out.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
	logger *zap.Logger
}

func NewRedis(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, ttl: ttl, poll: 50 * time.Millisecond, logger: logger}
}

func Key(tenant string) string {
	return "dvirmail:lock:" + tenant
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := Key(key)
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		if ok {
			break
		}
		t := time.NewTimer(r.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	r.logger.Debug("lock acquired", zap.String("key", k), zap.Duration("ttl", r.ttl))

	return func() {
		// Release must not depend on the caller's context, which may be done.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := r.client.Eval(rctx, releaseScript, []string{k}, token).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			r.logger.Warn("lock release failed", zap.String("key", k), zap.Error(err))
			return
		}
		if n == 0 {
			r.logger.Warn("lock expired before release", zap.String("key", k))
		}
	}, nil
}
