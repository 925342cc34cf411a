package lock

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"distributed-job-scheduler/internal/config"
)

// Redis is a claim lock shared by every process pointed at the same Redis.
// It holds a SET NX key with a TTL so a crashed holder cannot wedge the
// scheduler, and releases it only if the stored token is still ours.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedis builds a lock client from config.
func NewRedis(cfg config.Config) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisWithClient(client, cfg.ClaimLockKey, cfg.ClaimLockTTL)
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, key string, ttl time.Duration) *Redis {
	if key == "" {
		key = "scheduler:claim-lock"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{
		client: client,
		key:    key,
		ttl:    ttl,
		retry:  50 * time.Millisecond,
	}
}

// Lock spins on SET NX until it wins or ctx is done.
func (l *Redis) Lock(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "acquire claim lock %s", l.key)
		}
		if ok {
			return func() { l.release(token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

func (l *Redis) release(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
}

// Holder returns the token currently stored under the lock key, if any.
func (l *Redis) Holder(ctx context.Context) (string, error) {
	token, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return token, err
}

// Close releases the underlying client.
func (l *Redis) Close() error {
	return l.client.Close()
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
