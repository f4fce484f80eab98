package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wuwenbin0122/aidanna/internal/utils"
)

// admitScript increments the day counter only while it is below ARGV[1].
// Returns {admitted (0|1), count}.
var admitScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if current >= limit then
  return {0, current}
end
current = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return {1, current}
`)

// Redis keeps per-day usage counters; every mutation is a single server-side operation.
type Redis struct {
	Client *redis.Client
	prefix string
}

func NewRedis(ctx context.Context, cfg utils.RedisConfig) (*Redis, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis: address is empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &Redis{Client: client, prefix: "usage"}, nil
}

func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}

func (r *Redis) usageKey(owner string, day time.Time) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, owner, day.Format("2006-01-02"))
}

func (r *Redis) IncrementUsage(ctx context.Context, owner string, day time.Time) (int, error) {
	key := r.usageKey(owner, day)

	pipe := r.Client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, usageTTLSeconds*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis: increment usage: %w", err)
	}

	return int(incr.Val()), nil
}

func (r *Redis) IncrementUsageIfBelow(ctx context.Context, owner string, day time.Time, limit int) (int, bool, error) {
	if limit <= 0 {
		used, err := r.UsageFor(ctx, owner, day)
		return used, false, err
	}

	result, err := admitScript.Run(ctx, r.Client, []string{r.usageKey(owner, day)}, limit, usageTTLSeconds).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis: conditional increment usage: %w", err)
	}
	if len(result) != 2 {
		return 0, false, fmt.Errorf("redis: unexpected admit result %v", result)
	}

	return int(result[1]), result[0] == 1, nil
}

func (r *Redis) UsageFor(ctx context.Context, owner string, day time.Time) (int, error) {
	count, err := r.Client.Get(ctx, r.usageKey(owner, day)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis: read usage: %w", err)
	}
	return count, nil
}

func (r *Redis) ResetUsage(ctx context.Context, owner string, day time.Time) error {
	if err := r.Client.Del(ctx, r.usageKey(owner, day)).Err(); err != nil {
		return fmt.Errorf("redis: reset usage: %w", err)
	}
	return nil
}
