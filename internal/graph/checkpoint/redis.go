package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/whoshyam/maxim-cookbooks/internal/config"
	"github.com/whoshyam/maxim-cookbooks/internal/pkg/logger"
)

const defaultRedisPrefix = "cookbook:checkpoint"

// Redis stores each thread as a sorted set of checkpoints scored by step
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects and pings the server
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        10,
		PoolTimeout:     4 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info("connected to Redis",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
	)
	return NewRedisFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisFromClient uses an existing client. A zero ttl keeps threads forever.
func NewRedisFromClient(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(threadID string) string { return r.prefix + ":" + threadID }

func (r *Redis) Put(ctx context.Context, cp Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	key := r.key(cp.ThreadID)
	score := strconv.Itoa(cp.Step)
	pipe := r.client.TxPipeline()
	// replace a checkpoint written for the same step
	pipe.ZRemRangeByScore(ctx, key, score, score)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(cp.Step), Member: raw})
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save checkpoint %s/%d: %w", cp.ThreadID, cp.Step, err)
	}
	return nil
}

func (r *Redis) Latest(ctx context.Context, threadID string) (Checkpoint, error) {
	vals, err := r.client.ZRevRange(ctx, r.key(threadID), 0, 0).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", threadID, err)
	}
	if len(vals) == 0 {
		return Checkpoint{}, notFound(threadID)
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(vals[0]), &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint %s: %w", threadID, err)
	}
	return cp, nil
}

func (r *Redis) List(ctx context.Context, threadID string) ([]Checkpoint, error) {
	vals, err := r.client.ZRange(ctx, r.key(threadID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list checkpoints %s: %w", threadID, err)
	}
	out := make([]Checkpoint, 0, len(vals))
	for _, v := range vals {
		var cp Checkpoint
		if err := json.Unmarshal([]byte(v), &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint %s: %w", threadID, err)
		}
		out = append(out, cp)
	}
	return out, nil
}

func (r *Redis) Delete(ctx context.Context, threadID string) error {
	return r.client.Del(ctx, r.key(threadID)).Err()
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
