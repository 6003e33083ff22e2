package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"huddle/pkg/config"
	"huddle/pkg/logger"
	"huddle/pkg/retry"
	"huddle/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient connects to cfg.Redis, retrying the first ping while the
// server comes up, and applies pending key migrations.
func NewRedisClient(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*redis.Client, error) {
	log = logger.OrNop(log)
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	client.AddHook(tracingHook{})

	connectCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	policy := retry.DefaultConfig()
	policy.MaxAttempts = 4
	policy.InitialDelay = 250 * time.Millisecond
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warnw("redis not reachable yet",
			"address", cfg.Redis.Address,
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)
	}
	if err := retry.Retry(connectCtx, policy, func() error {
		return client.Ping(connectCtx).Err()
	}); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Address, err)
	}

	if err := Migrate(connectCtx, client, log); err != nil {
		client.Close()
		return nil, fmt.Errorf("migrate redis keys: %w", err)
	}

	log.Infow("connected to redis",
		"address", cfg.Redis.Address,
		"db", cfg.Redis.DB,
		"pool_size", cfg.Redis.PoolSize,
	)
	return client, nil
}

func CloseRedisClient(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}

// tracingHook wraps every command and pipeline in a client span.
type tracingHook struct{}

func (tracingHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (tracingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		ctx, span := tracing.TraceRedis(ctx, cmd.Name())
		err := next(ctx, cmd)
		tracing.End(span, spanError(err))
		return err
	}
}

func (tracingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		ctx, span := tracing.TraceRedis(ctx, "pipeline")
		err := next(ctx, cmds)
		tracing.End(span, spanError(err))
		return err
	}
}

// spanError hides cache misses, which are not failures.
func spanError(err error) error {
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
