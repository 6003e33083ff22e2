package repositories

import (
	"context"
	"time"

	"huddle/internal/core/ports"
	"huddle/internal/infrastructure/repositories/memory"
	redisrepo "huddle/internal/infrastructure/repositories/redis"
	"huddle/pkg/config"
	"huddle/pkg/distributed"
	"huddle/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories, falling back to memory when Redis
// is disabled or unreachable.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, log *zap.SugaredLogger) (*RepositoryFactory, error) {
	log = logger.OrNop(log)
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   log,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(context.Background(), cfg, log)
		if err != nil {
			log.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			log.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		log.Info("using memory repositories")
	}

	return factory, nil
}

func (f *RepositoryFactory) CreateTranscriptRepository() ports.TranscriptRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisTranscriptRepository(f.redisClient)
	}
	return memory.NewMemoryTranscriptRepository()
}

func (f *RepositoryFactory) CreateMeetingRegistry() ports.MeetingRegistry {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisMeetingDirectory(f.redisClient)
	}
	return memory.NewMemoryMeetingDirectory()
}

// CreateLocker returns a redis-backed locker shared by every relay instance,
// or an in-process one when running on memory.
func (f *RepositoryFactory) CreateLocker() ports.Locker {
	if f.useRedis && f.redisClient != nil {
		return distributed.NewRedisLocker(f.redisClient, "huddle:lock:", 10*time.Second)
	}
	return distributed.NewLocalLocker()
}

// RedisClient returns the shared client, or nil when running on memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if f.useRedis {
		return f.redisClient
	}
	return nil
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
