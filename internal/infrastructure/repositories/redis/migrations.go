package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "huddle:schema:version"
	currentSchemaVersion = 1
)

type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Rebuild the order index for transcripts written without one.
			Version: 1,
			Up:      backfillTranscriptOrder,
		},
	}
}

func backfillTranscriptOrder(ctx context.Context, client *redis.Client) error {
	iter := client.Scan(ctx, 0, "huddle:transcript:*:segments", 100).Iterator()
	for iter.Next(ctx) {
		segmentsKey := iter.Val()
		base := strings.TrimSuffix(segmentsKey, ":segments")
		orderKey, seqKey := base+":order", base+":seq"

		exists, err := client.Exists(ctx, orderKey).Result()
		if err != nil {
			return err
		}
		if exists == 1 {
			continue
		}

		fields, err := client.HGetAll(ctx, segmentsKey).Result()
		if err != nil {
			return err
		}
		type entry struct {
			id    string
			start int64
		}
		entries := make([]entry, 0, len(fields))
		for id, data := range fields {
			var seg struct {
				StartTimeMs int64 `json:"startTimeMs"`
			}
			_ = json.Unmarshal([]byte(data), &seg)
			entries = append(entries, entry{id: id, start: seg.StartTimeMs})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].start < entries[j].start })

		members := make([]redis.Z, len(entries))
		for i, e := range entries {
			members[i] = redis.Z{Score: float64(i + 1), Member: e.id}
		}
		if len(members) > 0 {
			pipe := client.TxPipeline()
			pipe.ZAdd(ctx, orderKey, members...)
			pipe.Set(ctx, seqKey, len(members), 0)
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
		}
	}
	return iter.Err()
}
