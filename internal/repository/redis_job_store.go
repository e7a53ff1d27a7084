package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/jmylchreest/transcodarr/internal/config"
	"github.com/jmylchreest/transcodarr/internal/models"
)

// maxTxAttempts bounds optimistic retries when a watched job key changes
// between read and write.
const maxTxAttempts = 8

const defaultRedisKeyPrefix = "transcodarr:"

// redisJobStore keeps each job as a JSON document at <prefix>job:<id>, with
// a set of active job IDs and a sorted set of finished jobs scored by
// completion time.
type redisJobStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisJobStore connects to redis and returns a JobStore.
func NewRedisJobStore(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*redisJobStore, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      []string{addr},
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: 2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return newRedisJobStore(client, cfg.KeyPrefix, cfg.TTL, logger), nil
}

func newRedisJobStore(client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *redisJobStore {
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &redisJobStore{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (s *redisJobStore) jobKey(id models.ULID) string { return s.prefix + "job:" + id.String() }
func (s *redisJobStore) activeKey() string           { return s.prefix + "jobs:active" }
func (s *redisJobStore) finishedKey() string         { return s.prefix + "jobs:finished" }

// Create stores a new job. An existing job with the same ID is not replaced.
func (s *redisJobStore) Create(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.ID.IsZero() {
		job.ID = models.NewULID()
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.jobKey(job.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	if !created {
		return fmt.Errorf("creating job: %s already exists", job.ID)
	}
	if !job.IsFinished() {
		if err := s.client.SAdd(ctx, s.activeKey(), job.ID.String()).Err(); err != nil {
			return fmt.Errorf("indexing job: %w", err)
		}
	}
	return nil
}

// Update applies upd under WATCH so a concurrent writer forces a re-read.
func (s *redisJobStore) Update(ctx context.Context, id models.ULID, upd models.JobUpdate) error {
	if upd.IsZero() {
		return nil
	}
	key := s.jobKey(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return models.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("loading job: %w", err)
		}

		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("decoding job: %w", err)
		}
		if err := upd.Apply(&job); err != nil {
			return err
		}

		encoded, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("encoding job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, redis.KeepTTL)
			if job.IsFinished() {
				pipe.SRem(ctx, s.activeKey(), id.String())
				pipe.ZAdd(ctx, s.finishedKey(), redis.Z{
					Score:  float64(finishedAt(&job).UnixMilli()),
					Member: id.String(),
				})
				if s.ttl > 0 {
					pipe.Expire(ctx, key, s.ttl)
				}
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("updating job %s: too much contention", id)
}

// GetByID retrieves a job by ID.
func (s *redisJobStore) GetByID(ctx context.Context, id models.ULID) (*models.Job, error) {
	data, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting job by ID: %w", err)
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	return &job, nil
}

// ListActive returns jobs indexed as active, oldest first. Index entries
// whose document has expired are dropped.
func (s *redisJobStore) ListActive(ctx context.Context) ([]*models.Job, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing active jobs: %w", err)
	}

	jobs := make([]*models.Job, 0, len(ids))
	for _, raw := range ids {
		id, err := models.ParseULID(raw)
		if err != nil {
			s.logger.Warn("dropping malformed active job id", slog.String("id", raw))
			s.client.SRem(ctx, s.activeKey(), raw)
			continue
		}
		job, err := s.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil || job.IsFinished() {
			s.client.SRem(ctx, s.activeKey(), raw)
			continue
		}
		jobs = append(jobs, job)
	}

	slices.SortFunc(jobs, func(a, b *models.Job) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return jobs, nil
}

// DeleteFinishedBefore deletes terminal jobs completed before the given time.
func (s *redisJobStore) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.finishedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("listing finished jobs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(ids))
	members := make([]any, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.prefix+"job:"+id)
		members = append(members, id)
	}

	var deleted *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.finishedKey(), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("deleting finished jobs: %w", err)
	}
	return deleted.Val(), nil
}

// Ping checks the redis connection.
func (s *redisJobStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the redis client.
func (s *redisJobStore) Close() error {
	return s.client.Close()
}

func finishedAt(job *models.Job) time.Time {
	if job.CompletedAt != nil {
		return *job.CompletedAt
	}
	return job.UpdatedAt
}

var _ JobStore = (*redisJobStore)(nil)
