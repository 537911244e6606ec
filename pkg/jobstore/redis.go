package jobstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps job records in Redis. State, cancel flag and heartbeat
// live under separate keys so each has exactly one writer.
type RedisStore struct {
	redis     *redis.Client
	namespace string
	ttl       time.Duration
}

// NewRedisStore creates a store backed by redisClient.
func NewRedisStore(redisClient *redis.Client, namespace string, ttl time.Duration) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &RedisStore{
		redis:     redisClient,
		namespace: namespace,
		ttl:       ttl,
	}
}

func (s *RedisStore) key(jobID, field string) string {
	return Key{Namespace: s.namespace, JobID: jobID, Field: field}.String()
}

// Create stores a new record together with an initial heartbeat.
func (s *RedisStore) Create(ctx context.Context, state *JobState) error {
	ok, err := s.redis.SetNX(ctx, s.key(state.JobID, FieldState), state, s.ttl).Result()
	if err != nil {
		storeErrorsTotal.WithLabelValues("create").Inc()
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobExists, state.JobID)
	}

	pipe := s.redis.Pipeline()
	pipe.Set(ctx, s.key(state.JobID, FieldHeartbeat), time.Now().UnixMilli(), s.ttl)
	pipe.SAdd(ctx, IndexKey(s.namespace), state.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		storeErrorsTotal.WithLabelValues("create").Inc()
		return fmt.Errorf("redis pipeline exec: %w", err)
	}
	return nil
}

// Get returns the stored record.
func (s *RedisStore) Get(ctx context.Context, jobID string) (*JobState, error) {
	data, err := s.redis.Get(ctx, s.key(jobID, FieldState)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		storeErrorsTotal.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var state JobState
	if err := state.UnmarshalBinary(data); err != nil {
		storeErrorsTotal.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return &state, nil
}

// Save overwrites the record and refreshes the TTL of all job keys.
func (s *RedisStore) Save(ctx context.Context, state *JobState) error {
	state.UpdatedAt = time.Now()

	pipe := s.redis.Pipeline()
	pipe.Set(ctx, s.key(state.JobID, FieldState), state, s.ttl)
	pipe.Expire(ctx, s.key(state.JobID, FieldHeartbeat), s.ttl)
	pipe.Expire(ctx, s.key(state.JobID, FieldCancel), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		storeErrorsTotal.WithLabelValues("save").Inc()
		return fmt.Errorf("redis pipeline exec: %w", err)
	}
	return nil
}

// List returns every live record and prunes expired ids from the index.
func (s *RedisStore) List(ctx context.Context) ([]*JobState, error) {
	ids, err := s.redis.SMembers(ctx, IndexKey(s.namespace)).Result()
	if err != nil {
		storeErrorsTotal.WithLabelValues("list").Inc()
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id, FieldState)
	}
	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		storeErrorsTotal.WithLabelValues("list").Inc()
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	var (
		out   []*JobState
		stale []any
	)
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var state JobState
		if err := state.UnmarshalBinary([]byte(str)); err != nil {
			continue
		}
		out = append(out, &state)
	}
	if len(stale) > 0 {
		s.redis.SRem(ctx, IndexKey(s.namespace), stale...)
	}
	return out, nil
}

// RequestCancel sets the cancel flag of an existing job.
func (s *RedisStore) RequestCancel(ctx context.Context, jobID string) error {
	n, err := s.redis.Exists(ctx, s.key(jobID, FieldState)).Result()
	if err != nil {
		storeErrorsTotal.WithLabelValues("cancel").Inc()
		return fmt.Errorf("redis exists: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err := s.redis.Set(ctx, s.key(jobID, FieldCancel), "1", s.ttl).Err(); err != nil {
		storeErrorsTotal.WithLabelValues("cancel").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// CancelRequested reports whether the cancel flag is set.
func (s *RedisStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.key(jobID, FieldCancel)).Result()
	if err != nil {
		storeErrorsTotal.WithLabelValues("cancel_requested").Inc()
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Heartbeat stores the current time for the job.
func (s *RedisStore) Heartbeat(ctx context.Context, jobID string) error {
	n, err := s.redis.Exists(ctx, s.key(jobID, FieldState)).Result()
	if err != nil {
		storeErrorsTotal.WithLabelValues("heartbeat").Inc()
		return fmt.Errorf("redis exists: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err := s.redis.Set(ctx, s.key(jobID, FieldHeartbeat), time.Now().UnixMilli(), s.ttl).Err(); err != nil {
		storeErrorsTotal.WithLabelValues("heartbeat").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// LastHeartbeat returns the last heartbeat time, or zero if none.
func (s *RedisStore) LastHeartbeat(ctx context.Context, jobID string) (time.Time, error) {
	v, err := s.redis.Get(ctx, s.key(jobID, FieldHeartbeat)).Result()
	if err != nil {
		if err == redis.Nil {
			return time.Time{}, nil
		}
		storeErrorsTotal.WithLabelValues("last_heartbeat").Inc()
		return time.Time{}, fmt.Errorf("redis get: %w", err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: heartbeat %q", ErrInvalidState, v)
	}
	return time.UnixMilli(ms), nil
}

// Delete removes all keys of the job.
func (s *RedisStore) Delete(ctx context.Context, jobID string) error {
	pipe := s.redis.Pipeline()
	pipe.Del(ctx, s.key(jobID, FieldState), s.key(jobID, FieldCancel), s.key(jobID, FieldHeartbeat))
	pipe.SRem(ctx, IndexKey(s.namespace), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		storeErrorsTotal.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis pipeline exec: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.redis.Close()
}
