package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 5

// RedisTracker stores each snapshot as a Redis hash that expires after the retention period.
type RedisTracker struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// RedisTrackerConfig holds connection and retention settings.
type RedisTrackerConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Retention time.Duration
}

// NewRedisTracker connects to Redis and verifies the connection.
func NewRedisTracker(ctx context.Context, cfg RedisTrackerConfig) (*RedisTracker, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisTrackerWithClient(client, cfg.KeyPrefix, cfg.Retention), nil
}

// NewRedisTrackerWithClient wraps an existing client.
func NewRedisTrackerWithClient(client redis.UniversalClient, prefix string, retention time.Duration) *RedisTracker {
	if prefix == "" {
		prefix = "lookbook"
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisTracker{client: client, prefix: prefix, retention: retention, now: time.Now}
}

// Close releases the Redis connection.
func (t *RedisTracker) Close() error {
	return t.client.Close()
}

func (t *RedisTracker) jobKey(id string) string {
	return fmt.Sprintf("%s:job:%s", t.prefix, id)
}

// Create stores a new snapshot; an existing id is an error.
func (t *RedisTracker) Create(ctx context.Context, snap Snapshot) error {
	if snap.ID == "" {
		return errors.New("job id is required")
	}
	now := t.now().UTC()
	snap = snap.Clone()
	if snap.State == "" {
		snap.State = StatePending
	}
	snap.CreatedAt = now
	snap.UpdatedAt = now

	payload, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	key := t.jobKey(snap.ID)
	return t.withRetry(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("job %s already exists", snap.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, payload)
			pipe.Expire(ctx, key, t.retention)
			return nil
		})
		return err
	})
}

// Update validates the transition against the stored snapshot and commits it atomically.
func (t *RedisTracker) Update(ctx context.Context, snap Snapshot) error {
	key := t.jobKey(snap.ID)
	return t.withRetry(ctx, key, func(tx *redis.Tx) error {
		data, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, snap.ID)
		}
		prev, err := decodeSnapshot(snap.ID, data)
		if err != nil {
			return err
		}
		if err := checkTransition(prev, snap); err != nil {
			return err
		}

		payload, err := encodeSnapshot(merge(prev, snap, t.now().UTC()))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, payload)
			pipe.Expire(ctx, key, t.retention)
			return nil
		})
		return err
	})
}

// Get returns the stored snapshot or ErrNotFound once it has expired.
func (t *RedisTracker) Get(ctx context.Context, id string) (Snapshot, error) {
	data, err := t.client.HGetAll(ctx, t.jobKey(id)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read job %s: %w", id, err)
	}
	if len(data) == 0 {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decodeSnapshot(id, data)
}

func (t *RedisTracker) withRetry(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = t.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func encodeSnapshot(s Snapshot) (map[string]any, error) {
	results, err := json.Marshal(s.Results)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job results: %w", err)
	}
	return map[string]any{
		"id":        s.ID,
		"username":  s.Username,
		"state":     string(s.State),
		"current":   strconv.Itoa(s.Current),
		"total":     strconv.Itoa(s.Total),
		"results":   string(results),
		"error":     s.Error,
		"createdAt": s.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": s.UpdatedAt.Format(time.RFC3339Nano),
	}, nil
}

func decodeSnapshot(id string, data map[string]string) (Snapshot, error) {
	s := Snapshot{
		ID:       id,
		Username: data["username"],
		State:    State(data["state"]),
		Error:    data["error"],
	}
	var err error
	if s.Current, err = strconv.Atoi(data["current"]); err != nil {
		return Snapshot{}, fmt.Errorf("job %s: bad current: %w", id, err)
	}
	if s.Total, err = strconv.Atoi(data["total"]); err != nil {
		return Snapshot{}, fmt.Errorf("job %s: bad total: %w", id, err)
	}
	if v := data["results"]; v != "" {
		if err := json.Unmarshal([]byte(v), &s.Results); err != nil {
			return Snapshot{}, fmt.Errorf("job %s: bad results: %w", id, err)
		}
	}
	if s.CreatedAt, err = time.Parse(time.RFC3339Nano, data["createdAt"]); err != nil {
		return Snapshot{}, fmt.Errorf("job %s: bad createdAt: %w", id, err)
	}
	if s.UpdatedAt, err = time.Parse(time.RFC3339Nano, data["updatedAt"]); err != nil {
		return Snapshot{}, fmt.Errorf("job %s: bad updatedAt: %w", id, err)
	}
	return s.Clone(), nil
}
