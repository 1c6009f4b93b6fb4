package docquery

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultProgressTTL is how long a patient's progress hash lives after its
// last update.
const DefaultProgressTTL = time.Hour

// RedisStore keeps each patient's progress in a hash so several API replicas
// see the same state.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. A ttl <= 0 uses DefaultProgressTTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultProgressTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// DialRedis parses a redis:// URL and pings the server.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Get(ctx context.Context, patientID string) (Progress, bool, error) {
	m, err := s.client.HGetAll(ctx, progressKey(patientID)).Result()
	if err != nil {
		return Progress{}, false, fmt.Errorf("get progress %s: %w", patientID, err)
	}
	if len(m) == 0 {
		return Progress{}, false, nil
	}

	toInt := func(v string) int {
		n, _ := strconv.Atoi(v)
		return n
	}
	toTime := func(v string) time.Time {
		t, _ := time.Parse(time.RFC3339Nano, v)
		return t
	}

	return Progress{
		PatientID:  patientID,
		FacilityID: m["facility_id"],
		RequestID:  m["request_id"],
		Status:     ParseStatus(m["status"]),
		Total:      toInt(m["total"]),
		Completed:  toInt(m["completed"]),
		Errored:    toInt(m["errored"]),
		StartedAt:  toTime(m["started_at"]),
		UpdatedAt:  toTime(m["updated_at"]),
	}, true, nil
}

func (s *RedisStore) Put(ctx context.Context, p Progress) error {
	k := progressKey(p.PatientID)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, k,
		"facility_id", p.FacilityID,
		"request_id", p.RequestID,
		"status", string(p.Status),
		"total", strconv.Itoa(p.Total),
		"completed", strconv.Itoa(p.Completed),
		"errored", strconv.Itoa(p.Errored),
		"started_at", p.StartedAt.UTC().Format(time.RFC3339Nano),
		"updated_at", p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, k, s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put progress %s: %w", p.PatientID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, patientID string) error {
	if err := s.client.Del(ctx, progressKey(patientID)).Err(); err != nil {
		return fmt.Errorf("delete progress %s: %w", patientID, err)
	}
	return nil
}

func progressKey(patientID string) string { return fmt.Sprintf("docquery:progress:%s", patientID) }
