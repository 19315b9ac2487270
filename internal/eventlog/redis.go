// internal/eventlog/redis.go
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list that game events are appended to.
const DefaultQueueName = "verdict_events"

// Record is one game event as handed to the historian.
type Record struct {
	SessionID   uuid.UUID      `json:"session_id"`
	SessionCode string         `json:"session_code"`
	Type        string         `json:"type"`
	PlayerID    uuid.UUID      `json:"player_id,omitempty"`
	RoundID     uuid.UUID      `json:"round_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   int64          `json:"timestamp"` // epoch millis
}

// Log accepts fire-and-forget appends.
type Log interface {
	Append(ctx context.Context, rec Record) error
}

// Connect dials Redis and verifies the connection with a ping.
func Connect(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// Queue is a Redis list used as the event log transport.
type Queue struct {
	rdb  *redis.Client
	name string
}

func NewQueue(rdb *redis.Client, name string) *Queue {
	if name == "" {
		name = DefaultQueueName
	}
	return &Queue{rdb: rdb, name: name}
}

// Append serializes the record and pushes it to the tail of the queue.
func (q *Queue) Append(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal event record: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.name, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", q.name, err)
	}
	return nil
}

// Pop blocks up to timeout for the next record. It returns nil, nil when
// the timeout elapses with nothing queued.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*Record, error) {
	res, err := q.rdb.BLPop(ctx, timeout, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// res[0] is the queue name and res[1] the payload.
	if len(res) < 2 {
		return nil, nil
	}

	var rec Record
	if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
		return nil, fmt.Errorf("invalid event record: %w", err)
	}
	return &rec, nil
}

// Len reports the number of queued records.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.name).Result()
}

// Discard drops every append. It is used when no Redis is configured.
type Discard struct{}

func (Discard) Append(context.Context, Record) error { return nil }
