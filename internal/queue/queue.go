// Package queue carries deployments that outlived their caller's deadline to
// the reconciler over a Redis stream.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// StreamReconcile holds deployments left pending (deploy service pushes, reconciler pops).
	StreamReconcile = "deploy_reconcile"
	// GroupReconcilers is the consumer group for reconcile workers.
	GroupReconcilers = "reconcilers"
)

// ErrEmpty is returned by Read when nothing arrived within the block window.
var ErrEmpty = errors.New("queue: no messages")

// ReconcileMessage is the payload pushed to the deploy_reconcile stream.
type ReconcileMessage struct {
	DeploymentID string    `json:"deployment_id"`
	CompiledID   string    `json:"compiled_id"`
	Reason       string    `json:"reason,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Queue manages the reconcile stream.
type Queue struct {
	client *redis.Client
}

// New creates a Queue from a Redis client.
func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// ConnectRedis creates a Redis client from a URL.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// EnsureStreams creates the consumer group if it doesn't exist.
func (q *Queue) EnsureStreams(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, StreamReconcile, GroupReconcilers, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("create group %s on %s: %w", GroupReconcilers, StreamReconcile, err)
	}
	return nil
}

// Push adds a deployment to the reconcile stream.
func (q *Queue) Push(ctx context.Context, msg ReconcileMessage) (string, error) {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamReconcile,
		Values: map[string]any{
			"deployment_id": msg.DeploymentID,
			"compiled_id":   msg.CompiledID,
			"reason":        msg.Reason,
			"enqueued_at":   msg.EnqueuedAt.Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("push reconcile %s: %w", msg.DeploymentID, err)
	}
	return id, nil
}

// Read waits up to block for one message. A zero block waits forever.
func (q *Queue) Read(ctx context.Context, consumer string, block time.Duration) (*ReconcileMessage, string, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    GroupReconcilers,
		Consumer: consumer,
		Streams:  []string{StreamReconcile, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", ErrEmpty
	}
	if err != nil {
		return nil, "", fmt.Errorf("read reconcile: %w", err)
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			return decode(msg), msg.ID, nil
		}
	}
	return nil, "", ErrEmpty
}

// Claim takes over messages another consumer read but never acknowledged
// within minIdle, so a crashed reconciler doesn't strand its work.
func (q *Queue) Claim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]*ReconcileMessage, []string, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   StreamReconcile,
		Group:    GroupReconcilers,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("claim reconcile: %w", err)
	}
	out := make([]*ReconcileMessage, 0, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, decode(m))
		ids = append(ids, m.ID)
	}
	return out, ids, nil
}

// Ack acknowledges a reconcile message.
func (q *Queue) Ack(ctx context.Context, msgID string) error {
	return q.client.XAck(ctx, StreamReconcile, GroupReconcilers, msgID).Err()
}

// Status returns the stream length and the number of read-but-unacked messages.
func (q *Queue) Status(ctx context.Context) (length, pending int64, err error) {
	length, err = q.client.XLen(ctx, StreamReconcile).Result()
	if err != nil {
		return 0, 0, err
	}
	p, err := q.client.XPending(ctx, StreamReconcile, GroupReconcilers).Result()
	if err != nil {
		return 0, 0, err
	}
	return length, p.Count, nil
}

func decode(msg redis.XMessage) *ReconcileMessage {
	m := &ReconcileMessage{
		DeploymentID: getString(msg.Values, "deployment_id"),
		CompiledID:   getString(msg.Values, "compiled_id"),
		Reason:       getString(msg.Values, "reason"),
	}
	if ts, err := time.Parse(time.RFC3339Nano, getString(msg.Values, "enqueued_at")); err == nil {
		m.EnqueuedAt = ts
	}
	return m
}

func getString(values map[string]any, key string) string {
	if v, ok := values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// String renders the message as JSON for logs.
func (m ReconcileMessage) String() string {
	b, _ := json.Marshal(m)
	return string(b)
}
