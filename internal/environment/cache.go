package environment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultCacheTTL is how long a snapshot may serve repeated validations
// within one turn.
const DefaultCacheTTL = 5 * time.Second

// Store holds cached snapshots by key.
type Store interface {
	Get(ctx context.Context, key string) (*Snapshot, bool, error)
	Set(ctx context.Context, key string, s *Snapshot, ttl time.Duration) error
}

// Cached wraps a Source with a short-lived cache keyed by conversation and
// turn. Requests without a turn id are never cached, so a snapshot cannot
// leak into a later turn.
type Cached struct {
	Source Source
	Store  Store
	TTL    time.Duration
	Log    logrus.FieldLogger
}

func (c *Cached) Snapshot(ctx context.Context, turn Turn) (*Snapshot, error) {
	if turn.ConversationID == "" || turn.TurnID == "" {
		return c.Source.Snapshot(ctx, turn)
	}
	key := cacheKey(turn)
	if s, ok, err := c.Store.Get(ctx, key); err != nil {
		c.log().WithError(err).Warn("snapshot cache read failed")
	} else if ok {
		return s, nil
	}

	s, err := c.Source.Snapshot(ctx, turn)
	if err != nil {
		return nil, err
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if err := c.Store.Set(ctx, key, s, ttl); err != nil {
		c.log().WithError(err).Warn("snapshot cache write failed")
	}
	return s, nil
}

func (c *Cached) log() logrus.FieldLogger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}
	return c.Log
}

func cacheKey(t Turn) string {
	return fmt.Sprintf("autoforge:snapshot:%s:%s", t.ConversationID, t.TurnID)
}

// RedisStore keeps snapshots in Redis with native key expiry.
type RedisStore struct {
	Client *redis.Client
}

func (r RedisStore) Get(ctx context.Context, key string) (*Snapshot, bool, error) {
	data, err := r.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get snapshot: %w", err)
	}
	var raw Snapshot
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return NewSnapshot(raw.TakenAt, raw.Entities), true, nil
}

func (r RedisStore) Set(ctx context.Context, key string, s *Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := r.Client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}

// MemoryStore is an in-process Store for single-instance deployments.
type MemoryStore struct {
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	s       *Snapshot
	expires time.Time
}

func (m *MemoryStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.s, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, s *Snapshot, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]memoryEntry)
	}
	now := m.now()
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
	m.entries[key] = memoryEntry{s: s, expires: now.Add(ttl)}
	return nil
}
