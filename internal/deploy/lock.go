package deploy

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Locker hands out non-blocking per-key locks. Keys are compiled ids; locks
// on different keys never contend.
type Locker interface {
	// TryLock returns ok=false without waiting when the key is already held.
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// MemoryLocker serializes deploys within one process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

// AdvisoryLocker serializes deploys across processes sharing one Postgres
// database. Each held lock pins a pooled connection, since advisory locks
// belong to the session that took them.
type AdvisoryLocker struct {
	Pool *pgxpool.Pool
}

func (l *AdvisoryLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	conn, err := l.Pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock connection: %w", err)
	}
	id := lockKey(key)
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("lock %s: %w", key, err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			// A failed unlock closes the session, which drops the lock too.
			if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", id); err != nil {
				conn.Conn().Close(context.Background())
			}
			conn.Release()
		})
	}, true, nil
}

// lockKey is FNV-1a folded into the bigint advisory lock space.
func lockKey(s string) int64 {
	var h uint64 = 14695981039346656037
	for _, c := range []byte("deploy:" + s) {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return int64(h)
}
