package location

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Throttle decides whether a driver's position is due for persistence.
type Throttle interface {
	Allow(ctx context.Context, driverID string, every time.Duration) (bool, error)
}

// MemoryThrottle tracks the last persisted sample per driver in process.
type MemoryThrottle struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewMemoryThrottle(now func() time.Time) *MemoryThrottle {
	if now == nil {
		now = time.Now
	}
	return &MemoryThrottle{last: make(map[string]time.Time), now: now}
}

func (m *MemoryThrottle) Allow(_ context.Context, driverID string, every time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if prev, ok := m.last[driverID]; ok && now.Sub(prev) < every {
		return false, nil
	}
	m.last[driverID] = now
	return true, nil
}

// RedisThrottle shares the window across server processes with SET NX PX.
type RedisThrottle struct {
	client *redis.Client
	prefix string
}

func NewRedisThrottle(client *redis.Client, prefix string) *RedisThrottle {
	return &RedisThrottle{client: client, prefix: prefix}
}

func (r *RedisThrottle) Allow(ctx context.Context, driverID string, every time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+driverID, 1, every).Result()
}
