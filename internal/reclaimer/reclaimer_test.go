package reclaimer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type capture struct {
	mu     sync.Mutex
	frames map[string][]dispatch.Event
}

func (c *capture) Publish(room string, ev dispatch.Event) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames[room] = append(c.frames[room], ev)
	return 1
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSweepCancelsStaleTripsOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	rooms := &capture{frames: make(map[string][]dispatch.Event)}
	eng := engine.New(store, store, rooms, discard(), engine.WithClock(func() time.Time { return now }))

	for id, age := range map[string]time.Duration{"stale": 6 * time.Minute, "fresh": time.Minute} {
		require.NoError(t, store.CreateTrip(ctx, &models.Trip{
			ID: id, ClientID: "c-" + id, Status: models.StatusRequested, Category: models.CategoryRide, CreatedAt: now.Add(-age),
		}))
	}

	r := New(store, eng, time.Minute, 5*time.Minute, discard())
	r.now = func() time.Time { return now }

	assert.Equal(t, 1, r.Sweep(ctx))
	assert.Equal(t, 0, r.Sweep(ctx))

	stale, err := store.GetTrip(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stale.Status)
	assert.Equal(t, models.RoleSystem, stale.CancelledBy)

	fresh, err := store.GetTrip(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRequested, fresh.Status)

	frames := rooms.frames[dispatch.ClientRoom("c-stale")]
	require.Len(t, frames, 1)
	assert.Equal(t, engine.EventTripTimeout, frames[0].Name)
	assert.NotEmpty(t, frames[0].Data.(engine.TimeoutPayload).Message)
	assert.Empty(t, rooms.frames[dispatch.ClientRoom("c-fresh")])
}

type listFunc func(context.Context, time.Time) ([]models.Trip, error)

func (f listFunc) ListStale(ctx context.Context, before time.Time) ([]models.Trip, error) {
	return f(ctx, before)
}

type expireFunc func(context.Context, string) (bool, error)

func (f expireFunc) Expire(ctx context.Context, id string) (bool, error) { return f(ctx, id) }

func TestSweepContinuesPastFailures(t *testing.T) {
	src := listFunc(func(context.Context, time.Time) ([]models.Trip, error) {
		return []models.Trip{{ID: "a"}, {ID: "b"}, {ID: "c"}}, nil
	})
	var seen []string
	exp := expireFunc(func(_ context.Context, id string) (bool, error) {
		seen = append(seen, id)
		if id == "b" {
			return false, errors.New("db down")
		}
		return true, nil
	})
	r := New(src, exp, time.Minute, time.Minute, discard())
	assert.Equal(t, 2, r.Sweep(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestSweepUsesMaxAgeCutoff(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	var cutoff time.Time
	src := listFunc(func(_ context.Context, before time.Time) ([]models.Trip, error) {
		cutoff = before
		return nil, nil
	})
	r := New(src, expireFunc(func(context.Context, string) (bool, error) { return false, nil }), time.Minute, 5*time.Minute, discard())
	r.now = func() time.Time { return now }
	r.Sweep(context.Background())
	assert.Equal(t, now.Add(-5*time.Minute), cutoff)
}

func TestRunStopsOnCancel(t *testing.T) {
	src := listFunc(func(context.Context, time.Time) ([]models.Trip, error) { return nil, nil })
	r := New(src, expireFunc(func(context.Context, string) (bool, error) { return false, nil }), 5*time.Millisecond, time.Minute, discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
