package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

var base = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *MemoryStore, id, client string, created time.Time) {
	t.Helper()
	require.NoError(t, s.CreateTrip(context.Background(), &models.Trip{
		ID:            id,
		ClientID:      client,
		Category:      models.CategoryRide,
		EstimatedFare: 1000,
		Status:        models.StatusRequested,
		CreatedAt:     created,
	}))
}

func TestAcceptTripSingleWinner(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "t1", "c1", base)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			driver := fmt.Sprintf("d%d", i)
			_, ok, err := s.AcceptTrip(context.Background(), "t1", driver, base)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins = append(wins, driver)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, wins, 1)
	got, err := s.GetTrip(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, wins[0], got.DriverID)
	assert.Equal(t, models.StatusAccepted, got.Status)
}

func TestAcceptTripUnknown(t *testing.T) {
	s := NewMemoryStore()
	_, _, err := s.AcceptTrip(context.Background(), "nope", "d1", base)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestTransitionGuards(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed(t, s, "t1", "c1", base)

	_, ok, err := s.Transition(ctx, "t1", Transition{To: models.StatusCompleted, At: base})
	require.NoError(t, err)
	assert.False(t, ok, "requested trip cannot complete")

	_, _, err = s.Transition(ctx, "t1", Transition{To: models.StatusAccepted, At: base})
	assert.ErrorIs(t, err, ErrNoTransition)

	_, _, err = s.Transition(ctx, "t1", Transition{To: models.StatusCancelled, From: []models.TripStatus{models.StatusOngoing}})
	assert.ErrorIs(t, err, ErrNoTransition)

	_, ok, err = s.AcceptTrip(ctx, "t1", "d1", base.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	tr, ok, err := s.Transition(ctx, "t1", Transition{To: models.StatusCancelled, From: []models.TripStatus{models.StatusRequested}, At: base})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, models.StatusAccepted, tr.Status)

	tr, ok, err = s.Transition(ctx, "t1", Transition{To: models.StatusOngoing, At: base.Add(2 * time.Minute)})
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, tr.StartedAt)

	fare := 1450.0
	tr, ok, err = s.Transition(ctx, "t1", Transition{To: models.StatusCompleted, At: base.Add(20 * time.Minute), FinalFare: &fare})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1450.0, tr.ChargeableFare())

	fare = 1
	again, err := s.GetTrip(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1450.0, *again.FinalFare, "stored fare must not alias the caller's pointer")
}

func TestUpdateFareOnlyWhileOngoing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed(t, s, "t1", "c1", base)

	ok, err := s.UpdateFare(ctx, "t1", 300)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, _ = s.AcceptTrip(ctx, "t1", "d1", base)
	_, _, _ = s.Transition(ctx, "t1", Transition{To: models.StatusOngoing, At: base})
	ok, err = s.UpdateFare(ctx, "t1", 300)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListStaleOnlyRequested(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed(t, s, "old", "c1", base.Add(-10*time.Minute))
	seed(t, s, "fresh", "c1", base.Add(-time.Minute))
	seed(t, s, "taken", "c2", base.Add(-20*time.Minute))
	_, _, _ = s.AcceptTrip(ctx, "taken", "d1", base)

	stale, err := s.ListStale(ctx, base.Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)
}

func TestHistoryPagingAndFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		seed(t, s, fmt.Sprintf("t%d", i), "c1", base.Add(time.Duration(i)*time.Hour))
	}
	seed(t, s, "other", "c2", base)
	seed(t, s, "lastmonth", "c1", base.AddDate(0, -1, 0))

	page, total, err := s.History(ctx, models.HistoryFilter{ParticipantID: "c1", Role: models.RoleClient, Year: 2026, Month: 5, Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "t2", page[0].ID)
	assert.Equal(t, "t1", page[1].ID)

	_, total, err = s.History(ctx, models.HistoryFilter{ParticipantID: "c1", Role: models.RoleClient})
	require.NoError(t, err)
	assert.Equal(t, 6, total)

	page, _, err = s.History(ctx, models.HistoryFilter{ParticipantID: "c1", Role: models.RoleClient, Offset: 50})
	require.NoError(t, err)
	assert.Empty(t, page)

	page, _, err = s.History(ctx, models.HistoryFilter{ParticipantID: "c1", Role: models.RoleClient, Status: models.StatusCompleted})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestStatsForDriver(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	complete := func(id string, at time.Time, fare float64) {
		seed(t, s, id, "c1", at.Add(-time.Hour))
		_, _, _ = s.AcceptTrip(ctx, id, "d1", at)
		_, _, _ = s.Transition(ctx, id, Transition{To: models.StatusOngoing, At: at})
		_, ok, err := s.Transition(ctx, id, Transition{To: models.StatusCompleted, At: at, FinalFare: &fare})
		require.NoError(t, err)
		require.True(t, ok)
	}
	complete("a", time.Date(2026, 5, 3, 9, 0, 0, 0, time.UTC), 100)
	complete("b", time.Date(2026, 5, 3, 18, 0, 0, 0, time.UTC), 50)
	complete("c", time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC), 25)
	complete("june", time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), 999)
	seed(t, s, "open", "c1", base)
	_, _, _ = s.AcceptTrip(ctx, "open", "d1", base)

	st, err := s.Stats(ctx, "d1", models.RoleDriver, 2026, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Trips)
	assert.InDelta(t, 175, st.Revenue, 1e-9)
	assert.Equal(t, []models.DailyStat{{Day: 3, Trips: 2, Revenue: 150}, {Day: 20, Trips: 1, Revenue: 25}}, st.Daily)

	none, err := s.Stats(ctx, "d2", models.RoleDriver, 2026, 5)
	require.NoError(t, err)
	assert.Zero(t, none.Trips)
	assert.Empty(t, none.Daily)
}

func TestCreateInvoiceOncePerTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, created, err := s.CreateInvoice(ctx, models.Invoice{ID: "inv-1", TripID: "t1", Amount: 10})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := s.CreateInvoice(ctx, models.Invoice{ID: "inv-2", TripID: "t1", Amount: 99})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)

	require.NoError(t, s.SetInvoicePaymentRef(ctx, "inv-1", "pi_123"))
	got, err := s.InvoiceForTrip(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "pi_123", got.PaymentRef)

	assert.ErrorIs(t, s.SetInvoicePaymentRef(ctx, "inv-404", "x"), models.ErrNotFound)
}

func TestActiveLookups(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutProfile("d1", "Dee")
	seed(t, s, "t1", "c1", base)

	_, err := s.ActiveForClient(ctx, "c1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, _, _ = s.AcceptTrip(ctx, "t1", "d1", base)
	d, err := s.ActiveForDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "t1", d.ID)
	assert.Equal(t, "Dee", d.DriverName)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
