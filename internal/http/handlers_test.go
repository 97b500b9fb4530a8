package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func newTestServer(t *testing.T, secret string) (*Server, *storage.MemoryStore, *geo.Index) {
	t.Helper()
	store := storage.NewMemoryStore()
	store.PutProfile("c1", "Ada")
	idx := geo.NewIndex()
	ranker := &matcher.Service{Geo: idx, Drivers: store, DefaultSpeedMps: 10, TopN: 5}
	s := NewServer(store, ranker, nil, auth.NewVerifier(secret), slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Date(2026, 5, 15, 0, 0, 0, 0, time.UTC) }
	return s, store, idx
}

func do(s *Server, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func seedTrip(t *testing.T, store *storage.MemoryStore, id string, created time.Time) {
	t.Helper()
	require.NoError(t, store.CreateTrip(context.Background(), &models.Trip{
		ID: id, ClientID: "c1", Status: models.StatusRequested, Category: models.CategoryRide, EstimatedFare: 900, CreatedAt: created,
	}))
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	rec := do(s, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestGetTrip(t *testing.T) {
	s, store, _ := newTestServer(t, "")
	seedTrip(t, store, "t1", time.Now())

	rec := do(s, "GET", "/api/v1/trips/t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var v models.TripView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, "t1", v.ID)
	assert.Equal(t, "Ada", v.ClientName)
	assert.Equal(t, 900.0, v.Price)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	missing := do(s, "GET", "/api/v1/trips/nope", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
	assert.JSONEq(t, `{"success":false,"error":"Trip not found"}`, missing.Body.String())
}

func TestPendingRouteIsNotShadowedByID(t *testing.T) {
	s, store, _ := newTestServer(t, "")
	seedTrip(t, store, "old", time.Now().Add(-time.Minute))
	seedTrip(t, store, "new", time.Now())

	rec := do(s, "GET", "/api/v1/trips/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var views []models.TripView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "new", views[0].ID)
}

func TestHistoryPagination(t *testing.T) {
	s, store, _ := newTestServer(t, "")
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		seedTrip(t, store, id, base.Add(time.Duration(i)*time.Hour))
	}

	rec := do(s, "GET", "/api/v1/participants/client/c1/trips?limit=2&page=2&month=5&year=2026", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Total)
	assert.Equal(t, 2, body.Page)
	require.Len(t, body.Trips, 1)
	assert.Equal(t, "a", body.Trips[0].ID)

	bad := do(s, "GET", "/api/v1/participants/client/c1/trips?status=flying", nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	role := do(s, "GET", "/api/v1/participants/admin/c1/trips", nil)
	assert.Equal(t, http.StatusBadRequest, role.Code)
}

func TestHistoryLimitIsCappedNotReset(t *testing.T) {
	s, store, _ := newTestServer(t, "")
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 120; i++ {
		seedTrip(t, store, fmt.Sprintf("trip-%03d", i), base.Add(time.Duration(i)*time.Minute))
	}

	rec := do(s, "GET", "/api/v1/participants/client/c1/trips?limit=500&month=5&year=2026", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 120, body.Total)
	assert.Equal(t, 100, body.Limit)
	assert.Len(t, body.Trips, 100)

	rec = do(s, "GET", "/api/v1/participants/client/c1/trips?limit=500&page=2&month=5&year=2026", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Trips, 20)
}

func TestActiveTripNotFound(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	rec := do(s, "GET", "/api/v1/participants/driver/d1/active", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsDefaultsToCurrentMonth(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	rec := do(s, "GET", "/api/v1/participants/driver/d1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st models.TripStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 2026, st.Year)
	assert.Equal(t, 5, st.Month)

	bad := do(s, "GET", "/api/v1/participants/driver/d1/stats?month=13", nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestNearbyDrivers(t *testing.T) {
	s, store, idx := newTestServer(t, "")
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, models.Position{DriverID: "d1", Coord: models.Coord{Lat: 6.45, Lng: 3.39}}))
	require.NoError(t, idx.Upsert(ctx, models.Position{DriverID: "d2", Coord: models.Coord{Lat: 6.46, Lng: 3.39}}))
	require.NoError(t, idx.Upsert(ctx, models.Position{DriverID: "d3", Coord: models.Coord{Lat: 6.47, Lng: 3.39}}))
	require.NoError(t, store.SetDriverOnline(ctx, "d1", false))
	require.NoError(t, store.SetDriverOnline(ctx, "d2", true))
	require.NoError(t, store.SetDriverOnline(ctx, "d3", true))

	rec := do(s, "GET", "/api/v1/drivers/nearby?lat=6.45&lng=3.39&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var near []matcher.Candidate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &near))
	require.Len(t, near, 1)
	assert.Equal(t, "d2", near[0].DriverID)
	assert.Greater(t, near[0].ETASeconds, 0.0)

	bad := do(s, "GET", "/api/v1/drivers/nearby?lat=x&lng=3", nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestBearerAuth(t *testing.T) {
	s, store, _ := newTestServer(t, "s3cret")
	seedTrip(t, store, "t1", time.Now())

	assert.Equal(t, http.StatusUnauthorized, do(s, "GET", "/api/v1/trips/t1", nil).Code)

	tok, err := s.verifier.Issue(auth.Identity{UserID: "c1", Role: models.RoleClient}, time.Hour)
	require.NoError(t, err)
	h := http.Header{"Authorization": []string{"Bearer " + tok}}

	assert.Equal(t, http.StatusOK, do(s, "GET", "/api/v1/trips/t1", h).Code)
	assert.Equal(t, http.StatusOK, do(s, "GET", "/api/v1/participants/client/c1/trips", h).Code)
	assert.Equal(t, http.StatusForbidden, do(s, "GET", "/api/v1/participants/client/c2/trips", h).Code)

	// health and metrics stay public
	assert.Equal(t, http.StatusOK, do(s, "GET", "/healthz", nil).Code)
}

func TestRequestIDEchoedOrReplaced(t *testing.T) {
	s, _, _ := newTestServer(t, "")

	rec := do(s, "GET", "/healthz", http.Header{"X-Request-Id": []string{"req-42"}})
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	rec = do(s, "GET", "/healthz", http.Header{"X-Request-Id": []string{"bad id\n"}})
	got := rec.Header().Get("X-Request-ID")
	assert.NotEmpty(t, got)
	assert.NotEqual(t, "bad id\n", got)
}
