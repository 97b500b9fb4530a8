// Package location relays live driver positions to clients and samples them
// into durable storage.
package location

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Stream receives persisted samples, e.g. a Kafka topic.
type Stream interface {
	PublishLocation(ctx context.Context, p models.Position) error
}

type Update struct {
	DriverID string
	ClientID string
	TripID   string
	Coord    models.Coord
}

type Payload struct {
	DriverID string       `json:"driverId"`
	TripID   string       `json:"tripId,omitempty"`
	Coords   models.Coord `json:"coords"`
}

type Relay struct {
	rooms    dispatch.Publisher
	drivers  storage.DriverStore
	index    geo.Geo
	stream   Stream
	samples  *ingest.Queue
	throttle Throttle
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

const (
	sampleBuffer  = 4096
	sampleTimeout = 2 * time.Second
)

type Option func(*Relay)

func WithGeo(g geo.Geo) Option { return func(r *Relay) { r.index = g } }

func WithStream(s Stream) Option { return func(r *Relay) { r.stream = s } }

func WithThrottle(t Throttle) Option { return func(r *Relay) { r.throttle = t } }

func WithClock(now func() time.Time) Option { return func(r *Relay) { r.now = now } }

func NewRelay(rooms dispatch.Publisher, drivers storage.DriverStore, interval time.Duration, logger *slog.Logger, opts ...Option) *Relay {
	r := &Relay{
		rooms:    rooms,
		drivers:  drivers,
		interval: interval,
		logger:   logging.Component(logger, "location"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(r)
	}
	if r.throttle == nil {
		r.throttle = NewMemoryThrottle(r.now)
	}
	if r.stream != nil {
		r.samples = ingest.NewQueue("locations", sampleBuffer, sampleTimeout, logger)
	}
	return r
}

// Close flushes samples still waiting for the stream.
func (r *Relay) Close() {
	if r.samples != nil {
		r.samples.Close()
	}
}

// Handle forwards the position to the associated client straight away and
// persists at most one sample per driver per interval. It reports whether the
// sample was persisted. Persistence failures are logged, never returned: the
// live relay already happened.
func (r *Relay) Handle(ctx context.Context, u Update) (bool, error) {
	if u.DriverID == "" {
		return false, fmt.Errorf("%w: driverId is required", models.ErrBadPayload)
	}
	if u.ClientID != "" {
		r.rooms.Publish(dispatch.ClientRoom(u.ClientID), dispatch.Event{Name: engine.EventDriverLocation, Data: Payload{
			DriverID: u.DriverID,
			TripID:   u.TripID,
			Coords:   u.Coord,
		}})
	}

	p := models.Position{DriverID: u.DriverID, Coord: u.Coord, RecordedAt: r.now()}
	if r.index != nil {
		if err := r.index.Upsert(ctx, p); err != nil {
			r.logger.Warn("geo upsert failed", "driver_id", u.DriverID, "error", err)
		}
	}

	due, err := r.throttle.Allow(ctx, u.DriverID, r.interval)
	if err != nil {
		r.logger.Warn("throttle check failed", "driver_id", u.DriverID, "error", err)
		due = false
	}
	if !due {
		observability.LocationUpdates.WithLabelValues("false").Inc()
		return false, nil
	}
	observability.LocationUpdates.WithLabelValues("true").Inc()
	if err := r.drivers.SaveDriverPosition(ctx, p); err != nil {
		r.logger.Error("save driver position failed", "driver_id", u.DriverID, "error", err)
	}
	if r.samples != nil {
		r.samples.Submit(u.DriverID, func(ctx context.Context) error {
			return r.stream.PublishLocation(ctx, p)
		})
	}
	return true, nil
}
