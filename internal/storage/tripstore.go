package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// TripStore is the persistence boundary of the dispatch engine. Every status
// change is a single conditional write: the store applies it only if the trip
// is still in one of the legal source statuses, so several dispatch processes
// can share one store without application-level locks.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (models.Trip, error)
	GetTripDetails(ctx context.Context, id string) (models.TripDetails, error)
	ListPending(ctx context.Context) ([]models.TripDetails, error)
	ActiveForDriver(ctx context.Context, driverID string) (models.TripDetails, error)
	ActiveForClient(ctx context.Context, clientID string) (models.TripDetails, error)

	// AcceptTrip assigns driverID only while the trip is requested and unassigned.
	// The boolean is false when another writer got there first.
	AcceptTrip(ctx context.Context, id, driverID string, at time.Time) (models.Trip, bool, error)
	Transition(ctx context.Context, id string, upd Transition) (models.Trip, bool, error)
	UpdateFare(ctx context.Context, id string, fare float64) (bool, error)
	ListStale(ctx context.Context, createdBefore time.Time) ([]models.Trip, error)

	History(ctx context.Context, f models.HistoryFilter) ([]models.TripDetails, int, error)
	Stats(ctx context.Context, participantID string, role models.ParticipantRole, year, month int) (models.TripStats, error)

	InvoiceForTrip(ctx context.Context, tripID string) (models.Invoice, error)
	// CreateInvoice stores inv unless the trip already has one, in which case the
	// existing invoice is returned with created == false.
	CreateInvoice(ctx context.Context, inv models.Invoice) (stored models.Invoice, created bool, err error)
	SetInvoicePaymentRef(ctx context.Context, invoiceID, ref string) error
}

// DriverStore holds the driver availability flag and sampled positions.
type DriverStore interface {
	SetDriverOnline(ctx context.Context, driverID string, online bool) error
	DriverOnline(ctx context.Context, driverID string) (bool, error)
	SaveDriverPosition(ctx context.Context, p models.Position) error
}

// Store is everything the server wires in.
type Store interface {
	TripStore
	DriverStore
	Close() error
}

// Transition describes a guarded status change. The timestamp column matching
// To is set to At; FinalFare and CancelledBy are only written when To needs them.
// From narrows the legal source statuses further when set.
type Transition struct {
	To          models.TripStatus
	From        []models.TripStatus
	At          time.Time
	FinalFare   *float64
	CancelledBy models.ParticipantRole
}

var ErrNoTransition = errors.New("no legal source status")

func (u Transition) sources() ([]models.TripStatus, error) {
	src := models.SourcesFor(u.To)
	// acceptance carries a driver and goes through AcceptTrip
	if len(src) == 0 || u.To == models.StatusAccepted {
		return nil, ErrNoTransition
	}
	if len(u.From) == 0 {
		return src, nil
	}
	var narrowed []models.TripStatus
	for _, f := range u.From {
		if models.CanTransition(f, u.To) {
			narrowed = append(narrowed, f)
		}
	}
	if len(narrowed) == 0 {
		return nil, ErrNoTransition
	}
	return narrowed, nil
}

// MaxHistoryLimit caps one page of trip history.
const MaxHistoryLimit = 100

const defaultHistoryLimit = 20

func normalizeFilter(f models.HistoryFilter) models.HistoryFilter {
	if f.Limit <= 0 {
		f.Limit = defaultHistoryLimit
	}
	if f.Limit > MaxHistoryLimit {
		f.Limit = MaxHistoryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

func (u Transition) allows(from models.TripStatus) bool {
	src, err := u.sources()
	if err != nil {
		return false
	}
	for _, s := range src {
		if s == from {
			return true
		}
	}
	return false
}

func monthBounds(year, month int) (time.Time, time.Time) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
