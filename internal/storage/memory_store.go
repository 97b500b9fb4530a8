package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps everything in process. Each method holds the lock for its
// whole read-check-write so conditional updates are atomic, mirroring a single
// UPDATE ... WHERE in Postgres.
type MemoryStore struct {
	mu        sync.RWMutex
	trips     map[string]*models.Trip
	names     map[string]string
	tiers     map[string]models.Tier
	invoices  map[string]models.Invoice
	online    map[string]bool
	positions map[string]models.Position
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:     make(map[string]*models.Trip),
		names:     make(map[string]string),
		tiers:     make(map[string]models.Tier),
		invoices:  make(map[string]models.Invoice),
		online:    make(map[string]bool),
		positions: make(map[string]models.Position),
	}
}

// PutProfile registers a participant display name.
func (m *MemoryStore) PutProfile(id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[id] = name
}

func (m *MemoryStore) PutTier(t models.Tier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers[t.ID] = t
}

func (m *MemoryStore) CreateTrip(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cloneTrip(*t)
	m.trips[t.ID] = &c
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, models.ErrNotFound
	}
	return cloneTrip(*t), nil
}

func (m *MemoryStore) GetTripDetails(_ context.Context, id string) (models.TripDetails, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return models.TripDetails{}, models.ErrNotFound
	}
	return m.details(t), nil
}

func (m *MemoryStore) ListPending(_ context.Context) ([]models.TripDetails, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(func(t *models.Trip) bool { return t.Status == models.StatusRequested }), nil
}

func (m *MemoryStore) ActiveForDriver(_ context.Context, driverID string) (models.TripDetails, error) {
	return m.firstActive(func(t *models.Trip) bool { return t.DriverID == driverID })
}

func (m *MemoryStore) ActiveForClient(_ context.Context, clientID string) (models.TripDetails, error) {
	return m.firstActive(func(t *models.Trip) bool { return t.ClientID == clientID })
}

func (m *MemoryStore) firstActive(match func(*models.Trip) bool) (models.TripDetails, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.collect(func(t *models.Trip) bool { return t.Status.Active() && match(t) })
	if len(out) == 0 {
		return models.TripDetails{}, models.ErrNotFound
	}
	return out[0], nil
}

func (m *MemoryStore) AcceptTrip(_ context.Context, id, driverID string, at time.Time) (models.Trip, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, false, models.ErrNotFound
	}
	if t.Status != models.StatusRequested || t.DriverID != "" {
		return cloneTrip(*t), false, nil
	}
	t.DriverID = driverID
	t.Status = models.StatusAccepted
	t.AcceptedAt = timePtr(at)
	return cloneTrip(*t), true, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, upd Transition) (models.Trip, bool, error) {
	if _, err := upd.sources(); err != nil {
		return models.Trip{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, false, models.ErrNotFound
	}
	if !upd.allows(t.Status) {
		return cloneTrip(*t), false, nil
	}
	t.Status = upd.To
	switch upd.To {
	case models.StatusOngoing:
		t.StartedAt = timePtr(upd.At)
	case models.StatusCompleted:
		t.CompletedAt = timePtr(upd.At)
		if upd.FinalFare != nil {
			f := *upd.FinalFare
			t.FinalFare = &f
		}
	case models.StatusCancelled:
		t.CancelledAt = timePtr(upd.At)
		t.CancelledBy = upd.CancelledBy
	}
	return cloneTrip(*t), true, nil
}

func (m *MemoryStore) UpdateFare(_ context.Context, id string, fare float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return false, models.ErrNotFound
	}
	if t.Status != models.StatusOngoing {
		return false, nil
	}
	t.CurrentFare = fare
	return true, nil
}

func (m *MemoryStore) ListStale(_ context.Context, createdBefore time.Time) ([]models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Trip
	for _, t := range m.trips {
		if t.Status == models.StatusRequested && t.CreatedAt.Before(createdBefore) {
			out = append(out, cloneTrip(*t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) History(_ context.Context, f models.HistoryFilter) ([]models.TripDetails, int, error) {
	f = normalizeFilter(f)
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.collect(func(t *models.Trip) bool {
		if !participates(t, f.ParticipantID, f.Role) {
			return false
		}
		if f.Status != "" && t.Status != f.Status {
			return false
		}
		if f.Year > 0 && t.CreatedAt.UTC().Year() != f.Year {
			return false
		}
		if f.Month > 0 && int(t.CreatedAt.UTC().Month()) != f.Month {
			return false
		}
		return true
	})
	total := len(all)
	if f.Offset >= total {
		return []models.TripDetails{}, total, nil
	}
	end := f.Offset + f.Limit
	if end > total {
		end = total
	}
	return all[f.Offset:end], total, nil
}

func (m *MemoryStore) Stats(_ context.Context, participantID string, role models.ParticipantRole, year, month int) (models.TripStats, error) {
	from, to := monthBounds(year, month)
	out := models.TripStats{Year: year, Month: month}
	daily := make(map[int]*models.DailyStat)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trips {
		if t.Status != models.StatusCompleted || t.CompletedAt == nil || !participates(t, participantID, role) {
			continue
		}
		at := t.CompletedAt.UTC()
		if at.Before(from) || !at.Before(to) {
			continue
		}
		fare := t.ChargeableFare()
		out.Trips++
		out.Revenue += fare
		d, ok := daily[at.Day()]
		if !ok {
			d = &models.DailyStat{Day: at.Day()}
			daily[at.Day()] = d
		}
		d.Trips++
		d.Revenue += fare
	}
	out.Daily = make([]models.DailyStat, 0, len(daily))
	for _, d := range daily {
		out.Daily = append(out.Daily, *d)
	}
	sort.Slice(out.Daily, func(i, j int) bool { return out.Daily[i].Day < out.Daily[j].Day })
	return out, nil
}

func (m *MemoryStore) InvoiceForTrip(_ context.Context, tripID string) (models.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[tripID]
	if !ok {
		return models.Invoice{}, models.ErrNotFound
	}
	return inv, nil
}

func (m *MemoryStore) CreateInvoice(_ context.Context, inv models.Invoice) (models.Invoice, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.invoices[inv.TripID]; ok {
		return existing, false, nil
	}
	m.invoices[inv.TripID] = inv
	return inv, true, nil
}

func (m *MemoryStore) SetInvoicePaymentRef(_ context.Context, invoiceID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tripID, inv := range m.invoices {
		if inv.ID == invoiceID {
			inv.PaymentRef = ref
			m.invoices[tripID] = inv
			return nil
		}
	}
	return models.ErrNotFound
}

func (m *MemoryStore) SetDriverOnline(_ context.Context, driverID string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[driverID] = online
	return nil
}

func (m *MemoryStore) DriverOnline(_ context.Context, driverID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online[driverID], nil
}

func (m *MemoryStore) SaveDriverPosition(_ context.Context, p models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.DriverID] = p
	return nil
}

// LastPosition returns the most recently persisted position of a driver.
func (m *MemoryStore) LastPosition(driverID string) (models.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[driverID]
	return p, ok
}

func (m *MemoryStore) Close() error { return nil }

// collect returns matching trips newest first. Callers hold the lock.
func (m *MemoryStore) collect(match func(*models.Trip) bool) []models.TripDetails {
	out := make([]models.TripDetails, 0)
	for _, t := range m.trips {
		if match(t) {
			out = append(out, m.details(t))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) details(t *models.Trip) models.TripDetails {
	d := models.TripDetails{
		Trip:       cloneTrip(*t),
		ClientName: m.names[t.ClientID],
	}
	if t.DriverID != "" {
		d.DriverName = m.names[t.DriverID]
	}
	if tier, ok := m.tiers[t.TierID]; ok {
		d.Tier = &tier
	}
	return d
}

func participates(t *models.Trip, id string, role models.ParticipantRole) bool {
	if role == models.RoleDriver {
		return t.DriverID == id
	}
	return t.ClientID == id
}

func cloneTrip(t models.Trip) models.Trip {
	c := t
	c.AcceptedAt = copyTime(t.AcceptedAt)
	c.StartedAt = copyTime(t.StartedAt)
	c.CompletedAt = copyTime(t.CompletedAt)
	c.CancelledAt = copyTime(t.CancelledAt)
	if t.FinalFare != nil {
		f := *t.FinalFare
		c.FinalFare = &f
	}
	if t.Delivery != nil {
		d := *t.Delivery
		c.Delivery = &d
	}
	return c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return timePtr(*t)
}

func timePtr(t time.Time) *time.Time { return &t }
