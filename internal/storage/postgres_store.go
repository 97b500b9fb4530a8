package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded schema files in name order. They are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return names, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const tripColumns = `t.id, t.client_id, COALESCE(t.driver_id, ''),
	t.origin_address, t.origin_lat, t.origin_lng,
	t.dest_address, t.dest_lat, t.dest_lng,
	t.category, COALESCE(t.tier_id, ''), t.estimated_fare, t.current_fare, t.final_fare,
	t.delivery, t.status, COALESCE(t.cancelled_by, ''),
	t.created_at, t.accepted_at, t.started_at, t.completed_at, t.cancelled_at`

const detailsSelect = `SELECT ` + tripColumns + `,
	COALESCE(c.name, ''), COALESCE(d.name, ''),
	tr.id, tr.name, tr.base_fare, tr.per_km_fare
FROM trips t
LEFT JOIN users c ON c.id = t.client_id
LEFT JOIN users d ON d.id = t.driver_id
LEFT JOIN service_tiers tr ON tr.id = t.tier_id`

type scanner interface {
	Scan(dest ...any) error
}

type tripRow struct {
	finalFare                                     sql.NullFloat64
	delivery                                      []byte
	status, category, cancelledBy                 string
	acceptedAt, startedAt, completedAt, cancelled sql.NullTime
}

func (r *tripRow) dest(t *models.Trip) []any {
	return []any{
		&t.ID, &t.ClientID, &t.DriverID,
		&t.Origin.Address, &t.Origin.Lat, &t.Origin.Lng,
		&t.Destination.Address, &t.Destination.Lat, &t.Destination.Lng,
		&r.category, &t.TierID, &t.EstimatedFare, &t.CurrentFare, &r.finalFare,
		&r.delivery, &r.status, &r.cancelledBy,
		&t.CreatedAt, &r.acceptedAt, &r.startedAt, &r.completedAt, &r.cancelled,
	}
}

func (r *tripRow) fill(t *models.Trip) error {
	t.Status = models.TripStatus(r.status)
	t.Category = models.TripCategory(r.category)
	t.CancelledBy = models.ParticipantRole(r.cancelledBy)
	if r.finalFare.Valid {
		f := r.finalFare.Float64
		t.FinalFare = &f
	}
	if len(r.delivery) > 0 {
		var d models.DeliveryDetails
		if err := json.Unmarshal(r.delivery, &d); err != nil {
			return fmt.Errorf("decode delivery of trip %s: %w", t.ID, err)
		}
		t.Delivery = &d
	}
	t.AcceptedAt = nullTime(r.acceptedAt)
	t.StartedAt = nullTime(r.startedAt)
	t.CompletedAt = nullTime(r.completedAt)
	t.CancelledAt = nullTime(r.cancelled)
	return nil
}

func scanTrip(s scanner) (models.Trip, error) {
	var t models.Trip
	var r tripRow
	if err := s.Scan(r.dest(&t)...); err != nil {
		return models.Trip{}, err
	}
	return t, r.fill(&t)
}

func scanDetails(s scanner) (models.TripDetails, error) {
	var d models.TripDetails
	var r tripRow
	var tierID, tierName sql.NullString
	var base, perKm sql.NullFloat64
	dest := append(r.dest(&d.Trip), &d.ClientName, &d.DriverName, &tierID, &tierName, &base, &perKm)
	if err := s.Scan(dest...); err != nil {
		return models.TripDetails{}, err
	}
	if err := r.fill(&d.Trip); err != nil {
		return models.TripDetails{}, err
	}
	if tierID.Valid {
		d.Tier = &models.Tier{ID: tierID.String, Name: tierName.String, BaseFare: base.Float64, PerKmFare: perKm.Float64}
	}
	return d, nil
}

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	var delivery any
	if t.Delivery != nil {
		b, err := json.Marshal(t.Delivery)
		if err != nil {
			return err
		}
		delivery = string(b)
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips (
			id, client_id, driver_id, origin_address, origin_lat, origin_lng,
			dest_address, dest_lat, dest_lng, category, tier_id, estimated_fare,
			delivery, status, created_at
		) VALUES ($1, $2, NULL, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $13, $14)`,
		t.ID, t.ClientID, t.Origin.Address, t.Origin.Lat, t.Origin.Lng,
		t.Destination.Address, t.Destination.Lat, t.Destination.Lng,
		string(t.Category), t.TierID, t.EstimatedFare, delivery, string(t.Status), t.CreatedAt)
	return err
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips t WHERE t.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, models.ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) GetTripDetails(ctx context.Context, id string) (models.TripDetails, error) {
	d, err := scanDetails(p.db.QueryRowContext(ctx, detailsSelect+` WHERE t.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.TripDetails{}, models.ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) ListPending(ctx context.Context) ([]models.TripDetails, error) {
	return p.queryDetails(ctx, detailsSelect+` WHERE t.status = 'requested' ORDER BY t.created_at DESC`)
}

func (p *PostgresStore) ActiveForDriver(ctx context.Context, driverID string) (models.TripDetails, error) {
	return p.firstActive(ctx, "t.driver_id", driverID)
}

func (p *PostgresStore) ActiveForClient(ctx context.Context, clientID string) (models.TripDetails, error) {
	return p.firstActive(ctx, "t.client_id", clientID)
}

func (p *PostgresStore) firstActive(ctx context.Context, column, id string) (models.TripDetails, error) {
	q := detailsSelect + ` WHERE ` + column + ` = $1 AND t.status IN ('accepted', 'ongoing')
		ORDER BY t.created_at DESC LIMIT 1`
	d, err := scanDetails(p.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.TripDetails{}, models.ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) AcceptTrip(ctx context.Context, id, driverID string, at time.Time) (models.Trip, bool, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `UPDATE trips AS t
		SET driver_id = $2, status = 'accepted', accepted_at = $3
		WHERE t.id = $1 AND t.driver_id IS NULL AND t.status = 'requested'
		RETURNING `+tripColumns, id, driverID, at))
	if errors.Is(err, sql.ErrNoRows) {
		// lost the race, or the trip is gone
		cur, gerr := p.GetTrip(ctx, id)
		return cur, false, gerr
	}
	if err != nil {
		return models.Trip{}, false, err
	}
	return t, true, nil
}

func (p *PostgresStore) Transition(ctx context.Context, id string, upd Transition) (models.Trip, bool, error) {
	src, err := upd.sources()
	if err != nil {
		return models.Trip{}, false, err
	}
	sources := make([]string, len(src))
	for i, s := range src {
		sources[i] = string(s)
	}
	set := []string{"status = $3"}
	args := []any{id, pq.Array(sources), string(upd.To)}
	switch upd.To {
	case models.StatusOngoing:
		args = append(args, upd.At)
		set = append(set, fmt.Sprintf("started_at = $%d", len(args)))
	case models.StatusCompleted:
		args = append(args, upd.At)
		set = append(set, fmt.Sprintf("completed_at = $%d", len(args)))
		if upd.FinalFare != nil {
			args = append(args, *upd.FinalFare)
			set = append(set, fmt.Sprintf("final_fare = $%d", len(args)))
		}
	case models.StatusCancelled:
		args = append(args, upd.At)
		set = append(set, fmt.Sprintf("cancelled_at = $%d", len(args)))
		args = append(args, string(upd.CancelledBy))
		set = append(set, fmt.Sprintf("cancelled_by = $%d", len(args)))
	}
	q := `UPDATE trips AS t SET ` + strings.Join(set, ", ") +
		` WHERE t.id = $1 AND t.status = ANY($2) RETURNING ` + tripColumns
	t, err := scanTrip(p.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := p.GetTrip(ctx, id)
		return cur, false, gerr
	}
	if err != nil {
		return models.Trip{}, false, err
	}
	return t, true, nil
}

func (p *PostgresStore) UpdateFare(ctx context.Context, id string, fare float64) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET current_fare = $2 WHERE id = $1 AND status = 'ongoing'`, id, fare)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := p.GetTrip(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (p *PostgresStore) ListStale(ctx context.Context, createdBefore time.Time) ([]models.Trip, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+tripColumns+` FROM trips t
		WHERE t.status = 'requested' AND t.created_at < $1 ORDER BY t.created_at`, createdBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func participantColumn(role models.ParticipantRole) string {
	if role == models.RoleDriver {
		return "t.driver_id"
	}
	return "t.client_id"
}

func (p *PostgresStore) History(ctx context.Context, f models.HistoryFilter) ([]models.TripDetails, int, error) {
	f = normalizeFilter(f)
	where := []string{participantColumn(f.Role) + " = $1"}
	args := []any{f.ParticipantID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("t.status = $%d", len(args)))
	}
	if f.Year > 0 {
		args = append(args, f.Year)
		where = append(where, fmt.Sprintf("EXTRACT(YEAR FROM t.created_at AT TIME ZONE 'UTC') = $%d", len(args)))
	}
	if f.Month > 0 {
		args = append(args, f.Month)
		where = append(where, fmt.Sprintf("EXTRACT(MONTH FROM t.created_at AT TIME ZONE 'UTC') = $%d", len(args)))
	}
	cond := " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trips t`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, f.Limit, f.Offset)
	q := detailsSelect + cond + fmt.Sprintf(" ORDER BY t.created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	out, err := p.queryDetails(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (p *PostgresStore) Stats(ctx context.Context, participantID string, role models.ParticipantRole, year, month int) (models.TripStats, error) {
	from, to := monthBounds(year, month)
	rows, err := p.db.QueryContext(ctx, `SELECT
			EXTRACT(DAY FROM t.completed_at AT TIME ZONE 'UTC')::int AS day,
			COUNT(*),
			COALESCE(SUM(COALESCE(t.final_fare, t.estimated_fare)), 0)
		FROM trips t
		WHERE `+participantColumn(role)+` = $1 AND t.status = 'completed'
			AND t.completed_at >= $2 AND t.completed_at < $3
		GROUP BY day ORDER BY day`, participantID, from, to)
	if err != nil {
		return models.TripStats{}, err
	}
	defer rows.Close()
	out := models.TripStats{Year: year, Month: month, Daily: []models.DailyStat{}}
	for rows.Next() {
		var d models.DailyStat
		if err := rows.Scan(&d.Day, &d.Trips, &d.Revenue); err != nil {
			return models.TripStats{}, err
		}
		out.Trips += d.Trips
		out.Revenue += d.Revenue
		out.Daily = append(out.Daily, d)
	}
	return out, rows.Err()
}

const invoiceColumns = `id, trip_id, client_id, driver_id, amount, currency, method, payment_ref, created_at`

func (p *PostgresStore) InvoiceForTrip(ctx context.Context, tripID string) (models.Invoice, error) {
	var inv models.Invoice
	err := p.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE trip_id = $1`, tripID).Scan(
		&inv.ID, &inv.TripID, &inv.ClientID, &inv.DriverID, &inv.Amount, &inv.Currency, &inv.Method, &inv.PaymentRef, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Invoice{}, models.ErrNotFound
	}
	return inv, err
}

func (p *PostgresStore) CreateInvoice(ctx context.Context, inv models.Invoice) (models.Invoice, bool, error) {
	res, err := p.db.ExecContext(ctx, `INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (trip_id) DO NOTHING`,
		inv.ID, inv.TripID, inv.ClientID, inv.DriverID, inv.Amount, inv.Currency, inv.Method, inv.PaymentRef, inv.CreatedAt)
	if err != nil {
		return models.Invoice{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Invoice{}, false, err
	}
	if n == 1 {
		return inv, true, nil
	}
	existing, err := p.InvoiceForTrip(ctx, inv.TripID)
	return existing, false, err
}

func (p *PostgresStore) SetInvoicePaymentRef(ctx context.Context, invoiceID, ref string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE invoices SET payment_ref = $2 WHERE id = $1`, invoiceID, ref)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SetDriverOnline(ctx context.Context, driverID string, online bool) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_status (driver_id, is_online, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (driver_id) DO UPDATE SET is_online = EXCLUDED.is_online, updated_at = EXCLUDED.updated_at`,
		driverID, online)
	return err
}

func (p *PostgresStore) DriverOnline(ctx context.Context, driverID string) (bool, error) {
	var online bool
	err := p.db.QueryRowContext(ctx, `SELECT is_online FROM driver_status WHERE driver_id = $1`, driverID).Scan(&online)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return online, err
}

func (p *PostgresStore) SaveDriverPosition(ctx context.Context, pos models.Position) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_positions (driver_id, lat, lng, recorded_at) VALUES ($1, $2, $3, $4)`,
		pos.DriverID, pos.Coord.Lat, pos.Coord.Lng, pos.RecordedAt)
	return err
}

func (p *PostgresStore) queryDetails(ctx context.Context, q string, args ...any) ([]models.TripDetails, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.TripDetails, 0)
	for rows.Next() {
		d, err := scanDetails(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
