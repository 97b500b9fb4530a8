// Package engine implements the trip state machine and routes its effects to
// participant rooms. The store's conditional writes are the only serialization
// point: the engine never locks, so several processes may share one store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// EventSink receives applied lifecycle steps, e.g. a Kafka topic.
type EventSink interface {
	PublishTripEvent(ctx context.Context, ev models.TripEvent) error
}

// PaymentRecorder settles a freshly issued invoice with a payment provider and
// returns the provider reference.
type PaymentRecorder interface {
	Settle(ctx context.Context, inv models.Invoice) (string, error)
}

type Engine struct {
	trips    storage.TripStore
	drivers  storage.DriverStore
	rooms    dispatch.Publisher
	sink     EventSink
	events   *ingest.Queue
	payments PaymentRecorder
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	currency string
}

const (
	eventBuffer  = 1024
	eventTimeout = 5 * time.Second
)

type Option func(*Engine)

func WithEventSink(s EventSink) Option { return func(e *Engine) { e.sink = s } }

func WithPayments(p PaymentRecorder) Option { return func(e *Engine) { e.payments = p } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithIDs(gen func() string) Option { return func(e *Engine) { e.newID = gen } }

func WithCurrency(c string) Option { return func(e *Engine) { e.currency = c } }

func New(trips storage.TripStore, drivers storage.DriverStore, rooms dispatch.Publisher, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		trips:    trips,
		drivers:  drivers,
		rooms:    rooms,
		logger:   logging.Component(logger, "engine"),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		currency: "usd",
	}
	for _, o := range opts {
		o(e)
	}
	if e.sink != nil {
		e.events = ingest.NewQueue("trip_events", eventBuffer, eventTimeout, logger)
	}
	return e
}

// Close flushes lifecycle events still waiting for the sink.
func (e *Engine) Close() {
	if e.events != nil {
		e.events.Close()
	}
}

type RequestInput struct {
	ClientID    string
	Origin      models.Place
	Destination models.Place
	Category    string
	TierID      string
	Price       float64
	Delivery    *models.DeliveryDetails
}

// Request persists a new trip and offers it to every connected driver.
// Addresses and price are accepted as given.
func (e *Engine) Request(ctx context.Context, in RequestInput) (models.TripView, error) {
	if in.ClientID == "" {
		return models.TripView{}, fmt.Errorf("%w: clientId is required", models.ErrBadPayload)
	}
	category, err := models.ParseCategory(in.Category)
	if err != nil {
		return models.TripView{}, err
	}
	t := &models.Trip{
		ID:            e.newID(),
		ClientID:      in.ClientID,
		Origin:        in.Origin,
		Destination:   in.Destination,
		Category:      category,
		TierID:        in.TierID,
		EstimatedFare: in.Price,
		Status:        models.StatusRequested,
		CreatedAt:     e.now(),
	}
	if category == models.CategoryDelivery {
		t.Delivery = in.Delivery
	}
	if err := e.trips.CreateTrip(ctx, t); err != nil {
		e.logger.Error("create trip failed", "client_id", in.ClientID, "error", err)
		return models.TripView{}, fmt.Errorf("create trip: %w", err)
	}
	observability.TripsRequested.Inc()

	view := e.view(ctx, *t)
	e.rooms.Publish(dispatch.AllDrivers, dispatch.Event{Name: EventNewTripAvailable, Data: view})
	e.emit(*t, models.RoleClient, in.ClientID)
	e.logger.Info("trip requested", "trip_id", t.ID, "client_id", t.ClientID, "category", t.Category)
	return view, nil
}

// Accept claims a requested trip for driverID. Exactly one concurrent caller
// wins; the others get ErrAlreadyAccepted.
func (e *Engine) Accept(ctx context.Context, tripID, driverID, driverName string) (models.TripView, error) {
	if tripID == "" || driverID == "" {
		return models.TripView{}, fmt.Errorf("%w: tripId and driverId are required", models.ErrBadPayload)
	}
	t, ok, err := e.trips.AcceptTrip(ctx, tripID, driverID, e.now())
	if err != nil {
		return models.TripView{}, e.storeErr("accept", tripID, err)
	}
	if !ok {
		observability.AcceptConflicts.Inc()
		e.logger.Warn("accept lost", "trip_id", tripID, "driver_id", driverID, "holder", t.DriverID, "status", t.Status)
		return models.TripView{}, models.ErrAlreadyAccepted
	}
	observability.TripTransitions.WithLabelValues(string(models.StatusAccepted)).Inc()

	view := e.view(ctx, t)
	if view.DriverName == "" {
		view.DriverName = driverName
	}
	e.rooms.Publish(dispatch.ClientRoom(t.ClientID), dispatch.Event{Name: EventTripAccepted, Data: AcceptedPayload{
		TripID: t.ID,
		Driver: DriverInfo{ID: driverID, Name: view.DriverName},
		Trip:   view,
	}})
	e.rooms.Publish(dispatch.AllDrivers, dispatch.Event{Name: EventTripTaken, Data: TakenPayload{TripID: t.ID, AcceptedBy: driverID}})
	e.emit(t, models.RoleDriver, driverID)
	e.logger.Info("trip accepted", "trip_id", t.ID, "driver_id", driverID)
	return view, nil
}

// Cancel is legal while the trip is requested or accepted. The initiator gets a
// confirmation, the other party a cancellation notice, and every driver a
// retraction of the offer.
func (e *Engine) Cancel(ctx context.Context, tripID string, role models.ParticipantRole, userID string) (models.TripView, error) {
	cur, err := e.trips.GetTrip(ctx, tripID)
	if err != nil {
		return models.TripView{}, e.storeErr("cancel", tripID, err)
	}
	if role == "" {
		role = models.RoleClient
		if userID != "" && userID == cur.DriverID {
			role = models.RoleDriver
		}
	}
	if err := cancelGuard(cur.Status); err != nil {
		return models.TripView{}, err
	}
	t, ok, err := e.trips.Transition(ctx, tripID, storage.Transition{
		To:          models.StatusCancelled,
		At:          e.now(),
		CancelledBy: role,
	})
	if err != nil {
		return models.TripView{}, e.storeErr("cancel", tripID, err)
	}
	if !ok {
		return models.TripView{}, e.rejected("cancel", t, cancelGuard(t.Status))
	}
	observability.TripTransitions.WithLabelValues(string(models.StatusCancelled)).Inc()

	confirm := dispatch.Event{Name: EventTripCancelledConfirm, Data: CancelledPayload{TripID: t.ID, CancelledBy: role}}
	notice := dispatch.Event{Name: EventTripCancelled, Data: CancelledPayload{TripID: t.ID, CancelledBy: role}}
	clientRoom := dispatch.ClientRoom(t.ClientID)
	if role == models.RoleDriver {
		driverID := t.DriverID
		if driverID == "" {
			driverID = userID
		}
		e.rooms.Publish(dispatch.DriverRoom(driverID), confirm)
		e.rooms.Publish(clientRoom, notice)
	} else {
		e.rooms.Publish(clientRoom, confirm)
		if t.DriverID != "" {
			e.rooms.Publish(dispatch.DriverRoom(t.DriverID), notice)
		}
	}
	e.rooms.Publish(dispatch.AllDrivers, dispatch.Event{Name: EventTripCancelledGlobal, Data: TripRef{TripID: t.ID}})
	e.emit(t, role, userID)
	e.logger.Info("trip cancelled", "trip_id", t.ID, "by", role)
	return e.view(ctx, t), nil
}

// Expire cancels a trip that is still requested and unaccepted, on behalf of
// the system. It reports false when the trip has moved on, so repeated sweeps
// are no-ops.
func (e *Engine) Expire(ctx context.Context, tripID string) (bool, error) {
	t, ok, err := e.trips.Transition(ctx, tripID, storage.Transition{
		To:          models.StatusCancelled,
		From:        []models.TripStatus{models.StatusRequested},
		At:          e.now(),
		CancelledBy: models.RoleSystem,
	})
	if err != nil {
		return false, e.storeErr("expire", tripID, err)
	}
	if !ok {
		return false, nil
	}
	observability.TripTransitions.WithLabelValues(string(models.StatusCancelled)).Inc()
	e.rooms.Publish(dispatch.ClientRoom(t.ClientID), dispatch.Event{Name: EventTripTimeout, Data: TimeoutPayload{TripID: t.ID, Message: timeoutMessage}})
	e.rooms.Publish(dispatch.AllDrivers, dispatch.Event{Name: EventTripCancelledGlobal, Data: TripRef{TripID: t.ID}})
	e.emit(t, models.RoleSystem, "")
	return true, nil
}

// Start moves an accepted trip to ongoing.
func (e *Engine) Start(ctx context.Context, tripID string) (models.TripView, error) {
	t, err := e.transition(ctx, "start", tripID, storage.Transition{To: models.StatusOngoing, At: e.now()})
	if err != nil {
		return models.TripView{}, err
	}
	e.rooms.Publish(dispatch.ClientRoom(t.ClientID), dispatch.Event{Name: EventRideStarted, Data: StartedPayload{TripID: t.ID, StartedAt: *t.StartedAt}})
	e.emit(t, models.RoleDriver, t.DriverID)
	return e.view(ctx, t), nil
}

type ProgressInput struct {
	TripID      string
	ClientID    string
	CurrentFare float64
	Coords      models.Coord
}

// Progress records the running fare of an ongoing trip and relays it with the
// driver position to the client. Every call is persisted.
func (e *Engine) Progress(ctx context.Context, in ProgressInput) error {
	ok, err := e.trips.UpdateFare(ctx, in.TripID, in.CurrentFare)
	if err != nil {
		return e.storeErr("progress", in.TripID, err)
	}
	if !ok {
		return models.ErrInvalidTransition
	}
	clientID := in.ClientID
	if clientID == "" {
		t, err := e.trips.GetTrip(ctx, in.TripID)
		if err != nil {
			return e.storeErr("progress", in.TripID, err)
		}
		clientID = t.ClientID
	}
	e.rooms.Publish(dispatch.ClientRoom(clientID), dispatch.Event{Name: EventTripUpdate, Data: ProgressPayload{
		TripID:      in.TripID,
		CurrentFare: in.CurrentFare,
		Coords:      in.Coords,
	}})
	return nil
}

// Finish completes an ongoing trip with its final fare.
func (e *Engine) Finish(ctx context.Context, tripID string, finalFare float64) (models.TripView, error) {
	t, err := e.transition(ctx, "finish", tripID, storage.Transition{To: models.StatusCompleted, At: e.now(), FinalFare: &finalFare})
	if err != nil {
		return models.TripView{}, err
	}
	view := e.view(ctx, t)
	e.rooms.Publish(dispatch.ClientRoom(t.ClientID), dispatch.Event{Name: EventRideFinished, Data: FinishedPayload{
		TripID:      t.ID,
		FinalFare:   t.ChargeableFare(),
		CompletedAt: *t.CompletedAt,
		Trip:        view,
	}})
	e.emit(t, models.RoleDriver, t.DriverID)
	return view, nil
}

// Authorize checks that userID is the trip's client or assigned driver,
// according to role.
func (e *Engine) Authorize(ctx context.Context, tripID string, role models.ParticipantRole, userID string) error {
	t, err := e.trips.GetTrip(ctx, tripID)
	if err != nil {
		return e.storeErr("authorize", tripID, err)
	}
	owner := t.ClientID
	if role == models.RoleDriver {
		owner = t.DriverID
	}
	if owner == "" || owner != userID {
		e.logger.Warn("participant check failed", "trip_id", tripID, "role", role, "user_id", userID)
		return fmt.Errorf("%w: %s %s on trip %s", models.ErrNotParticipant, role, userID, tripID)
	}
	return nil
}

// ConfirmPayment issues the invoice of a completed trip. Repeated calls return
// the invoice created by the first one.
func (e *Engine) ConfirmPayment(ctx context.Context, tripID string, receipt models.Receipt) (models.Invoice, error) {
	inv, err := e.trips.InvoiceForTrip(ctx, tripID)
	switch {
	case err == nil:
		e.notifyPayment(inv, receipt)
		return inv, nil
	case !errors.Is(err, models.ErrNotFound):
		return models.Invoice{}, e.storeErr("confirm payment", tripID, err)
	}

	t, err := e.trips.GetTrip(ctx, tripID)
	if err != nil {
		return models.Invoice{}, e.storeErr("confirm payment", tripID, err)
	}
	if t.Status != models.StatusCompleted {
		return models.Invoice{}, e.rejected("confirm payment", t, models.ErrInvalidTransition)
	}
	inv, created, err := e.trips.CreateInvoice(ctx, models.Invoice{
		ID:        e.newID(),
		TripID:    t.ID,
		ClientID:  t.ClientID,
		DriverID:  t.DriverID,
		Amount:    t.ChargeableFare(),
		Currency:  e.currency,
		Method:    receipt.Method,
		CreatedAt: e.now(),
	})
	if err != nil {
		return models.Invoice{}, e.storeErr("confirm payment", tripID, err)
	}
	if created {
		observability.InvoicesCreated.Inc()
		inv = e.settle(ctx, inv)
		e.logger.Info("invoice issued", "trip_id", t.ID, "invoice_id", inv.ID, "amount", inv.Amount)
	}
	e.notifyPayment(inv, receipt)
	return inv, nil
}

func (e *Engine) settle(ctx context.Context, inv models.Invoice) models.Invoice {
	if e.payments == nil {
		return inv
	}
	ref, err := e.payments.Settle(ctx, inv)
	if err != nil {
		e.logger.Error("payment settlement failed", "invoice_id", inv.ID, "error", err)
		return inv
	}
	if err := e.trips.SetInvoicePaymentRef(ctx, inv.ID, ref); err != nil {
		e.logger.Error("store payment reference failed", "invoice_id", inv.ID, "error", err)
		return inv
	}
	inv.PaymentRef = ref
	return inv
}

func (e *Engine) notifyPayment(inv models.Invoice, receipt models.Receipt) {
	e.rooms.Publish(dispatch.ClientRoom(inv.ClientID), dispatch.Event{Name: EventPaymentConfirmed, Data: PaymentPayload{
		TripID:    inv.TripID,
		InvoiceID: inv.ID,
		Amount:    inv.Amount,
		Currency:  inv.Currency,
		Receipt:   receipt,
	}})
}

// ToggleOnline stores the driver availability flag.
func (e *Engine) ToggleOnline(ctx context.Context, driverID string, online bool) error {
	if driverID == "" {
		return fmt.Errorf("%w: userId is required", models.ErrBadPayload)
	}
	if err := e.drivers.SetDriverOnline(ctx, driverID, online); err != nil {
		e.logger.Error("toggle online failed", "driver_id", driverID, "error", err)
		return fmt.Errorf("toggle online: %w", err)
	}
	e.logger.Info("driver availability changed", "driver_id", driverID, "online", online)
	return nil
}

// DriverState is what a driver receives on join.
type DriverState struct {
	Online  bool
	Active  *models.TripView
	Pending []models.TripView
}

// DriverResume collects the resume state of a driver. Reads are best-effort:
// failures are logged and fall back to empty values.
func (e *Engine) DriverResume(ctx context.Context, driverID string) DriverState {
	var st DriverState
	online, err := e.drivers.DriverOnline(ctx, driverID)
	if err != nil {
		e.logger.Warn("online lookup failed", "driver_id", driverID, "error", err)
		online = false
	}
	st.Online = online

	active, err := e.trips.ActiveForDriver(ctx, driverID)
	switch {
	case err == nil:
		v := models.FormatTrip(active)
		st.Active = &v
	case !errors.Is(err, models.ErrNotFound):
		e.logger.Warn("active trip lookup failed", "driver_id", driverID, "error", err)
	}

	if st.Online && st.Active == nil {
		pending, err := e.trips.ListPending(ctx)
		if err != nil {
			e.logger.Warn("pending list failed", "driver_id", driverID, "error", err)
		}
		st.Pending = models.FormatTrips(pending)
	}
	return st
}

// ClientResume returns the client's active trip, if any.
func (e *Engine) ClientResume(ctx context.Context, clientID string) *models.TripView {
	active, err := e.trips.ActiveForClient(ctx, clientID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			e.logger.Warn("active trip lookup failed", "client_id", clientID, "error", err)
		}
		return nil
	}
	v := models.FormatTrip(active)
	return &v
}

func (e *Engine) transition(ctx context.Context, op, tripID string, upd storage.Transition) (models.Trip, error) {
	t, ok, err := e.trips.Transition(ctx, tripID, upd)
	if err != nil {
		return models.Trip{}, e.storeErr(op, tripID, err)
	}
	if !ok {
		return models.Trip{}, e.rejected(op, t, models.ErrInvalidTransition)
	}
	observability.TripTransitions.WithLabelValues(string(upd.To)).Inc()
	e.logger.Info("trip transition", "op", op, "trip_id", t.ID, "status", t.Status)
	return t, nil
}

func cancelGuard(s models.TripStatus) error {
	switch s {
	case models.StatusOngoing:
		return models.ErrTripInProgress
	case models.StatusCompleted, models.StatusCancelled:
		return models.ErrTripFinished
	case models.StatusRequested, models.StatusAccepted:
		return nil
	}
	return models.ErrInvalidTransition
}

func (e *Engine) rejected(op string, t models.Trip, err error) error {
	if err == nil {
		// the status changed between read and write but is still cancellable
		err = models.ErrInvalidTransition
	}
	e.logger.Warn("transition rejected", "op", op, "trip_id", t.ID, "status", t.Status, "reason", err)
	return err
}

func (e *Engine) storeErr(op, tripID string, err error) error {
	if errors.Is(err, models.ErrNotFound) {
		return models.ErrNotFound
	}
	e.logger.Error("store failure", "op", op, "trip_id", tripID, "error", err)
	return fmt.Errorf("%s %s: %w", op, tripID, err)
}

// view formats t with its display joins, falling back to the bare record.
func (e *Engine) view(ctx context.Context, t models.Trip) models.TripView {
	d, err := e.trips.GetTripDetails(ctx, t.ID)
	if err != nil {
		e.logger.Warn("trip details lookup failed", "trip_id", t.ID, "error", err)
		return models.FormatTrip(models.TripDetails{Trip: t})
	}
	return models.FormatTrip(d)
}

// emit queues ev for the sink; a slow or failing sink never holds up the
// transition that produced it.
func (e *Engine) emit(t models.Trip, actor models.ParticipantRole, actorID string) {
	if e.events == nil {
		return
	}
	ev := models.TripEvent{
		TripID:   t.ID,
		Status:   t.Status,
		Actor:    actor,
		ActorID:  actorID,
		ClientID: t.ClientID,
		DriverID: t.DriverID,
		Fare:     t.ChargeableFare(),
		At:       e.now(),
	}
	e.events.Submit(t.ID, func(ctx context.Context) error {
		return e.sink.PublishTripEvent(ctx, ev)
	})
}
