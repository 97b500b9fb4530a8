package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
)

func (g *Gateway) handleJoin(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p joinPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	role, err := models.ParseRole(p.Role)
	if err != nil {
		return nil, err
	}
	userID, err := c.participant(role, p.UserID)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", models.ErrBadPayload)
	}

	key := presence.Key{Role: role, UserID: userID}
	connID := c.sess.ID()
	if c.joined != nil && *c.joined != key {
		g.presence.Leave(connID)
		g.rooms.UnsubscribeAll(connID)
	}
	room := personalRoom(key)
	if previous, replaced := g.presence.Join(role, userID, connID); replaced {
		g.rooms.Unsubscribe(room, previous)
		g.rooms.Unsubscribe(dispatch.AllDrivers, previous)
		c.logger.Info("participant reconnected", "role", role, "user_id", userID, "previous_conn", previous)
	}
	g.rooms.Subscribe(room, c.sess)
	if role == models.RoleDriver {
		g.rooms.Subscribe(dispatch.AllDrivers, c.sess)
	}
	c.joined = &key
	observability.DriversOnline.Set(float64(g.presence.Count(models.RoleDriver)))
	c.logger.Info("participant joined", "role", role, "user_id", userID)

	if role == models.RoleDriver {
		g.sendDriverState(ctx, c, userID)
	} else if v := g.engine.ClientResume(ctx, userID); v != nil {
		c.send(engine.EventRestoreTrip, *v)
	}
	return joinResult{UserID: userID, Role: role}, nil
}

func (g *Gateway) sendDriverState(ctx context.Context, c *conn, driverID string) {
	st := g.engine.DriverResume(ctx, driverID)
	c.send(engine.EventLoginStatus, engine.LoginStatus{IsOnline: st.Online})
	switch {
	case st.Active != nil:
		c.send(engine.EventRestoreRide, *st.Active)
	case st.Online:
		pending := st.Pending
		if pending == nil {
			pending = []models.TripView{}
		}
		c.send(engine.EventPendingTrips, pending)
	}
}

func personalRoom(k presence.Key) string {
	if k.Role == models.RoleDriver {
		return dispatch.DriverRoom(k.UserID)
	}
	return dispatch.ClientRoom(k.UserID)
}

func (g *Gateway) handleRequestTrip(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p requestTripPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	clientID, err := c.participant(models.RoleClient, p.ClientID)
	if err != nil {
		return nil, err
	}
	view, err := g.engine.Request(ctx, engine.RequestInput{
		ClientID:    clientID,
		Origin:      p.Origin.place(),
		Destination: p.Destination.place(),
		Category:    p.Category,
		TierID:      p.TierID,
		Price:       p.Price,
		Delivery:    p.Delivery,
	})
	if err != nil {
		return nil, err
	}
	return requestTripResult{TripID: view.ID, Trip: view}, nil
}

func (g *Gateway) handleAcceptTrip(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p acceptTripPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	driverID, err := c.participant(models.RoleDriver, p.DriverID)
	if err != nil {
		return nil, err
	}
	return g.engine.Accept(ctx, p.TripID, driverID, p.DriverName)
}

func (g *Gateway) handleCancelTrip(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p cancelTripPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	var role models.ParticipantRole
	switch {
	case p.Role != "":
		r, err := models.ParseRole(p.Role)
		if err != nil {
			return nil, err
		}
		role = r
	case c.ident != nil:
		role = c.ident.Role
	case c.joined != nil:
		role = c.joined.Role
	}
	userID := p.UserID
	if role != "" {
		id, err := c.participant(role, p.UserID)
		if err != nil {
			return nil, err
		}
		userID = id
	}
	return g.engine.Cancel(ctx, p.TripID, role, userID)
}

func (g *Gateway) handleStartRide(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p tripPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := g.authorizeTrip(ctx, c, p.TripID, models.RoleDriver); err != nil {
		return nil, err
	}
	return g.engine.Start(ctx, p.TripID)
}

func (g *Gateway) handleFinishRide(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p finishRidePayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := g.authorizeTrip(ctx, c, p.TripID, models.RoleDriver); err != nil {
		return nil, err
	}
	return g.engine.Finish(ctx, p.TripID, p.FinalFare)
}

func (g *Gateway) handleProgress(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p progressPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := g.authorizeTrip(ctx, c, p.TripID, models.RoleDriver); err != nil {
		return nil, err
	}
	clientID := p.ClientID
	if c.ident != nil {
		// the trip's own client, never a room named by the sender
		clientID = ""
	}
	return nil, g.engine.Progress(ctx, engine.ProgressInput{
		TripID:      p.TripID,
		ClientID:    clientID,
		CurrentFare: p.CurrentFare,
		Coords:      p.Coords,
	})
}

func (g *Gateway) handleUpdateLocation(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p locationPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	driverID, err := c.participant(models.RoleDriver, p.DriverID)
	if err != nil {
		return nil, err
	}
	persisted, err := g.relay.Handle(ctx, location.Update{
		DriverID: driverID,
		ClientID: p.ActiveClientID,
		TripID:   p.TripID,
		Coord:    models.Coord{Lat: p.Lat, Lng: p.Lng},
	})
	if err != nil {
		return nil, err
	}
	return map[string]bool{"persisted": persisted}, nil
}

func (g *Gateway) handleConfirmPayment(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p paymentPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := g.authorizeTrip(ctx, c, p.TripID, models.RoleClient); err != nil {
		return nil, err
	}
	return g.engine.ConfirmPayment(ctx, p.TripID, p.ReceiptData)
}

func (g *Gateway) handleToggleOnline(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p togglePayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	driverID, err := c.participant(models.RoleDriver, p.UserID)
	if err != nil {
		return nil, err
	}
	if err := g.engine.ToggleOnline(ctx, driverID, p.IsOnline); err != nil {
		return nil, err
	}
	if p.IsOnline {
		g.rooms.Subscribe(dispatch.AllDrivers, c.sess)
	} else {
		g.rooms.Unsubscribe(dispatch.AllDrivers, c.sess.ID())
	}
	g.sendDriverState(ctx, c, driverID)
	return engine.LoginStatus{IsOnline: p.IsOnline}, nil
}

// authorizeTrip restricts an authenticated socket to trips it takes part in
// as role. Unauthenticated sockets act on any trip.
func (g *Gateway) authorizeTrip(ctx context.Context, c *conn, tripID string, role models.ParticipantRole) error {
	if c.ident == nil {
		return nil
	}
	userID, err := c.participant(role, "")
	if err != nil {
		return err
	}
	return g.engine.Authorize(ctx, tripID, role, userID)
}
