// Package gateway is the realtime websocket endpoint. It decodes inbound
// events, hands them to the dispatch engine and acknowledges each one.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

var errHandlerPanic = errors.New("event handler panic")

type handlerFunc func(ctx context.Context, c *conn, raw json.RawMessage) (any, error)

type Gateway struct {
	engine    *engine.Engine
	relay     *location.Relay
	rooms     *dispatch.Rooms
	presence  *presence.Registry
	verifier  *auth.Verifier
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	handlers  map[string]handlerFunc
	pingEvery time.Duration
}

func New(eng *engine.Engine, relay *location.Relay, rooms *dispatch.Rooms, reg *presence.Registry, verifier *auth.Verifier, logger *slog.Logger) *Gateway {
	g := &Gateway{
		engine:   eng,
		relay:    relay,
		rooms:    rooms,
		presence: reg,
		verifier: verifier,
		logger:   logging.Component(logger, "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// sockets authenticate with bearer tokens, so any origin may connect
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pingEvery: pingPeriod,
	}
	g.handlers = map[string]handlerFunc{
		EventJoin:           g.handleJoin,
		EventRequestTrip:    g.handleRequestTrip,
		EventAcceptTrip:     g.handleAcceptTrip,
		EventCancelTrip:     g.handleCancelTrip,
		EventStartRide:      g.handleStartRide,
		EventFinishRide:     g.handleFinishRide,
		EventTripProgress:   g.handleProgress,
		EventUpdateLocation: g.handleUpdateLocation,
		EventConfirmPayment: g.handleConfirmPayment,
		EventToggleOnline:   g.handleToggleOnline,
	}
	rooms.OnSendError(func(room string, s dispatch.Session, err error) {
		g.logger.Debug("room delivery failed", "room", room, "conn_id", s.ID(), "error", err)
	})
	return g
}

// conn is the per-socket state. Frames from one socket are handled in order on
// the read goroutine, so joined needs no lock.
type conn struct {
	sess   *dispatch.WSSession
	ws     *websocket.Conn
	ident  *auth.Identity
	joined *presence.Key
	logger *slog.Logger
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var ident *auth.Identity
	if g.verifier.Enabled() {
		id, err := g.verifier.FromRequest(r)
		if err != nil {
			g.logger.Warn("websocket auth rejected", "remote_addr", r.RemoteAddr, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ident = &id
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		g.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	connID := uuid.NewString()
	c := &conn{
		sess:   dispatch.NewWSSession(connID, ws),
		ws:     ws,
		ident:  ident,
		logger: g.logger.With("conn_id", connID),
	}
	g.serve(r.Context(), c)
}

func (g *Gateway) serve(parent context.Context, c *conn) {
	ctx, cancel := context.WithCancel(parent)
	observability.WSConnections.Inc()
	c.logger.Info("connection opened")
	defer func() {
		cancel()
		left := g.presence.Leave(c.sess.ID())
		g.rooms.UnsubscribeAll(c.sess.ID())
		_ = c.sess.Close()
		observability.WSConnections.Dec()
		observability.DriversOnline.Set(float64(g.presence.Count(models.RoleDriver)))
		c.logger.Info("connection closed", "left", len(left))
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(pongWait)) })
	go g.pingLoop(ctx, c)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("connection read failed", "error", err)
			}
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.reply(c, envelope{}, nil, fmt.Errorf("%w: malformed frame", models.ErrBadPayload))
			continue
		}
		g.dispatch(ctx, c, env)
	}
}

func (g *Gateway) pingLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(g.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sess.Ping(); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *conn, env envelope) {
	h, ok := g.handlers[env.Event]
	if !ok {
		observability.EventsHandled.WithLabelValues("unknown", "rejected").Inc()
		g.reply(c, env, nil, fmt.Errorf("%w: unknown event %q", models.ErrBadPayload, env.Event))
		return
	}
	data, err := g.invoke(ctx, c, h, env)
	outcome := "ok"
	switch {
	case err == nil:
	case models.IsDomain(err):
		outcome = "rejected"
	default:
		outcome = "error"
	}
	observability.EventsHandled.WithLabelValues(env.Event, outcome).Inc()
	g.reply(c, env, data, err)
}

// invoke runs one handler, turning a panic into an error so the socket survives.
func (g *Gateway) invoke(ctx context.Context, c *conn, h handlerFunc, env envelope) (data any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("panic recovered", "event", env.Event, "error", rec)
			data, err = nil, errHandlerPanic
		}
	}()
	return h(ctx, c, env.Data)
}

// reply acknowledges the frame when the sender asked for it; otherwise only
// failures are reported, as an error event.
func (g *Gateway) reply(c *conn, env envelope, data any, err error) {
	var frame any
	switch {
	case env.AckID != "":
		a := ack{Event: "ack", AckID: env.AckID, Success: err == nil, Data: data}
		if err != nil {
			a.Error = models.UserMessage(err)
			a.Data = nil
		}
		frame = a
	case err != nil:
		f := errorFrame{Event: "error"}
		f.Data.Event = env.Event
		f.Data.Error = models.UserMessage(err)
		frame = f
	default:
		return
	}
	if werr := c.sess.WriteJSON(frame); werr != nil {
		c.logger.Debug("reply failed", "event", env.Event, "error", werr)
	}
}

func (c *conn) send(name string, data any) {
	if err := c.sess.Send(dispatch.Event{Name: name, Data: data}); err != nil {
		c.logger.Debug("send failed", "event", name, "error", err)
	}
}

// participant resolves the acting user for role. An authenticated socket can
// only act as its own identity; otherwise the claimed id wins, then the joined one.
func (c *conn) participant(role models.ParticipantRole, claimed string) (string, error) {
	if c.ident != nil {
		if c.ident.Role != role || (claimed != "" && claimed != c.ident.UserID) {
			return "", fmt.Errorf("%w: not allowed to act as %s %s", models.ErrBadPayload, role, claimed)
		}
		return c.ident.UserID, nil
	}
	if claimed == "" && c.joined != nil && c.joined.Role == role {
		return c.joined.UserID, nil
	}
	return claimed, nil
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data", models.ErrBadPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", models.ErrBadPayload, err)
	}
	return nil
}
