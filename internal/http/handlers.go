package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// Ranker orders available drivers around a point.
type Ranker interface {
	Rank(ctx context.Context, origin models.Coord, limit int) ([]matcher.Candidate, error)
}

type Server struct {
	store    storage.TripStore
	ranker   Ranker
	realtime http.Handler
	verifier *auth.Verifier
	logger   *slog.Logger
	now      func() time.Time
	mux      *mux.Router
}

// NewServer wires the query API around store. realtime serves /ws and
// ranker answers the nearby-drivers query; either may be nil.
func NewServer(store storage.TripStore, ranker Ranker, realtime http.Handler, verifier *auth.Verifier, logger *slog.Logger) *Server {
	s := &Server{
		store:    store,
		ranker:   ranker,
		realtime: realtime,
		verifier: verifier,
		logger:   logging.Component(logger, "http"),
		now:      time.Now,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.realtime != nil {
		s.mux.Handle("/ws", s.realtime)
	}

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/trips/pending", s.handlePendingTrips).Methods("GET")
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/trips/{id}/invoice", s.handleGetInvoice).Methods("GET")
	api.HandleFunc("/participants/{role}/{id}/active", s.handleActiveTrip).Methods("GET")
	api.HandleFunc("/participants/{role}/{id}/trips", s.handleHistory).Methods("GET")
	api.HandleFunc("/participants/{role}/{id}/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/drivers/nearby", s.handleNearbyDrivers).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handlePendingTrips(w http.ResponseWriter, r *http.Request) {
	trips, err := s.store.ListPending(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.FormatTrips(trips))
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetTripDetails(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.FormatTrip(d))
}

func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := s.store.InvoiceForTrip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleActiveTrip(w http.ResponseWriter, r *http.Request) {
	role, id, ok := s.participant(w, r)
	if !ok {
		return
	}
	var (
		d   models.TripDetails
		err error
	)
	if role == models.RoleDriver {
		d, err = s.store.ActiveForDriver(r.Context(), id)
	} else {
		d, err = s.store.ActiveForClient(r.Context(), id)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.FormatTrip(d))
}

type historyResponse struct {
	Trips []models.TripView `json:"trips"`
	Total int               `json:"total"`
	Page  int               `json:"page"`
	Limit int               `json:"limit"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	role, id, ok := s.participant(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := models.HistoryFilter{ParticipantID: id, Role: role}
	var errs []error
	if v := q.Get("status"); v != "" {
		st, err := models.ParseStatus(v)
		errs = append(errs, err)
		f.Status = st
	}
	f.Month = queryInt(q.Get("month"), 0, &errs)
	f.Year = queryInt(q.Get("year"), 0, &errs)
	f.Limit = queryInt(q.Get("limit"), 20, &errs)
	page := queryInt(q.Get("page"), 1, &errs)
	if err := errors.Join(errs...); err != nil {
		s.fail(w, r, err)
		return
	}
	if page < 1 {
		page = 1
	}
	if f.Limit < 1 {
		f.Limit = 20
	}
	f.Limit = min(f.Limit, storage.MaxHistoryLimit)
	f.Offset = (page - 1) * f.Limit

	trips, total, err := s.store.History(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Trips: models.FormatTrips(trips), Total: total, Page: page, Limit: f.Limit})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	role, id, ok := s.participant(w, r)
	if !ok {
		return
	}
	now := s.now().UTC()
	var errs []error
	month := queryInt(r.URL.Query().Get("month"), int(now.Month()), &errs)
	year := queryInt(r.URL.Query().Get("year"), now.Year(), &errs)
	if month < 1 || month > 12 {
		errs = append(errs, fmt.Errorf("%w: month must be 1-12", models.ErrBadPayload))
	}
	if err := errors.Join(errs...); err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := s.store.Stats(r.Context(), id, role, year, month)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	if s.ranker == nil {
		writeJSON(w, http.StatusOK, []matcher.Candidate{})
		return
	}
	q := r.URL.Query()
	var errs []error
	lat := queryFloat(q.Get("lat"), &errs)
	lng := queryFloat(q.Get("lng"), &errs)
	limit := queryInt(q.Get("limit"), 0, &errs)
	if err := errors.Join(errs...); err != nil {
		s.fail(w, r, err)
		return
	}
	near, err := s.ranker.Rank(r.Context(), models.Coord{Lat: lat, Lng: lng}, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, near)
}

// participant reads {role}/{id} and, on authenticated servers, checks they
// name the caller.
func (s *Server) participant(w http.ResponseWriter, r *http.Request) (models.ParticipantRole, string, bool) {
	vars := mux.Vars(r)
	role, err := models.ParseRole(vars["role"])
	if err != nil {
		s.fail(w, r, err)
		return "", "", false
	}
	id := vars["id"]
	if ident, ok := auth.IdentityFrom(r.Context()); ok && (ident.Role != role || ident.UserID != id) {
		writeError(w, http.StatusForbidden, "forbidden")
		return "", "", false
	}
	return role, id, true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeError(w, status, models.UserMessage(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrBadPayload):
		return http.StatusBadRequest
	case models.IsDomain(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(v string, def int, errs *[]error) int {
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%w: invalid integer %q", models.ErrBadPayload, v))
		return def
	}
	return i
}

func queryFloat(v string, errs *[]error) float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%w: invalid number %q", models.ErrBadPayload, v))
		return 0
	}
	return f
}

func newID() string { return uuid.NewString() }
