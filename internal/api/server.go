// Package api exposes the booking engine over HTTP/JSON.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"examslots/internal/audit"
	"examslots/internal/availability"
	"examslots/internal/booking"
	"examslots/internal/manager"
	"examslots/internal/model"
	"examslots/internal/reminders"
)

// APIKeyHeader carries the admin key.
const APIKeyHeader = "X-Api-Key"

// Services are the engine components served by the API.
type Services struct {
	Availability *availability.Aggregator
	Bookings     *booking.Service
	Manager      *manager.Service
	Audit        *audit.Service
	Reminders    *reminders.Service
}

// Config holds HTTP server settings.
type Config struct {
	Address       string
	AdminKeys     []string
	LookaheadDays int
}

// HTTPServer serves the public and admin JSON endpoints.
type HTTPServer struct {
	svc       Services
	adminKeys [][]byte
	lookahead int
	logger    zerolog.Logger
	server    *http.Server
}

// NewHTTPServer builds the server and its routes.
func NewHTTPServer(cfg Config, svc Services, logger zerolog.Logger) *HTTPServer {
	s := &HTTPServer{
		svc:       svc,
		lookahead: cfg.LookaheadDays,
		logger:    logger.With().Str("component", "api").Logger(),
	}
	if s.lookahead <= 0 {
		s.lookahead = 60
	}
	for _, k := range cfg.AdminKeys {
		if k = strings.TrimSpace(k); k != "" {
			s.adminKeys = append(s.adminKeys, []byte(k))
		}
	}

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *HTTPServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/exam-slots/dates", s.handleAvailableDates)
	mux.HandleFunc("GET /api/exam-slots/durations", s.handleAvailableDurations)
	mux.HandleFunc("GET /api/exam-slots/available", s.handleAvailableSlots)
	mux.HandleFunc("POST /api/bookings", s.handleCreateBooking)
	mux.HandleFunc("POST /api/bookings/search", s.handleSearchBooking)
	mux.HandleFunc("GET /api/bookings/manage/{token}", s.handleGetManagedBooking)
	mux.HandleFunc("PATCH /api/bookings/manage/{token}", s.handleUpdateManagedBooking)
	mux.HandleFunc("DELETE /api/bookings/manage/{token}", s.handleCancelManagedBooking)

	admin := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.requireAdmin(h))
	}
	admin("GET /api/admin/exam-slots", s.handleListSlots)
	admin("POST /api/admin/exam-slots", s.handleCreateSlot)
	admin("POST /api/admin/exam-slots/bulk", s.handleBulkCreateSlots)
	admin("PATCH /api/admin/exam-slots/bulk", s.handleBulkSetActive)
	admin("DELETE /api/admin/exam-slots/bulk", s.handleBulkDeleteSlots)
	admin("GET /api/admin/exam-slots/{id}", s.handleGetSlot)
	admin("PATCH /api/admin/exam-slots/{id}", s.handleUpdateSlot)
	admin("DELETE /api/admin/exam-slots/{id}", s.handleDeleteSlot)
	admin("GET /api/admin/bookings", s.handleListBookings)
	admin("PATCH /api/admin/bookings/{id}", s.handleAdminRescheduleBooking)
	admin("DELETE /api/admin/bookings/{id}", s.handleAdminCancelBooking)
	admin("POST /api/admin/bookings/bulk-delete", s.handlePurgeBookings)
	admin("GET /api/admin/bookings/export", s.handleExportBookings)
	admin("GET /api/admin/analytics", s.handleAnalytics)
	admin("GET /api/admin/reminders", s.handlePendingReminders)
	admin("POST /api/admin/reminders/send", s.handleSendReminders)

	return mux
}

// requireAdmin rejects requests without a configured X-Api-Key. With no keys
// configured every admin request is rejected.
func (s *HTTPServer) requireAdmin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := []byte(r.Header.Get(APIKeyHeader))
		if len(key) == 0 || !s.validKey(key) {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next(w, r)
	})
}

func (s *HTTPServer) validKey(key []byte) bool {
	ok := false
	for _, k := range s.adminKeys {
		if subtle.ConstantTimeCompare(key, k) == 1 {
			ok = true
		}
	}
	return ok
}

type errorResponse struct {
	Error  string           `json:"error"`
	Kind   model.ErrorKind  `json:"kind,omitempty"`
	Rows   []int            `json:"rows,omitempty"`
	Window *model.TimeRange `json:"window,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps typed engine errors to HTTP statuses. Anything
// untyped is logged and reported as an internal error.
func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	var e *model.Error
	if !errors.As(err, &e) {
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, statusFor(e.Kind), errorResponse{
		Error:  e.Error(),
		Kind:   e.Kind,
		Rows:   e.Rows,
		Window: e.Window,
	})
}

func statusFor(kind model.ErrorKind) int {
	switch kind {
	case model.KindSlotNotFound, model.KindBookingNotFound:
		return http.StatusNotFound
	case model.KindRowTimeConflict:
		return http.StatusConflict
	case model.KindReferenceGenerationExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
