package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-lifecycle/internal/fare"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
	"github.com/example/ride-lifecycle/internal/payments"
	"github.com/example/ride-lifecycle/internal/rides"
	"github.com/example/ride-lifecycle/internal/webhook"
)

const maxWebhookBody = 1 << 20

// WebhookVerifier checks a signed payment processor delivery.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, signature string) (models.WebhookEvent, error)
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Deps struct {
	Rides     *rides.Registry
	Refunds   *payments.RefundService
	Fare      *fare.Estimator
	Webhooks  *webhook.Deduplicator
	Verifier  WebhookVerifier
	Realtime  http.Handler
	Auth      *Authenticator
	Readiness []ReadinessCheck
	Logger    *slog.Logger
}

type Server struct {
	rides    *rides.Registry
	refunds  *payments.RefundService
	fare     *fare.Estimator
	webhooks *webhook.Deduplicator
	verifier WebhookVerifier
	realtime http.Handler
	auth     *Authenticator
	ready    []ReadinessCheck
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		rides:    d.Rides,
		refunds:  d.Refunds,
		fare:     d.Fare,
		webhooks: d.Webhooks,
		verifier: d.Verifier,
		realtime: d.Realtime,
		auth:     d.Auth,
		ready:    d.Readiness,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/webhooks/payments", s.handleWebhook).Methods("POST")
	if s.realtime != nil {
		s.mux.Handle("/ws", s.realtime)
	}

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware, s.rideTagMiddleware)
	api.HandleFunc("/quotes", s.handleQuote).Methods("POST")
	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides", s.handleListRides).Methods("GET")
	api.HandleFunc("/rides/open", s.handleListOpenRides).Methods("GET")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/rides/{id}/start", s.handleStart).Methods("POST")
	api.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/rides/{id}/location", s.handleLocation).Methods("POST")
	api.HandleFunc("/refunds", s.handleRequestRefund).Methods("POST")
	api.HandleFunc("/refunds/{id}", s.handleGetRefund).Methods("GET")
	api.HandleFunc("/refunds/{id}/approve", s.requireRole(RoleAdmin, s.handleApproveRefund)).Methods("POST")
	api.HandleFunc("/refunds/{id}/reject", s.requireRole(RoleAdmin, s.handleRejectRefund)).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type coordInput struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

func (c *coordInput) coord(field string) (models.Coord, error) {
	if c == nil || c.Lat == nil || c.Lng == nil {
		return models.Coord{}, fmt.Errorf("%w: %s.lat and %s.lng are required", models.ErrValidation, field, field)
	}
	if !finite(*c.Lat) || !finite(*c.Lng) {
		return models.Coord{}, fmt.Errorf("%w: %s must be finite numbers", models.ErrValidation, field)
	}
	return models.Coord{Lat: *c.Lat, Lng: *c.Lng}, nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

type tripInput struct {
	Pickup    *coordInput `json:"pickup"`
	Dropoff   *coordInput `json:"dropoff"`
	RideClass string      `json:"rideClass"`
}

func (t tripInput) parse() (models.Coord, models.Coord, models.RideClass, error) {
	pickup, err := t.Pickup.coord("pickup")
	if err != nil {
		return models.Coord{}, models.Coord{}, "", err
	}
	dropoff, err := t.Dropoff.coord("dropoff")
	if err != nil {
		return models.Coord{}, models.Coord{}, "", err
	}
	class, ok := models.ParseRideClass(t.RideClass)
	if !ok {
		return models.Coord{}, models.Coord{}, "", fmt.Errorf("%w: unknown rideClass %q", models.ErrValidation, t.RideClass)
	}
	return pickup, dropoff, class, nil
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed JSON body: %v", models.ErrValidation, err)
	}
	return nil
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var in tripInput
	if err := decode(r, &in); err != nil {
		writeError(w, s.logger, err)
		return
	}
	pickup, dropoff, class, err := in.parse()
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	q, err := s.fare.Estimate(pickup, dropoff, class)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var in tripInput
	if err := decode(r, &in); err != nil {
		writeError(w, s.logger, err)
		return
	}
	pickup, dropoff, class, err := in.parse()
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	ride, err := s.rides.Request(pickup, dropoff, class)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	var filter *models.RideStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st, ok := models.ParseRideStatus(v)
		if !ok {
			writeError(w, s.logger, fmt.Errorf("%w: unknown status %q", models.ErrValidation, v))
			return
		}
		filter = &st
	}
	writeJSON(w, http.StatusOK, s.rides.List(filter))
}

func (s *Server) handleListOpenRides(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rides.ListOpen())
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var in struct {
		DriverID string `json:"driverId"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, s.logger, err)
		return
	}
	// payment side effects outlive a client that hangs up mid-request
	ctx := context.WithoutCancel(r.Context())
	ride, err := s.rides.Accept(ctx, mux.Vars(r)["id"], in.DriverID)
	s.respondRide(w, ride, err)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.Start(mux.Vars(r)["id"])
	s.respondRide(w, ride, err)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	ride, err := s.rides.Complete(ctx, mux.Vars(r)["id"])
	s.respondRide(w, ride, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.Cancel(mux.Vars(r)["id"])
	s.respondRide(w, ride, err)
}

func (s *Server) respondRide(w http.ResponseWriter, ride *models.Ride, err error) {
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var in coordInput
	if err := decode(r, &in); err != nil {
		writeError(w, s.logger, err)
		return
	}
	loc, err := in.coord("location")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.rides.RecordLocation(mux.Vars(r)["id"], loc); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRequestRefund(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RideID string  `json:"rideId"`
		Amount *int64  `json:"amount"`
		Reason *string `json:"reason"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, s.logger, err)
		return
	}
	refund, err := s.refunds.Request(in.RideID, in.Amount, in.Reason)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, refund)
}

func (s *Server) handleGetRefund(w http.ResponseWriter, r *http.Request) {
	refund, err := s.refunds.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}

func (s *Server) handleApproveRefund(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	refund, err := s.refunds.Approve(ctx, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}

func (s *Server) handleRejectRefund(w http.ResponseWriter, r *http.Request) {
	refund, err := s.refunds.Reject(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}

// handleWebhook verifies the signature before any dedup bookkeeping, so a
// forged delivery never marks an event id as processed.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil || s.webhooks == nil {
		writeErrorCode(w, http.StatusServiceUnavailable, "UNAVAILABLE", "payment webhooks are not configured")
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, s.logger, fmt.Errorf("%w: unreadable body", models.ErrValidation))
		return
	}
	ev, err := s.verifier.VerifyWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		observability.WebhookDeliveries.WithLabelValues("rejected").Inc()
		s.logger.WarnContext(r.Context(), "webhook rejected", "error", err)
		writeErrorCode(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid signature")
		return
	}
	err = s.webhooks.Process(context.WithoutCancel(r.Context()), ev)
	duplicate := errors.Is(err, models.ErrDuplicateEvent)
	result := "processed"
	if duplicate {
		result = "duplicate"
	}
	observability.WebhookDeliveries.WithLabelValues(result).Inc()
	writeJSON(w, http.StatusOK, map[string]bool{"received": true, "duplicate": duplicate})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, c := range s.ready {
		if err := c.Check(ctx); err != nil {
			http.Error(w, c.Name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
