package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"podtrack/auth"
	"podtrack/delivery"
	"podtrack/jobfile"
	"podtrack/metrics"
	"podtrack/tracking"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
	ListActiveDrivers(ctx context.Context) ([]auth.User, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type trackingService interface {
	Track(ctx context.Context, token string) (tracking.View, error)
}

type deliveryService interface {
	Create(ctx context.Context, actor delivery.Actor, params delivery.CreateParams) (delivery.Record, error)
	AssignDriver(ctx context.Context, actor delivery.Actor, deliveryID, driverID string) (delivery.Record, error)
	StartDelivery(ctx context.Context, actor delivery.Actor, deliveryID string) (delivery.Record, error)
	Complete(ctx context.Context, actor delivery.Actor, params delivery.CompleteParams) (delivery.Record, error)
	Fail(ctx context.Context, actor delivery.Actor, deliveryID, reason string) (delivery.Record, error)
	Cancel(ctx context.Context, actor delivery.Actor, deliveryID string, reason *string) (delivery.Record, error)
	Get(ctx context.Context, actor delivery.Actor, deliveryID string) (delivery.Record, error)
	List(ctx context.Context, actor delivery.Actor, filters delivery.Filters) (delivery.ListResult, error)
	ListForDriver(ctx context.Context, actor delivery.Actor, pendingOnly bool, page int) (delivery.ListResult, error)
	Stats(ctx context.Context, actor delivery.Actor) (delivery.Stats, error)
}

type jobFileService interface {
	Search(ctx context.Context, q string, limit int) ([]jobfile.Record, error)
	Create(ctx context.Context, params jobfile.CreateParams) (jobfile.Record, error)
}

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	authService     authService
	trackingService trackingService
	deliveryService deliveryService
	jobFileService  jobFileService
	limiter         *ipRateLimiter
	logger          *zap.Logger
}

func (s *Server) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

// routes builds the full handler chain.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	track := http.Handler(http.HandlerFunc(s.handleTrack))
	if s.limiter != nil {
		track = s.limiter.middleware(track)
	}

	mux.Handle("/health", metrics.InstrumentHandler("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/track/", metrics.InstrumentHandler("track", track))
	mux.Handle("/api/auth/register", metrics.InstrumentHandler("register", http.HandlerFunc(s.handleRegister)))
	mux.Handle("/api/auth/login", metrics.InstrumentHandler("login", http.HandlerFunc(s.handleLogin)))
	mux.Handle("/api/me", metrics.InstrumentHandler("me", s.requireAuth(s.handleMe)))
	mux.Handle("/api/drivers", metrics.InstrumentHandler("drivers", s.requireAuth(s.handleDrivers)))
	mux.Handle("/api/jobfiles", metrics.InstrumentHandler("jobfiles", s.requireAuth(s.handleJobFiles)))
	mux.Handle("/api/deliveries", metrics.InstrumentHandler("deliveries", s.requireAuth(s.handleDeliveries)))
	mux.Handle("/api/deliveries/", metrics.InstrumentHandler("delivery_detail", s.requireAuth(s.handleDeliveryDetail)))
	mux.Handle("/api/driver/deliveries", metrics.InstrumentHandler("driver_deliveries", s.requireAuth(s.handleDriverDeliveries)))

	return requestIDMiddleware(s.logRequests(s.recoverPanics(mux)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func actorFrom(r *http.Request) (delivery.Actor, bool) {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	if userID == "" {
		return delivery.Actor{}, false
	}
	return delivery.Actor{ID: userID, Role: role}, true
}

func isStaffRole(role auth.Role) bool {
	return role == auth.RoleStaff || role == auth.RoleAdmin
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
