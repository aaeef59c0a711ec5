// Package admin serves the operational HTTP endpoints of the relay: health, metrics,
// circuit inspection and outbox maintenance, plus the account endpoints when enabled.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/overtonx/relay"
	"github.com/overtonx/relay/account"
	"github.com/overtonx/relay/circuitbreaker"
	"github.com/overtonx/relay/ratelimit"
	"github.com/overtonx/relay/storage"
)

// Outbox is the part of *relay.Carrier the admin endpoints use.
type Outbox interface {
	Drain(ctx context.Context, opts ...relay.DrainOption) (relay.DrainResult, error)
	Requeue(ctx context.Context, id string) error
	Lookup(ctx context.Context, id string) (*storage.Record, error)
	History(ctx context.Context, aggregateType, aggregateID string) ([]storage.Record, error)
}

// Circuits is the part of *circuitbreaker.Breaker the admin endpoints use.
type Circuits interface {
	State(ctx context.Context, key string) (circuitbreaker.State, error)
	Failures(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// Accounts is the part of *account.Service the account endpoints use.
type Accounts interface {
	Register(ctx context.Context, in account.RegisterInput) (*account.User, error)
	Authenticate(ctx context.Context, in account.AuthenticateInput) (*account.User, error)
}

type Server struct {
	outbox    Outbox
	circuits  Circuits
	limiter   *ratelimit.Limiter
	logger    *zap.Logger
	metrics   relay.MetricsCollector
	exporter  http.Handler
	drainOpts []relay.DrainOption

	accounts        Accounts
	registerLimiter *ratelimit.Limiter
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics records request counts and durations and serves exporter on /metrics.
func WithMetrics(metrics relay.MetricsCollector, exporter http.Handler) Option {
	return func(s *Server) {
		s.metrics = metrics
		s.exporter = exporter
	}
}

// WithDrainOptions sets the options of drains triggered over HTTP.
func WithDrainOptions(opts ...relay.DrainOption) Option {
	return func(s *Server) {
		s.drainOpts = opts
	}
}

// WithAccounts mounts POST /api/register and POST /api/login.
// Registrations are limited per client IP by limiter; logins are limited by the service per email.
func WithAccounts(accounts Accounts, limiter *ratelimit.Limiter) Option {
	return func(s *Server) {
		s.accounts = accounts
		s.registerLimiter = limiter
	}
}

func New(outbox Outbox, circuits Circuits, limiter *ratelimit.Limiter, opts ...Option) *Server {
	s := &Server{
		outbox:   outbox,
		circuits: circuits,
		limiter:  limiter,
		logger:   zap.NewNop(),
		metrics:  relay.NewNopMetricsCollector(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)

	r.Get("/healthz", s.health)
	if s.exporter != nil {
		r.Method(http.MethodGet, "/metrics", s.exporter)
	}

	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(s.limiter, ratelimit.ClientIPKey("admin")))

		r.Get("/circuits/{key}", s.circuitState)
		r.Post("/circuits/{key}/reset", s.resetCircuit)

		r.Post("/outbox/drain", s.drain)
		r.Get("/outbox/{id}", s.lookup)
		r.Post("/outbox/{id}/requeue", s.requeue)
		r.Get("/outbox/aggregates/{type}/{id}", s.history)
	})

	if s.accounts != nil {
		r.Route("/api", func(r chi.Router) {
			r.With(ratelimit.Middleware(s.registerLimiter, ratelimit.ClientIPKey("register"))).
				Post("/register", s.register)
			r.Post("/login", s.login)
		})
	}

	return r
}

// metricsMiddleware records RED metrics per route pattern.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil && routeCtx.RoutePattern() != "" {
			path = routeCtx.RoutePattern()
		}
		tags := map[string]string{
			"path":   path,
			"method": r.Method,
			"status": strconv.Itoa(ww.Status()),
		}
		s.metrics.IncrementCounter("http.requests", tags)
		s.metrics.RecordDuration("http.request.duration", time.Since(start), tags)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to write response", zap.Error(err))
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("Admin request failed", zap.Int("status", status), zap.Error(err))
	}
	s.writeJSON(w, status, errorBody{Error: http.StatusText(status), Message: err.Error()})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type circuitResponse struct {
	Key      string `json:"key"`
	State    string `json:"state"`
	Failures int64  `json:"failures"`
}

func (s *Server) circuitState(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	state, err := s.circuits.State(r.Context(), key)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	failures, err := s.circuits.Failures(r.Context(), key)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, circuitResponse{Key: key, State: state.String(), Failures: failures})
}

func (s *Server) resetCircuit(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if err := s.circuits.Reset(r.Context(), key); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.logger.Info("Circuit reset over admin API", zap.String("service", key))
	s.writeJSON(w, http.StatusOK, circuitResponse{Key: key, State: circuitbreaker.StateClosed.String()})
}

type drainResponse struct {
	relay.DrainResult
	Error string `json:"error,omitempty"`
}

func (s *Server) drain(w http.ResponseWriter, r *http.Request) {
	result, err := s.outbox.Drain(r.Context(), s.drainOpts...)
	if errors.Is(err, relay.ErrDrainInProgress) {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		s.logger.Error("Drain over admin API aborted", zap.Error(err))
		s.writeJSON(w, http.StatusServiceUnavailable, drainResponse{DrainResult: result, Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, drainResponse{DrainResult: result})
}

func recordStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) {
	record, err := s.outbox.Lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, recordStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, newRecordView(*record))
}

func (s *Server) requeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.outbox.Requeue(r.Context(), id); err != nil {
		s.writeError(w, recordStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	records, err := s.outbox.History(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]recordView, 0, len(records))
	for _, record := range records {
		views = append(views, newRecordView(record))
	}
	s.writeJSON(w, http.StatusOK, views)
}
