// Package api serves the coordinator's HTTP interface: the worker protocol
// (request, update, complete) and the operator endpoints for managing tests.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/chuckstables/fishtest/pkg/logging"
	"github.com/chuckstables/fishtest/pkg/models"
	"github.com/chuckstables/fishtest/pkg/scheduler"
	"github.com/chuckstables/fishtest/pkg/sprt"
)

// Coordinator is the part of the scheduler the HTTP layer drives.
type Coordinator interface {
	RequestTask(ctx context.Context, workerID string, capability models.Capability) (*models.TaskAssignment, error)
	Heartbeat(ctx context.Context, workerID, taskID string, partial models.ResultCounters) (models.UpdateStatus, error)
	CompleteTask(ctx context.Context, workerID, taskID string, final models.ResultCounters) error
	AbortTask(ctx context.Context, workerID, taskID, reason string) error
	TouchWorker(workerID, name string, capability *models.Capability)

	CreateTest(ctx context.Context, req models.TestRequest) (*models.Test, error)
	GetTest(ctx context.Context, testID string) (models.TestView, error)
	ListTests(ctx context.Context, status models.TestStatus) []models.TestView
	ListTasks(ctx context.Context, testID string) ([]models.Task, error)
	StopTest(ctx context.Context, testID, reason string) error
	DeleteTest(ctx context.Context, testID string) error
	SetPriority(ctx context.Context, testID string, priority int) error
	ResolveTestID(ref string) (string, error)
	ListWorkers() []models.Worker
}

// ExchangeRecorder counts worker protocol exchanges.
type ExchangeRecorder interface {
	RecordExchange(endpoint, status string)
}

type nopRecorder struct{}

func (nopRecorder) RecordExchange(string, string) {}

// Handler handles coordinator HTTP requests.
type Handler struct {
	coord       Coordinator
	validate    *validator.Validate
	logger      *logging.Logger
	exchanges   ExchangeRecorder
	noWorkRetry time.Duration
	health      func() error

	workerMiddleware   []mux.MiddlewareFunc
	operatorMiddleware []mux.MiddlewareFunc
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the request logger.
func WithLogger(l *logging.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithExchangeRecorder counts worker exchanges, typically into Prometheus.
func WithExchangeRecorder(r ExchangeRecorder) Option {
	return func(h *Handler) { h.exchanges = r }
}

// WithNoWorkRetry sets the retry hint sent with no_work answers.
func WithNoWorkRetry(d time.Duration) Option {
	return func(h *Handler) { h.noWorkRetry = d }
}

// WithHealthCheck makes /health report the result of fn, e.g. a database ping.
func WithHealthCheck(fn func() error) Option {
	return func(h *Handler) { h.health = fn }
}

// WithWorkerMiddleware wraps the worker protocol routes, e.g. rate limiting.
func WithWorkerMiddleware(mw ...mux.MiddlewareFunc) Option {
	return func(h *Handler) { h.workerMiddleware = append(h.workerMiddleware, mw...) }
}

// WithOperatorMiddleware wraps the operator routes, e.g. API key checks.
func WithOperatorMiddleware(mw ...mux.MiddlewareFunc) Option {
	return func(h *Handler) { h.operatorMiddleware = append(h.operatorMiddleware, mw...) }
}

// NewHandler creates a new handler
func NewHandler(coord Coordinator, opts ...Option) *Handler {
	h := &Handler{
		coord:       coord,
		validate:    validator.New(),
		logger:      logging.NewNopLogger(),
		exchanges:   nopRecorder{},
		noWorkRetry: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers all HTTP routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")

	worker := r.PathPrefix("/task").Subrouter()
	for _, mw := range h.workerMiddleware {
		worker.Use(mw)
	}
	worker.HandleFunc("/request", h.RequestTask).Methods("POST")
	worker.HandleFunc("/update", h.UpdateTask).Methods("POST")
	worker.HandleFunc("/complete", h.CompleteTask).Methods("POST")
	worker.HandleFunc("/abort", h.AbortTask).Methods("POST")

	op := r.NewRoute().Subrouter()
	for _, mw := range h.operatorMiddleware {
		op.Use(mw)
	}
	op.HandleFunc("/tests", h.CreateTest).Methods("POST")
	op.HandleFunc("/tests", h.ListTests).Methods("GET")
	op.HandleFunc("/tests/{id}", h.GetTest).Methods("GET")
	op.HandleFunc("/tests/{id}", h.DeleteTest).Methods("DELETE")
	op.HandleFunc("/tests/{id}/tasks", h.ListTasks).Methods("GET")
	op.HandleFunc("/tests/{id}/stop", h.StopTest).Methods("POST")
	op.HandleFunc("/tests/{id}/priority", h.SetPriority).Methods("POST")
	op.HandleFunc("/workers", h.ListWorkers).Methods("GET")
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{"status": "healthy"}
	code := http.StatusOK
	if h.health != nil {
		if err := h.health(); err != nil {
			status = map[string]interface{}{"status": "unhealthy", "error": err.Error()}
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, status)
}

// decode reads a JSON body into v and runs struct validation.
func (h *Handler) decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := h.validate.Struct(v); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// testID resolves the {id} path variable, which may be a sequence number.
func (h *Handler) testID(r *http.Request) (string, error) {
	return h.coord.ResolveTestID(mux.Vars(r)["id"])
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps scheduler errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, scheduler.ErrTestNotFound):
		code = http.StatusNotFound
	case errors.Is(err, scheduler.ErrInvalidTransition):
		code = http.StatusConflict
	case errors.Is(err, scheduler.ErrInvalidTest), errors.Is(err, sprt.ErrVerdictComputation):
		code = http.StatusBadRequest
	}
	http.Error(w, err.Error(), code)
}

func retryAfterSeconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
