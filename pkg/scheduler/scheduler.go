// Package scheduler hands out tasks to workers, folds their results into the
// test counters and drives tests to a verdict.
//
// All state of one test is mutated under that test's lock (see
// store.MemoryStore.WithTest), so claims, heartbeats, completions and the
// reclaim sweep are linearized per test while different tests proceed in
// parallel.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/chuckstables/fishtest/pkg/aggregator"
	"github.com/chuckstables/fishtest/pkg/logging"
	"github.com/chuckstables/fishtest/pkg/store"
)

// Config holds scheduler configuration
type Config struct {
	LeaseTimeout      time.Duration // How long a claim lives without a heartbeat
	SweepInterval     time.Duration // How often expired leases are reclaimed
	GamesPerSlot      int           // Games per granted concurrency slot
	MaxTaskGames      int           // Upper bound on a single task
	WorkerStaleAfter  time.Duration // Silence before a worker is reported stale
	WorkerForgetAfter time.Duration // Silence before an idle worker is dropped
	PersistInterval   time.Duration // Upper bound between snapshot flushes
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		LeaseTimeout:      15 * time.Minute,
		SweepInterval:     30 * time.Second,
		GamesPerSlot:      50,
		MaxTaskGames:      1000,
		WorkerStaleAfter:  30 * time.Minute,
		WorkerForgetAfter: 24 * time.Hour,
		PersistInterval:   5 * time.Second,
	}
}

// MetricsRecorder receives scheduler events. *metrics.Metrics implements it.
type MetricsRecorder interface {
	TaskAssigned(testID string)
	TaskReclaimed(testID string)
	NoWork()
	TaskCompleted(testID string)
	GamesMerged(testID string, games int)
	MalformedResult(exchange string)
	TestFinished(testID, status string)
	LLRUpdated(testID string, llr float64)
}

type nopMetrics struct{}

func (nopMetrics) TaskAssigned(string) {}
func (nopMetrics) TaskReclaimed(string) {}
func (nopMetrics) NoWork() {}
func (nopMetrics) TaskCompleted(string) {}
func (nopMetrics) GamesMerged(string, int) {}
func (nopMetrics) MalformedResult(string) {}
func (nopMetrics) TestFinished(string, string) {}
func (nopMetrics) LLRUpdated(string, float64) {}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option { return func(s *Scheduler) { s.metrics = m } }

// WithPersister enables snapshot persistence.
func WithPersister(p store.Persister) Option { return func(s *Scheduler) { s.persister = p } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithTracer sets the tracer used for scheduler spans.
func WithTracer(t trace.Tracer) Option { return func(s *Scheduler) { s.tracer = t } }

// WithIDGenerator replaces uuid generation, for tests.
func WithIDGenerator(fn func() string) Option { return func(s *Scheduler) { s.newID = fn } }

// Scheduler coordinates tests, tasks and workers.
type Scheduler struct {
	config    Config
	store     *store.MemoryStore
	workers   *store.WorkerRegistry
	agg       *aggregator.Aggregator
	persister store.Persister
	logger    *logging.Logger
	metrics   MetricsRecorder
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
	dirtyCh chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler over an empty in-memory store.
func New(config Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if config.LeaseTimeout <= 0 {
		config.LeaseTimeout = def.LeaseTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	if config.GamesPerSlot <= 0 {
		config.GamesPerSlot = def.GamesPerSlot
	}
	if config.MaxTaskGames < 2 {
		config.MaxTaskGames = def.MaxTaskGames
	}
	if config.WorkerStaleAfter <= 0 {
		config.WorkerStaleAfter = def.WorkerStaleAfter
	}
	if config.WorkerForgetAfter <= 0 {
		config.WorkerForgetAfter = def.WorkerForgetAfter
	}
	if config.PersistInterval <= 0 {
		config.PersistInterval = def.PersistInterval
	}

	s := &Scheduler{
		config:  config,
		store:   store.NewMemoryStore(),
		workers: store.NewWorkerRegistry(),
		agg:     aggregator.New(),
		logger:  logging.NewNopLogger(),
		metrics: nopMetrics{},
		tracer:  noop.NewTracerProvider().Tracer("scheduler"),
		now:     time.Now,
		newID:   uuid.NewString,
		dirty:   make(map[string]struct{}),
		dirtyCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("component", "scheduler")
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.config
}

// Start launches the reaper loop and, with a persister, the snapshot writer.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info("Scheduler started", logging.Fields{
		"lease_timeout":  s.config.LeaseTimeout.String(),
		"sweep_interval": s.config.SweepInterval.String(),
	})

	s.wg.Add(1)
	go s.reaperLoop(ctx)
	if s.persister != nil {
		s.wg.Add(1)
		go s.persistLoop(ctx)
	}
}

// Stop halts the background loops and flushes pending snapshots.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}
	err := s.Flush(ctx)
	s.logger.Info("Scheduler stopped")
	return err
}

// reaperLoop reclaims expired leases and refreshes worker health.
func (s *Scheduler) reaperLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ReclaimStaleTasks(ctx)
			s.RefreshWorkerHealth()
		}
	}
}

// RefreshWorkerHealth marks silent workers stale and forgets idle ones.
func (s *Scheduler) RefreshWorkerHealth() int {
	now := s.now()
	return s.workers.MarkStale(now.Add(-s.config.WorkerStaleAfter), now.Add(-s.config.WorkerForgetAfter))
}
