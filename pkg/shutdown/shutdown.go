package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chuckstables/fishtest/pkg/logging"
)

// Manager handles graceful shutdown
type Manager struct {
	shutdownFuncs []namedFunc
	mu            sync.Mutex
	timeout       time.Duration
	doneChan      chan struct{}
	once          sync.Once
	logger        *logging.Logger
}

type namedFunc struct {
	name string
	fn   func(context.Context) error
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Manager{
		timeout:  timeout,
		doneChan: make(chan struct{}),
		logger:   logger,
	}
}

// Register adds a shutdown function
// Functions are called in reverse order (LIFO)
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownFuncs = append(m.shutdownFuncs, namedFunc{name: name, fn: fn})
}

// Trigger starts shutdown without a signal. Safe to call more than once.
func (m *Manager) Trigger(reason string) {
	m.once.Do(func() {
		m.logger.Info("Initiating graceful shutdown", logging.Fields{"reason": reason})
		close(m.doneChan)
	})
}

// Done returns a channel that is closed when shutdown is initiated
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// WaitWithContext blocks until SIGINT/SIGTERM, Trigger, or ctx cancellation.
func (m *Manager) WaitWithContext(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.Trigger(sig.String())
		return nil
	case <-m.doneChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown executes all registered shutdown functions and joins their errors.
func (m *Manager) Shutdown() error {
	m.Trigger("shutdown requested")

	m.mu.Lock()
	funcs := make([]namedFunc, len(m.shutdownFuncs))
	copy(funcs, m.shutdownFuncs)
	m.shutdownFuncs = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for i := len(funcs) - 1; i >= 0; i-- {
		f := funcs[i]
		if err := f.fn(ctx); err != nil {
			m.logger.Error("Shutdown step failed", logging.Fields{"step": f.name, "error": err})
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
			continue
		}
		m.logger.Debug("Shutdown step complete", logging.Fields{"step": f.name})
	}

	m.logger.Info("Graceful shutdown complete")
	return errors.Join(errs...)
}

// StopHTTPServer creates a shutdown function for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop HTTP server: %w", err)
		}
		return nil
	}
}

// CloseResource creates a shutdown function for io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return closer.Close()
	}
}

// WaitFor polls checkFunc until it reports true or the shutdown deadline hits.
func WaitFor(checkFunc func() bool, pollInterval time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			if checkFunc() {
				return nil
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("timed out: %w", ctx.Err())
			case <-ticker.C:
			}
		}
	}
}
