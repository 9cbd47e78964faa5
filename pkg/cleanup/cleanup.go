package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/chuckstables/fishtest/pkg/logging"
)

// CleanupConfig defines retention policies and cleanup intervals
type CleanupConfig struct {
	Enabled         bool
	Retention       time.Duration
	CleanupInterval time.Duration
	VacuumInterval  time.Duration
	InitialDelay    time.Duration
}

// DefaultConfig returns sensible defaults for cleanup
func DefaultConfig() CleanupConfig {
	return CleanupConfig{
		Enabled:         true,
		Retention:       30 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		VacuumInterval:  24 * time.Hour,
		InitialDelay:    5 * time.Minute,
	}
}

// Purger removes terminal tests that finished before cutoff.
type Purger interface {
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error)
}

// Vacuumer reclaims storage space.
type Vacuumer interface {
	Vacuum(ctx context.Context) error
}

// CleanupManager handles automatic cleanup of old tests and maintenance
type CleanupManager struct {
	config   CleanupConfig
	purger   Purger
	vacuumer Vacuumer
	logger   *logging.Logger
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats CleanupStats
}

// CleanupStats tracks cleanup operations
type CleanupStats struct {
	LastCleanupTime     time.Time
	LastVacuumTime      time.Time
	TotalTestsDeleted   int64
	TotalVacuumRuns     int64
	LastCleanupDuration time.Duration
	LastVacuumDuration  time.Duration
}

// NewCleanupManager creates a new cleanup manager. vacuumer may be nil.
func NewCleanupManager(config CleanupConfig, purger Purger, vacuumer Vacuumer, logger *logging.Logger) *CleanupManager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &CleanupManager{
		config:   config,
		purger:   purger,
		vacuumer: vacuumer,
		logger:   logger.WithField("component", "cleanup"),
		now:      time.Now,
	}
}

// Start begins the automatic cleanup process
func (cm *CleanupManager) Start(ctx context.Context) {
	if !cm.config.Enabled {
		cm.logger.Info("Cleanup manager disabled")
		return
	}

	cm.logger.Info("Starting cleanup manager", logging.Fields{
		"retention": cm.config.Retention.String(),
		"interval":  cm.config.CleanupInterval.String(),
	})

	ctx, cm.cancel = context.WithCancel(ctx)
	cm.wg.Add(1)
	go cm.cleanupLoop(ctx)
	if cm.vacuumer != nil && cm.config.VacuumInterval > 0 {
		cm.wg.Add(1)
		go cm.vacuumLoop(ctx)
	}
}

// Stop gracefully stops the cleanup manager
func (cm *CleanupManager) Stop() {
	if cm.cancel == nil {
		return
	}
	cm.cancel()
	cm.wg.Wait()
	cm.logger.Info("Cleanup manager stopped")
}

func (cm *CleanupManager) cleanupLoop(ctx context.Context) {
	defer cm.wg.Done()

	select {
	case <-ctx.Done():
		return
	case <-time.After(cm.config.InitialDelay):
	}
	cm.CleanupNow(ctx)

	ticker := time.NewTicker(cm.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.CleanupNow(ctx)
		}
	}
}

func (cm *CleanupManager) vacuumLoop(ctx context.Context) {
	defer cm.wg.Done()

	ticker := time.NewTicker(cm.config.VacuumInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.VacuumNow(ctx)
		}
	}
}

// CleanupNow purges terminal tests older than the retention period.
func (cm *CleanupManager) CleanupNow(ctx context.Context) int {
	start := cm.now()
	cutoff := start.Add(-cm.config.Retention)

	deleted, err := cm.purger.PurgeTerminal(ctx, cutoff)
	if err != nil {
		cm.logger.Error("Test cleanup failed", logging.Fields{"error": err})
	}

	duration := cm.now().Sub(start)
	cm.mu.Lock()
	cm.stats.LastCleanupTime = start
	cm.stats.LastCleanupDuration = duration
	cm.stats.TotalTestsDeleted += int64(deleted)
	cm.mu.Unlock()

	if deleted > 0 {
		cm.logger.Info("Test cleanup complete", logging.Fields{
			"deleted":  deleted,
			"cutoff":   cutoff.Format(time.RFC3339),
			"duration": duration.String(),
		})
	}
	return deleted
}

// VacuumNow performs database maintenance
func (cm *CleanupManager) VacuumNow(ctx context.Context) {
	if cm.vacuumer == nil {
		return
	}
	start := cm.now()
	if err := cm.vacuumer.Vacuum(ctx); err != nil {
		cm.logger.Error("Database vacuum failed", logging.Fields{"error": err})
		return
	}

	duration := cm.now().Sub(start)
	cm.mu.Lock()
	cm.stats.LastVacuumTime = start
	cm.stats.LastVacuumDuration = duration
	cm.stats.TotalVacuumRuns++
	cm.mu.Unlock()

	cm.logger.Info("Database vacuum complete", logging.Fields{"duration": duration.String()})
}

// GetStats returns current cleanup statistics
func (cm *CleanupManager) GetStats() CleanupStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.stats
}
