// Package aggregator accumulates per-test result counters.
//
// Merging is integer addition, so the totals do not depend on the order in
// which deltas arrive or how they are grouped. Reclaimed work is removed by
// merging the negated partial result.
package aggregator

import (
	"sync"

	"github.com/chuckstables/fishtest/pkg/models"
)

// Aggregator owns the running counters of every test.
type Aggregator struct {
	mu       sync.RWMutex
	counters map[string]models.ResultCounters
}

// New creates an empty aggregator.
func New() *Aggregator {
	return &Aggregator{counters: make(map[string]models.ResultCounters)}
}

// Merge adds delta to the counters of testID and returns the new totals.
func (a *Aggregator) Merge(testID string, delta models.ResultCounters) models.ResultCounters {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := a.counters[testID].Add(delta)
	a.counters[testID] = total
	return total
}

// Counters returns the current totals of testID.
func (a *Aggregator) Counters(testID string) models.ResultCounters {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.counters[testID]
}

// Reset replaces the totals of testID, used when state is rebuilt after a restart.
func (a *Aggregator) Reset(testID string, c models.ResultCounters) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counters[testID] = c
}

// Forget drops testID.
func (a *Aggregator) Forget(testID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.counters, testID)
}

// Sum folds deltas into a single counter set.
func Sum(deltas ...models.ResultCounters) models.ResultCounters {
	var total models.ResultCounters
	for _, d := range deltas {
		total = total.Add(d)
	}
	return total
}
