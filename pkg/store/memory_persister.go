package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemoryPersister keeps snapshots in process memory. Snapshots are stored
// serialized so later mutation of the caller's values cannot leak in.
type MemoryPersister struct {
	mu    sync.Mutex
	tests map[string][]byte
}

// NewMemoryPersister creates an empty in-memory persister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{tests: make(map[string][]byte)}
}

func (p *MemoryPersister) SaveTest(_ context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tests[snap.Test.ID] = data
	return nil
}

func (p *MemoryPersister) LoadTests(_ context.Context) ([]Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Snapshot, 0, len(p.tests))
	for _, data := range p.tests {
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Test.SequenceNumber < out[j].Test.SequenceNumber })
	return out, nil
}

func (p *MemoryPersister) DeleteTest(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tests, id)
	return nil
}

func (p *MemoryPersister) HealthCheck() error { return nil }

func (p *MemoryPersister) Vacuum(_ context.Context) error { return nil }

func (p *MemoryPersister) Close() error { return nil }
