// Package inmem provides an in-memory capability registry for tests and
// local development. The registry holds records in a map keyed by
// capability id and serves defensive copies, making it safe to share
// across concurrently executing runs.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/awesomeposter/flex/flex/registry"
)

// Registry implements registry.Registry in memory. All operations are
// thread-safe via sync.RWMutex.
type Registry struct {
	mu      sync.RWMutex
	records map[string]registry.Record
	order   []string
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{records: make(map[string]registry.Record)}
}

// Register adds or replaces a capability record. Records without a status
// default to active.
func (r *Registry) Register(rec registry.Record) error {
	if rec.CapabilityID == "" {
		return fmt.Errorf("registry: capability id is required")
	}
	if rec.Status == "" {
		rec.Status = registry.StatusActive
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[rec.CapabilityID]; !exists {
		r.order = append(r.order, rec.CapabilityID)
	}
	r.records[rec.CapabilityID] = rec.Clone()
	return nil
}

// Get implements registry.Registry.
func (r *Registry) Get(_ context.Context, id string) (registry.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return registry.Record{}, fmt.Errorf("registry: %q: %w", id, registry.ErrNotFound)
	}
	return rec.Clone(), nil
}

// Snapshot implements registry.Registry. Inactive capabilities are
// excluded; order follows registration order.
func (r *Registry) Snapshot(_ context.Context) ([]registry.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]registry.Record, 0, len(r.records))
	for _, id := range r.order {
		rec := r.records[id]
		if rec.Status != registry.StatusActive {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out, nil
}
