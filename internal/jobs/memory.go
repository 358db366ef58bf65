package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryTracker keeps snapshots in process memory. Finished jobs older than
// the retention period are dropped lazily.
type MemoryTracker struct {
	mu        sync.RWMutex
	jobs      map[string]Snapshot
	retention time.Duration
	now       func() time.Time
}

// NewMemoryTracker creates a tracker; retention <= 0 keeps jobs forever.
func NewMemoryTracker(retention time.Duration) *MemoryTracker {
	return &MemoryTracker{
		jobs:      make(map[string]Snapshot),
		retention: retention,
		now:       time.Now,
	}
}

func (t *MemoryTracker) expired(s Snapshot, now time.Time) bool {
	return t.retention > 0 && s.State.Terminal() && now.Sub(s.UpdatedAt) > t.retention
}

// Create stores a new snapshot and prunes expired jobs.
func (t *MemoryTracker) Create(ctx context.Context, snap Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("job id is required")
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for id, s := range t.jobs {
		if t.expired(s, now) {
			delete(t.jobs, id)
		}
	}
	if _, ok := t.jobs[snap.ID]; ok {
		return fmt.Errorf("job %s already exists", snap.ID)
	}

	snap = snap.Clone()
	if snap.State == "" {
		snap.State = StatePending
	}
	snap.CreatedAt = now
	snap.UpdatedAt = now
	t.jobs[snap.ID] = snap
	return nil
}

// Update validates and commits a new snapshot.
func (t *MemoryTracker) Update(ctx context.Context, snap Snapshot) error {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.jobs[snap.ID]
	if !ok || t.expired(prev, now) {
		return fmt.Errorf("%w: %s", ErrNotFound, snap.ID)
	}
	if err := checkTransition(prev, snap); err != nil {
		return err
	}
	t.jobs[snap.ID] = merge(prev, snap, now)
	return nil
}

// Get returns a copy of the latest snapshot.
func (t *MemoryTracker) Get(ctx context.Context, id string) (Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.jobs[id]
	if !ok || t.expired(s, t.now()) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Clone(), nil
}
