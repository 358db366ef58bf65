// Package jobs tracks background ingestion jobs and runs them on a fixed worker pool.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/timmy/lookbook/internal/domain"
)

var (
	// ErrNotFound is returned for an unknown or expired job id.
	ErrNotFound = errors.New("job not found")

	// ErrTerminal is returned when updating a job that already succeeded or failed.
	ErrTerminal = errors.New("job already finished")

	// ErrRegression is returned when an update moves progress backwards.
	ErrRegression = errors.New("job progress cannot decrease")

	// ErrInvalidTransition is returned for a state change the job lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// State is the lifecycle state of a job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether no further updates are accepted in this state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Snapshot is the latest committed view of a job.
type Snapshot struct {
	ID        string              `json:"job_id"`
	Username  string              `json:"username"`
	State     State               `json:"state"`
	Current   int                 `json:"current"`
	Total     int                 `json:"total"`
	Results   []domain.ItemResult `json:"results"`
	Error     string              `json:"error,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Clone returns a copy that shares no slice with s.
func (s Snapshot) Clone() Snapshot {
	s.Results = slices.Clone(s.Results)
	if s.Results == nil {
		s.Results = []domain.ItemResult{}
	}
	return s
}

// Status is a Snapshot with counters derived for clients polling a job.
type Status struct {
	Snapshot
	Progress       int `json:"progress"`
	SuccessCount   int `json:"success_count"`
	DuplicateCount int `json:"duplicate_count"`
	ErrorCount     int `json:"error_count"`
}

// Status derives progress percent and outcome counts from the results.
func (s Snapshot) Status() Status {
	st := Status{Snapshot: s.Clone()}
	for _, r := range s.Results {
		switch r.Status {
		case domain.ItemStatusSuccess:
			st.SuccessCount++
		case domain.ItemStatusDuplicate:
			st.DuplicateCount++
		case domain.ItemStatusError:
			st.ErrorCount++
		}
	}
	switch {
	case s.Total > 0:
		st.Progress = s.Current * 100 / s.Total
	case s.State == StateSucceeded:
		st.Progress = 100
	}
	return st
}

// Tracker stores job snapshots. Implementations enforce the lifecycle in checkTransition.
type Tracker interface {
	// Create stores a new pending snapshot.
	Create(ctx context.Context, snap Snapshot) error
	// Update replaces the snapshot of snap.ID if the change is a valid transition.
	Update(ctx context.Context, snap Snapshot) error
	// Get returns the latest snapshot or ErrNotFound.
	Get(ctx context.Context, id string) (Snapshot, error)
}

// checkTransition validates next against the committed prev.
//
// Allowed: pending->running, pending->failed, running->running,
// running->succeeded, running->failed. Current never decreases and the
// results list is append-only: committed entries are never changed or reordered.
func checkTransition(prev, next Snapshot) error {
	if prev.State.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrTerminal, prev.ID, prev.State)
	}

	ok := false
	switch prev.State {
	case StatePending:
		ok = next.State == StateRunning || next.State == StateFailed
	case StateRunning:
		ok = next.State == StateRunning || next.State == StateSucceeded || next.State == StateFailed
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.State, next.State)
	}

	if next.Current < prev.Current || len(next.Results) < len(prev.Results) {
		return fmt.Errorf("%w: job %s at %d, update to %d", ErrRegression, prev.ID, prev.Current, next.Current)
	}
	if !slices.Equal(prev.Results, next.Results[:len(prev.Results)]) {
		return fmt.Errorf("%w: job %s rewrites committed results", ErrRegression, prev.ID)
	}
	return nil
}

// merge carries identity fields of prev into next and stamps the update time.
func merge(prev, next Snapshot, now time.Time) Snapshot {
	next = next.Clone()
	next.ID = prev.ID
	next.Username = prev.Username
	next.CreatedAt = prev.CreatedAt
	if next.Total == 0 {
		next.Total = prev.Total
	}
	next.UpdatedAt = now
	return next
}
