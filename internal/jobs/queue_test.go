package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/timmy/lookbook/internal/domain"
)

func waitTerminal(t *testing.T, tr Tracker, id string) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := tr.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
		if s.State.Terminal() {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return Snapshot{}
}

func files(names ...string) []domain.ImageFile {
	out := make([]domain.ImageFile, len(names))
	for i, n := range names {
		out[i] = domain.ImageFile{Filename: n, Data: []byte(n)}
	}
	return out
}

// echoHandler reports one success per file, in submission order.
func echoHandler(ctx context.Context, job Job, progress ProgressFunc) error {
	results := make([]domain.ItemResult, 0, len(job.Files))
	for i, f := range job.Files {
		results = append(results, domain.ItemResult{Filename: f.Filename, Status: domain.ItemStatusSuccess})
		if err := progress(ctx, i+1, results); err != nil {
			return err
		}
	}
	return nil
}

func TestQueueRunsJobToSuccess(t *testing.T) {
	tr := NewMemoryTracker(time.Hour)
	q := NewQueue(context.Background(), tr, echoHandler, QueueConfig{Workers: 2, Size: 4})
	defer q.Close()

	id, err := q.Submit(context.Background(), Spec{Username: "alice", Files: files("a.png", "b.png", "c.png")})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	s := waitTerminal(t, tr, id)
	if s.State != StateSucceeded {
		t.Fatalf("state = %s, want succeeded (error %q)", s.State, s.Error)
	}
	if s.Current != 3 || s.Total != 3 || s.Username != "alice" {
		t.Errorf("snapshot = %+v", s)
	}
	for i, want := range []string{"a.png", "b.png", "c.png"} {
		if s.Results[i].Filename != want {
			t.Errorf("results[%d] = %s, want %s", i, s.Results[i].Filename, want)
		}
	}
}

func TestQueueEmptyBatch(t *testing.T) {
	tr := NewMemoryTracker(time.Hour)
	q := NewQueue(context.Background(), tr, echoHandler, QueueConfig{Workers: 1, Size: 1})
	defer q.Close()

	id, err := q.Submit(context.Background(), Spec{Username: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	s := waitTerminal(t, tr, id)
	if s.State != StateSucceeded || s.Total != 0 || len(s.Results) != 0 {
		t.Errorf("snapshot = %+v", s)
	}
	if p := s.Status().Progress; p != 100 {
		t.Errorf("progress = %d, want 100", p)
	}
}

func TestQueueHandlerErrorFailsJob(t *testing.T) {
	tr := NewMemoryTracker(time.Hour)
	handler := func(ctx context.Context, job Job, progress ProgressFunc) error {
		return errors.New("database unavailable")
	}
	q := NewQueue(context.Background(), tr, handler, QueueConfig{Workers: 1, Size: 1})
	defer q.Close()

	id, err := q.Submit(context.Background(), Spec{Username: "alice", Files: files("a.png")})
	if err != nil {
		t.Fatal(err)
	}
	s := waitTerminal(t, tr, id)
	if s.State != StateFailed || s.Error != "database unavailable" {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestQueuePanicFailsJob(t *testing.T) {
	tr := NewMemoryTracker(time.Hour)
	handler := func(ctx context.Context, job Job, progress ProgressFunc) error {
		panic("boom")
	}
	q := NewQueue(context.Background(), tr, handler, QueueConfig{Workers: 1, Size: 2})
	defer q.Close()

	first, err := q.Submit(context.Background(), Spec{Username: "alice", Files: files("a.png")})
	if err != nil {
		t.Fatal(err)
	}
	if s := waitTerminal(t, tr, first); s.State != StateFailed {
		t.Errorf("state = %s, want failed", s.State)
	}

	// The worker survives the panic.
	second, err := q.Submit(context.Background(), Spec{Username: "alice", Files: files("b.png")})
	if err != nil {
		t.Fatal(err)
	}
	if s := waitTerminal(t, tr, second); s.State != StateFailed {
		t.Errorf("state = %s, want failed", s.State)
	}
}

func TestQueueFull(t *testing.T) {
	tr := NewMemoryTracker(time.Hour)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	handler := func(ctx context.Context, job Job, progress ProgressFunc) error {
		started <- struct{}{}
		<-release
		return nil
	}
	q := NewQueue(context.Background(), tr, handler, QueueConfig{Workers: 1, Size: 1})

	busy, err := q.Submit(context.Background(), Spec{Username: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	<-started
	queued, err := q.Submit(context.Background(), Spec{Username: "alice"})
	if err != nil {
		t.Fatal(err)
	}

	rejected, err := q.Submit(context.Background(), Spec{Username: "alice", Files: files("a.png")})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit() error = %v, want ErrQueueFull", err)
	}
	s, err := tr.Get(context.Background(), rejected)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != StateFailed {
		t.Errorf("rejected job state = %s, want failed", s.State)
	}

	close(release)
	q.Close()
	for _, id := range []string{busy, queued} {
		if s := waitTerminal(t, tr, id); s.State != StateSucceeded {
			t.Errorf("job %s state = %s", id, s.State)
		}
	}
}

func TestQueueCloseDrainsAndRejects(t *testing.T) {
	tr := NewMemoryTracker(time.Hour)
	q := NewQueue(context.Background(), tr, echoHandler, QueueConfig{Workers: 1, Size: 8})

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := q.Submit(context.Background(), Spec{Username: "alice", Files: files("a.png")})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	q.Close()

	for _, id := range ids {
		s, err := tr.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if s.State != StateSucceeded {
			t.Errorf("job %s state = %s after Close", id, s.State)
		}
	}

	if _, err := q.Submit(context.Background(), Spec{Username: "alice"}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Submit() after Close error = %v, want ErrQueueClosed", err)
	}
}

// recordingTracker captures every committed Current value.
type recordingTracker struct {
	Tracker
	mu       sync.Mutex
	currents []int
}

func (r *recordingTracker) Update(ctx context.Context, snap Snapshot) error {
	if err := r.Tracker.Update(ctx, snap); err != nil {
		return err
	}
	r.mu.Lock()
	r.currents = append(r.currents, snap.Current)
	r.mu.Unlock()
	return nil
}

func TestQueueProgressIsMonotonic(t *testing.T) {
	tr := &recordingTracker{Tracker: NewMemoryTracker(time.Hour)}
	q := NewQueue(context.Background(), tr, echoHandler, QueueConfig{Workers: 1, Size: 1})

	id, err := q.Submit(context.Background(), Spec{Username: "alice", Files: files("a", "b", "c", "d")})
	if err != nil {
		t.Fatal(err)
	}
	q.Close()
	waitTerminal(t, tr, id)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	want := []int{0, 1, 2, 3, 4, 4}
	if len(tr.currents) != len(want) {
		t.Fatalf("updates = %v, want %v", tr.currents, want)
	}
	for i := range want {
		if tr.currents[i] != want[i] {
			t.Fatalf("updates = %v, want %v", tr.currents, want)
		}
	}
}

// droppingTracker rejects the progress update that reports Current == drop.
type droppingTracker struct {
	Tracker
	drop int
}

func (d *droppingTracker) Update(ctx context.Context, snap Snapshot) error {
	if snap.State == StateRunning && snap.Current == d.drop {
		return errors.New("tracker unavailable")
	}
	return d.Tracker.Update(ctx, snap)
}

func TestQueueFinalSnapshotCarriesUnpublishedProgress(t *testing.T) {
	tr := &droppingTracker{Tracker: NewMemoryTracker(time.Hour), drop: 3}
	// Like the ingest pipeline, keep going when a progress update is lost.
	handler := func(ctx context.Context, job Job, progress ProgressFunc) error {
		results := make([]domain.ItemResult, 0, len(job.Files))
		for i, f := range job.Files {
			results = append(results, domain.ItemResult{Filename: f.Filename, Status: domain.ItemStatusSuccess})
			_ = progress(ctx, i+1, results)
		}
		return nil
	}
	q := NewQueue(context.Background(), tr, handler, QueueConfig{Workers: 1, Size: 1})

	id, err := q.Submit(context.Background(), Spec{Username: "alice", Files: files("a", "b", "c")})
	if err != nil {
		t.Fatal(err)
	}
	q.Close()

	s := waitTerminal(t, tr, id)
	if s.State != StateSucceeded {
		t.Fatalf("state = %s, want succeeded (error %q)", s.State, s.Error)
	}
	if s.Current != 3 || len(s.Results) != 3 {
		t.Errorf("current = %d, results = %d, want 3 and 3", s.Current, len(s.Results))
	}
}
