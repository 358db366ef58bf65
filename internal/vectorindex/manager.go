package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/timmy/lookbook/internal/logger"
	"golang.org/x/sync/singleflight"
)

// Stats describes the persisted state of one user's index.
type Stats struct {
	Username   string `json:"username"`
	Entries    int    `json:"entries"`
	NextID     int64  `json:"next_id"`
	Dimension  int    `json:"dimension"`
	Generation uint64 `json:"generation"`
}

// Manager owns an index directory. It caches loaded stores and serializes
// load-insert-persist cycles per user, within the process through a keyed
// mutex and across processes through a lock file per user. Cached stores are
// checked against the committed metadata, so commits made by another process
// are picked up.
type Manager struct {
	dir       string
	dimension int

	mu     sync.Mutex
	stores map[string]*Store
	locks  map[string]*userLock

	loads singleflight.Group
}

// userLock is released from Manager.locks once no goroutine holds or waits for it.
type userLock struct {
	mu   sync.Mutex
	refs int
}

const lockRetryDelay = 20 * time.Millisecond

// NewManager creates a manager over dir for vectors of the given dimension.
// Parameters:
//   - dir: directory holding the per-user sidecar files; created if missing.
//   - dimension: fixed vector length of every store.
// Returns:
//   - *Manager: ready manager.
//   - error: non-nil if the dimension is invalid or dir cannot be created.
func NewManager(dir string, dimension int) (*Manager, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("index dimension must be positive, got %d", dimension)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index dir: %w", err)
	}
	return &Manager{
		dir:       dir,
		dimension: dimension,
		stores:    make(map[string]*Store),
		locks:     make(map[string]*userLock),
	}, nil
}

// Dimension returns the vector length every store of this manager uses.
func (m *Manager) Dimension() int { return m.dimension }

// lockUser takes the writer lock of username and returns its release func.
// Waiting for the lock file gives up when ctx is done.
func (m *Manager) lockUser(ctx context.Context, username string) (func(), error) {
	stem, err := fileStem(username)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	l, ok := m.locks[username]
	if !ok {
		l = &userLock{}
		m.locks[username] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	fl := flock.New(lockPath(m.dir, stem))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err == nil && !locked {
		err = errors.New("lock file is held")
	}
	if err != nil {
		l.mu.Unlock()
		m.unref(username, l)
		return nil, fmt.Errorf("failed to lock index of %q: %w", username, err)
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			logger.Warn("Failed to release index lock of %q: %v", username, err)
		}
		l.mu.Unlock()
		m.unref(username, l)
	}, nil
}

func (m *Manager) unref(username string, l *userLock) {
	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, username)
	}
	m.mu.Unlock()
}

// cache keeps s unless it was never persisted or a newer generation is cached already.
func (m *Manager) cache(username string, s *Store) {
	if s.Generation() == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.stores[username]; ok && cur.Generation() > s.Generation() {
		return
	}
	m.stores[username] = s
}

func (m *Manager) cached(username string) (*Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[username]
	return s, ok
}

// evict drops s from the cache if it is still the cached store of username.
func (m *Manager) evict(username string, s *Store) {
	m.mu.Lock()
	if m.stores[username] == s {
		delete(m.stores, username)
	}
	m.mu.Unlock()
}

// Load returns the store of username, reading it from disk on first use or after another
// writer committed. Concurrent loads of the same user share one disk read. Users without a
// persisted index get an empty store that is not cached.
func (m *Manager) Load(ctx context.Context, username string) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := fileStem(username); err != nil {
		return nil, err
	}

	if s, ok := m.cached(username); ok {
		if !stale(m.dir, s) {
			return s, nil
		}
		m.evict(username, s)
	}

	v, err, _ := m.loads.Do(username, func() (interface{}, error) {
		s, err := Open(m.dir, username, m.dimension)
		if err != nil {
			return nil, err
		}
		m.cache(username, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Store), nil
}

// loadLocked returns the committed store of username. The caller holds the user lock, so
// the generation on disk cannot move while it runs.
func (m *Manager) loadLocked(ctx context.Context, username string) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s, ok := m.cached(username); ok {
		if _, gen, found := readCounters(m.dir, username); found && gen == s.Generation() {
			return s, nil
		}
		m.evict(username, s)
	}
	s, err := Open(m.dir, username, m.dimension)
	if err != nil {
		return nil, err
	}
	m.cache(username, s)
	return s, nil
}

// Insert adds one vector to the index of username and persists it before returning.
// Inserting a path that is already indexed returns its id and writes nothing.
// Parameters:
//   - ctx: request context; bounds the wait for the user lock.
//   - username: index owner.
//   - path: canonical image path.
//   - vector: image embedding of the manager's dimension.
//   - style, color: attributes rendered with results.
// Returns:
//   - int64: id of the entry.
//   - error: *ErrDimensionMismatch, ErrCorruptIndex, a lock or persistence failure.
func (m *Manager) Insert(ctx context.Context, username, path string, vector []float32, style, color string) (int64, error) {
	unlock, err := m.lockUser(ctx, username)
	if err != nil {
		return 0, err
	}
	defer unlock()

	s, err := m.loadLocked(ctx, username)
	if err != nil {
		return 0, err
	}

	id, inserted, err := s.Insert(path, vector, style, color)
	if err != nil || !inserted {
		return id, err
	}

	if err := Save(m.dir, s); err != nil {
		// Drop the cached store so memory matches what is on disk.
		m.evict(username, s)
		return 0, err
	}
	m.cache(username, s)
	return id, nil
}

// Query searches the index of username without taking the writer lock.
// It may miss an insert that is being persisted concurrently.
func (m *Manager) Query(ctx context.Context, username string, vector []float32, k int) ([]Hit, error) {
	s, err := m.Load(ctx, username)
	if err != nil {
		return nil, err
	}
	return s.Query(vector, k)
}

// Rebuild replaces the index of username with the given entries. Entries repeating a
// path keep only the first occurrence. New ids continue after the previous nextID, so
// ids are never reused. Nothing changes if any entry has the wrong dimension.
// Returns the number of indexed entries.
func (m *Manager) Rebuild(ctx context.Context, username string, entries []Entry) (int, error) {
	for _, e := range entries {
		if len(e.Vector) != m.dimension {
			return 0, &ErrDimensionMismatch{Expected: m.dimension, Actual: len(e.Vector)}
		}
	}

	unlock, err := m.lockUser(ctx, username)
	if err != nil {
		return 0, err
	}
	defer unlock()

	fresh := NewStore(username, m.dimension)
	old, err := m.loadLocked(ctx, username)
	switch {
	case err == nil:
		fresh.nextID = old.NextID()
		fresh.generation = old.Generation()
	case errors.Is(err, ErrCorruptIndex):
		next, gen, rerr := recoverCounters(m.dir, username)
		if rerr != nil {
			return 0, fmt.Errorf("refusing to rebuild: %w", rerr)
		}
		fresh.nextID = next
		fresh.generation = gen
	default:
		return 0, err
	}

	for _, e := range entries {
		if _, _, err := fresh.Insert(e.Path, e.Vector, e.Style, e.Color); err != nil {
			return 0, err
		}
	}

	if err := Save(m.dir, fresh); err != nil {
		if old != nil {
			m.evict(username, old)
		}
		return 0, err
	}
	m.cache(username, fresh)
	return fresh.Len(), nil
}

// Stats reports the size and counters of the index of username.
func (m *Manager) Stats(ctx context.Context, username string) (Stats, error) {
	s, err := m.Load(ctx, username)
	if err != nil {
		return Stats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Username:   username,
		Entries:    len(s.ids),
		NextID:     s.nextID,
		Dimension:  s.dimension,
		Generation: s.generation,
	}, nil
}
