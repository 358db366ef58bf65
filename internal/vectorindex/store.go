// Package vectorindex keeps one exact inner-product index of image embeddings per user.
//
// Each store maps monotonically increasing integer ids to a vector and the
// metadata needed to render a result (path, style, color). Stores are
// persisted as two sidecar files per user and are only ever mutated through
// a Manager, which serializes writers per user.
package vectorindex

import (
	"cmp"
	"os"
	"slices"
	"sync"
)

// Item is the metadata kept for every indexed vector.
type Item struct {
	Path  string `json:"path"`
	Style string `json:"style"`
	Color string `json:"color"`
}

// Hit is a single query result.
type Hit struct {
	ID    int64
	Score float32
	Path  string
	Style string
	Color string
}

// Entry is an input row for Manager.Rebuild.
type Entry struct {
	Path   string
	Vector []float32
	Style  string
	Color  string
}

// Store is the in-memory index of a single user.
type Store struct {
	mu sync.RWMutex

	username   string
	dimension  int
	nextID     int64
	generation uint64

	// meta is the metadata file this store was read from or last written to.
	meta os.FileInfo

	// ids is sorted ascending; vectors holds len(ids)*dimension values in the same order.
	ids     []int64
	vectors []float32
	items   map[int64]Item
	byPath  map[string]int64
}

// NewStore creates an empty store whose first id will be 1.
func NewStore(username string, dimension int) *Store {
	return &Store{
		username:  username,
		dimension: dimension,
		nextID:    1,
		items:     make(map[int64]Item),
		byPath:    make(map[string]int64),
	}
}

// Username returns the owner of the store.
func (s *Store) Username() string { return s.username }

// Dimension returns the fixed vector length of the store.
func (s *Store) Dimension() int { return s.dimension }

// Len returns the number of indexed vectors.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// NextID returns the id the next inserted vector will receive.
func (s *Store) NextID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}

// Generation returns the committed generation; zero means never persisted.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Lookup returns the id indexed for path, if any.
func (s *Store) Lookup(path string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPath[path]
	return id, ok
}

// Insert adds a vector under a new id.
// Parameters:
//   - path: canonical image location; at most one entry exists per path.
//   - vector: embedding of the image, len(vector) must equal the store dimension.
//   - style, color: classifier output stored for rendering.
// Returns:
//   - int64: the new id, or the existing id when path is already indexed.
//   - bool: true when the store was mutated.
//   - error: *ErrDimensionMismatch for a vector of the wrong length.
func (s *Store) Insert(path string, vector []float32, style, color string) (int64, bool, error) {
	if len(vector) != s.dimension {
		return 0, false, &ErrDimensionMismatch{Expected: s.dimension, Actual: len(vector)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byPath[path]; ok {
		return id, false, nil
	}

	id := s.nextID
	s.appendLocked(id, vector, Item{Path: path, Style: style, Color: color})
	s.nextID++
	return id, true, nil
}

func (s *Store) appendLocked(id int64, vector []float32, item Item) {
	s.ids = append(s.ids, id)
	s.vectors = append(s.vectors, vector...)
	s.items[id] = item
	if _, ok := s.byPath[item.Path]; !ok {
		s.byPath[item.Path] = id
	}
}

// Query returns up to k hits ordered by descending inner product, ties broken by ascending id.
// It scores min(2k, Len()) candidates and keeps only the best hit per path, so fewer than k
// hits may come back when the candidates repeat paths.
func (s *Store) Query(vector []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(vector) != s.dimension {
		return nil, &ErrDimensionMismatch{Expected: s.dimension, Actual: len(vector)}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.ids)
	if n == 0 {
		return []Hit{}, nil
	}

	type scored struct {
		idx   int
		score float32
	}
	scores := make([]scored, n)
	for i := 0; i < n; i++ {
		scores[i] = scored{idx: i, score: dot(vector, s.vectors[i*s.dimension:(i+1)*s.dimension])}
	}
	slices.SortFunc(scores, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(s.ids[a.idx], s.ids[b.idx])
	})

	fetch := min(2*k, n)
	hits := make([]Hit, 0, k)
	seen := make(map[string]struct{}, fetch)
	for _, sc := range scores[:fetch] {
		id := s.ids[sc.idx]
		item := s.items[id]
		if _, dup := seen[item.Path]; dup {
			continue
		}
		seen[item.Path] = struct{}{}
		hits = append(hits, Hit{ID: id, Score: sc.score, Path: item.Path, Style: item.Style, Color: item.Color})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

func dot(a, b []float32) float32 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}
