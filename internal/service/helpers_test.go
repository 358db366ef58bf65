package service

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/timmy/lookbook/internal/config"
	"github.com/timmy/lookbook/internal/domain"
	"github.com/timmy/lookbook/internal/fingerprint"
	"github.com/timmy/lookbook/internal/repository"
	"github.com/timmy/lookbook/internal/storage"
	"github.com/timmy/lookbook/internal/vectorindex"
)

const testDim = 4

// pngBytes encodes a small solid-color PNG.
func pngBytes(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func unitVec(i int) []float32 {
	v := make([]float32, testDim)
	v[i%testDim] = 1
	return v
}

// fakeEmbedder returns preset vectors keyed by image fingerprint or query text.
type fakeEmbedder struct {
	mu       sync.Mutex
	images   map[string][]float32
	texts    map[string][]float32
	imageErr error
	calls    int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{images: map[string][]float32{}, texts: map[string][]float32{}}
}

func (f *fakeEmbedder) setImage(data []byte, vec []float32) {
	f.images[fingerprint.Sum(data)] = vec
}

func (f *fakeEmbedder) EmbedImage(_ context.Context, data []byte) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.imageErr != nil {
		return nil, f.imageErr
	}
	if v, ok := f.images[fingerprint.Sum(data)]; ok {
		return v, nil
	}
	return unitVec(0), nil
}

func (f *fakeEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	return f.texts[text], nil
}

type fixedClassifier struct {
	attrs domain.Attributes
}

func (c fixedClassifier) Classify(context.Context, []byte, string) domain.Attributes {
	return c.attrs
}

type fixture struct {
	repo     *repository.UploadRepository
	fs       afero.Fs
	storage  storage.ObjectStorage
	index    *vectorindex.Manager
	embedder *fakeEmbedder
	ingest   *IngestService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(dir, "lookbook.db"),
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	indexDir := filepath.Join(dir, "index")
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		t.Fatal(err)
	}
	index, err := vectorindex.NewManager(indexDir, testDim)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	memFs := afero.NewMemMapFs()
	store := storage.NewLocalStorageFs(memFs, "/images")
	repo := repository.NewUploadRepository(db)
	emb := newFakeEmbedder()

	return &fixture{
		repo:     repo,
		fs:       memFs,
		storage:  store,
		index:    index,
		embedder: emb,
		ingest: NewIngestService(repo, store, fixedClassifier{attrs: domain.Attributes{
			Position: "lower", Style: "formal", Color: "blue",
		}}, emb, index, &IngestConfig{AllowedExtensions: []string{"png", "jpg", "jpeg", "gif", "webp"}}),
	}
}

// objectCount returns the number of files in the fixture's storage.
func (f *fixture) objectCount(t *testing.T) int {
	t.Helper()
	n := 0
	err := afero.Walk(f.fs, "/", func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	return n
}

// progressRecorder captures every published progress update.
type progressRecorder struct {
	currents []int
	lengths  []int
	last     []domain.ItemResult
}

func (p *progressRecorder) publish(_ context.Context, current int, results []domain.ItemResult) error {
	p.currents = append(p.currents, current)
	p.lengths = append(p.lengths, len(results))
	p.last = append([]domain.ItemResult(nil), results...)
	return nil
}

func statuses(results []domain.ItemResult) []domain.ItemStatus {
	out := make([]domain.ItemStatus, len(results))
	for i, r := range results {
		out[i] = r.Status
	}
	return out
}
