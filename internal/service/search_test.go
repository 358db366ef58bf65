package service

import (
	"context"
	"errors"
	"testing"

	"github.com/timmy/lookbook/internal/domain"
)

func ingestColors(t *testing.T, f *fixture, username string) map[string][]byte {
	t.Helper()
	images := map[string][]byte{
		"red.png":   pngBytes(t, red),
		"green.png": pngBytes(t, green),
		"blue.png":  pngBytes(t, blue),
	}
	f.embedder.setImage(images["red.png"], []float32{1, 0, 0, 0})
	f.embedder.setImage(images["green.png"], []float32{0.6, 0.8, 0, 0})
	f.embedder.setImage(images["blue.png"], []float32{0, 0, 1, 0})

	rec := &progressRecorder{}
	files := []domain.ImageFile{
		{Filename: "red.png", Data: images["red.png"]},
		{Filename: "green.png", Data: images["green.png"]},
		{Filename: "blue.png", Data: images["blue.png"]},
	}
	if err := f.ingest.Process(context.Background(), username, files, rec.publish); err != nil {
		t.Fatal(err)
	}
	return images
}

func TestSearchRanksByScore(t *testing.T) {
	f := newFixture(t)
	ingestColors(t, f, "alice")
	f.embedder.texts["red shirt"] = []float32{1, 0, 0, 0}

	svc := NewSearchService(f.embedder, f.index, f.storage, &SearchConfig{DefaultTopK: 3})
	resp, err := svc.Search(context.Background(), &SearchRequest{Username: "alice", Query: "red shirt", TopK: 2})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.Total != 2 || len(resp.Results) != 2 {
		t.Fatalf("results = %+v", resp.Results)
	}
	if resp.Results[0].Score < resp.Results[1].Score {
		t.Errorf("results not ordered by score: %+v", resp.Results)
	}
	if resp.Results[0].Score != 1 {
		t.Errorf("top score = %v, want 1", resp.Results[0].Score)
	}
	top := resp.Results[0]
	if top.URL != "/images/"+top.Path || top.Style != "formal" || top.Color != "blue" {
		t.Errorf("top result = %+v", top)
	}
}

func TestSearchDefaultsAndEdgeCases(t *testing.T) {
	f := newFixture(t)
	ingestColors(t, f, "alice")
	f.embedder.texts["anything"] = []float32{0, 0, 0, 1}
	svc := NewSearchService(f.embedder, f.index, f.storage, nil)

	tests := []struct {
		name    string
		req     SearchRequest
		want    int
		wantErr error
	}{
		{"default top k", SearchRequest{Username: "alice", Query: "anything"}, 3, nil},
		{"negative top k uses default", SearchRequest{Username: "alice", Query: "anything", TopK: -1}, 3, nil},
		{"top k larger than index", SearchRequest{Username: "alice", Query: "anything", TopK: 10}, 3, nil},
		{"model has no vector", SearchRequest{Username: "alice", Query: "unknown words"}, 0, nil},
		{"empty index", SearchRequest{Username: "nobody", Query: "anything"}, 0, nil},
		{"blank query", SearchRequest{Username: "alice", Query: "   "}, 0, ErrEmptyQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := svc.Search(context.Background(), &tt.req)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Search() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			if len(resp.Results) != tt.want {
				t.Errorf("len(results) = %d, want %d", len(resp.Results), tt.want)
			}
			if resp.Results == nil {
				t.Error("results must be an empty slice, not nil")
			}
		})
	}
}

func TestSearchIsolatesUsers(t *testing.T) {
	f := newFixture(t)
	ingestColors(t, f, "alice")
	f.embedder.texts["red"] = []float32{1, 0, 0, 0}
	svc := NewSearchService(f.embedder, f.index, f.storage, nil)

	resp, err := svc.Search(context.Background(), &SearchRequest{Username: "bob", Query: "red"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 0 {
		t.Errorf("bob sees alice's images: %+v", resp.Results)
	}
}

func TestHistoryList(t *testing.T) {
	f := newFixture(t)
	ingestColors(t, f, "alice")
	svc := NewHistoryService(f.repo, f.storage)

	page, err := svc.List(context.Background(), "alice", 2, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if page.Total != 3 || len(page.Items) != 2 || page.Limit != 2 {
		t.Fatalf("page = %+v", page)
	}
	for _, it := range page.Items {
		if it.URL != "/images/"+it.Path || it.Width != 3 || it.Height != 2 {
			t.Errorf("item = %+v", it)
		}
	}

	page, err = svc.List(context.Background(), "alice", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.Limit != defaultHistoryLimit {
		t.Errorf("second page = %+v", page)
	}
}

func TestReindexFillsGapsAndRebuilds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Ingest while the embedder is down: records exist, index is empty.
	f.embedder.imageErr = errors.New("model down")
	ingestColors(t, f, "alice")
	f.embedder.imageErr = nil

	svc := NewReindexService(f.repo, f.storage, f.embedder, f.index)
	users, err := svc.Usernames(ctx)
	if err != nil || len(users) != 1 || users[0] != "alice" {
		t.Fatalf("Usernames() = %v, %v", users, err)
	}

	seen := 0
	stats, err := svc.ReindexUser(ctx, "alice", false, func() { seen++ })
	if err != nil {
		t.Fatalf("ReindexUser() error = %v", err)
	}
	if stats.Total != 3 || stats.Indexed != 3 || stats.Skipped != 0 || seen != 3 {
		t.Errorf("stats = %+v, seen = %d", stats, seen)
	}

	// A second pass finds nothing to do.
	stats, err = svc.ReindexUser(ctx, "alice", false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Skipped != 3 || stats.Indexed != 0 {
		t.Errorf("second pass stats = %+v", stats)
	}

	before, err := f.index.Stats(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	stats, err = svc.ReindexUser(ctx, "alice", true, nil)
	if err != nil {
		t.Fatal(err)
	}
	after, err := f.index.Stats(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Indexed != 3 || after.Entries != 3 {
		t.Errorf("rebuild stats = %+v, entries = %d", stats, after.Entries)
	}
	if after.NextID != before.NextID+3 {
		t.Errorf("NextID = %d, want %d", after.NextID, before.NextID+3)
	}
}
