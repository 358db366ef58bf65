package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/timmy/lookbook/internal/config"
	"github.com/timmy/lookbook/internal/jobs"
	"github.com/timmy/lookbook/internal/repository"
	"github.com/timmy/lookbook/internal/service"
	"github.com/timmy/lookbook/internal/storage"
	"github.com/timmy/lookbook/internal/vectorindex"
)

// constEmbedder maps every input onto the same unit vector.
type constEmbedder struct{}

func (constEmbedder) EmbedImage(context.Context, []byte) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func (constEmbedder) EmbedText(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

type stubSubmitter struct {
	err error
}

func (s stubSubmitter) Submit(context.Context, jobs.Spec) (string, error) {
	return "job-1", s.err
}

type testServer struct {
	router  http.Handler
	tracker *jobs.MemoryTracker
	queue   *jobs.Queue
}

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Mode: "test", CORS: config.CORSConfig{AllowAllOrigins: true}},
		Storage: config.StorageConfig{Type: "local", PublicURL: "/images"},
		Ingest:  config.IngestConfig{MaxUploadMB: 1},
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	db, err := repository.InitDB(&config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(dir, "api.db"), AutoMigrate: true})
	if err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	repo := repository.NewUploadRepository(db)

	index, err := vectorindex.NewManager(filepath.Join(dir, "index"), 4)
	if err != nil {
		t.Fatal(err)
	}
	store := storage.NewLocalStorageFs(afero.NewMemMapFs(), "/images")
	emb := constEmbedder{}

	ingest := service.NewIngestService(repo, store, service.StaticClassifier{}, emb, index,
		&service.IngestConfig{AllowedExtensions: []string{"png", "jpg"}})
	tracker := jobs.NewMemoryTracker(time.Hour)
	queue := jobs.NewQueue(context.Background(), tracker, ingest.Handle, jobs.QueueConfig{Workers: 1, Size: 4})
	t.Cleanup(queue.Close)

	router := SetupRouter(testConfig(), Dependencies{
		DB:      repo,
		Queue:   queue,
		Tracker: tracker,
		Search:  service.NewSearchService(emb, index, store, nil),
		History: service.NewHistoryService(repo, store),
		Index:   index,
		Storage: store,
	})
	return &testServer{router: router, tracker: tracker, queue: queue}
}

func pngData(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, c)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func multipartBody(t *testing.T, username string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if username != "" {
		if err := w.WriteField("username", username); err != nil {
			t.Fatal(err)
		}
	}
	for name, data := range files {
		fw, err := w.CreateFormFile("images", name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &body, w.FormDataContentType()
}

func do(t *testing.T, h http.Handler, req *http.Request, out any) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v (body %s)", req.URL, err, w.Body.String())
		}
	}
	return w
}

func waitForJob(t *testing.T, srv *testServer, id string) jobs.Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var st jobs.Status
		w := do(t, srv.router, httptest.NewRequest(http.MethodGet, "/api/v1/uploads/"+id, nil), &st)
		if w.Code != http.StatusOK {
			t.Fatalf("status code = %d", w.Code)
		}
		if st.State.Terminal() {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return jobs.Status{}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	w := do(t, srv.router, httptest.NewRequest(http.MethodGet, "/health", nil), nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestUploadSearchAndServe(t *testing.T) {
	srv := newTestServer(t)
	red := pngData(t, color.RGBA{R: 255, A: 255})

	body, ct := multipartBody(t, "alice", map[string][]byte{"red.png": red})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", body)
	req.Header.Set("Content-Type", ct)
	var accepted struct {
		JobID string `json:"job_id"`
		Total int    `json:"total"`
	}
	w := do(t, srv.router, req, &accepted)
	if w.Code != http.StatusAccepted || accepted.JobID == "" || accepted.Total != 1 {
		t.Fatalf("upload = %d %+v", w.Code, accepted)
	}

	st := waitForJob(t, srv, accepted.JobID)
	if st.State != jobs.StateSucceeded || st.SuccessCount != 1 || st.Progress != 100 {
		t.Fatalf("job status = %+v", st)
	}

	searchReq := httptest.NewRequest(http.MethodPost, "/api/v1/search",
		bytes.NewBufferString(`{"username":"alice","query":"red top"}`))
	searchReq.Header.Set("Content-Type", "application/json")
	var resp service.SearchResponse
	if w := do(t, srv.router, searchReq, &resp); w.Code != http.StatusOK {
		t.Fatalf("search = %d %s", w.Code, w.Body.String())
	}
	if resp.Total != 1 || resp.Results[0].URL != st.Results[0].ImageURL {
		t.Fatalf("search results = %+v, upload url %s", resp.Results, st.Results[0].ImageURL)
	}

	img := do(t, srv.router, httptest.NewRequest(http.MethodGet, resp.Results[0].URL, nil), nil)
	if img.Code != http.StatusOK || !bytes.Equal(img.Body.Bytes(), red) {
		t.Errorf("image = %d, %d bytes", img.Code, img.Body.Len())
	}
	if got := img.Header().Get("Content-Type"); got != "image/png" {
		t.Errorf("Content-Type = %s", got)
	}

	var page service.HistoryPage
	if w := do(t, srv.router, httptest.NewRequest(http.MethodGet, "/api/v1/history?username=alice", nil), &page); w.Code != http.StatusOK {
		t.Fatalf("history = %d", w.Code)
	}
	if page.Total != 1 || page.Items[0].Filename != "red.png" {
		t.Errorf("history = %+v", page)
	}

	var stats vectorindex.Stats
	if w := do(t, srv.router, httptest.NewRequest(http.MethodGet, "/api/v1/index/stats?username=alice", nil), &stats); w.Code != http.StatusOK {
		t.Fatalf("stats = %d", w.Code)
	}
	if stats.Entries != 1 || stats.NextID != 2 || stats.Dimension != 4 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestUploadValidation(t *testing.T) {
	srv := newTestServer(t)
	data := pngData(t, color.RGBA{A: 255})

	tests := []struct {
		name     string
		username string
		files    map[string][]byte
		want     int
	}{
		{"missing username", "", map[string][]byte{"a.png": data}, http.StatusBadRequest},
		{"no files", "alice", nil, http.StatusBadRequest},
		{"file too large", "alice", map[string][]byte{"big.png": make([]byte, 2<<20)}, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartBody(t, tt.username, tt.files)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", body)
			req.Header.Set("Content-Type", ct)
			if w := do(t, srv.router, req, nil); w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestUploadQueueFull(t *testing.T) {
	router := SetupRouter(testConfig(), Dependencies{
		Queue:   stubSubmitter{err: jobs.ErrQueueFull},
		Tracker: jobs.NewMemoryTracker(time.Hour),
		Storage: storage.NewLocalStorageFs(afero.NewMemMapFs(), "/images"),
	})
	body, ct := multipartBody(t, "alice", map[string][]byte{"a.png": pngData(t, color.RGBA{A: 255})})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", body)
	req.Header.Set("Content-Type", ct)

	var resp map[string]string
	w := do(t, router, req, &resp)
	if w.Code != http.StatusServiceUnavailable || resp["job_id"] != "job-1" {
		t.Errorf("status = %d, body = %v", w.Code, resp)
	}
}

func TestNotFoundAndBadRequests(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"unknown job", httptest.NewRequest(http.MethodGet, "/api/v1/uploads/nope", nil), http.StatusNotFound},
		{"missing image", httptest.NewRequest(http.MethodGet, "/images/alice/none.png", nil), http.StatusNotFound},
		{"history without username", httptest.NewRequest(http.MethodGet, "/api/v1/history", nil), http.StatusBadRequest},
		{"stats without username", httptest.NewRequest(http.MethodGet, "/api/v1/index/stats", nil), http.StatusBadRequest},
		{"search without body", httptest.NewRequest(http.MethodPost, "/api/v1/search", nil), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, srv.router, tt.req, nil); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
