package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/timmy/lookbook/internal/domain"
)

func chatServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "data:image/png;base64,") {
			t.Errorf("request carries no image data URL: %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit"}}`))
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": content}}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVLMClassifierClassify(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		content string
		want    domain.Attributes
	}{
		{
			name:    "plain json",
			status:  http.StatusOK,
			content: `{"position":"lower","style":"formal","color":"white"}`,
			want:    domain.Attributes{Position: "lower", Style: "formal", Color: "white"},
		},
		{
			name:    "fenced json with prose",
			status:  http.StatusOK,
			content: "Here you go:\n```json\n{\"position\": \"Full\", \"style\": \"Traditional\", \"color\": \"grey\"}\n```",
			want:    domain.Attributes{Position: "full", Style: "traditional", Color: "gray"},
		},
		{
			name:    "out of vocabulary field",
			status:  http.StatusOK,
			content: `{"position":"shoes","style":"casual","color":"magenta"}`,
			want:    domain.Attributes{Position: "upper", Style: "casual", Color: "black"},
		},
		{
			name:    "unparseable answer",
			status:  http.StatusOK,
			content: "I cannot tell",
			want:    domain.DefaultAttributes(),
		},
		{
			name:   "http failure",
			status: http.StatusTooManyRequests,
			want:   domain.DefaultAttributes(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := chatServer(t, tt.status, tt.content)
			c := NewVLMClassifier(ClassifierConfig{Model: "gpt-4o-mini", APIKey: "test-key", BaseURL: srv.URL + "/", Timeout: 5 * time.Second})
			got := c.Classify(context.Background(), []byte("png bytes"), "png")
			if got != tt.want {
				t.Errorf("Classify() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestVLMClassifierUnreachable(t *testing.T) {
	c := NewVLMClassifier(ClassifierConfig{APIKey: "test-key", BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	if got := c.Classify(context.Background(), []byte("x"), "png"); got != domain.DefaultAttributes() {
		t.Errorf("Classify() = %+v, want defaults", got)
	}
}

func TestNewClassifierWithoutKey(t *testing.T) {
	c := NewClassifier(ClassifierConfig{Model: "gpt-4o-mini"})
	if _, ok := c.(StaticClassifier); !ok {
		t.Fatalf("NewClassifier() = %T, want StaticClassifier", c)
	}
	if got := c.Classify(context.Background(), nil, ""); got != domain.DefaultAttributes() {
		t.Errorf("Classify() = %+v", got)
	}
}
