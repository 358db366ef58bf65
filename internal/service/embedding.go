package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/lookbook/internal/config"
	"golang.org/x/time/rate"
)

const defaultJinaEndpoint = "https://api.jina.ai/v1/embeddings"

// Embedder maps images and query text into the same vector space.
// A nil vector with a nil error means the model had nothing to offer for the input.
type Embedder interface {
	EmbedImage(ctx context.Context, data []byte) ([]float32, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// NoopEmbedder returns no vector for any input. It stands in when no provider is configured.
type NoopEmbedder struct{}

func (NoopEmbedder) EmbedImage(context.Context, []byte) ([]float32, error) { return nil, nil }
func (NoopEmbedder) EmbedText(context.Context, string) ([]float32, error)  { return nil, nil }

// JinaEmbedder calls the Jina multimodal embeddings API.
type JinaEmbedder struct {
	client     *resty.Client
	endpoint   string
	model      string
	dimensions int
	limiter    *rate.Limiter
}

// NewEmbedder builds the configured embedder, or a NoopEmbedder when no API key is set.
// Parameters:
//   - cfg: provider configuration.
//   - dimensions: vector dimension expected by the index.
// Returns:
//   - Embedder: ready-to-use embedder.
//   - error: non-nil if the configuration is invalid.
func NewEmbedder(cfg *config.EmbeddingConfig, dimensions int) (Embedder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return NoopEmbedder{}, nil
	}
	return NewJinaEmbedder(cfg, dimensions), nil
}

// NewJinaEmbedder creates a Jina client. A positive cfg.RateLimit caps requests per second.
func NewJinaEmbedder(cfg *config.EmbeddingConfig, dimensions int) *JinaEmbedder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	endpoint := strings.TrimSpace(cfg.BaseURL)
	if endpoint == "" {
		endpoint = defaultJinaEndpoint
	}

	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(timeout)

	e := &JinaEmbedder{
		client:     client,
		endpoint:   endpoint,
		model:      cfg.Model,
		dimensions: dimensions,
	}
	if cfg.RateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	return e
}

// Jina API request/response structures
type jinaRequest struct {
	Model         string      `json:"model"`
	Task          string      `json:"task,omitempty"`
	Dimensions    int         `json:"dimensions,omitempty"`
	Normalized    bool        `json:"normalized"`
	EmbeddingType string      `json:"embedding_type,omitempty"`
	Input         []jinaInput `json:"input"`
}

type jinaInput struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type jinaResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Detail string `json:"detail,omitempty"`
}

// EmbedImage embeds raw image bytes.
func (e *JinaEmbedder) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return e.embed(ctx, "", jinaInput{Image: base64.StdEncoding.EncodeToString(data)})
}

// EmbedText embeds a search query.
func (e *JinaEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	return e.embed(ctx, "retrieval.query", jinaInput{Text: text})
}

func (e *JinaEmbedder) embed(ctx context.Context, task string, input jinaInput) ([]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embedding rate limit: %w", err)
		}
	}

	req := jinaRequest{
		Model:         e.model,
		Task:          task,
		Dimensions:    e.dimensions,
		Normalized:    true,
		EmbeddingType: "float",
		Input:         []jinaInput{input},
	}

	var resp jinaResponse
	httpResp, err := e.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&resp).
		Post(e.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to call Jina API: %w", err)
	}

	if httpResp.StatusCode() != 200 {
		if resp.Detail != "" {
			return nil, fmt.Errorf("Jina API error: %s", resp.Detail)
		}
		return nil, fmt.Errorf("Jina API error: status %d", httpResp.StatusCode())
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("no embedding returned")
	}

	vec := resp.Data[0].Embedding
	if len(vec) == 0 {
		return nil, nil
	}
	return normalize(vec), nil
}

// normalize scales vec to unit length in place. The zero vector is returned unchanged.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	inv := 1 / math.Sqrt(sum)
	for i, v := range vec {
		vec[i] = float32(float64(v) * inv)
	}
	return vec
}
