package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/timmy/lookbook/internal/logger"
	"github.com/timmy/lookbook/internal/storage"
	"github.com/timmy/lookbook/internal/vectorindex"
)

const maxTopK = 100

// ErrEmptyQuery is returned for a blank query text.
var ErrEmptyQuery = errors.New("query is empty")

// SearchConfig holds configuration for search service.
type SearchConfig struct {
	DefaultTopK int
}

// SearchService answers natural-language queries against a user's image index.
type SearchService struct {
	embedder    Embedder
	index       *vectorindex.Manager
	storage     storage.ObjectStorage
	defaultTopK int
}

// NewSearchService creates a new search service.
// Parameters:
//   - embedder: text embedding model sharing the image vector space.
//   - index: per-user embedding index.
//   - objectStorage: object storage client for URL generation.
//   - cfg: search configuration settings.
// Returns:
//   - *SearchService: initialized search service.
func NewSearchService(embedder Embedder, index *vectorindex.Manager, objectStorage storage.ObjectStorage, cfg *SearchConfig) *SearchService {
	topK := 3
	if cfg != nil && cfg.DefaultTopK > 0 {
		topK = cfg.DefaultTopK
	}
	return &SearchService{
		embedder:    embedder,
		index:       index,
		storage:     objectStorage,
		defaultTopK: topK,
	}
}

// SearchRequest represents a text search request.
type SearchRequest struct {
	Username string `json:"username" binding:"required"`
	Query    string `json:"query" binding:"required"`
	TopK     int    `json:"top_k"`
}

// SearchResult represents a single search result.
type SearchResult struct {
	URL   string  `json:"url"`
	Path  string  `json:"path"`
	Style string  `json:"style"`
	Color string  `json:"color"`
	Score float32 `json:"score"`
}

// SearchResponse represents the search response.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
	Query   string         `json:"query"`
}

// Search embeds the query and returns the closest images of the user, one per path.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: username, query text and result count; TopK <= 0 uses the default.
// Returns:
//   - *SearchResponse: results ordered by descending score; empty when the model
//     yields no vector or the user has no indexed images.
//   - error: ErrEmptyQuery, embedding failures or index errors.
func (s *SearchService) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	start := time.Now()
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	topK := req.TopK
	if topK <= 0 {
		topK = s.defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldComponent: "search",
		logger.FieldUsername:  req.Username,
	})

	resp := &SearchResponse{Results: []SearchResult{}, Query: query}

	vec, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}
	if vec == nil {
		logger.CtxWarn(ctx, "Embedder returned no vector for query %q", query)
		return resp, nil
	}

	hits, err := s.index.Query(ctx, req.Username, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}

	for _, h := range hits {
		if len(resp.Results) == topK {
			break
		}
		resp.Results = append(resp.Results, SearchResult{
			URL:   s.storage.GetURL(h.Path),
			Path:  h.Path,
			Style: h.Style,
			Color: h.Color,
			Score: h.Score,
		})
	}
	resp.Total = len(resp.Results)

	logger.With(logger.Fields{logger.FieldCount: resp.Total}).WithDuration(start).
		Info(ctx, "Search finished: query=%q, top_k=%d", query, topK)
	return resp, nil
}
