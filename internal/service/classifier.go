package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/lookbook/internal/domain"
	"github.com/timmy/lookbook/internal/logger"
	"github.com/timmy/lookbook/internal/prompts"
	"github.com/timmy/lookbook/internal/storage"
)

// Classifier labels a garment image. It never fails: any problem yields defaults.
type Classifier interface {
	Classify(ctx context.Context, data []byte, format string) domain.Attributes
}

// StaticClassifier always answers with the default attributes.
type StaticClassifier struct{}

// Classify returns domain.DefaultAttributes.
func (StaticClassifier) Classify(context.Context, []byte, string) domain.Attributes {
	return domain.DefaultAttributes()
}

// ClassifierConfig holds configuration for the VLM classifier.
type ClassifierConfig struct {
	Model   string
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// VLMClassifier asks an OpenAI-compatible vision model for the garment attributes.
type VLMClassifier struct {
	client   *resty.Client
	model    string
	endpoint string
}

// NewClassifier returns a VLMClassifier, or a StaticClassifier when no API key is configured.
// Parameters:
//   - cfg: model, credentials and endpoint of the vision model.
// Returns:
//   - Classifier: ready-to-use classifier.
func NewClassifier(cfg ClassifierConfig) Classifier {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return StaticClassifier{}
	}
	return NewVLMClassifier(cfg)
}

// NewVLMClassifier creates a classifier backed by the chat completions endpoint.
func NewVLMClassifier(cfg ClassifierConfig) *VLMClassifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(timeout)

	return &VLMClassifier{
		client:   client,
		model:    cfg.Model,
		endpoint: baseURL + "/chat/completions",
	}
}

// OpenAI-compatible Chat Completion API request/response structures
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string for system, []any for user with images
}

type chatTextPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type chatImagePart struct {
	Type     string       `json:"type"`
	ImageURL chatImageURL `json:"image_url"`
}

type chatImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Classify returns the garment attributes of an image.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - data: raw image bytes.
//   - format: decoded image format (jpeg, png, gif, webp).
// Returns:
//   - domain.Attributes: parsed labels; fields the model got wrong fall back to defaults,
//     and a failed request yields the default triple.
func (c *VLMClassifier) Classify(ctx context.Context, data []byte, format string) domain.Attributes {
	answer, err := c.complete(ctx, data, format)
	if err != nil {
		logger.CtxWarn(ctx, "Classifier request failed, using defaults: %v", err)
		return domain.DefaultAttributes()
	}
	attrs, err := parseAttributes(answer)
	if err != nil {
		logger.CtxWarn(ctx, "Classifier answer unusable, using defaults: %v", err)
		return domain.DefaultAttributes()
	}
	return attrs.Normalize()
}

func (c *VLMClassifier) complete(ctx context.Context, data []byte, format string) (string, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", storage.ContentType(format), base64.StdEncoding.EncodeToString(data))

	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompts.ClassifierSystemPrompt},
			{
				Role: "user",
				Content: []any{
					chatTextPart{Type: "text", Text: prompts.ClassifierUserPrompt},
					chatImagePart{Type: "image_url", ImageURL: chatImageURL{URL: dataURL, Detail: "low"}},
				},
			},
		},
		MaxTokens:      100,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	var resp chatResponse
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&resp).
		Post(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to call VLM API: %w", err)
	}

	if httpResp.IsError() {
		if resp.Error != nil {
			return "", fmt.Errorf("VLM API returned error: HTTP %d: %s", httpResp.StatusCode(), resp.Error.Message)
		}
		return "", fmt.Errorf("VLM API returned error: HTTP %d: %s", httpResp.StatusCode(), string(httpResp.Body()))
	}
	if resp.Error != nil {
		return "", fmt.Errorf("VLM API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in VLM response")
	}
	return resp.Choices[0].Message.Content, nil
}

// parseAttributes extracts the JSON object from a model answer, tolerating code fences and prose around it.
func parseAttributes(answer string) (domain.Attributes, error) {
	start := strings.Index(answer, "{")
	end := strings.LastIndex(answer, "}")
	if start < 0 || end <= start {
		return domain.Attributes{}, fmt.Errorf("no JSON object in answer %q", answer)
	}
	var attrs domain.Attributes
	if err := json.Unmarshal([]byte(answer[start:end+1]), &attrs); err != nil {
		return domain.Attributes{}, fmt.Errorf("failed to decode answer: %w", err)
	}
	return attrs, nil
}
