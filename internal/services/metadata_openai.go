package services

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/Lllllllleong/documentledger/internal/gcp"
	"github.com/Lllllllleong/documentledger/internal/models"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIConfig configures an OpenAI-compatible chat completions endpoint.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAICompleter requests schema-constrained JSON from /chat/completions.
type OpenAICompleter struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAICompleter creates a completer for cfg.
func NewOpenAICompleter(cfg OpenAIConfig) *OpenAICompleter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OpenAICompleter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonSchemaFormat struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type responseFormat struct {
	Type       string           `json:"type"`
	JSONSchema jsonSchemaFormat `json:"json_schema"`
}

type chatCompletionRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// metadataJSONSchema mirrors gcp.MetadataResponseSchema. Strict mode requires
// every property listed in required, so keywords is always present but may be empty.
var metadataJSONSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title":      map[string]any{"type": "string"},
		"genre":      map[string]any{"type": "string"},
		"difficulty": map[string]any{"type": "string", "enum": []string{"Beginner", "Intermediate", "Advanced"}},
		"summary":    map[string]any{"type": "string"},
		"keywords":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required":             []string{"title", "genre", "difficulty", "summary", "keywords"},
	"additionalProperties": false,
}

// Complete asks the chat completions endpoint for the metadata JSON of text.
func (c *OpenAICompleter) Complete(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: gcp.MetadataSystemPrompt},
			{Role: "user", Content: gcp.MetadataUserPrompt + text},
		},
		ResponseFormat: responseFormat{
			Type:       "json_schema",
			JSONSchema: jsonSchemaFormat{Name: "document_metadata", Strict: true, Schema: metadataJSONSchema},
		},
	})
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "encode completion request"), models.ErrMetadataServiceUnavailable)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "build completion request"), models.ErrMetadataServiceUnavailable)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", markTransient(errors.Mark(errors.Wrap(err, "completion request"), models.ErrMetadataServiceUnavailable))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", markTransient(errors.Mark(errors.Wrap(err, "read completion response"), models.ErrMetadataServiceUnavailable))
	}

	if resp.StatusCode != http.StatusOK {
		err := errors.Mark(errors.Newf("completion service returned %s: %s", resp.Status, truncateRunes(string(payload), 512)), models.ErrMetadataServiceUnavailable)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", markTransient(err)
		}
		return "", err
	}

	var cr chatCompletionResponse
	if err := json.Unmarshal(payload, &cr); err != nil {
		return "", errors.Mark(errors.Wrap(err, "decode completion response"), models.ErrMalformedMetadataResponse)
	}
	if len(cr.Choices) == 0 {
		return "", errors.Mark(errors.New("completion response has no choices"), models.ErrMalformedMetadataResponse)
	}
	choice := cr.Choices[0]
	if choice.Message.Refusal != "" {
		return "", errors.Mark(errors.Newf("model refused: %s", choice.Message.Refusal), models.ErrMalformedMetadataResponse)
	}
	if choice.FinishReason == "length" {
		return "", errors.Mark(errors.New("completion truncated at token limit"), models.ErrMalformedMetadataResponse)
	}
	return choice.Message.Content, nil
}
