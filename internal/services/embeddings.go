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

	"github.com/Lllllllleong/documentledger/internal/models"
)

// DefaultEmbeddingModel is used when no embedding model is configured.
const DefaultEmbeddingModel = "text-embedding-3-small"

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint. Servers
// that answer in the Ollama shape ({"embedding": [...]}) are accepted too.
type OpenAIEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAIEmbedder creates an embedder for cfg.
func NewOpenAIEmbedder(cfg OpenAIConfig) *OpenAIEmbedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = DefaultEmbeddingModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OpenAIEmbedder{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Embedding []float32 `json:"embedding"`
}

// Embed returns the embedding of text. Errors are marked
// ErrEmbeddingServiceUnavailable; 429, 5xx and transport failures are also
// marked transient.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "encode embedding request"), models.ErrEmbeddingServiceUnavailable)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "build embedding request"), models.ErrEmbeddingServiceUnavailable)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, markTransient(errors.Mark(errors.Wrap(err, "embedding request"), models.ErrEmbeddingServiceUnavailable))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, markTransient(errors.Mark(errors.Wrap(err, "read embedding response"), models.ErrEmbeddingServiceUnavailable))
	}
	if resp.StatusCode != http.StatusOK {
		err := errors.Mark(errors.Newf("embedding service returned %s: %s", resp.Status, truncateRunes(string(payload), 512)), models.ErrEmbeddingServiceUnavailable)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, markTransient(err)
		}
		return nil, err
	}

	var er embeddingResponse
	if err := json.Unmarshal(payload, &er); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode embedding response"), models.ErrEmbeddingServiceUnavailable)
	}
	switch {
	case len(er.Data) > 0 && len(er.Data[0].Embedding) > 0:
		return er.Data[0].Embedding, nil
	case len(er.Embedding) > 0:
		return er.Embedding, nil
	}
	return nil, errors.Mark(errors.New("embedding response has no vector"), models.ErrEmbeddingServiceUnavailable)
}
