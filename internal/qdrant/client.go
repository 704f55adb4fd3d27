// Package qdrant is a small REST client for a Qdrant collection holding one
// cosine-distance vector per catalog entry.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/Lllllllleong/documentledger/internal/models"
)

// Client talks to one collection. The collection is created on first write.
type Client struct {
	url        string
	apiKey     string
	collection string
	client     *http.Client

	mu    sync.Mutex
	ready bool
}

// Config configures the client.
type Config struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

// NewClient creates a client for cfg.Collection on the server at cfg.URL.
func NewClient(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = "http://127.0.0.1:6333"
	}
	if cfg.Collection == "" {
		cfg.Collection = "catalog_entries"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		client:     &http.Client{Timeout: cfg.Timeout},
	}
}

// statusError is a non-2xx answer from the server.
type statusError struct {
	method, path string
	code         int
	message      string
}

func (e *statusError) Error() string {
	if e.message == "" {
		return fmt.Sprintf("qdrant %s %s: http %d", e.method, e.path, e.code)
	}
	return fmt.Sprintf("qdrant %s %s: http %d: %s", e.method, e.path, e.code, e.message)
}

func (c *Client) collectionPath(suffix string) string {
	return "/collections/" + c.collection + suffix
}

// do sends body as JSON and decodes the "result" field of the reply into out.
// Every failure is marked ErrVectorStoreUnavailable.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Mark(errors.Wrapf(err, "qdrant %s %s: encode", method, path), models.ErrVectorStoreUnavailable)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reader)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "qdrant %s %s", method, path), models.ErrVectorStoreUnavailable)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "qdrant %s %s", method, path), models.ErrVectorStoreUnavailable)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "qdrant %s %s: read", method, path), models.ErrVectorStoreUnavailable)
	}

	if resp.StatusCode >= 300 {
		var env struct {
			Status struct {
				Error string `json:"error"`
			} `json:"status"`
		}
		_ = json.Unmarshal(payload, &env)
		return errors.Mark(&statusError{method: method, path: path, code: resp.StatusCode, message: env.Status.Error}, models.ErrVectorStoreUnavailable)
	}
	if out == nil {
		return nil
	}
	var env struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return errors.Mark(errors.Wrapf(err, "qdrant %s %s: decode", method, path), models.ErrVectorStoreUnavailable)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return errors.Mark(errors.Wrapf(err, "qdrant %s %s: decode result", method, path), models.ErrVectorStoreUnavailable)
	}
	return nil
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

// ensureCollection creates the collection with cosine distance and size dim
// unless it already exists.
func (c *Client) ensureCollection(ctx context.Context, dim int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return nil
	}
	err := c.do(ctx, http.MethodGet, c.collectionPath(""), nil, nil)
	if isNotFound(err) {
		err = c.do(ctx, http.MethodPut, c.collectionPath(""), map[string]any{
			"vectors": map[string]any{"size": dim, "distance": "Cosine"},
		}, nil)
	}
	if err != nil {
		return err
	}
	c.ready = true
	return nil
}

// Upsert stores vector as point id, replacing any previous one.
func (c *Client) Upsert(ctx context.Context, id int64, vector []float32) error {
	if len(vector) == 0 {
		return errors.Mark(errors.Newf("empty vector for catalog entry %d", id), models.ErrVectorStoreUnavailable)
	}
	if err := c.ensureCollection(ctx, len(vector)); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPut, c.collectionPath("/points?wait=true"), map[string]any{
		"points": []map[string]any{{
			"id":      id,
			"vector":  vector,
			"payload": map[string]any{"catalog_id": id},
		}},
	}, nil)
}

type scoredPoint struct {
	ID    int64   `json:"id"`
	Score float64 `json:"score"`
}

// Search returns the k points nearest to vector, best first. A missing
// collection has no points.
func (c *Client) Search(ctx context.Context, vector []float32, k int) ([]models.ScoredID, error) {
	var result []scoredPoint
	err := c.do(ctx, http.MethodPost, c.collectionPath("/points/search"), map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": false,
	}, &result)
	if isNotFound(err) {
		return []models.ScoredID{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]models.ScoredID, 0, len(result))
	for _, p := range result {
		out = append(out, models.ScoredID{ID: p.ID, Score: p.Score})
	}
	return out, nil
}

// scrollPageSize is how many points one scroll request returns.
const scrollPageSize = 256

// Vectors pages through the whole collection, ordered by id.
func (c *Client) Vectors(ctx context.Context) ([]models.EntryVector, error) {
	points := []models.EntryVector{}
	var offset *int64
	for {
		req := map[string]any{
			"limit":        scrollPageSize,
			"with_vector":  true,
			"with_payload": false,
		}
		if offset != nil {
			req["offset"] = *offset
		}
		var page struct {
			Points []struct {
				ID     int64     `json:"id"`
				Vector []float32 `json:"vector"`
			} `json:"points"`
			NextPageOffset *int64 `json:"next_page_offset"`
		}
		err := c.do(ctx, http.MethodPost, c.collectionPath("/points/scroll"), req, &page)
		if isNotFound(err) {
			return points, nil
		}
		if err != nil {
			return nil, err
		}
		for _, p := range page.Points {
			points = append(points, models.EntryVector{ID: p.ID, Vector: p.Vector})
		}
		if page.NextPageOffset == nil {
			return points, nil
		}
		offset = page.NextPageOffset
	}
}
