package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/documentledger/internal/models"
)

// fakeQdrant is an in-memory collection server. Scroll pages hold two points
// regardless of the requested limit.
type fakeQdrant struct {
	t          *testing.T
	mu         sync.Mutex
	collection map[string]any
	points     map[int64][]float32
	apiKeys    []string
	creates    int
}

func newFakeQdrant(t *testing.T) (*fakeQdrant, *httptest.Server) {
	f := &fakeQdrant{t: t, points: map[int64][]float32{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeQdrant) reply(w http.ResponseWriter, status int, result any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status >= 300 {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": map[string]any{"error": "Not found: Collection `docs` doesn't exist!"}})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result, "status": "ok"})
}

func (f *fakeQdrant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKeys = append(f.apiKeys, r.Header.Get("api-key"))

	var body map[string]json.RawMessage
	if r.Body != nil && r.ContentLength != 0 {
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
	}
	path := strings.TrimPrefix(r.URL.Path, "/collections/docs")
	if path == r.URL.Path {
		f.reply(w, http.StatusNotFound, nil)
		return
	}

	switch {
	case r.Method == http.MethodGet && path == "":
		if f.collection == nil {
			f.reply(w, http.StatusNotFound, nil)
			return
		}
		f.reply(w, http.StatusOK, map[string]any{"status": "green"})
	case r.Method == http.MethodPut && path == "":
		var cfg map[string]any
		assert.NoError(f.t, json.Unmarshal(body["vectors"], &cfg))
		f.collection = cfg
		f.creates++
		f.reply(w, http.StatusOK, true)
	case f.collection == nil:
		f.reply(w, http.StatusNotFound, nil)
	case r.Method == http.MethodPut && path == "/points":
		assert.Equal(f.t, "true", r.URL.Query().Get("wait"))
		var points []struct {
			ID     int64     `json:"id"`
			Vector []float32 `json:"vector"`
		}
		assert.NoError(f.t, json.Unmarshal(body["points"], &points))
		for _, p := range points {
			f.points[p.ID] = p.Vector
		}
		f.reply(w, http.StatusOK, map[string]any{"status": "completed"})
	case r.Method == http.MethodPost && path == "/points/search":
		var limit int
		assert.NoError(f.t, json.Unmarshal(body["limit"], &limit))
		ids := f.sortedIDs()
		if limit < len(ids) {
			ids = ids[:limit]
		}
		result := []map[string]any{}
		for i, id := range ids {
			result = append(result, map[string]any{"id": id, "version": 0, "score": 1 - 0.1*float64(i)})
		}
		f.reply(w, http.StatusOK, result)
	case r.Method == http.MethodPost && path == "/points/scroll":
		var offset int64
		if raw, ok := body["offset"]; ok {
			assert.NoError(f.t, json.Unmarshal(raw, &offset))
		}
		var page []map[string]any
		var next any
		for _, id := range f.sortedIDs() {
			if id < offset {
				continue
			}
			if len(page) == 2 {
				next = id
				break
			}
			page = append(page, map[string]any{"id": id, "vector": f.points[id]})
		}
		f.reply(w, http.StatusOK, map[string]any{"points": page, "next_page_offset": next})
	default:
		f.reply(w, http.StatusNotFound, nil)
	}
}

func (f *fakeQdrant) sortedIDs() []int64 {
	var ids []int64
	for id := range f.points {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func TestClient_UpsertCreatesCollectionOnce(t *testing.T) {
	fake, srv := newFakeQdrant(t)
	c := NewClient(Config{URL: srv.URL, APIKey: "secret", Collection: "docs"})
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, 1, []float32{1, 0, 0}))
	require.NoError(t, c.Upsert(ctx, 2, []float32{0, 1, 0}))

	assert.Equal(t, 1, fake.creates)
	assert.Equal(t, float64(3), fake.collection["size"])
	assert.Equal(t, "Cosine", fake.collection["distance"])
	assert.Len(t, fake.points, 2)
	for _, key := range fake.apiKeys {
		assert.Equal(t, "secret", key)
	}
}

func TestClient_Search(t *testing.T) {
	_, srv := newFakeQdrant(t)
	c := NewClient(Config{URL: srv.URL, Collection: "docs"})
	ctx := context.Background()

	got, err := c.Search(ctx, []float32{1, 0}, 3)
	require.NoError(t, err)
	assert.Empty(t, got)

	for id := int64(1); id <= 4; id++ {
		require.NoError(t, c.Upsert(ctx, id, []float32{float32(id), 1}))
	}
	got, err = c.Search(ctx, []float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, models.ScoredID{ID: 1, Score: 1}, got[0])
	assert.Equal(t, int64(3), got[2].ID)
}

func TestClient_VectorsPagesThroughScroll(t *testing.T) {
	_, srv := newFakeQdrant(t)
	c := NewClient(Config{URL: srv.URL, Collection: "docs"})
	ctx := context.Background()

	all, err := c.Vectors(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	for id := int64(1); id <= 5; id++ {
		require.NoError(t, c.Upsert(ctx, id, []float32{float32(id)}))
	}
	all, err = c.Vectors(ctx)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, p := range all {
		assert.Equal(t, int64(i+1), p.ID)
		assert.Equal(t, []float32{float32(i + 1)}, p.Vector)
	}
}

func TestClient_ServerDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	c := NewClient(Config{URL: srv.URL, Collection: "docs"})

	err := c.Upsert(context.Background(), 1, []float32{1})
	assert.True(t, errors.Is(err, models.ErrVectorStoreUnavailable), "got %v", err)
	_, err = c.Search(context.Background(), []float32{1}, 1)
	assert.True(t, errors.Is(err, models.ErrVectorStoreUnavailable), "got %v", err)

	srv.Close()
	_, err = c.Vectors(context.Background())
	assert.True(t, errors.Is(err, models.ErrVectorStoreUnavailable), "got %v", err)
}
