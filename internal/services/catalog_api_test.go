package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/documentledger/internal/catalog"
	"github.com/Lllllllleong/documentledger/internal/models"
)

func seededCatalog(t *testing.T) *catalog.Store {
	t.Helper()
	store, err := catalog.Open(context.Background(), filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for _, m := range []models.ExtractedMetaData{
		{Title: "Go Concurrency", Genre: "Programming", Difficulty: "Advanced", Summary: "channels"},
		{Title: "Intro to Cooking", Genre: "Food", Difficulty: "Beginner", Summary: "knives"},
		{Title: "Go Basics", Genre: "Programming", Difficulty: "Beginner", Summary: "syntax"},
	} {
		_, err := store.Insert(context.Background(), m, models.FileRecord{FileHash: helloWorldHash, FileCID: "bafy-test"})
		require.NoError(t, err)
	}
	return store
}

func getJSON(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	rec := serve(h, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestCatalogRouter_Health(t *testing.T) {
	rec := serve(NewRouter(seededCatalog(t), nil), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestCatalogRouter_ListAndGet(t *testing.T) {
	r := NewRouter(seededCatalog(t), nil)

	var all []models.CatalogEntry
	require.Equal(t, http.StatusOK, getJSON(t, r, "/metadata", &all))
	require.Len(t, all, 3)
	assert.Equal(t, "Go Concurrency", all[0].Title)

	var one models.CatalogEntry
	require.Equal(t, http.StatusOK, getJSON(t, r, "/metadata/2", &one))
	assert.Equal(t, "Intro to Cooking", one.Title)

	assert.Equal(t, http.StatusNotFound, getJSON(t, r, "/metadata/99", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, r, "/metadata/abc", nil))
}

func TestCatalogRouter_EmptyListIsArray(t *testing.T) {
	store, err := catalog.Open(context.Background(), filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	defer store.Close()

	rec := serve(NewRouter(store, nil), httptest.NewRequest(http.MethodGet, "/metadata", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestCatalogRouter_Search(t *testing.T) {
	r := NewRouter(seededCatalog(t), nil)

	var hits []models.CatalogEntry
	require.Equal(t, http.StatusOK, getJSON(t, r, "/search?field=title&q=Go", &hits))
	assert.Len(t, hits, 2)

	require.Equal(t, http.StatusOK, getJSON(t, r, "/search?field=difficulty&q=begin", &hits))
	assert.Len(t, hits, 2)

	rec := serve(r, httptest.NewRequest(http.MethodGet, "/search?field=id;DROP%20TABLE%20archive&q=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp models.StageErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)

	var all []models.CatalogEntry
	require.Equal(t, http.StatusOK, getJSON(t, r, "/metadata", &all))
	assert.Len(t, all, 3)
}

func TestCatalogRouter_Analytics(t *testing.T) {
	r := NewRouter(seededCatalog(t), nil)

	var counts []models.FieldCount
	require.Equal(t, http.StatusOK, getJSON(t, r, "/analytics/genre", &counts))
	assert.Equal(t, []models.FieldCount{{Value: "Programming", Count: 2}, {Value: "Food", Count: 1}}, counts)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, r, "/analytics/summary", nil))
}

func TestCatalogRouter_UploadMountedOnlyWhenGiven(t *testing.T) {
	store := seededCatalog(t)

	rec := serve(NewRouter(store, nil), httptest.NewRequest(http.MethodPost, "/api/upload", nil))
	assert.NotEqual(t, http.StatusOK, rec.Code)

	called := false
	upload := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusAccepted)
	})
	rec = serve(NewRouter(store, upload), httptest.NewRequest(http.MethodPost, "/api/upload", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, called)
}
