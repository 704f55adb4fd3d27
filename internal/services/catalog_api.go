package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Lllllllleong/documentledger/internal/catalog"
	"github.com/Lllllllleong/documentledger/internal/models"
)

// CatalogReader is the read side of the catalog. *catalog.Store satisfies it.
type CatalogReader interface {
	ListAll(ctx context.Context) ([]models.CatalogEntry, error)
	GetByID(ctx context.Context, id int64) (*models.CatalogEntry, error)
	SearchByField(ctx context.Context, field, substring string) ([]models.CatalogEntry, error)
	CountByField(ctx context.Context, field string) ([]models.FieldCount, error)
}

// CatalogFunction serves the catalog read API.
type CatalogFunction struct {
	router chi.Router
	store  *catalog.Store
}

// NewCatalog opens the catalog at dbPath and builds its router, mounting
// semantic search when semantic names a vector store.
func NewCatalog(ctx context.Context, dbPath string, semantic SemanticConfig) (*CatalogFunction, error) {
	store, err := catalog.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	index, err := NewSemanticIndexFromConfig(semantic, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	slog.Info("Catalog API initialized.", "dbPath", dbPath, "semanticSearch", index != nil)
	return &CatalogFunction{router: NewRouter(store, nil, WithSemanticSearch(index)), store: store}, nil
}

func (f *CatalogFunction) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.router.ServeHTTP(w, r)
}

// Close closes the catalog.
func (f *CatalogFunction) Close() error { return f.store.Close() }

// RouterOption mounts optional routes.
type RouterOption func(*catalogHandlers)

// WithSemanticSearch mounts POST /ai-search and GET /analytics/clusters over
// index. A nil index mounts nothing.
func WithSemanticSearch(index *SemanticIndex) RouterOption {
	return func(h *catalogHandlers) { h.semantic = index }
}

// NewRouter mounts the read API over reader and, when upload is non-nil,
// the upload endpoint at POST /api/upload.
func NewRouter(reader CatalogReader, upload http.Handler, opts ...RouterOption) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	h := &catalogHandlers{reader: reader}
	for _, o := range opts {
		o(h)
	}
	r.Get("/health", h.health)
	r.Get("/metadata", h.list)
	r.Get("/metadata/{id}", h.get)
	r.Get("/search", h.search)
	if h.semantic != nil {
		r.Post("/ai-search", h.aiSearch)
		r.Get("/analytics/clusters", h.clusters)
	}
	r.Get("/analytics/{field}", h.analytics)
	if upload != nil {
		r.Method(http.MethodPost, "/api/upload", upload)
	}
	return r
}

type catalogHandlers struct {
	reader   CatalogReader
	semantic *SemanticIndex
}

// maxSearchBody caps the JSON body of POST /ai-search.
const maxSearchBody = 64 << 10

func (h *catalogHandlers) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

func (h *catalogHandlers) list(w http.ResponseWriter, r *http.Request) {
	entries, err := h.reader.ListAll(r.Context())
	if err != nil {
		h.fail(w, r, "list catalog", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *catalogHandlers) get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "", "id must be an integer", nil)
		return
	}
	entry, err := h.reader.GetByID(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get catalog entry", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *catalogHandlers) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := h.reader.SearchByField(r.Context(), q.Get("field"), q.Get("q"))
	if err != nil {
		h.fail(w, r, "search catalog", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *catalogHandlers) analytics(w http.ResponseWriter, r *http.Request) {
	counts, err := h.reader.CountByField(r.Context(), chi.URLParam(r, "field"))
	if err != nil {
		h.fail(w, r, "count catalog field", err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *catalogHandlers) aiSearch(w http.ResponseWriter, r *http.Request) {
	var req models.SemanticSearchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSearchBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "body must be JSON like {\"query\": \"...\", \"k\": 3}", nil)
		return
	}
	results, err := h.semantic.Search(r.Context(), req.Query, req.K)
	if err != nil {
		h.fail(w, r, "semantic search", err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *catalogHandlers) clusters(w http.ResponseWriter, r *http.Request) {
	n := 0
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "", "n must be an integer", nil)
			return
		}
		n = parsed
	}
	clusters, err := h.semantic.Clusters(r.Context(), n)
	if err != nil {
		h.fail(w, r, "cluster catalog", err)
		return
	}
	writeJSON(w, http.StatusOK, clusters)
}

func (h *catalogHandlers) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := StatusForError(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Catalog request failed", "operation", op, "path", r.URL.Path, "error", err)
		writeError(w, status, "", "internal error", nil)
		return
	}
	writeError(w, status, "", err.Error(), nil)
}
