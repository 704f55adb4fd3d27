package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/Lllllllleong/documentledger/internal/catalog"
	"github.com/Lllllllleong/documentledger/internal/gcp"
	"github.com/Lllllllleong/documentledger/internal/models"
	"github.com/Lllllllleong/documentledger/internal/qdrant"
	"github.com/Lllllllleong/documentledger/internal/vecmath"
)

// Vector store backends for the semantic index.
const (
	VectorStoreSQLite = "sqlite"
	VectorStoreQdrant = "qdrant"
)

// Semantic query limits.
const (
	DefaultSemanticK    = 3
	MaxSemanticK        = 50
	DefaultClusterCount = 3
	MaxClusterCount     = 20

	clusterSeed       = 42
	clusterIterations = 100
)

// SemanticConfig selects the embedding service and vector store. An empty
// VectorStore disables semantic search.
type SemanticConfig struct {
	VectorStore string

	EmbeddingsBaseURL string
	EmbeddingsAPIKey  string
	EmbeddingsModel   string

	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string
}

// LoadSemanticConfig reads the semantic index settings from the environment.
// The embeddings endpoint and key default to the OpenAI completion settings.
func LoadSemanticConfig() SemanticConfig {
	return SemanticConfig{
		VectorStore:       gcp.GetEnv("VECTOR_STORE", ""),
		EmbeddingsBaseURL: gcp.GetEnv("EMBEDDINGS_BASE_URL", gcp.GetEnv("OPENAI_BASE_URL", "https://api.openai.com/v1")),
		EmbeddingsAPIKey:  gcp.GetEnv("EMBEDDINGS_API_KEY", gcp.GetEnv("OPENAI_API_KEY", "")),
		EmbeddingsModel:   gcp.GetEnv("EMBEDDINGS_MODEL", DefaultEmbeddingModel),
		QdrantURL:         gcp.GetEnv("QDRANT_URL", "http://127.0.0.1:6333"),
		QdrantAPIKey:      gcp.GetEnv("QDRANT_API_KEY", ""),
		QdrantCollection:  gcp.GetEnv("QDRANT_COLLECTION", "catalog_entries"),
	}
}

// Enabled reports whether a vector store is configured.
func (c SemanticConfig) Enabled() bool { return c.VectorStore != "" }

// Validate checks the backend name.
func (c SemanticConfig) Validate() error {
	switch c.VectorStore {
	case "", VectorStoreSQLite, VectorStoreQdrant:
		return nil
	default:
		return errors.Newf("unknown VECTOR_STORE %q (want %q or %q)", c.VectorStore, VectorStoreSQLite, VectorStoreQdrant)
	}
}

// VectorStore keeps one embedding per catalog entry.
// *catalog.VectorTable and *qdrant.Client satisfy it.
type VectorStore interface {
	Upsert(ctx context.Context, id int64, vector []float32) error
	Search(ctx context.Context, vector []float32, k int) ([]models.ScoredID, error)
	Vectors(ctx context.Context) ([]models.EntryVector, error)
}

// SemanticIndex embeds catalog entries and answers similarity and cluster
// queries over them. It is secondary to the catalog: an entry without a
// vector is still catalogued, and a vector whose entry is gone is ignored.
type SemanticIndex struct {
	embedder Embedder
	vectors  VectorStore
	catalog  CatalogReader
	retry    RetryPolicy
}

// NewSemanticIndex wires an index over the given embedder, store and catalog.
func NewSemanticIndex(embedder Embedder, vectors VectorStore, cat CatalogReader, retry RetryPolicy) *SemanticIndex {
	return &SemanticIndex{embedder: embedder, vectors: vectors, catalog: cat, retry: retry}
}

// NewSemanticIndexFromConfig builds the index cfg names over store. It
// returns nil when semantic search is disabled.
func NewSemanticIndexFromConfig(cfg SemanticConfig, store *catalog.Store) (*SemanticIndex, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return nil, nil
	}
	embedder := NewOpenAIEmbedder(OpenAIConfig{
		BaseURL: cfg.EmbeddingsBaseURL,
		APIKey:  cfg.EmbeddingsAPIKey,
		Model:   cfg.EmbeddingsModel,
	})
	var vectors VectorStore
	switch cfg.VectorStore {
	case VectorStoreSQLite:
		vectors = catalog.NewVectorTable(store, cfg.EmbeddingsModel)
	case VectorStoreQdrant:
		vectors = qdrant.NewClient(qdrant.Config{URL: cfg.QdrantURL, APIKey: cfg.QdrantAPIKey, Collection: cfg.QdrantCollection})
	}
	slog.Info("Semantic index enabled.", "vectorStore", cfg.VectorStore, "embeddingModel", cfg.EmbeddingsModel)
	return NewSemanticIndex(embedder, vectors, store, DefaultRetryPolicy), nil
}

// EmbeddingText is the text embedded for an entry.
func EmbeddingText(e models.CatalogEntry) string {
	return fmt.Sprintf("%s - %s - %s - %s", e.Title, e.Difficulty, e.Genre, e.Summary)
}

func (s *SemanticIndex) embed(ctx context.Context, logCtx *slog.Logger, text string) ([]float32, error) {
	var vector []float32
	err := withRetry(ctx, logCtx, "embed", s.retry, isTransient, func(ctx context.Context) error {
		v, err := s.embedder.Embed(ctx, text)
		if err != nil {
			return err
		}
		vector = v
		return nil
	})
	return vector, err
}

// IndexEntry embeds entry and stores its vector under the entry's id.
func (s *SemanticIndex) IndexEntry(ctx context.Context, entry models.CatalogEntry) error {
	logCtx := slog.With("catalogId", entry.ID)
	vector, err := s.embed(ctx, logCtx, EmbeddingText(entry))
	if err != nil {
		return err
	}
	return s.vectors.Upsert(ctx, entry.ID, vector)
}

// Search returns the k catalog entries closest in meaning to query, best
// first. k of 0 means DefaultSemanticK.
func (s *SemanticIndex) Search(ctx context.Context, query string, k int) ([]models.SimilarEntry, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.Mark(errors.New("query must not be empty"), models.ErrInvalidSemanticQuery)
	}
	if k == 0 {
		k = DefaultSemanticK
	}
	if k < 0 || k > MaxSemanticK {
		return nil, errors.Mark(errors.Newf("k must be between 1 and %d", MaxSemanticK), models.ErrInvalidSemanticQuery)
	}

	logCtx := slog.With("k", k)
	vector, err := s.embed(ctx, logCtx, query)
	if err != nil {
		return nil, err
	}
	hits, err := s.vectors.Search(ctx, vector, k)
	if err != nil {
		return nil, err
	}

	results := []models.SimilarEntry{}
	for _, hit := range hits {
		entry, err := s.catalog.GetByID(ctx, hit.ID)
		if errors.Is(err, models.ErrNotFound) {
			logCtx.Warn("Vector without catalog entry.", "catalogId", hit.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		results = append(results, models.SimilarEntry{CatalogEntry: *entry, Score: hit.Score})
	}
	return results, nil
}

// Clusters groups the indexed entries into n k-means clusters. Labels are
// numbered in order of each cluster's lowest catalog id. n of 0 means
// DefaultClusterCount; n above the number of indexed entries is reduced.
func (s *SemanticIndex) Clusters(ctx context.Context, n int) ([]models.Cluster, error) {
	if n == 0 {
		n = DefaultClusterCount
	}
	if n < 0 || n > MaxClusterCount {
		return nil, errors.Mark(errors.Newf("n must be between 1 and %d", MaxClusterCount), models.ErrInvalidSemanticQuery)
	}

	points, err := s.vectors.Vectors(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := s.catalog.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]models.CatalogEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	var (
		kept    []models.CatalogEntry
		vectors [][]float32
	)
	for _, p := range points {
		if e, ok := byID[p.ID]; ok {
			kept = append(kept, e)
			vectors = append(vectors, p.Vector)
		}
	}
	clusters := []models.Cluster{}
	if len(vectors) == 0 {
		return clusters, nil
	}

	labels := vecmath.KMeans(vectors, n, clusterSeed, clusterIterations)
	index := map[int]int{}
	for i, label := range labels {
		c, ok := index[label]
		if !ok {
			c = len(clusters)
			index[label] = c
			clusters = append(clusters, models.Cluster{Label: c})
		}
		clusters[c].Entries = append(clusters[c].Entries, kept[i])
		clusters[c].Size++
	}
	return clusters, nil
}

// Backfill indexes every catalog entry that has no vector yet and reports how
// many it indexed. It keeps going past individual failures.
func (s *SemanticIndex) Backfill(ctx context.Context) (int, error) {
	entries, err := s.catalog.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	points, err := s.vectors.Vectors(ctx)
	if err != nil {
		return 0, err
	}
	have := make(map[int64]bool, len(points))
	for _, p := range points {
		have[p.ID] = true
	}

	indexed := 0
	var errs error
	for _, e := range entries {
		if have[e.ID] {
			continue
		}
		if err := s.IndexEntry(ctx, e); err != nil {
			slog.Warn("Failed to index catalog entry.", "catalogId", e.ID, "error", err)
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "index entry %d", e.ID))
			continue
		}
		indexed++
	}
	slog.Info("Semantic backfill finished.", "indexed", indexed, "total", len(entries))
	return indexed, errs
}
