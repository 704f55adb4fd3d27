package catalog

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/Lllllllleong/documentledger/internal/models"
	"github.com/Lllllllleong/documentledger/internal/vecmath"
)

const vectorSchema = `CREATE TABLE IF NOT EXISTS archive_vectors (
	record_id INTEGER PRIMARY KEY REFERENCES archive(id),
	model TEXT NOT NULL,
	dim INTEGER NOT NULL,
	vector BLOB NOT NULL
)`

// VectorTable keeps one embedding per catalog row next to the archive table
// and answers similarity queries by scanning it. Vectors from a different
// embedding model than the table's are ignored.
type VectorTable struct {
	store *Store
	model string

	schemaMu    sync.Mutex
	schemaReady bool
}

// NewVectorTable returns the vector table of s for embeddings made by model.
func NewVectorTable(s *Store, model string) *VectorTable {
	return &VectorTable{store: s, model: model}
}

func (t *VectorTable) ensureSchema(ctx context.Context) error {
	if err := t.store.EnsureSchema(ctx); err != nil {
		return err
	}
	t.schemaMu.Lock()
	defer t.schemaMu.Unlock()
	if t.schemaReady {
		return nil
	}
	if _, err := t.store.db.ExecContext(ctx, vectorSchema); err != nil {
		return errors.Wrap(err, "catalog: create vector schema")
	}
	t.schemaReady = true
	return nil
}

// Upsert stores vector as the embedding of catalog row id, replacing any
// previous one.
func (t *VectorTable) Upsert(ctx context.Context, id int64, vector []float32) error {
	if len(vector) == 0 {
		return errors.Mark(errors.Newf("empty vector for catalog entry %d", id), models.ErrVectorStoreUnavailable)
	}
	if err := t.ensureSchema(ctx); err != nil {
		return errors.Mark(err, models.ErrVectorStoreUnavailable)
	}
	_, err := t.store.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO archive_vectors (record_id, model, dim, vector) VALUES (?, ?, ?, ?)`,
		id, t.model, len(vector), encodeVector(vector))
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "catalog: upsert vector %d", id), models.ErrVectorStoreUnavailable)
	}
	return nil
}

// Search returns the k rows most similar to vector, best first.
func (t *VectorTable) Search(ctx context.Context, vector []float32, k int) ([]models.ScoredID, error) {
	points, err := t.Vectors(ctx)
	if err != nil {
		return nil, err
	}
	return vecmath.TopK(vector, points, k), nil
}

// Vectors returns every stored embedding of the table's model, ordered by id.
func (t *VectorTable) Vectors(ctx context.Context) ([]models.EntryVector, error) {
	if err := t.ensureSchema(ctx); err != nil {
		return nil, errors.Mark(err, models.ErrVectorStoreUnavailable)
	}
	rows, err := t.store.db.QueryContext(ctx,
		`SELECT record_id, dim, vector FROM archive_vectors WHERE model = ? ORDER BY record_id`, t.model)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "catalog: query vectors"), models.ErrVectorStoreUnavailable)
	}
	defer rows.Close()

	points := []models.EntryVector{}
	for rows.Next() {
		var (
			id   int64
			dim  int
			blob []byte
		)
		if err := rows.Scan(&id, &dim, &blob); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "catalog: scan vector"), models.ErrVectorStoreUnavailable)
		}
		vector, err := decodeVector(blob, dim)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "catalog: vector %d", id), models.ErrVectorStoreUnavailable)
		}
		points = append(points, models.EntryVector{ID: id, Vector: vector})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "catalog: rows"), models.ErrVectorStoreUnavailable)
	}
	return points, nil
}

// encodeVector packs v as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(buf []byte, dim int) ([]float32, error) {
	if len(buf) != 4*dim {
		return nil, errors.Newf("blob is %d bytes, want %d", len(buf), 4*dim)
	}
	v := make([]float32, dim)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}
