// Package catalog is the durable store of finalized document records.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"github.com/Lllllllleong/documentledger/internal/models"
)

const schema = `CREATE TABLE IF NOT EXISTS archive (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	genre TEXT NOT NULL,
	title TEXT NOT NULL,
	difficulty TEXT NOT NULL,
	summary TEXT NOT NULL,
	file_hash TEXT NOT NULL,
	file_cid TEXT NOT NULL
)`

const selectColumns = `SELECT id, genre, title, difficulty, summary, file_hash, file_cid FROM archive`

// searchColumns is the closed set of searchable fields and the column each
// maps to. The hash and CID fields are accepted in both the camelCase used by
// the workflow payloads and the snake_case of the JSON responses.
var searchColumns = map[string]string{
	"genre":      "genre",
	"title":      "title",
	"difficulty": "difficulty",
	"summary":    "summary",
	"fileHash":   "file_hash",
	"fileCid":    "file_cid",
	"file_hash":  "file_hash",
	"file_cid":   "file_cid",
}

// SearchFields returns the field names SearchByField accepts.
func SearchFields() []string {
	return []string{"genre", "title", "difficulty", "summary", "fileHash", "fileCid"}
}

// Store is a CatalogStore backed by database/sql. It is safe for concurrent use.
type Store struct {
	db *sql.DB

	schemaMu    sync.Mutex
	schemaReady bool
}

// Open opens (creating if needed) the SQLite catalog at path and ensures the
// schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}
	s := NewStore(db)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// openDB opens the database file. Pragmas are set in the DSN so every pooled
// connection gets them.
func openDB(ctx context.Context, path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "catalog: mkdir")
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "catalog: open")
	}
	// SQLite has a single writer; one connection serializes writes instead of
	// surfacing SQLITE_BUSY to concurrent runs.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "catalog: ping")
	}
	return db, nil
}

// NewStore wraps an already opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the archive table if it is absent. It is idempotent and
// safe to call from many goroutines on first use.
func (s *Store) EnsureSchema(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "catalog: create schema")
	}
	s.schemaReady = true
	return nil
}

// Insert appends a new row and returns its id. Duplicate hashes are allowed.
func (s *Store) Insert(ctx context.Context, meta models.ExtractedMetaData, rec models.FileRecord) (int64, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return 0, errors.Mark(err, models.ErrCatalogWriteFailed)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO archive (genre, title, difficulty, summary, file_hash, file_cid) VALUES (?, ?, ?, ?, ?, ?)`,
		meta.Genre, meta.Title, meta.Difficulty, meta.Summary, rec.FileHash, rec.FileCID)
	if err != nil {
		return 0, errors.Mark(errors.Wrap(err, "catalog: insert"), models.ErrCatalogWriteFailed)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Mark(errors.Wrap(err, "catalog: last insert id"), models.ErrCatalogWriteFailed)
	}
	return id, nil
}

// GetByID returns the row with the given id or an error marked ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id int64) (*models.CatalogEntry, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	var e models.CatalogEntry
	err := row.Scan(&e.ID, &e.Genre, &e.Title, &e.Difficulty, &e.Summary, &e.FileHash, &e.FileCID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Mark(errors.Newf("catalog entry %d", id), models.ErrNotFound)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "catalog: get %d", id)
	}
	return &e, nil
}

// ListAll returns every row, ordered by id, read fully before returning.
func (s *Store) ListAll(ctx context.Context) ([]models.CatalogEntry, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return s.query(ctx, selectColumns+` ORDER BY id`)
}

// SearchByField returns rows whose field contains substring. field must be
// one of SearchFields; anything else is rejected with ErrInvalidFieldQuery
// before any SQL is built. LIKE wildcards in substring match literally.
func (s *Store) SearchByField(ctx context.Context, field, substring string) ([]models.CatalogEntry, error) {
	column, ok := searchColumns[field]
	if !ok {
		return nil, errors.Mark(errors.Newf("field %q is not searchable", field), models.ErrInvalidFieldQuery)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	query := selectColumns + ` WHERE ` + column + ` LIKE ? ESCAPE '\' ORDER BY id`
	return s.query(ctx, query, "%"+escapeLike(substring)+"%")
}

// groupColumns are the fields CountByField aggregates over.
var groupColumns = map[string]string{
	"genre":      "genre",
	"difficulty": "difficulty",
}

// CountByField returns how many rows carry each distinct value of field,
// most frequent first. Only genre and difficulty are accepted.
func (s *Store) CountByField(ctx context.Context, field string) ([]models.FieldCount, error) {
	column, ok := groupColumns[field]
	if !ok {
		return nil, errors.Mark(errors.Newf("field %q cannot be aggregated", field), models.ErrInvalidFieldQuery)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+column+`, COUNT(*) FROM archive GROUP BY `+column+` ORDER BY COUNT(*) DESC, `+column)
	if err != nil {
		return nil, errors.Wrap(err, "catalog: count")
	}
	defer rows.Close()

	counts := []models.FieldCount{}
	for rows.Next() {
		var c models.FieldCount
		if err := rows.Scan(&c.Value, &c.Count); err != nil {
			return nil, errors.Wrap(err, "catalog: scan count")
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "catalog: rows")
	}
	return counts, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]models.CatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "catalog: query")
	}
	defer rows.Close()

	entries := []models.CatalogEntry{}
	for rows.Next() {
		var e models.CatalogEntry
		if err := rows.Scan(&e.ID, &e.Genre, &e.Title, &e.Difficulty, &e.Summary, &e.FileHash, &e.FileCID); err != nil {
			return nil, errors.Wrap(err, "catalog: scan")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "catalog: rows")
	}
	return entries, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
