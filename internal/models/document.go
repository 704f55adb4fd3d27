package models

import (
	"strings"
	"time"
)

// Format identifies a supported document type.
type Format string

const (
	FormatTXT  Format = "txt"
	FormatMD   Format = "md"
	FormatPDF  Format = "pdf"
	FormatDocx Format = "docx"
)

// UploadedFile is the immutable handle one pipeline run receives from ingress.
type UploadedFile struct {
	Bytes            []byte
	DeclaredFilename string
	DetectedFormat   Format
}

// ExtractedText is the normalized plain text derived from an UploadedFile.
type ExtractedText struct {
	Content string `json:"content"`
}

// ExtractedMetaData is the structured description the completion service produces.
// Every required field is non-empty; a value that fails Validate is never handed out.
type ExtractedMetaData struct {
	Title      string   `json:"title"`
	Genre      string   `json:"genre"`
	Difficulty string   `json:"difficulty"`
	Summary    string   `json:"summary"`
	Keywords   []string `json:"keywords,omitempty"`
}

// MissingFields lists the required fields that are empty after trimming.
func (m ExtractedMetaData) MissingFields() []string {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"title", m.Title},
		{"genre", m.Genre},
		{"difficulty", m.Difficulty},
		{"summary", m.Summary},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// FileRecord is the content identity of an uploaded file.
type FileRecord struct {
	FileHash string `json:"file_hash"`
	FileCID  string `json:"file_cid"`
}

// AnchorReceipt is the ledger transaction signature for an anchored FileRecord.
type AnchorReceipt struct {
	Signature string `json:"signature"`
}

// CatalogEntry is one finalized row of the catalog.
type CatalogEntry struct {
	ID         int64  `json:"id"`
	Genre      string `json:"genre"`
	Title      string `json:"title"`
	Difficulty string `json:"difficulty"`
	Summary    string `json:"summary"`
	FileHash   string `json:"file_hash"`
	FileCID    string `json:"file_cid"`
}

// IngestResult is what a successful pipeline run hands back to ingress.
type IngestResult struct {
	Entry      CatalogEntry      `json:"entry"`
	Metadata   ExtractedMetaData `json:"metadata"`
	FileRecord FileRecord        `json:"file_record"`
	Anchor     *AnchorReceipt    `json:"anchor,omitempty"`
}

// Run journal statuses.
const (
	RunStatusRunning   = "RUNNING"
	RunStatusCompleted = "COMPLETED"
	RunStatusFailed    = "FAILED"
)

// IngestRun is the journal document tracking one pipeline run in Firestore.
type IngestRun struct {
	RunID        string    `firestore:"runId,omitempty"`
	Filename     string    `firestore:"filename,omitempty"`
	Format       string    `firestore:"format,omitempty"`
	Status       string    `firestore:"status,omitempty"`
	Stage        string    `firestore:"stage,omitempty"`
	ErrorDetails string    `firestore:"errorDetails,omitempty"`
	FileHash     string    `firestore:"fileHash,omitempty"`
	FileCID      string    `firestore:"fileCid,omitempty"`
	Signature    string    `firestore:"signature,omitempty"`
	CatalogID    int64     `firestore:"catalogId,omitempty"`
	CreatedAt    time.Time `firestore:"createdAt,omitempty"`
	UpdatedAt    time.Time `firestore:"updatedAt,omitempty"`
}

// FieldCount is the number of catalog rows sharing one value of a field.
type FieldCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// EntryVector is the embedding of one catalog entry.
type EntryVector struct {
	ID     int64
	Vector []float32
}

// ScoredID is a catalog id ranked by cosine similarity to a query.
type ScoredID struct {
	ID    int64
	Score float64
}

// SimilarEntry is a catalog entry returned by semantic search.
type SimilarEntry struct {
	CatalogEntry
	Score float64 `json:"score"`
}

// Cluster groups catalog entries whose embeddings share a k-means centroid.
type Cluster struct {
	Label   int            `json:"label"`
	Size    int            `json:"size"`
	Entries []CatalogEntry `json:"entries"`
}
