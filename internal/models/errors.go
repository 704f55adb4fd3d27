package models

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Error taxonomy. Leaf clients mark their errors with one of these via
// errors.Mark so classification survives wrapping.
var (
	ErrUnsupportedFormat          = errors.New("unsupported format")
	ErrExtractionFailed           = errors.New("text extraction failed")
	ErrMetadataServiceUnavailable = errors.New("metadata service unavailable")
	ErrMalformedMetadataResponse  = errors.New("malformed metadata response")
	ErrContentStoreUnavailable    = errors.New("content store unavailable")
	ErrContentStoreRejected       = errors.New("content store rejected payload")
	ErrFundingTimeout             = errors.New("signer funding timed out")
	ErrAnchorSubmissionFailed     = errors.New("anchor submission failed")
	ErrCatalogWriteFailed         = errors.New("catalog write failed")

	// Boundary-only errors; never a pipeline stage outcome.
	ErrInvalidFieldQuery = errors.New("invalid search field")
	ErrNotFound          = errors.New("catalog entry not found")

	// Semantic index errors; the index is secondary to the catalog.
	ErrEmbeddingServiceUnavailable = errors.New("embedding service unavailable")
	ErrVectorStoreUnavailable      = errors.New("vector store unavailable")
	ErrInvalidSemanticQuery        = errors.New("invalid semantic query")
)

// Stage names a step of the ingestion pipeline.
type Stage string

const (
	StageTextExtraction     Stage = "text_extraction"
	StageMetadataExtraction Stage = "metadata_extraction"
	StageContentAddressing  Stage = "content_addressing"
	StageChainAnchoring     Stage = "chain_anchoring"
	StageCatalogWrite       Stage = "catalog_write"
)

// Partial holds the artifacts a run had computed before it stopped.
type Partial struct {
	Text       *ExtractedText     `json:"text,omitempty"`
	Metadata   *ExtractedMetaData `json:"metadata,omitempty"`
	FileRecord *FileRecord        `json:"file_record,omitempty"`
	Anchor     *AnchorReceipt     `json:"anchor,omitempty"`
}

// PipelineError reports the stage a run failed at, the cause, and what was
// already computed. No catalog row exists for a run that returns one.
type PipelineError struct {
	Stage   Stage
	Err     error
	Partial Partial
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline failed at %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }
