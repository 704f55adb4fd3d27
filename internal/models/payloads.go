package models

// These structs define the JSON payloads exchanged at the HTTP boundary and
// with the downstream Cloud Workflow.

// UploadResponse is returned by the upload function after a successful run.
type UploadResponse struct {
	Status           string            `json:"status"`
	ServerFilename   string            `json:"server_filename"`
	OriginalFilename string            `json:"original_filename,omitempty"`
	Metadata         ExtractedMetaData `json:"metadata"`
	FileRecord       FileRecord        `json:"file_record"`
	AnchorSignature  string            `json:"anchor_signature,omitempty"`
	CatalogID        int64             `json:"catalog_id"`
}

// StageErrorResponse describes a failed run at the HTTP boundary.
type StageErrorResponse struct {
	Status  string   `json:"status"`
	Stage   string   `json:"stage,omitempty"`
	Error   string   `json:"error"`
	Partial *Partial `json:"partial,omitempty"`
}

// IndexHandoffRequest is the argument of the downstream indexing workflow.
type IndexHandoffRequest struct {
	CatalogID int64  `json:"catalogId"`
	FileHash  string `json:"fileHash"`
	FileCID   string `json:"fileCid"`
	Signature string `json:"signature,omitempty"`
	RunID     string `json:"runId,omitempty"`
}

// GCSEvent is the payload of a GCS object-finalized event.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// SemanticSearchRequest is the body of POST /ai-search. K defaults to 3.
type SemanticSearchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k,omitempty"`
}
