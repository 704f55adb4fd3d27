package services

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/Lllllllleong/documentledger/internal/catalog"
	"github.com/Lllllllleong/documentledger/internal/gcp"
	"github.com/Lllllllleong/documentledger/internal/ipfs"
	"github.com/Lllllllleong/documentledger/internal/models"
	"github.com/Lllllllleong/documentledger/internal/solana"
	"github.com/Lllllllleong/documentledger/internal/textextract"
)

// ingestedPrefix is where BucketSink-backed uploads land; the bucket trigger
// ignores it so HTTP uploads are not ingested twice.
const ingestedPrefix = "ingested/"

// ObjectReader reads a finalized bucket object, refusing anything over maxBytes.
type ObjectReader interface {
	ReadObject(ctx context.Context, bucket, name string, maxBytes int64) ([]byte, error)
}

type gcsObjects struct{ client *storage.Client }

func (g gcsObjects) ReadObject(ctx context.Context, bucket, name string, maxBytes int64) ([]byte, error) {
	return gcp.ReadObject(ctx, g.client.Bucket(bucket), name, maxBytes)
}

// IngestFunction holds the dependencies for ingress and the pipeline.
type IngestFunction struct {
	pipeline      *Pipeline
	uploads       UploadSink
	storageClient *storage.Client
	objects       ObjectReader
	store         *catalog.Store
	catalog       CatalogReader
	semantic      *SemanticIndex
	config        IngestConfig
	closers       []func() error
}

// NewIngest builds every client named by cfg.
func NewIngest(ctx context.Context, cfg IngestConfig) (*IngestFunction, error) {
	f := &IngestFunction{config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = f.Close()
		}
	}()

	store, err := catalog.Open(ctx, cfg.CatalogDBPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open catalog")
	}
	f.store = store
	f.catalog = store
	f.closers = append(f.closers, store.Close)

	completer, err := f.newCompleter(ctx)
	if err != nil {
		return nil, err
	}

	signer, err := loadSigner(cfg.SolanaKeypairPath)
	if err != nil {
		return nil, err
	}
	ledger := solana.NewClient(solana.Config{URL: cfg.SolanaRPCURL, Timeout: rpcTimeout, RequestsPerSecond: cfg.SolanaRPS})

	if cfg.UploadsBucket != "" || cfg.ReadFromGCS {
		storageClient, err := storage.NewClient(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create storage client")
		}
		f.storageClient = storageClient
		f.closers = append(f.closers, storageClient.Close)
	}
	if cfg.ReadFromGCS {
		f.objects = gcsObjects{client: f.storageClient}
	}
	if cfg.UploadsBucket != "" {
		f.uploads = NewBucketSink(f.storageClient.Bucket(cfg.UploadsBucket))
	} else if cfg.UploadsDir != "" {
		if f.uploads, err = NewDirSink(cfg.UploadsDir); err != nil {
			return nil, err
		}
	}

	var opts []PipelineOption
	if cfg.FirestoreCollection != "" {
		fs, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, err
		}
		f.closers = append(f.closers, fs.Close)
		opts = append(opts, WithJournal(NewFirestoreJournal(fs, cfg.FirestoreCollection)))
	}
	if cfg.WorkflowID != "" {
		ex, err := gcp.NewExecutionsClient(ctx)
		if err != nil {
			return nil, err
		}
		f.closers = append(f.closers, ex.Close)
		opts = append(opts, WithHandoff(NewWorkflowHandoff(ex, gcp.WorkflowParent(cfg.ProjectID, cfg.WorkflowLocation, cfg.WorkflowID))))
	}

	semantic, err := NewSemanticIndexFromConfig(cfg.Semantic, store)
	if err != nil {
		return nil, err
	}
	if semantic != nil {
		f.semantic = semantic
		opts = append(opts, WithIndexer(semantic))
	}

	pipeline, err := NewPipeline(
		textextract.New(slog.Default()),
		NewMetadataExtractor(completer, DefaultRetryPolicy),
		NewContentAddresser(ipfs.NewClient(ipfs.Config{APIURL: cfg.IPFSAPIURL, Pin: cfg.IPFSPin}), DefaultRetryPolicy),
		NewChainAnchor(ledger, signer, cfg.anchorConfig()),
		store,
		PipelineConfig{RequireAnchor: cfg.RequireAnchor},
		opts...,
	)
	if err != nil {
		return nil, err
	}
	f.pipeline = pipeline

	ok = true
	slog.Info("Ingest logic initialized.",
		"metadataProvider", cfg.MetadataProvider,
		"signer", signer.PublicKey().String(),
		"requireAnchor", cfg.RequireAnchor,
	)
	return f, nil
}

// NewIngestWithPipeline wires an ingest function around an existing pipeline.
// objects and cat may be nil; without objects bucket events are refused,
// and without cat bucket objects are not checked for duplicates.
func NewIngestWithPipeline(pipeline *Pipeline, uploads UploadSink, objects ObjectReader, cat CatalogReader, cfg IngestConfig) *IngestFunction {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &IngestFunction{pipeline: pipeline, uploads: uploads, objects: objects, catalog: cat, config: cfg}
}

func (f *IngestFunction) newCompleter(ctx context.Context) (Completer, error) {
	switch f.config.MetadataProvider {
	case ProviderOpenAI:
		return NewOpenAICompleter(OpenAIConfig{
			BaseURL: f.config.OpenAIBaseURL,
			APIKey:  f.config.OpenAIAPIKey,
			Model:   f.config.OpenAIModel,
		}), nil
	default:
		vc, err := gcp.NewVertexClient(ctx, f.config.ProjectID, f.config.VertexAIRegion, f.config.VertexModel)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create vertex client")
		}
		f.closers = append(f.closers, vc.Close)
		return NewVertexCompleter(vc.MetadataModel), nil
	}
}

// loadSigner loads the process-wide signing identity. With no path configured
// an ephemeral key is generated once for the life of the process.
func loadSigner(path string) (*solana.Keypair, error) {
	if path == "" {
		kp, err := solana.GenerateKeypair()
		if err != nil {
			return nil, err
		}
		slog.Warn("No SOLANA_KEYPAIR_PATH set; using an ephemeral signer for this process.", "signer", kp.PublicKey().String())
		return kp, nil
	}
	kp, err := solana.LoadKeypair(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load signer keypair")
	}
	return kp, nil
}

// Catalog returns the store the pipeline writes to.
func (f *IngestFunction) Catalog() *catalog.Store { return f.store }

// Semantic returns the semantic index, or nil when it is disabled.
func (f *IngestFunction) Semantic() *SemanticIndex { return f.semantic }

// Close releases every client in reverse creation order.
func (f *IngestFunction) Close() error {
	var errs error
	for i := len(f.closers) - 1; i >= 0; i-- {
		if err := f.closers[i](); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	f.closers = nil
	return errs
}

// Ingest persists an upload under a fresh server filename and runs the
// pipeline on it. Pipeline failures are returned as *models.PipelineError.
func (f *IngestFunction) Ingest(ctx context.Context, originalFilename string, data []byte, persist bool) (*models.UploadResponse, error) {
	name := SanitizeFilename(originalFilename)
	format, err := textextract.Detect(name)
	if err != nil {
		return nil, &models.PipelineError{Stage: models.StageTextExtraction, Err: err}
	}

	runID := uuid.NewString()
	serverFilename := runID + strings.ToLower(filepath.Ext(name))
	logCtx := slog.With("runId", runID, "serverFilename", serverFilename, "originalFilename", name)

	if persist && f.uploads != nil {
		if err := f.uploads.Save(ctx, f.uploadObjectName(serverFilename), data); err != nil {
			logCtx.Error("Failed to persist upload", "error", err)
			return nil, errors.Wrap(err, "failed to persist upload")
		}
	}

	result, err := f.pipeline.Run(ctx, runID, &models.UploadedFile{
		Bytes:            data,
		DeclaredFilename: name,
		DetectedFormat:   format,
	})
	if err != nil {
		return nil, err
	}

	resp := &models.UploadResponse{
		Status:           "success",
		ServerFilename:   serverFilename,
		OriginalFilename: name,
		Metadata:         result.Metadata,
		FileRecord:       result.FileRecord,
		CatalogID:        result.Entry.ID,
	}
	if result.Anchor != nil {
		resp.AnchorSignature = result.Anchor.Signature
	}
	return resp, nil
}

func (f *IngestFunction) uploadObjectName(serverFilename string) string {
	if _, ok := f.uploads.(*BucketSink); ok {
		return ingestedPrefix + serverFilename
	}
	return serverFilename
}

// ServeHTTP accepts a multipart upload and answers with the boundary response.
func (f *IngestFunction) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	filename, data, err := readUpload(w, r, f.config.MaxUploadBytes)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "", "upload exceeds size limit", nil)
			return
		}
		slog.Warn("Could not read upload", "error", err)
		writeError(w, http.StatusBadRequest, "", err.Error(), nil)
		return
	}

	resp, err := f.Ingest(r.Context(), filename, data, true)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ProcessGCSEvent ingests an object that was finalized in a watched bucket.
// Objects already in the catalog are skipped. Failures that a redelivery
// cannot fix are logged and acknowledged; only transient ones are returned,
// so the platform retries just those.
func (f *IngestFunction) ProcessGCSEvent(ctx context.Context, e models.GCSEvent) error {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	if strings.HasPrefix(e.Name, ingestedPrefix) || strings.HasSuffix(e.Name, "/") {
		logCtx.Info("Skipping object outside the ingestion path.")
		return nil
	}
	if _, err := textextract.Detect(e.Name); err != nil {
		logCtx.Info("Skipping object with unsupported format.")
		return nil
	}
	if f.objects == nil {
		return errors.New("bucket ingestion is not enabled")
	}

	data, err := f.objects.ReadObject(ctx, e.Bucket, e.Name, f.config.MaxUploadBytes)
	if err != nil {
		logCtx.Error("Failed to read source object", "error", err)
		return err
	}

	fileHash := ComputeHash(data)
	logCtx = logCtx.With("fileHash", fileHash)
	if id, found, err := f.isDuplicate(ctx, fileHash); err != nil {
		logCtx.Warn("Duplicate check failed, ingesting anyway.", "error", err)
	} else if found {
		logCtx.Info("Duplicate file detected. Skipping.", "catalogId", id)
		return nil
	}

	resp, err := f.Ingest(ctx, filepath.Base(e.Name), data, false)
	if err != nil {
		if permanentFailure(err) {
			logCtx.Error("Bucket object cannot be ingested; acknowledging event.", "error", err)
			return nil
		}
		return err
	}
	logCtx.Info("Bucket object ingested.", "catalogId", resp.CatalogID, "serverFilename", resp.ServerFilename)
	return nil
}

// isDuplicate reports whether an entry with exactly fileHash is catalogued.
func (f *IngestFunction) isDuplicate(ctx context.Context, fileHash string) (int64, bool, error) {
	if f.catalog == nil {
		return 0, false, nil
	}
	entries, err := f.catalog.SearchByField(ctx, "fileHash", fileHash)
	if err != nil {
		return 0, false, err
	}
	for _, entry := range entries {
		if entry.FileHash == fileHash {
			return entry.ID, true, nil
		}
	}
	return 0, false, nil
}

// permanentFailure reports whether err would recur on every redelivery of
// the same object.
func permanentFailure(err error) bool {
	return errors.IsAny(err,
		models.ErrUnsupportedFormat,
		models.ErrExtractionFailed,
		models.ErrMalformedMetadataResponse,
		models.ErrContentStoreRejected,
	)
}

var errNoFile = errors.New("no file uploaded")

// readUpload returns the first file part of a multipart request.
func readUpload(w http.ResponseWriter, r *http.Request, maxBytes int64) (string, []byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		return "", nil, errors.Wrap(err, "expected a multipart/form-data body")
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", nil, errNoFile
		}
		if err != nil {
			return "", nil, errors.Wrap(err, "read multipart part")
		}
		if part.FileName() == "" {
			_ = part.Close()
			continue
		}
		data, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			return "", nil, errors.Wrap(err, "read uploaded file")
		}
		return part.FileName(), data, nil
	}
}

// SanitizeFilename reduces a client-supplied filename to a safe base name.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		switch r {
		case '/', '?', '<', '>', ':', '*', '|', '"':
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "upload"
	}
	return name
}

// StatusForError maps the error taxonomy to an HTTP status code.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, models.ErrExtractionFailed), errors.Is(err, models.ErrMalformedMetadataResponse):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrMetadataServiceUnavailable),
		errors.Is(err, models.ErrContentStoreUnavailable),
		errors.Is(err, models.ErrContentStoreRejected),
		errors.Is(err, models.ErrEmbeddingServiceUnavailable),
		errors.Is(err, models.ErrVectorStoreUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrInvalidFieldQuery), errors.Is(err, models.ErrInvalidSemanticQuery):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writePipelineError(w http.ResponseWriter, err error) {
	var perr *models.PipelineError
	if !errors.As(err, &perr) {
		writeError(w, StatusForError(err), "", err.Error(), nil)
		return
	}
	partial := perr.Partial
	// Extracted text can be large; callers get the structured artifacts only.
	partial.Text = nil
	var p *models.Partial
	if partial.Metadata != nil || partial.FileRecord != nil || partial.Anchor != nil {
		p = &partial
	}
	writeError(w, StatusForError(perr), string(perr.Stage), perr.Err.Error(), p)
}

func writeError(w http.ResponseWriter, status int, stage, message string, partial *models.Partial) {
	writeJSON(w, status, models.StageErrorResponse{
		Status:  "error",
		Stage:   stage,
		Error:   message,
		Partial: partial,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
