package services

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/documentledger/internal/models"
)

// TextExtractor turns an uploaded file's bytes into normalized text.
// *textextract.Extractor satisfies it.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, format models.Format) (*models.ExtractedText, error)
}

// CatalogWriter appends finalized records. *catalog.Store satisfies it.
type CatalogWriter interface {
	Insert(ctx context.Context, meta models.ExtractedMetaData, rec models.FileRecord) (int64, error)
}

// EntryIndexer adds a freshly written catalog entry to a secondary index.
// *SemanticIndex satisfies it.
type EntryIndexer interface {
	IndexEntry(ctx context.Context, entry models.CatalogEntry) error
}

// PipelineConfig selects optional behaviour.
type PipelineConfig struct {
	// RequireAnchor, the default, refuses to write a catalog row without a
	// confirmed anchor. When false an anchor failure is logged and the row is
	// written without a signature.
	RequireAnchor bool
}

// Pipeline sequences the stages of one ingestion run.
type Pipeline struct {
	extractor TextExtractor
	metadata  *MetadataExtractor
	addresser *ContentAddresser
	anchor    *ChainAnchor
	catalog   CatalogWriter
	journal   Journal
	handoff   Handoff
	indexer   EntryIndexer
	config    PipelineConfig
}

// PipelineOption customises a Pipeline.
type PipelineOption func(*Pipeline)

// WithJournal records run progress in j.
func WithJournal(j Journal) PipelineOption { return func(p *Pipeline) { p.journal = j } }

// WithHandoff notifies h after each catalog row is written.
func WithHandoff(h Handoff) PipelineOption { return func(p *Pipeline) { p.handoff = h } }

// WithIndexer adds each written catalog row to ix. Indexing failures are
// logged and do not fail the run.
func WithIndexer(ix EntryIndexer) PipelineOption { return func(p *Pipeline) { p.indexer = ix } }

// NewPipeline wires the stages. anchor may be nil only when RequireAnchor is false.
func NewPipeline(extractor TextExtractor, metadata *MetadataExtractor, addresser *ContentAddresser, anchor *ChainAnchor, catalog CatalogWriter, config PipelineConfig, opts ...PipelineOption) (*Pipeline, error) {
	if extractor == nil || metadata == nil || addresser == nil || catalog == nil {
		return nil, errors.New("pipeline: extractor, metadata, addresser and catalog are required")
	}
	if anchor == nil && config.RequireAnchor {
		return nil, errors.New("pipeline: an anchor is required when RequireAnchor is set")
	}
	p := &Pipeline{
		extractor: extractor,
		metadata:  metadata,
		addresser: addresser,
		anchor:    anchor,
		catalog:   catalog,
		journal:   NopJournal{},
		handoff:   NopHandoff{},
		config:    config,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Run ingests one file. On failure the error is a *models.PipelineError
// naming the stage and carrying the artifacts computed so far; no catalog
// row exists for a failed run.
func (p *Pipeline) Run(ctx context.Context, runID string, file *models.UploadedFile) (*models.IngestResult, error) {
	logCtx := slog.With("runId", runID, "filename", file.DeclaredFilename, "format", string(file.DetectedFormat))
	logCtx.Info("Starting ingestion run.", "bytes", len(file.Bytes))
	p.journalStart(ctx, logCtx, runID, file)

	var partial models.Partial

	// --- 1. Text extraction ---
	p.journalStage(ctx, logCtx, runID, models.StageTextExtraction)
	if file.DetectedFormat == "" {
		return nil, p.fail(ctx, logCtx, runID, models.StageTextExtraction,
			errors.Mark(errors.Newf("no format detected for %q", file.DeclaredFilename), models.ErrUnsupportedFormat), partial)
	}
	text, err := p.extractor.Extract(ctx, file.Bytes, file.DetectedFormat)
	if err != nil {
		return nil, p.fail(ctx, logCtx, runID, models.StageTextExtraction, err, partial)
	}
	partial.Text = text
	logCtx.Info("Text extracted.", "chars", len(text.Content))

	// --- 2. Metadata and content addressing, concurrently ---
	p.journalStage(ctx, logCtx, runID, models.StageMetadataExtraction)
	var (
		meta *models.ExtractedMetaData
		rec  *models.FileRecord
	)
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		m, err := p.metadata.ExtractMetadata(gctx, logCtx, text)
		if err != nil {
			return &models.PipelineError{Stage: models.StageMetadataExtraction, Err: err}
		}
		meta = m
		return nil
	})
	eg.Go(func() error {
		r, err := p.addresser.PackageRecord(gctx, logCtx, file.Bytes, file.DeclaredFilename)
		if err != nil {
			return &models.PipelineError{Stage: models.StageContentAddressing, Err: err}
		}
		rec = r
		return nil
	})
	waitErr := eg.Wait()
	partial.Metadata = meta
	partial.FileRecord = rec
	if waitErr != nil {
		var stageErr *models.PipelineError
		if !errors.As(waitErr, &stageErr) {
			return nil, p.fail(ctx, logCtx, runID, models.StageMetadataExtraction, waitErr, partial)
		}
		return nil, p.fail(ctx, logCtx, runID, stageErr.Stage, stageErr.Err, partial)
	}
	logCtx = logCtx.With("fileHash", rec.FileHash, "fileCid", rec.FileCID)
	logCtx.Info("Metadata extracted and content addressed.", "title", meta.Title)

	// --- 3. Chain anchoring ---
	p.journalStage(ctx, logCtx, runID, models.StageChainAnchoring)
	var receipt *models.AnchorReceipt
	if p.anchor != nil {
		receipt, err = p.anchor.AnchorRecord(ctx, logCtx, *rec)
		if err != nil {
			if p.config.RequireAnchor {
				return nil, p.fail(ctx, logCtx, runID, models.StageChainAnchoring, err, partial)
			}
			logCtx.Warn("Anchoring failed; continuing without provenance signature.", "error", err)
			receipt = nil
		}
	}
	partial.Anchor = receipt

	// --- 4. Catalog write ---
	p.journalStage(ctx, logCtx, runID, models.StageCatalogWrite)
	id, err := p.catalog.Insert(ctx, *meta, *rec)
	if err != nil {
		if !errors.Is(err, models.ErrCatalogWriteFailed) {
			err = errors.Mark(err, models.ErrCatalogWriteFailed)
		}
		return nil, p.fail(ctx, logCtx, runID, models.StageCatalogWrite, err, partial)
	}

	result := &models.IngestResult{
		Entry: models.CatalogEntry{
			ID:         id,
			Genre:      meta.Genre,
			Title:      meta.Title,
			Difficulty: meta.Difficulty,
			Summary:    meta.Summary,
			FileHash:   rec.FileHash,
			FileCID:    rec.FileCID,
		},
		Metadata:   *meta,
		FileRecord: *rec,
		Anchor:     receipt,
	}
	logCtx.Info("Ingestion run complete.", "catalogId", id)

	p.journalComplete(ctx, logCtx, runID, result)
	p.index(ctx, logCtx, result)
	p.handOff(ctx, logCtx, runID, result)
	return result, nil
}

func (p *Pipeline) fail(ctx context.Context, logCtx *slog.Logger, runID string, stage models.Stage, err error, partial models.Partial) error {
	perr := &models.PipelineError{Stage: stage, Err: err, Partial: partial}
	logCtx.Error("Ingestion run failed.", "stage", string(stage), "error", err)
	if jerr := p.journal.Fail(context.WithoutCancel(ctx), runID, perr); jerr != nil {
		logCtx.Error("CRITICAL: Failed to record run failure in journal.", "journalError", jerr)
	}
	return perr
}

func (p *Pipeline) journalStart(ctx context.Context, logCtx *slog.Logger, runID string, file *models.UploadedFile) {
	if err := p.journal.Start(ctx, runID, file); err != nil {
		logCtx.Warn("Failed to create journal entry.", "error", err)
	}
}

func (p *Pipeline) journalStage(ctx context.Context, logCtx *slog.Logger, runID string, stage models.Stage) {
	if err := p.journal.Advance(ctx, runID, stage); err != nil {
		logCtx.Warn("Failed to record stage in journal.", "stage", string(stage), "error", err)
	}
}

func (p *Pipeline) journalComplete(ctx context.Context, logCtx *slog.Logger, runID string, result *models.IngestResult) {
	if err := p.journal.Complete(context.WithoutCancel(ctx), runID, result); err != nil {
		logCtx.Warn("Failed to record run completion in journal.", "error", err)
	}
}

func (p *Pipeline) index(ctx context.Context, logCtx *slog.Logger, result *models.IngestResult) {
	if p.indexer == nil {
		return
	}
	if err := p.indexer.IndexEntry(context.WithoutCancel(ctx), result.Entry); err != nil {
		logCtx.Warn("Failed to add catalog entry to semantic index.", "error", err, "catalogId", result.Entry.ID)
	}
}

func (p *Pipeline) handOff(ctx context.Context, logCtx *slog.Logger, runID string, result *models.IngestResult) {
	req := models.IndexHandoffRequest{
		CatalogID: result.Entry.ID,
		FileHash:  result.FileRecord.FileHash,
		FileCID:   result.FileRecord.FileCID,
		RunID:     runID,
	}
	if result.Anchor != nil {
		req.Signature = result.Anchor.Signature
	}
	if err := p.handoff.Hand(context.WithoutCancel(ctx), req); err != nil {
		logCtx.Error("Failed to hand catalog entry to indexing workflow.", "error", err, "catalogId", result.Entry.ID)
	}
}
