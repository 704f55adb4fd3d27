package services

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/cockroachdb/errors"

	"github.com/Lllllllleong/documentledger/internal/models"
)

// Journal records the progress of ingestion runs. Journal errors are logged
// by the pipeline and never change a run's outcome.
type Journal interface {
	Start(ctx context.Context, runID string, file *models.UploadedFile) error
	Advance(ctx context.Context, runID string, stage models.Stage) error
	Complete(ctx context.Context, runID string, result *models.IngestResult) error
	Fail(ctx context.Context, runID string, perr *models.PipelineError) error
}

// NopJournal discards every record.
type NopJournal struct{}

func (NopJournal) Start(context.Context, string, *models.UploadedFile) error { return nil }
func (NopJournal) Advance(context.Context, string, models.Stage) error { return nil }
func (NopJournal) Complete(context.Context, string, *models.IngestResult) error { return nil }
func (NopJournal) Fail(context.Context, string, *models.PipelineError) error { return nil }

// FirestoreJournal keeps one document per run, keyed by run id.
type FirestoreJournal struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreJournal journals into the named collection.
func NewFirestoreJournal(client *firestore.Client, collection string) *FirestoreJournal {
	return &FirestoreJournal{client: client, collection: collection}
}

func (j *FirestoreJournal) doc(runID string) *firestore.DocumentRef {
	return j.client.Collection(j.collection).Doc(runID)
}

func (j *FirestoreJournal) Start(ctx context.Context, runID string, file *models.UploadedFile) error {
	now := time.Now()
	run := models.IngestRun{
		RunID:     runID,
		Filename:  file.DeclaredFilename,
		Format:    string(file.DetectedFormat),
		Status:    models.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := j.doc(runID).Set(ctx, run); err != nil {
		return errors.Wrapf(err, "failed to create run document %s", runID)
	}
	return nil
}

func (j *FirestoreJournal) Advance(ctx context.Context, runID string, stage models.Stage) error {
	return j.update(ctx, runID, []firestore.Update{
		{Path: "stage", Value: string(stage)},
	})
}

func (j *FirestoreJournal) Complete(ctx context.Context, runID string, result *models.IngestResult) error {
	updates := []firestore.Update{
		{Path: "status", Value: models.RunStatusCompleted},
		{Path: "fileHash", Value: result.FileRecord.FileHash},
		{Path: "fileCid", Value: result.FileRecord.FileCID},
		{Path: "catalogId", Value: result.Entry.ID},
	}
	if result.Anchor != nil {
		updates = append(updates, firestore.Update{Path: "signature", Value: result.Anchor.Signature})
	}
	return j.update(ctx, runID, updates)
}

func (j *FirestoreJournal) Fail(ctx context.Context, runID string, perr *models.PipelineError) error {
	updates := []firestore.Update{
		{Path: "status", Value: models.RunStatusFailed},
		{Path: "stage", Value: string(perr.Stage)},
		{Path: "errorDetails", Value: perr.Err.Error()},
	}
	if rec := perr.Partial.FileRecord; rec != nil {
		updates = append(updates,
			firestore.Update{Path: "fileHash", Value: rec.FileHash},
			firestore.Update{Path: "fileCid", Value: rec.FileCID},
		)
	}
	return j.update(ctx, runID, updates)
}

func (j *FirestoreJournal) update(ctx context.Context, runID string, updates []firestore.Update) error {
	updates = append(updates, firestore.Update{Path: "updatedAt", Value: time.Now()})
	if _, err := j.doc(runID).Update(ctx, updates); err != nil {
		return errors.Wrapf(err, "failed to update run document %s", runID)
	}
	return nil
}
