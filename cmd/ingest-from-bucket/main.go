package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/documentledger/internal/models"
	"github.com/Lllllllleong/documentledger/internal/services"
)

var (
	ingestInstance *services.IngestFunction
	once           sync.Once
	initErr        error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Triggered by object finalization in the watched bucket.
	functions.CloudEvent("IngestFromBucket", ingestFromBucket)
}

// main is required by the Go Functions Framework.
func main() {}

func ingestFromBucket(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		cfg, err := services.LoadIngestConfig()
		if err != nil {
			initErr = err
			return
		}
		cfg.ReadFromGCS = true
		ingestInstance, initErr = services.NewIngest(context.Background(), cfg)
	})
	if initErr != nil {
		slog.Error("Critical: Ingest initialization failed", "error", initErr)
		return initErr
	}

	var gcsEvent models.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	// Returning the error marks the invocation as failed so the platform retries it.
	return ingestInstance.ProcessGCSEvent(ctx, gcsEvent)
}
