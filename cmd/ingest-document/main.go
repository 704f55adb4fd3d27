package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

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

	// "HandleUploadDocument" is the entry point name configured in GCP.
	functions.HTTP("HandleUploadDocument", handleUploadDocument)
}

// main is required by the Go Functions Framework.
func main() {}

// handleUploadDocument accepts a multipart upload and runs it through the pipeline.
func handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		cfg, err := services.LoadIngestConfig()
		if err != nil {
			initErr = err
			return
		}
		ingestInstance, initErr = services.NewIngest(context.Background(), cfg)
	})
	if initErr != nil {
		slog.Error("Critical: Ingest initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	// Delegate to the business logic. Failures are logged and mapped to a
	// status code inside ServeHTTP.
	ingestInstance.ServeHTTP(w, r)
}
