package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/documentledger/internal/gcp"
	"github.com/Lllllllleong/documentledger/internal/services"
)

var (
	catalogInstance *services.CatalogFunction
	once            sync.Once
	initErr         error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleCatalog", handleCatalog)
}

// main is required by the Go Functions Framework.
func main() {}

// handleCatalog serves the read-only catalog API.
func handleCatalog(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		catalogInstance, initErr = services.NewCatalog(context.Background(), gcp.GetEnv("CATALOG_DB_PATH", "archive.db"), services.LoadSemanticConfig())
	})
	if initErr != nil {
		slog.Error("Critical: Catalog initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	catalogInstance.ServeHTTP(w, r)
}
