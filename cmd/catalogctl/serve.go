package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/Lllllllleong/documentledger/internal/services"
)

var (
	serveAddr     string
	serveReadOnly bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the catalog API and upload endpoint over HTTP",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().BoolVar(&serveReadOnly, "read-only", false, "Serve only the catalog read API")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var handler http.Handler
	if serveReadOnly {
		cat, err := services.NewCatalog(ctx, dbPath(), services.LoadSemanticConfig())
		if err != nil {
			return err
		}
		defer cat.Close()
		handler = cat
	} else {
		cfg, err := services.LoadIngestConfig()
		if err != nil {
			return errors.Wrap(err, "invalid configuration")
		}
		ingest, err := services.NewIngest(ctx, cfg)
		if err != nil {
			return err
		}
		defer ingest.Close()
		handler = services.NewRouter(ingest.Catalog(), ingest, services.WithSemanticSearch(ingest.Semantic()))
	}

	srv := &http.Server{
		Addr:              serveAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Graceful shutdown failed", "error", err)
		}
	}()

	slog.Info("Listening", "addr", serveAddr, "readOnly", serveReadOnly)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server failed")
	}
	return nil
}
