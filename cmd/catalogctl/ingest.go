package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/documentledger/internal/models"
	"github.com/Lllllllleong/documentledger/internal/services"
)

var ingestConcurrency int

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Run local files through the ingestion pipeline",
	Long: `Run local files through the ingestion pipeline.

Each file is extracted, described, content-addressed, anchored and written to
the catalog. Results are printed as JSON in argument order; a failed file
reports the stage it stopped at and does not stop the others.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().IntVarP(&ingestConcurrency, "concurrency", "c", 1, "Number of files to ingest at once")
}

type ingestOutcome struct {
	File     string                     `json:"file"`
	Response *models.UploadResponse     `json:"response,omitempty"`
	Error    *models.StageErrorResponse `json:"error,omitempty"`
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := services.LoadIngestConfig()
	if err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	ingest, err := services.NewIngest(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer ingest.Close()

	outcomes := make([]ingestOutcome, len(args))
	eg, ctx := errgroup.WithContext(cmd.Context())
	eg.SetLimit(max(ingestConcurrency, 1))
	for i, path := range args {
		eg.Go(func() error {
			outcomes[i] = ingestOutcome{File: path}
			data, err := os.ReadFile(path)
			if err != nil {
				outcomes[i].Error = &models.StageErrorResponse{Status: "error", Error: err.Error()}
				return nil
			}
			resp, err := ingest.Ingest(ctx, filepath.Base(path), data, true)
			if err != nil {
				outcomes[i].Error = stageError(err)
				return nil
			}
			outcomes[i].Response = resp
			return nil
		})
	}
	_ = eg.Wait()

	failed := 0
	for _, o := range outcomes {
		if o.Error != nil {
			failed++
			slog.Error("Ingestion failed", "file", o.File, "stage", o.Error.Stage, "error", o.Error.Error)
		}
	}
	if err := printJSON(cmd.OutOrStdout(), outcomes); err != nil {
		return err
	}
	if failed > 0 {
		return errors.Newf("%d of %d files failed", failed, len(args))
	}
	return nil
}

func stageError(err error) *models.StageErrorResponse {
	resp := &models.StageErrorResponse{Status: "error", Error: err.Error()}
	var perr *models.PipelineError
	if errors.As(err, &perr) {
		resp.Stage = string(perr.Stage)
		resp.Error = perr.Err.Error()
	}
	return resp
}
