package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zatekoja/cleartrial/backend/internal/application/services"
	"github.com/zatekoja/cleartrial/backend/internal/infrastructure/observability"
)

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the vector extension, trials table and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := a.trialRepository(ctx)
			if err != nil {
				return err
			}
			if err := repo.EnsureSchema(ctx, a.cfg.OpenAI.EmbeddingDim); err != nil {
				return err
			}
			observability.LoggerFromContext(ctx).Info().
				Int("embedding_dim", a.cfg.OpenAI.EmbeddingDim).
				Msg("schema is up to date")
			return nil
		},
	}
}

func newIngestCommand(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Fetch studies from ClinicalTrials.gov and upsert them",
		Long: `ingest pages through the registry and upserts every study keyed by NCT id.
Re-ingesting a trial refreshes its registry fields and keeps its embedding
and parsed eligibility.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := a.trialRepository(ctx)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("limit") {
				limit = a.cfg.Registry.IngestLimit
			}
			summary, err := services.NewIngestionService(a.registry(), repo).Run(ctx, limit)
			if summary != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Ingested %d studies (%d pages, %d skipped).\n",
					summary.Upserted, summary.Pages, summary.Skipped)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many studies (0 = all; default INGEST_LIMIT)")
	return cmd
}

func newEmbedCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "embed",
		Short: "Embed every trial that has no embedding yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := a.trialRepository(ctx)
			if err != nil {
				return err
			}
			embedder, err := a.embedder()
			if err != nil {
				return err
			}
			svc := services.NewEmbeddingService(repo, embedder, a.cfg.Pipeline.EmbeddingBatchSize, a.cfg.OpenAI.EmbeddingDim)
			summary, err := svc.Run(ctx)
			if summary != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Embedded %d trials in %d batches (%d without text skipped).\n",
					summary.Embedded, summary.Batches, summary.Skipped)
			}
			return err
		},
	}
}

func newExtractCommand(a *app) *cobra.Command {
	var (
		trialID     string
		resetErrors bool
	)
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract structured eligibility criteria with the language model",
		Long: `extract parses the free-text eligibility criteria of every pending trial.
Failed extractions are stored as error markers and are not retried until
--reset-errors clears them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := a.trialRepository(ctx)
			if err != nil {
				return err
			}
			if resetErrors {
				n, err := services.NewEligibilityExtractionService(repo, nil, 0).ResetErrors(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Cleared %d extraction errors.\n", n)
				if trialID == "" {
					return nil
				}
			}

			llm, err := a.completer()
			if err != nil {
				return err
			}
			svc := services.NewEligibilityExtractionService(repo, llm, a.cfg.Pipeline.ExtractionPageSize)

			if trialID != "" {
				parsed, err := svc.ExtractOne(ctx, strings.TrimSpace(trialID))
				if parsed != nil {
					if printErr := printJSON(cmd.OutOrStdout(), parsed); printErr != nil {
						return printErr
					}
				}
				return err
			}

			summary, err := svc.Run(ctx)
			if summary != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Processed %d trials: %d extracted, %d skipped, %d errors.\n",
					summary.Processed, summary.Extracted, summary.Skipped, summary.Errors)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&trialID, "trial", "", "extract a single trial by NCT id")
	cmd.Flags().BoolVar(&resetErrors, "reset-errors", false, "clear stored extraction errors first")
	return cmd
}

func newIndexCommand(a *app) *cobra.Command {
	var (
		reset        bool
		intervalFlag string
	)
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Mirror trials into the Typesense keyword index",
		RunE: func(cmd *cobra.Command, args []string) error {
			interval, err := parseInterval(intervalFlag, os.Getenv("REINDEX_INTERVAL"))
			if err != nil {
				return err
			}
			if os.Getenv("RESET_TYPESENSE") == "true" {
				reset = true
			}

			ctx := cmd.Context()
			logger := observability.LoggerFromContext(ctx)

			repo, err := a.trialRepository(ctx)
			if err != nil {
				return err
			}
			index, err := a.searchIndex(ctx)
			if err != nil {
				return err
			}
			svc := services.NewIndexerService(repo, index)

			for {
				if reset {
					logger.Info().Msg("resetting trials collection")
					if err := svc.Reset(ctx); err != nil {
						return err
					}
					reset = false
				}
				if _, err := svc.IndexAll(ctx); err != nil {
					if interval <= 0 {
						return err
					}
					logger.Error().Err(err).Msg("reindex failed")
				}
				if interval <= 0 {
					return nil
				}

				logger.Info().Dur("interval", interval).Msg("reindex complete, waiting for next run")
				select {
				case <-ctx.Done():
					logger.Info().Msg("reindexer shutting down")
					return nil
				case <-time.After(interval):
				}
			}
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "drop the collection before the first run")
	cmd.Flags().StringVar(&intervalFlag, "interval", "", "repeat interval (e.g. 6h, 30m); default REINDEX_INTERVAL")
	return cmd
}

// parseInterval prefers the flag value over the environment. Empty means run once.
func parseInterval(flagValue, envValue string) (time.Duration, error) {
	value := strings.TrimSpace(flagValue)
	if value == "" {
		value = strings.TrimSpace(envValue)
	}
	if value == "" {
		return 0, nil
	}
	interval, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", value, err)
	}
	if interval <= 0 {
		return 0, errors.New("interval must be greater than zero")
	}
	return interval, nil
}
