package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zatekoja/cleartrial/backend/internal/infrastructure/observability"
	"github.com/zatekoja/cleartrial/backend/pkg/config"
	"github.com/zatekoja/cleartrial/backend/pkg/secrets"
)

// app carries state shared by every subcommand for one process.
type app struct {
	cfgFile string
	verbose bool
	version string

	cfg     *config.Config
	closers []func(context.Context) error
}

// NewRootCommand builds the cleartrial command tree.
func NewRootCommand(version string) *cobra.Command {
	root, _ := newRootCommand(version)
	return root
}

func newRootCommand(version string) (*cobra.Command, *app) {
	a := &app{version: version}

	root := &cobra.Command{
		Use:   "cleartrial",
		Short: "ClearTrial - clinical trial ingestion, enrichment and matching",
		Long: `ClearTrial mirrors the public ClinicalTrials.gov registry into PostgreSQL,
enriches each trial with a digest embedding and structured eligibility
criteria, and answers semantic search and patient matching queries.

search and match print JSON on stdout. Logs go to stderr.`,
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default: ./cleartrial.yaml when present)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newVersionCommand(a),
		newMigrateCommand(a),
		newIngestCommand(a),
		newEmbedCommand(a),
		newExtractCommand(a),
		newIndexCommand(a),
		newSearchCommand(a),
		newMatchCommand(a),
	)
	return root, a
}

// Execute runs the command tree with ctx and releases every client the
// command opened, whether or not it succeeded.
func Execute(ctx context.Context, version string) error {
	root, a := newRootCommand(version)
	err := root.ExecuteContext(ctx)
	if closeErr := a.close(ctx); err == nil {
		err = closeErr
	}
	return err
}

// setup loads secrets and configuration, then installs logging and tracing.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "version" {
		return nil
	}
	ctx := cmd.Context()

	vaultResult, vaultErr := secrets.NewLoader(secrets.LoadVaultConfigFromEnv()).Apply(ctx)

	cfg, err := config.LoadFile(a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	observability.InitLogger(cfg.OTEL.ServiceName, cfg.Env)
	if a.verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	logger := observability.GetLogger()

	if vaultErr != nil {
		return fmt.Errorf("load vault secrets: %w", vaultErr)
	}
	if vaultResult.Enabled {
		logger.Info().
			Str("path", vaultResult.Path).
			Int("loaded", vaultResult.Loaded).
			Int("skipped", vaultResult.Skipped).
			Msg("loaded secrets from vault")
	}

	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		shutdown, err := observability.Setup(ctx, cfg.OTEL.ServiceName, a.version, cfg.OTEL.Endpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to initialize OpenTelemetry")
		} else {
			a.closers = append(a.closers, shutdown)
		}
	}
	return nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](context.WithoutCancel(ctx)); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cleartrial %s\n", a.version)
		},
	}
}
