package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coldbrook/crawlgate/internal/app"
	"github.com/coldbrook/crawlgate/internal/config"
	"github.com/coldbrook/crawlgate/internal/logging"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the fetch kernel and its ops server",
		Long: `Starts the dispatch pool, the memory sampler, and the operational HTTP
surface. Tasks arrive over POST /v1/tasks and results stream to the
configured downstream.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	zap.ReplaceGlobals(logger)

	application, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("assemble kernel: %w", err)
	}
	return application.Run(cmd.Context())
}
