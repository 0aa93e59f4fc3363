// Package cmd defines the CLI commands for the crawlgate executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawlgate",
		Short: "Network kernel and governance engine for a distributed crawler",
		Long: `crawlgate is the fetch layer of a distributed crawler. It decides when a
page may be fetched (per-domain rate limits, circuit breakers, global memory
gate), how it is fetched (identity profiles, proxy tier escalation, fast HTTP
or headless render), and reports every outcome back into governance.`,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute runs the CLI.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
