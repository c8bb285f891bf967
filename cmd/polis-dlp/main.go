// Package main is the entry point for the polis-dlp binary.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-dlp/pkg/config"
	"github.com/polisai/polis-dlp/pkg/logging"
)

const defaultConfigPath = ""

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	flowsFile  string
	engine     string
	logLevel   string
	pretty     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "polis-dlp",
		Short: "DLP policy decision gateway for a RAG pipeline",
		Long: `polis-dlp inspects prompts and answers for PII and PHI, labels them and
enforces directional data movement policy between pipeline components.

Examples:
  polis-dlp serve --config dlp.yaml
  polis-dlp classify "Patient MRN 998877, chest pain"
  polis-dlp hop --from rag_orchestrator --to pinecone --label RESTRICTED_PHI
  polis-dlp smoke`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Path to configuration file (YAML)")
	flags.StringVar(&opts.flowsFile, "flows", "", "Path to the flows policy file (overrides config)")
	flags.StringVar(&opts.engine, "engine", "", "Policy engine: evaluator or rego (overrides config)")
	flags.StringVarP(&opts.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&opts.pretty, "pretty", false, "Enable pretty console logging")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newClassifyCmd(opts),
		newHopCmd(opts),
		newMovementCmd(opts),
		newSmokeCmd(opts),
	)
	return rootCmd
}

// load reads configuration and applies flag overrides, then builds the logger.
func (o *globalOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.flowsFile != "" {
		cfg.Policy.FlowsFile = o.flowsFile
	}
	if o.engine != "" {
		cfg.Policy.Engine = o.engine
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.pretty {
		cfg.Logging.Pretty = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)
	return cfg, logger, nil
}
