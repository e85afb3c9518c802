// Package main provides the weft CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/everydev1618/weft"
	"github.com/everydev1618/weft/llm"
)

var version = "dev"

const defaultConfigFile = ".weft/config.yaml"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app holds global flags and the state PersistentPreRunE builds from them.
type app struct {
	configFiles []string
	jsonOut     bool
	verbose     bool
	model       string

	cfg       weft.Config
	logger    *slog.Logger
	logCloser io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "weft",
		Short: "weft - budgeted LLM thread orchestration",
		Long: `weft runs directives as threads with hard limits and a shared budget,
and inspects the threads, budgets and transcripts it keeps on disk.

Configuration is read from .weft/config.yaml when present. Pass --config
one or more times to layer other files; later files win.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logCloser != nil {
				_ = a.logCloser.Close()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringSliceVarP(&a.configFiles, "config", "c", nil, "Config file (repeatable, later files win)")
	flags.BoolVar(&a.jsonOut, "json", false, "Print JSON instead of text")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	flags.StringVar(&a.model, "model", llm.DefaultAnthropicModel, "Anthropic model for commands that run threads")

	root.AddCommand(
		a.runCmd(),
		a.resumeCmd(),
		a.listCmd(),
		a.statusCmd(),
		a.chainCmd(),
		a.treeCmd(),
		a.searchCmd(),
		a.cancelCmd(),
		a.budgetCmd(),
		a.orphansCmd(),
		a.recoverCmd(),
		a.initCmd(),
		a.resetCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "weft %s\n", version)
			},
		},
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	files := a.configFiles
	if len(files) == 0 {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			files = []string{defaultConfigFile}
		}
	}
	cfg, err := weft.LoadConfig(files...)
	if err != nil {
		return err
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}
	logger, closer, err := weft.NewLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	a.cfg = cfg
	a.logger = logger
	a.logCloser = closer
	return nil
}

// open opens the orchestrator over the configured stores. Inspection
// commands pass no options; commands that run threads add a provider.
func (a *app) open(ctx context.Context, opts ...weft.OrchestratorOption) (*weft.Orchestrator, error) {
	base := []weft.OrchestratorOption{weft.WithLogger(a.logger)}
	return weft.Open(ctx, a.cfg, append(base, opts...)...)
}

func (a *app) provider() llm.LLM {
	return llm.NewAnthropic(llm.WithModel(a.model))
}
