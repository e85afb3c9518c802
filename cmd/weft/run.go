package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/everydev1618/weft"
	"github.com/everydev1618/weft/registry"
)

// limitFlags binds the limit overrides shared by run, resume and recover.
// Only flags given on the command line override anything.
type limitFlags struct {
	turns    int
	tokens   int
	spend    float64
	spawns   int
	depth    int
	duration time.Duration
}

func (f *limitFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.IntVar(&f.turns, "turns", 0, "Turn limit")
	fs.IntVar(&f.tokens, "tokens", 0, "Token limit")
	fs.Float64Var(&f.spend, "spend", 0, "Spend limit in USD")
	fs.IntVar(&f.spawns, "spawns", 0, "Spawn limit")
	fs.IntVar(&f.depth, "depth", 0, "Spawn depth limit")
	fs.DurationVar(&f.duration, "duration", 0, "Wall-clock limit")
}

func (f *limitFlags) overrides(cmd *cobra.Command) weft.LimitOverrides {
	var o weft.LimitOverrides
	fs := cmd.Flags()
	if fs.Changed("turns") {
		o.Turns = &f.turns
	}
	if fs.Changed("tokens") {
		o.Tokens = &f.tokens
	}
	if fs.Changed("spend") {
		o.Spend = &f.spend
	}
	if fs.Changed("spawns") {
		o.Spawns = &f.spawns
	}
	if fs.Changed("depth") {
		o.Depth = &f.depth
	}
	if fs.Changed("duration") {
		o.Duration = &f.duration
	}
	return o
}

// dirResolver resolves directive names to <dir>/<name>.yaml.
type dirResolver struct {
	dir string
}

func (r dirResolver) Resolve(_ context.Context, name string) (*weft.Directive, error) {
	if name == "" || filepath.Base(name) != name {
		return nil, fmt.Errorf("invalid directive name %q", name)
	}
	return weft.LoadDirective(filepath.Join(r.dir, name+".yaml"))
}

const defaultDirectiveDir = ".weft/directives"

// runOptions is what every thread-running command shares.
type runOptions struct {
	limits       limitFlags
	timeout      time.Duration
	directiveDir string
	callbackDir  string
	callbackURL  string
}

func (ro *runOptions) register(cmd *cobra.Command) {
	ro.limits.register(cmd)
	fs := cmd.Flags()
	fs.DurationVar(&ro.timeout, "timeout", 30*time.Minute, "Maximum time to wait for the thread")
	fs.StringVar(&ro.directiveDir, "directives", defaultDirectiveDir, "Directory children are resolved from")
	fs.StringVar(&ro.callbackDir, "events-dir", "", "Write lifecycle events to this directory")
	fs.StringVar(&ro.callbackURL, "events-url", "", "POST lifecycle events to this URL")
}

func (a *app) openRunner(ctx context.Context, ro *runOptions) (*weft.Orchestrator, error) {
	opts := []weft.OrchestratorOption{
		weft.WithLLM(a.provider()),
		weft.WithDirectiveResolver(dirResolver{dir: ro.directiveDir}),
	}
	if ro.callbackDir != "" {
		opts = append(opts, weft.WithCallbackDir(ro.callbackDir))
	}
	if ro.callbackURL != "" {
		opts = append(opts, weft.WithCallbackURL(ro.callbackURL))
	}
	return a.open(ctx, opts...)
}

// await waits for id and prints where it ended up. Interrupting the wait
// shuts the orchestrator down, which suspends the thread for a later resume.
func (a *app) await(cmd *cobra.Command, o *weft.Orchestrator, id string, timeout time.Duration) error {
	results, err := o.Wait(cmd.Context(), []string{id}, weft.WaitOptions{Timeout: timeout})
	if a.jsonOut {
		if perr := printJSON(cmd.OutOrStdout(), results); perr != nil {
			return perr
		}
	} else {
		printResults(cmd.OutOrStdout(), results)
	}
	if err != nil {
		if errors.Is(err, weft.ErrWaitTimeout) || errors.Is(err, context.Canceled) {
			fmt.Fprintf(cmd.ErrOrStderr(), "stopped waiting; resume with: weft resume %s\n", id)
		}
		return err
	}
	if len(results) == 1 && results[0].Status == registry.StatusError {
		return fmt.Errorf("thread %s failed", results[0].FinalThreadID)
	}
	return nil
}

func (a *app) runCmd() *cobra.Command {
	var (
		ro     runOptions
		inputs map[string]string
	)
	cmd := &cobra.Command{
		Use:   "run <directive.yaml>",
		Short: "Run a directive as a new thread and wait for it",
		Long: `Load a directive file, spawn it as a root thread and wait until it
completes, fails or suspends. Children the thread spawns are resolved
from --directives.`,
		Example: `  weft run review.yaml --input path=./pkg --spend 0.50
  weft run triage.yaml --turns 20 --timeout 10m --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := weft.LoadDirective(args[0])
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("directives") {
				if _, err := os.Stat(ro.directiveDir); err != nil {
					ro.directiveDir = filepath.Dir(args[0])
				}
			}

			o, err := a.openRunner(cmd.Context(), &ro)
			if err != nil {
				return err
			}
			defer o.Close()

			in := make(map[string]any, len(inputs))
			for k, v := range inputs {
				in[k] = v
			}
			id, err := o.Spawn(cmd.Context(), weft.SpawnRequest{
				Directive: d,
				Limits:    ro.limits.overrides(cmd),
				Inputs:    in,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "thread %s started\n", id)
			return a.await(cmd, o, id, ro.timeout)
		},
	}
	ro.register(cmd)
	cmd.Flags().StringToStringVarP(&inputs, "input", "i", nil, "Directive input as key=value (repeatable)")
	return cmd
}

func (a *app) resumeCmd() *cobra.Command {
	var ro runOptions
	cmd := &cobra.Command{
		Use:   "resume <thread-id>",
		Short: "Resume a suspended thread and wait for it",
		Long: `Resume a suspended thread from its last checkpoint. Limit flags raise
the ceilings that suspended it; a child's limits stay capped by its parent.`,
		Example: `  weft resume 3f2a... --turns 80
  weft resume 3f2a... --spend 2.00`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.openRunner(cmd.Context(), &ro)
			if err != nil {
				return err
			}
			defer o.Close()

			if err := o.Resume(cmd.Context(), args[0], weft.ResumeOptions{Limits: ro.limits.overrides(cmd)}); err != nil {
				return err
			}
			return a.await(cmd, o, args[0], ro.timeout)
		},
	}
	ro.register(cmd)
	return cmd
}
