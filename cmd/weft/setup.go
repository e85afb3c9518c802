package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/everydev1618/weft/registry"
)

const starterConfig = `# weft configuration. Unset keys keep their built-in defaults.
defaults:
  turns: 50
  spend: 1.00
  spawns: 10
  depth: 5
  duration: 1h

retry:
  rules:
    transient:
      max_attempts: 5
      backoff: {type: exponential, initial: 2s, max: 2m}
    rate_limited:
      max_attempts: 5
      backoff: {type: exponential, initial: 2s, max: 2m}

continuation:
  trigger_threshold: 0.9

checkpoint:
  on_failure: fail

hooks:
  project:
    - id: stop-runaway-turns
      event: after_step
      condition: {path: turn, op: gte, value: 200}
      action: {kind: fail, reason: "thread ran ${turn} turns"}

logging:
  level: info
  format: text
`

const starterDirective = `name: example
prompt: |
  Summarize what ${inputs.topic} is in three sentences.
limits:
  turns: 5
  spend: 0.10
capabilities: []
`

func (a *app) initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a starter .weft directory",
		Long: `Create .weft/config.yaml and an example directive under
.weft/directives. Existing files are kept unless --force is given.`,
		Args: cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			files := []struct {
				path    string
				content string
			}{
				{defaultConfigFile, starterConfig},
				{filepath.Join(defaultDirectiveDir, "example.yaml"), starterDirective},
			}
			for _, f := range files {
				if _, err := os.Stat(f.path); err == nil && !force {
					fmt.Fprintf(out, "  kept     %s\n", f.path)
					continue
				}
				if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
					return err
				}
				if err := os.WriteFile(f.path, []byte(f.content), 0644); err != nil {
					return err
				}
				fmt.Fprintf(out, "  wrote    %s\n", f.path)
			}

			if os.Getenv("ANTHROPIC_API_KEY") == "" {
				fmt.Fprintln(out, "\nANTHROPIC_API_KEY is not set; export it before running threads.")
			}
			fmt.Fprint(out, `
Next steps:
  weft run .weft/directives/example.yaml --input topic=SQLite
  weft status <thread-id>
`)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing files")
	return cmd
}

func (a *app) resetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every thread, budget and checkpoint",
		Long: `Reset to a fresh state by deleting the registry and ledger databases and
every checkpoint and transcript under the state directory. Refuses while
threads are marked running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			paths := a.cfg.Paths

			o, err := a.open(ctx)
			if err != nil {
				return err
			}
			threads, err := o.Registry().ListByStatus(ctx)
			if err != nil {
				o.Close()
				return err
			}
			if err := o.Close(); err != nil {
				return err
			}

			counts := make(map[registry.Status]int)
			for _, t := range threads {
				counts[t.Status]++
			}
			if n := counts[registry.StatusRunning]; n > 0 {
				return fmt.Errorf("%d threads are marked running; cancel them or recover orphans first", n)
			}
			if len(threads) == 0 {
				fmt.Fprintln(out, "Nothing to reset, already clean.")
				return nil
			}

			fmt.Fprintln(out, "The following will be deleted:")
			fmt.Fprintln(out)
			tw := newTable(out)
			for _, s := range []registry.Status{
				registry.StatusCreated, registry.StatusSuspended, registry.StatusCompleted,
				registry.StatusError, registry.StatusCancelled, registry.StatusContinued,
			} {
				if counts[s] > 0 {
					fmt.Fprintf(tw, "  %s threads\t%d\n", s, counts[s])
				}
			}
			fmt.Fprintf(tw, "  registry\t%s\n", paths.RegistryDB)
			fmt.Fprintf(tw, "  ledger\t%s\n", paths.LedgerDB)
			fmt.Fprintf(tw, "  state\t%s\n", paths.StateDir)
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintln(out)

			if !yes && !confirm(cmd.InOrStdin(), out, "Delete all of the above?") {
				fmt.Fprintln(out, "Aborted.")
				return nil
			}

			for _, db := range []string{paths.RegistryDB, paths.LedgerDB} {
				for _, suffix := range []string{"", "-wal", "-shm"} {
					if err := os.Remove(db + suffix); err != nil && !os.IsNotExist(err) {
						return err
					}
				}
			}
			if err := os.RemoveAll(paths.StateDir); err != nil {
				return err
			}
			fmt.Fprintln(out, "Reset complete.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N] ", prompt)
	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		ans := strings.ToLower(strings.TrimSpace(scanner.Text()))
		return ans == "y" || ans == "yes"
	}
	return false
}
