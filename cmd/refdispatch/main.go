// Command refdispatch runs the referral dispatch daemon and its admin
// commands.
package main

import (
	"fmt"
	"io"
	"os"

	"refdispatch/internal/config"
	"refdispatch/internal/logging"
	"refdispatch/internal/store"

	"github.com/spf13/cobra"
)

// app carries what PersistentPreRunE builds for the subcommands.
type app struct {
	cfgPath string
	verbose bool

	cfg  *config.Config
	logs *logging.Logger
	out  io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	root := &cobra.Command{
		Use:   "refdispatch",
		Short: "Capacity-aware session dispatcher for referral campaigns",
		Long: `refdispatch assigns stored browser sessions to referral campaigns
without exceeding any campaign's capacity, and drives each session through
the bot's task flow.

Run "refdispatch run" to start the daemon. The other commands manage the
capacity store.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logs != nil {
				_ = a.logs.Close()
			}
		},
	}
	root.SetOut(out)

	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "refdispatch.yaml", "Config file path")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		a.runCmd(),
		a.migrateCmd(),
		a.campaignCmd(),
		a.unitCmd(),
		a.statusCmd(),
	)
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}

	logs, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		Categories: cfg.Logging.Categories,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.cfg = cfg
	a.logs = logs
	return nil
}

func (a *app) openStore(cmd *cobra.Command) (*store.Store, error) {
	return store.Open(cmd.Context(), a.cfg.Store, a.logs.Get(logging.CategoryStore))
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
