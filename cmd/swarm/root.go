package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/logging"
	"github.com/aristath/swarm/internal/persistence"
)

// app holds what every subcommand shares once flags are parsed.
type app struct {
	v   *viper.Viper
	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "swarm",
		Short: "Dependency-aware task scheduler",
		Long: `Swarm runs a project's tasks on a bounded pool of workers, dispatching
each task as soon as everything it depends on has completed.

Tasks live in a SQLite database. Write a project config with "swarm init",
seed tasks from a YAML manifest with "swarm import", inspect the plan with
"swarm order" and execute it with "swarm run".

Configuration is read from ~/.swarm/config.json, then .swarm/config.json,
then SWARM_* environment variables, then flags.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	pf := rootCmd.PersistentFlags()
	pf.Int(config.KeyProject, 0, "project ID (default from config)")
	pf.String(config.KeyDB, "", "path to the SQLite database (default from config)")
	pf.String(config.KeyLogLevel, "", "log level: debug, info, warn, error")
	pf.String(config.KeyLogFormat, "", "log format: text or json")

	rootCmd.AddCommand(newInitCmd(a))
	rootCmd.AddCommand(newRunCmd(a))
	rootCmd.AddCommand(newOrderCmd(a))
	rootCmd.AddCommand(newImportCmd(a))
	rootCmd.AddCommand(newRunsCmd(a))
	return rootCmd
}

// Execute runs the root command
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration, applies environment and flag overrides and
// puts the logger on the command context.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}

	// Environment and flags override the config files
	v := config.NewViper()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	cfg.ApplyOverrides(v)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.v, a.cfg = v, cfg

	// Subcommands pull the logger back out with logging.FromContext
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	cmd.SetContext(logging.WithLogger(ctx, logger))
	return nil
}

func (a *app) openStore(ctx context.Context) (*persistence.SQLiteStore, error) {
	store, err := persistence.NewSQLiteStore(ctx, a.cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", a.cfg.Database.Path, err)
	}
	return store, nil
}

// printStatus prints a status line with color
func printStatus(w io.Writer, symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Fprintf(w, "%s %s\n", c.Sprint(symbol), message)
}
