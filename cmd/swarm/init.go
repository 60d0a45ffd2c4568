package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/config"
)

func newInitCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a project config with the current settings",
		Long: `Init writes .swarm/config.json in the current directory from the
effective configuration (defaults, user config, environment and flags), so
the project can be tuned by editing one file.`,
		Args: cobra.NoArgs,
		RunE: a.runInit,
	}
	cmd.Flags().Bool("force", false, "overwrite an existing project config")
	return cmd
}

func (a *app) runInit(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	force, _ := cmd.Flags().GetBool("force")

	path := config.ProjectPath()
	if _, err := os.Stat(path); err == nil && !force {
		printStatus(out, "!", fmt.Sprintf("%s already exists (use --force to overwrite)", path), color.FgYellow)
		return fmt.Errorf("%s already exists", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking %s: %w", path, err)
	}

	if err := config.Save(a.cfg, path); err != nil {
		return err
	}
	printStatus(out, "✓", fmt.Sprintf("wrote %s (project %d, database %s)", path, a.cfg.ProjectID, a.cfg.Database.Path), color.FgGreen)
	return nil
}
