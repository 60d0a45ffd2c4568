package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/orchestrator"
)

func newRunsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List past runs of a project, newest first",
		Args:  cobra.NoArgs,
		RunE:  a.runRuns,
	}
}

func (a *app) runRuns(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, a.cfg.ProjectID)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintf(out, "No runs recorded for project %d\n", a.cfg.ProjectID)
		return nil
	}

	for _, r := range runs {
		outcome := color.YellowString(r.Outcome)
		switch orchestrator.Outcome(r.Outcome) {
		case orchestrator.OutcomeSuccess:
			outcome = color.GreenString(r.Outcome)
		case orchestrator.OutcomeDeadlocked, orchestrator.OutcomeAborted:
			outcome = color.RedString(r.Outcome)
		}
		fmt.Fprintf(out, "%s  %s  %s  %d/%d completed, %d failed, %d blocked (%s)\n",
			r.StartedAt.Local().Format(time.DateTime), r.ID, outcome,
			r.Completed, r.Total, r.Failed, r.Blocked,
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	return nil
}
