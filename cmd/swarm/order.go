package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/scheduler"
)

func newOrderCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "order",
		Short: "Show the planned execution order of a project",
		Long: `Order prints a valid sequential order of the project's tasks, the
levels of tasks that can run in parallel and the critical path.`,
		Args: cobra.NoArgs,
		RunE: a.runOrder,
	}
}

func (a *app) runOrder(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, err := store.LoadTasks(ctx, a.cfg.ProjectID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		printStatus(out, "!", fmt.Sprintf("project %d has no tasks", a.cfg.ProjectID), color.FgYellow)
		return nil
	}

	g := scheduler.NewDependencyGraph()
	if err := g.Build(tasks); err != nil {
		printStatus(out, "✗", err.Error(), color.FgRed)
		return err
	}
	order, err := g.SuggestedOrder()
	if err != nil {
		return err
	}

	titles := make(map[scheduler.TaskID]string, len(tasks))
	for _, t := range tasks {
		titles[t.ID] = t.Title
	}

	bold := color.New(color.Bold)
	bold.Fprintf(out, "Order (project %d)\n", a.cfg.ProjectID)
	for i, id := range order {
		fmt.Fprintf(out, "  %2d. [%d] %s\n", i+1, id, titles[id])
	}

	bold.Fprintln(out, "Levels")
	for i, level := range g.Levels() {
		fmt.Fprintf(out, "  %d: %s\n", i, joinIDs(level))
	}

	bold.Fprintln(out, "Critical path")
	fmt.Fprintf(out, "  %s\n", joinIDs(g.CriticalPath()))
	return nil
}

func joinIDs(ids []scheduler.TaskID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, " -> ")
}
