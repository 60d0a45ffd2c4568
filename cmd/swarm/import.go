package main

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/manifest"
)

func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <manifest.yaml>",
		Short: "Create tasks from a YAML manifest",
		Long: `Import creates one task per manifest entry and links their
dependencies. Entries reference each other by key:

  project: 1
  tasks:
    - key: schema
      title: Design schema
      worker_type: backend
    - key: api
      title: Build API
      depends_on: [schema]

The --project flag takes precedence over the manifest's project.`,
		Args: cobra.ExactArgs(1),
		RunE: a.runImport,
	}
}

func (a *app) runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	m, err := manifest.ParseFile(args[0])
	if err != nil {
		return err
	}

	projectID := a.cfg.ProjectID
	if !a.v.IsSet(config.KeyProject) && m.Project != 0 {
		projectID = m.Project
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	ids, err := m.Import(ctx, store, projectID)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(ids))
	for key := range ids {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return ids[keys[i]] < ids[keys[j]] })
	for _, key := range keys {
		fmt.Fprintf(out, "  %-20s -> task %d\n", key, ids[key])
	}
	printStatus(out, "✓", fmt.Sprintf("imported %d tasks into project %d", len(ids), projectID), color.FgGreen)
	return nil
}
