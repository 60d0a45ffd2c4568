package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aristath/swarm/internal/orchestrator"
	"github.com/aristath/swarm/internal/persistence"
)

// workspace isolates a test from the user's config: HOME and the cwd point
// at fresh temp dirs. It returns the database path.
func workspace(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	t.Chdir(dir)
	return filepath.Join(dir, "swarm.db")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func loadRuns(t *testing.T, db string, projectID int) []persistence.RunRecord {
	t.Helper()
	ctx := context.Background()
	store, err := persistence.NewSQLiteStore(ctx, db)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	runs, err := store.ListRuns(ctx, projectID)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	return runs
}

const pipeline = `
project: 4
tasks:
  - key: build
    title: Build
    description: echo built
  - key: lint
    title: Lint
    description: "true"
  - key: test
    title: Test
    worker_type: test
    description: echo tested
    depends_on: [build]
  - key: release
    title: Release
    depends_on: [test, lint]
    description: echo released
`

func TestImportAndOrder(t *testing.T) {
	db := workspace(t)

	out, err := execute(t, "import", "--db", db, writeManifest(t, pipeline))
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if !strings.Contains(out, "imported 4 tasks into project 4") {
		t.Errorf("import output = %q", out)
	}

	out, err = execute(t, "order", "--db", db, "--project", "4")
	if err != nil {
		t.Fatalf("order failed: %v", err)
	}
	build := strings.Index(out, "Build")
	test := strings.Index(out, "Test")
	release := strings.Index(out, "Release")
	if build < 0 || test < 0 || release < 0 {
		t.Fatalf("order output missing tasks:\n%s", out)
	}
	if !(build < test && test < release) {
		t.Errorf("order does not respect dependencies:\n%s", out)
	}
	// build(1) -> test(3) -> release(4) is the longest chain.
	if !strings.Contains(out, "1 -> 3 -> 4") {
		t.Errorf("critical path missing from output:\n%s", out)
	}
}

func TestImportProjectFlagWins(t *testing.T) {
	db := workspace(t)

	if _, err := execute(t, "import", "--db", db, "--project", "9", writeManifest(t, pipeline)); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	out, err := execute(t, "order", "--db", db, "--project", "4")
	if err != nil {
		t.Fatalf("order failed: %v", err)
	}
	if !strings.Contains(out, "has no tasks") {
		t.Errorf("project 4 should be empty, got:\n%s", out)
	}
}

func TestImportRejectsInvalidManifest(t *testing.T) {
	db := workspace(t)

	_, err := execute(t, "import", "--db", db, writeManifest(t, "tasks:\n  - {key: a, title: A, depends_on: [b]}\n"))
	if err == nil || !strings.Contains(err.Error(), "unknown key") {
		t.Errorf("err = %v, want unknown key error", err)
	}
}

func TestRunSuccess(t *testing.T) {
	db := workspace(t)
	if _, err := execute(t, "import", "--db", db, writeManifest(t, pipeline)); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	out, err := execute(t, "run", "--db", db, "--project", "4", "--capacity", "2")
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, string(orchestrator.OutcomeSuccess)) || !strings.Contains(out, "completed: 4/4") {
		t.Errorf("run output = %q", out)
	}

	runs := loadRuns(t, db, 4)
	if len(runs) != 1 {
		t.Fatalf("recorded %d runs, want 1", len(runs))
	}
	if runs[0].Outcome != string(orchestrator.OutcomeSuccess) || runs[0].Completed != 4 {
		t.Errorf("run record = %+v", runs[0])
	}

	out, err = execute(t, "runs", "--db", db, "--project", "4")
	if err != nil {
		t.Fatalf("runs failed: %v", err)
	}
	if !strings.Contains(out, runs[0].ID) || !strings.Contains(out, "4/4 completed") {
		t.Errorf("runs output = %q", out)
	}
}

func TestRunPartialFailure(t *testing.T) {
	db := workspace(t)
	manifest := `
tasks:
  - key: a
    title: Broken
    description: exit 1
  - key: b
    title: Depends on broken
    description: echo never
    depends_on: [a]
  - key: c
    title: Independent
    description: echo fine
`
	if _, err := execute(t, "import", "--db", db, writeManifest(t, manifest)); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	out, err := execute(t, "run", "--db", db, "--max-retries", "1")
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, string(orchestrator.OutcomePartialSuccess)) {
		t.Errorf("run output = %q", out)
	}

	runs := loadRuns(t, db, 1)
	if len(runs) != 1 {
		t.Fatalf("recorded %d runs, want 1", len(runs))
	}
	if got := runs[0]; got.Completed != 1 || got.Failed != 1 || got.Blocked != 1 {
		t.Errorf("run record = %+v, want 1 completed, 1 failed, 1 blocked", got)
	}
}

func TestRunCycleIsBuildError(t *testing.T) {
	db := workspace(t)
	manifest := `
tasks:
  - {key: a, title: A, depends_on: [b]}
  - {key: b, title: B, depends_on: [a]}
`
	if _, err := execute(t, "import", "--db", db, writeManifest(t, manifest)); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	_, err := execute(t, "run", "--db", db)
	if err == nil || !strings.Contains(err.Error(), "dependency graph") {
		t.Errorf("err = %v, want graph build error", err)
	}
	if runs := loadRuns(t, db, 1); len(runs) != 0 {
		t.Errorf("recorded %d runs for a run that never started", len(runs))
	}
}

func TestRunsEmpty(t *testing.T) {
	db := workspace(t)

	out, err := execute(t, "runs", "--db", db)
	if err != nil {
		t.Fatalf("runs failed: %v", err)
	}
	if !strings.Contains(out, "No runs recorded for project 1") {
		t.Errorf("runs output = %q", out)
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	db := workspace(t)

	_, err := execute(t, "run", "--db", db, "--capacity=-1")
	if err == nil || !strings.Contains(err.Error(), "capacity") {
		t.Errorf("err = %v, want capacity validation error", err)
	}
}

func TestEnvironmentOverride(t *testing.T) {
	db := workspace(t)
	t.Setenv("SWARM_PROJECT", "4")
	if _, err := execute(t, "import", "--db", db, writeManifest(t, pipeline)); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	out, err := execute(t, "order", "--db", db)
	if err != nil {
		t.Fatalf("order failed: %v", err)
	}
	if !strings.Contains(out, "Order (project 4)") {
		t.Errorf("order output = %q", out)
	}
}

func TestInitWritesProjectConfig(t *testing.T) {
	workspace(t)

	out, err := execute(t, "init", "--project", "7", "--db", "data/tasks.db")
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if !strings.Contains(out, "wrote") {
		t.Errorf("init output = %q", out)
	}

	// The written file now supplies the settings without flags.
	out, err = execute(t, "runs")
	if err != nil {
		t.Fatalf("runs failed: %v", err)
	}
	if !strings.Contains(out, "project 7") {
		t.Errorf("runs output = %q, want project 7 from the saved config", out)
	}
	if _, err := os.Stat(filepath.Join("data", "tasks.db")); err != nil {
		t.Errorf("database not created at the saved path: %v", err)
	}

	if _, err := execute(t, "init"); err == nil {
		t.Error("expected init to refuse overwriting an existing config")
	}
	if _, err := execute(t, "init", "--force", "--project", "8"); err != nil {
		t.Errorf("init --force failed: %v", err)
	}
}
