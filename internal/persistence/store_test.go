package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/aristath/swarm/internal/orchestrator"
	"github.com/aristath/swarm/internal/scheduler"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func mustCreate(t *testing.T, store *SQLiteStore, task *scheduler.Task) scheduler.TaskID {
	t.Helper()
	id, err := store.CreateTask(context.Background(), task)
	if err != nil {
		t.Fatalf("CreateTask(%q) failed: %v", task.Title, err)
	}
	return id
}

func TestCreateAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	dep := mustCreate(t, store, &scheduler.Task{ProjectID: 1, Title: "schema", Status: scheduler.TaskCompleted})
	task := &scheduler.Task{
		ProjectID:   1,
		Title:       "api",
		Description: "expose endpoints",
		WorkerType:  scheduler.WorkerBackend,
		Priority:    3,
		DependsOn:   []scheduler.TaskID{dep},
	}
	id := mustCreate(t, store, task)

	if task.ID != id {
		t.Errorf("task.ID = %d, want %d", task.ID, id)
	}
	if id == dep {
		t.Fatal("CreateTask reused an ID")
	}

	got, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	want := &scheduler.Task{
		ID:          id,
		ProjectID:   1,
		Title:       "api",
		Description: "expose endpoints",
		WorkerType:  scheduler.WorkerBackend,
		Priority:    3,
		DependsOn:   []scheduler.TaskID{dep},
		Status:      scheduler.TaskPending,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("GetTask = %+v, want %+v", got, want)
	}

	first, err := store.GetTask(ctx, dep)
	if err != nil {
		t.Fatalf("GetTask(dep) failed: %v", err)
	}
	if first.Status != scheduler.TaskCompleted {
		t.Errorf("dep status = %s, want completed", first.Status)
	}
	if len(first.DependsOn) != 0 {
		t.Errorf("dep DependsOn = %v, want empty", first.DependsOn)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetTask(context.Background(), 42)
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestCreateTaskForwardReference(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	// Task 1 names task 2 before it exists.
	first := mustCreate(t, store, &scheduler.Task{ProjectID: 1, Title: "first", DependsOn: []scheduler.TaskID{2}})
	second := mustCreate(t, store, &scheduler.Task{ProjectID: 1, Title: "second"})
	if first != 1 || second != 2 {
		t.Fatalf("ids = %d, %d; want 1, 2", first, second)
	}

	tasks, err := store.LoadTasks(ctx, 1)
	if err != nil {
		t.Fatalf("LoadTasks failed: %v", err)
	}
	if got := tasks[0].DependsOn; !reflect.DeepEqual(got, []scheduler.TaskID{2}) {
		t.Errorf("DependsOn = %v, want [2]", got)
	}
}

func TestLoadTasks(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	a := mustCreate(t, store, &scheduler.Task{ProjectID: 1, Title: "a"})
	b := mustCreate(t, store, &scheduler.Task{ProjectID: 1, Title: "b", DependsOn: []scheduler.TaskID{a}})
	mustCreate(t, store, &scheduler.Task{ProjectID: 2, Title: "other project"})
	c := mustCreate(t, store, &scheduler.Task{ProjectID: 1, Title: "c", DependsOn: []scheduler.TaskID{b, a}})

	tasks, err := store.LoadTasks(ctx, 1)
	if err != nil {
		t.Fatalf("LoadTasks failed: %v", err)
	}

	var ids []scheduler.TaskID
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	if !reflect.DeepEqual(ids, []scheduler.TaskID{a, b, c}) {
		t.Fatalf("ids = %v, want [%d %d %d]", ids, a, b, c)
	}

	tests := []struct {
		idx  int
		want []scheduler.TaskID
	}{
		{0, []scheduler.TaskID{}},
		{1, []scheduler.TaskID{a}},
		{2, []scheduler.TaskID{a, b}},
	}
	for _, tt := range tests {
		if got := tasks[tt.idx].DependsOn; !reflect.DeepEqual(got, tt.want) {
			t.Errorf("task %d DependsOn = %v, want %v", tasks[tt.idx].ID, got, tt.want)
		}
	}

	empty, err := store.LoadTasks(ctx, 99)
	if err != nil {
		t.Fatalf("LoadTasks(99) failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("LoadTasks(99) returned %d tasks, want 0", len(empty))
	}
}

func TestLoadedTasksBuildGraph(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	a := mustCreate(t, store, &scheduler.Task{ProjectID: 1, Title: "a"})
	mustCreate(t, store, &scheduler.Task{ProjectID: 1, Title: "b", DependsOn: []scheduler.TaskID{a}})

	tasks, err := store.LoadTasks(ctx, 1)
	if err != nil {
		t.Fatalf("LoadTasks failed: %v", err)
	}

	g := scheduler.NewDependencyGraph()
	if err := g.Build(tasks); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if ready := g.ReadyTasks(scheduler.NewTaskSet()); !reflect.DeepEqual(ready, []scheduler.TaskID{a}) {
		t.Errorf("ReadyTasks = %v, want [%d]", ready, a)
	}
}

func TestAddRemoveDependency(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	a := mustCreate(t, store, &scheduler.Task{ProjectID: 1, Title: "a"})
	b := mustCreate(t, store, &scheduler.Task{ProjectID: 1, Title: "b"})
	c := mustCreate(t, store, &scheduler.Task{ProjectID: 1, Title: "c"})

	if err := store.AddDependency(ctx, c, b); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
	if err := store.AddDependency(ctx, c, a); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
	// Duplicate edges are ignored.
	if err := store.AddDependency(ctx, c, a); err != nil {
		t.Fatalf("duplicate AddDependency failed: %v", err)
	}

	assertDeps := func(want []scheduler.TaskID) {
		t.Helper()
		got, err := store.GetTask(ctx, c)
		if err != nil {
			t.Fatalf("GetTask failed: %v", err)
		}
		if !reflect.DeepEqual(got.DependsOn, want) {
			t.Errorf("normalized DependsOn = %v, want %v", got.DependsOn, want)
		}
		denorm, err := store.DependsOnJSON(ctx, c)
		if err != nil {
			t.Fatalf("DependsOnJSON failed: %v", err)
		}
		if !reflect.DeepEqual(denorm, want) {
			t.Errorf("depends_on column = %v, want %v", denorm, want)
		}
	}

	assertDeps([]scheduler.TaskID{a, b})

	if err := store.RemoveDependency(ctx, c, a); err != nil {
		t.Fatalf("RemoveDependency failed: %v", err)
	}
	assertDeps([]scheduler.TaskID{b})

	if err := store.RemoveDependency(ctx, c, b); err != nil {
		t.Fatalf("RemoveDependency failed: %v", err)
	}
	assertDeps([]scheduler.TaskID{})
}

func TestDependencyUnknownTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.AddDependency(ctx, 7, 1); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("AddDependency err = %v, want ErrTaskNotFound", err)
	}
	if err := store.RemoveDependency(ctx, 7, 1); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("RemoveDependency err = %v, want ErrTaskNotFound", err)
	}
}

func TestCreateTaskWritesDependsOnColumn(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	id := mustCreate(t, store, &scheduler.Task{ProjectID: 1, Title: "x", DependsOn: []scheduler.TaskID{9, 3}})

	got, err := store.DependsOnJSON(ctx, id)
	if err != nil {
		t.Fatalf("DependsOnJSON failed: %v", err)
	}
	if !reflect.DeepEqual(got, []scheduler.TaskID{3, 9}) {
		t.Errorf("depends_on = %v, want [3 9]", got)
	}
}

func TestUpdateTaskStatus(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	id := mustCreate(t, store, &scheduler.Task{ProjectID: 1, Title: "a"})

	if err := store.UpdateTaskStatus(ctx, id, scheduler.TaskInProgress, "backend-worker-001"); err != nil {
		t.Fatalf("UpdateTaskStatus failed: %v", err)
	}
	got, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != scheduler.TaskInProgress {
		t.Errorf("Status = %s, want in_progress", got.Status)
	}
	if got.AssignedWorkerID != "backend-worker-001" {
		t.Errorf("AssignedWorkerID = %q", got.AssignedWorkerID)
	}

	if err := store.UpdateTaskStatus(ctx, 99, scheduler.TaskFailed, ""); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("UpdateTaskStatus(99) err = %v, want ErrTaskNotFound", err)
	}
}

func TestSaveAndListRuns(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	older := RunRecord{
		ID: "run-a", ProjectID: 1, Outcome: "success",
		Total: 3, Completed: 3,
		StartedAt: base, FinishedAt: base.Add(2 * time.Second),
	}
	newer := RunRecord{
		ID: "run-b", ProjectID: 1, Outcome: "partial_success",
		Total: 3, Completed: 1, Failed: 1, Blocked: 1,
		StartedAt: base.Add(time.Minute), FinishedAt: base.Add(time.Minute + 500*time.Millisecond),
	}
	other := RunRecord{ID: "run-c", ProjectID: 2, Outcome: "success", StartedAt: base, FinishedAt: base}

	for _, r := range []RunRecord{older, newer, other} {
		if err := store.SaveRun(ctx, r); err != nil {
			t.Fatalf("SaveRun(%s) failed: %v", r.ID, err)
		}
	}

	runs, err := store.ListRuns(ctx, 1)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("ListRuns returned %d runs, want 2", len(runs))
	}
	if runs[0].ID != "run-b" || runs[1].ID != "run-a" {
		t.Errorf("order = [%s %s], want newest first", runs[0].ID, runs[1].ID)
	}
	if !reflect.DeepEqual(runs[0], newer) {
		t.Errorf("runs[0] = %+v, want %+v", runs[0], newer)
	}

	// Saving again updates in place.
	older.Outcome = "cancelled"
	if err := store.SaveRun(ctx, older); err != nil {
		t.Fatalf("SaveRun update failed: %v", err)
	}
	runs, err = store.ListRuns(ctx, 1)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 || runs[1].Outcome != "cancelled" {
		t.Errorf("after update runs = %+v", runs)
	}
}

func TestRecordFromReport(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	report := &orchestrator.Report{
		RunID:      "abc",
		ProjectID:  4,
		Outcome:    orchestrator.OutcomePartialSuccess,
		Total:      5,
		Completed:  []scheduler.TaskID{1, 2},
		Failed:     []scheduler.TaskID{3},
		Blocked:    map[scheduler.TaskID][]scheduler.TaskID{4: {3}, 5: {4}},
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
	}

	want := RunRecord{
		ID: "abc", ProjectID: 4, Outcome: "partial_success",
		Total: 5, Completed: 2, Failed: 1, Blocked: 2,
		StartedAt: start, FinishedAt: start.Add(time.Second),
	}
	if got := RecordFromReport(report); !reflect.DeepEqual(got, want) {
		t.Errorf("RecordFromReport = %+v, want %+v", got, want)
	}
}

func TestFileStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "swarm.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	id := mustCreate(t, store, &scheduler.Task{ProjectID: 1, Title: "durable"})
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })

	got, err := reopened.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask after reopen failed: %v", err)
	}
	if got.Title != "durable" {
		t.Errorf("Title = %q, want durable", got.Title)
	}
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)

	mustCreate(t, a, &scheduler.Task{ProjectID: 1, Title: "only in a"})

	tasks, err := b.LoadTasks(context.Background(), 1)
	if err != nil {
		t.Fatalf("LoadTasks failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("store b sees %d tasks from store a", len(tasks))
	}
}

func TestDSN(t *testing.T) {
	got := dsn("/tmp/x.db", nil, []string{"foreign_keys(1)", "busy_timeout(5000)"})
	want := "file:/tmp/x.db?_pragma=foreign_keys%281%29&_pragma=busy_timeout%285000%29"
	if got != want {
		t.Errorf("dsn = %q, want %q", got, want)
	}
}

func TestForeignKeysEnforced(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	var enabled int
	if err := store.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&enabled); err != nil {
		t.Fatalf("PRAGMA foreign_keys: %v", err)
	}
	if enabled != 1 {
		t.Fatalf("foreign_keys = %d, want 1", enabled)
	}

	_, err := store.db.ExecContext(ctx, `INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (999, 1)`)
	if err == nil {
		t.Error("edge for a missing task was accepted")
	}
}

var _ Store = (*SQLiteStore)(nil)
var _ TaskStore = (*SQLiteStore)(nil)
var _ RunStore = (*SQLiteStore)(nil)
var _ orchestrator.TaskLoader = (*SQLiteStore)(nil)
var _ orchestrator.StatusRecorder = (*SQLiteStore)(nil)
