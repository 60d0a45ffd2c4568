package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/swarm/internal/orchestrator"
)

// RunRecord is the persisted summary of one coordinator run.
type RunRecord struct {
	ID         string
	ProjectID  int
	Outcome    string
	Total      int
	Completed  int
	Failed     int
	Blocked    int
	StartedAt  time.Time
	FinishedAt time.Time
}

// RecordFromReport flattens a run report into a RunRecord.
func RecordFromReport(r *orchestrator.Report) RunRecord {
	return RunRecord{
		ID:         r.RunID,
		ProjectID:  r.ProjectID,
		Outcome:    string(r.Outcome),
		Total:      r.Total,
		Completed:  len(r.Completed),
		Failed:     len(r.Failed),
		Blocked:    len(r.Blocked),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

// SaveRun inserts or updates a run record.
func (s *SQLiteStore) SaveRun(ctx context.Context, run RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, project_id, outcome, total, completed, failed, blocked, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outcome = excluded.outcome,
			total = excluded.total,
			completed = excluded.completed,
			failed = excluded.failed,
			blocked = excluded.blocked,
			finished_at = excluded.finished_at
	`, run.ID, run.ProjectID, run.Outcome, run.Total, run.Completed, run.Failed, run.Blocked,
		run.StartedAt.UTC().Format(time.RFC3339Nano), run.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// ListRuns returns a project's runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, projectID int) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, outcome, total, completed, failed, blocked, started_at, finished_at
		FROM runs
		WHERE project_id = ?
		ORDER BY started_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var run RunRecord
		var started, finished string
		if err := rows.Scan(&run.ID, &run.ProjectID, &run.Outcome, &run.Total, &run.Completed, &run.Failed, &run.Blocked, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("run %s: invalid started_at: %w", run.ID, err)
		}
		if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, fmt.Errorf("run %s: invalid finished_at: %w", run.ID, err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}
