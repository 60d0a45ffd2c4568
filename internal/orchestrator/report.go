package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/aristath/swarm/internal/scheduler"
)

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"         // Every task completed
	OutcomePartialSuccess Outcome = "partial_success" // Some tasks failed or were blocked behind failures
	OutcomeDeadlocked     Outcome = "deadlocked"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeAborted        Outcome = "aborted" // Internal bookkeeping error
)

// Report describes a finished run.
type Report struct {
	RunID      string
	ProjectID  int
	Outcome    Outcome
	Total      int
	Completed  []scheduler.TaskID
	Failed     []scheduler.TaskID
	Blocked    map[scheduler.TaskID][]scheduler.TaskID // Blocked task -> its unsatisfied dependencies
	Stuck      []scheduler.TaskID                      // Unfinished tasks of a cancelled or deadlocked run
	Attempts   map[scheduler.TaskID]int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns the wall-clock length of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the run ended in success or partial success.
func (r *Report) Succeeded() bool {
	return r.Outcome == OutcomeSuccess || r.Outcome == OutcomePartialSuccess
}

// Summary renders a short multi-line description of the run.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s (project %d): %s in %s\n", r.RunID, r.ProjectID, r.Outcome, r.Duration().Round(time.Millisecond))
	fmt.Fprintf(&b, "  completed: %d/%d\n", len(r.Completed), r.Total)
	if len(r.Failed) > 0 {
		fmt.Fprintf(&b, "  failed:    %v\n", r.Failed)
	}
	if len(r.Blocked) > 0 {
		ids := make(scheduler.TaskSet, len(r.Blocked))
		for id := range r.Blocked {
			ids.Add(id)
		}
		for _, id := range ids.Sorted() {
			fmt.Fprintf(&b, "  blocked:   %d waiting on %v\n", id, r.Blocked[id])
		}
	}
	if len(r.Stuck) > 0 {
		fmt.Fprintf(&b, "  unfinished: %v\n", r.Stuck)
	}
	return b.String()
}
