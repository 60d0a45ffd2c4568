package scheduler

import (
	"fmt"

	"github.com/gammazero/toposort"
)

// DependencyGraph is a bidirectional adjacency structure over task IDs.
//
// It carries no lock. A graph is owned by a single coordination goroutine,
// which serializes Build and Unblock calls.
type DependencyGraph struct {
	order      []TaskID           // All task IDs, ascending
	dependsOn  map[TaskID]TaskSet // taskID -> tasks it requires
	dependents map[TaskID]TaskSet // taskID -> tasks that require it
	completed  TaskSet            // Tasks reported done via Unblock or seeded by Build
	depth      map[TaskID]int     // Memoized Depth results
}

// NewDependencyGraph creates an empty graph. Call Build before anything else.
func NewDependencyGraph() *DependencyGraph {
	g := &DependencyGraph{}
	g.reset()
	return g
}

func (g *DependencyGraph) reset() {
	g.order = nil
	g.dependsOn = make(map[TaskID]TaskSet)
	g.dependents = make(map[TaskID]TaskSet)
	g.completed = make(TaskSet)
	g.depth = make(map[TaskID]int)
}

// Build replaces the graph with the given task universe.
//
// It fails with *DanglingDependencyError when a task depends on an unknown
// ID and with *CycleDetectedError when the dependencies are not acyclic. A
// failed Build leaves the graph empty. Tasks whose status is TaskCompleted
// start out completed.
func (g *DependencyGraph) Build(tasks []*Task) error {
	g.reset()

	nodes := make(TaskSet, len(tasks))
	for _, task := range tasks {
		if nodes.Has(task.ID) {
			return fmt.Errorf("task %d: %w", task.ID, ErrDuplicateTask)
		}
		nodes.Add(task.ID)
	}

	dependsOn := make(map[TaskID]TaskSet, len(tasks))
	dependents := make(map[TaskID]TaskSet, len(tasks))
	completed := make(TaskSet)

	order := nodes.Sorted()
	byID := make(map[TaskID]*Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}

	for _, id := range order {
		task := byID[id]
		deps := make(TaskSet, len(task.DependsOn))
		for _, depID := range task.DependsOn {
			if !nodes.Has(depID) {
				return &DanglingDependencyError{TaskID: id, MissingID: depID}
			}
			deps.Add(depID)
			if dependents[depID] == nil {
				dependents[depID] = make(TaskSet)
			}
			dependents[depID].Add(id)
		}
		dependsOn[id] = deps
		if task.Status == TaskCompleted {
			completed.Add(id)
		}
	}

	if path := findCycle(order, dependsOn); path != nil {
		return &CycleDetectedError{Path: path}
	}

	g.order = order
	g.dependsOn = dependsOn
	g.dependents = dependents
	g.completed = completed
	return nil
}

// Node colors for findCycle. onPath and done must stay distinct: a done
// node reached again is a cross edge (diamond), not a cycle.
const (
	unvisited uint8 = iota
	onPath
	done
)

// findCycle runs a depth-first search along dependsOn edges and returns the
// first cycle found, or nil.
func findCycle(order []TaskID, dependsOn map[TaskID]TaskSet) []TaskID {
	state := make(map[TaskID]uint8, len(order))
	var stack []TaskID

	var visit func(id TaskID) []TaskID
	visit = func(id TaskID) []TaskID {
		state[id] = onPath
		stack = append(stack, id)

		for _, dep := range dependsOn[id].Sorted() {
			switch state[dep] {
			case onPath:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						return append([]TaskID(nil), stack[i:]...)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range order {
		if state[id] != unvisited {
			continue
		}
		if cycle := visit(id); cycle != nil {
			return cycle
		}
	}
	return nil
}

// ReadyTasks returns the tasks whose dependencies are all in completed and
// which are not themselves in completed. The result is ascending by ID.
func (g *DependencyGraph) ReadyTasks(completed TaskSet) []TaskID {
	ready := []TaskID{}
	for _, id := range g.order {
		if completed.Has(id) {
			continue
		}
		if subsetOf(g.dependsOn[id], completed) {
			ready = append(ready, id)
		}
	}
	return ready
}

// Unblock marks id completed and returns the dependents whose entire
// dependency set is now satisfied. Calling it again for the same id returns
// an empty result.
func (g *DependencyGraph) Unblock(id TaskID) []TaskID {
	if _, ok := g.dependsOn[id]; !ok || g.completed.Has(id) {
		return nil
	}
	g.completed.Add(id)

	var unblocked []TaskID
	for _, dependent := range g.dependents[id].Sorted() {
		if g.completed.Has(dependent) {
			continue
		}
		if subsetOf(g.dependsOn[dependent], g.completed) {
			unblocked = append(unblocked, dependent)
		}
	}
	return unblocked
}

// SuggestedOrder returns a topological order of all tasks. It is a
// prioritization hint; execution only requires dependency satisfaction.
func (g *DependencyGraph) SuggestedOrder() ([]TaskID, error) {
	var edges []toposort.Edge
	for _, id := range g.order {
		deps := g.dependsOn[id]
		if len(deps) == 0 {
			// Edge from nil keeps isolated tasks in the result
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range deps.Sorted() {
			// Edge (depID, id) means depID must come before id
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("ordering tasks: %w", err)
	}

	order := make([]TaskID, 0, len(g.order))
	for _, v := range sorted {
		if v != nil {
			order = append(order, v.(TaskID))
		}
	}
	if len(order) != len(g.order) {
		return nil, fmt.Errorf("topological sort returned %d of %d tasks", len(order), len(g.order))
	}
	return order, nil
}

// Levels groups tasks into waves that can run in parallel. Every task in
// level n depends only on tasks in levels below n.
func (g *DependencyGraph) Levels() [][]TaskID {
	inDeg := make(map[TaskID]int, len(g.order))
	var queue []TaskID
	for _, id := range g.order {
		inDeg[id] = len(g.dependsOn[id])
		if inDeg[id] == 0 {
			queue = append(queue, id)
		}
	}

	var levels [][]TaskID
	for len(queue) > 0 {
		levels = append(levels, queue)
		var next []TaskID
		for _, id := range queue {
			for _, dependent := range g.dependents[id].Sorted() {
				inDeg[dependent]--
				if inDeg[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sortIDs(next)
		queue = next
	}
	return levels
}

// Depth returns the length of the longest dependency chain below id.
// Tasks without dependencies have depth 0.
func (g *DependencyGraph) Depth(id TaskID) int {
	if d, ok := g.depth[id]; ok {
		return d
	}
	deepest := 0
	for depID := range g.dependsOn[id] {
		if d := g.Depth(depID) + 1; d > deepest {
			deepest = d
		}
	}
	g.depth[id] = deepest
	return deepest
}

// CriticalPath returns the longest dependency chain in execution order.
func (g *DependencyGraph) CriticalPath() []TaskID {
	if len(g.order) == 0 {
		return nil
	}

	tail := g.order[0]
	for _, id := range g.order {
		if g.Depth(id) > g.Depth(tail) {
			tail = id
		}
	}

	path := []TaskID{tail}
	for cur := tail; len(g.dependsOn[cur]) > 0; {
		next := TaskID(0)
		found := false
		for _, depID := range g.dependsOn[cur].Sorted() {
			if !found || g.Depth(depID) > g.Depth(next) {
				next = depID
				found = true
			}
		}
		path = append(path, next)
		cur = next
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// BlockedTasks maps every incomplete task with unmet dependencies to those
// dependencies, judged against the graph's own completed set.
func (g *DependencyGraph) BlockedTasks() map[TaskID][]TaskID {
	blocked := make(map[TaskID][]TaskID)
	for _, id := range g.order {
		if g.completed.Has(id) {
			continue
		}
		var unmet []TaskID
		for _, depID := range g.dependsOn[id].Sorted() {
			if !g.completed.Has(depID) {
				unmet = append(unmet, depID)
			}
		}
		if len(unmet) > 0 {
			blocked[id] = unmet
		}
	}
	return blocked
}

// ValidateDependency reports whether adding "taskID depends on dependsOn"
// would keep the graph acyclic. The graph is not modified.
func (g *DependencyGraph) ValidateDependency(taskID, dependsOn TaskID) error {
	if !g.Contains(taskID) {
		return fmt.Errorf("task %d not in graph", taskID)
	}
	if !g.Contains(dependsOn) {
		return &DanglingDependencyError{TaskID: taskID, MissingID: dependsOn}
	}
	if taskID == dependsOn {
		return &CycleDetectedError{Path: []TaskID{taskID}}
	}

	// A cycle appears if taskID is already reachable from dependsOn.
	parent := map[TaskID]TaskID{dependsOn: dependsOn}
	queue := []TaskID{dependsOn}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == taskID {
			var chain []TaskID
			for n := cur; n != dependsOn; n = parent[n] {
				chain = append(chain, n)
			}
			chain = append(chain, dependsOn)
			// chain runs taskID ... dependsOn; the new edge closes it
			path := []TaskID{taskID}
			for i := len(chain) - 1; i > 0; i-- {
				path = append(path, chain[i])
			}
			return &CycleDetectedError{Path: path}
		}
		for _, next := range g.dependsOn[cur].Sorted() {
			if _, seen := parent[next]; !seen {
				parent[next] = cur
				queue = append(queue, next)
			}
		}
	}
	return nil
}

// TransitiveDependents returns every task that directly or indirectly
// depends on id, ascending.
func (g *DependencyGraph) TransitiveDependents(id TaskID) []TaskID {
	seen := make(TaskSet)
	queue := []TaskID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for dependent := range g.dependents[cur] {
			if !seen.Has(dependent) {
				seen.Add(dependent)
				queue = append(queue, dependent)
			}
		}
	}
	return seen.Sorted()
}

// Dependencies returns the direct dependencies of id, ascending.
func (g *DependencyGraph) Dependencies(id TaskID) []TaskID {
	return g.dependsOn[id].Sorted()
}

// Dependents returns the tasks that directly depend on id, ascending.
func (g *DependencyGraph) Dependents(id TaskID) []TaskID {
	return g.dependents[id].Sorted()
}

// Contains reports whether id is part of the graph.
func (g *DependencyGraph) Contains(id TaskID) bool {
	_, ok := g.dependsOn[id]
	return ok
}

// IsCompleted reports whether id has been marked completed.
func (g *DependencyGraph) IsCompleted(id TaskID) bool {
	return g.completed.Has(id)
}

// Tasks returns all task IDs, ascending.
func (g *DependencyGraph) Tasks() []TaskID {
	return append([]TaskID(nil), g.order...)
}

// Len returns the number of tasks in the graph.
func (g *DependencyGraph) Len() int {
	return len(g.order)
}

func subsetOf(deps, completed TaskSet) bool {
	for depID := range deps {
		if !completed.Has(depID) {
			return false
		}
	}
	return true
}
