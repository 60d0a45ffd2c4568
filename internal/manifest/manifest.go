// Package manifest reads YAML task manifests and seeds them into a store.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aristath/swarm/internal/scheduler"
)

// Task is one manifest entry. Dependencies name other entries by key.
type Task struct {
	Key         string   `yaml:"key"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	WorkerType  string   `yaml:"worker_type"`
	Priority    int      `yaml:"priority"`
	DependsOn   []string `yaml:"depends_on"`
}

// Manifest is a project's task list.
type Manifest struct {
	Project int    `yaml:"project"`
	Tasks   []Task `yaml:"tasks"`
}

// Writer is the part of the persistence store an import needs.
type Writer interface {
	CreateTask(ctx context.Context, task *scheduler.Task) (scheduler.TaskID, error)
	AddDependency(ctx context.Context, taskID, dependsOnID scheduler.TaskID) error
}

// Parse decodes and validates a manifest.
func Parse(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("manifest is empty")
		}
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseFile reads a manifest from path.
func ParseFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Validate checks keys, titles, worker types and that every dependency
// names a key in the manifest. Cycles are left to the dependency graph.
func (m *Manifest) Validate() error {
	keys := make(map[string]bool, len(m.Tasks))
	for i, t := range m.Tasks {
		if t.Key == "" {
			return fmt.Errorf("task %d: key is required", i+1)
		}
		if keys[t.Key] {
			return fmt.Errorf("task %q: duplicate key", t.Key)
		}
		keys[t.Key] = true
		if t.Title == "" {
			return fmt.Errorf("task %q: title is required", t.Key)
		}
		if t.WorkerType != "" && !scheduler.WorkerType(t.WorkerType).Valid() {
			return fmt.Errorf("task %q: unknown worker type %q", t.Key, t.WorkerType)
		}
	}
	for _, t := range m.Tasks {
		for _, dep := range t.DependsOn {
			if !keys[dep] {
				return fmt.Errorf("task %q: depends on unknown key %q", t.Key, dep)
			}
		}
	}
	return nil
}

// Import creates every task under projectID and then records the
// dependencies, so entries may reference keys that appear later. It returns
// the assigned ID for each key.
func (m *Manifest) Import(ctx context.Context, w Writer, projectID int) (map[string]scheduler.TaskID, error) {
	ids := make(map[string]scheduler.TaskID, len(m.Tasks))
	for _, t := range m.Tasks {
		id, err := w.CreateTask(ctx, &scheduler.Task{
			ProjectID:   projectID,
			Title:       t.Title,
			Description: t.Description,
			WorkerType:  scheduler.WorkerType(t.WorkerType),
			Priority:    t.Priority,
			Status:      scheduler.TaskPending,
		})
		if err != nil {
			return nil, fmt.Errorf("creating task %q: %w", t.Key, err)
		}
		ids[t.Key] = id
	}

	for _, t := range m.Tasks {
		for _, dep := range t.DependsOn {
			if err := w.AddDependency(ctx, ids[t.Key], ids[dep]); err != nil {
				return nil, fmt.Errorf("linking %q -> %q: %w", t.Key, dep, err)
			}
		}
	}
	return ids, nil
}
