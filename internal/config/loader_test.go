package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		global  string
		project string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "no config files returns defaults",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Scheduler.Capacity != 10 || cfg.Scheduler.MaxRetries != 3 {
					t.Errorf("scheduler = %+v, want capacity 10, max_retries 3", cfg.Scheduler)
				}
				if len(cfg.Workers) != 3 {
					t.Errorf("workers = %d, want 3", len(cfg.Workers))
				}
			},
		},
		{
			name:   "global overrides a nested field only",
			global: `{"scheduler": {"capacity": 4}}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Scheduler.Capacity != 4 {
					t.Errorf("capacity = %d, want 4", cfg.Scheduler.Capacity)
				}
				if cfg.Scheduler.MaxRetries != 3 {
					t.Errorf("max_retries = %d, want default 3", cfg.Scheduler.MaxRetries)
				}
			},
		},
		{
			name:    "project wins over global",
			global:  `{"project_id": 2, "log": {"level": "debug"}}`,
			project: `{"project_id": 7}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.ProjectID != 7 {
					t.Errorf("project_id = %d, want 7", cfg.ProjectID)
				}
				if cfg.Log.Level != "debug" {
					t.Errorf("log.level = %q, want debug from global", cfg.Log.Level)
				}
			},
		},
		{
			name:    "worker entries merge per type",
			project: `{"workers": {"frontend": {"command": "npm", "args": ["run", "task"]}}}`,
			check: func(t *testing.T, cfg *Config) {
				fe := cfg.Workers["frontend"]
				if fe.Command != "npm" || strings.Join(fe.Args, " ") != "run task" {
					t.Errorf("frontend = %+v", fe)
				}
				if cfg.Workers["backend"].Command != "sh" {
					t.Errorf("backend = %+v, want default kept", cfg.Workers["backend"])
				}
			},
		},
		{
			name:    "durations parse from strings",
			project: `{"retry": {"initial_interval": "250ms", "max_interval": "1m"}, "execution": {"timeout": "90s"}}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Retry.InitialInterval.Std() != 250*time.Millisecond {
					t.Errorf("initial_interval = %v", cfg.Retry.InitialInterval.Std())
				}
				if cfg.Retry.MaxInterval.Std() != time.Minute {
					t.Errorf("max_interval = %v", cfg.Retry.MaxInterval.Std())
				}
				if cfg.Execution.Timeout.Std() != 90*time.Second {
					t.Errorf("timeout = %v", cfg.Execution.Timeout.Std())
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			globalPath := filepath.Join(dir, "global", "config.json")
			projectPath := filepath.Join(dir, "project", "config.json")
			if tt.global != "" {
				writeFile(t, globalPath, tt.global)
			}
			if tt.project != "" {
				writeFile(t, projectPath, tt.project)
			}

			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{"scheduler": `)

	if _, err := Load("", path); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{"execution": {"timeout": "soon"}}`)

	_, err := Load(path, "")
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("err = %v, want invalid duration", err)
	}
}

func TestLoadDefault(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	writeFile(t, GlobalPath(home), `{"scheduler": {"capacity": 6}}`)

	cwd := t.TempDir()
	t.Chdir(cwd)
	writeFile(t, filepath.Join(cwd, ProjectPath()), `{"project_id": 9}`)

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault failed: %v", err)
	}
	if cfg.Scheduler.Capacity != 6 || cfg.ProjectID != 9 {
		t.Errorf("cfg = capacity %d, project %d; want 6, 9", cfg.Scheduler.Capacity, cfg.ProjectID)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{name: "zero capacity", mutate: func(c *Config) { c.Scheduler.Capacity = 0 }, wantErr: "scheduler.capacity"},
		{name: "zero retries", mutate: func(c *Config) { c.Scheduler.MaxRetries = 0 }, wantErr: "scheduler.max_retries"},
		{name: "shrinking multiplier", mutate: func(c *Config) { c.Retry.Multiplier = 0.5 }, wantErr: "retry.multiplier"},
		{name: "randomization above one", mutate: func(c *Config) { c.Retry.RandomizationFactor = 1.5 }, wantErr: "randomization_factor"},
		{name: "negative timeout", mutate: func(c *Config) { c.Execution.Timeout = -1 }, wantErr: "execution.timeout"},
		{name: "unknown worker", mutate: func(c *Config) { c.Workers["docs"] = WorkerCommand{Command: "x"} }, wantErr: "workers.docs"},
		{name: "missing command", mutate: func(c *Config) { c.Workers["test"] = WorkerCommand{} }, wantErr: "command is required"},
		{name: "bad default type", mutate: func(c *Config) { c.DefaultWorkerType = "ops" }, wantErr: "default_worker_type"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	flags.Int(KeyCapacity, 10, "")
	flags.Int(KeyMaxRetries, 3, "")
	flags.String(KeyDB, "", "")

	v := NewViper()
	if err := v.BindPFlags(flags); err != nil {
		t.Fatalf("BindPFlags: %v", err)
	}
	if err := flags.Parse([]string{"--capacity", "2"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	t.Setenv("SWARM_MAX_RETRIES", "5")

	cfg := DefaultConfig()
	cfg.Database.Path = "from-file.db"
	cfg.ApplyOverrides(v)

	if cfg.Scheduler.Capacity != 2 {
		t.Errorf("capacity = %d, want 2 from flag", cfg.Scheduler.Capacity)
	}
	if cfg.Scheduler.MaxRetries != 5 {
		t.Errorf("max_retries = %d, want 5 from env", cfg.Scheduler.MaxRetries)
	}
	if cfg.Database.Path != "from-file.db" {
		t.Errorf("database.path = %q, unchanged flag must not override", cfg.Database.Path)
	}
}
