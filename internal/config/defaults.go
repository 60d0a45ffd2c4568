package config

import (
	"time"
)

// DefaultConfig returns the built-in configuration. Every worker type runs
// its task description through sh so a project works without a config file.
func DefaultConfig() *Config {
	return &Config{
		ProjectID: 1,
		Scheduler: SchedulerConfig{
			Capacity:   10,
			MaxRetries: 3,
		},
		Retry: RetryConfig{
			InitialInterval:     Duration(100 * time.Millisecond),
			MaxInterval:         Duration(10 * time.Second),
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
		},
		Execution: ExecutionConfig{
			Timeout:            Duration(10 * time.Minute),
			BreakerFailures:    5,
			BreakerOpenTimeout: Duration(30 * time.Second),
		},
		Workers: map[string]WorkerCommand{
			"backend":  {Command: "sh", Args: []string{"-c", `eval "$SWARM_TASK_DESCRIPTION"`}},
			"frontend": {Command: "sh", Args: []string{"-c", `eval "$SWARM_TASK_DESCRIPTION"`}},
			"test":     {Command: "sh", Args: []string{"-c", `eval "$SWARM_TASK_DESCRIPTION"`}},
		},
		DefaultWorkerType: "backend",
		Database: DatabaseConfig{
			Path: ".swarm/swarm.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Events: EventsConfig{
			Buffer:           1024,
			SubscriberBuffer: 256,
		},
	}
}
