package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that encodes as a Go duration string ("250ms").
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SchedulerConfig sizes the worker pool and bounds retries.
type SchedulerConfig struct {
	Capacity   int `json:"capacity"`
	MaxRetries int `json:"max_retries"` // Total attempts per task
}

// RetryConfig shapes the delay before a failed task is attempted again.
type RetryConfig struct {
	InitialInterval     Duration `json:"initial_interval"`
	MaxInterval         Duration `json:"max_interval"`
	Multiplier          float64  `json:"multiplier"`
	RandomizationFactor float64  `json:"randomization_factor"`
}

// ExecutionConfig guards each attempt.
type ExecutionConfig struct {
	Timeout            Duration `json:"timeout"` // Zero disables the per-attempt timeout
	BreakerFailures    uint32   `json:"breaker_failures"`
	BreakerOpenTimeout Duration `json:"breaker_open_timeout"`
}

// WorkerCommand is the process run for one worker type.
type WorkerCommand struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type FeedConfig struct {
	Listen string `json:"listen"` // Empty disables the WebSocket feed
}

type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text or json
}

type EventsConfig struct {
	Buffer           int `json:"buffer"`
	SubscriberBuffer int `json:"subscriber_buffer"`
}

// Config is the top-level configuration.
type Config struct {
	ProjectID         int                      `json:"project_id"`
	Scheduler         SchedulerConfig          `json:"scheduler"`
	Retry             RetryConfig              `json:"retry"`
	Execution         ExecutionConfig          `json:"execution"`
	Workers           map[string]WorkerCommand `json:"workers"`
	DefaultWorkerType string                   `json:"default_worker_type"`
	Database          DatabaseConfig           `json:"database"`
	Feed              FeedConfig               `json:"feed"`
	Log               LogConfig                `json:"log"`
	Events            EventsConfig             `json:"events"`
}
