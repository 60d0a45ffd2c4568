package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/executor"
	"github.com/aristath/swarm/internal/feed"
	"github.com/aristath/swarm/internal/logging"
	"github.com/aristath/swarm/internal/orchestrator"
	"github.com/aristath/swarm/internal/persistence"
	"github.com/aristath/swarm/internal/scheduler"
	"github.com/aristath/swarm/internal/tui"
)

// shutdownGrace is how long in-flight tasks may keep running after a stop
// request before their processes are killed.
const shutdownGrace = 10 * time.Second

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute every task of a project in dependency order",
		Long: `Run loads the project's tasks, dispatches each one to a worker as soon
as its dependencies have completed and retries failures with backoff.

The first interrupt stops dispatching and lets running tasks finish. A
second interrupt, or the grace period running out, kills them.`,
		Args: cobra.NoArgs,
		RunE: a.runRun,
	}
	cmd.Flags().Int(config.KeyCapacity, 0, "maximum number of concurrent workers")
	cmd.Flags().Int(config.KeyMaxRetries, 0, "attempts per task before it fails")
	cmd.Flags().String(config.KeyListen, "", "serve the WebSocket event feed on this address (e.g. :8080)")
	cmd.Flags().Bool("tui", false, "show the live terminal dashboard")
	return cmd
}

type runOutcome struct {
	report *orchestrator.Report
	err    error
}

func (a *app) runRun(cmd *cobra.Command, _ []string) error {
	useTUI, _ := cmd.Flags().GetBool("tui")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.FromContext(ctx)
	if useTUI {
		// The dashboard owns the terminal.
		logFile, err := openLogFile(a.cfg.Database.Path)
		if err != nil {
			return err
		}
		defer logFile.Close()
		logger = logging.New(a.cfg.Log.Level, a.cfg.Log.Format, logFile)
	}
	logger = logger.With("project_id", a.cfg.ProjectID)

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewBroadcaster(a.cfg.Events.Buffer, logger)
	defer bus.Close()

	runner := executor.New(executor.Config{
		Commands: workerCommands(a.cfg.Workers),
		Logger:   logger,
	})
	procs := runner.Processes()

	coord := orchestrator.NewCoordinator(orchestrator.Config{
		ProjectID:  a.cfg.ProjectID,
		Capacity:   a.cfg.Scheduler.Capacity,
		MaxRetries: a.cfg.Scheduler.MaxRetries,
		Retry:      retryConfig(a.cfg.Retry),
		Logger:     logger,
	}, orchestrator.Deps{
		Loader: store,
		// Tasks refused by an open breaker are requeued without using an attempt.
		Executor: &orchestrator.ResilientExecutor{
			Next: runner,
			Breakers: orchestrator.NewCircuitBreakerRegistry(orchestrator.BreakerConfig{
				ConsecutiveFailures: a.cfg.Execution.BreakerFailures,
				OpenTimeout:         a.cfg.Execution.BreakerOpenTimeout.Std(),
			}, logger),
			Timeout: a.cfg.Execution.Timeout.Std(),
		},
		Assigner: scheduler.FieldAssigner{Default: scheduler.WorkerType(a.cfg.DefaultWorkerType)},
		Emitter:  bus,
		Recorder: store,
	})

	// The feed outlives the signal context so observers see the run wind down.
	feedCtx, stopFeed := context.WithCancel(context.WithoutCancel(ctx))
	defer stopFeed()
	if a.cfg.Feed.Listen != "" {
		gin.SetMode(gin.ReleaseMode)
		hub := feed.NewHub(feed.Config{
			Source: bus,
			State: func() feed.State {
				return feed.NewState(a.cfg.ProjectID, coord.Pool().Snapshot(), coord.Tasks())
			},
			SubscriberBuffer: a.cfg.Events.SubscriberBuffer,
			Logger:           logger,
		})
		go func() {
			if err := hub.Serve(feedCtx, a.cfg.Feed.Listen); err != nil {
				logger.Error("event feed stopped", "error", err)
			}
		}()
	}

	var program *tea.Program
	tuiDone := make(chan error, 1)
	if useTUI {
		program = tea.NewProgram(
			tui.New(bus, a.cfg.ProjectID, a.cfg.Events.SubscriberBuffer),
			tea.WithAltScreen(),
			tea.WithContext(feedCtx),
		)
		go func() {
			_, err := program.Run()
			tuiDone <- err
		}()
	}

	done := make(chan runOutcome, 1)
	go func() {
		report, err := coord.Run(ctx)
		done <- runOutcome{report: report, err: err}
	}()

	var res runOutcome
	select {
	case res = <-done:
	case <-ctx.Done():
		// Restore default handling and watch for a second signal ourselves.
		stop()
		logger.Info("shutdown signal received, waiting for in-flight tasks")
		if program != nil {
			program.Quit()
		}
		res = drain(logger, coord, procs, done)
	case err := <-tuiDone:
		if err != nil {
			logger.Error("dashboard exited", "error", err)
		}
		program = nil
		logger.Info("dashboard closed, stopping run")
		res = drain(logger, coord, procs, done)
	}

	// Closing the bus ends every subscription, so the dashboard shows the
	// final state and waits for the user to quit.
	bus.Close()
	if program != nil {
		select {
		case err := <-tuiDone:
			if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				logger.Error("dashboard exited", "error", err)
			}
		case <-ctx.Done():
			program.Kill()
		}
	}
	stopFeed()

	return finishRun(ctx, cmd.OutOrStdout(), store, res)
}

// drain stops the coordinator and waits for it to return. In-flight
// processes are killed when the grace period ends or another signal arrives.
func drain(logger *slog.Logger, coord *orchestrator.Coordinator, procs *executor.ProcessManager, done <-chan runOutcome) runOutcome {
	coord.Stop()

	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	grace := time.NewTimer(shutdownGrace)
	defer grace.Stop()

	select {
	case res := <-done:
		return res
	case <-force:
		logger.Warn("second signal received, killing running tasks", "tasks", procs.Running())
	case <-grace.C:
		logger.Warn("shutdown grace period exceeded, killing running tasks", "tasks", procs.Running())
	}
	if err := procs.KillAll(); err != nil {
		logger.Error("killing task processes", "error", err)
	}
	return <-done
}

// finishRun records the run and prints its report. Failed tasks alone do not
// make the command fail; deadlocked, cancelled and aborted runs do.
func finishRun(ctx context.Context, out io.Writer, store persistence.RunStore, res runOutcome) error {
	if res.report == nil {
		return res.err
	}

	if err := store.SaveRun(context.WithoutCancel(ctx), persistence.RecordFromReport(res.report)); err != nil {
		logging.FromContext(ctx).Error("saving run history", "error", err)
	}
	printReport(out, res.report)

	return res.err
}

func printReport(w io.Writer, r *orchestrator.Report) {
	symbol, attr := "✓", color.FgGreen
	switch r.Outcome {
	case orchestrator.OutcomePartialSuccess, orchestrator.OutcomeCancelled:
		symbol, attr = "!", color.FgYellow
	case orchestrator.OutcomeDeadlocked, orchestrator.OutcomeAborted:
		symbol, attr = "✗", color.FgRed
	}
	lines := strings.Split(strings.TrimRight(r.Summary(), "\n"), "\n")
	printStatus(w, symbol, lines[0], attr)
	for _, line := range lines[1:] {
		fmt.Fprintln(w, line)
	}
}

func workerCommands(workers map[string]config.WorkerCommand) map[scheduler.WorkerType]executor.Command {
	commands := make(map[scheduler.WorkerType]executor.Command, len(workers))
	for name, w := range workers {
		commands[scheduler.WorkerType(name)] = executor.Command{Command: w.Command, Args: w.Args}
	}
	return commands
}

func retryConfig(c config.RetryConfig) orchestrator.RetryConfig {
	return orchestrator.RetryConfig{
		InitialInterval:     c.InitialInterval.Std(),
		MaxInterval:         c.MaxInterval.Std(),
		Multiplier:          c.Multiplier,
		RandomizationFactor: c.RandomizationFactor,
	}
}

// openLogFile opens swarm.log next to the database.
func openLogFile(dbPath string) (*os.File, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "swarm.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}
