// Package supervisor keeps the configured server command sequence running,
// firing the startup trigger before every launch.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/schaermu/wrapperd/internal/config"
	"github.com/schaermu/wrapperd/internal/notify"
	"github.com/schaermu/wrapperd/internal/syncer"
)

// State is a supervisor lifecycle state
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateExited     State = "exited"
	StateRestarting State = "restarting"
	// StateStopped is terminal and only reachable through external
	// cancellation.
	StateStopped State = "stopped"
)

// termGrace is how long a child gets between SIGTERM and SIGKILL on
// shutdown.
const termGrace = 10 * time.Second

// Router fires a named trigger and reports per-destination outcomes
type Router interface {
	Fire(ctx context.Context, name string) map[string]syncer.Outcome
}

// Supervisor runs the command sequence in a restart loop
type Supervisor struct {
	commands           []string
	minRestartInterval time.Duration
	router             Router
	notifier           notify.Notifier
	logger             *slog.Logger

	mu       sync.Mutex
	state    State
	listener func(State)
}

// New creates a supervisor for the configured server
func New(server config.ServerConfig, router Router, notifier notify.Notifier, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		commands:           server.Run,
		minRestartInterval: server.MinRestartInterval(),
		router:             router,
		notifier:           notifier,
		logger:             logger,
		state:              StateIdle,
	}
}

// State returns the current lifecycle state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers a transition listener. Must be called before Run.
func (s *Supervisor) OnStateChange(listener func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = listener
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener(state)
	}
}

// Run drives the restart loop until ctx is cancelled. Before every launch
// the startup trigger fires and Run blocks until synchronization settles;
// destination failures are reported and the launch proceeds with whatever
// file sets are in place.
func (s *Supervisor) Run(ctx context.Context) error {
	first := true
	for {
		s.setState(StateStarting)

		outcomes := s.router.Fire(ctx, config.StartupTrigger)
		s.reportSyncFailures(ctx, outcomes)

		if ctx.Err() != nil {
			s.setState(StateStopped)
			return nil
		}

		if first {
			s.notify(ctx, notify.Event{Kind: notify.KindStarted, Message: "Starting up server..."})
		}

		start := time.Now()
		s.setState(StateRunning)
		codes, err := s.runSequence(ctx)

		if ctx.Err() != nil {
			s.setState(StateStopped)
			s.logger.Info("supervisor stopped")
			return nil
		}

		s.setState(StateExited)
		if err != nil {
			s.logger.Error("command sequence failed", "error", err)
		} else {
			s.logger.Info("server closed", "exit_codes", codes)
		}

		s.setState(StateRestarting)

		elapsed := time.Since(start)
		if elapsed < s.minRestartInterval {
			delay := s.minRestartInterval - elapsed
			s.logger.Warn("server exited quickly, delaying restart", "delay", delay)
			s.notify(ctx, notify.Event{
				Kind:    notify.KindRestarted,
				Message: fmt.Sprintf("Server restarted too quickly! Waiting for %d seconds...", int(delay.Seconds())),
			})

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				s.setState(StateStopped)
				return nil
			}
		} else {
			s.notify(ctx, notify.Event{Kind: notify.KindRestarted, Message: "Server closed! Restarting..."})
		}

		first = false
	}
}

// runSequence executes the configured commands strictly sequentially. A
// non-zero exit code is recorded and the sequence continues; a launch
// failure aborts the remainder of the sequence.
func (s *Supervisor) runSequence(ctx context.Context) ([]int, error) {
	codes := make([]int, 0, len(s.commands))
	for _, command := range s.commands {
		argv := strings.Fields(command)
		if len(argv) == 0 {
			continue
		}

		s.logger.Info("executing command", "command", command)

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Cancel = func() error {
			return cmd.Process.Signal(syscall.SIGTERM)
		}
		cmd.WaitDelay = termGrace

		err := cmd.Run()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			codes = append(codes, 0)
		case errors.As(err, &exitErr):
			codes = append(codes, exitErr.ExitCode())
			s.logger.Warn("command exited with error", "command", command, "code", exitErr.ExitCode())
		default:
			return codes, fmt.Errorf("failed to launch %q: %w", command, err)
		}
	}
	return codes, nil
}

// reportSyncFailures notifies about destinations that kept their previous
// file set
func (s *Supervisor) reportSyncFailures(ctx context.Context, outcomes map[string]syncer.Outcome) {
	for name, outcome := range outcomes {
		if !outcome.Failed() {
			continue
		}
		s.notify(ctx, notify.Event{
			Kind:    notify.KindSyncFailed,
			Message: fmt.Sprintf("Failed to sync %s... Keeping previous files!", name),
		})
	}
}

// notify delivers an event, logging delivery failures
func (s *Supervisor) notify(ctx context.Context, event notify.Event) {
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger.Warn("failed to deliver notification", "kind", event.Kind, "error", err)
	}
}
