// Package workerruntime executes individual work units: dequeue, create and
// start an ephemeral container (or exec into a persistent one), poll it to
// completion or timeout, collect its result, and guarantee the container is
// removed on every exit path. Container release is scoped with a single
// defer registered the instant CreateAndStart succeeds, and a failed
// CreateAndStart removes whatever it left behind, so no exit path (success,
// failure, timeout, cancellation, panic) can leak a container.
package workerruntime

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nendo/actionengine/pkg/enginerr"
	"github.com/nendo/actionengine/pkg/log"
	"github.com/nendo/actionengine/pkg/metrics"
	"github.com/nendo/actionengine/pkg/store"
	"github.com/nendo/actionengine/pkg/types"
)

// pollInterval is how often a running unit's container status is checked.
// Watchdog and cancellation response time is therefore accurate to within
// ±pollInterval, not exact — a tradeoff made deliberately for a simple
// polling loop over a containerd event subscription.
const pollInterval = 2 * time.Second

// ContainerRuntime is the subset of pkg/runtime.ContainerdRuntime the worker
// loop needs, narrowed to an interface so tests run against
// runtimetest.Runtime instead of a real containerd socket.
type ContainerRuntime interface {
	CreateAndStart(ctx context.Context, unit *types.WorkUnit) error
	Status(ctx context.Context, containerID string) (types.UnitState, error)
	ExitCode(ctx context.Context, containerID string) (uint32, error)
	Logs(ctx context.Context, containerID string) (string, error)
	Exec(ctx context.Context, containerID, execID string, command []string, env map[string]string) (uint32, error)
	Kill(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	GetByName(ctx context.Context, name string) (string, error)
}

// Runtime drains one or more queues, executing every unit it dequeues.
type Runtime struct {
	store      store.Store
	containers ContainerRuntime
}

func New(st store.Store, containers ContainerRuntime) *Runtime {
	return &Runtime{store: st, containers: containers}
}

// RunLoop implements workermanager.Runner: dequeue and execute until ctx is
// canceled.
func (r *Runtime) RunLoop(ctx context.Context, queues []store.QueueName) {
	logger := log.WithComponent("workerruntime")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		unit, err := r.store.Dequeue(ctx, queues, 5*time.Second)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return
			}
			logger.Error().Err(err).Msg("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if unit == nil {
			continue
		}

		r.execute(ctx, unit)
	}
}

// RunGPULoop implements workermanager.Runner's GPU side: dequeue and execute
// GPU work until ctx is canceled, re-rotating the active users' GPU queues
// before every dequeue so no single user's backlog can monopolize the GPU.
// A static queue list (RunLoop's shape) can't give this guarantee — the
// rotation has to be re-read every iteration since which users are active,
// and whose turn is next, both change while the loop runs.
func (r *Runtime) RunGPULoop(ctx context.Context) {
	logger := log.WithComponent("workerruntime")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		userIDs, err := r.store.ActiveUsers(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("listing active users failed")
			time.Sleep(time.Second)
			continue
		}
		if len(userIDs) == 0 {
			time.Sleep(time.Second)
			continue
		}

		queues, err := r.store.RotateGPUQueues(ctx, userIDs)
		if err != nil {
			logger.Error().Err(err).Msg("rotating gpu queues failed")
			time.Sleep(time.Second)
			continue
		}

		unit, err := r.store.Dequeue(ctx, queues, 5*time.Second)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return
			}
			logger.Error().Err(err).Msg("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if unit == nil {
			continue
		}

		r.execute(ctx, unit)
	}
}

func (r *Runtime) execute(ctx context.Context, unit *types.WorkUnit) {
	logger := log.WithUnitID(unit.ID).With().Str("user_id", unit.UserID).Logger()

	// Guard the cancel-before-create race: a cancel request issued the
	// instant this unit left the queue has nothing to kill yet (the
	// container doesn't exist), so it marks the unit Canceled in the store
	// directly. Check for that before doing any container work.
	if fresh, err := r.store.GetUnit(ctx, unit.ID); err == nil && fresh.State == types.UnitStateCanceled {
		logger.Info().Msg("unit canceled before execution started")
		return
	}

	if unit.ExecRun {
		r.executeExec(ctx, unit, logger)
		return
	}

	if err := r.containers.CreateAndStart(ctx, unit); err != nil {
		// Task creation or start can fail after the container itself was
		// created; Remove is idempotent, so clear it either way.
		if rmErr := r.containers.Remove(context.Background(), unit.ID); rmErr != nil {
			logger.Warn().Err(rmErr).Msg("failed to remove container")
		}
		r.failInfrastructure(ctx, unit, err)
		return
	}

	defer func() {
		if err := r.containers.Remove(context.Background(), unit.ID); err != nil {
			logger.Warn().Err(err).Msg("failed to remove container")
		}
	}()

	r.watch(ctx, unit, unit.ID, logger)
}

func (r *Runtime) executeExec(ctx context.Context, unit *types.WorkUnit, logger zerolog.Logger) {
	containerID, err := r.containers.GetByName(ctx, unit.ContainerName)
	if err != nil {
		r.failInfrastructure(ctx, unit, err)
		return
	}

	exitCode, err := r.containers.Exec(ctx, containerID, unit.ID, unit.Command, unit.Env)
	if err != nil {
		r.failInfrastructure(ctx, unit, err)
		return
	}

	logs, _ := r.containers.Logs(ctx, containerID)
	r.finishFromExitCode(ctx, unit, exitCode, logs, logger)
}

func (r *Runtime) watch(ctx context.Context, unit *types.WorkUnit, containerID string, logger zerolog.Logger) {
	var deadline time.Time
	if unit.WatchdogTimeout > 0 {
		deadline = time.Now().Add(unit.WatchdogTimeout)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = r.containers.Kill(context.Background(), containerID)
			return
		case <-ticker.C:
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			metrics.ContainerWatchdogTimeoutsTotal.Inc()
			_ = r.containers.Kill(context.Background(), containerID)
			logs, _ := r.containers.Logs(context.Background(), containerID)
			r.finish(context.Background(), unit, types.UnitStateStopped, &enginerr.TimedOutError{Tail: tailLines(logs, 5)})
			return
		}

		if fresh, err := r.store.GetUnit(ctx, unit.ID); err == nil && fresh.State == types.UnitStateCanceled {
			_ = r.containers.Kill(context.Background(), containerID)
			logger.Info().Msg("unit canceled while running")
			return
		}

		status, err := r.containers.Status(ctx, containerID)
		if err != nil {
			logger.Error().Err(err).Msg("status check failed")
			continue
		}
		if status == types.UnitStateStarted {
			continue
		}

		logs, _ := r.containers.Logs(context.Background(), containerID)
		exitCode, _ := r.containers.ExitCode(context.Background(), containerID)
		r.finishFromExitCode(context.Background(), unit, exitCode, logs, logger)
		return
	}
}

func (r *Runtime) finishFromExitCode(ctx context.Context, unit *types.WorkUnit, exitCode uint32, logs string, logger zerolog.Logger) {
	if exitCode != 0 {
		r.finish(ctx, unit, types.UnitStateFailed, &enginerr.ExecutionFailedError{Tail: tailLines(logs, 5)})
		return
	}

	// Prefer a structured progress result written to the unit's metadata
	// over the raw log tail, if one is present: a plugin that reports
	// progress through the store gives a precise result, where the log tail
	// is a best-effort fallback for plugins that only print to stdout.
	result := lastResultLine(logs)
	if fresh, err := r.store.GetUnit(ctx, unit.ID); err == nil && fresh.Meta.Progress != "" {
		result = fresh.Meta.Progress
	}
	unit.Meta.Result = result
	r.finish(ctx, unit, types.UnitStateFinished, nil)
}

func (r *Runtime) finish(ctx context.Context, unit *types.WorkUnit, state types.UnitState, finishErr error) {
	if finishErr != nil {
		unit.Meta.ExcInfo = finishErr.Error()
	}
	if err := r.store.SaveUnit(ctx, unit); err != nil {
		log.Error("failed to save unit before transition: " + err.Error())
	}
	if err := r.store.Transition(ctx, unit.ID, state); err != nil {
		log.Error("failed to transition unit: " + err.Error())
		return
	}
	metrics.WorkUnitsFinishedTotal.WithLabelValues(string(state)).Inc()
}

func (r *Runtime) failInfrastructure(ctx context.Context, unit *types.WorkUnit, err error) {
	logger := log.WithUnitID(unit.ID)
	logger.Error().Err(err).Msg("execution failed before container could be watched")
	unit.Meta.ExcInfo = err.Error()
	r.finish(ctx, unit, types.UnitStateFailed, nil)
}

// tailLines returns the last n non-empty lines of logs. logs is the
// container's combined stdout and stderr, so the tail can hold lines from
// either stream.
func tailLines(logs string, n int) []string {
	lines := nonEmptyLines(logs)
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

// lastResultLine returns the final meaningful line of a unit's combined
// output: its last non-empty line, or the line before it if the very last
// line written was blank (a trailing newline from print()).
func lastResultLine(logs string) string {
	lines := strings.Split(logs, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

func nonEmptyLines(logs string) []string {
	var out []string
	for _, l := range strings.Split(logs, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}
