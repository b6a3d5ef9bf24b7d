// Package workermanager owns the lifecycle of the goroutines that drain work
// queues. Prior art spawned one OS subprocess (an `rq worker`) per CPU/GPU
// worker slot; the engine is a single Go binary, so a worker here is a
// long-lived goroutine running the same dequeue-execute loop, started with
// its own context and stopped by canceling that context.
package workermanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nendo/actionengine/pkg/leaselock"
	"github.com/nendo/actionengine/pkg/log"
	"github.com/nendo/actionengine/pkg/metrics"
	"github.com/nendo/actionengine/pkg/store"
)

// Runner executes work units pulled from queues until ctx is canceled. It is
// implemented by pkg/workerruntime.Runtime; kept as an interface here so
// workermanager only depends on the shape it needs.
type Runner interface {
	RunLoop(ctx context.Context, queues []store.QueueName)
	RunGPULoop(ctx context.Context)
}

// Config bounds how many worker goroutines run per queue family.
type Config struct {
	NumUserCPUWorkers int
	NumGPUWorkers     int
	GPUSpawnerLeaseTTL time.Duration
}

// Manager spawns and tracks CPU and GPU worker goroutines.
type Manager struct {
	store  store.Store
	runner Runner
	lock   *leaselock.Lock
	logger zerolog.Logger
	cfg    Config

	mu         sync.Mutex
	cpuCancels map[string][]context.CancelFunc
	gpuCancels []context.CancelFunc
}

func New(st store.Store, runner Runner, lock *leaselock.Lock, cfg Config) *Manager {
	return &Manager{
		store:      st,
		runner:     runner,
		lock:       lock,
		logger:     log.WithComponent("workermanager"),
		cfg:        cfg,
		cpuCancels: make(map[string][]context.CancelFunc),
	}
}

// Init registers every already-known active user and brings their CPU
// workers up. Unlike the original's live-worker-queue-name scan (fragile:
// it only finds users who already have a worker running, so a brand-new
// user's first job never got one), active users are tracked explicitly in
// the store the moment a unit is first enqueued for them — see
// store.Store.RegisterActiveUser — so Init only needs to read that set back.
func (m *Manager) Init(ctx context.Context, activeUserIDs []string) error {
	for _, userID := range activeUserIDs {
		if err := m.SpawnCPUWorkers(ctx, userID); err != nil {
			return fmt.Errorf("spawning CPU workers for %s: %w", userID, err)
		}
	}
	return nil
}

// GetUserQueues returns userID's CPU and GPU queue names, mirroring the
// two-tuple the original worker manager returned.
func (m *Manager) GetUserQueues(userID string) (cpu, gpu store.QueueName) {
	return store.UserCPUQueue(userID), store.UserGPUQueue(userID)
}

// SpawnCPUWorkers brings userID's CPU worker count up to Config.NumUserCPUWorkers.
// It is idempotent: calling it again with workers already running is a no-op.
func (m *Manager) SpawnCPUWorkers(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := len(m.cpuCancels[userID])
	toSpawn := m.cfg.NumUserCPUWorkers - existing
	if toSpawn <= 0 {
		return nil
	}

	queue := store.UserCPUQueue(userID)
	for i := 0; i < toSpawn; i++ {
		workerCtx, cancel := context.WithCancel(ctx)
		m.cpuCancels[userID] = append(m.cpuCancels[userID], cancel)
		go m.runner.RunLoop(workerCtx, []store.QueueName{queue})
	}

	if err := m.store.RegisterActiveUser(ctx, userID); err != nil {
		return err
	}
	metrics.ActiveCPUWorkers.WithLabelValues(userID).Set(float64(len(m.cpuCancels[userID])))
	m.logger.Info().Str("user_id", userID).Int("spawned", toSpawn).Msg("spawned CPU workers")
	return nil
}

// SpawnGPUWorkers replaces the whole GPU worker pool: it signals every
// existing GPU worker goroutine to stop (by canceling its context, the
// goroutine equivalent of the original's send_shutdown_command to each
// `-gpu` worker process) and then spawns a fresh pool of
// Config.NumGPUWorkers goroutines. Only the process holding the
// "gpu-spawner" lease performs the respawn, so a second engine instance
// running against the same store never races to replace the pool out from
// under the first. Each call renews the lease if this process holds it and
// otherwise tries to acquire it; nothing renews it between calls, so it
// lapses one lease TTL after the last call.
func (m *Manager) SpawnGPUWorkers(ctx context.Context, userIDs []string) error {
	held, err := m.lock.Renew(ctx)
	if err == nil && !held {
		held, err = m.lock.TryAcquire(ctx)
	}
	if err != nil {
		return err
	}
	if !held {
		m.logger.Debug().Msg("GPU spawner lease held elsewhere, skipping respawn")
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cancel := range m.gpuCancels {
		cancel()
	}
	m.gpuCancels = nil

	for i := 0; i < m.cfg.NumGPUWorkers; i++ {
		workerCtx, cancel := context.WithCancel(ctx)
		m.gpuCancels = append(m.gpuCancels, cancel)
		go m.runner.RunGPULoop(workerCtx)
	}

	metrics.ActiveGPUWorkers.Set(float64(len(m.gpuCancels)))
	m.logger.Info().Int("count", m.cfg.NumGPUWorkers).Msg("spawned GPU workers")
	return nil
}

// Stop cancels every running worker goroutine, CPU and GPU alike.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cancels := range m.cpuCancels {
		for _, cancel := range cancels {
			cancel()
		}
	}
	m.cpuCancels = make(map[string][]context.CancelFunc)

	for _, cancel := range m.gpuCancels {
		cancel()
	}
	m.gpuCancels = nil
}

// ActiveCPUWorkerCount reports how many CPU worker goroutines are currently
// tracked for userID, for tests and diagnostics.
func (m *Manager) ActiveCPUWorkerCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cpuCancels[userID])
}

// ActiveGPUWorkerCount reports how many GPU worker goroutines are currently
// tracked, for tests and diagnostics.
func (m *Manager) ActiveGPUWorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.gpuCancels)
}
