// Package store defines the work store: the shared, cross-process record of
// every work unit, its per-queue position, and its lifecycle registry
// membership. A dispatcher process enqueues units; worker goroutines in a
// different process (or the same one) dequeue and execute them; a status API
// in yet another process reads them back. None of that is possible against
// in-memory state, so the store is the one piece of shared infrastructure
// every other package in the module depends on.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/nendo/actionengine/pkg/types"
)

// QueueName identifies a single FIFO queue: a per-user CPU queue, or a
// per-user GPU queue.
type QueueName string

// UserCPUQueue returns the queue name for a user's CPU queue.
func UserCPUQueue(userID string) QueueName {
	return QueueName("cpu:" + userID)
}

// gpuQueueSuffix marks a queue name as a per-user GPU queue, matching the
// "<uid>-gpu" naming the config table and worker manager commit to.
const gpuQueueSuffix = "-gpu"

// UserGPUQueue returns the queue name for a user's GPU queue. GPU work is
// never pooled into one shared queue: a heavy user's units must never be
// able to starve another user's, which a single FIFO queue cannot prevent.
func UserGPUQueue(userID string) QueueName {
	return QueueName(userID + gpuQueueSuffix)
}

// IsGPUQueue reports whether q is a per-user GPU queue.
func IsGPUQueue(q QueueName) bool {
	return strings.HasSuffix(string(q), gpuQueueSuffix)
}

// Store is the interface every package that touches work-unit state programs
// against. RedisStore is the only production implementation; tests substitute
// a miniredis-backed RedisStore rather than a separate fake, since the
// semantics (blocking pop order, registry membership) are the thing under
// test.
type Store interface {
	// Enqueue appends a unit to the tail of queue and records it pending.
	Enqueue(ctx context.Context, queue QueueName, unit *types.WorkUnit) error

	// Dequeue blocks up to timeout for a unit to become available on any of
	// queues, tried in order, and moves it from pending to started. It
	// returns (nil, nil) on timeout with no error.
	Dequeue(ctx context.Context, queues []QueueName, timeout time.Duration) (*types.WorkUnit, error)

	// GetUnit fetches a unit by ID regardless of its current registry.
	GetUnit(ctx context.Context, id string) (*types.WorkUnit, error)

	// SaveUnit overwrites a unit's stored record in place (state, meta,
	// timestamps) without touching queue or registry membership.
	SaveUnit(ctx context.Context, unit *types.WorkUnit) error

	// Transition moves a unit from its current registry to the registry
	// matching newState, updating its State field and timestamps.
	Transition(ctx context.Context, id string, newState types.UnitState) error

	// UnitIDsForUser returns every unit ID belonging to userID across both
	// queues and all five lifecycle registries (pending, started, deferred,
	// finished, failed).
	UnitIDsForUser(ctx context.Context, userID string) ([]string, error)

	// RegisterActiveUser records that userID has at least one unit that has
	// ever been enqueued, so the worker manager knows to spawn CPU workers
	// for it without scanning live worker queue names.
	RegisterActiveUser(ctx context.Context, userID string) error

	// ActiveUsers returns every user ID ever registered via
	// RegisterActiveUser.
	ActiveUsers(ctx context.Context) ([]string, error)

	// QueueDepth returns the number of units currently pending on queue.
	QueueDepth(ctx context.Context, queue QueueName) (int64, error)

	// RotateGPUQueues returns userIDs' GPU queues (via UserGPUQueue) rotated
	// by an internal cursor that advances on every call, so a caller that
	// dequeues from the returned slice in order gives every user's GPU queue
	// an equal turn at going first, rather than always checking the same
	// user's queue before any other.
	RotateGPUQueues(ctx context.Context, userIDs []string) ([]QueueName, error)

	// AcquireLease attempts to become the holder of name for ttl, returning
	// true if acquired. holderID identifies the caller for diagnostics and
	// for the compare-and-renew check in RenewLease.
	AcquireLease(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error)

	// RenewLease extends the lease only if holderID still holds it.
	RenewLease(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error)

	// ReleaseLease releases the lease only if holderID still holds it.
	ReleaseLease(ctx context.Context, name, holderID string) error

	Close() error
}
