package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nendo/actionengine/pkg/enginerr"
	"github.com/nendo/actionengine/pkg/types"
)

// registry names, mirroring the five RQ registries the dispatch logic was
// ported from: pending (the queue list itself), started, deferred, finished,
// failed.
const (
	registryStarted  = "started"
	registryDeferred = "deferred"
	registryFinished = "finished"
	registryFailed   = "failed"
)

const (
	keyActiveUsers = "engine:active_users"
	keyGPUCursor   = "engine:gpu_cursor"
)

func unitKey(id string) string     { return "engine:unit:" + id }
func queueKey(q QueueName) string  { return "engine:queue:" + string(q) }
func registryKey(name string) string { return "engine:registry:" + name }
func userUnitsKey(userID string) string { return "engine:user_units:" + userID }

// releaseScript compare-and-deletes a lease key only if its value still
// matches holderID, so a caller can never release (or renew) a lease it no
// longer holds.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// RedisStore implements Store against a Redis (or Redis-compatible, e.g.
// miniredis in tests) server.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore dials addr and returns a Store backed by it.
func NewRedisStore(addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: connecting to redis: %v", enginerr.ErrInfrastructure, err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreFromClient wraps an already-constructed client, so tests can
// point it at a miniredis instance.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) Enqueue(ctx context.Context, queue QueueName, unit *types.WorkUnit) error {
	unit.Queue = unitQueueFamily(queue)
	unit.State = types.UnitStateQueued
	unit.EnqueuedAt = timeNow()

	data, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("%w: marshaling unit: %v", enginerr.ErrInfrastructure, err)
	}

	// The unit key carries unit.JobTimeout as its initial expiry: a worker
	// that crashes before ever transitioning the unit out of queued/started
	// leaves behind a key Redis reaps on its own, instead of a record stuck
	// "started" forever. A zero JobTimeout disables this, matching the "0 =
	// none" convention the rest of the duration fields use.
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, unitKey(unit.ID), data, unit.JobTimeout)
	pipe.RPush(ctx, queueKey(queue), unit.ID)
	pipe.SAdd(ctx, userUnitsKey(unit.UserID), unit.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: enqueuing unit: %v", enginerr.ErrInfrastructure, err)
	}
	return nil
}

func unitQueueFamily(q QueueName) types.QueueFamily {
	if IsGPUQueue(q) {
		return types.QueueFamilyGPU
	}
	return types.QueueFamilyCPU
}

// Dequeue uses BLPOP across queues so a caller watching several FIFO queues
// wakes as soon as any of them has work, preserving per-queue FIFO order.
// BLPOP pops from the first non-empty queue in argument order, so earlier
// queues take priority over later ones.
// Callers that need round-robin fairness across a changing queue set (GPU
// dequeue) pass queues already rotated by RotateGPUQueues, so which queue
// goes first changes from call to call instead of always favoring the same
// one.
func (s *RedisStore) Dequeue(ctx context.Context, queues []QueueName, timeout time.Duration) (*types.WorkUnit, error) {
	if len(queues) == 0 {
		return nil, nil
	}
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = queueKey(q)
	}

	res, err := s.rdb.BLPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dequeuing: %v", enginerr.ErrInfrastructure, err)
	}
	// res[0] is the key that produced a value, res[1] is the unit ID.
	id := res[1]

	unit, err := s.GetUnit(ctx, id)
	if err != nil {
		return nil, err
	}
	// A unit can be canceled while still sitting in the queue list; don't
	// clobber that with Started once it's finally popped.
	if unit.State == types.UnitStateCanceled {
		return unit, nil
	}
	if err := s.Transition(ctx, id, types.UnitStateStarted); err != nil {
		return nil, err
	}
	unit.State = types.UnitStateStarted
	unit.StartedAt = timeNow()
	return unit, s.SaveUnit(ctx, unit)
}

func (s *RedisStore) GetUnit(ctx context.Context, id string) (*types.WorkUnit, error) {
	data, err := s.rdb.Get(ctx, unitKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, enginerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetching unit: %v", enginerr.ErrInfrastructure, err)
	}
	var unit types.WorkUnit
	if err := json.Unmarshal(data, &unit); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling unit: %v", enginerr.ErrInfrastructure, err)
	}
	return &unit, nil
}

// SaveUnit overwrites the unit's JSON record in place without touching its
// expiry: KEEPTTL preserves whatever Enqueue or Transition most recently set,
// so a mid-run progress update can't accidentally turn a unit immortal (the
// old unconditional TTL-0 write did exactly that on every single call).
func (s *RedisStore) SaveUnit(ctx context.Context, unit *types.WorkUnit) error {
	data, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("%w: marshaling unit: %v", enginerr.ErrInfrastructure, err)
	}
	if err := s.rdb.Set(ctx, unitKey(unit.ID), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("%w: saving unit: %v", enginerr.ErrInfrastructure, err)
	}
	return nil
}

func (s *RedisStore) Transition(ctx context.Context, id string, newState types.UnitState) error {
	unit, err := s.GetUnit(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	for _, reg := range []string{registryStarted, registryDeferred, registryFinished, registryFailed} {
		pipe.SRem(ctx, registryKey(reg), id)
	}
	switch newState {
	case types.UnitStateStarted:
		pipe.SAdd(ctx, registryKey(registryStarted), id)
	case types.UnitStateFinished:
		pipe.SAdd(ctx, registryKey(registryFinished), id)
	case types.UnitStateFailed, types.UnitStateCanceled, types.UnitStateStopped:
		pipe.SAdd(ctx, registryKey(registryFailed), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: updating registries: %v", enginerr.ErrInfrastructure, err)
	}

	unit.State = newState
	if newState.Terminal() {
		unit.EndedAt = timeNow()
	}
	if err := s.SaveUnit(ctx, unit); err != nil {
		return err
	}

	// A terminal unit's record is retained for RetentionPeriod and then
	// purged, replacing whatever job-timeout expiry Enqueue set (that
	// deadline no longer applies once the unit has actually finished).
	if newState.Terminal() {
		if unit.RetentionPeriod > 0 {
			if err := s.rdb.Expire(ctx, unitKey(id), unit.RetentionPeriod).Err(); err != nil {
				return fmt.Errorf("%w: setting result retention expiry: %v", enginerr.ErrInfrastructure, err)
			}
		} else if err := s.rdb.Persist(ctx, unitKey(id)).Err(); err != nil {
			return fmt.Errorf("%w: clearing result retention expiry: %v", enginerr.ErrInfrastructure, err)
		}
	}
	return nil
}

func (s *RedisStore) UnitIDsForUser(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, userUnitsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: listing user units: %v", enginerr.ErrInfrastructure, err)
	}
	return ids, nil
}

func (s *RedisStore) RegisterActiveUser(ctx context.Context, userID string) error {
	if err := s.rdb.SAdd(ctx, keyActiveUsers, userID).Err(); err != nil {
		return fmt.Errorf("%w: registering active user: %v", enginerr.ErrInfrastructure, err)
	}
	return nil
}

func (s *RedisStore) ActiveUsers(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, keyActiveUsers).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: listing active users: %v", enginerr.ErrInfrastructure, err)
	}
	return ids, nil
}

// RotateGPUQueues returns userIDs' GPU queues starting from a different
// offset on every call: it increments a shared cursor and uses it to rotate
// the slice before returning. A caller that dequeues from the result in
// order (BLPOP serves the first non-empty queue, left to right)
// therefore gives each user's queue the "goes first" slot in turn, which is
// what makes the GPU dequeue round-robin instead of always favoring
// whichever user happens to be first alphabetically or by registration
// order.
func (s *RedisStore) RotateGPUQueues(ctx context.Context, userIDs []string) ([]QueueName, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	cursor, err := s.rdb.Incr(ctx, keyGPUCursor).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: advancing gpu round-robin cursor: %v", enginerr.ErrInfrastructure, err)
	}

	n := len(userIDs)
	offset := int(cursor % int64(n))
	queues := make([]QueueName, n)
	for i := 0; i < n; i++ {
		queues[i] = UserGPUQueue(userIDs[(offset+i)%n])
	}
	return queues, nil
}

func (s *RedisStore) QueueDepth(ctx context.Context, queue QueueName) (int64, error) {
	n, err := s.rdb.LLen(ctx, queueKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: reading queue depth: %v", enginerr.ErrInfrastructure, err)
	}
	return n, nil
}

func (s *RedisStore) AcquireLease(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, "engine:lease:"+name, holderID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: acquiring lease: %v", enginerr.ErrInfrastructure, err)
	}
	return ok, nil
}

func (s *RedisStore) RenewLease(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, s.rdb, []string{"engine:lease:" + name}, holderID, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: renewing lease: %v", enginerr.ErrInfrastructure, err)
	}
	return res == 1, nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, name, holderID string) error {
	_, err := releaseScript.Run(ctx, s.rdb, []string{"engine:lease:" + name}, holderID).Result()
	if err != nil {
		return fmt.Errorf("%w: releasing lease: %v", enginerr.ErrInfrastructure, err)
	}
	return nil
}

// timeNow is a var so tests that need deterministic timestamps can override
// it; production code never touches it.
var timeNow = time.Now
