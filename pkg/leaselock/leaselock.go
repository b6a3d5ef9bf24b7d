// Package leaselock provides the single-leader election the worker manager
// needs before it spawns GPU workers: exactly one process at a time may hold
// the "gpu-spawner" role, so restarting GPU workers never races across two
// dispatcher instances.
//
// An exclusive-create lock file on local disk only works when every process
// that might race shares a filesystem. The engine instead leases the role
// through the work store
// (SET NX PX plus a Lua compare-and-renew, see store.Store.AcquireLease), so
// the lease is visible across every process sharing the same Redis. A local
// bbolt file records the time of each successful acquire, readable through
// FallbackHeldRecently; it never grants leadership, and TryAcquire returns
// the store's error when the store is unreachable.
package leaselock

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nendo/actionengine/pkg/enginerr"
	"github.com/nendo/actionengine/pkg/log"
	"github.com/nendo/actionengine/pkg/store"
)

var bucketLeases = []byte("leases")

// Lock is a renewable lease on a single named role.
type Lock struct {
	st       store.Store
	fallback *bolt.DB
	name     string
	holderID string
	ttl      time.Duration

	held bool
}

// New opens (creating if necessary) the local fallback marker file at
// fallbackPath and returns a Lock for name. holderID should be unique per
// process (e.g. hostname plus PID).
func New(st store.Store, fallbackPath, name, holderID string, ttl time.Duration) (*Lock, error) {
	db, err := bolt.Open(fallbackPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening lease fallback marker: %v", enginerr.ErrInfrastructure, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLeases)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: initializing lease fallback bucket: %v", enginerr.ErrInfrastructure, err)
	}

	return &Lock{st: st, fallback: db, name: name, holderID: holderID, ttl: ttl}, nil
}

func (l *Lock) Close() error {
	return l.fallback.Close()
}

// TryAcquire attempts to become the holder. On success it records the win in
// the local fallback marker so a future cold start (store unreachable) has
// something to consult instead of assuming leadership.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.st.AcquireLease(ctx, l.name, l.holderID, l.ttl)
	if err != nil {
		return false, err
	}
	l.held = ok
	if ok {
		l.recordFallback()
	}
	return ok, nil
}

// Renew extends the lease if still held, and clears the in-memory held flag
// if another holder has since taken it (e.g. after a network partition let
// the lease expire).
func (l *Lock) Renew(ctx context.Context) (bool, error) {
	ok, err := l.st.RenewLease(ctx, l.name, l.holderID, l.ttl)
	if err != nil {
		return false, err
	}
	l.held = ok
	return ok, nil
}

// Release gives up the lease early (e.g. on graceful shutdown).
func (l *Lock) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	l.held = false
	return l.st.ReleaseLease(ctx, l.name, l.holderID)
}

// Held reports whether this process currently believes it holds the lease,
// based on the last TryAcquire/Renew result.
func (l *Lock) Held() bool {
	return l.held
}

// FallbackHeldRecently reports whether this process won the lease recently
// according to the local marker, for use only when the store is completely
// unreachable at startup. It never grants leadership by itself — it is a
// signal to log and back off, not to proceed.
func (l *Lock) FallbackHeldRecently(within time.Duration) bool {
	var at time.Time
	_ = l.fallback.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		v := b.Get([]byte(l.name))
		if v == nil {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, string(v))
		if err == nil {
			at = t
		}
		return nil
	})
	if at.IsZero() {
		return false
	}
	return time.Since(at) < within
}

func (l *Lock) recordFallback() {
	err := l.fallback.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		return b.Put([]byte(l.name), []byte(time.Now().Format(time.RFC3339Nano)))
	})
	if err != nil {
		log.WithComponent("leaselock").Warn().Err(err).Msg("failed to record lease fallback marker")
	}
}
