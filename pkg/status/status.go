// Package status answers "what is this unit doing" and "stop this unit" for
// callers outside the engine (an HTTP handler, a CLI command). Authorization
// is a single check against store.Store.UnitIDsForUser: a unit ID that
// exists but isn't the caller's user is reported the same as one that
// doesn't exist at all, so a caller can never learn that a given ID is valid
// for someone else.
package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/nendo/actionengine/pkg/enginerr"
	"github.com/nendo/actionengine/pkg/log"
	"github.com/nendo/actionengine/pkg/store"
	"github.com/nendo/actionengine/pkg/types"
)

// ContainerKiller is the narrow container operation Cancel needs: killing
// and removing a unit's container if one is running. Implemented by
// pkg/runtime.ContainerdRuntime.
type ContainerKiller interface {
	Kill(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
}

// API answers status and cancellation requests.
type API struct {
	store      store.Store
	containers ContainerKiller
}

func New(st store.Store, containers ContainerKiller) *API {
	return &API{store: st, containers: containers}
}

func (a *API) authorize(ctx context.Context, userID, unitID string) error {
	ids, err := a.store.UnitIDsForUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == unitID {
			return nil
		}
	}
	return enginerr.ErrNotFound
}

// Status returns a single unit's current record, scoped to userID.
func (a *API) Status(ctx context.Context, userID, unitID string) (*types.WorkUnit, error) {
	if err := a.authorize(ctx, userID, unitID); err != nil {
		return nil, err
	}
	return a.store.GetUnit(ctx, unitID)
}

// AllStatuses returns every unit belonging to userID, across every queue and
// lifecycle registry.
func (a *API) AllStatuses(ctx context.Context, userID string) ([]*types.WorkUnit, error) {
	ids, err := a.store.UnitIDsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	units := make([]*types.WorkUnit, 0, len(ids))
	for _, id := range ids {
		unit, err := a.store.GetUnit(ctx, id)
		if err != nil {
			if errors.Is(err, enginerr.ErrNotFound) {
				continue
			}
			return nil, err
		}
		units = append(units, unit)
	}
	return units, nil
}

// Cancel stops a unit: if it hasn't started yet, it is marked Canceled
// directly (workerruntime checks for this before creating a container — see
// the cancel-before-create race guard there). If it's already running, its
// container is killed — never stopped gracefully; a SIGTERM a stuck process
// ignores would hang cancellation indefinitely — and removed, and the unit
// is marked Canceled regardless of whether the kill itself succeeded, since
// a container that's gone either way is not this caller's problem to retry.
func (a *API) Cancel(ctx context.Context, userID, unitID string) error {
	if err := a.authorize(ctx, userID, unitID); err != nil {
		return err
	}

	unit, err := a.store.GetUnit(ctx, unitID)
	if err != nil {
		return err
	}
	if unit.State.Terminal() {
		return fmt.Errorf("%w: unit %s already in terminal state %s", enginerr.ErrInvalidArgument, unitID, unit.State)
	}

	logger := log.WithUnitID(unitID)

	if unit.State == types.UnitStateStarted {
		if err := a.containers.Kill(ctx, unitID); err != nil {
			logger.Warn().Err(err).Msg("failed to kill container during cancel")
		}
		if err := a.containers.Remove(ctx, unitID); err != nil {
			logger.Warn().Err(err).Msg("failed to remove container during cancel")
		}
	}

	return a.store.Transition(ctx, unitID, types.UnitStateCanceled)
}
