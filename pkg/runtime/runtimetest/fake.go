// Package runtimetest provides an in-memory stand-in for pkg/runtime's
// ContainerdRuntime, so workerruntime's polling and cleanup logic can be
// exercised without a real containerd socket.
package runtimetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/nendo/actionengine/pkg/enginerr"
	"github.com/nendo/actionengine/pkg/types"
)

// FakeContainer is the scripted lifecycle of one container.
type FakeContainer struct {
	State    types.UnitState
	ExitCode uint32
	LogLines string

	// StatesAfterPoll, if set, is consumed one entry per Status() call,
	// starting with the first, letting a test simulate a container that
	// transitions from started to finished after N polls.
	StatesAfterPoll []types.UnitState
}

// Runtime is a scripted fake satisfying workerruntime.ContainerRuntime (and
// status's narrower kill/remove interface), built incrementally: set up
// expectations via Containers before calling CreateAndStart.
type Runtime struct {
	mu         sync.Mutex
	Containers map[string]*FakeContainer
	Removed    map[string]bool
	Killed     map[string]bool

	// CreateErr, if set, is returned by CreateAndStart unconditionally.
	CreateErr error
}

func New() *Runtime {
	return &Runtime{
		Containers: make(map[string]*FakeContainer),
		Removed:    make(map[string]bool),
		Killed:     make(map[string]bool),
	}
}

func (r *Runtime) CreateAndStart(_ context.Context, unit *types.WorkUnit) error {
	if r.CreateErr != nil {
		return r.CreateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.Containers[unit.ID]; !ok {
		r.Containers[unit.ID] = &FakeContainer{State: types.UnitStateStarted}
	}
	return nil
}

func (r *Runtime) Status(_ context.Context, id string) (types.UnitState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.Containers[id]
	if !ok {
		return "", fmt.Errorf("%w: container %s", enginerr.ErrNotFound, id)
	}
	if len(c.StatesAfterPoll) > 0 {
		c.State = c.StatesAfterPoll[0]
		c.StatesAfterPoll = c.StatesAfterPoll[1:]
	}
	return c.State, nil
}

func (r *Runtime) ExitCode(_ context.Context, id string) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.Containers[id]
	if !ok {
		return 0, fmt.Errorf("%w: container %s", enginerr.ErrNotFound, id)
	}
	return c.ExitCode, nil
}

func (r *Runtime) Logs(_ context.Context, id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.Containers[id]
	if !ok {
		return "", fmt.Errorf("%w: container %s", enginerr.ErrNotFound, id)
	}
	return c.LogLines, nil
}

func (r *Runtime) Kill(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Killed[id] = true
	return nil
}

func (r *Runtime) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Removed[id] = true
	delete(r.Containers, id)
	return nil
}

func (r *Runtime) Exec(_ context.Context, containerID, _ string, _ []string, _ map[string]string) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.Containers[containerID]
	if !ok {
		return 0, fmt.Errorf("%w: container %s", enginerr.ErrNotFound, containerID)
	}
	return c.ExitCode, nil
}

// GetByName resolves name to a container ID. The fake keys Containers by
// the name a test registered, so a known name is returned as its own ID.
func (r *Runtime) GetByName(_ context.Context, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.Containers[name]; !ok {
		return "", fmt.Errorf("%w: container %s", enginerr.ErrNotFound, name)
	}
	return name, nil
}
