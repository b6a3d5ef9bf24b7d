package runtime

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/nendo/actionengine/pkg/enginerr"
	"github.com/nendo/actionengine/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace the engine operates in.
	DefaultNamespace = "engine"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	labelContainerName = "engine.container_name"
)

// ContainerdRuntime implements container execution on top of containerd. One
// work unit maps to one ephemeral container: created, started, watched,
// collected, and removed by workerruntime — never reused across units.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string

	mu   sync.Mutex
	logs map[string]*logBuffer
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewContainerdRuntime creates a new containerd runtime client.
func NewContainerdRuntime(socketPath, namespace string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to containerd: %v", enginerr.ErrInfrastructure, err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: namespace,
		logs:      make(map[string]*logBuffer),
	}, nil
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// PullImage pulls a container image from a registry.
func (r *ContainerdRuntime) PullImage(ctx context.Context, imageRef string) error {
	ctx = r.ctx(ctx)
	if _, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("%w: pulling image %s: %v", enginerr.ErrInfrastructure, imageRef, err)
	}
	return nil
}

// specOpts builds the OCI spec options for a work unit, covering the GPU
// device-attach, ulimit, and IPC settings a chunk of audio processing needs
// when it has a GPU assigned: NVIDIA_VISIBLE_DEVICES env var for the
// nvidia-container-runtime hook to pick up (the containerd equivalent of the
// Docker SDK's per-container DeviceRequest), raised memlock and stack
// ulimits for CUDA context allocation, a larger /dev/shm for PyTorch's
// shared-memory tensors, and host IPC so multi-process dataloaders can use
// SysV shared memory across the namespace boundary.
func specOpts(unit *types.WorkUnit, image containerd.Image) ([]oci.SpecOpts, error) {
	env := make([]string, 0, len(unit.Env))
	for k, v := range unit.Env {
		env = append(env, k+"="+v)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithProcessArgs(unit.Command...),
	}

	var mounts []specs.Mount
	for _, b := range unit.Binds {
		opts := []string{"rbind"}
		if b.ReadOnly {
			opts = append(opts, "ro")
		} else {
			opts = append(opts, "rw")
		}
		mounts = append(mounts, specs.Mount{
			Source:      b.Source,
			Destination: b.Target,
			Type:        "bind",
			Options:     opts,
		})
	}

	if unit.GPU {
		env = append(env, "NVIDIA_VISIBLE_DEVICES=all", "NVIDIA_DRIVER_CAPABILITIES=all")
		opts[1] = oci.WithEnv(env)

		opts = append(opts,
			oci.WithRlimit(specs.POSIXRlimit{Type: "RLIMIT_MEMLOCK", Hard: ^uint64(0), Soft: ^uint64(0)}),
			oci.WithRlimit(specs.POSIXRlimit{Type: "RLIMIT_STACK", Hard: 67108864, Soft: 67108864}),
			oci.WithHostNamespace(specs.IPCNamespace),
		)

		mounts = append(mounts, specs.Mount{
			Source:      "shm",
			Destination: "/dev/shm",
			Type:        "tmpfs",
			Options:     []string{"nosuid", "noexec", "nodev", "size=1g"},
		})
	}

	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	return opts, nil
}

// CreateAndStart pulls unit.Image if needed, creates an ephemeral container
// named unit.ID, and starts it. Combined stdout+stderr is captured into an
// in-memory buffer available through Logs.
func (r *ContainerdRuntime) CreateAndStart(ctx context.Context, unit *types.WorkUnit) error {
	ctx = r.ctx(ctx)

	image, err := r.client.GetImage(ctx, unit.Image)
	if err != nil {
		image, err = r.client.Pull(ctx, unit.Image, containerd.WithPullUnpack)
		if err != nil {
			return fmt.Errorf("%w: pulling image %s: %v", enginerr.ErrInfrastructure, unit.Image, err)
		}
	}

	opts, err := specOpts(unit, image)
	if err != nil {
		return err
	}

	container, err := r.client.NewContainer(
		ctx,
		unit.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(unit.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(map[string]string{labelContainerName: unit.ContainerName}),
	)
	if err != nil {
		return fmt.Errorf("%w: creating container: %v", enginerr.ErrInfrastructure, err)
	}

	buf := &logBuffer{}
	r.mu.Lock()
	r.logs[unit.ID] = buf
	r.mu.Unlock()

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, buf, buf)))
	if err != nil {
		return fmt.Errorf("%w: creating task: %v", enginerr.ErrInfrastructure, err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("%w: starting task: %v", enginerr.ErrInfrastructure, err)
	}

	return nil
}

// Exec runs command inside an already-running container's namespace (Exec
// mode, as opposed to Run mode's fresh container per unit), waits for it to
// finish, and returns its exit code. Output is appended to the same log
// buffer CreateAndStart populates.
func (r *ContainerdRuntime) Exec(ctx context.Context, containerID, execID string, command []string, env map[string]string) (uint32, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("%w: loading container %s: %v", enginerr.ErrNotFound, containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: loading task for %s: %v", enginerr.ErrInfrastructure, containerID, err)
	}

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	spec, err := container.Spec(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: reading container spec: %v", enginerr.ErrInfrastructure, err)
	}
	process := *spec.Process
	process.Args = command
	process.Env = envList

	r.mu.Lock()
	buf, ok := r.logs[containerID]
	if !ok {
		buf = &logBuffer{}
		r.logs[containerID] = buf
	}
	r.mu.Unlock()

	execProcess, err := task.Exec(ctx, execID, &process, cio.NewCreator(cio.WithStreams(nil, buf, buf)))
	if err != nil {
		return 0, fmt.Errorf("%w: starting exec: %v", enginerr.ErrInfrastructure, err)
	}

	statusC, err := execProcess.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: waiting for exec: %v", enginerr.ErrInfrastructure, err)
	}

	if err := execProcess.Start(ctx); err != nil {
		return 0, fmt.Errorf("%w: starting exec process: %v", enginerr.ErrInfrastructure, err)
	}

	status := <-statusC
	return status.ExitCode(), nil
}

// Status reports whether the unit's task is still running.
func (r *ContainerdRuntime) Status(ctx context.Context, containerID string) (types.UnitState, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("%w: loading container %s: %v", enginerr.ErrNotFound, containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return types.UnitStateQueued, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: reading task status: %v", enginerr.ErrInfrastructure, err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		return types.UnitStateStarted, nil
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return types.UnitStateFinished, nil
		}
		return types.UnitStateFailed, nil
	default:
		return types.UnitStateQueued, nil
	}
}

// ExitCode returns the exit code of a stopped task.
func (r *ContainerdRuntime) ExitCode(ctx context.Context, containerID string) (uint32, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("%w: loading container %s: %v", enginerr.ErrNotFound, containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: loading task for %s: %v", enginerr.ErrInfrastructure, containerID, err)
	}
	status, err := task.Status(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: reading task status: %v", enginerr.ErrInfrastructure, err)
	}
	return status.ExitStatus, nil
}

// Logs returns the combined stdout+stderr captured for containerID so far.
// CreateAndStart wires the task's cio streams straight into an in-memory
// buffer per container.
func (r *ContainerdRuntime) Logs(_ context.Context, containerID string) (string, error) {
	r.mu.Lock()
	buf, ok := r.logs[containerID]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: no log buffer for container %s", enginerr.ErrNotFound, containerID)
	}
	return buf.String(), nil
}

// Kill sends SIGKILL directly, with no grace period. Cancellation needs to
// be immediate and guaranteed, not best-effort: a SIGTERM-then-wait dance can
// hang indefinitely against a container whose process ignores it, and a
// cancel request has no graceful-shutdown budget to spend.
func (r *ContainerdRuntime) Kill(ctx context.Context, containerID string) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil // already gone
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil // no task, nothing to kill
	}
	if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
		return fmt.Errorf("%w: killing task: %v", enginerr.ErrInfrastructure, err)
	}
	return nil
}

// Remove deletes the task (if any), the container, and its snapshot. It is
// idempotent: removing an already-removed or never-created container is not
// an error, so a caller can call it unconditionally from a defer covering
// every exit path.
func (r *ContainerdRuntime) Remove(ctx context.Context, containerID string) error {
	ctx = r.ctx(ctx)

	r.mu.Lock()
	delete(r.logs, containerID)
	r.mu.Unlock()

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}

	if task, err := container.Task(ctx, nil); err == nil {
		statusC, waitErr := task.Wait(ctx)
		_ = task.Kill(ctx, syscall.SIGKILL)
		if waitErr == nil {
			select {
			case <-statusC:
			case <-time.After(5 * time.Second):
			}
		}
		_, _ = task.Delete(ctx)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("%w: deleting container: %v", enginerr.ErrInfrastructure, err)
	}
	return nil
}

// GetByName finds a container by its human-readable container_name label
// rather than its containerd ID (the unit ID), for the caller that only has
// the friendly name on hand (workerruntime's Exec mode).
func (r *ContainerdRuntime) GetByName(ctx context.Context, name string) (string, error) {
	ctx = r.ctx(ctx)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: listing containers: %v", enginerr.ErrInfrastructure, err)
	}
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		if labels[labelContainerName] == name {
			return c.ID(), nil
		}
	}
	return "", enginerr.ErrNotFound
}

// ListContainers returns all container IDs in the engine namespace, used by
// orphan cleanup at startup.
func (r *ContainerdRuntime) ListContainers(ctx context.Context) ([]string, error) {
	ctx = r.ctx(ctx)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing containers: %v", enginerr.ErrInfrastructure, err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}
