// Package dispatcher plans and enqueues work units. Submit is the Go
// counterpart of the original action handler's create_docker_action: resolve
// a target (track, collection, or none), optionally partition it into
// duration-bounded chunks, build one work unit per resulting piece, and
// enqueue each on the right queue for its user.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nendo/actionengine/pkg/enginerr"
	"github.com/nendo/actionengine/pkg/library"
	"github.com/nendo/actionengine/pkg/log"
	"github.com/nendo/actionengine/pkg/metrics"
	"github.com/nendo/actionengine/pkg/store"
	"github.com/nendo/actionengine/pkg/types"
)

// Fixed in-container mount points. These are invariants of the image every
// work unit runs, not configuration: only their host-side sources vary.
const (
	containerScriptMountPath = "/home/nendo/run.py"
	containerCacheMountPath  = "/home/nendo/.cache/"
)

// Limits bounds chunk planning; callers typically populate this from
// pkg/config.
type Limits struct {
	MaxChunkDuration time.Duration
	MaxTrackDuration time.Duration
}

// ContainerDefaults carries every engine-wide value baked into a work unit's
// bind mounts and environment. These are invariants a dispatch caller can
// layer its own Env on top of but never override.
type ContainerDefaults struct {
	LibraryHostPath       string
	ContainerLibraryPath  string
	ScriptsHostPath       string
	HFModelsCacheHostPath string

	LibraryPlugin string
	LogLevel      string

	PostgresHost     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string

	// UseGPU is the master switch: false coerces every request's GPU flag
	// off regardless of what the caller asked for.
	UseGPU bool

	AutoResample  bool
	DefaultSR     int
	CopyToLibrary bool
	AutoConvert   bool
	SkipDuplicate bool
}

// Dispatcher plans and enqueues work units.
type Dispatcher struct {
	store      store.Store
	library    library.Library
	limits     Limits
	containers ContainerDefaults
}

func New(st store.Store, lib library.Library, limits Limits, containers ContainerDefaults) *Dispatcher {
	return &Dispatcher{store: st, library: lib, limits: limits, containers: containers}
}

// SubmitRequest describes one dispatch call.
type SubmitRequest struct {
	UserID     string
	ActionName string
	TargetID   string // track or collection ID; empty means "no target"

	ChunkActions     bool
	RunWithoutTarget bool
	GPU              bool

	Image      string
	ScriptPath string // relative to ContainerDefaults.ScriptsHostPath
	Params     map[string]Param
	Env        map[string]string
	ExecRun    bool

	Plugins           []string
	ReplacePluginData bool

	WatchdogTimeout time.Duration
	JobTimeout      time.Duration
	RetentionPeriod time.Duration
}

// Submit resolves req.TargetID, plans chunks if requested, and enqueues one
// work unit per resulting target collection. It returns the ID of every unit
// created, in enqueue order. If any step after the temporary collections are
// created fails, every collection this call created (and not yet handed off
// to an enqueued unit) is removed before the error is returned: a partial
// dispatch never leaves orphaned temp collections behind.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) ([]string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchLatency)

	logger := log.WithUserID(req.UserID)

	kind, track, collection, err := d.resolveTarget(ctx, req.TargetID)
	if err != nil {
		return nil, err
	}

	// The GPU master switch overrides whatever the caller asked for: with
	// it off, every unit runs CPU-only and chunk planning (which only
	// applies to GPU dispatch) never kicks in.
	effectiveGPU := req.GPU && d.containers.UseGPU

	targetCollectionIDs, owned, skipped, err := d.planTargetCollections(ctx, req, effectiveGPU, kind, track, collection)
	if err != nil {
		return nil, err
	}

	if len(skipped) > 0 {
		metrics.TracksSkippedTotal.Add(float64(len(skipped)))
		logger.Warn().Int("skipped_count", len(skipped)).Msg("tracks excluded from chunk plan for exceeding max track duration")
	}
	metrics.ChunkCount.Observe(float64(len(targetCollectionIDs)))

	if err := d.store.RegisterActiveUser(ctx, req.UserID); err != nil {
		d.removeOwnedCollections(ctx, owned)
		return nil, err
	}

	queue := store.UserCPUQueue(req.UserID)
	if effectiveGPU {
		queue = store.UserGPUQueue(req.UserID)
	}

	binds := d.buildBinds(req)

	unitIDs := make([]string, 0, len(targetCollectionIDs))
	for i, targetCollectionID := range targetCollectionIDs {
		jobID := fmt.Sprintf("%s_%d", uuid.NewString(), i)

		params := make(map[string]Param, len(req.Params)+1)
		for k, v := range req.Params {
			params[k] = v
		}
		if targetCollectionID != "" {
			params["target_id"] = IDParam(targetCollectionID)
		}

		command, err := EncodeCommand(req.UserID, jobID, params)
		if err != nil {
			d.removeOwnedCollections(ctx, owned[i:])
			return nil, err
		}

		env, err := d.buildEnv(req, effectiveGPU)
		if err != nil {
			d.removeOwnedCollections(ctx, owned[i:])
			return nil, err
		}

		unit := &types.WorkUnit{
			ID:              jobID,
			UserID:          req.UserID,
			Image:           req.Image,
			Command:         command,
			Env:             env,
			Binds:           binds,
			GPU:             effectiveGPU,
			ExecRun:         req.ExecRun,
			ContainerName:   jobID,
			WatchdogTimeout: req.WatchdogTimeout,
			JobTimeout:      req.JobTimeout,
			RetentionPeriod: req.RetentionPeriod,
			Meta: types.Meta{
				ActionName: req.ActionName,
				Parameters: fmt.Sprintf("%+v", req.Params),
				Target: types.TargetDescriptor{
					TargetType: kind,
					TargetID:   targetCollectionID,
				},
			},
		}

		if err := d.store.Enqueue(ctx, queue, unit); err != nil {
			d.removeOwnedCollections(ctx, owned[i:])
			return nil, err
		}
		metrics.WorkUnitsEnqueuedTotal.WithLabelValues(string(unit.Queue)).Inc()
		unitIDs = append(unitIDs, jobID)

		// Only the last unit carries the skipped-track report, matching the
		// behavior of the system this was ported from: callers poll the
		// last unit's status to learn about the whole dispatch.
		if i == len(targetCollectionIDs)-1 && len(skipped) > 0 {
			for _, title := range skipped {
				unit.Meta.Errors = append(unit.Meta.Errors, fmt.Sprintf("Skipped %s: Too long.", title))
			}
			if err := d.store.SaveUnit(ctx, unit); err != nil {
				return nil, err
			}
		}
	}

	return unitIDs, nil
}

// buildBinds composes the three mounts every container needs: the library
// (rw), the action's script at the image's fixed entrypoint location (ro),
// and the shared model cache (rw). Without these, specOpts has nothing to
// attach and the container's python run.py has no run.py to execute.
func (d *Dispatcher) buildBinds(req SubmitRequest) []types.VolumeBind {
	return []types.VolumeBind{
		{Source: d.containers.LibraryHostPath, Target: d.containers.ContainerLibraryPath, ReadOnly: false},
		{Source: filepath.Join(d.containers.ScriptsHostPath, req.ScriptPath), Target: containerScriptMountPath, ReadOnly: true},
		{Source: d.containers.HFModelsCacheHostPath, Target: containerCacheMountPath, ReadOnly: false},
	}
}

// buildEnv merges the caller's Env under the engine-defined keys spec'd as
// mandatory: LIBRARY_PLUGIN, LIBRARY_PATH, LOG_LEVEL, USER_ID, PLUGINS,
// Postgres coordinates, USE_GPU, and the audio-import policy flags. The
// engine keys are assigned last and therefore always win — a caller can add
// extra env vars but cannot override the library/runtime invariants the
// container depends on.
func (d *Dispatcher) buildEnv(req SubmitRequest, effectiveGPU bool) (map[string]string, error) {
	pluginsJSON, err := json.Marshal(req.Plugins)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding plugins: %v", enginerr.ErrInvalidArgument, err)
	}

	env := make(map[string]string, len(req.Env)+16)
	for k, v := range req.Env {
		env[k] = v
	}

	env["LIBRARY_PLUGIN"] = d.containers.LibraryPlugin
	env["LIBRARY_PATH"] = d.containers.ContainerLibraryPath
	env["LOG_LEVEL"] = d.containers.LogLevel
	env["USER_ID"] = req.UserID
	env["PLUGINS"] = string(pluginsJSON)
	env["POSTGRES_HOST"] = d.containers.PostgresHost
	env["POSTGRES_USER"] = d.containers.PostgresUser
	env["POSTGRES_PASSWORD"] = d.containers.PostgresPassword
	env["POSTGRES_DB"] = d.containers.PostgresDB
	env["USE_GPU"] = strconv.FormatBool(effectiveGPU)
	env["REPLACE_PLUGIN_DATA"] = strconv.FormatBool(req.ReplacePluginData)
	env["AUTO_RESAMPLE"] = strconv.FormatBool(d.containers.AutoResample)
	env["DEFAULT_SR"] = strconv.Itoa(d.containers.DefaultSR)
	env["COPY_TO_LIBRARY"] = strconv.FormatBool(d.containers.CopyToLibrary)
	env["AUTO_CONVERT"] = strconv.FormatBool(d.containers.AutoConvert)
	env["SKIP_DUPLICATE"] = strconv.FormatBool(d.containers.SkipDuplicate)
	return env, nil
}

// removeOwnedCollections deletes every non-empty collection ID in ids,
// logging (not failing) on error: this runs during error-path cleanup, where
// the original error is already what gets returned to the caller.
func (d *Dispatcher) removeOwnedCollections(ctx context.Context, ids []string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if err := d.library.RemoveCollection(ctx, id); err != nil {
			log.WithComponent("dispatcher").Warn().Err(err).Str("collection_id", id).
				Msg("failed to remove temporary collection during dispatch rollback")
		}
	}
}

func (d *Dispatcher) resolveTarget(ctx context.Context, targetID string) (types.TargetKind, *types.Track, *types.Collection, error) {
	if targetID == "" {
		return types.TargetKindNone, nil, nil, nil
	}

	track, err := d.library.GetTrack(ctx, targetID)
	if err == nil {
		return types.TargetKindTrack, track, nil, nil
	}
	if !isNotFound(err) {
		return "", nil, nil, err
	}

	collection, err := d.library.GetCollection(ctx, targetID)
	if err == nil {
		return types.TargetKindCollection, nil, collection, nil
	}
	if !isNotFound(err) {
		return "", nil, nil, err
	}

	return "", nil, nil, fmt.Errorf("%w: target %s is neither a track nor a collection", enginerr.ErrNotFound, targetID)
}

func isNotFound(err error) bool {
	return errors.Is(err, enginerr.ErrNotFound)
}

// planTargetCollections resolves which temporary collection IDs the unit
// loop should dispatch one job per, alongside a parallel owned slice marking
// which of those IDs this call created (and must therefore be cleaned up if
// later dispatch steps fail) versus which were merely reused (an existing
// collection, or the no-target sentinel) and so are never this call's to
// remove. When chunking is disabled (or not applicable — no GPU, or
// explicitly run without a target), this collapses to a single temp
// collection holding the whole target, the collection itself, or the
// literal no-target sentinel, mirroring the original's non-chunked fallback
// path exactly.
func (d *Dispatcher) planTargetCollections(ctx context.Context, req SubmitRequest, effectiveGPU bool, kind types.TargetKind, track *types.Track, collection *types.Collection) (ids, owned, skipped []string, err error) {
	if req.RunWithoutTarget {
		return []string{""}, []string{""}, nil, nil
	}

	if req.ChunkActions && effectiveGPU {
		collectionTracks, libraryTracks, err := d.resolveTrackSets(ctx, req.UserID, kind, collection)
		if err != nil {
			return nil, nil, nil, err
		}

		plan := planChunks(kind, track, collectionTracks, libraryTracks, d.limits.MaxChunkDuration, d.limits.MaxTrackDuration)

		created := make([]string, 0, len(plan.Chunks))
		for _, chunk := range plan.Chunks {
			id, err := d.library.AddCollection(ctx, req.UserID, "chunk", "temp", chunk.TrackIDs)
			if err != nil {
				// Any chunk collections already created this call are now
				// orphaned: nothing downstream will ever reference them.
				d.removeOwnedCollections(ctx, created)
				return nil, nil, nil, err
			}
			created = append(created, id)
		}
		return created, append([]string(nil), created...), plan.Skipped, nil
	}

	switch kind {
	case types.TargetKindTrack:
		id, err := d.library.AddCollection(ctx, req.UserID, "temp", "temp", []string{track.ID})
		if err != nil {
			return nil, nil, nil, err
		}
		return []string{id}, []string{id}, nil, nil
	case types.TargetKindCollection:
		// Reuse the existing collection rather than copying it: nothing
		// owned here to clean up on a later failure.
		return []string{collection.ID}, []string{""}, nil, nil
	default:
		tracks, err := d.library.ListTracksInLibrary(ctx, req.UserID)
		if err != nil {
			return nil, nil, nil, err
		}
		ids := make([]string, 0, len(tracks))
		for _, t := range tracks {
			ids = append(ids, t.ID)
		}
		id, err := d.library.AddCollection(ctx, req.UserID, "temp", "temp", ids)
		if err != nil {
			return nil, nil, nil, err
		}
		return []string{id}, []string{id}, nil, nil
	}
}

func (d *Dispatcher) resolveTrackSets(ctx context.Context, userID string, kind types.TargetKind, collection *types.Collection) (collectionTracks, libraryTracks []*types.Track, err error) {
	switch kind {
	case types.TargetKindCollection:
		collectionTracks = make([]*types.Track, 0, len(collection.TrackIDs))
		for _, id := range collection.TrackIDs {
			t, err := d.library.GetTrack(ctx, id)
			if err != nil {
				return nil, nil, err
			}
			collectionTracks = append(collectionTracks, t)
		}
		return collectionTracks, nil, nil
	case types.TargetKindTrack:
		return nil, nil, nil
	default:
		libraryTracks, err = d.library.ListTracksInLibrary(ctx, userID)
		return nil, libraryTracks, err
	}
}
