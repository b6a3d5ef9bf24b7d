package dispatcher

import (
	"time"

	"github.com/nendo/actionengine/pkg/types"
)

// planChunks partitions the tracks resolved for a target into duration-bounded
// chunks. It is written as a single switch that only selects which track set
// to plan over — track, collection, or whole library — and then runs one
// packing algorithm for all three, so the three branches can never drift
// into different chunking behavior.
func planChunks(kind types.TargetKind, track *types.Track, collectionTracks, libraryTracks []*types.Track, maxChunkDuration, maxTrackDuration time.Duration) types.ChunkPlan {
	var tracks []*types.Track
	switch kind {
	case types.TargetKindTrack:
		tracks = []*types.Track{track}
	case types.TargetKindCollection:
		tracks = collectionTracks
	default:
		tracks = libraryTracks
	}

	var plan types.ChunkPlan
	var current types.ChunkCollection
	var currentDuration time.Duration

	for _, t := range tracks {
		d := time.Duration(t.Duration * float64(time.Second))
		if maxTrackDuration > 0 && d > maxTrackDuration {
			plan.Skipped = append(plan.Skipped, t.Title)
			continue
		}
		if len(current.TrackIDs) > 0 && maxChunkDuration > 0 && currentDuration+d > maxChunkDuration {
			plan.Chunks = append(plan.Chunks, current)
			current = types.ChunkCollection{}
			currentDuration = 0
		}
		current.TrackIDs = append(current.TrackIDs, t.ID)
		currentDuration += d
	}
	if len(current.TrackIDs) > 0 {
		plan.Chunks = append(plan.Chunks, current)
	}

	return plan
}
