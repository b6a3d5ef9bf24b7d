// Package library declares the narrow interface the dispatcher consumes from
// the Media Library: enough to resolve a target and materialize the
// temporary collections chunk planning produces. Everything else the Media
// Library does (search, embeddings, uploads, auth) is out of scope for the
// engine and lives in a different service entirely.
package library

import (
	"context"

	"github.com/nendo/actionengine/pkg/types"
)

// Library is the Media Library API surface the dispatcher calls into.
type Library interface {
	// GetTrack resolves a track ID. Returns enginerr.ErrNotFound if absent.
	GetTrack(ctx context.Context, id string) (*types.Track, error)

	// GetCollection resolves a collection ID, including its track list.
	// Returns enginerr.ErrNotFound if absent.
	GetCollection(ctx context.Context, id string) (*types.Collection, error)

	// AddCollection creates a new (typically temporary) collection owned by
	// userID holding trackIDs, and returns its ID.
	AddCollection(ctx context.Context, userID, name, collectionType string, trackIDs []string) (string, error)

	// AddTrackToCollection appends trackID to an existing collection.
	AddTrackToCollection(ctx context.Context, collectionID, trackID string) error

	// RemoveCollection deletes a collection (used to clean up a temporary
	// chunk collection if dispatch fails partway through).
	RemoveCollection(ctx context.Context, collectionID string) error

	// ListTracksInLibrary returns every track owned by userID, used when a
	// unit targets the whole library rather than one track or collection.
	ListTracksInLibrary(ctx context.Context, userID string) ([]*types.Track, error)
}
