// Package librarytest is an in-memory library.Library used by dispatcher
// tests, modeled as a hand-written fake rather than a mock since the
// dispatcher's chunk planner depends on real collection/track mutation
// semantics, not just call recording.
package librarytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nendo/actionengine/pkg/enginerr"
	"github.com/nendo/actionengine/pkg/types"
)

type Library struct {
	mu          sync.Mutex
	Tracks      map[string]*types.Track
	Collections map[string]*types.Collection
}

func New() *Library {
	return &Library{
		Tracks:      make(map[string]*types.Track),
		Collections: make(map[string]*types.Collection),
	}
}

func (l *Library) AddTrack(t *types.Track) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Tracks[t.ID] = t
}

func (l *Library) AddExistingCollection(c *types.Collection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Collections[c.ID] = c
}

func (l *Library) GetTrack(_ context.Context, id string) (*types.Track, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.Tracks[id]
	if !ok {
		return nil, fmt.Errorf("%w: track %s", enginerr.ErrNotFound, id)
	}
	cp := *t
	return &cp, nil
}

func (l *Library) GetCollection(_ context.Context, id string) (*types.Collection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.Collections[id]
	if !ok {
		return nil, fmt.Errorf("%w: collection %s", enginerr.ErrNotFound, id)
	}
	cp := *c
	cp.TrackIDs = append([]string(nil), c.TrackIDs...)
	return &cp, nil
}

func (l *Library) AddCollection(_ context.Context, userID, name, collectionType string, trackIDs []string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := uuid.NewString()
	l.Collections[id] = &types.Collection{
		ID:       id,
		Name:     name,
		UserID:   userID,
		Type:     collectionType,
		TrackIDs: append([]string(nil), trackIDs...),
	}
	return id, nil
}

func (l *Library) AddTrackToCollection(_ context.Context, collectionID, trackID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.Collections[collectionID]
	if !ok {
		return fmt.Errorf("%w: collection %s", enginerr.ErrNotFound, collectionID)
	}
	c.TrackIDs = append(c.TrackIDs, trackID)
	return nil
}

func (l *Library) RemoveCollection(_ context.Context, collectionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.Collections, collectionID)
	return nil
}

func (l *Library) ListTracksInLibrary(_ context.Context, userID string) ([]*types.Track, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*types.Track
	for _, t := range l.Tracks {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}
