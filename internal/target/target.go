// Package target defines the write side of the mirror: the platform
// receiving uploaded photos, grouped into one named collection (album).
//
// The engine consumes the Client interface; the HTTP implementation in
// this package handles auth refresh, request batching, and the
// "already exists" upload conflict, so the engine never sees platform
// quirks.
package target

import (
	"context"
	"errors"
)

// ErrUnauthenticated indicates the target rejected our credentials and
// a refresh did not help.
var ErrUnauthenticated = errors.New("target credentials invalid")

// AttachResult reports what AttachIfAbsent actually did.
type AttachResult struct {
	Added   int
	Skipped int
}

// Client is the contract the reconciliation engine requires of a
// target platform.
type Client interface {
	// CheckAuthenticated reports whether current credentials are valid.
	CheckAuthenticated(ctx context.Context) (bool, error)

	// EnsureCollectionExists finds or creates the named collection and
	// returns its id. Idempotent.
	EnsureCollectionExists(ctx context.Context, name string) (string, error)

	// Upload pushes raw bytes and returns the target's id for the new
	// artifact. A platform-side "already exists" response is success
	// and yields the existing id.
	Upload(ctx context.Context, data []byte, suggestedName string) (string, error)

	// AttachIfAbsent adds the given artifacts to the collection,
	// fetching current membership first so re-adding is a no-op.
	AttachIfAbsent(ctx context.Context, collectionID string, targetIDs []string) (AttachResult, error)

	// Detach removes the artifacts from the collection.
	Detach(ctx context.Context, collectionID string, targetIDs []string) error

	// Trash moves the artifacts to the platform trash.
	Trash(ctx context.Context, targetIDs []string) error

	// Purge permanently deletes previously trashed artifacts.
	Purge(ctx context.Context, targetIDs []string) error
}
