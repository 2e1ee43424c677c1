// Package source defines the read-only side of the mirror: the platform
// that owns the photos being synced.
//
// Two implementations ship: an HTTP client for a remote photo API and a
// local-directory source for mirroring a folder on disk. The engine only
// sees the Client interface.
package source

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the source platform could not be reached to
// produce a listing. Wrapped by both implementations after retries are
// exhausted.
var ErrUnavailable = errors.New("source unavailable")

// Item is one photo the source currently exposes.
type Item struct {
	// ID is the source platform's identifier for this logical item.
	ID string `json:"id"`

	// ContentHash fingerprints the raw bytes. Two items with equal
	// hashes carry identical content.
	ContentHash string `json:"contentHash"`

	// Name is a human filename suggestion for the upload.
	Name string `json:"name"`

	// ContentLocation is where the bytes live, opaque to the engine
	// (a URL for the HTTP source, a file path for the local one).
	ContentLocation string `json:"contentLocation"`
}

// Client lists items and fetches their bytes. Implementations retry
// transient failures internally; the engine only sees terminal errors.
type Client interface {
	// ListItems returns the complete current listing. Returns an error
	// wrapping ErrUnavailable if the source cannot be reached.
	ListItems(ctx context.Context) ([]Item, error)

	// FetchContent downloads the raw bytes for one item.
	FetchContent(ctx context.Context, item Item) ([]byte, error)
}
