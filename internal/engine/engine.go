// Package engine implements the reconciliation cycle that keeps the
// target collection mirroring the source listing.
//
// Each cycle:
//  1. Lists the source and snapshots the mapping store.
//  2. Diffs the two sets into additions and removals.
//  3. Processes additions sequentially, reusing an existing target
//     artifact when another source item already synced the same content
//     hash, uploading otherwise.
//  4. Executes removals per the configured deletion policy.
//  5. Replaces the metrics snapshot.
//
// At most one cycle runs at a time; a trigger arriving mid-cycle is
// dropped, not queued. Per-item failures are logged and counted without
// aborting the cycle.
//
// Known limitation, deliberate: when the dedup path reuses a target id
// from the store, the artifact's continued existence on the target is
// not re-verified. An artifact deleted on the target out-of-band stays
// "synced" until an operator deletes its mapping row to force a fresh
// upload.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/photomirror/photomirror/internal/source"
	"github.com/photomirror/photomirror/internal/store"
	"github.com/photomirror/photomirror/internal/target"
)

// ErrCycleInFlight is returned when a cycle trigger arrives while a
// cycle is already running. The trigger is dropped.
var ErrCycleInFlight = errors.New("sync cycle already in flight")

// ErrAuthentication indicates the target rejected our credentials while
// the cycle had work to do. The cycle aborts before touching any item.
var ErrAuthentication = errors.New("target authentication failed")

// DeletionPolicy selects what happens to target artifacts whose source
// item disappeared.
type DeletionPolicy string

const (
	// HardDelete mirrors deletions: detach, trash, purge, then drop
	// the mapping rows.
	HardDelete DeletionPolicy = "hard-delete"

	// AppendOnly preserves target artifacts forever; removals are
	// logged and skipped. Protects against a flaky source listing
	// masquerading as a mass deletion.
	AppendOnly DeletionPolicy = "append-only"
)

// Validate reports whether p is a known policy.
func (p DeletionPolicy) Validate() error {
	switch p {
	case HardDelete, AppendOnly:
		return nil
	default:
		return fmt.Errorf("unknown deletion policy %q", p)
	}
}

// Config holds the engine's collaborators and knobs.
type Config struct {
	Source source.Client
	Target target.Client
	Store  *store.Store

	// CollectionName is the target album everything syncs into.
	CollectionName string

	// DeletionPolicy defaults to HardDelete.
	DeletionPolicy DeletionPolicy

	// InterItemDelay, when set, is slept between consecutive additions
	// as cooperative rate limiting toward the target.
	InterItemDelay time.Duration

	// Logger defaults to stderr with an [engine] prefix.
	Logger *log.Logger
}

// Engine owns all mutable sync state: the single-flight flag, the
// cached collection id, and the metrics snapshot. Construct once at
// process start.
type Engine struct {
	source  source.Client
	target  target.Client
	store   *store.Store
	colName string
	policy  DeletionPolicy
	delay   time.Duration
	logger  *log.Logger

	running atomic.Bool

	// collectionID is resolved at most once per process lifetime.
	colMu        sync.Mutex
	collectionID string

	metrics *metrics
}

// New creates an Engine. Source, Target, Store and CollectionName are
// required.
func New(cfg Config) (*Engine, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("source client cannot be nil")
	}
	if cfg.Target == nil {
		return nil, fmt.Errorf("target client cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("collection name cannot be empty")
	}
	if cfg.DeletionPolicy == "" {
		cfg.DeletionPolicy = HardDelete
	}
	if err := cfg.DeletionPolicy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	return &Engine{
		source:  cfg.Source,
		target:  cfg.Target,
		store:   cfg.Store,
		colName: cfg.CollectionName,
		policy:  cfg.DeletionPolicy,
		delay:   cfg.InterItemDelay,
		logger:  cfg.Logger,
		metrics: newMetrics(),
	}, nil
}

// Metrics returns the current run metrics snapshot.
func (e *Engine) Metrics() Snapshot {
	return e.metrics.snapshot()
}

// RunCycle executes one reconciliation cycle.
//
// If a cycle is already running the call returns ErrCycleInFlight
// immediately without queueing. Any other returned error has already
// been recorded in the metrics snapshot; callers on a timer can log it
// and move on.
func (e *Engine) RunCycle(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Printf("WARNING: cycle trigger dropped, a cycle is already running")
		return ErrCycleInFlight
	}
	defer e.running.Store(false)

	start := time.Now()
	added, removed, authOK, err := e.cycle(ctx)

	run := LastRun{
		StartedAt: start,
		Duration:  time.Since(start),
		Added:     added,
		Removed:   removed,
		Success:   err == nil,
	}
	if err != nil {
		run.Error = err.Error()
	}
	e.metrics.record(run, authOK)

	if err != nil {
		e.logger.Printf("cycle failed after %v: %v", run.Duration.Round(time.Millisecond), err)
		return err
	}
	e.logger.Printf("cycle complete in %v: added=%d removed=%d", run.Duration.Round(time.Millisecond), added, removed)
	return nil
}

// cycle is the body of one run. authOK is reported even on failure so
// the metrics snapshot reflects current credential state.
func (e *Engine) cycle(ctx context.Context) (added, removed int, authOK bool, err error) {
	// Refreshed once per cycle regardless of whether any work exists,
	// so no-op cycles still surface credential expiry.
	authOK, authErr := e.target.CheckAuthenticated(ctx)
	if authErr != nil {
		e.logger.Printf("WARNING: auth check failed: %v", authErr)
		authOK = false
	}

	items, err := e.source.ListItems(ctx)
	if err != nil {
		return 0, 0, authOK, fmt.Errorf("listing source: %w", err)
	}

	mappings, err := e.store.ListAll(ctx)
	if err != nil {
		return 0, 0, authOK, fmt.Errorf("reading mappings: %w", err)
	}

	sourceIDs := make(map[string]bool, len(items))
	for _, item := range items {
		sourceIDs[item.ID] = true
	}
	mappedIDs := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		mappedIDs[m.SourceID] = true
	}

	var toAdd []source.Item
	for _, item := range items {
		if !mappedIDs[item.ID] {
			toAdd = append(toAdd, item)
		}
	}
	var toRemove []store.Mapping
	for _, m := range mappings {
		if !sourceIDs[m.SourceID] {
			toRemove = append(toRemove, m)
		}
	}

	if e.policy == AppendOnly && len(toRemove) > 0 {
		e.logger.Printf("append-only: keeping %d target artifact(s) whose source items disappeared", len(toRemove))
	}

	workNeeded := len(toAdd) > 0 || (len(toRemove) > 0 && e.policy == HardDelete)
	if !workNeeded {
		return 0, 0, authOK, nil
	}

	if !authOK {
		return 0, 0, authOK, ErrAuthentication
	}
	collectionID, err := e.ensureCollection(ctx)
	if err != nil {
		return 0, 0, authOK, err
	}

	added, err = e.processAdditions(ctx, collectionID, toAdd)
	if err != nil {
		return added, 0, authOK, err
	}

	if e.policy == HardDelete {
		removed = e.processRemovals(ctx, collectionID, toRemove)
	}
	return added, removed, authOK, nil
}

// ensureCollection resolves the target collection id, creating the
// collection if needed. The result is cached for the process lifetime;
// a failed attempt is retried on the next cycle.
func (e *Engine) ensureCollection(ctx context.Context) (string, error) {
	e.colMu.Lock()
	defer e.colMu.Unlock()

	if e.collectionID != "" {
		return e.collectionID, nil
	}
	id, err := e.target.EnsureCollectionExists(ctx, e.colName)
	if err != nil {
		return "", fmt.Errorf("ensuring collection: %w", err)
	}
	e.collectionID = id
	e.logger.Printf("using collection %q (%s)", e.colName, id)
	return id, nil
}

// processAdditions syncs each new item in listing order, sequentially.
// Item failures are logged and skipped; only a storage failure aborts,
// since a store that cannot be written invalidates the whole cycle.
func (e *Engine) processAdditions(ctx context.Context, collectionID string, toAdd []source.Item) (int, error) {
	added := 0
	for i, item := range toAdd {
		if err := e.addItem(ctx, collectionID, item); err != nil {
			var storageErr *store.StorageError
			if errors.As(err, &storageErr) {
				return added, fmt.Errorf("adding %s: %w", item.ID, err)
			}
			e.logger.Printf("WARNING: failed to sync %s: %v", item.ID, err)
		} else {
			added++
		}

		if e.delay > 0 && i < len(toAdd)-1 {
			if err := sleepCtx(ctx, e.delay); err != nil {
				return added, err
			}
		}
	}
	return added, nil
}

// addItem syncs one source item: reuse by content hash when another
// source id already uploaded the same bytes, upload otherwise. Either
// way the mapping row is upserted only after the target genuinely holds
// the artifact.
func (e *Engine) addItem(ctx context.Context, collectionID string, item source.Item) error {
	var targetID string

	existing, err := e.store.GetByContentHash(ctx, item.ContentHash)
	switch {
	case err == nil:
		// Same bytes already on the target under another source id.
		targetID = existing.TargetID
		e.logger.Printf("dedup: %s reuses %s (hash %.12s)", item.ID, targetID, item.ContentHash)
	case errors.Is(err, store.ErrNotFound):
		data, fetchErr := e.source.FetchContent(ctx, item)
		if fetchErr != nil {
			return fmt.Errorf("fetching content: %w", fetchErr)
		}
		targetID, err = e.target.Upload(ctx, data, item.Name)
		if err != nil {
			return fmt.Errorf("uploading: %w", err)
		}
	default:
		return err
	}

	if _, err := e.target.AttachIfAbsent(ctx, collectionID, []string{targetID}); err != nil {
		return fmt.Errorf("attaching %s: %w", targetID, err)
	}

	return e.store.Upsert(ctx, store.Mapping{
		SourceID:    item.ID,
		ContentHash: item.ContentHash,
		TargetID:    targetID,
	})
}

// processRemovals hard-deletes mappings whose source item disappeared.
//
// Detach, trash, purge run as one logical batch and only then do the
// store rows go, so a failed batch is retried whole on the next cycle.
// Target ids still referenced by a surviving mapping (the dedup case)
// are left alone on the target; only their rows go. Survivors are
// computed from the current table, not the cycle's opening snapshot:
// additions in this same cycle may have written rows reusing exactly
// the target ids toRemove points at (a source id rotating while its
// bytes stay the same), and those must not lose their artifact.
func (e *Engine) processRemovals(ctx context.Context, collectionID string, toRemove []store.Mapping) int {
	if len(toRemove) == 0 {
		return 0
	}

	all, err := e.store.ListAll(ctx)
	if err != nil {
		e.logger.Printf("WARNING: removal skipped, cannot re-read mappings: %v", err)
		return 0
	}

	removing := make(map[string]bool, len(toRemove))
	for _, m := range toRemove {
		removing[m.SourceID] = true
	}
	surviving := make(map[string]bool)
	for _, m := range all {
		if !removing[m.SourceID] {
			surviving[m.TargetID] = true
		}
	}

	var targetIDs []string
	seen := make(map[string]bool)
	for _, m := range toRemove {
		if surviving[m.TargetID] || seen[m.TargetID] {
			continue
		}
		seen[m.TargetID] = true
		targetIDs = append(targetIDs, m.TargetID)
	}

	if len(targetIDs) > 0 {
		if err := e.target.Detach(ctx, collectionID, targetIDs); err != nil {
			e.logger.Printf("WARNING: removal batch failed (detach), keeping %d mapping(s) for retry: %v", len(toRemove), err)
			return 0
		}
		if err := e.target.Trash(ctx, targetIDs); err != nil {
			e.logger.Printf("WARNING: removal batch failed (trash), keeping %d mapping(s) for retry: %v", len(toRemove), err)
			return 0
		}
		if err := e.target.Purge(ctx, targetIDs); err != nil {
			e.logger.Printf("WARNING: removal batch failed (purge), keeping %d mapping(s) for retry: %v", len(toRemove), err)
			return 0
		}
	}

	sourceIDs := make([]string, 0, len(toRemove))
	for _, m := range toRemove {
		sourceIDs = append(sourceIDs, m.SourceID)
	}
	deleted, err := e.store.DeleteBySourceIDs(ctx, sourceIDs)
	if err != nil {
		e.logger.Printf("WARNING: failed to delete %d mapping row(s): %v", len(sourceIDs), err)
		return 0
	}
	return deleted
}

// sleepCtx waits d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
