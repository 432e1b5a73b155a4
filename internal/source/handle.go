// Package source tracks per-source freshness and orchestrates refreshes.
//
// A Handle owns the sync lifecycle of one source: the persisted state
// machine {never, fresh, stale, syncing, error}, delegation to the
// origin-fetch collaborator for api sources, and the cached record count.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/tableau/internal/store"
)

// StaleThreshold is how long a fresh source stays fresh without a sync.
const StaleThreshold = 5 * time.Minute

// VeryStaleThreshold is a second, longer horizon. It currently routes to
// the same stale bucket as StaleThreshold; the two-tier distinction is
// reserved for a future freshness level.
const VeryStaleThreshold = 30 * time.Minute

// APIConfig describes the origin of an api-kind source, stored as JSON on
// the descriptor and handed to the fetch collaborator.
type APIConfig struct {
	URL        string            `json:"url"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	ResultPath string            `json:"result_path,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// Delta is the result of one origin fetch.
type Delta struct {
	Added       []map[string]any
	Updated     []map[string]any
	Count       int64 // origin-side total, informational
	ServerClock int64
}

// Fetcher is the origin-fetch collaborator for api sources. Retry and
// backoff policy live behind this interface, not in the handle.
type Fetcher interface {
	FetchDelta(ctx context.Context, cfg APIConfig, sinceClock int64) (*Delta, error)
}

// Freshness is the qualitative sync state surfaced alongside query results.
type Freshness struct {
	State        store.SyncState `json:"state"`
	LastSyncedAt *int64          `json:"last_synced_at,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// RefreshResult is the tagged outcome of a refresh. Expected non-refreshes
// (imported source with no origin) report OK=false with a Reason; contract
// violations and fetch failures are returned as errors instead.
type RefreshResult struct {
	OK      bool            `json:"ok"`
	Reason  string          `json:"reason,omitempty"`
	State   store.SyncState `json:"state"`
	Added   int             `json:"added"`
	Updated int             `json:"updated"`
}

// Options configure a Handle.
type Options struct {
	Fetcher    Fetcher
	Logger     *slog.Logger
	StaleAfter time.Duration // default StaleThreshold
	Now        func() time.Time
}

// Handle is the per-source freshness/sync orchestrator. Safe for
// concurrent use; concurrent Refresh calls collapse into one fetch.
type Handle struct {
	st         *store.Store
	id         string
	fetcher    Fetcher
	logger     *slog.Logger
	staleAfter time.Duration
	now        func() time.Time
	flight     singleflight.Group
}

// NewHandle binds a handle to one source id.
func NewHandle(st *store.Store, id string, opts Options) *Handle {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = StaleThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handle{
		st:         st,
		id:         id,
		fetcher:    opts.Fetcher,
		logger:     opts.Logger,
		staleAfter: opts.StaleAfter,
		now:        opts.Now,
	}
}

// ID returns the bound source id.
func (h *Handle) ID() string { return h.id }

// Store exposes the underlying record store for query construction.
func (h *Handle) Store() *store.Store { return h.st }

// Descriptor loads the source row. Returns an error (not nil,nil) when the
// source is gone: a handle on a missing source is a programming error.
func (h *Handle) Descriptor(ctx context.Context) (*store.Source, error) {
	src, err := h.st.GetSource(ctx, h.id)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", h.id, err)
	}
	if src == nil {
		return nil, fmt.Errorf("source %s: %w", h.id, ErrUnattached)
	}
	return src, nil
}

// Freshness derives the current freshness from the persisted state and
// elapsed time since the last sync.
func (h *Handle) Freshness(ctx context.Context) (Freshness, error) {
	src, err := h.Descriptor(ctx)
	if err != nil {
		return Freshness{}, err
	}
	return h.freshnessOf(src), nil
}

func (h *Handle) freshnessOf(src *store.Source) Freshness {
	f := Freshness{State: src.SyncState, LastSyncedAt: src.LastSyncedAt, Error: src.SyncError}
	if src.SyncState == store.SyncFresh && src.LastSyncedAt != nil {
		elapsed := h.now().Sub(time.UnixMilli(*src.LastSyncedAt))
		// VeryStaleThreshold would slot in here; both horizons map to
		// stale until the extra tier exists.
		if elapsed > h.staleAfter {
			f.State = store.SyncStale
		}
	}
	return f
}

// RecordCount returns the source's record count. Cached by default; force
// performs an authoritative count and writes it back to the descriptor.
func (h *Handle) RecordCount(ctx context.Context, force bool) (int64, error) {
	n, err := h.st.CachedCount(ctx, h.id, force)
	if err != nil {
		return 0, err
	}
	if force {
		if err := h.st.UpdateRecordCount(ctx, h.id, n); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// Refresh synchronizes the source with its origin. Derived sources have
// nothing to fetch and report fresh immediately. Imported sources have no
// origin; that is an expected outcome, tagged on the result rather than
// returned as an error. Concurrent calls for the same source share one
// in-flight refresh.
func (h *Handle) Refresh(ctx context.Context) (*RefreshResult, error) {
	v, err, _ := h.flight.Do(h.id, func() (any, error) {
		return h.refresh(ctx)
	})
	res, _ := v.(*RefreshResult)
	return res, err
}

func (h *Handle) refresh(ctx context.Context) (*RefreshResult, error) {
	src, err := h.Descriptor(ctx)
	if err != nil {
		return nil, err
	}

	switch src.Kind {
	case store.KindDerived:
		// Query-only source: nothing to fetch, fresh by definition.
		n, err := h.st.CountRecords(ctx, h.id)
		if err != nil {
			return nil, err
		}
		if err := h.st.MarkSyncSuccess(ctx, h.id, src.ServerClock, n); err != nil {
			return nil, err
		}
		return &RefreshResult{OK: true, State: store.SyncFresh}, nil

	case store.KindImported:
		return &RefreshResult{
			OK:     false,
			Reason: "no origin to refresh from",
			State:  src.SyncState,
		}, nil

	case store.KindAPI:
		return h.refreshAPI(ctx, src)

	default:
		return nil, fmt.Errorf("source %s: unknown kind %q", h.id, src.Kind)
	}
}

func (h *Handle) refreshAPI(ctx context.Context, src *store.Source) (*RefreshResult, error) {
	if h.fetcher == nil {
		return nil, fmt.Errorf("source %s: %w", h.id, ErrNoFetcher)
	}

	var cfg APIConfig
	if err := json.Unmarshal([]byte(src.APIConfigJSON), &cfg); err != nil {
		return nil, fmt.Errorf("source %s: api config: %w", h.id, err)
	}

	if err := h.st.MarkSyncing(ctx, h.id); err != nil {
		return nil, err
	}

	started := h.now()
	delta, err := h.fetcher.FetchDelta(ctx, cfg, src.ServerClock)
	if err != nil {
		h.markSyncError(ctx, err)
		h.appendLog(ctx, &store.RefreshLogEntry{
			SourceID:     h.id,
			Status:       "error",
			ErrorMessage: err.Error(),
			DurationMs:   h.now().Sub(started).Milliseconds(),
		})
		return &RefreshResult{OK: false, Reason: err.Error(), State: store.SyncError},
			fmt.Errorf("source %s: refresh: %w", h.id, err)
	}

	added, err := h.st.StoreRecords(ctx, h.id, delta.Added)
	if err != nil {
		h.markSyncError(ctx, err)
		return nil, err
	}
	updated, err := h.st.StoreRecords(ctx, h.id, delta.Updated)
	if err != nil {
		h.markSyncError(ctx, err)
		return nil, err
	}

	n, err := h.st.CountRecords(ctx, h.id)
	if err != nil {
		return nil, err
	}
	if err := h.st.MarkSyncSuccess(ctx, h.id, delta.ServerClock, n); err != nil {
		return nil, err
	}
	h.appendLog(ctx, &store.RefreshLogEntry{
		SourceID:   h.id,
		Status:     "ok",
		Added:      added,
		Updated:    updated,
		DurationMs: h.now().Sub(started).Milliseconds(),
	})

	h.logger.Debug("source: refreshed", "source_id", h.id, "added", added, "updated", updated)
	return &RefreshResult{OK: true, State: store.SyncFresh, Added: added, Updated: updated}, nil
}

// markSyncError flips the source into the error state. A failing mark is
// logged; the original error still reaches the caller.
func (h *Handle) markSyncError(ctx context.Context, cause error) {
	if err := h.st.MarkSyncError(ctx, h.id, cause.Error()); err != nil {
		h.logger.Error("source: mark sync error", "source_id", h.id, "error", err)
	}
}

// appendLog is best-effort: a failing refresh log never fails the refresh.
func (h *Handle) appendLog(ctx context.Context, e *store.RefreshLogEntry) {
	if err := h.st.AppendRefreshLog(ctx, e); err != nil {
		h.logger.Warn("source: refresh log", "source_id", h.id, "error", err)
	}
}
