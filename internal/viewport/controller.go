// Package viewport maintains a sliding materialized window over a live
// query for UI virtualization.
//
// Loads are asynchronous and generation-tagged: a superseding scroll does
// not cancel an in-flight load, it just makes its result stale. Stale
// results are discarded on arrival, so the final window always reflects
// the most recent request (last-request-wins), never the slowest response.
package viewport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/tableau/internal/store"
)

// Provider supplies windows and source refreshes for one bound query.
type Provider interface {
	Window(ctx context.Context, offset, limit int) (*store.Window, error)
	RefreshSource(ctx context.Context) error
}

// State is the full window state pushed to subscribers on every change.
// It is a value copy; the controller's own state is never shared.
type State struct {
	Offset    int             `json:"offset"`
	Records   []*store.Record `json:"records"`
	Total     int64           `json:"total"`
	Loading   bool            `json:"loading"`
	LastError string          `json:"last_error,omitempty"`
}

// Options tune the controller.
type Options struct {
	// WindowSize is the number of records kept materialized. Default: 50.
	WindowSize int
	// Buffer is the scroll margin on each side of the window that avoids
	// refetch thrash on small scroll deltas. Default: WindowSize/2.
	Buffer int
	// AutoRefresh re-issues the bound source refresh on this interval.
	// 0 disables auto-refresh.
	AutoRefresh time.Duration
	Logger      *slog.Logger
}

func (o *Options) defaults() {
	if o.WindowSize <= 0 {
		o.WindowSize = 50
	}
	if o.Buffer <= 0 {
		o.Buffer = o.WindowSize / 2
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Controller owns one WindowState. Not shared: each view constructs its
// own controller and destroys it when the view closes.
type Controller struct {
	provider Provider
	opts     Options
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// generation tags in-flight loads; only the result matching the
	// current generation may be applied.
	generation atomic.Int64

	mu    sync.Mutex
	state State
	subs  []func(State)
}

// New creates a controller and, if configured, starts the auto-refresh
// loop. The caller must Destroy it when the owning view closes.
func New(provider Provider, opts Options) *Controller {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		provider: provider,
		opts:     opts,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	if opts.AutoRefresh > 0 {
		go c.autoRefresh(opts.AutoRefresh)
	}
	return c
}

// Destroy cancels the auto-refresh timer and all in-flight loads. Without
// it a configured auto-refresh would keep reloading after the owning view
// is gone.
func (c *Controller) Destroy() {
	c.cancel()
}

// OnUpdate registers a subscriber. It fires with the full state on every
// change, including the loading toggles around an async reload.
func (c *Controller) OnUpdate(fn func(State)) {
	c.mu.Lock()
	c.subs = append(c.subs, fn)
	c.mu.Unlock()
}

// State returns a copy of the current window state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// ScrollTo repositions the window around index. If the current window
// still covers [index-buffer, index+buffer] it is a no-op; otherwise an
// async reload anchored near index starts without blocking the caller.
func (c *Controller) ScrollTo(index int) {
	if index < 0 {
		index = 0
	}
	c.mu.Lock()
	if c.coversLocked(index-c.opts.Buffer, index+c.opts.Buffer) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.startLoad(anchorOffset(index, c.opts.Buffer))
}

// GetVisibleRecords reads synchronously from the materialized window. The
// requested range is clamped to the end of the dataset, so a tail read
// (or a view taller than the data) returns the records that exist. A
// range that is not yet materialized triggers a background load and
// returns empty for this call: optimistic empty, eventually consistent,
// not an error.
func (c *Controller) GetVisibleRecords(start, count int) []*store.Record {
	if start < 0 {
		start = 0
	}
	c.mu.Lock()
	if c.state.Records != nil {
		end := start + count
		if total := int(c.state.Total); end > total {
			end = total
		}
		if start >= end {
			// Wholly past the end of the dataset: nothing will ever be
			// there, no load to trigger.
			c.mu.Unlock()
			return nil
		}
		lo := start - c.state.Offset
		hi := end - c.state.Offset
		if lo >= 0 && hi <= len(c.state.Records) {
			out := make([]*store.Record, hi-lo)
			copy(out, c.state.Records[lo:hi])
			c.mu.Unlock()
			return out
		}
	}
	c.mu.Unlock()

	c.startLoad(anchorOffset(start, c.opts.Buffer))
	return nil
}

// Refresh re-issues the bound source refresh and reloads the current
// window. Errors are surfaced on the state, prior records are retained.
func (c *Controller) Refresh(ctx context.Context) {
	if err := c.provider.RefreshSource(ctx); err != nil {
		c.logger.Warn("viewport: refresh", "error", err)
		c.setError(err)
		return
	}
	c.mu.Lock()
	offset := c.state.Offset
	c.mu.Unlock()
	c.startLoad(offset)
}

// anchorOffset places the window start so index sits a buffer's width in.
func anchorOffset(index, buffer int) int {
	offset := index - buffer
	if offset < 0 {
		offset = 0
	}
	return offset
}

// coversLocked reports whether [lo, hi] is inside the materialized window.
func (c *Controller) coversLocked(lo, hi int) bool {
	if c.state.Records == nil {
		return false
	}
	if lo < 0 {
		lo = 0
	}
	end := c.state.Offset + len(c.state.Records)
	if hi >= int(c.state.Total) {
		hi = int(c.state.Total) - 1
	}
	return lo >= c.state.Offset && hi < end
}

// startLoad kicks off a generation-tagged async load anchored at offset.
// Loading is toggled and subscribers are notified before and after.
func (c *Controller) startLoad(offset int) {
	gen := c.generation.Add(1)

	c.mu.Lock()
	c.state.Loading = true
	snap, subs := c.snapshotLocked(), c.subsLocked()
	c.mu.Unlock()
	notify(subs, snap)

	go c.load(gen, offset)
}

func (c *Controller) load(gen int64, offset int) {
	limit := c.opts.WindowSize + 2*c.opts.Buffer
	w, err := c.provider.Window(c.ctx, offset, limit)

	c.mu.Lock()
	if gen != c.generation.Load() {
		// A newer request superseded this load; its result is stale.
		c.mu.Unlock()
		c.logger.Debug("viewport: discarded stale load", "offset", offset)
		return
	}
	if err != nil {
		// Keep the last-known-good window, surface the error beside it.
		c.state.Loading = false
		c.state.LastError = err.Error()
	} else {
		c.state = State{
			Offset:  w.Offset,
			Records: w.Records,
			Total:   w.Total,
		}
	}
	snap, subs := c.snapshotLocked(), c.subsLocked()
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("viewport: load", "offset", offset, "error", err)
	}
	notify(subs, snap)
}

func (c *Controller) setError(err error) {
	c.mu.Lock()
	c.state.Loading = false
	c.state.LastError = err.Error()
	snap, subs := c.snapshotLocked(), c.subsLocked()
	c.mu.Unlock()
	notify(subs, snap)
}

func (c *Controller) autoRefresh(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			// Background refresh: failures are captured into the source's
			// sync state and the window error, never thrown.
			c.Refresh(c.ctx)
		}
	}
}

func (c *Controller) snapshotLocked() State {
	snap := c.state
	snap.Records = append([]*store.Record(nil), c.state.Records...)
	return snap
}

func (c *Controller) subsLocked() []func(State) {
	subs := make([]func(State), len(c.subs))
	copy(subs, c.subs)
	return subs
}

func notify(subs []func(State), s State) {
	for _, fn := range subs {
		fn(s)
	}
}
