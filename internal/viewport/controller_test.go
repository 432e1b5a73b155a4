package viewport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/tableau/internal/store"
)

// fakeProvider serves windows over a fixed in-memory record list.
type fakeProvider struct {
	mu       sync.Mutex
	records  []*store.Record
	windows  int
	refresh  int
	err      error
	gate     chan struct{} // when set, Window blocks on it before answering
	gateOnce []chan struct{}
}

func newFakeProvider(n int) *fakeProvider {
	p := &fakeProvider{}
	for i := 0; i < n; i++ {
		p.records = append(p.records, &store.Record{
			ID:      fmt.Sprintf("r%03d", i),
			Payload: map[string]any{"n": i},
		})
	}
	return p
}

func (p *fakeProvider) Window(ctx context.Context, offset, limit int) (*store.Window, error) {
	p.mu.Lock()
	p.windows++
	var gate chan struct{}
	if len(p.gateOnce) > 0 {
		gate = p.gateOnce[0]
		p.gateOnce = p.gateOnce[1:]
	} else {
		gate = p.gate
	}
	err := p.err
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	total := len(p.records)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := append([]*store.Record(nil), p.records[offset:end]...)
	return &store.Window{Records: out, Total: int64(total), Offset: offset}, nil
}

func (p *fakeProvider) RefreshSource(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refresh++
	return p.err
}

func (p *fakeProvider) windowCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.windows
}

// awaitState subscribes and returns the first state satisfying pred.
func awaitState(t *testing.T, c *Controller, pred func(State) bool) State {
	t.Helper()
	ch := make(chan State, 64)
	c.OnUpdate(func(s State) { ch <- s })
	if s := c.State(); pred(s) {
		return s
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if pred(s) {
				return s
			}
		case <-deadline:
			t.Fatalf("state never satisfied predicate; last = %+v", c.State())
		}
	}
}

func settled(s State) bool { return !s.Loading && s.Records != nil }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition never satisfied")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestScrollTo_LoadsWindowAroundIndex(t *testing.T) {
	p := newFakeProvider(500)
	c := New(p, Options{WindowSize: 50, Buffer: 10})
	defer c.Destroy()

	c.ScrollTo(100)
	s := awaitState(t, c, settled)

	if s.Total != 500 {
		t.Fatalf("total = %d", s.Total)
	}
	if s.Offset > 100-10 {
		t.Fatalf("offset %d does not cover the leading buffer", s.Offset)
	}
	if s.Offset+len(s.Records) < 100+10 {
		t.Fatalf("window [%d,%d) does not cover the trailing buffer", s.Offset, s.Offset+len(s.Records))
	}
}

func TestScrollTo_WithinBufferIsNoOp(t *testing.T) {
	// WHAT: Scrolling inside the buffered window issues no new load.
	// WHY: The buffer exists to absorb small scroll deltas without refetch.
	p := newFakeProvider(500)
	c := New(p, Options{WindowSize: 50, Buffer: 10})
	defer c.Destroy()

	c.ScrollTo(100)
	awaitState(t, c, settled)
	before := p.windowCalls()

	// Window is anchored at 90 with 70 records loaded; both targets stay
	// inside it with a full buffer on each side.
	c.ScrollTo(105)
	c.ScrollTo(110)
	time.Sleep(50 * time.Millisecond)
	if got := p.windowCalls(); got != before {
		t.Fatalf("buffered scroll reloaded: %d -> %d window calls", before, got)
	}

	c.ScrollTo(400)
	awaitState(t, c, func(s State) bool { return settled(s) && s.Offset > 300 })
	if got := p.windowCalls(); got == before {
		t.Fatal("scroll outside the window must reload")
	}
}

func TestScrollTo_LastRequestWins(t *testing.T) {
	// WHAT: When an older load resolves after a newer one, its result is
	// discarded; the window reflects the newest scroll position.
	// WHY: Load completion order is not request order under a slow store.
	p := newFakeProvider(500)
	slow := make(chan struct{})
	fast := make(chan struct{})
	close(fast)
	p.gateOnce = []chan struct{}{slow, fast}

	c := New(p, Options{WindowSize: 50, Buffer: 10})
	defer c.Destroy()

	c.ScrollTo(100) // parks on the slow gate
	waitFor(t, func() bool { return p.windowCalls() == 1 })
	c.ScrollTo(400) // completes immediately
	awaitState(t, c, func(s State) bool { return settled(s) && s.Offset >= 300 })

	close(slow) // the stale load resolves late
	time.Sleep(50 * time.Millisecond)

	s := c.State()
	if s.Offset < 300 {
		t.Fatalf("stale load overwrote the window: offset = %d", s.Offset)
	}
}

func TestGetVisibleRecords_OptimisticEmptyThenMaterialized(t *testing.T) {
	p := newFakeProvider(200)
	c := New(p, Options{WindowSize: 50, Buffer: 10})
	defer c.Destroy()

	// Nothing materialized yet: empty now, load triggered in background.
	if got := c.GetVisibleRecords(20, 5); got != nil {
		t.Fatalf("unmaterialized read returned %d records, want none", len(got))
	}
	awaitState(t, c, settled)

	got := c.GetVisibleRecords(20, 5)
	if len(got) != 5 {
		t.Fatalf("materialized read returned %d records", len(got))
	}
	if got[0].ID != "r020" || got[4].ID != "r024" {
		t.Fatalf("wrong slice: %s..%s", got[0].ID, got[4].ID)
	}
}

func TestGetVisibleRecords_TailReadClampsToDatasetEnd(t *testing.T) {
	// WHAT: Requesting more rows than the dataset holds returns the rows
	// that exist, without kicking off another load.
	// WHY: A 3-record source rendered into a 10-row view reads the tail on
	// every render tick; re-loading each time would thrash the store and
	// the window would never read as materialized.
	p := newFakeProvider(3)
	c := New(p, Options{WindowSize: 20, Buffer: 5})
	defer c.Destroy()

	c.ScrollTo(0)
	awaitState(t, c, settled)
	before := p.windowCalls()

	for i := 0; i < 5; i++ {
		got := c.GetVisibleRecords(0, 10)
		if len(got) != 3 {
			t.Fatalf("call %d: got %d records, want all 3", i, len(got))
		}
	}
	if got := c.GetVisibleRecords(2, 10); len(got) != 1 || got[0].ID != "r002" {
		t.Fatalf("tail slice = %v, want the last record", got)
	}
	// Wholly past the end: empty, and still no load.
	if got := c.GetVisibleRecords(50, 10); got != nil {
		t.Fatalf("past-the-end read returned %d records", len(got))
	}

	time.Sleep(50 * time.Millisecond)
	if got := p.windowCalls(); got != before {
		t.Fatalf("tail reads reloaded: %d -> %d window calls", before, got)
	}
}

func TestRefresh_ErrorKeepsLastKnownGoodWindow(t *testing.T) {
	p := newFakeProvider(100)
	c := New(p, Options{WindowSize: 20, Buffer: 5})
	defer c.Destroy()

	c.ScrollTo(0)
	first := awaitState(t, c, settled)
	if len(first.Records) == 0 {
		t.Fatal("no window materialized")
	}

	p.mu.Lock()
	p.err = errors.New("origin unreachable")
	p.mu.Unlock()

	c.Refresh(context.Background())
	s := awaitState(t, c, func(s State) bool { return s.LastError != "" })
	if len(s.Records) != len(first.Records) {
		t.Fatalf("error dropped the window: %d records", len(s.Records))
	}
}

func TestDestroy_StopsAutoRefresh(t *testing.T) {
	// WHAT: After Destroy, the auto-refresh ticker stops hitting the source.
	// WHY: Leaked viewports would keep refreshing forever.
	p := newFakeProvider(10)
	c := New(p, Options{WindowSize: 10, Buffer: 2, AutoRefresh: 10 * time.Millisecond})

	awaitRefreshes := func(min int) {
		deadline := time.After(2 * time.Second)
		for {
			p.mu.Lock()
			n := p.refresh
			p.mu.Unlock()
			if n >= min {
				return
			}
			select {
			case <-deadline:
				t.Fatalf("auto-refresh never ran %d times", min)
			default:
				time.Sleep(5 * time.Millisecond)
			}
		}
	}
	awaitRefreshes(2)

	c.Destroy()
	time.Sleep(30 * time.Millisecond)
	p.mu.Lock()
	after := p.refresh
	p.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	p.mu.Lock()
	final := p.refresh
	p.mu.Unlock()
	if final > after+1 {
		// One tick may have been in flight during Destroy.
		t.Fatalf("auto-refresh kept running after Destroy: %d -> %d", after, final)
	}
}

func TestSubscribers_SeeLoadingToggle(t *testing.T) {
	p := newFakeProvider(100)
	c := New(p, Options{WindowSize: 20, Buffer: 5})
	defer c.Destroy()

	var sawLoading atomic.Bool
	c.OnUpdate(func(s State) {
		if s.Loading {
			sawLoading.Store(true)
		}
	})

	c.ScrollTo(50)
	awaitState(t, c, settled)
	if !sawLoading.Load() {
		t.Fatal("subscriber never saw the loading state")
	}
}
