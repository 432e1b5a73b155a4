package cursor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func intScan(values ...int) PushFunc[int] {
	return func(emit func(int) error) error {
		for _, v := range values {
			if err := emit(v); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestStream_PullsInOrder(t *testing.T) {
	s := New(intScan(1, 2, 3))
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		v, ok, err := s.Next(ctx)
		if err != nil || !ok {
			t.Fatalf("Next(%d): ok=%v err=%v", want, ok, err)
		}
		if v != want {
			t.Fatalf("Next = %d, want %d", v, want)
		}
	}

	_, ok, err := s.Next(ctx)
	if ok || err != nil {
		t.Fatalf("exhausted stream: ok=%v err=%v", ok, err)
	}
}

func TestStream_ExhaustionIsIdempotent(t *testing.T) {
	// WHAT: Every Next after exhaustion reports done again, without error.
	// WHY: Callers poll streams from loops that may overshoot the end.
	s := New(intScan())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, ok, err := s.Next(ctx)
		if ok || err != nil {
			t.Fatalf("call %d after exhaustion: ok=%v err=%v", i, ok, err)
		}
	}
}

func TestStream_DoublePumpFailsFast(t *testing.T) {
	// WHAT: A second Next while one is blocked returns ErrPending.
	// WHY: Two readers racing one cursor is a programming error, not a
	// queueing request.
	blocked := make(chan struct{})
	s := New(func(emit func(int) error) error {
		<-blocked // first Next stays pending until we release it
		return emit(1)
	})

	first := make(chan error, 1)
	go func() {
		_, _, err := s.Next(context.Background())
		first <- err
	}()

	// Wait until the first Next is parked in its select.
	deadline := time.After(2 * time.Second)
	for !s.pending.Load() {
		select {
		case <-deadline:
			t.Fatal("first Next never became pending")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	_, _, err := s.Next(context.Background())
	if !errors.Is(err, ErrPending) {
		t.Fatalf("second Next: err=%v, want ErrPending", err)
	}

	close(blocked)
	if err := <-first; err != nil {
		t.Fatalf("first Next should still succeed: %v", err)
	}
}

func TestStream_ScanErrorRejectsPendingAndLaterCalls(t *testing.T) {
	scanErr := errors.New("disk on fire")
	s := New(func(emit func(int) error) error {
		if err := emit(1); err != nil {
			return err
		}
		return scanErr
	})
	ctx := context.Background()

	if _, ok, err := s.Next(ctx); !ok || err != nil {
		t.Fatalf("first record: ok=%v err=%v", ok, err)
	}
	for i := 0; i < 2; i++ {
		_, ok, err := s.Next(ctx)
		if ok || !errors.Is(err, scanErr) {
			t.Fatalf("call %d: ok=%v err=%v, want scan error", i, ok, err)
		}
	}
}

func TestStream_Backpressure(t *testing.T) {
	// WHAT: The scan runs at most one record ahead of the consumer.
	// WHY: Bounded memory over arbitrarily large result sets depends on the
	// unbuffered handshake.
	produced := make(chan int, 16)
	s := New(func(emit func(int) error) error {
		for i := 0; i < 10; i++ {
			produced <- i
			if err := emit(i); err != nil {
				return err
			}
		}
		return nil
	})
	defer s.Close()

	ctx := context.Background()
	if _, _, err := s.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}
	// Give the producer time to overrun if it could.
	time.Sleep(50 * time.Millisecond)
	if n := len(produced); n > 2 {
		t.Fatalf("producer ran %d records ahead, handshake allows at most 2", n)
	}
}

func TestStream_CloseUnwindsProducer(t *testing.T) {
	released := make(chan struct{})
	s := New(func(emit func(int) error) error {
		defer close(released) // stands in for rows.Close
		for i := 0; ; i++ {
			if err := emit(i); err != nil {
				return err
			}
		}
	})

	if _, _, err := s.Next(context.Background()); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("producer never unwound after Close")
	}
}

func TestStream_NextHonorsContext(t *testing.T) {
	s := New(func(emit func(int) error) error {
		select {} // never emits, never returns
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok, err := s.Next(ctx)
	if ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ok=%v err=%v, want deadline exceeded", ok, err)
	}
}

func TestDrain(t *testing.T) {
	s := New(intScan(4, 5, 6))
	got, err := s.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 3 || got[0] != 4 || got[2] != 6 {
		t.Fatalf("Drain = %v", got)
	}
}
