// Package cursor converts a push-style scan (one callback per record, then
// a terminal return) into a pull-based stream the consumer drives one step
// at a time.
//
// The handshake is a single unbuffered channel: the producer blocks in emit
// until the consumer takes the value, so the scan runs at most one record
// ahead of the last value delivered. The store can never outpace the
// consumer, which bounds memory for arbitrarily large result sets.
package cursor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPending is returned when Next is called while another Next on the same
// stream has not returned. One stream, one reader: racing two readers on a
// single cursor is a programming error and fails fast.
var ErrPending = errors.New("cursor: Next called while a previous Next is still pending")

// ErrClosed is returned by Next after Close, and by emit inside the scan so
// the producer can unwind and release the underlying cursor.
var ErrClosed = errors.New("cursor: stream closed")

// PushFunc drives the underlying scan. It must call emit once per record in
// order and return nil on normal completion. When emit returns an error the
// scan must stop and return that error (the stream was closed underneath it).
type PushFunc[T any] func(emit func(T) error) error

// Stream is a finite, non-restartable pull sequence over a push-style scan.
// It is not safe for concurrent Next calls; that restriction is enforced.
type Stream[T any] struct {
	items chan T
	done  chan struct{}

	pending atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}

	// terminated and err are owned by the consumer goroutine after the
	// done signal is observed; err is written by the producer before done
	// is closed.
	terminated bool
	err        error
}

// New starts the scan in a producer goroutine and returns the pull side.
// The scan blocks on its first emit until the consumer calls Next, so no
// work races ahead of the first pull beyond the one-record handshake slot.
func New[T any](scan PushFunc[T]) *Stream[T] {
	s := &Stream[T]{
		items:  make(chan T), // unbuffered: the one-slot handshake
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go s.produce(scan)
	return s
}

func (s *Stream[T]) produce(scan PushFunc[T]) {
	err := scan(func(v T) error {
		select {
		case s.items <- v:
			return nil
		case <-s.closed:
			return ErrClosed
		}
	})
	if errors.Is(err, ErrClosed) {
		// Abandoned via Close; the consumer already has its answer.
		err = ErrClosed
	}
	s.err = err
	close(s.done)
}

// Next returns the next record. ok is false once the stream is exhausted;
// exhaustion is idempotent, every later call reports it again. A scan error
// rejects exactly the pending call and every call after it returns the same
// error. A second Next while one is in flight returns ErrPending.
func (s *Stream[T]) Next(ctx context.Context) (v T, ok bool, err error) {
	if !s.pending.CompareAndSwap(false, true) {
		return v, false, ErrPending
	}
	defer s.pending.Store(false)

	if s.terminated {
		return v, false, s.err
	}

	select {
	case v = <-s.items:
		return v, true, nil
	case <-s.done:
		// err was published by the producer before done closed.
		s.terminated = true
		return v, false, s.err
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}

// Close abandons the stream. The producer unwinds on its next emit and the
// underlying cursor is released. Close is idempotent.
func (s *Stream[T]) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Drain pulls every remaining record into a slice and closes the stream.
func (s *Stream[T]) Drain(ctx context.Context) ([]T, error) {
	defer s.Close()
	var out []T
	for {
		v, ok, err := s.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}
