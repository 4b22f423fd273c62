// Package bus is a bounded single-producer broadcast channel. Every receiver
// sees each value published after it subscribed, in publish order, unless it
// falls more than the bus capacity behind, in which case it is told how many
// values it missed and continues from the oldest value still held.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrLagged matches every *LaggedError.
	ErrLagged = errors.New("bus: receiver lagged")
	// ErrClosed is returned by Recv once the bus or the receiver is closed.
	ErrClosed = errors.New("bus: closed")
)

// LaggedError reports values a slow receiver will never see.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("bus: receiver lagged, %d values skipped", e.Missed)
}

func (e *LaggedError) Is(target error) bool {
	return target == ErrLagged
}

type Stats struct {
	Published int64
	Dropped   int64
	Overruns  int64
}

type Bus[T any] struct {
	mu        sync.Mutex
	buf       []T
	head      uint64 // sequence number of the next published value
	receivers int
	closed    bool
	notify    chan struct{}
	stats     Stats
}

// New creates a bus retaining at most capacity unread values per receiver.
func New[T any](capacity int) *Bus[T] {
	if capacity <= 0 {
		panic("bus: capacity must be positive")
	}
	return &Bus[T]{
		buf:    make([]T, capacity),
		notify: make(chan struct{}),
	}
}

// Publish hands v to every current receiver and returns how many there are.
// It never blocks; with no receivers the value is dropped.
func (b *Bus[T]) Publish(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0
	}
	if b.receivers == 0 {
		b.stats.Dropped++
		return 0
	}

	b.buf[b.head%uint64(len(b.buf))] = v
	b.head++
	b.stats.Published++

	close(b.notify)
	b.notify = make(chan struct{})
	return b.receivers
}

// Subscribe returns a receiver positioned after the latest published value.
func (b *Bus[T]) Subscribe() *Receiver[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := &Receiver[T]{bus: b, next: b.head, closed: b.closed}
	if !b.closed {
		b.receivers++
	}
	return r
}

// Receivers is the number of open receivers.
func (b *Bus[T]) Receivers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.receivers
}

func (b *Bus[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Close wakes all receivers. Values already published can still be read.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

// Receiver is one consumer of a Bus. It must not be used from more than one
// goroutine at a time.
type Receiver[T any] struct {
	bus    *Bus[T]
	next   uint64
	closed bool
}

// Recv blocks until the next value is available. A *LaggedError is returned
// once per gap; the following call resumes with the oldest retained value.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	b := r.bus

	for {
		b.mu.Lock()
		if r.closed {
			b.mu.Unlock()
			return zero, ErrClosed
		}

		if r.next < b.head {
			capacity := uint64(len(b.buf))
			var oldest uint64
			if b.head > capacity {
				oldest = b.head - capacity
			}
			if r.next < oldest {
				missed := oldest - r.next
				r.next = oldest
				b.stats.Overruns++
				b.mu.Unlock()
				return zero, &LaggedError{Missed: missed}
			}

			v := b.buf[r.next%capacity]
			r.next++
			b.mu.Unlock()
			return v, nil
		}

		if b.closed {
			b.mu.Unlock()
			return zero, ErrClosed
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close detaches the receiver from the bus. It is safe to call more than once.
func (r *Receiver[T]) Close() {
	b := r.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	b.receivers--
}
