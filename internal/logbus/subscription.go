package logbus

import (
	"context"
	"sync"
)

// Subscription is one live consumer of the bus with its own bounded queue.
type Subscription struct {
	bus    *Bus
	filter Filter
	notify chan struct{}

	mu      sync.Mutex
	queue   *ring[Entry]
	dropped uint64
	closed  bool
}

// deliver enqueues e and reports whether the oldest queued entry was dropped.
func (s *Subscription) deliver(e Entry) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	dropped := s.queue.push(e)
	if dropped {
		s.dropped++
	}
	s.mu.Unlock()
	s.signal()
	return dropped
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an entry is available, ctx is done or the subscription
// is closed. Entries queued before Close are still returned.
func (s *Subscription) Next(ctx context.Context) (Entry, error) {
	for {
		s.mu.Lock()
		if e, ok := s.queue.pop(); ok {
			s.mu.Unlock()
			return e, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Entry{}, ErrClosed
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		}
	}
}

// Pending returns the number of queued entries.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// Dropped returns how many entries this subscriber lost to overflow.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.markClosed()
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}
