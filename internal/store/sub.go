package store

import (
	"context"
	"sync"
)

// latestSub is a Subscription whose channel holds at most the newest
// snapshot. A slow reader skips intermediate states, which is fine because
// every snapshot is complete.
type latestSub struct {
	mu      sync.Mutex
	ch      chan Snapshot
	done    chan struct{}
	closed  bool
	onClose func()
}

func newLatestSub(onClose func()) *latestSub {
	return &latestSub{
		ch:      make(chan Snapshot, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (s *latestSub) Updates() <-chan Snapshot { return s.ch }

func (s *latestSub) push(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- snap
}

func (s *latestSub) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
	s.mu.Unlock()
	if s.onClose != nil {
		s.onClose()
	}
}

// closeOnDone ties the subscription lifetime to ctx.
func (s *latestSub) closeOnDone(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
}
