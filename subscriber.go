package moly

import "sync"

// chainSubscriber is one SubscribeChains channel.
type chainSubscriber struct {
	ch     chan []PolicyChain
	mu     sync.Mutex
	closed bool
}

// trySend delivers chains without blocking. A full channel drops its oldest
// set so the newest one is always queued.
func (s *chainSubscriber) trySend(chains []PolicyChain) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- chains:
		return
	default:
	}

	// Only trySend sends and it holds mu, so dropping one set frees a slot.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- chains:
	default:
	}
}

func (s *chainSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
