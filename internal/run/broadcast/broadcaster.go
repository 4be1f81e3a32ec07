// Package broadcast provides in-memory fan-out of run event envelopes.
//
// Each subscriber owns an unbounded queue: publishers enqueue without ever
// blocking, so a slow SSE client can never stall the run that feeds it.
// Delivery per subscriber is strict FIFO in publish order.
package broadcast

import (
	"sync"

	"go.uber.org/zap"

	"github.com/codexd/codexd/internal/common/logger"
	"github.com/codexd/codexd/internal/run/models"
)

// Broadcaster fans envelopes out to the subscribers of each run.
type Broadcaster struct {
	mu     sync.RWMutex
	runs   map[string]map[*subscriber]struct{}
	logger *logger.Logger
}

type subscriber struct {
	mu     sync.Mutex
	queue  []models.EventEnvelope
	closed bool

	// wake signals the pump that the queue or closed flag changed.
	wake chan struct{}
	done chan struct{}
	out  chan models.EventEnvelope
}

// New creates an empty Broadcaster.
func New(log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		runs:   make(map[string]map[*subscriber]struct{}),
		logger: log.WithFields(zap.String("component", "broadcaster")),
	}
}

// Subscribe registers a new subscriber for runID. The returned channel
// yields every envelope published for the run after this call, in publish
// order. The disposer removes the subscriber and closes the channel; it is
// safe to call more than once.
func (b *Broadcaster) Subscribe(runID string) (<-chan models.EventEnvelope, func()) {
	sub := &subscriber{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan models.EventEnvelope),
	}
	go sub.pump()

	b.mu.Lock()
	set, ok := b.runs[runID]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.runs[runID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	dispose := func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.runs[runID]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(b.runs, runID)
				}
			}
			b.mu.Unlock()
			sub.close()
		})
	}
	return sub.out, dispose
}

// Publish enqueues env to every current subscriber of runID. It never
// blocks: each subscriber queue is unbounded and accepts immediately.
func (b *Broadcaster) Publish(runID string, env models.EventEnvelope) {
	b.mu.RLock()
	set := b.runs[runID]
	subs := make([]*subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.enqueue(env)
	}
}

// SubscriberCount reports the current number of subscribers for a run.
func (b *Broadcaster) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.runs[runID])
}

func (s *subscriber) enqueue(env models.EventEnvelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, env)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

// pump drains the queue into the out channel. Only the pump blocks on the
// reader; publishers stay lock-step free.
func (s *subscriber) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			env := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- env:
			case <-s.done:
				return
			}
		}
	}
}
