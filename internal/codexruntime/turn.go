package codexruntime

import (
	"context"
	"sync"

	"github.com/codexd/codexd/internal/run/agent"
	"github.com/codexd/codexd/pkg/codex"
)

// turnHandle implements agent.Turn for an app-server turn.
//
// Notifications are buffered in an unbounded queue so the session's read
// loop never blocks on a slow consumer; a pump goroutine drains the queue
// into the Notifications channel.
type turnHandle struct {
	sess     *session
	threadID string

	mu    sync.Mutex
	id    string
	queue []agent.Notification

	wake chan struct{}
	done chan struct{}
	out  chan agent.Notification

	result       agent.TurnResult
	completeOnce sync.Once
}

func newTurnHandle(sess *session, threadID string) *turnHandle {
	h := &turnHandle{
		sess:     sess,
		threadID: threadID,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		out:      make(chan agent.Notification),
	}
	go h.pump()
	return h
}

// ID returns the turn id once the agent has disclosed it.
func (h *turnHandle) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

// observeID records the turn id from whichever message disclosed it first.
func (h *turnHandle) observeID(id string) {
	if id == "" {
		return
	}
	h.mu.Lock()
	if h.id == "" {
		h.id = id
	}
	h.mu.Unlock()
}

// Notifications implements agent.Turn. The channel closes after the turn
// completes and every buffered notification has been delivered.
func (h *turnHandle) Notifications() <-chan agent.Notification {
	return h.out
}

// Interrupt implements agent.Turn; best-effort and idempotent.
func (h *turnHandle) Interrupt(ctx context.Context) error {
	return h.sess.client.CallResult(ctx, codex.MethodTurnInterrupt, codex.TurnInterruptParams{
		ThreadID: h.threadID,
		TurnID:   h.ID(),
	}, nil)
}

// Steer implements agent.Turn. The expected turn id guards against steering
// a turn that already rolled over.
func (h *turnHandle) Steer(ctx context.Context, prompt string) error {
	return h.sess.client.CallResult(ctx, codex.MethodTurnSteer, codex.TurnSteerParams{
		ThreadID:       h.threadID,
		ExpectedTurnID: h.ID(),
		Input:          []codex.UserInput{{Type: "text", Text: prompt}},
	}, nil)
}

// Wait implements agent.Turn.
func (h *turnHandle) Wait(ctx context.Context) (agent.TurnResult, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, nil
	case <-ctx.Done():
		return agent.TurnResult{}, ctx.Err()
	}
}

func (h *turnHandle) enqueue(n agent.Notification) {
	h.mu.Lock()
	h.queue = append(h.queue, n)
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *turnHandle) dequeue() (agent.Notification, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queue) == 0 {
		return agent.Notification{}, false
	}
	n := h.queue[0]
	h.queue = h.queue[1:]
	return n, true
}

// complete records the result and lets the pump finish draining. Safe to
// call more than once; the first result wins.
func (h *turnHandle) complete(res agent.TurnResult) {
	h.completeOnce.Do(func() {
		h.mu.Lock()
		h.result = res
		h.mu.Unlock()
		close(h.done)
	})
}

// discard abandons a handle whose turn never started.
func (h *turnHandle) discard() {
	h.complete(agent.TurnResult{})
}

// pump drains the queue into out. After completion the remaining buffered
// notifications are still delivered, then out closes. Consumers read
// Notifications to the end, so the trailing sends cannot stall.
func (h *turnHandle) pump() {
	defer close(h.out)
	for {
		select {
		case <-h.wake:
		case <-h.done:
			for {
				n, ok := h.dequeue()
				if !ok {
					return
				}
				h.out <- n
			}
		}

		for {
			n, ok := h.dequeue()
			if !ok {
				break
			}
			h.out <- n
		}
	}
}

var _ agent.Turn = (*turnHandle)(nil)
