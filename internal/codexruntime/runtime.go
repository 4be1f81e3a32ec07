// Package codexruntime supervises the Codex app-server subprocess and adapts
// it to the agent interfaces the run engine consumes.
//
// The supervisor owns one subprocess at a time. When the process exits
// unexpectedly the supervisor fails the active turns, notifies the
// disconnect handler (the run manager pauses in-flight exec runs), waits the
// configured backoff, and respawns. Repeated spawn failures fault the
// runtime.
package codexruntime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codexd/codexd/internal/common/config"
	"github.com/codexd/codexd/internal/common/logger"
	"github.com/codexd/codexd/internal/run/agent"
)

// DisconnectReason is the error recorded on runs paused by a runtime drop.
const DisconnectReason = agent.DisconnectedMessage

// maxSpawnFailures is the number of consecutive spawn failures tolerated
// before the runtime faults.
const maxSpawnFailures = 5

// Runtime implements agent.Provider on top of a supervised Codex app-server
// subprocess.
type Runtime struct {
	cfg     config.CodexConfig
	version string
	logger  *logger.Logger

	mu      sync.Mutex
	status  agent.RuntimeStatus
	session *session
	// statusCh is closed and replaced on every status change so AwaitClient
	// can wait without polling.
	statusCh chan struct{}

	onDisconnect func(reason string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Runtime. Call Start to begin supervision.
func New(cfg config.CodexConfig, version string, log *logger.Logger) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	status := agent.StatusStarting
	if !cfg.Enabled {
		status = agent.StatusDisabled
	}
	return &Runtime{
		cfg:      cfg,
		version:  version,
		logger:   log.WithFields(zap.String("component", "codex-runtime")),
		status:   status,
		statusCh: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetDisconnectHandler registers the hook invoked when a live session drops.
// Must be called before Start.
func (r *Runtime) SetDisconnectHandler(fn func(reason string)) {
	r.onDisconnect = fn
}

// Start launches the supervision loop. No-op when the runtime is disabled.
func (r *Runtime) Start() {
	if !r.cfg.Enabled {
		r.logger.Info("codex runtime disabled by configuration")
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.supervise()
	}()
}

// Status reports the supervisor state.
func (r *Runtime) Status() agent.RuntimeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// AwaitClient blocks until a ready session is available, the runtime reaches
// a state that will never produce one, or ctx is canceled.
func (r *Runtime) AwaitClient(ctx context.Context) (agent.Client, error) {
	for {
		r.mu.Lock()
		status := r.status
		sess := r.session
		ch := r.statusCh
		r.mu.Unlock()

		switch status {
		case agent.StatusReady:
			return sess, nil
		case agent.StatusDisabled:
			return nil, errors.New("codex runtime is disabled")
		case agent.StatusFaulted:
			return nil, errors.New("codex runtime is faulted")
		case agent.StatusDisposed:
			return nil, errors.New("codex runtime is disposed")
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Shutdown disposes the runtime: the subprocess is stopped and AwaitClient
// callers fail fast.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.setStatus(agent.StatusDisposed, nil)
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) setStatus(status agent.RuntimeStatus, sess *session) {
	r.mu.Lock()
	// Disposed is final.
	if r.status == agent.StatusDisposed && status != agent.StatusDisposed {
		r.mu.Unlock()
		return
	}
	r.status = status
	r.session = sess
	close(r.statusCh)
	r.statusCh = make(chan struct{})
	r.mu.Unlock()
}

func (r *Runtime) supervise() {
	failures := 0
	first := true
	for {
		if r.ctx.Err() != nil {
			return
		}
		if first {
			r.setStatus(agent.StatusStarting, nil)
		} else {
			r.setStatus(agent.StatusRestarting, nil)
		}

		sess, err := newSession(r.ctx, r.cfg, r.version, r.logger)
		if err != nil {
			failures++
			r.logger.Error("failed to start codex app-server",
				zap.Int("consecutive_failures", failures),
				zap.Error(err))
			if failures >= maxSpawnFailures {
				r.setStatus(agent.StatusFaulted, nil)
				return
			}
			r.sleepBackoff()
			continue
		}
		failures = 0
		first = false
		r.setStatus(agent.StatusReady, sess)
		r.logger.Info("codex app-server ready", zap.Int("pid", sess.pid()))

		select {
		case <-r.ctx.Done():
			sess.stop()
			return
		case <-sess.client.Done():
		}

		// The process died under us.
		sess.stop()
		if r.ctx.Err() != nil {
			return
		}
		r.logger.Warn("codex app-server disconnected")
		r.setStatus(agent.StatusRestarting, nil)
		sess.failActiveTurns(DisconnectReason)
		if r.onDisconnect != nil {
			r.onDisconnect(DisconnectReason)
		}
		r.sleepBackoff()
	}
}

func (r *Runtime) sleepBackoff() {
	backoff := r.cfg.RestartBackoffDuration()
	if backoff <= 0 {
		backoff = time.Second
	}
	select {
	case <-time.After(backoff):
	case <-r.ctx.Done():
	}
}

// clientVersion is the value reported in the initialize handshake.
func clientVersion(version string) string {
	if version == "" {
		return "dev"
	}
	return version
}

var _ agent.Provider = (*Runtime)(nil)

// errNoActiveTurn is returned when a notification-driven lookup misses.
var errNoActiveTurn = fmt.Errorf("no active turn for thread")
