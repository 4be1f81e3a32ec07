// Package manager owns the run state machine.
//
// The manager is the only component that mutates run records after
// creation. It launches one executor goroutine per active run, routes
// control operations to it, enforces terminal-state finality, and keeps
// the event pipeline ordered: broadcast first, then raw log, then backlog,
// then rollup.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/codexd/codexd/internal/common/config"
	"github.com/codexd/codexd/internal/common/logger"
	"github.com/codexd/codexd/internal/run/agent"
	"github.com/codexd/codexd/internal/run/backlog"
	"github.com/codexd/codexd/internal/run/broadcast"
	"github.com/codexd/codexd/internal/run/executor"
	"github.com/codexd/codexd/internal/run/models"
	"github.com/codexd/codexd/internal/run/rollup"
	"github.com/codexd/codexd/internal/run/store"
)

// orphanGrace is how much older than server start a running record must be
// before reconciliation treats it as orphaned.
const orphanGrace = 5 * time.Second

// orphanedError is recorded on runs left running by a previous daemon
// instance.
const orphanedError = "orphaned after runner restart (was running during previous server instance)"

var (
	// ErrNotFound: unknown run id.
	ErrNotFound = errors.New("run not found")
	// ErrNotResumable: the run exists but cannot be resumed.
	ErrNotResumable = errors.New("run is not resumable")
	// ErrNotRunning: the run has no live executor.
	ErrNotRunning = errors.New("run is not running")
	// ErrMissingCodexIDs: steer needs both agent correlation ids.
	ErrMissingCodexIDs = errors.New("run is missing codex thread or turn id")

	// errNoTransition aborts a mutateRun without writing.
	errNoTransition = errors.New("no transition")
)

// activeRun is the in-memory handle on a run with a live executor.
type activeRun struct {
	cancel context.CancelFunc

	mu        sync.Mutex
	interrupt func()
	steer     func(ctx context.Context, prompt string) error

	stopRequested  atomic.Bool
	pauseRequested atomic.Bool
}

func (a *activeRun) setInterrupt(fn func()) {
	a.mu.Lock()
	a.interrupt = fn
	a.mu.Unlock()
}

func (a *activeRun) getInterrupt() func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interrupt
}

func (a *activeRun) setSteer(fn func(ctx context.Context, prompt string) error) {
	a.mu.Lock()
	a.steer = fn
	a.mu.Unlock()
}

func (a *activeRun) getSteer() func(ctx context.Context, prompt string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.steer
}

// Manager orchestrates run lifecycles.
type Manager struct {
	store       *store.Store
	broadcaster *broadcast.Broadcaster
	backlog     *backlog.Backlog
	rollup      *rollup.Writer
	provider    agent.Provider
	codexCfg    config.CodexConfig
	logger      *logger.Logger

	mu     sync.Mutex
	active map[string]*activeRun

	// stateMu serializes every read-modify-write of a run record so bulk
	// transitions and executor completions cannot interleave.
	stateMu sync.Mutex

	// bulkMu serializes PauseAll/FailAll/Resume against each other.
	bulkMu sync.Mutex

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a Manager.
func New(st *store.Store, bc *broadcast.Broadcaster, bl *backlog.Backlog, rw *rollup.Writer, provider agent.Provider, codexCfg config.CodexConfig, log *logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:       st,
		broadcaster: bc,
		backlog:     bl,
		rollup:      rw,
		provider:    provider,
		codexCfg:    codexCfg,
		logger:      log.WithFields(zap.String("component", "run-manager")),
		active:      make(map[string]*activeRun),
		rootCtx:     ctx,
		rootCancel:  cancel,
	}
}

// AppendAndPublish builds an envelope and pushes it through the pipeline in
// the contract order: broadcast, raw log, backlog, rollup.
func (m *Manager) AppendAndPublish(runID, eventType string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		m.logger.Error("failed to marshal event data",
			zap.String("run_id", runID),
			zap.String("type", eventType),
			zap.Error(err))
		return
	}
	env := models.EventEnvelope{
		Type:      eventType,
		CreatedAt: time.Now().UTC(),
		Data:      payload,
	}

	m.broadcaster.Publish(runID, env)

	if err := m.store.AppendRawEvent(runID, env); err != nil {
		m.logger.Warn("failed to append raw event",
			zap.String("run_id", runID),
			zap.Error(err))
	}

	if eventType == models.EventCodexNotification {
		m.backlog.Add(runID, env)
		m.rollup.OnNotification(runID, env)
	}
	if eventType == models.EventRunCompleted || eventType == models.EventRunPaused {
		m.rollup.Finish(runID)
	}
}

// mutateRun applies fn to the latest record under the state mutex and
// persists the result. fn may return errNoTransition to abort silently.
func (m *Manager) mutateRun(runID string, fn func(*models.Run) error) (models.Run, error) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	cur, err := m.store.TryGet(runID)
	if err != nil {
		return models.Run{}, err
	}
	if cur == nil {
		return models.Run{}, ErrNotFound
	}
	run := *cur
	if err := fn(&run); err != nil {
		return run, err
	}
	if err := m.store.Update(run); err != nil {
		return models.Run{}, err
	}
	return run, nil
}

// CreateAndStart validates the request, persists a queued run, and launches
// its executor.
func (m *Manager) CreateAndStart(req CreateRunRequest) (models.Run, error) {
	opts, err := validateCreate(req, m.codexCfg)
	if err != nil {
		return models.Run{}, err
	}

	run, _, err := m.store.Create(opts)
	if err != nil {
		return models.Run{}, err
	}
	m.logger.Info("run created",
		zap.String("run_id", run.RunID),
		zap.String("kind", string(run.Kind)),
		zap.String("cwd", run.Cwd))

	m.AppendAndPublish(run.RunID, models.EventRunMeta, run)
	m.launch(run)
	return run, nil
}

// launch registers an active entry and starts the executor goroutine.
func (m *Manager) launch(run models.Run) {
	ctx, cancel := context.WithCancel(m.rootCtx)
	a := &activeRun{cancel: cancel}

	m.mu.Lock()
	m.active[run.RunID] = a
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.runExecutor(ctx, run.RunID, a)
	}()
}

func (m *Manager) dropActive(runID string, a *activeRun) {
	m.mu.Lock()
	if m.active[runID] == a {
		delete(m.active, runID)
	}
	m.mu.Unlock()
}

func (m *Manager) lookupActive(runID string) *activeRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[runID]
}

// runExecutor is the per-run goroutine body.
func (m *Manager) runExecutor(ctx context.Context, runID string, a *activeRun) {
	log := m.logger.WithRunID(runID)

	now := time.Now().UTC()
	run, err := m.mutateRun(runID, func(r *models.Run) error {
		if r.Status != models.StatusQueued {
			return errNoTransition
		}
		r.Status = models.StatusRunning
		r.StartedAt = &now
		r.Error = ""
		return nil
	})
	if err != nil {
		// A bulk transition beat us to the record; nothing to run.
		if !errors.Is(err, errNoTransition) {
			log.Error("failed to start run", zap.Error(err))
		}
		m.dropActive(runID, a)
		return
	}
	m.AppendAndPublish(runID, models.EventRunMeta, run)
	log.Info("run started", zap.String("kind", string(run.Kind)))

	env := executor.Env{
		Provider: m.provider,
		Codex:    m.codexCfg,
		Logger:   log,
		PublishNotification: func(method string, params json.RawMessage) {
			m.AppendAndPublish(runID, models.EventCodexNotification, models.NotificationData{
				Method: method,
				Params: params,
			})
		},
		SetCodexIDs: func(threadID, turnID, rolloutPath string) {
			_, err := m.mutateRun(runID, func(r *models.Run) error {
				if threadID != "" {
					r.CodexThreadID = threadID
				}
				if turnID != "" {
					r.CodexTurnID = turnID
				}
				if rolloutPath != "" {
					r.CodexRolloutPath = rolloutPath
				}
				return nil
			})
			if err != nil {
				log.Warn("failed to record codex ids", zap.Error(err))
			}
			if rolloutPath != "" {
				m.backlog.SetRolloutPath(runID, rolloutPath)
			}
		},
		SetInterrupt: a.setInterrupt,
		SetSteer:     a.setSteer,
	}

	outcome := executor.ForRun(run).Execute(ctx, run, env)
	m.finishRun(runID, a, outcome)
}

// finishRun turns an executor outcome into the final (or paused) state.
func (m *Manager) finishRun(runID string, a *activeRun, out executor.Outcome) {
	defer m.dropActive(runID, a)
	log := m.logger.WithRunID(runID)

	now := time.Now().UTC()
	run, err := m.mutateRun(runID, func(r *models.Run) error {
		if r.Status != models.StatusRunning {
			// Someone else (bulk pause/fail) already transitioned it and
			// published the event.
			return errNoTransition
		}

		target := out.Status
		msg := out.ErrorMessage
		if r.Kind == models.KindExec {
			// Stop is "pause", not "kill": an interrupted exec run whose
			// stop was requested parks as paused.
			if target == models.StatusInterrupted && a.stopRequested.Load() {
				target = models.StatusPaused
				msg = ""
			}
			// A dropped agent session pauses a resumable thread instead
			// of failing it.
			if target == models.StatusFailed && msg == agent.DisconnectedMessage && r.CodexThreadID != "" {
				target = models.StatusPaused
			}
		}

		if last := m.backlog.GetLastNotificationAt(runID); !last.IsZero() {
			r.CodexLastNotificationAt = &last
		}
		r.Status = target
		r.SetError(msg)
		if target.IsTerminal() {
			r.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, errNoTransition) {
			log.Error("failed to finish run", zap.Error(err))
		}
		return
	}

	if run.Status == models.StatusPaused {
		m.AppendAndPublish(runID, models.EventRunPaused, run)
		log.Info("run paused", zap.String("error", run.Error))
		return
	}
	m.AppendAndPublish(runID, models.EventRunCompleted, run)
	m.backlog.Drop(runID)
	log.Info("run completed", zap.String("status", string(run.Status)))
}

// TryInterrupt invokes the run's interrupt hook. Reports whether a hook was
// registered.
func (m *Manager) TryInterrupt(runID string) bool {
	a := m.lookupActive(runID)
	if a == nil {
		return false
	}
	hook := a.getInterrupt()
	if hook == nil {
		return false
	}
	go hook()
	return true
}

// TryStop requests a stop: the executor is interrupted, and when it reports
// interrupted the run parks as paused instead. Reports whether the run had
// a live executor.
func (m *Manager) TryStop(runID string) bool {
	a := m.lookupActive(runID)
	if a == nil {
		return false
	}
	a.stopRequested.Store(true)
	if hook := a.getInterrupt(); hook != nil {
		go hook()
	} else {
		// Not yet attached to a turn; cancellation is enough.
		a.cancel()
	}
	return true
}

// Resume re-queues a paused (or crash-recovered) exec run on its existing
// thread.
func (m *Manager) Resume(runID, prompt, effort string) (models.Run, error) {
	m.bulkMu.Lock()
	defer m.bulkMu.Unlock()

	if m.lookupActive(runID) != nil {
		return models.Run{}, ErrNotResumable
	}

	run, err := m.mutateRun(runID, func(r *models.Run) error {
		if r.Kind != models.KindExec || r.Status.IsTerminal() {
			return ErrNotResumable
		}
		r.Status = models.StatusQueued
		r.Error = ""
		if prompt != "" {
			r.Prompt = prompt
		}
		if effort != "" {
			r.Effort = effort
		}
		return nil
	})
	if err != nil {
		return models.Run{}, err
	}

	m.AppendAndPublish(runID, models.EventRunMeta, run)
	m.launch(run)
	m.logger.WithRunID(runID).Info("run resumed")
	return run, nil
}

// Steer forwards a prompt into the run's in-flight turn.
func (m *Manager) Steer(ctx context.Context, runID, prompt string) error {
	cur, err := m.store.TryGet(runID)
	if err != nil {
		return err
	}
	if cur == nil {
		return ErrNotFound
	}
	if cur.CodexThreadID == "" || cur.CodexTurnID == "" {
		return ErrMissingCodexIDs
	}

	a := m.lookupActive(runID)
	if a == nil {
		return ErrNotRunning
	}
	hook := a.getSteer()
	if hook == nil {
		return ErrNotRunning
	}
	return hook(ctx, prompt)
}

// PauseAllInProgress parks every in-flight exec run as paused and fails the
// rest. Used on agent disconnect and daemon shutdown.
func (m *Manager) PauseAllInProgress(reason string) {
	m.bulkTransition(reason, true)
}

// FailAllInProgress fails every in-flight run.
func (m *Manager) FailAllInProgress(reason string) {
	m.bulkTransition(reason, false)
}

func (m *Manager) bulkTransition(reason string, pauseExec bool) {
	m.bulkMu.Lock()
	defer m.bulkMu.Unlock()

	m.mu.Lock()
	snapshot := make(map[string]*activeRun, len(m.active))
	for id, a := range m.active {
		snapshot[id] = a
	}
	m.mu.Unlock()

	now := time.Now().UTC()
	for runID, a := range snapshot {
		a.pauseRequested.Store(pauseExec)

		run, err := m.mutateRun(runID, func(r *models.Run) error {
			if r.Status != models.StatusQueued && r.Status != models.StatusRunning {
				return errNoTransition
			}
			if last := m.backlog.GetLastNotificationAt(runID); !last.IsZero() {
				r.CodexLastNotificationAt = &last
			}
			if pauseExec && r.Kind == models.KindExec {
				r.Status = models.StatusPaused
			} else {
				r.Status = models.StatusFailed
				r.CompletedAt = &now
			}
			r.SetError(reason)
			return nil
		})
		if err != nil {
			if !errors.Is(err, errNoTransition) {
				m.logger.WithRunID(runID).Error("bulk transition failed", zap.Error(err))
			}
			a.cancel()
			continue
		}

		if run.Status == models.StatusPaused {
			m.AppendAndPublish(runID, models.EventRunPaused, run)
		} else {
			m.AppendAndPublish(runID, models.EventRunCompleted, run)
			m.backlog.Drop(runID)
		}
		// Cancel after the transition so the executor's own finish sees a
		// non-running record and stands down.
		a.cancel()
	}
}

// ReconcileOrphans pauses runs recorded as running by a previous daemon
// instance. A short grace window spares runs started moments before us.
func (m *Manager) ReconcileOrphans(serverStartedAt time.Time) {
	entries, err := m.store.AllIndexEntries()
	if err != nil {
		m.logger.Error("orphan reconciliation: failed to read index", zap.Error(err))
		return
	}
	cutoff := serverStartedAt.Add(-orphanGrace)

	for _, entry := range entries {
		cur, err := m.store.TryGet(entry.RunID)
		if err != nil || cur == nil {
			continue
		}
		if cur.Status != models.StatusRunning {
			continue
		}
		if m.lookupActive(entry.RunID) != nil {
			continue
		}
		ref := cur.CreatedAt
		if cur.StartedAt != nil {
			ref = *cur.StartedAt
		}
		if !ref.Before(cutoff) {
			continue
		}

		run, err := m.mutateRun(entry.RunID, func(r *models.Run) error {
			if r.Status != models.StatusRunning {
				return errNoTransition
			}
			r.Status = models.StatusPaused
			r.SetError(orphanedError)
			return nil
		})
		if err != nil {
			if !errors.Is(err, errNoTransition) {
				m.logger.WithRunID(entry.RunID).Error("orphan reconciliation failed", zap.Error(err))
			}
			continue
		}
		m.AppendAndPublish(entry.RunID, models.EventRunPaused, run)
		m.logger.WithRunID(entry.RunID).Warn("orphaned run paused")
	}
}

// Shutdown pauses in-flight exec runs, fails the rest, and waits for the
// executor goroutines to drain.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.PauseAllInProgress("daemon shutting down")
	m.rootCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
