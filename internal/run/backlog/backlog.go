// Package backlog keeps a short-lived in-memory ring of recently published
// agent notifications per run.
//
// The agent's own rollout file is the long-term truth for a thread, but it
// materializes with a delay. The backlog bridges that gap: replay and
// reconnect paths read the rollout, then top up with buffered notifications
// newer than the rollout's watermark.
package backlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codexd/codexd/internal/common/logger"
	"github.com/codexd/codexd/internal/run/models"
)

const (
	// maxEvents caps the per-run ring.
	maxEvents = 50_000

	// refreshInterval is the minimum spacing between rollout tail reads.
	refreshInterval = 250 * time.Millisecond

	// tailBytes bounds how much of the rollout file is read per refresh.
	tailBytes = 512 * 1024

	// materializationLag is the slack kept on top of the watermark before
	// pruning: an event is only dropped once the rollout is convincingly
	// past it.
	materializationLag = 2 * time.Second
)

// Backlog buffers recent codex.notification envelopes per run.
type Backlog struct {
	mu     sync.Mutex
	runs   map[string]*runBacklog
	logger *logger.Logger

	// now is swappable for tests.
	now func() time.Time
}

type runBacklog struct {
	mu             sync.Mutex
	events         []models.EventEnvelope
	rolloutPath    string
	materializedAt time.Time
	lastRefresh    time.Time
}

// New creates an empty Backlog.
func New(log *logger.Logger) *Backlog {
	return &Backlog{
		runs:   make(map[string]*runBacklog),
		logger: log.WithFields(zap.String("component", "notification-backlog")),
		now:    time.Now,
	}
}

func (b *Backlog) runState(runID string) *runBacklog {
	b.mu.Lock()
	defer b.mu.Unlock()
	rb, ok := b.runs[runID]
	if !ok {
		rb = &runBacklog{}
		b.runs[runID] = rb
	}
	return rb
}

// SetRolloutPath records the agent rollout file for a run, enabling
// watermark refreshes.
func (b *Backlog) SetRolloutPath(runID, path string) {
	rb := b.runState(runID)
	rb.mu.Lock()
	rb.rolloutPath = path
	rb.mu.Unlock()
}

// Add enqueues a notification envelope, refreshes the materialization
// watermark when due, and prunes events the rollout has since absorbed.
func (b *Backlog) Add(runID string, env models.EventEnvelope) {
	rb := b.runState(runID)
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(rb.events) >= maxEvents {
		rb.events = rb.events[1:]
	}
	rb.events = append(rb.events, env)

	b.refreshLocked(rb)
	b.pruneLocked(rb)
}

// SnapshotAfter returns buffered events with createdAt strictly newer than
// afterExclusive. A zero cutoff returns everything buffered.
func (b *Backlog) SnapshotAfter(runID string, afterExclusive time.Time) []models.EventEnvelope {
	rb := b.runState(runID)
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]models.EventEnvelope, 0, len(rb.events))
	for _, env := range rb.events {
		if env.CreatedAt.After(afterExclusive) {
			out = append(out, env)
		}
	}
	return out
}

// SnapshotPending returns all still-buffered events, i.e. those the rollout
// has not yet materialized.
func (b *Backlog) SnapshotPending(runID string) []models.EventEnvelope {
	rb := b.runState(runID)
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]models.EventEnvelope, len(rb.events))
	copy(out, rb.events)
	return out
}

// GetLastNotificationAt returns the timestamp of the most recent buffered
// envelope, or zero when none is buffered.
func (b *Backlog) GetLastNotificationAt(runID string) time.Time {
	rb := b.runState(runID)
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(rb.events) == 0 {
		return time.Time{}
	}
	return rb.events[len(rb.events)-1].CreatedAt
}

// MaterializedAt returns the last observed rollout watermark for a run.
func (b *Backlog) MaterializedAt(runID string) time.Time {
	rb := b.runState(runID)
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.materializedAt
}

// Drop releases the per-run buffer.
func (b *Backlog) Drop(runID string) {
	b.mu.Lock()
	delete(b.runs, runID)
	b.mu.Unlock()
}

// refreshLocked re-reads the rollout tail when the refresh interval has
// elapsed. Callers hold rb.mu.
func (b *Backlog) refreshLocked(rb *runBacklog) {
	if rb.rolloutPath == "" {
		return
	}
	now := b.now()
	if now.Sub(rb.lastRefresh) < refreshInterval {
		return
	}
	rb.lastRefresh = now

	watermark, err := readRolloutWatermark(rb.rolloutPath)
	if err != nil {
		b.logger.Debug("rollout tail read failed",
			zap.String("path", rb.rolloutPath),
			zap.Error(err))
		return
	}
	if watermark.After(rb.materializedAt) {
		rb.materializedAt = watermark
	}
}

// pruneLocked drops events the rollout has materialized, keeping the
// 2-second lag margin. Callers hold rb.mu.
func (b *Backlog) pruneLocked(rb *runBacklog) {
	if rb.materializedAt.IsZero() {
		return
	}
	cutoff := rb.materializedAt.Add(-materializationLag)
	keep := 0
	for keep < len(rb.events) && !rb.events[keep].CreatedAt.After(cutoff) {
		keep++
	}
	if keep > 0 {
		rb.events = append([]models.EventEnvelope(nil), rb.events[keep:]...)
	}
}

// rolloutLine is the subset of a Codex rollout record the backlog cares
// about: its timestamp.
type rolloutLine struct {
	Timestamp time.Time `json:"timestamp"`
}

// readRolloutWatermark reads the last tailBytes of the rollout file and
// returns the newest timestamp found on a parseable line.
func readRolloutWatermark(path string) (time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return time.Time{}, err
	}
	offset := int64(0)
	if info.Size() > tailBytes {
		offset = info.Size() - tailBytes
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return time.Time{}, err
	}

	var watermark time.Time
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), tailBytes)
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if first {
			first = false
			// A mid-line seek leaves a partial first line; skip it
			// unless we started at the beginning of the file.
			if offset > 0 && !bytes.HasPrefix(bytes.TrimSpace(line), []byte("{")) {
				continue
			}
		}
		var rec rolloutLine
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.Timestamp.After(watermark) {
			watermark = rec.Timestamp
		}
	}
	return watermark, scanner.Err()
}
