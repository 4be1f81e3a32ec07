package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/codexd/codexd/internal/run/models"
)

// pingInterval keeps proxies from timing out an idle SSE stream.
const pingInterval = 15 * time.Second

// replay format selectors.
const (
	replayAuto   = "auto"
	replayRaw    = "raw"
	replayRollup = "rollup"
)

// streamEvents serves GET /v1/runs/{id}/events: replay persisted history,
// then follow the live stream, without gaps and with at-most-once delivery
// after the client dedups by createdAt.
func (h *Handler) streamEvents(c *gin.Context) {
	replay, err := parseBoolQuery(c, "replay", true)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_replay"})
		return
	}
	follow, err := parseBoolQuery(c, "follow", true)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_follow"})
		return
	}
	tail, err := parseClampedInt(c, "tail", 0, maxTailEvents)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tail"})
		return
	}
	format := c.DefaultQuery("replayFormat", replayAuto)
	if format != replayAuto && format != replayRaw && format != replayRollup {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_replay_format"})
		return
	}

	run, ok := h.loadRun(c)
	if !ok {
		return
	}
	runID := run.RunID

	// Subscribe before replaying so events published mid-replay are not
	// lost; the dedup guard below drops the overlap.
	var sub <-chan models.EventEnvelope
	var dispose func()
	if follow && !run.Status.IsTerminal() {
		sub, dispose = h.broadcaster.Subscribe(runID)
		defer dispose()
	}

	w := c.Writer
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	writeSSE(w, models.EventRunMeta, run)

	var maxReplayedAt time.Time
	var lastType string
	if replay {
		switch h.selectReplay(format, run) {
		case replayRaw:
			_ = h.replayRaw(w, runID, tail, &maxReplayedAt, &lastType)
		case replayRollup:
			h.replayRollup(w, runID, tail, follow, &maxReplayedAt, &lastType)
		}
	}

	// The run may have finished while we replayed.
	cur, err := h.store.TryGet(runID)
	if err != nil || cur == nil {
		return
	}
	if done, eventType := streamEndEvent(cur.Status); done {
		if lastType != models.EventRunCompleted && lastType != models.EventRunPaused {
			writeSSE(w, eventType, models.EventEnvelope{
				Type:      eventType,
				CreatedAt: time.Now().UTC(),
				Data:      mustMarshal(cur),
			})
		}
		return
	}
	if !follow || sub == nil {
		return
	}

	h.followLoop(c, w, sub, maxReplayedAt)
}

// selectReplay picks the replay source. Raw wins when explicitly requested
// or when there is no agent rollout to defer to; the rollup is preferred
// once the agent's own log exists.
func (h *Handler) selectReplay(format string, run *models.Run) string {
	switch format {
	case replayRaw, replayRollup:
		return format
	}
	hasRollout := run.CodexRolloutPath != "" && fileExists(run.CodexRolloutPath)
	if hasRollout {
		return replayRollup
	}
	if h.store.HasRawEvents(run.RunID) {
		return replayRaw
	}
	return ""
}

// replayRaw emits the persisted raw envelopes in order, excluding run.meta.
func (h *Handler) replayRaw(w gin.ResponseWriter, runID string, tail int, maxReplayedAt *time.Time, lastType *string) error {
	events, err := h.store.ReadRawEvents(runID, tail)
	if err != nil {
		h.logger.Warn("raw replay failed", zap.String("run_id", runID), zap.Error(err))
		return err
	}
	for _, env := range events {
		if env.Type == models.EventRunMeta {
			continue
		}
		writeSSE(w, env.Type, env)
		if env.CreatedAt.After(*maxReplayedAt) {
			*maxReplayedAt = env.CreatedAt
		}
		*lastType = env.Type
	}
	return nil
}

// replayRollup emits the derived rollup records, then (when following) tops
// up with backlog notifications the rollup has not materialized yet.
func (h *Handler) replayRollup(w gin.ResponseWriter, runID string, tail int, follow bool, maxReplayedAt *time.Time, lastType *string) {
	records, err := h.store.ReadRollup(runID, tail)
	if err != nil {
		h.logger.Warn("rollup replay failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	var rollupMax time.Time
	for _, rec := range records {
		eventType := "codex.rollup." + rec.Type
		writeSSE(w, eventType, models.EventEnvelope{
			Type:      eventType,
			CreatedAt: rec.CreatedAt,
			Data:      mustMarshal(rec),
		})
		if rec.CreatedAt.After(rollupMax) {
			rollupMax = rec.CreatedAt
		}
		*lastType = eventType
	}
	if rollupMax.After(*maxReplayedAt) {
		*maxReplayedAt = rollupMax
	}

	if !follow {
		return
	}
	for _, env := range h.backlog.SnapshotAfter(runID, rollupMax) {
		writeSSE(w, env.Type, env)
		if env.CreatedAt.After(*maxReplayedAt) {
			*maxReplayedAt = env.CreatedAt
		}
		*lastType = env.Type
	}
}

// followLoop consumes the subscriber channel until the run finishes or the
// client goes away, pinging every 15s.
func (h *Handler) followLoop(c *gin.Context, w gin.ResponseWriter, sub <-chan models.EventEnvelope, maxReplayedAt time.Time) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case env, open := <-sub:
			if !open {
				return
			}
			if env.Type == models.EventRunMeta {
				continue
			}
			// Strictly-less-than: boundary ties are re-emitted rather
			// than risk a gap; clients dedup by createdAt.
			if env.CreatedAt.Before(maxReplayedAt) {
				continue
			}
			writeSSE(w, env.Type, env)
			if env.Type == models.EventRunCompleted || env.Type == models.EventRunPaused {
				return
			}
		case <-ticker.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			w.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// streamEndEvent maps a status to the envelope type that ends a stream.
func streamEndEvent(status models.Status) (bool, string) {
	if status.IsTerminal() {
		return true, models.EventRunCompleted
	}
	if status == models.StatusPaused {
		return true, models.EventRunPaused
	}
	return false, ""
}

// writeSSE frames one event. Multi-line payloads become multiple data:
// lines per the SSE grammar.
func writeSSE(w gin.ResponseWriter, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = io.WriteString(w, "\n")
	w.Flush()
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
