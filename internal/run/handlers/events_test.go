package handlers

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexd/codexd/internal/run/models"
)

func sseEventTypes(body string) []string {
	var types []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "event: ") {
			types = append(types, strings.TrimPrefix(line, "event: "))
		}
	}
	return types
}

func TestStreamEventsReplayRaw(t *testing.T) {
	f := setupHandler(t, nil)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("terminal run with persisted completion", func(t *testing.T) {
		run := f.storedRun(t, func(r *models.Run) { r.Status = models.StatusSucceeded })
		f.appendNotification(t, run.RunID, base, "item/agentMessage/delta", "hello")
		require.NoError(t, f.store.AppendRawEvent(run.RunID, models.EventEnvelope{
			Type: models.EventRunCompleted, CreatedAt: base.Add(time.Second), Data: []byte(`{}`),
		}))

		w := f.do(t, http.MethodGet, "/v1/runs/"+run.RunID+"/events?follow=false&replayFormat=raw", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
		assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
		assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

		types := sseEventTypes(w.Body.String())
		assert.Equal(t, []string{models.EventRunMeta, models.EventCodexNotification, models.EventRunCompleted}, types)
	})

	t.Run("terminal event synthesized when the log lacks one", func(t *testing.T) {
		run := f.storedRun(t, func(r *models.Run) { r.Status = models.StatusSucceeded })
		f.appendNotification(t, run.RunID, base, "item/agentMessage/delta", "hello")

		w := f.do(t, http.MethodGet, "/v1/runs/"+run.RunID+"/events?follow=false&replayFormat=raw", nil)
		require.Equal(t, http.StatusOK, w.Code)
		types := sseEventTypes(w.Body.String())
		assert.Equal(t, []string{models.EventRunMeta, models.EventCodexNotification, models.EventRunCompleted}, types)
	})

	t.Run("paused run ends with run.paused", func(t *testing.T) {
		run := f.storedRun(t, func(r *models.Run) { r.Status = models.StatusPaused })
		f.appendNotification(t, run.RunID, base, "item/agentMessage/delta", "hello")

		w := f.do(t, http.MethodGet, "/v1/runs/"+run.RunID+"/events?follow=false&replayFormat=raw", nil)
		require.Equal(t, http.StatusOK, w.Code)
		types := sseEventTypes(w.Body.String())
		assert.Equal(t, models.EventRunPaused, types[len(types)-1])
	})

	t.Run("replay disabled emits meta and end only", func(t *testing.T) {
		run := f.storedRun(t, func(r *models.Run) { r.Status = models.StatusSucceeded })
		f.appendNotification(t, run.RunID, base, "item/agentMessage/delta", "hidden")

		w := f.do(t, http.MethodGet, "/v1/runs/"+run.RunID+"/events?replay=false&follow=false", nil)
		require.Equal(t, http.StatusOK, w.Code)
		types := sseEventTypes(w.Body.String())
		assert.Equal(t, []string{models.EventRunMeta, models.EventRunCompleted}, types)
		assert.NotContains(t, w.Body.String(), "hidden")
	})
}

func TestStreamEventsReplayRollup(t *testing.T) {
	f := setupHandler(t, nil)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	run := f.storedRun(t, func(r *models.Run) { r.Status = models.StatusSucceeded })
	require.NoError(t, f.store.AppendRollupRecord(run.RunID, models.RollupRecord{
		Type: models.RollupOutputLine, CreatedAt: base, Text: "line one", EndsWithNewline: true,
	}))
	require.NoError(t, f.store.AppendRollupRecord(run.RunID, models.RollupRecord{
		Type: models.RollupAgentMessage, CreatedAt: base.Add(time.Second), Text: "done",
	}))

	w := f.do(t, http.MethodGet, "/v1/runs/"+run.RunID+"/events?follow=false&replayFormat=rollup", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	types := sseEventTypes(body)
	assert.Equal(t, []string{
		models.EventRunMeta,
		"codex.rollup.outputLine",
		"codex.rollup.agentMessage",
		models.EventRunCompleted,
	}, types)
	assert.Contains(t, body, "line one")
}

func TestStreamEventsAutoFormat(t *testing.T) {
	f := setupHandler(t, nil)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("prefers the rollup once the rollout file exists", func(t *testing.T) {
		rollout := filepath.Join(t.TempDir(), "rollout.jsonl")
		require.NoError(t, os.WriteFile(rollout, []byte("{}\n"), 0o644))

		run := f.storedRun(t, func(r *models.Run) {
			r.Status = models.StatusSucceeded
			r.CodexRolloutPath = rollout
		})
		f.appendNotification(t, run.RunID, base, "item/agentMessage/delta", "raw delta")
		require.NoError(t, f.store.AppendRollupRecord(run.RunID, models.RollupRecord{
			Type: models.RollupOutputLine, CreatedAt: base, Text: "rolled line",
		}))

		w := f.do(t, http.MethodGet, "/v1/runs/"+run.RunID+"/events?follow=false", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "rolled line")
		assert.NotContains(t, w.Body.String(), "raw delta")
	})

	t.Run("falls back to raw without a rollout", func(t *testing.T) {
		run := f.storedRun(t, func(r *models.Run) { r.Status = models.StatusSucceeded })
		f.appendNotification(t, run.RunID, base, "item/agentMessage/delta", "raw delta")

		w := f.do(t, http.MethodGet, "/v1/runs/"+run.RunID+"/events?follow=false", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "raw delta")
	})
}

func TestStreamEventsParamValidation(t *testing.T) {
	f := setupHandler(t, nil)
	run := f.storedRun(t, func(r *models.Run) { r.Status = models.StatusSucceeded })

	cases := []struct {
		query string
		code  string
	}{
		{"replay=banana", "invalid_replay"},
		{"follow=banana", "invalid_follow"},
		{"tail=0", "invalid_tail"},
		{"tail=-1", "invalid_tail"},
		{"replayFormat=xml", "invalid_replay_format"},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			w := f.do(t, http.MethodGet, "/v1/runs/"+run.RunID+"/events?"+tc.query, nil)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tc.code, decodeBody(t, w)["error"])
		})
	}

	t.Run("unknown run", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/v1/runs/nope/events", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestStreamEventsFollow(t *testing.T) {
	f := setupHandler(t, nil)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	run := f.storedRun(t, func(r *models.Run) { r.Status = models.StatusRunning })
	// Replayed history establishes the dedup watermark.
	replayed := f.appendNotification(t, run.RunID, base, "item/agentMessage/delta", "replayed delta")

	go func() {
		// Give the handler time to subscribe.
		time.Sleep(250 * time.Millisecond)
		// Older than the watermark: must be suppressed.
		stale := replayed
		stale.CreatedAt = base.Add(-time.Second)
		f.bc.Publish(run.RunID, stale)

		fresh := f.liveNotification(base.Add(time.Second), "item/agentMessage/delta", "live delta")
		f.bc.Publish(run.RunID, fresh)
		f.bc.Publish(run.RunID, models.EventEnvelope{
			Type: models.EventRunCompleted, CreatedAt: base.Add(2 * time.Second), Data: []byte(`{}`),
		})
	}()

	w := f.do(t, http.MethodGet, "/v1/runs/"+run.RunID+"/events?replayFormat=raw", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "replayed delta")
	assert.Contains(t, body, "live delta")
	types := sseEventTypes(body)
	assert.Equal(t, models.EventRunCompleted, types[len(types)-1])
	// The stale pre-watermark copy appears exactly once, from the replay.
	assert.Equal(t, 1, strings.Count(body, "replayed delta"))
}

func TestFollowWebSocket(t *testing.T) {
	f := setupHandler(t, nil)
	server := httptest.NewServer(f.router)
	defer server.Close()
	wsBase := "ws" + strings.TrimPrefix(server.URL, "http")

	t.Run("streams envelopes until completion", func(t *testing.T) {
		run := f.storedRun(t, func(r *models.Run) { r.Status = models.StatusRunning })

		conn, resp, err := websocket.DefaultDialer.Dial(wsBase+"/v1/runs/"+run.RunID+"/ws", nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()
		defer func() { _ = resp.Body.Close() }()

		go func() {
			time.Sleep(100 * time.Millisecond)
			f.bc.Publish(run.RunID, f.liveNotification(time.Now().UTC(), "item/agentMessage/delta", "ws delta"))
			f.bc.Publish(run.RunID, models.EventEnvelope{
				Type: models.EventRunCompleted, CreatedAt: time.Now().UTC(), Data: []byte(`{}`),
			})
		}()

		var first models.EventEnvelope
		require.NoError(t, conn.ReadJSON(&first))
		assert.Equal(t, models.EventCodexNotification, first.Type)

		var second models.EventEnvelope
		require.NoError(t, conn.ReadJSON(&second))
		assert.Equal(t, models.EventRunCompleted, second.Type)
	})

	t.Run("terminal run rejected", func(t *testing.T) {
		run := f.storedRun(t, func(r *models.Run) { r.Status = models.StatusSucceeded })
		_, resp, err := websocket.DefaultDialer.Dial(wsBase+"/v1/runs/"+run.RunID+"/ws", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}
