package rollup

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexd/codexd/internal/common/logger"
	"github.com/codexd/codexd/internal/run/models"
)

type captureSink struct {
	records []models.RollupRecord
	fail    bool
}

func (c *captureSink) AppendRollupRecord(_ string, rec models.RollupRecord) error {
	if c.fail {
		return errors.New("disk full")
	}
	c.records = append(c.records, rec)
	return nil
}

func setupWriter(t *testing.T) (*Writer, *captureSink) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	sink := &captureSink{}
	return NewWriter(sink, log), sink
}

func deltaEnvelope(method, delta string) models.EventEnvelope {
	params, _ := json.Marshal(map[string]string{"delta": delta})
	data, _ := json.Marshal(models.NotificationData{Method: method, Params: params})
	return models.EventEnvelope{
		Type:      models.EventCodexNotification,
		CreatedAt: time.Now().UTC(),
		Data:      data,
	}
}

func feedDeltas(w *Writer, runID string, deltas ...string) {
	for _, d := range deltas {
		w.OnNotification(runID, deltaEnvelope("item/agentMessage/delta", d))
	}
}

func TestLineAccumulation(t *testing.T) {
	t.Run("deltas joined until newline", func(t *testing.T) {
		w, sink := setupWriter(t)
		feedDeltas(w, "r1", "hel", "lo wor", "ld\n")

		require.Len(t, sink.records, 1)
		assert.Equal(t, models.RollupOutputLine, sink.records[0].Type)
		assert.Equal(t, "hello world", sink.records[0].Text)
		assert.True(t, sink.records[0].EndsWithNewline)
		assert.Equal(t, "agentMessage", sink.records[0].Source)
	})

	t.Run("multiple lines in one delta", func(t *testing.T) {
		w, sink := setupWriter(t)
		feedDeltas(w, "r1", "one\ntwo\nthree")

		require.Len(t, sink.records, 2)
		assert.Equal(t, "one", sink.records[0].Text)
		assert.Equal(t, "two", sink.records[1].Text)
		// "three" stays buffered until the next newline or Finish.
	})

	t.Run("empty line emitted for consecutive newlines", func(t *testing.T) {
		w, sink := setupWriter(t)
		feedDeltas(w, "r1", "a\n\n")

		require.Len(t, sink.records, 2)
		assert.Equal(t, "a", sink.records[0].Text)
		assert.Equal(t, "", sink.records[1].Text)
		assert.True(t, sink.records[1].EndsWithNewline)
	})
}

func TestCarriageReturns(t *testing.T) {
	t.Run("crlf within a delta is one break", func(t *testing.T) {
		w, sink := setupWriter(t)
		feedDeltas(w, "r1", "a\r\nb\n")

		require.Len(t, sink.records, 2)
		assert.Equal(t, "a", sink.records[0].Text)
		assert.Equal(t, "b", sink.records[1].Text)
	})

	t.Run("crlf split across deltas is one break", func(t *testing.T) {
		w, sink := setupWriter(t)
		feedDeltas(w, "r1", "a\r", "\nb\n")

		require.Len(t, sink.records, 2)
		assert.Equal(t, "a", sink.records[0].Text)
		assert.Equal(t, "b", sink.records[1].Text)
	})

	t.Run("lone cr ends the line", func(t *testing.T) {
		w, sink := setupWriter(t)
		feedDeltas(w, "r1", "progress 10%\rprogress 20%\n")

		require.Len(t, sink.records, 2)
		assert.Equal(t, "progress 10%", sink.records[0].Text)
		assert.True(t, sink.records[0].EndsWithNewline)
		assert.Equal(t, "progress 20%", sink.records[1].Text)
	})

	t.Run("trailing cr held then finished", func(t *testing.T) {
		w, sink := setupWriter(t)
		feedDeltas(w, "r1", "tail\r")
		w.Finish("r1")

		require.Len(t, sink.records, 1)
		assert.Equal(t, "tail", sink.records[0].Text)
		assert.False(t, sink.records[0].EndsWithNewline)
	})
}

func TestControlMarkers(t *testing.T) {
	t.Run("marker flushes partial line then stands alone", func(t *testing.T) {
		w, sink := setupWriter(t)
		feedDeltas(w, "r1", "partial", "thinking")

		require.Len(t, sink.records, 2)
		assert.Equal(t, "partial", sink.records[0].Text)
		assert.False(t, sink.records[0].EndsWithNewline)
		assert.Equal(t, "thinking", sink.records[1].Text)
		assert.True(t, sink.records[1].IsControl)
	})

	t.Run("markers match case-insensitively but only exact deltas", func(t *testing.T) {
		w, sink := setupWriter(t)
		feedDeltas(w, "r1", "Final")
		require.Len(t, sink.records, 1)
		assert.True(t, sink.records[0].IsControl)

		sink.records = nil
		feedDeltas(w, "r2", "thinking about it\n")
		require.Len(t, sink.records, 1)
		assert.False(t, sink.records[0].IsControl)
	})

	t.Run("marker sequence", func(t *testing.T) {
		w, sink := setupWriter(t)
		feedDeltas(w, "r1", "partial ", "line\n", "thinking", "**Plan**\n", "final", "done\n")

		require.Len(t, sink.records, 5)
		assert.Equal(t, "partial line", sink.records[0].Text)
		assert.True(t, sink.records[0].EndsWithNewline)
		assert.Equal(t, "thinking", sink.records[1].Text)
		assert.True(t, sink.records[1].IsControl)
		assert.Equal(t, "**Plan**", sink.records[2].Text)
		assert.True(t, sink.records[2].EndsWithNewline)
		assert.Equal(t, "final", sink.records[3].Text)
		assert.True(t, sink.records[3].IsControl)
		assert.Equal(t, "done", sink.records[4].Text)
		assert.True(t, sink.records[4].EndsWithNewline)
	})
}

func TestLongLineEarlyFlush(t *testing.T) {
	w, sink := setupWriter(t)
	feedDeltas(w, "r1", strings.Repeat("x", maxLineChars+10), "\n")

	require.Len(t, sink.records, 2)
	assert.Len(t, sink.records[0].Text, maxLineChars)
	assert.False(t, sink.records[0].EndsWithNewline)
	assert.Equal(t, strings.Repeat("x", 10), sink.records[1].Text)
	assert.True(t, sink.records[1].EndsWithNewline)
}

func TestLongLineBoundCountsRunes(t *testing.T) {
	w, sink := setupWriter(t)

	// Three bytes per rune; a byte-counting bound would flush at a third
	// of the limit.
	feedDeltas(w, "r1", strings.Repeat("世", maxLineChars-1))
	require.Empty(t, sink.records)

	feedDeltas(w, "r1", "界")
	require.Len(t, sink.records, 1)
	assert.Equal(t, maxLineChars, utf8.RuneCountInString(sink.records[0].Text))
	assert.False(t, sink.records[0].EndsWithNewline)
}

func TestSourceRouting(t *testing.T) {
	w, sink := setupWriter(t)
	w.OnNotification("r1", deltaEnvelope("item/reasoning/summaryTextDelta", "think\n"))
	w.OnNotification("r1", deltaEnvelope("item/commandExecution/outputDelta", "ls -la\n"))

	require.Len(t, sink.records, 2)
	assert.Equal(t, "reasoning", sink.records[0].Source)
	assert.Equal(t, "commandExecution", sink.records[1].Source)
}

func TestCompletedAgentMessage(t *testing.T) {
	w, sink := setupWriter(t)

	params, _ := json.Marshal(map[string]any{
		"item": map[string]string{"type": "agentMessage", "text": "All done."},
	})
	data, _ := json.Marshal(models.NotificationData{Method: "item/completed", Params: params})
	w.OnNotification("r1", models.EventEnvelope{
		Type:      models.EventCodexNotification,
		CreatedAt: time.Now().UTC(),
		Data:      data,
	})

	require.Len(t, sink.records, 1)
	assert.Equal(t, models.RollupAgentMessage, sink.records[0].Type)
	assert.Equal(t, "All done.", sink.records[0].Text)
}

func TestFinishFlushesAndReleases(t *testing.T) {
	w, sink := setupWriter(t)
	feedDeltas(w, "r1", "unterminated")
	w.Finish("r1")

	require.Len(t, sink.records, 1)
	assert.Equal(t, "unterminated", sink.records[0].Text)
	assert.False(t, sink.records[0].EndsWithNewline)

	// State is gone; new deltas start a fresh line.
	feedDeltas(w, "r1", "next\n")
	require.Len(t, sink.records, 2)
	assert.Equal(t, "next", sink.records[1].Text)
}

func TestAppendFailureDisablesRun(t *testing.T) {
	w, sink := setupWriter(t)

	sink.fail = true
	feedDeltas(w, "r1", "lost\n", "also lost\n")
	assert.Empty(t, sink.records)

	// The failure is scoped to the run; a healthy sink still gets nothing
	// for r1 but other runs are unaffected.
	sink.fail = false
	feedDeltas(w, "r1", "still lost\n")
	assert.Empty(t, sink.records)

	feedDeltas(w, "r2", "ok\n")
	require.Len(t, sink.records, 1)
	assert.Equal(t, "ok", sink.records[0].Text)
}

func TestIgnoresUnknownNotifications(t *testing.T) {
	w, sink := setupWriter(t)

	data, _ := json.Marshal(models.NotificationData{Method: "thread/started"})
	w.OnNotification("r1", models.EventEnvelope{Type: models.EventCodexNotification, Data: data})
	w.OnNotification("r1", models.EventEnvelope{Type: models.EventCodexNotification, Data: json.RawMessage(`not json`)})

	assert.Empty(t, sink.records)
}

func TestManyRunsIndependentState(t *testing.T) {
	w, sink := setupWriter(t)
	for i := 0; i < 3; i++ {
		feedDeltas(w, fmt.Sprintf("run-%d", i), fmt.Sprintf("line %d", i))
	}
	for i := 0; i < 3; i++ {
		feedDeltas(w, fmt.Sprintf("run-%d", i), "\n")
	}

	require.Len(t, sink.records, 3)
	for i, rec := range sink.records {
		assert.Equal(t, fmt.Sprintf("line %d", i), rec.Text)
	}
}
