// Package rollup converts streaming output deltas into the line-oriented
// rollup log persisted next to each run.
//
// The writer accumulates partial lines per run, joins CR/LF pairs that are
// split across deltas, recognizes the "thinking"/"final" control markers,
// and appends one RollupRecord per completed line. Persistence is
// best-effort: a failed append disables the rollup for that run only.
package rollup

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codexd/codexd/internal/common/logger"
	"github.com/codexd/codexd/internal/run/models"
)

// maxLineChars bounds the buffered line; longer lines are flushed early
// with endsWithNewline=false.
const maxLineChars = 64_000

// Appender persists rollup records. *store.Store satisfies it.
type Appender interface {
	AppendRollupRecord(runID string, rec models.RollupRecord) error
}

// Writer accumulates per-run line state and appends rollup records.
type Writer struct {
	mu     sync.Mutex
	runs   map[string]*runState
	sink   Appender
	logger *logger.Logger
}

type runState struct {
	mu        sync.Mutex
	buf       strings.Builder
	lineRunes int
	source    string
	pendingCr bool
	disabled  bool
}

func (st *runState) resetBuf() {
	st.buf.Reset()
	st.lineRunes = 0
}

// NewWriter creates a Writer that persists through sink.
func NewWriter(sink Appender, log *logger.Logger) *Writer {
	return &Writer{
		runs:   make(map[string]*runState),
		sink:   sink,
		logger: log.WithFields(zap.String("component", "rollup-writer")),
	}
}

func (w *Writer) state(runID string) *runState {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.runs[runID]
	if !ok {
		st = &runState{}
		w.runs[runID] = st
	}
	return st
}

// notificationPayload is the slice of a codex.notification the writer
// understands.
type notificationPayload struct {
	Method string `json:"method"`
	Params struct {
		Delta string `json:"delta"`
		Item  struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"item"`
	} `json:"params"`
}

// OnNotification feeds one codex.notification envelope into the writer.
// Delta-bearing notifications accumulate into lines; a completed
// agentMessage item becomes a single agentMessage record.
func (w *Writer) OnNotification(runID string, env models.EventEnvelope) {
	var data models.NotificationData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return
	}
	var payload notificationPayload
	payload.Method = data.Method
	if len(data.Params) > 0 {
		_ = json.Unmarshal(data.Params, &payload.Params)
	}

	switch payload.Method {
	case "item/agentMessage/delta":
		w.onDelta(runID, "agentMessage", payload.Params.Delta, env.CreatedAt)
	case "item/reasoning/summaryTextDelta", "item/reasoning/textDelta":
		w.onDelta(runID, "reasoning", payload.Params.Delta, env.CreatedAt)
	case "item/commandExecution/outputDelta":
		w.onDelta(runID, "commandExecution", payload.Params.Delta, env.CreatedAt)
	case "item/completed":
		if payload.Params.Item.Type == "agentMessage" && payload.Params.Item.Text != "" {
			w.append(runID, w.state(runID), models.RollupRecord{
				Type:      models.RollupAgentMessage,
				CreatedAt: env.CreatedAt,
				Text:      payload.Params.Item.Text,
			})
		}
	}
}

// onDelta runs the line accumulator over one delta.
func (w *Writer) onDelta(runID, source, delta string, at time.Time) {
	if delta == "" {
		return
	}
	st := w.state(runID)
	st.mu.Lock()
	defer st.mu.Unlock()

	// Control markers segment the stream; they flush whatever partial
	// line is buffered, then stand alone.
	if isControlMarker(delta) {
		w.flushLocked(runID, st, at, false)
		w.append(runID, st, models.RollupRecord{
			Type:      models.RollupOutputLine,
			CreatedAt: at,
			Source:    source,
			Text:      delta,
			IsControl: true,
		})
		return
	}

	st.source = source

	runes := []rune(delta)
	for i := 0; i < len(runes); i++ {
		c := runes[i]

		if st.pendingCr {
			st.pendingCr = false
			// A held CR followed by LF is one CRLF line break;
			// otherwise the lone CR already ended the line.
			w.emitLineLocked(runID, st, at)
			if c == '\n' {
				continue
			}
		}

		switch c {
		case '\n':
			w.emitLineLocked(runID, st, at)
		case '\r':
			if i == len(runes)-1 {
				st.pendingCr = true
			} else if runes[i+1] == '\n' {
				w.emitLineLocked(runID, st, at)
				i++
			} else {
				w.emitLineLocked(runID, st, at)
			}
		default:
			st.buf.WriteRune(c)
			st.lineRunes++
			// The bound is in characters; buf.Len() would count bytes
			// and flush multi-byte text early.
			if st.lineRunes >= maxLineChars {
				w.flushLocked(runID, st, at, false)
			}
		}
	}
}

// Finish flushes any buffered content for the run and releases its state.
// Called when the run reaches a terminal status or pauses.
func (w *Writer) Finish(runID string) {
	st := w.state(runID)
	st.mu.Lock()
	w.flushLocked(runID, st, time.Now().UTC(), true)
	st.mu.Unlock()

	w.mu.Lock()
	delete(w.runs, runID)
	w.mu.Unlock()
}

// emitLineLocked appends the buffered line as newline-terminated.
func (w *Writer) emitLineLocked(runID string, st *runState, at time.Time) {
	text := st.buf.String()
	st.resetBuf()
	w.append(runID, st, models.RollupRecord{
		Type:            models.RollupOutputLine,
		CreatedAt:       at,
		Source:          st.source,
		Text:            text,
		EndsWithNewline: true,
	})
}

// flushLocked appends buffered content, if any, as a non-newline line.
// A held trailing CR is dropped.
func (w *Writer) flushLocked(runID string, st *runState, at time.Time, finishing bool) {
	st.pendingCr = false
	if st.buf.Len() == 0 {
		return
	}
	text := st.buf.String()
	st.resetBuf()
	if finishing {
		text = strings.TrimSuffix(text, "\r")
		if text == "" {
			return
		}
	}
	w.append(runID, st, models.RollupRecord{
		Type:      models.RollupOutputLine,
		CreatedAt: at,
		Source:    st.source,
		Text:      text,
	})
}

// append persists one record unless the run's rollup has been disabled by
// an earlier failure.
func (w *Writer) append(runID string, st *runState, rec models.RollupRecord) {
	if st.disabled {
		return
	}
	if err := w.sink.AppendRollupRecord(runID, rec); err != nil {
		// One failure disables persistence for this run; broadcast and
		// the raw log continue unaffected.
		st.disabled = true
		st.resetBuf()
		w.logger.Warn("rollup persistence disabled for run",
			zap.String("run_id", runID),
			zap.Error(err))
	}
}

// isControlMarker reports whether a delta is exactly one of the control
// markers, in any case.
func isControlMarker(delta string) bool {
	return strings.EqualFold(delta, "thinking") || strings.EqualFold(delta, "final")
}
