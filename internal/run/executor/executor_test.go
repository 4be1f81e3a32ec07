package executor

import (
	"context"
	"encoding/json"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexd/codexd/internal/common/config"
	"github.com/codexd/codexd/internal/common/logger"
	"github.com/codexd/codexd/internal/run/agent"
	"github.com/codexd/codexd/internal/run/models"
	"github.com/codexd/codexd/pkg/codex"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func TestForRun(t *testing.T) {
	assert.IsType(t, ExecStrategy{}, ForRun(models.Run{Kind: models.KindExec}))
	assert.IsType(t, ReviewStrategy{}, ForRun(models.Run{Kind: models.KindReview}))
}

func TestMapTurnStatus(t *testing.T) {
	cases := []struct {
		name   string
		result agent.TurnResult
		want   Outcome
	}{
		{"completed", agent.TurnResult{Status: "completed"}, Outcome{Status: models.StatusSucceeded}},
		{"failed with message", agent.TurnResult{Status: "failed", ErrorMessage: "boom"}, Outcome{Status: models.StatusFailed, ErrorMessage: "boom"}},
		{"interrupted", agent.TurnResult{Status: "interrupted"}, Outcome{Status: models.StatusInterrupted}},
		{"unknown counts as success", agent.TurnResult{Status: ""}, Outcome{Status: models.StatusSucceeded}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, mapTurnStatus(tc.result))
		})
	}
}

func TestReadChunks(t *testing.T) {
	collect := func(input string) []string {
		var chunks []string
		readChunks(strings.NewReader(input), func(s string) {
			chunks = append(chunks, s)
		})
		return chunks
	}

	t.Run("newline closes a chunk", func(t *testing.T) {
		assert.Equal(t, []string{"one\n", "two\n"}, collect("one\ntwo\n"))
	})

	t.Run("trailing partial flushed", func(t *testing.T) {
		assert.Equal(t, []string{"one\n", "partial"}, collect("one\npartial"))
	})

	t.Run("long output split at chunk size", func(t *testing.T) {
		chunks := collect(strings.Repeat("x", reviewChunkSize+5))
		require.Len(t, chunks, 2)
		assert.Len(t, chunks[0], reviewChunkSize)
		assert.Equal(t, "xxxxx", chunks[1])
	})

	t.Run("empty input yields nothing", func(t *testing.T) {
		assert.Empty(t, collect(""))
	})
}

func TestChunkQueue(t *testing.T) {
	t.Run("preserves push order", func(t *testing.T) {
		q := newChunkQueue()
		for i := 0; i < 100; i++ {
			q.push(chunk{text: strconv.Itoa(i)})
		}
		q.close()

		var got []string
		for c := range q.out {
			got = append(got, c.text)
		}
		require.Len(t, got, 100)
		for i, text := range got {
			assert.Equal(t, strconv.Itoa(i), text)
		}
	})

	t.Run("push after close dropped", func(t *testing.T) {
		q := newChunkQueue()
		q.close()
		q.push(chunk{text: "late"})
		for range q.out {
			t.Fatal("received a chunk pushed after close")
		}
	})
}

type publishRecorder struct {
	mu      sync.Mutex
	methods []string
	deltas  []string
}

func (p *publishRecorder) publish(method string, params json.RawMessage) {
	var body struct {
		Delta string `json:"delta"`
	}
	_ = json.Unmarshal(params, &body)
	p.mu.Lock()
	p.methods = append(p.methods, method)
	p.deltas = append(p.deltas, body.Delta)
	p.mu.Unlock()
}

func subprocessEnv(t *testing.T, command string, rec *publishRecorder) Env {
	t.Helper()
	return Env{
		Codex:               config.CodexConfig{Enabled: true, Command: command},
		Logger:              testLogger(t),
		PublishNotification: rec.publish,
		SetCodexIDs:         func(string, string, string) {},
		SetInterrupt:        func(func()) {},
		SetSteer:            func(func(context.Context, string) error) {},
	}
}

func TestReviewSubprocess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on unix shell utilities")
	}

	t.Run("stdout becomes agent message deltas", func(t *testing.T) {
		rec := &publishRecorder{}
		// "echo review --base main" prints the argument line and exits 0.
		run := models.Run{
			Kind:   models.KindReview,
			Cwd:    t.TempDir(),
			Review: &models.Review{Mode: models.ReviewModeExec, BaseBranch: "main"},
		}
		out := ReviewStrategy{}.Execute(context.Background(), run, subprocessEnv(t, "echo", rec))

		assert.Equal(t, models.StatusSucceeded, out.Status)
		require.NotEmpty(t, rec.methods)
		assert.Equal(t, codex.NotifyItemAgentMessageDelta, rec.methods[0])
		assert.Equal(t, "review --base main\n", rec.deltas[0])
	})

	t.Run("missing command fails the run", func(t *testing.T) {
		rec := &publishRecorder{}
		run := models.Run{
			Kind:   models.KindReview,
			Cwd:    t.TempDir(),
			Review: &models.Review{Mode: models.ReviewModeExec, Uncommitted: true},
		}
		out := ReviewStrategy{}.Execute(context.Background(), run, subprocessEnv(t, "/no/such/binary", rec))

		assert.Equal(t, models.StatusFailed, out.Status)
		assert.NotEmpty(t, out.ErrorMessage)
	})

	t.Run("nonzero exit surfaces stderr tail", func(t *testing.T) {
		rec := &publishRecorder{}
		run := models.Run{
			Kind: models.KindReview,
			Cwd:  t.TempDir(),
			// sh -c would be cleaner, but the strategy owns the argv; "false"
			// exits 1 with no output, so the exit error is the message.
			Review: &models.Review{Mode: models.ReviewModeExec, Uncommitted: true},
		}
		out := ReviewStrategy{}.Execute(context.Background(), run, subprocessEnv(t, "false", rec))

		assert.Equal(t, models.StatusFailed, out.Status)
		assert.Contains(t, out.ErrorMessage, "exit status")
	})

	t.Run("canceled context maps to interrupted", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		rec := &publishRecorder{}
		run := models.Run{
			Kind:   models.KindReview,
			Cwd:    t.TempDir(),
			Review: &models.Review{Mode: models.ReviewModeExec, Uncommitted: true},
		}
		out := ReviewStrategy{}.Execute(ctx, run, subprocessEnv(t, "echo", rec))
		assert.Equal(t, models.StatusInterrupted, out.Status)
	})
}

func TestReviewWithoutOptionsFails(t *testing.T) {
	out := ReviewStrategy{}.Execute(context.Background(), models.Run{Kind: models.KindReview}, Env{Logger: testLogger(t)})
	assert.Equal(t, models.StatusFailed, out.Status)
}
