package codexruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexd/codexd/internal/common/config"
	"github.com/codexd/codexd/internal/common/logger"
	"github.com/codexd/codexd/internal/run/agent"
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

func TestDisabledRuntime(t *testing.T) {
	r := New(config.CodexConfig{Enabled: false}, "test", testLogger(t))
	r.Start()

	assert.Equal(t, agent.StatusDisabled, r.Status())

	_, err := r.AwaitClient(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
}

func TestRuntimeFaultsAfterRepeatedSpawnFailures(t *testing.T) {
	// A command that cannot exist; every spawn attempt fails immediately.
	cfg := config.CodexConfig{
		Enabled:        true,
		Command:        "/no/such/codex-binary",
		AppServerArgs:  []string{"app-server"},
		RestartBackoff: 0, // clamped to 1s minimum; keep attempts quick via short ctx below
	}
	r := New(cfg, "test", testLogger(t))
	r.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := r.AwaitClient(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "faulted")
	assert.Equal(t, agent.StatusFaulted, r.Status())

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	require.NoError(t, r.Shutdown(sctx))
}

func TestAwaitClientHonorsContext(t *testing.T) {
	// Starting state with no supervisor running: AwaitClient must give up
	// when the caller's context expires.
	r := New(config.CodexConfig{Enabled: true, Command: "codex"}, "test", testLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.AwaitClient(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShutdownIsFinal(t *testing.T) {
	r := New(config.CodexConfig{Enabled: true, Command: "codex"}, "test", testLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	assert.Equal(t, agent.StatusDisposed, r.Status())
	_, err := r.AwaitClient(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disposed")
}

func TestClientVersion(t *testing.T) {
	assert.Equal(t, "dev", clientVersion(""))
	assert.Equal(t, "1.2.3", clientVersion("1.2.3"))
}

func TestTurnHandle(t *testing.T) {
	t.Run("delivers queued notifications in order", func(t *testing.T) {
		h := newTurnHandle(nil, "thread-1")
		for i := 0; i < 10; i++ {
			h.enqueue(agent.Notification{Method: fmt.Sprintf("m%d", i), Params: json.RawMessage(`{}`)})
		}
		h.complete(agent.TurnResult{Status: "completed"})

		var got []string
		for n := range h.Notifications() {
			got = append(got, n.Method)
		}
		require.Len(t, got, 10)
		for i, m := range got {
			assert.Equal(t, fmt.Sprintf("m%d", i), m)
		}

		res, err := h.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "completed", res.Status)
	})

	t.Run("channel closes after completion", func(t *testing.T) {
		h := newTurnHandle(nil, "thread-1")
		h.complete(agent.TurnResult{Status: "interrupted"})
		select {
		case _, open := <-h.Notifications():
			if open {
				t.Fatal("unexpected notification")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("notification channel never closed")
		}
	})

	t.Run("first completion wins", func(t *testing.T) {
		h := newTurnHandle(nil, "thread-1")
		h.complete(agent.TurnResult{Status: "failed", ErrorMessage: "boom"})
		h.complete(agent.TurnResult{Status: "completed"})

		res, err := h.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "failed", res.Status)
		assert.Equal(t, "boom", res.ErrorMessage)
	})

	t.Run("first observed id wins", func(t *testing.T) {
		h := newTurnHandle(nil, "thread-1")
		assert.Empty(t, h.ID())
		h.observeID("")
		assert.Empty(t, h.ID())
		h.observeID("turn-a")
		h.observeID("turn-b")
		assert.Equal(t, "turn-a", h.ID())
		h.discard()
	})

	t.Run("wait honors context", func(t *testing.T) {
		h := newTurnHandle(nil, "thread-1")
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := h.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		h.discard()
	})
}
