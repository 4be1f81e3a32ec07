package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexd/codexd/internal/common/logger"
	"github.com/codexd/codexd/internal/run/models"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	st, err := New(t.TempDir(), Options{PersistRaw: true}, log)
	require.NoError(t, err)
	return st
}

// reopenStore simulates a daemon restart: same state dir, empty caches.
func reopenStore(t *testing.T, st *Store) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	fresh, err := New(st.StateDir(), Options{PersistRaw: true}, log)
	require.NoError(t, err)
	return fresh
}

func TestCreateAndGet(t *testing.T) {
	st := setupStore(t)

	run, dir, err := st.Create(CreateOptions{
		Cwd:    "/tmp/proj",
		Prompt: "hello",
		Kind:   models.KindExec,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, models.StatusQueued, run.Status)
	assert.DirExists(t, dir)
	assert.FileExists(t, filepath.Join(dir, "run.json"))

	got, err := st.TryGet(run.RunID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, run.RunID, got.RunID)
	assert.Equal(t, "/tmp/proj", got.Cwd)
	assert.Equal(t, "hello", got.Prompt)
}

func TestTryGetUnknownRun(t *testing.T) {
	st := setupStore(t)

	got, err := st.TryGet("no-such-run")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateReplacesRecord(t *testing.T) {
	st := setupStore(t)

	run, _, err := st.Create(CreateOptions{Cwd: "/tmp/proj", Prompt: "p", Kind: models.KindExec})
	require.NoError(t, err)

	updated := run.With(func(r *models.Run) {
		r.Status = models.StatusRunning
		now := time.Now().UTC()
		r.StartedAt = &now
	})
	require.NoError(t, st.Update(updated))

	got, err := st.TryGet(run.RunID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestRawEventsAppendAndTail(t *testing.T) {
	st := setupStore(t)
	run, _, err := st.Create(CreateOptions{Cwd: "/tmp/proj", Prompt: "p", Kind: models.KindExec})
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		env := models.EventEnvelope{
			Type:      models.EventCodexNotification,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			Data:      json.RawMessage(`{"method":"item/agentMessage/delta"}`),
		}
		require.NoError(t, st.AppendRawEvent(run.RunID, env))
	}

	all, err := st.ReadRawEvents(run.RunID, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	// Append order preserved, createdAt non-decreasing.
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.Before(all[i-1].CreatedAt))
	}

	tail, err := st.ReadRawEvents(run.RunID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, all[3].CreatedAt, tail[0].CreatedAt)
	assert.Equal(t, all[4].CreatedAt, tail[1].CreatedAt)
}

func TestRawEventsDisabled(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	st, err := New(t.TempDir(), Options{PersistRaw: false}, log)
	require.NoError(t, err)

	run, dir, err := st.Create(CreateOptions{Cwd: "/tmp/proj", Prompt: "p", Kind: models.KindExec})
	require.NoError(t, err)
	require.NoError(t, st.AppendRawEvent(run.RunID, models.EventEnvelope{Type: "codex.notification"}))

	assert.NoFileExists(t, filepath.Join(dir, "events.jsonl"))
	assert.False(t, st.HasRawEvents(run.RunID))
}

func TestRollupAppendAndRead(t *testing.T) {
	st := setupStore(t)
	run, _, err := st.Create(CreateOptions{Cwd: "/tmp/proj", Prompt: "p", Kind: models.KindExec})
	require.NoError(t, err)

	require.NoError(t, st.AppendRollupRecord(run.RunID, models.RollupRecord{
		Type: models.RollupOutputLine, Text: "one", EndsWithNewline: true,
	}))
	require.NoError(t, st.AppendRollupRecord(run.RunID, models.RollupRecord{
		Type: models.RollupAgentMessage, Text: "done",
	}))

	recs, err := st.ReadRollup(run.RunID, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "one", recs[0].Text)
	assert.True(t, recs[0].EndsWithNewline)
	assert.Equal(t, models.RollupAgentMessage, recs[1].Type)
}

func TestCorruptLinesSkipped(t *testing.T) {
	st := setupStore(t)
	run, dir, err := st.Create(CreateOptions{Cwd: "/tmp/proj", Prompt: "p", Kind: models.KindExec})
	require.NoError(t, err)

	require.NoError(t, st.AppendRollupRecord(run.RunID, models.RollupRecord{Type: models.RollupOutputLine, Text: "good"}))
	f, err := os.OpenFile(filepath.Join(dir, "rollup.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, st.AppendRollupRecord(run.RunID, models.RollupRecord{Type: models.RollupOutputLine, Text: "after"}))

	recs, err := st.ReadRollup(run.RunID, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "good", recs[0].Text)
	assert.Equal(t, "after", recs[1].Text)
}

func TestListByCwd(t *testing.T) {
	st := setupStore(t)

	a, _, err := st.Create(CreateOptions{Cwd: "/tmp/a", Prompt: "p", Kind: models.KindExec})
	require.NoError(t, err)
	_, _, err = st.Create(CreateOptions{Cwd: "/tmp/b", Prompt: "p", Kind: models.KindExec})
	require.NoError(t, err)

	matched, err := st.ListByCwd("/tmp/a", false)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, a.RunID, matched[0].RunID)

	all, err := st.ListByCwd("", true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestResolveRunDirectoryRepairsIndex(t *testing.T) {
	st := setupStore(t)
	run, dir, err := st.Create(CreateOptions{Cwd: "/tmp/proj", Prompt: "p", Kind: models.KindExec})
	require.NoError(t, err)

	// Simulate a lost index across a restart; the bounded scan must
	// recover the directory and append a repaired entry.
	indexPath := filepath.Join(st.StateDir(), "runs", "index.jsonl")
	require.NoError(t, os.Remove(indexPath))
	st = reopenStore(t, st)

	resolved, err := st.ResolveRunDirectory(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, dir, resolved)

	entries, err := st.AllIndexEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, run.RunID, entries[0].RunID)
}

func TestIndexDuplicatesLastWins(t *testing.T) {
	st := setupStore(t)
	run, _, err := st.Create(CreateOptions{Cwd: "/tmp/proj", Prompt: "p", Kind: models.KindExec})
	require.NoError(t, err)

	// Duplicate entry pointing somewhere else, appended later, wins.
	entry := models.IndexEntry{RunID: run.RunID, CreatedAt: run.CreatedAt, Cwd: run.Cwd, RelativeDir: "2026/01/01/" + run.RunID}
	line, err := json.Marshal(entry)
	require.NoError(t, err)
	indexPath := filepath.Join(st.StateDir(), "runs", "index.jsonl")
	f, err := os.OpenFile(indexPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(append(line, '\n'))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// A fresh instance reads the index; the later entry wins.
	st = reopenStore(t, st)
	resolved, err := st.ResolveRunDirectory(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(st.StateDir(), "runs", "2026", "01", "01", run.RunID), resolved)
}

func TestResolveRunDirectoryCached(t *testing.T) {
	st := setupStore(t)
	run, dir, err := st.Create(CreateOptions{Cwd: "/tmp/proj", Prompt: "p", Kind: models.KindExec})
	require.NoError(t, err)

	// With the directory cached at create time, appends keep landing even
	// when the index file disappears mid-flight.
	indexPath := filepath.Join(st.StateDir(), "runs", "index.jsonl")
	require.NoError(t, os.Remove(indexPath))

	resolved, err := st.ResolveRunDirectory(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, dir, resolved)

	require.NoError(t, st.AppendRawEvent(run.RunID, models.EventEnvelope{
		Type: models.EventCodexNotification, CreatedAt: run.CreatedAt, Data: []byte(`{}`),
	}))
	assert.FileExists(t, filepath.Join(dir, "events.jsonl"))
}
