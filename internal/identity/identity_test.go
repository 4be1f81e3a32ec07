package identity

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreate(t *testing.T) {
	t.Run("mints identity on first start", func(t *testing.T) {
		dir := t.TempDir()
		id, err := LoadOrCreate(dir)
		require.NoError(t, err)
		assert.NotEmpty(t, id.RunnerID)
		assert.Len(t, id.Token, 64) // 32 random bytes, hex encoded
		assert.False(t, id.CreatedAt.IsZero())

		if runtime.GOOS != "windows" {
			info, err := os.Stat(filepath.Join(dir, "identity.json"))
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
		}
	})

	t.Run("stable across restarts", func(t *testing.T) {
		dir := t.TempDir()
		first, err := LoadOrCreate(dir)
		require.NoError(t, err)
		second, err := LoadOrCreate(dir)
		require.NoError(t, err)
		assert.Equal(t, first.RunnerID, second.RunnerID)
		assert.Equal(t, first.Token, second.Token)
	})

	t.Run("corrupt file is replaced", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "identity.json"), []byte("{broken"), 0o600))
		id, err := LoadOrCreate(dir)
		require.NoError(t, err)
		assert.NotEmpty(t, id.RunnerID)
		assert.NotEmpty(t, id.Token)
	})
}

func TestRuntimeDoc(t *testing.T) {
	dir := t.TempDir()
	doc := RuntimeDoc{
		BaseURL:      "http://127.0.0.1:7311",
		Port:         7311,
		PID:          4242,
		StartedAtUtc: time.Now().UTC().Truncate(time.Second),
		StateDir:     dir,
		Version:      "1.0.0",
	}
	require.NoError(t, WriteRuntimeDoc(dir, doc))

	got, err := ReadRuntimeDoc(dir)
	require.NoError(t, err)
	assert.Equal(t, doc.BaseURL, got.BaseURL)
	assert.Equal(t, doc.Port, got.Port)
	assert.Equal(t, doc.PID, got.PID)

	require.NoError(t, RemoveRuntimeDoc(dir))
	_, err = ReadRuntimeDoc(dir)
	assert.Error(t, err)

	// Removing an absent doc is not an error.
	assert.NoError(t, RemoveRuntimeDoc(dir))
}
