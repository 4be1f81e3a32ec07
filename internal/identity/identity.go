// Package identity manages the daemon's on-disk identity and the discovery
// document local clients use to find a running instance.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	identityFileName = "identity.json"
	runtimeFileName  = "daemon.runtime.json"
)

// Identity is the persistent runner identity. The token is the shared
// bearer secret local clients authenticate with.
type Identity struct {
	RunnerID  string    `json:"runnerId"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
}

// RuntimeDoc is the discovery document written while the daemon listens.
type RuntimeDoc struct {
	BaseURL      string    `json:"baseUrl"`
	Port         int       `json:"port"`
	PID          int       `json:"pid"`
	StartedAtUtc time.Time `json:"startedAtUtc"`
	StateDir     string    `json:"stateDir"`
	Version      string    `json:"version"`
}

// LoadOrCreate reads identity.json, minting a fresh identity on first
// start. The file is written 0600: it holds the bearer token.
func LoadOrCreate(stateDir string) (*Identity, error) {
	path := filepath.Join(stateDir, identityFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		var id Identity
		if err := json.Unmarshal(data, &id); err == nil && id.RunnerID != "" && id.Token != "" {
			return &id, nil
		}
		// Corrupt identity: mint a new one rather than lock the host out.
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	token := make([]byte, 32)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	id := &Identity{
		RunnerID:  uuid.New().String(),
		Token:     hex.EncodeToString(token),
		CreatedAt: time.Now().UTC(),
	}
	if err := writeFileAtomic(path, id, 0o600); err != nil {
		return nil, err
	}
	return id, nil
}

// WriteRuntimeDoc publishes the discovery document.
func WriteRuntimeDoc(stateDir string, doc RuntimeDoc) error {
	return writeFileAtomic(filepath.Join(stateDir, runtimeFileName), doc, 0o644)
}

// RemoveRuntimeDoc withdraws the discovery document on shutdown.
func RemoveRuntimeDoc(stateDir string) error {
	err := os.Remove(filepath.Join(stateDir, runtimeFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ReadRuntimeDoc loads the discovery document, if present.
func ReadRuntimeDoc(stateDir string) (*RuntimeDoc, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, runtimeFileName))
	if err != nil {
		return nil, err
	}
	var doc RuntimeDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode runtime doc: %w", err)
	}
	return &doc, nil
}

// writeFileAtomic writes via temp+rename so readers never see a torn file.
func writeFileAtomic(path string, v interface{}, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
