// Package store provides durable, crash-safe persistence for runs: the
// run.json record, the append-only raw event log, the derived rollup log,
// and the global run index.
//
// Layout under the state directory:
//
//	runs/index.jsonl
//	runs/YYYY/MM/DD/<runId>/run.json
//	runs/YYYY/MM/DD/<runId>/events.jsonl
//	runs/YYYY/MM/DD/<runId>/rollup.jsonl
//
// run.json is replaced via temp+rename so readers see either the old or the
// new record, never a torn write. The JSONL logs are append-only; corrupt
// lines are skipped with a single warning.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codexd/codexd/internal/common/logger"
	"github.com/codexd/codexd/internal/common/pathutil"
	"github.com/codexd/codexd/internal/run/models"
)

const (
	// MaxTailRecords caps tail reads on both logs.
	MaxTailRecords = 200_000

	// maxDayDirScan bounds the directory fallback when the index is
	// missing or corrupt.
	maxDayDirScan = 5_000

	runFileName    = "run.json"
	rawLogFileName = "events.jsonl"
	rollupFileName = "rollup.jsonl"
	indexFileName  = "index.jsonl"
)

// ErrRunNotFound is returned when a run id cannot be resolved.
var ErrRunNotFound = errors.New("run not found")

// Options configures a Store.
type Options struct {
	// PersistRaw enables the per-run raw envelope log. The rollup log is
	// always written.
	PersistRaw bool
}

// CreateOptions carries the validated fields of a new run.
type CreateOptions struct {
	Cwd            string
	Prompt         string
	Kind           models.Kind
	Review         *models.Review
	Model          string
	Effort         string
	Sandbox        string
	ApprovalPolicy string
}

// Store owns the persisted run state. It is the sole writer of run records,
// both logs, and the index; readers share the files.
type Store struct {
	stateDir string
	runsDir  string
	opts     Options
	logger   *logger.Logger

	// A single process-wide mutex serializes writes. Reads go through the
	// filesystem without it; atomic rename keeps run.json consistent.
	mu sync.Mutex

	// warnedCorrupt tracks per-file corrupt-line warnings so each file
	// logs at most once.
	warnedCorrupt sync.Map

	// dirs caches runID → absolute run directory. Run directories never
	// move, so entries are valid for the process lifetime; without the
	// cache every log append re-reads the whole index.
	dirs sync.Map
}

// New creates a Store rooted at stateDir, creating the runs directory.
func New(stateDir string, opts Options, log *logger.Logger) (*Store, error) {
	runsDir := filepath.Join(stateDir, "runs")
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create runs directory: %w", err)
	}
	return &Store{
		stateDir: stateDir,
		runsDir:  runsDir,
		opts:     opts,
		logger:   log.WithFields(zap.String("component", "run-store")),
	}, nil
}

// StateDir returns the root state directory.
func (s *Store) StateDir() string { return s.stateDir }

// PersistRaw reports whether the raw envelope log is enabled.
func (s *Store) PersistRaw() bool { return s.opts.PersistRaw }

// Create allocates a run id, creates the dated run directory, appends the
// index entry, and writes the initial queued record.
func (s *Store) Create(opts CreateOptions) (models.Run, string, error) {
	now := time.Now().UTC()
	run := models.Run{
		RunID:          uuid.New().String(),
		CreatedAt:      now,
		Cwd:            opts.Cwd,
		Status:         models.StatusQueued,
		Kind:           opts.Kind,
		Prompt:         opts.Prompt,
		Review:         opts.Review,
		Model:          opts.Model,
		Effort:         opts.Effort,
		Sandbox:        opts.Sandbox,
		ApprovalPolicy: opts.ApprovalPolicy,
	}

	relDir := filepath.Join(now.Format("2006"), now.Format("01"), now.Format("02"), run.RunID)
	dir := filepath.Join(s.runsDir, relDir)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.Run{}, "", fmt.Errorf("failed to create run directory: %w", err)
	}
	entry := models.IndexEntry{
		RunID:       run.RunID,
		CreatedAt:   now,
		Cwd:         run.Cwd,
		RelativeDir: filepath.ToSlash(relDir),
	}
	if err := s.appendLineLocked(s.indexPath(), entry); err != nil {
		return models.Run{}, "", fmt.Errorf("failed to append index entry: %w", err)
	}
	if err := s.writeRunLocked(dir, run); err != nil {
		return models.Run{}, "", err
	}
	s.dirs.Store(run.RunID, dir)
	return run, dir, nil
}

// TryGet returns the latest persisted record for runID, or nil when the run
// is unknown. A read racing the rename window is retried once.
func (s *Store) TryGet(runID string) (*models.Run, error) {
	dir, err := s.ResolveRunDirectory(runID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return nil, nil
		}
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		data, err := os.ReadFile(filepath.Join(dir, runFileName))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && attempt == 0 {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to read run record: %w", err)
		}
		var run models.Run
		if err := json.Unmarshal(data, &run); err != nil {
			if attempt == 0 {
				// Mid-rename torn read on filesystems without atomic
				// rename visibility; retry once.
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to decode run record: %w", err)
		}
		return &run, nil
	}
}

// Update atomically replaces the persisted record for run.RunID.
func (s *Store) Update(run models.Run) error {
	dir, err := s.ResolveRunDirectory(run.RunID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeRunLocked(dir, run)
}

// AppendRawEvent appends one envelope line to events.jsonl. It is a no-op
// when raw persistence is disabled.
func (s *Store) AppendRawEvent(runID string, env models.EventEnvelope) error {
	if !s.opts.PersistRaw {
		return nil
	}
	dir, err := s.ResolveRunDirectory(runID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLineLocked(filepath.Join(dir, rawLogFileName), env)
}

// AppendRollupRecord appends one record line to rollup.jsonl.
func (s *Store) AppendRollupRecord(runID string, rec models.RollupRecord) error {
	dir, err := s.ResolveRunDirectory(runID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLineLocked(filepath.Join(dir, rollupFileName), rec)
}

// EnumerateRawEvents streams the raw log in append order. fn returning
// false stops the enumeration. A missing log yields no records.
func (s *Store) EnumerateRawEvents(runID string, fn func(models.EventEnvelope) bool) error {
	dir, err := s.ResolveRunDirectory(runID)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, rawLogFileName)
	return enumerateJSONL(s, path, fn)
}

// ReadRawEvents returns up to tail most recent raw envelopes, in append
// order. tail is clamped to MaxTailRecords; tail <= 0 means the full cap.
func (s *Store) ReadRawEvents(runID string, tail int) ([]models.EventEnvelope, error) {
	tail = clampTail(tail)
	ring := make([]models.EventEnvelope, 0, min(tail, 1024))
	err := s.EnumerateRawEvents(runID, func(env models.EventEnvelope) bool {
		if len(ring) == tail {
			copy(ring, ring[1:])
			ring = ring[:tail-1]
		}
		ring = append(ring, env)
		return true
	})
	return ring, err
}

// EnumerateRollup streams the rollup log in append order.
func (s *Store) EnumerateRollup(runID string, fn func(models.RollupRecord) bool) error {
	dir, err := s.ResolveRunDirectory(runID)
	if err != nil {
		return err
	}
	return enumerateJSONL(s, filepath.Join(dir, rollupFileName), fn)
}

// ReadRollup returns up to tail most recent rollup records, in append order.
func (s *Store) ReadRollup(runID string, tail int) ([]models.RollupRecord, error) {
	tail = clampTail(tail)
	ring := make([]models.RollupRecord, 0, min(tail, 1024))
	err := s.EnumerateRollup(runID, func(rec models.RollupRecord) bool {
		if len(ring) == tail {
			copy(ring, ring[1:])
			ring = ring[:tail-1]
		}
		ring = append(ring, rec)
		return true
	})
	return ring, err
}

// ListByCwd loads every indexed run, filtered to the given canonical cwd
// unless all is true. Duplicate index entries resolve last-wins; corrupt
// lines are skipped.
func (s *Store) ListByCwd(cwd string, all bool) ([]models.Run, error) {
	entries, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	runs := make([]models.Run, 0, len(entries))
	for _, entry := range entries {
		if !all && !pathutil.Equal(entry.Cwd, cwd) {
			continue
		}
		run, err := s.TryGet(entry.RunID)
		if err != nil || run == nil {
			continue
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// ResolveRunDirectory maps runID to its absolute directory: cache first,
// then the index. When the index is missing the entry, a bounded scan of
// the dated tree recovers the directory and repairs the index by appending
// the entry.
func (s *Store) ResolveRunDirectory(runID string) (string, error) {
	if dir, ok := s.dirs.Load(runID); ok {
		return dir.(string), nil
	}

	entries, err := s.readIndex()
	if err == nil {
		for i := len(entries) - 1; i >= 0; i-- {
			if entries[i].RunID == runID {
				dir := filepath.Join(s.runsDir, filepath.FromSlash(entries[i].RelativeDir))
				s.dirs.Store(runID, dir)
				return dir, nil
			}
		}
	}

	relDir, run, found := s.scanForRun(runID)
	if !found {
		return "", ErrRunNotFound
	}

	// Repair: append the recovered entry so the next lookup is O(index).
	entry := models.IndexEntry{
		RunID:       runID,
		CreatedAt:   run.CreatedAt,
		Cwd:         run.Cwd,
		RelativeDir: filepath.ToSlash(relDir),
	}
	s.mu.Lock()
	if err := s.appendLineLocked(s.indexPath(), entry); err != nil {
		s.logger.Warn("failed to repair run index", zap.String("run_id", runID), zap.Error(err))
	}
	s.mu.Unlock()

	dir := filepath.Join(s.runsDir, filepath.FromSlash(relDir))
	s.dirs.Store(runID, dir)
	return dir, nil
}

// HasRawEvents reports whether the run has a non-empty raw event log.
func (s *Store) HasRawEvents(runID string) bool {
	dir, err := s.ResolveRunDirectory(runID)
	if err != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(dir, rawLogFileName))
	return err == nil && info.Size() > 0
}

// AllIndexEntries returns the deduplicated index (last entry wins).
func (s *Store) AllIndexEntries() ([]models.IndexEntry, error) {
	return s.readIndex()
}

func (s *Store) indexPath() string {
	return filepath.Join(s.runsDir, indexFileName)
}

func (s *Store) readIndex() ([]models.IndexEntry, error) {
	var entries []models.IndexEntry
	seen := make(map[string]int)
	err := enumerateJSONL(s, s.indexPath(), func(entry models.IndexEntry) bool {
		if entry.RunID == "" || entry.RelativeDir == "" {
			return true
		}
		if i, ok := seen[entry.RunID]; ok {
			entries[i] = entry
			return true
		}
		seen[entry.RunID] = len(entries)
		entries = append(entries, entry)
		return true
	})
	return entries, err
}

// scanForRun walks runs/YYYY/MM/DD looking for a directory named runID with
// a valid run.json. The walk visits at most maxDayDirScan day directories.
func (s *Store) scanForRun(runID string) (string, *models.Run, bool) {
	years, err := os.ReadDir(s.runsDir)
	if err != nil {
		return "", nil, false
	}
	visited := 0
	for _, year := range years {
		if !year.IsDir() {
			continue
		}
		months, err := os.ReadDir(filepath.Join(s.runsDir, year.Name()))
		if err != nil {
			continue
		}
		for _, month := range months {
			if !month.IsDir() {
				continue
			}
			days, err := os.ReadDir(filepath.Join(s.runsDir, year.Name(), month.Name()))
			if err != nil {
				continue
			}
			for _, day := range days {
				if !day.IsDir() {
					continue
				}
				visited++
				if visited > maxDayDirScan {
					return "", nil, false
				}
				relDir := filepath.Join(year.Name(), month.Name(), day.Name(), runID)
				data, err := os.ReadFile(filepath.Join(s.runsDir, relDir, runFileName))
				if err != nil {
					continue
				}
				var run models.Run
				if err := json.Unmarshal(data, &run); err != nil {
					continue
				}
				return relDir, &run, true
			}
		}
	}
	return "", nil, false
}

// writeRunLocked replaces run.json via temp+rename. Callers hold s.mu.
func (s *Store) writeRunLocked(dir string, run models.Run) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run record: %w", err)
	}
	tmp, err := os.CreateTemp(dir, runFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp run record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write run record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close run record: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, runFileName)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace run record: %w", err)
	}
	return nil
}

// appendLineLocked serializes v and appends it as one line. Callers hold s.mu.
func (s *Store) appendLineLocked(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append to %s: %w", filepath.Base(path), err)
	}
	return nil
}

// enumerateJSONL streams path line by line, decoding into T. Corrupt lines
// are skipped; the first one per file logs a warning.
func enumerateJSONL[T any](s *Store, path string, fn func(T) bool) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			if _, warned := s.warnedCorrupt.LoadOrStore(path, true); !warned {
				s.logger.Warn("skipping corrupt line",
					zap.String("file", path),
					zap.Error(err))
			}
			continue
		}
		if !fn(v) {
			return nil
		}
	}
	return scanner.Err()
}

func clampTail(tail int) int {
	if tail <= 0 || tail > MaxTailRecords {
		return MaxTailRecords
	}
	return tail
}
