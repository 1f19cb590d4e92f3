package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"slideSummarize/config"
	"slideSummarize/core"
)

// StateStore holds the single last-accepted slide plus the append-only
// history of accepted changes. SaveState replaces all state fields
// together; a reader never observes a partial update.
type StateStore interface {
	LoadState(ctx context.Context) (*core.SlideState, error)
	SaveState(ctx context.Context, state *core.SlideState) error
	AppendHistory(ctx context.Context, entry core.HistoryEntry) (core.HistoryEntry, error)
	History(ctx context.Context, limit int) ([]core.HistoryEntry, error)
	ResetHistory(ctx context.Context) error
}

// InitStateStore selects the backend from the STORE environment variable:
// "file" (default, crash-recoverable), "pgvector" or "memory". A backend
// that fails to initialize falls back to memory with a warning so the
// service still comes up.
func InitStateStore(cfg *config.Config) StateStore {
	kind := strings.ToLower(strings.TrimSpace(os.Getenv("STORE")))
	switch kind {
	case "memory":
		return NewMemoryStateStore()
	case "pgvector":
		s, err := NewPgStateStore(cfg)
		if err != nil {
			log.Printf("Warning: failed to initialize pgvector store (%v), falling back to memory store", err)
			return NewMemoryStateStore()
		}
		return s
	case "file", "":
		s, err := NewFileStateStore(cfg.DataDir)
		if err != nil {
			log.Printf("Warning: failed to initialize file store (%v), falling back to memory store", err)
			return NewMemoryStateStore()
		}
		return s
	default:
		log.Printf("Warning: unknown STORE backend %q, using memory store", kind)
		return NewMemoryStateStore()
	}
}

// ---------------- Memory implementation (kept for fallback) ----------------

type MemoryStateStore struct {
	mu      sync.RWMutex
	state   *core.SlideState
	history []core.HistoryEntry
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

func (s *MemoryStateStore) LoadState(ctx context.Context) (*core.SlideState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return &core.SlideState{}, nil
	}
	copied := *s.state
	return &copied, nil
}

func (s *MemoryStateStore) SaveState(ctx context.Context, state *core.SlideState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *state
	s.state = &copied
	return nil
}

func (s *MemoryStateStore) AppendHistory(ctx context.Context, entry core.HistoryEntry) (core.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Sequence = int64(len(s.history)) + 1
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.history = append(s.history, entry)
	return entry, nil
}

func (s *MemoryStateStore) History(ctx context.Context, limit int) ([]core.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.history
	if limit > 0 && limit < len(entries) {
		entries = entries[len(entries)-limit:]
	}
	out := make([]core.HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *MemoryStateStore) ResetHistory(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	s.state = nil
	return nil
}

// ---------------- File implementation ----------------

// FileStateStore persists state and history as JSON files under dir.
// Writes go through a temp file plus rename so a crash mid-write never
// leaves a torn document behind.
type FileStateStore struct {
	mu  sync.Mutex
	dir string
}

func NewFileStateStore(dir string) (*FileStateStore, error) {
	if dir == "" {
		dir = "data"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStateStore{dir: dir}, nil
}

func (s *FileStateStore) statePath() string   { return filepath.Join(s.dir, "last_slide.json") }
func (s *FileStateStore) historyPath() string { return filepath.Join(s.dir, "slides_log.json") }

func (s *FileStateStore) LoadState(ctx context.Context) (*core.SlideState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var state core.SlideState
	if err := readJSONFile(s.statePath(), &state); err != nil {
		if os.IsNotExist(err) {
			return &core.SlideState{}, nil
		}
		return nil, core.Persistencef("load state: %v", err)
	}
	return &state, nil
}

func (s *FileStateStore) SaveState(ctx context.Context, state *core.SlideState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeJSONFileAtomic(s.statePath(), state); err != nil {
		return core.Persistencef("save state: %v", err)
	}
	return nil
}

func (s *FileStateStore) AppendHistory(ctx context.Context, entry core.HistoryEntry) (core.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history, err := s.loadHistoryLocked()
	if err != nil {
		return core.HistoryEntry{}, core.Persistencef("load history: %v", err)
	}
	var last int64
	if len(history) > 0 {
		last = history[len(history)-1].Sequence
	}
	entry.Sequence = last + 1
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	history = append(history, entry)
	if err := writeJSONFileAtomic(s.historyPath(), history); err != nil {
		return core.HistoryEntry{}, core.Persistencef("append history: %v", err)
	}
	return entry, nil
}

func (s *FileStateStore) History(ctx context.Context, limit int) ([]core.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history, err := s.loadHistoryLocked()
	if err != nil {
		return nil, core.Persistencef("load history: %v", err)
	}
	if limit > 0 && limit < len(history) {
		history = history[len(history)-limit:]
	}
	return history, nil
}

func (s *FileStateStore) ResetHistory(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, path := range []string{s.historyPath(), s.statePath()} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return core.Persistencef("reset history: %v", err)
		}
	}
	return nil
}

func (s *FileStateStore) loadHistoryLocked() ([]core.HistoryEntry, error) {
	var history []core.HistoryEntry
	if err := readJSONFile(s.historyPath(), &history); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return history, nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSONFileAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
