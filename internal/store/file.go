package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"blastbot/internal/model"
	"blastbot/pkg/logx"
)

// fileStore is the dependency-free persistence backend.
//
// Files:
//   - <prefix>.history.json   (canonical identifier -> HistoryRecord)
//   - <prefix>.schedules.json (ordered schedule list)
//
// Both documents are rewritten in full (tmp + rename) on every mutation, so a
// crash never leaves a half-written document behind.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	historyPath   string
	schedulesPath string

	history map[string]model.HistoryRecord
	legacy  map[string]struct{}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:           log,
		historyPath:   prefix + ".history.json",
		schedulesPath: prefix + ".schedules.json",
		history:       map[string]model.HistoryRecord{},
		legacy:        loadLegacySet(cfg.LegacyPath, log),
	}
	if err := s.loadHistory(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) loadHistory() error {
	b, err := os.ReadFile(s.historyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var m map[string]model.HistoryRecord
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if m != nil {
		s.history = m
	}
	return nil
}

func (s *fileStore) HasSent(ctx context.Context, canonical string) (bool, error) {
	_ = ctx
	canonical = strings.TrimSpace(canonical)
	if canonical == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.history[canonical]; ok {
		return true, nil
	}
	_, ok := s.legacy[canonical]
	return ok, nil
}

func (s *fileStore) RecordSent(ctx context.Context, canonical string) error {
	_ = ctx
	canonical = strings.TrimSpace(canonical)
	if canonical == "" {
		return nil
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.history[canonical]
	if !ok {
		rec = model.HistoryRecord{FirstSentAt: now, LastSentAt: now, SendCount: 1}
	} else {
		rec.LastSentAt = now
		rec.SendCount++
	}
	// Memory first: if the flush fails, in-memory state stays authoritative
	// until the next successful write.
	s.history[canonical] = rec
	return s.flushHistoryLocked()
}

func (s *fileStore) ResetHistory(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = map[string]model.HistoryRecord{}
	// The legacy document is never written, but a reset must re-enable
	// sending, so stop consulting it for the rest of this process.
	s.legacy = map[string]struct{}{}
	return s.flushHistoryLocked()
}

func (s *fileStore) HistoryStats(ctx context.Context) (HistoryStats, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	st := HistoryStats{Total: len(s.history) + len(s.legacy)}
	now := time.Now()
	for _, rec := range s.history {
		if sameLocalDay(rec.LastSentAt, now) {
			st.SentToday++
		}
	}
	return st, nil
}

func (s *fileStore) flushHistoryLocked() error {
	return writeDocument(s.historyPath, s.history)
}

func (s *fileStore) LoadSchedules(ctx context.Context) ([]model.Schedule, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.schedulesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var list []model.Schedule
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *fileStore) SaveSchedules(ctx context.Context, list []model.Schedule) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if list == nil {
		list = []model.Schedule{}
	}
	return writeDocument(s.schedulesPath, list)
}

// writeDocument rewrites path atomically via a temp file + rename.
func writeDocument(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
