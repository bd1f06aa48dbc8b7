package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"blastbot/internal/model"
	"blastbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	mu     sync.Mutex
	legacy map[string]struct{}
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{
		db:     db,
		log:    log,
		legacy: loadLegacySet(cfg.LegacyPath, log),
	}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) HasSent(ctx context.Context, canonical string) (bool, error) {
	canonical = strings.TrimSpace(canonical)
	if canonical == "" {
		return false, nil
	}
	s.mu.Lock()
	_, hit := s.legacy[canonical]
	s.mu.Unlock()
	if hit {
		return true, nil
	}

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM history WHERE canonical = ?`, canonical).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) RecordSent(ctx context.Context, canonical string) error {
	canonical = strings.TrimSpace(canonical)
	if canonical == "" {
		return nil
	}
	now := time.Now().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history(canonical, first_sent_at, last_sent_at, send_count) VALUES(?,?,?,1)
		 ON CONFLICT(canonical) DO UPDATE SET last_sent_at=excluded.last_sent_at, send_count=send_count+1`,
		canonical, now, now,
	)
	return err
}

func (s *sqliteStore) ResetHistory(ctx context.Context) error {
	s.mu.Lock()
	s.legacy = map[string]struct{}{}
	s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM history`)
	return err
}

func (s *sqliteStore) HistoryStats(ctx context.Context) (HistoryStats, error) {
	var st HistoryStats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history`).Scan(&st.Total); err != nil {
		return st, err
	}
	s.mu.Lock()
	st.Total += len(s.legacy)
	s.mu.Unlock()

	now := time.Now()
	rows, err := s.db.QueryContext(ctx, `SELECT last_sent_at FROM history`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return st, err
		}
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			continue
		}
		if sameLocalDay(at, now) {
			st.SentToday++
		}
	}
	return st, rows.Err()
}

func (s *sqliteStore) LoadSchedules(ctx context.Context) ([]model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM schedules ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []model.Schedule
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var sch model.Schedule
		if err := json.Unmarshal([]byte(doc), &sch); err != nil {
			s.log.Warn("schedule row malformed; skipping", logx.Err(err))
			continue
		}
		list = append(list, sch)
	}
	return list, rows.Err()
}

func (s *sqliteStore) SaveSchedules(ctx context.Context, list []model.Schedule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM schedules`); err != nil {
		return err
	}
	for i, sch := range list {
		doc, err := json.Marshal(sch)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schedules(position, doc) VALUES(?,?)`, i, string(doc)); err != nil {
			return err
		}
	}
	return tx.Commit()
}
