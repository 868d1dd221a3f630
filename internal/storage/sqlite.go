package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"snapbot/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	*staged
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}

	st := &sqliteStore{db: db, log: log}
	entries, err := st.load(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	st.staged = newStaged(entries, st.write)
	log.Debug("sqlite store opened", logx.String("path", path), logx.Int("entries", len(entries)))
	return st, nil
}

func (s *sqliteStore) load(ctx context.Context) (map[string]ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE namespace = ?`, Namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]ScheduleEntry{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		var e ScheduleEntry
		if err := json.Unmarshal([]byte(value), &e); err != nil {
			s.log.Warn("skipping unreadable schedule row", logx.String("key", key), logx.Err(err))
			continue
		}
		out[key] = e
	}
	return out, rows.Err()
}

// write replaces the namespace in one transaction.
func (s *sqliteStore) write(ctx context.Context, entries map[string]ScheduleEntry) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ?`, Namespace); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for key, e := range entries {
		var b []byte
		if b, err = json.Marshal(e); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO kv(namespace, key, value, updated_at) VALUES(?,?,?,?)`,
			Namespace, key, string(b), now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error {
	if !s.markClosed() {
		return nil
	}
	return s.db.Close()
}
