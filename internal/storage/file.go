package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"snapbot/pkg/logx"
)

// fileStore keeps every namespace in one JSON document:
//
//	{"snapshots": {"host,repo": ["host", "repo", "0 3 * * *"]}}
//
// Persist writes <path>.tmp, fsyncs it and renames it over <path>.
type fileStore struct {
	*staged
	path string
	log  logx.Logger
}

type fileDocument map[string]map[string]ScheduleEntry

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if filepath.Ext(path) == "" {
		path += ".json"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	entries, err := readFileDocument(path)
	if err != nil {
		return nil, err
	}
	fs := &fileStore{path: path, log: log}
	fs.staged = newStaged(entries, fs.write)
	log.Debug("file store opened", logx.String("path", path), logx.Int("entries", len(entries)))
	return fs, nil
}

func readFileDocument(path string) (map[string]ScheduleEntry, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]ScheduleEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return map[string]ScheduleEntry{}, nil
	}
	var doc fileDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	entries := doc[Namespace]
	if entries == nil {
		entries = map[string]ScheduleEntry{}
	}
	return entries, nil
}

func (s *fileStore) write(ctx context.Context, entries map[string]ScheduleEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(fileDocument{Namespace: entries}, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
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
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.log.Debug("schedules persisted", logx.String("path", s.path), logx.Int("entries", len(entries)))
	return nil
}

func (s *fileStore) Close() error {
	s.markClosed()
	return nil
}
