package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Namespace is the persisted collection holding schedules.
const Namespace = "snapshots"

var (
	ErrClosed     = errors.New("storage closed")
	ErrInvalidKey = errors.New("storage: invalid schedule entry")
)

// Config configures storage.
//
// Driver values:
//   - "file": one JSON document, replaced atomically on Persist
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "memory": process-local, lost on exit
//
// An empty Driver means "file".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ScheduleEntry is one recurring snapshot schedule.
type ScheduleEntry struct {
	Target         string
	ResourceGroup  string
	CronExpression string
}

// Key joins target and resource group the way every component
// addresses a schedule.
func Key(target, resourceGroup string) string {
	return target + "," + resourceGroup
}

func (e ScheduleEntry) Key() string { return Key(e.Target, e.ResourceGroup) }

func (e ScheduleEntry) validate() error {
	if strings.TrimSpace(e.Target) == "" || strings.TrimSpace(e.ResourceGroup) == "" {
		return fmt.Errorf("%w: target and resource group are required", ErrInvalidKey)
	}
	if strings.TrimSpace(e.CronExpression) == "" {
		return fmt.Errorf("%w: cron expression is required", ErrInvalidKey)
	}
	return nil
}

// MarshalJSON writes the positional form [target, resourceGroup, cron].
func (e ScheduleEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]string{e.Target, e.ResourceGroup, e.CronExpression})
}

func (e *ScheduleEntry) UnmarshalJSON(b []byte) error {
	var v []string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if len(v) != 3 {
		return fmt.Errorf("schedule entry: want 3 elements, got %d", len(v))
	}
	*e = ScheduleEntry{Target: v[0], ResourceGroup: v[1], CronExpression: v[2]}
	return nil
}

// Store is the Schedule Store.
//
// Upsert and Remove change the staged view immediately (LoadAll sees
// them); Persist writes the staged view durably.
type Store interface {
	LoadAll(ctx context.Context) (map[string]ScheduleEntry, error)
	Upsert(ctx context.Context, e ScheduleEntry) error
	Remove(ctx context.Context, key string) (existed bool, err error)
	Persist(ctx context.Context) error
	Close() error
}
