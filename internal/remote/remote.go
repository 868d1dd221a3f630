// Package remote talks to the cluster that owns snapshots. Only the four
// snapshot operations the coordinator needs are exposed.
package remote

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrAlreadyExists = errors.New("snapshot already exists")
	ErrNotFound      = errors.New("snapshot not found")
)

// State is the lifecycle state of a remote snapshot.
type State string

const (
	StateInProgress State = "IN_PROGRESS"
	StateSuccess    State = "SUCCESS"
	StatePartial    State = "PARTIAL"
	StateFailed     State = "FAILED"
	StateUnknown    State = "UNKNOWN"
)

// ParseState maps a remote state string; anything unrecognized
// (INCOMPATIBLE, empty) becomes StateUnknown.
func ParseState(s string) State {
	switch st := State(strings.ToUpper(strings.TrimSpace(s))); st {
	case StateInProgress, StateSuccess, StatePartial, StateFailed:
		return st
	default:
		return StateUnknown
	}
}

// Terminal reports whether polling should stop.
func (s State) Terminal() bool { return s != StateInProgress }

// Operation is a remote snapshot as reported by the cluster.
type Operation struct {
	Name      string
	State     State
	StartTime time.Time
}

// Client performs snapshot operations against one target.
type Client interface {
	// Create starts a snapshot and returns without waiting for it.
	Create(ctx context.Context, resourceGroup, name string) error
	Get(ctx context.Context, resourceGroup, name string) (Operation, error)
	List(ctx context.Context, resourceGroup string) ([]Operation, error)
	Delete(ctx context.Context, resourceGroup, name string) error
}

// Factory returns the Client for a target host.
type Factory interface {
	Client(target string) (Client, error)
}
