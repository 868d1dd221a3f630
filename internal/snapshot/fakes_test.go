package snapshot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"snapbot/internal/remote"
	"snapbot/pkg/logx"
)

type getStep struct {
	state remote.State
	err   error
}

type fakeClient struct {
	mu sync.Mutex

	createErr error
	steps     []getStep // successive Get results; the last one repeats
	ops       []remote.Operation
	listErr   error
	deleteErr map[string]error
	listing   chan struct{} // receives once per List call when set
	listGate  chan struct{} // List blocks until closed when set

	creates []string
	gets    int
	deleted []string
}

func (f *fakeClient) Create(_ context.Context, _, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, name)
	return f.createErr
}

func (f *fakeClient) Get(_ context.Context, _, name string) (remote.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := min(f.gets, len(f.steps)-1)
	f.gets++
	s := f.steps[i]
	if s.err != nil {
		return remote.Operation{}, s.err
	}
	return remote.Operation{Name: name, State: s.state}, nil
}

func (f *fakeClient) List(ctx context.Context, _ string) ([]remote.Operation, error) {
	if f.listing != nil {
		f.listing <- struct{}{}
	}
	if f.listGate != nil {
		select {
		case <-f.listGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.Operation(nil), f.ops...), f.listErr
}

func (f *fakeClient) Delete(_ context.Context, _, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[name]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeClient) deletedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeClient) counts() (creates, gets int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates), f.gets
}

type fakeFactory struct {
	client *fakeClient
	err    error
}

func (f fakeFactory) Client(string) (remote.Client, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *recordingSink) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, text)
	return nil
}

func (s *recordingSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func (s *recordingSink) count(prefix string) int {
	n := 0
	for _, m := range s.all() {
		if strings.HasPrefix(m, prefix) {
			n++
		}
	}
	return n
}

// fixedNow is 2024-03-05 14:07:59 UTC, 09:07 in New York.
var fixedNow = time.Date(2024, 3, 5, 14, 7, 59, 0, time.UTC)

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

func newTestCoordinator(t *testing.T, client *fakeClient, cfg CoordinatorConfig) *Coordinator {
	t.Helper()
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	c := NewCoordinator(fakeFactory{client: client}, cfg, logx.Nop(), WithClock(func() time.Time { return fixedNow }))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

var errBoom = errors.New("boom")
