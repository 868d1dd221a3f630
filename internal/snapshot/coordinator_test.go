package snapshot

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"snapbot/internal/eventbus"
	"snapbot/internal/remote"
	"snapbot/pkg/logx"
)

func TestCreateSuccessIsReportedOnce(t *testing.T) {
	t.Parallel()

	client := &fakeClient{steps: []getStep{{state: remote.StateSuccess}}}
	c := newTestCoordinator(t, client, CoordinatorConfig{PollInterval: time.Millisecond})
	sink := &recordingSink{}

	rec, err := c.Create(context.Background(), "h", "r", sink)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.State != remote.StateSuccess || rec.OperationName != "202403051407" {
		t.Fatalf("record = %+v", rec)
	}
	want := []string{"Snapshotting h on repository r", "SUCCESS Snapshot h on repository r"}
	if got := sink.all(); !reflect.DeepEqual(got, want) {
		t.Fatalf("messages = %q", got)
	}
	if len(c.Active()) != 0 {
		t.Fatalf("success must not leave a polling task")
	}
	if _, gets := client.counts(); gets != 1 {
		t.Fatalf("gets = %d", gets)
	}
}

func TestCreatePollsUntilTerminal(t *testing.T) {
	t.Parallel()

	client := &fakeClient{steps: []getStep{
		{state: remote.StateInProgress},
		{state: remote.StateInProgress},
		{state: remote.StateInProgress},
		{state: remote.StateSuccess},
	}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()
	c := NewCoordinator(fakeFactory{client: client}, CoordinatorConfig{PollInterval: 5 * time.Millisecond, Location: time.UTC}, logx.Nop(),
		WithClock(func() time.Time { return fixedNow }), WithEventBus(bus))
	defer func() { _ = c.Stop(context.Background()) }()
	sink := &recordingSink{}

	rec, err := c.Create(context.Background(), "h", "r", sink)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.State != remote.StateInProgress {
		t.Fatalf("state = %s", rec.State)
	}
	waitFor(t, func() bool { return len(c.Active()) == 0 })

	if _, gets := client.counts(); gets != 4 {
		t.Fatalf("gets = %d, want 4", gets)
	}
	if n := sink.count("SUCCESS Snapshot h on repository r"); n != 1 {
		t.Fatalf("terminal reported %d times: %q", n, sink.all())
	}
	if len(sink.all()) != 2 {
		t.Fatalf("messages = %q", sink.all())
	}

	seen := map[string]int{}
	for len(events) > 0 {
		seen[(<-events).Type]++
	}
	if seen[eventbus.TypeSnapshotStarted] != 1 || seen[eventbus.TypeSnapshotSettled] != 1 || seen[eventbus.TypeSnapshotPolled] != 3 {
		t.Fatalf("events = %v", seen)
	}
}

func TestPollKeepsGoingThroughLookupErrors(t *testing.T) {
	t.Parallel()

	client := &fakeClient{steps: []getStep{
		{state: remote.StateInProgress},
		{err: errBoom},
		{err: errBoom},
		{state: remote.StatePartial},
	}}
	c := newTestCoordinator(t, client, CoordinatorConfig{PollInterval: 2 * time.Millisecond})
	sink := &recordingSink{}

	if _, err := c.Create(context.Background(), "h", "r", sink); err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitFor(t, func() bool { return len(c.Active()) == 0 })

	if n := sink.count("PARTIAL Snapshot h on repository r"); n != 1 {
		t.Fatalf("messages = %q", sink.all())
	}
}

func TestCreateNonSuccessStateIsFailure(t *testing.T) {
	t.Parallel()

	client := &fakeClient{steps: []getStep{{state: remote.StateFailed}}}
	c := newTestCoordinator(t, client, CoordinatorConfig{})
	sink := &recordingSink{}

	if _, err := c.Create(context.Background(), "h", "r", sink); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := sink.all(); len(got) != 2 || got[1] != "Failed Snapshot h on repository r (FAILED)" {
		t.Fatalf("messages = %q", got)
	}
}

func TestCreateErrorSurfacing(t *testing.T) {
	t.Parallel()

	errCreate := errors.New("create refused")
	errLookup := errors.New("lookup refused")

	cases := []struct {
		name      string
		createErr error
		want      error
	}{
		{"create and lookup fail", errCreate, errCreate},
		{"only lookup fails", nil, errLookup},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client := &fakeClient{createErr: tc.createErr, steps: []getStep{{err: errLookup}}}
			c := newTestCoordinator(t, client, CoordinatorConfig{})
			sink := &recordingSink{}

			_, err := c.Create(context.Background(), "h", "r", sink)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			msgs := sink.all()
			last := msgs[len(msgs)-1]
			if !strings.HasPrefix(last, "Failed Snapshot h on repository r: ") || !strings.Contains(last, tc.want.Error()) {
				t.Fatalf("last message = %q", last)
			}
			if len(c.Active()) != 0 {
				t.Fatalf("failed create left a task")
			}
		})
	}
}

func TestCreateRecoversFromAlreadyExists(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		createErr: &remote.APIError{Op: "create", Status: 400, Type: "invalid_snapshot_name_exception"},
		steps:     []getStep{{state: remote.StateSuccess}},
	}
	c := newTestCoordinator(t, client, CoordinatorConfig{})
	sink := &recordingSink{}

	rec, err := c.Create(context.Background(), "h", "r", sink)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.State != remote.StateSuccess || sink.count("SUCCESS Snapshot") != 1 {
		t.Fatalf("record = %+v, messages = %q", rec, sink.all())
	}
}

func TestOperationNameUsesLocationAndMinute(t *testing.T) {
	t.Parallel()

	client := &fakeClient{steps: []getStep{{state: remote.StateSuccess}}}
	c := newTestCoordinator(t, client, CoordinatorConfig{Location: newYork(t)})

	first, err := c.Create(context.Background(), "h", "r", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := c.Create(context.Background(), "h", "r", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if first.OperationName != "202403050907" || second.OperationName != first.OperationName {
		t.Fatalf("names = %q, %q", first.OperationName, second.OperationName)
	}
}

func TestCreateWhileInFlightReturnsRunningRecord(t *testing.T) {
	t.Parallel()

	client := &fakeClient{steps: []getStep{{state: remote.StateInProgress}}}
	c := newTestCoordinator(t, client, CoordinatorConfig{PollInterval: time.Hour})
	sink := &recordingSink{}

	first, err := c.Create(context.Background(), "h", "r", sink)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := c.Create(context.Background(), "h", "r", sink)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if second != first {
		t.Fatalf("second = %+v, want %+v", second, first)
	}
	if creates, _ := client.counts(); creates != 1 {
		t.Fatalf("creates = %d", creates)
	}
	if sink.count("Snapshot h on repository r already in progress") != 1 {
		t.Fatalf("messages = %q", sink.all())
	}

	// another key is independent
	if _, err := c.Create(context.Background(), "h2", "r", sink); err != nil {
		t.Fatalf("Create other key: %v", err)
	}
	if got := len(c.Active()); got != 2 {
		t.Fatalf("active = %d", got)
	}
}

func TestCancelStopsPolling(t *testing.T) {
	t.Parallel()

	client := &fakeClient{steps: []getStep{{state: remote.StateInProgress}}}
	c := newTestCoordinator(t, client, CoordinatorConfig{PollInterval: 5 * time.Millisecond})
	sink := &recordingSink{}

	if _, err := c.Create(context.Background(), "h", "r", sink); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !c.Cancel("h,r") {
		t.Fatalf("Cancel reported no task")
	}
	if c.Cancel("h,r") {
		t.Fatalf("second Cancel should report false")
	}
	_, before := client.counts()
	time.Sleep(30 * time.Millisecond)
	_, after := client.counts()
	if after > before+1 {
		t.Fatalf("polling continued after cancel: %d -> %d", before, after)
	}
	if len(sink.all()) != 1 {
		t.Fatalf("canceled task reported: %q", sink.all())
	}
}

func TestStopCancelsTasksAndRefusesNewWork(t *testing.T) {
	t.Parallel()

	client := &fakeClient{steps: []getStep{{state: remote.StateInProgress}}}
	c := NewCoordinator(fakeFactory{client: client}, CoordinatorConfig{PollInterval: time.Hour}, logx.Nop())

	if _, err := c.Create(context.Background(), "h", "r", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(c.Active()) != 0 {
		t.Fatalf("tasks survived Stop")
	}
	if _, err := c.Create(context.Background(), "h", "r", nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func daysAgo(n int) time.Time { return fixedNow.Add(-time.Duration(n) * 24 * time.Hour) }

func TestPruneDeletesOldSnapshots(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		ops: []remote.Operation{
			{Name: "a", StartTime: daysAgo(10)},
			{Name: "b", StartTime: daysAgo(5)},
			{Name: "c", StartTime: daysAgo(3)},
			{Name: "d", StartTime: daysAgo(1)},
			{Name: "e", StartTime: fixedNow},
		},
		deleteErr: map[string]error{"b": errBoom},
	}
	c := newTestCoordinator(t, client, CoordinatorConfig{})
	sink := &recordingSink{}

	res, err := c.Prune(context.Background(), "h", "r", 2, sink)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	want := PruneResult{Total: 5, Candidates: 3, Deleted: 2, Failed: 1}
	if res != want {
		t.Fatalf("result = %+v, want %+v", res, want)
	}
	client.mu.Lock()
	deleted := append([]string(nil), client.deleted...)
	client.mu.Unlock()
	sort.Strings(deleted)
	if !reflect.DeepEqual(deleted, []string{"a", "c"}) {
		t.Fatalf("deleted = %q", deleted)
	}
	if got := sink.all(); len(got) != 1 || got[0] != "Pruned 2 of 3 snapshots older than 2 days on h repository r" {
		t.Fatalf("messages = %q", got)
	}
}

func TestPruneRetentionFloor(t *testing.T) {
	t.Parallel()

	client := &fakeClient{ops: []remote.Operation{
		{Name: "a", StartTime: daysAgo(10)},
		{Name: "b", StartTime: daysAgo(9)},
		{Name: "c", StartTime: fixedNow},
	}}
	c := newTestCoordinator(t, client, CoordinatorConfig{})
	sink := &recordingSink{}

	res, err := c.Prune(context.Background(), "h", "r", 2, sink)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if !res.Skipped || res.Deleted != 0 || len(client.deleted) != 0 {
		t.Fatalf("result = %+v, deleted = %q", res, client.deleted)
	}
	if sink.count("Retention floor reached on h repository r") != 1 {
		t.Fatalf("messages = %q", sink.all())
	}
}

func TestPruneRejectsZeroDays(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, &fakeClient{}, CoordinatorConfig{})
	if _, err := c.Prune(context.Background(), "h", "r", 0, nil); !errors.Is(err, ErrInvalidRetention) {
		t.Fatalf("err = %v", err)
	}
}

func TestRetentionRunsAfterSuccess(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		steps: []getStep{{state: remote.StateSuccess}},
		ops: []remote.Operation{
			{Name: "old", StartTime: daysAgo(3)},
			{Name: "new", StartTime: fixedNow},
			{Name: "newer", StartTime: fixedNow},
		},
	}
	c := newTestCoordinator(t, client, CoordinatorConfig{RetentionDays: 1})
	sink := &recordingSink{}

	if _, err := c.Create(context.Background(), "h", "r", sink); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !reflect.DeepEqual(client.deleted, []string{"old"}) {
		t.Fatalf("deleted = %q", client.deleted)
	}
	if sink.count("Pruned 1 of 1") != 1 {
		t.Fatalf("messages = %q", sink.all())
	}
}

func TestRetentionRunsAfterKeyIsReleased(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		steps: []getStep{{state: remote.StateInProgress}, {state: remote.StateSuccess}},
		ops: []remote.Operation{
			{Name: "old", StartTime: daysAgo(3)},
			{Name: "new", StartTime: fixedNow},
			{Name: "newer", StartTime: fixedNow},
		},
		listing:  make(chan struct{}, 1),
		listGate: make(chan struct{}),
	}
	c := newTestCoordinator(t, client, CoordinatorConfig{PollInterval: 5 * time.Millisecond, RetentionDays: 1})
	sink := &recordingSink{}

	if _, err := c.Create(context.Background(), "h", "r", sink); err != nil {
		t.Fatalf("Create: %v", err)
	}
	select {
	case <-client.listing:
	case <-time.After(3 * time.Second):
		t.Fatalf("retention prune never listed snapshots")
	}

	if active := c.Active(); len(active) != 0 {
		t.Fatalf("settled snapshot still active during prune: %+v", active)
	}
	if c.Cancel("h,r") {
		t.Fatalf("cancel found a task for a settled snapshot")
	}

	close(client.listGate)
	waitFor(t, func() bool { return reflect.DeepEqual(client.deletedNames(), []string{"old"}) })
	if sink.count("SUCCESS Snapshot h on repository r") != 1 {
		t.Fatalf("messages = %q", sink.all())
	}
}

func TestTriggerContext(t *testing.T) {
	t.Parallel()

	if got := TriggerFrom(context.Background()); got != TriggerChat {
		t.Fatalf("default trigger = %q", got)
	}
	if got := TriggerFrom(WithTrigger(context.Background(), TriggerSchedule)); got != TriggerSchedule {
		t.Fatalf("trigger = %q", got)
	}
}
