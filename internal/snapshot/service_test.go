package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"snapbot/internal/notify"
	"snapbot/internal/remote"
	"snapbot/internal/storage"
	"snapbot/internal/trigger"
	"snapbot/pkg/logx"
)

type broadcaster struct{ sink notify.Sink }

func (b broadcaster) Broadcast() notify.Sink { return b.sink }

type failingPersist struct {
	storage.Store
	err error
}

func (f failingPersist) Persist(context.Context) error { return f.err }

type serviceFixture struct {
	svc    *Service
	coord  *Coordinator
	engine *trigger.Engine
	store  storage.Store
	client *fakeClient
	sink   *recordingSink
}

func newServiceFixture(t *testing.T, store storage.Store, client *fakeClient) *serviceFixture {
	t.Helper()
	if store == nil {
		store = storage.NewMemory()
	}
	if client == nil {
		client = &fakeClient{steps: []getStep{{state: remote.StateSuccess}}}
	}
	coord := newTestCoordinator(t, client, CoordinatorConfig{PollInterval: time.Hour})
	engine := trigger.New(time.UTC, logx.Nop())
	t.Cleanup(func() { engine.Stop(context.Background()) })
	sink := &recordingSink{}
	return &serviceFixture{
		svc:    NewService(coord, engine, store, broadcaster{sink}, logx.Nop(), nil),
		coord:  coord,
		engine: engine,
		store:  store,
		client: client,
		sink:   sink,
	}
}

func TestScheduleListUnschedule(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, nil, nil)
	ctx := context.Background()

	if err := f.svc.Schedule(ctx, "host1", "repo1", "0 3 * * *"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !f.engine.Has("host1", "repo1") {
		t.Fatalf("timer not registered")
	}
	all, _ := f.store.LoadAll(ctx)
	if got := all["host1,repo1"]; got.CronExpression != "0 3 * * *" {
		t.Fatalf("stored = %+v", got)
	}
	out, err := f.svc.List(ctx)
	if err != nil || out != "[host1,repo1]: 0 3 * * *\n" {
		t.Fatalf("List = %q, %v", out, err)
	}

	if err := f.svc.Unschedule(ctx, "host1", "repo1"); err != nil {
		t.Fatalf("Unschedule: %v", err)
	}
	if f.engine.Has("host1", "repo1") {
		t.Fatalf("timer still active")
	}
	if out, _ := f.svc.List(ctx); out != "No scheduled snapshots" {
		t.Fatalf("List after delete = %q", out)
	}
	if err := f.svc.Unschedule(ctx, "host1", "repo1"); !errors.Is(err, ErrNotScheduled) {
		t.Fatalf("second Unschedule err = %v", err)
	}
}

func TestScheduleReplacesSameKey(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, nil, nil)
	ctx := context.Background()
	_ = f.svc.Schedule(ctx, "h", "r", "0 3 * * *")
	if err := f.svc.Schedule(ctx, "h", "r", "30 4 * * 1"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	entries := f.engine.Entries()
	if len(entries) != 1 || entries[0].Spec != "30 4 * * 1" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestScheduleInvalidCronKeepsExisting(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, nil, nil)
	ctx := context.Background()
	_ = f.svc.Schedule(ctx, "h", "r", "0 3 * * *")

	err := f.svc.Schedule(ctx, "h", "r", "not a cron")
	if !errors.Is(err, trigger.ErrInvalidSpec) {
		t.Fatalf("err = %v", err)
	}
	all, _ := f.store.LoadAll(ctx)
	if all["h,r"].CronExpression != "0 3 * * *" {
		t.Fatalf("store changed: %+v", all)
	}
	if e := f.engine.Entries(); len(e) != 1 || e[0].Spec != "0 3 * * *" {
		t.Fatalf("timer changed: %+v", e)
	}
}

func TestSchedulePersistFailureRollsBack(t *testing.T) {
	t.Parallel()

	store := failingPersist{Store: storage.NewMemory(), err: errBoom}
	f := newServiceFixture(t, store, nil)
	ctx := context.Background()

	if err := f.svc.Schedule(ctx, "h", "r", "0 3 * * *"); !errors.Is(err, errBoom) {
		t.Fatalf("err = %v", err)
	}
	if all, _ := store.LoadAll(ctx); len(all) != 0 {
		t.Fatalf("staged entry not rolled back: %+v", all)
	}
	if f.engine.Has("h", "r") {
		t.Fatalf("timer registered despite persist failure")
	}
}

func TestScheduleRequiresTargetAndRepo(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, nil, nil)
	if err := f.svc.Schedule(context.Background(), " ", "r", "0 3 * * *"); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("err = %v", err)
	}
}

func TestFormatSchedules(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   map[string]storage.ScheduleEntry
		want string
	}{
		{name: "empty", in: nil, want: "No scheduled snapshots"},
		{
			name: "single",
			in:   map[string]storage.ScheduleEntry{"a,b": {Target: "a", ResourceGroup: "b", CronExpression: "0 0 * * *"}},
			want: "[a,b]: 0 0 * * *\n",
		},
		{
			name: "sorted by key",
			in: map[string]storage.ScheduleEntry{
				"b,r": {Target: "b", ResourceGroup: "r", CronExpression: "0 1 * * *"},
				"a,r": {Target: "a", ResourceGroup: "r", CronExpression: "0 2 * * *"},
			},
			want: "[a,r]: 0 2 * * *\n[b,r]: 0 1 * * *\n",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := FormatSchedules(tc.in); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestListFromStoredDocument(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store.json")
	if err := os.WriteFile(path, []byte(`{"snapshots":{"a,b":["a","b","0 0 * * *"]}}`), 0o600); err != nil {
		t.Fatalf("write store: %v", err)
	}
	store, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := newServiceFixture(t, store, nil)
	out, err := f.svc.List(context.Background())
	if err != nil || out != "[a,b]: 0 0 * * *\n" {
		t.Fatalf("List = %q, %v", out, err)
	}
}

func TestRestoreRegistersStoredEntries(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	ctx := context.Background()
	for _, e := range []storage.ScheduleEntry{
		{Target: "h1", ResourceGroup: "r", CronExpression: "0 3 * * *"},
		{Target: "h2", ResourceGroup: "r", CronExpression: "@daily"},
		{Target: "h3", ResourceGroup: "r", CronExpression: "bogus"},
	} {
		if err := store.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	f := newServiceFixture(t, store, nil)

	n, err := f.svc.Restore(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	entries := f.engine.Entries()
	if len(entries) != 2 || entries[0].Target != "h1" || entries[1].Target != "h2" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestFiredTimerBroadcasts(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, nil, nil)
	f.svc.fireFunc("h", "r")()

	got := f.sink.all()
	if len(got) != 2 || got[1] != "SUCCESS Snapshot h on repository r" {
		t.Fatalf("broadcast = %q", got)
	}
}

func TestUnscheduleCancelsInFlightPoll(t *testing.T) {
	t.Parallel()

	client := &fakeClient{steps: []getStep{{state: remote.StateInProgress}}}
	f := newServiceFixture(t, nil, client)
	ctx := context.Background()

	if err := f.svc.Schedule(ctx, "h", "r", "0 3 * * *"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, err := f.svc.Run(ctx, "h", "r", f.sink); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.coord.Active()) != 1 {
		t.Fatalf("expected an in-flight task")
	}
	if err := f.svc.Unschedule(ctx, "h", "r"); err != nil {
		t.Fatalf("Unschedule: %v", err)
	}
	if len(f.coord.Active()) != 0 {
		t.Fatalf("poll task survived Unschedule")
	}
}

func TestPruneDefaultsDays(t *testing.T) {
	t.Parallel()

	client := &fakeClient{ops: []remote.Operation{{Name: "x", StartTime: daysAgo(DefaultPruneDays + 1)}}}
	f := newServiceFixture(t, nil, client)

	res, err := f.svc.Prune(context.Background(), "h", "r", 0, f.sink)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	// one snapshot total is below the floor for the default retention
	if !res.Skipped || res.Candidates != 1 {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(f.sink.all()[0], "30 days") {
		t.Fatalf("messages = %q", f.sink.all())
	}
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	client := &fakeClient{steps: []getStep{{state: remote.StateInProgress}}}
	f := newServiceFixture(t, nil, client)
	ctx := context.Background()
	_ = f.svc.Schedule(ctx, "h", "r", "0 3 * * *")
	_, _ = f.svc.Run(ctx, "h", "r", nil)

	got := f.svc.Status().String()
	for _, want := range []string{"Timers (UTC): 1", "[h,r]: 0 3 * * *", "In progress: 1", "202403051407 IN_PROGRESS (chat, polls 0)"} {
		if !strings.Contains(got, want) {
			t.Fatalf("status missing %q:\n%s", want, got)
		}
	}
}
