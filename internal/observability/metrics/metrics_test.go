package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"snapbot/internal/eventbus"
	logx "snapbot/pkg/logx"
)

func scrape(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestEventsBecomeSeries(t *testing.T) {
	t.Parallel()

	col := NewCollector(logx.Nop())
	events := []eventbus.Event{
		{Type: eventbus.TypeSnapshotStarted, Data: eventbus.SnapshotData{Trigger: "schedule"}},
		{Type: eventbus.TypeSnapshotPolled},
		{Type: eventbus.TypeSnapshotPolled},
		{Type: eventbus.TypeSnapshotSettled, Data: eventbus.SnapshotData{State: "SUCCESS", Trigger: "schedule", Duration: 90 * time.Second}},
		{Type: eventbus.TypeSnapshotFailed, Data: eventbus.SnapshotData{Trigger: "chat"}},
		{Type: eventbus.TypeSnapshotPruned, Data: eventbus.SnapshotData{Deleted: 3}},
		{Type: eventbus.TypeScheduleAdded},
		{Type: eventbus.TypeScheduleRestored, Data: eventbus.ScheduleData{Count: 4}},
		{Type: eventbus.TypeNotifyDropped},
		{Type: eventbus.TypeConfigReloaded},
	}
	for _, e := range events {
		col.handle(e)
	}
	col.ObserveRemote("create", 200, 20*time.Millisecond)
	col.ObserveRemote("get", 0, time.Second)
	col.TrackGauges(func() int { return 2 }, func() int { return 1 })

	srv := NewServer(Config{Enabled: true}, col, logx.Nop())
	code, body := scrape(t, srv.Handler(), DefaultPath)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	for _, want := range []string{
		`snapbot_snapshots_started_total{trigger="schedule"} 1`,
		`snapbot_snapshot_polls_total 2`,
		`snapbot_snapshots_settled_total{state="SUCCESS",trigger="schedule"} 1`,
		`snapbot_snapshots_settled_total{state="ERROR",trigger="chat"} 1`,
		`snapbot_snapshot_duration_seconds_count{state="SUCCESS"} 1`,
		`snapbot_snapshots_pruned_total 3`,
		`snapbot_schedule_changes_total{op="add"} 1`,
		`snapbot_schedules_restored 4`,
		`snapbot_notifications_total{outcome="dropped"} 1`,
		`snapbot_config_reloads_total 1`,
		`snapbot_remote_request_duration_seconds_count{code="200",op="create"} 1`,
		`snapbot_remote_request_duration_seconds_count{code="error",op="get"} 1`,
		`snapbot_schedules 2`,
		`snapbot_snapshots_in_progress 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape missing %q", want)
		}
	}
	if strings.Contains(body, `snapbot_snapshot_duration_seconds_count{state="ERROR"}`) {
		t.Fatalf("early failure should not observe a duration")
	}
}

func TestRunStopsWithContext(t *testing.T) {
	t.Parallel()

	col := NewCollector(logx.Nop())
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		col.Run(ctx, bus)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded})
		_, body := scrape(t, NewServer(Config{}, col, logx.Nop()).Handler(), DefaultPath)
		if strings.Contains(body, "snapbot_config_reloads_total") && !strings.Contains(body, "snapbot_config_reloads_total 0") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("event never observed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestHealthzAndCustomPath(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{Path: "prom"}, NewCollector(logx.Nop()), logx.Nop())
	if code, body := scrape(t, srv.Handler(), "/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}
	if code, _ := scrape(t, srv.Handler(), "/prom"); code != http.StatusOK {
		t.Fatalf("custom path status = %d", code)
	}
	if code, _ := scrape(t, srv.Handler(), DefaultPath); code != http.StatusNotFound {
		t.Fatalf("default path should be unrouted, got %d", code)
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{Enabled: true, Addr: "127.0.0.1:0"}, NewCollector(logx.Nop()), logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	srv.Start(ctx)
	var addr string
	for addr == "" {
		if ctx.Err() != nil {
			t.Fatalf("server never bound")
		}
		addr = srv.Addr()
		time.Sleep(5 * time.Millisecond)
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	srv.Reconfigure(ctx, Config{Enabled: false})
	if srv.Addr() != "" {
		t.Fatalf("still serving after disable")
	}
	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Fatalf("listener still open")
	}
}
