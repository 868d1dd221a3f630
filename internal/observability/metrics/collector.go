package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"snapbot/internal/eventbus"
	logx "snapbot/pkg/logx"
)

const namespace = "snapbot"

// Collector turns bus events and remote call observations into
// Prometheus series on a private registry.
type Collector struct {
	log      logx.Logger
	registry *prometheus.Registry

	snapshotsStarted *prometheus.CounterVec
	snapshotsSettled *prometheus.CounterVec
	snapshotDuration *prometheus.HistogramVec
	snapshotPolls    prometheus.Counter
	prunedTotal      prometheus.Counter
	scheduleChanges  *prometheus.CounterVec
	scheduleRestores prometheus.Gauge

	notifications *prometheus.CounterVec
	reloads       prometheus.Counter

	remoteRequests *prometheus.HistogramVec
}

func NewCollector(log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Collector{
		log:      log.With(logx.String("comp", "metrics")),
		registry: prometheus.NewRegistry(),
	}

	c.snapshotsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshots_started_total",
		Help:      "Snapshot requests accepted by the cluster",
	}, []string{"trigger"})
	c.snapshotsSettled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshots_settled_total",
		Help:      "Snapshots that reached a final state",
	}, []string{"state", "trigger"})
	c.snapshotDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "snapshot_duration_seconds",
		Help:      "Time from request to final state",
		Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400, 43200},
	}, []string{"state"})
	c.snapshotPolls = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_polls_total",
		Help:      "Status checks that found a snapshot still running",
	})
	c.prunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshots_pruned_total",
		Help:      "Snapshots deleted by retention",
	})
	c.scheduleRestores = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "schedules_restored",
		Help:      "Schedules re-registered from the store at the last start",
	})
	c.scheduleChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "schedule_changes_total",
		Help:      "Schedule additions and removals",
	}, []string{"op"})
	c.notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Chat notifications by outcome",
	}, []string{"outcome"})
	c.reloads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "config_reloads_total",
		Help:      "Applied configuration reloads",
	})
	c.remoteRequests = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "remote_request_duration_seconds",
		Help:      "Snapshot API request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op", "code"})

	c.registry.MustRegister(
		c.snapshotsStarted,
		c.snapshotsSettled,
		c.snapshotDuration,
		c.snapshotPolls,
		c.prunedTotal,
		c.scheduleChanges,
		c.scheduleRestores,
		c.notifications,
		c.reloads,
		c.remoteRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the private registry for serving and tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveRemote records one snapshot API call. status 0 means the
// request never got a response.
func (c *Collector) ObserveRemote(op string, status int, took time.Duration) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	c.remoteRequests.WithLabelValues(op, code).Observe(took.Seconds())
}

// Run consumes bus events until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.handle(e)
		}
	}
}

func (c *Collector) handle(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeSnapshotStarted:
		d, _ := e.Data.(eventbus.SnapshotData)
		c.snapshotsStarted.WithLabelValues(d.Trigger).Inc()
	case eventbus.TypeSnapshotSettled, eventbus.TypeSnapshotFailed:
		d, _ := e.Data.(eventbus.SnapshotData)
		state := d.State
		if state == "" {
			state = "ERROR"
		}
		c.snapshotsSettled.WithLabelValues(state, d.Trigger).Inc()
		// Early failures carry no duration.
		if d.Duration > 0 {
			c.snapshotDuration.WithLabelValues(state).Observe(d.Duration.Seconds())
		}
	case eventbus.TypeSnapshotPolled:
		c.snapshotPolls.Inc()
	case eventbus.TypeSnapshotPruned:
		d, _ := e.Data.(eventbus.SnapshotData)
		c.prunedTotal.Add(float64(d.Deleted))
	case eventbus.TypeScheduleAdded:
		c.scheduleChanges.WithLabelValues("add").Inc()
	case eventbus.TypeScheduleRemoved:
		c.scheduleChanges.WithLabelValues("remove").Inc()
	case eventbus.TypeScheduleRestored:
		d, _ := e.Data.(eventbus.ScheduleData)
		c.scheduleRestores.Set(float64(d.Count))
	case eventbus.TypeNotifySent:
		c.notifications.WithLabelValues("sent").Inc()
	case eventbus.TypeNotifyDropped:
		c.notifications.WithLabelValues("dropped").Inc()
	case eventbus.TypeConfigReloaded:
		c.reloads.Inc()
	default:
		return
	}
	c.log.Trace("event observed", logx.String("type", e.Type))
}

// TrackGauges registers gauges read on every scrape: active timers and
// snapshots still being polled.
func (c *Collector) TrackGauges(timers, inProgress func() int) {
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schedules",
			Help:      "Active snapshot timers",
		}, func() float64 { return float64(timers()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshots_in_progress",
			Help:      "Snapshots currently being polled",
		}, func() float64 { return float64(inProgress()) }),
	)
}
