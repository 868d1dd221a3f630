package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultTimezone            = "America/New_York"
	DefaultPollInterval        = 30 * time.Minute
	DefaultCreateMasterTimeout = 30 * time.Second
	DefaultDeleteMasterTimeout = 15 * time.Second
	DefaultRequestTimeout      = 60 * time.Second
	DefaultRegion              = "us-east-1"
	DefaultMetricsAddr         = "127.0.0.1:9464"
	DefaultMetricsPath         = "/metrics"
	DefaultStoragePath         = "./snapbot_store"
)

// Location returns the scheduler time zone (default America/New_York).
func (c *Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Scheduler.Timezone)
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// Validate reports every problem it finds, joined.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add(errors.New("telegram.token: required"))
	}
	if c.Telegram.BroadcastChatID == 0 {
		add(errors.New("telegram.broadcast_chat_id: required"))
	}
	_, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout)
	add(err)

	_, err = c.Location()
	add(err)
	_, err = ParseDurationField("scheduler.restore_delay", c.Scheduler.RestoreDelay)
	add(err)

	_, err = ParseDurationField("snapshot.poll_interval", c.Snapshot.PollInterval)
	add(err)
	_, err = ParseDurationField("snapshot.create_master_timeout", c.Snapshot.CreateMasterTimeout)
	add(err)
	_, err = ParseDurationField("snapshot.delete_master_timeout", c.Snapshot.DeleteMasterTimeout)
	add(err)
	if c.Snapshot.RetentionDays < 0 {
		add(errors.New("snapshot.retention_days: must be >= 0"))
	}

	es := c.Elasticsearch
	switch strings.ToLower(strings.TrimSpace(es.Scheme)) {
	case "", "http", "https":
	default:
		add(fmt.Errorf("elasticsearch.scheme: unsupported %q", es.Scheme))
	}
	if (es.AccessKey == "") != (es.SecretKey == "") {
		add(errors.New("elasticsearch: access_key and secret_key must be set together"))
	}
	_, err = ParseDurationField("elasticsearch.request_timeout", es.RequestTimeout)
	add(err)

	if n := c.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			add(errors.New("notifier: counts must be >= 0"))
		}
		_, err = ParseDurationField("notifier.retry_base", n.RetryBase)
		add(err)
		_, err = ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
		add(err)
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "file", "sqlite", "memory":
		default:
			add(fmt.Errorf("storage.driver: unsupported %q", s.Driver))
		}
		_, err = ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}

	if c.Metrics.Enabled {
		if p := strings.TrimSpace(c.Metrics.Path); p != "" && !strings.HasPrefix(p, "/") {
			add(fmt.Errorf("metrics.path: must start with '/' (got %q)", p))
		}
	}

	return errors.Join(errs...)
}
