package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"snapbot/internal/config"
	"snapbot/internal/notify"
	"snapbot/internal/observability/metrics"
	"snapbot/internal/remote"
	"snapbot/internal/snapshot"
	"snapbot/internal/storage"
	"snapbot/internal/transport"
	logx "snapbot/pkg/logx"
)

const defaultRestoreDelay = 10 * time.Second

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func broadcastTarget(cfg *config.Config) transport.ChatTarget {
	return transport.ChatTarget{ChatID: cfg.Telegram.BroadcastChatID, ThreadID: cfg.Telegram.BroadcastThreadID}
}

func mapNotifierConfig(cfg *config.Config) (notify.Config, error) {
	out := notify.Config{Broadcast: broadcastTarget(cfg), RetryMax: 3}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, err
	}
	out.Workers = n.Workers
	out.QueueSize = n.QueueSize
	out.RatePerSec = n.RatePerSec
	out.RetryMax = n.RetryMax
	out.RetryBase = base
	out.RetryMaxDelay = maxDelay
	return out, nil
}

// mapStorageConfig defaults to the file driver so schedules always
// survive a restart.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	out := storage.Config{Driver: "file", Path: config.DefaultStoragePath}
	sc := cfg.Storage
	if sc == nil {
		return out, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		if path != "" {
			out.Path = path
		}
		return out, nil
	case "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// OpenStore opens the schedule store cfg selects.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}

func mapCoordinatorConfig(cfg *config.Config) (snapshot.CoordinatorConfig, error) {
	loc, err := cfg.Location()
	if err != nil {
		return snapshot.CoordinatorConfig{}, err
	}
	poll, err := config.ParseDurationOrDefault("snapshot.poll_interval", cfg.Snapshot.PollInterval, config.DefaultPollInterval)
	if err != nil {
		return snapshot.CoordinatorConfig{}, err
	}
	return snapshot.CoordinatorConfig{
		PollInterval:  poll,
		Location:      loc,
		RetentionDays: cfg.Snapshot.RetentionDays,
	}, nil
}

// mapESConfig resolves AWS credentials, so it may reach the default
// provider chain.
func mapESConfig(ctx context.Context, cfg *config.Config, observe func(string, int, time.Duration)) (remote.ESConfig, error) {
	es := cfg.Elasticsearch
	reqTimeout, err := config.ParseDurationOrDefault("elasticsearch.request_timeout", es.RequestTimeout, config.DefaultRequestTimeout)
	if err != nil {
		return remote.ESConfig{}, err
	}
	createTimeout, err := config.ParseDurationOrDefault("snapshot.create_master_timeout", cfg.Snapshot.CreateMasterTimeout, config.DefaultCreateMasterTimeout)
	if err != nil {
		return remote.ESConfig{}, err
	}
	deleteTimeout, err := config.ParseDurationOrDefault("snapshot.delete_master_timeout", cfg.Snapshot.DeleteMasterTimeout, config.DefaultDeleteMasterTimeout)
	if err != nil {
		return remote.ESConfig{}, err
	}
	region := strings.TrimSpace(es.Region)
	if region == "" {
		region = config.DefaultRegion
	}
	creds, err := remote.AWSAuth{
		Region:          region,
		AccessKey:       es.AccessKey,
		SecretKey:       es.SecretKey,
		UseDefaultChain: es.UseDefaultChain,
	}.Credentials(ctx)
	if err != nil {
		return remote.ESConfig{}, err
	}
	return remote.ESConfig{
		Scheme:              strings.ToLower(strings.TrimSpace(es.Scheme)),
		Region:              region,
		Credentials:         creds,
		RequestTimeout:      reqTimeout,
		CreateMasterTimeout: createTimeout,
		DeleteMasterTimeout: deleteTimeout,
		Observe:             observe,
	}, nil
}

func mapMetricsConfig(cfg *config.Config) metrics.Config {
	return metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Addr:    cfg.Metrics.Addr,
		Path:    cfg.Metrics.Path,
	}
}

func restoreDelay(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("scheduler.restore_delay", cfg.Scheduler.RestoreDelay, defaultRestoreDelay)
}

// validate is the reload gate: the static checks plus everything the
// mappers reject.
func validate(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCoordinatorConfig(cfg); err != nil {
		return err
	}
	_, err := restoreDelay(cfg)
	return err
}
