package config

import (
	"reflect"
	"sort"

	"snapbot/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs
// and returns log fields describing the new values. Secrets are
// reported only as "set" flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Int64("telegram.broadcast_chat_id", newCfg.Telegram.BroadcastChatID),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}
	if oldCfg.Snapshot != newCfg.Snapshot {
		changed = append(changed, "snapshot")
		attrs = append(attrs,
			logx.String("snapshot.poll_interval", newCfg.Snapshot.PollInterval),
			logx.Int("snapshot.retention_days", newCfg.Snapshot.RetentionDays),
		)
	}
	if oldCfg.Elasticsearch != newCfg.Elasticsearch {
		changed = append(changed, "elasticsearch")
		attrs = append(attrs,
			logx.String("elasticsearch.region", newCfg.Elasticsearch.Region),
			logx.Bool("elasticsearch.keys_set", newCfg.Elasticsearch.AccessKey != ""),
			logx.Bool("elasticsearch.default_chain", newCfg.Elasticsearch.UseDefaultChain),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
