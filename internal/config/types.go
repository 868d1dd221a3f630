package config

// Config is the on-disk configuration. JSON and YAML files share these
// tags; unknown keys are rejected.
type Config struct {
	Telegram      TelegramConfig      `json:"telegram"`
	Logging       LoggingConfig       `json:"logging"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Snapshot      SnapshotConfig      `json:"snapshot"`
	Elasticsearch ElasticsearchConfig `json:"elasticsearch"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Metrics  MetricsConfig   `json:"metrics,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`

	// BroadcastChatID is the room every snapshot notice goes to.
	BroadcastChatID   int64 `json:"broadcast_chat_id"`
	BroadcastThreadID int   `json:"broadcast_thread_id,omitempty"`

	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the cron trigger engine.
type SchedulerConfig struct {
	// Timezone is an IANA name; cron specs and snapshot names use it.
	Timezone string `json:"timezone,omitempty"`
	// RestoreDelay postpones re-registering persisted schedules at boot.
	RestoreDelay string `json:"restore_delay,omitempty"`
}

// SnapshotConfig controls creation, polling and retention.
//
// Defaults:
//   - poll_interval: "30m"
//   - create_master_timeout: "30s"
//   - delete_master_timeout: "15s"
//   - retention_days: 0 (automatic pruning off)
type SnapshotConfig struct {
	PollInterval        string `json:"poll_interval,omitempty"`
	CreateMasterTimeout string `json:"create_master_timeout,omitempty"`
	DeleteMasterTimeout string `json:"delete_master_timeout,omitempty"`
	RetentionDays       int    `json:"retention_days,omitempty"`
}

// ElasticsearchConfig describes how to reach snapshot targets. Targets
// themselves come from chat commands (host names).
type ElasticsearchConfig struct {
	Scheme string `json:"scheme,omitempty"` // default "https"

	// AWS request signing. Leave keys empty and use_default_chain false
	// to send unsigned requests.
	Region          string `json:"region,omitempty"`
	AccessKey       string `json:"access_key,omitempty"`
	SecretKey       string `json:"secret_key,omitempty"`
	UseDefaultChain bool   `json:"use_default_chain,omitempty"`

	RequestTimeout string `json:"request_timeout,omitempty"`
}

// NotifierConfig controls the async chat notification pipeline.
// Workers defaults to 1 so notices for one snapshot arrive in order.
type NotifierConfig struct {
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
}

// StorageConfig selects the Schedule Store driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./snapbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9464"
	Path    string `json:"path,omitempty"` // default "/metrics"
}
