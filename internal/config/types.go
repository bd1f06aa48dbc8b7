package config

// Config is the on-disk configuration. JSON and YAML are both accepted; YAML
// is coerced to JSON before strict decoding.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "2m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Phone     PhoneConfig     `json:"phone"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Contacts  ContactsConfig  `json:"contacts"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PhoneConfig controls number normalization.
type PhoneConfig struct {
	// CountryPrefix is prepended to bare 10-digit numbers. Default "91".
	CountryPrefix string `json:"country_prefix,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./blastbot_store" }
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
	// LegacyPath points at a read-only send log from an earlier deployment.
	// Its entries count as already-sent but the file is never written.
	LegacyPath  string `json:"legacy_path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ContactsConfig points the scheduler at its recurring-campaign audience.
type ContactsConfig struct {
	Path string `json:"path"`
	// NameColumn/PhoneColumn override header detection. When PhoneColumn is
	// empty, common header names ("phone", "mobile", ...) are tried in order.
	NameColumn  string `json:"name_column,omitempty"`
	PhoneColumn string `json:"phone_column,omitempty"`
}

// DispatchConfig controls per-send guards and pacing.
type DispatchConfig struct {
	// Cooldown is a Go duration string; minimum gap between two sends to the
	// same number.
	Cooldown string `json:"cooldown,omitempty"`
	// SendDelayBase/SendDelayJitter pace consecutive sends inside a batch.
	SendDelayBase   string `json:"send_delay_base,omitempty"`
	SendDelayJitter string `json:"send_delay_jitter,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`

	// MessageTemplate is the preset body; "{name}" is replaced per recipient.
	MessageTemplate string `json:"message_template,omitempty"`
	FallbackName    string `json:"fallback_name,omitempty"`
	AttachmentPath  string `json:"attachment_path,omitempty"`
}

// SchedulerConfig controls the campaign scheduler loop.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// PollInterval is a Go duration string. Default "10s".
	PollInterval string `json:"poll_interval,omitempty"`
	// Timezone is an IANA name used to evaluate daily/cron trigger minutes.
	Timezone string `json:"timezone,omitempty"`
}
