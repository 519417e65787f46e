package config

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.mailcore"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "mailcore.toml"

// DefaultMaxWorkers is the default LLM Call Gate concurrency cap (§5:
// "default small: 2-4").
const DefaultMaxWorkers = 3

// DefaultMaxRetries is the default retry ceiling for network-class failures.
const DefaultMaxRetries = 3

// DefaultBaseDelayMs is the default base delay for exponential backoff.
const DefaultBaseDelayMs = 500

// DefaultMaxDelayMs is the default maximum delay for exponential backoff.
const DefaultMaxDelayMs = 30000

// DefaultIdleTimeoutMs is the default stream idle-timeout (§4.4: 60s).
const DefaultIdleTimeoutMs = 60000

// Default artifact TTLs, in seconds.
const (
	DefaultSummaryTTLSeconds = 7 * 24 * 3600
	DefaultActionTTLSeconds  = 7 * 24 * 3600
	DefaultReplyTTLSeconds   = 24 * 3600
	DefaultPurgeIntervalSecs = 3600
)

// Default debounce windows, in milliseconds.
const (
	DefaultKBReminderDebounceMs = 2000
	DefaultProactiveDebounceMs  = 5000
)

// DefaultCooldownMs is the default proactive check-in cooldown.
const DefaultCooldownMs = 6 * 3600 * 1000

// Default queue tuning.
const (
	DefaultQueueWorkers     = 2
	DefaultQueueMaxAttempts = 3
)

// Default notification thresholds.
const (
	DefaultNewReminderWindowDays     = 3
	DefaultDueReminderAdvanceMinutes = 30
	DefaultGraceMinutes              = 10
)

// ValidLogLevels lists the allowed log level values.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			DataDir:    DefaultDataDir,
			LogLevel:   DefaultLogLevel,
			StatusPort: 0,
		},
		Gate: GateConfig{
			MaxWorkers:    DefaultMaxWorkers,
			MaxRetries:    DefaultMaxRetries,
			BaseDelayMs:   DefaultBaseDelayMs,
			MaxDelayMs:    DefaultMaxDelayMs,
			IdleTimeoutMs: DefaultIdleTimeoutMs,
		},
		TTL: TTLConfig{
			SummarySeconds: DefaultSummaryTTLSeconds,
			ActionSeconds:  DefaultActionTTLSeconds,
			ReplySeconds:   DefaultReplyTTLSeconds,
			PurgeInterval:  DefaultPurgeIntervalSecs,
		},
		Debounce: DebounceConfig{
			KBReminderMs: DefaultKBReminderDebounceMs,
			ProactiveMs:  DefaultProactiveDebounceMs,
		},
		Checkin: CheckinConfig{
			CooldownMs: DefaultCooldownMs,
		},
		Queue: QueueConfig{
			Workers:     DefaultQueueWorkers,
			MaxAttempts: DefaultQueueMaxAttempts,
		},
		Notifications: NotificationConfig{
			ProactiveEnabled:          true,
			NewReminderWindowDays:     DefaultNewReminderWindowDays,
			DueReminderAdvanceMinutes: DefaultDueReminderAdvanceMinutes,
			GraceMinutes:              DefaultGraceMinutes,
		},
	}
}
