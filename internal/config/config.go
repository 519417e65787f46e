// Package config holds the core's own configuration tree, loaded with
// viper/toml/mapstructure and hot-reloadable via an fsnotify watcher
// (watcher.go), mirroring the conventions of the daemon this core's
// coordinator is modeled on.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last
// successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. Safe for concurrent use. Returns the
// default config if none has been loaded yet.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for the core.
type Config struct {
	Server        ServerConfig       `mapstructure:"server"        toml:"server"`
	Gate          GateConfig         `mapstructure:"gate"          toml:"gate"`
	TTL           TTLConfig          `mapstructure:"ttl"           toml:"ttl"`
	Debounce      DebounceConfig     `mapstructure:"debounce"      toml:"debounce"`
	Checkin       CheckinConfig      `mapstructure:"checkin"       toml:"checkin"`
	Queue         QueueConfig        `mapstructure:"queue"         toml:"queue"`
	Notifications NotificationConfig `mapstructure:"notifications" toml:"notifications"`
}

// ServerConfig holds process-level settings: where the KV store lives and
// at what level the core logs.
type ServerConfig struct {
	DataDir  string `mapstructure:"data_dir"  toml:"data_dir"`
	LogLevel string `mapstructure:"log_level" toml:"log_level"`
	// StatusPort, if non-zero, serves a read-only chi-routed introspection
	// endpoint (health, queue depth) for operational debugging.
	StatusPort int `mapstructure:"status_port" toml:"status_port"`
}

// GateConfig controls the LLM Call Gate (C4).
type GateConfig struct {
	MaxWorkers    int `mapstructure:"max_workers"     toml:"max_workers"`
	MaxRetries    int `mapstructure:"max_retries"     toml:"max_retries"`
	BaseDelayMs   int `mapstructure:"base_delay_ms"   toml:"base_delay_ms"`
	MaxDelayMs    int `mapstructure:"max_delay_ms"    toml:"max_delay_ms"`
	IdleTimeoutMs int `mapstructure:"idle_timeout_ms" toml:"idle_timeout_ms"`
}

// TTLConfig controls per-kind artifact expiry (§4.5).
type TTLConfig struct {
	SummarySeconds int `mapstructure:"summary_seconds"       toml:"summary_seconds"`
	ActionSeconds  int `mapstructure:"action_seconds"        toml:"action_seconds"`
	ReplySeconds   int `mapstructure:"reply_seconds"         toml:"reply_seconds"`
	PurgeInterval  int `mapstructure:"purge_interval_seconds" toml:"purge_interval_seconds"`
}

// DebounceConfig controls the debounce windows used by C8's named triggers.
type DebounceConfig struct {
	KBReminderMs int `mapstructure:"kb_reminder_ms" toml:"kb_reminder_ms"`
	ProactiveMs  int `mapstructure:"proactive_ms"   toml:"proactive_ms"`
}

// CheckinConfig controls C10's cooldown gate.
type CheckinConfig struct {
	CooldownMs int `mapstructure:"cooldown_ms" toml:"cooldown_ms"`
}

// QueueConfig controls C9's worker pool and retry ceiling.
type QueueConfig struct {
	Workers     int `mapstructure:"workers"      toml:"workers"`
	MaxAttempts int `mapstructure:"max_attempts" toml:"max_attempts"`
}

// NotificationConfig mirrors the persisted notifications.* KV keys (§6).
type NotificationConfig struct {
	ProactiveEnabled          bool `mapstructure:"proactive_enabled"            toml:"proactive_enabled"`
	NewReminderWindowDays     int  `mapstructure:"new_reminder_window_days"     toml:"new_reminder_window_days"`
	DueReminderAdvanceMinutes int  `mapstructure:"due_reminder_advance_minutes" toml:"due_reminder_advance_minutes"`
	GraceMinutes              int  `mapstructure:"grace_minutes"                toml:"grace_minutes"`
}

// Load reads configuration from explicitPath (or the default search path
// if empty), overlays MAILCORE_-prefixed environment variables, validates,
// and stores the result as the current config.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	setViperDefaults(v)

	v.SetEnvPrefix("MAILCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".mailcore"))
		}
		v.AddConfigPath(".")
		v.SetConfigName(strings.TrimSuffix(DefaultConfigFilename, ".toml"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// ConfigFilePath returns the path of the config file used by the last
// successful Load, or "" if none has succeeded yet.
func ConfigFilePath() string {
	if v := loadedConfigFile.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// InitConfig writes the default configuration to ~/.mailcore/mailcore.toml
// if it does not already exist.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	dir := filepath.Join(homeDir, ".mailcore")
	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := toml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.status_port", d.Server.StatusPort)
	v.SetDefault("gate.max_workers", d.Gate.MaxWorkers)
	v.SetDefault("gate.max_retries", d.Gate.MaxRetries)
	v.SetDefault("gate.base_delay_ms", d.Gate.BaseDelayMs)
	v.SetDefault("gate.max_delay_ms", d.Gate.MaxDelayMs)
	v.SetDefault("gate.idle_timeout_ms", d.Gate.IdleTimeoutMs)
	v.SetDefault("ttl.summary_seconds", d.TTL.SummarySeconds)
	v.SetDefault("ttl.action_seconds", d.TTL.ActionSeconds)
	v.SetDefault("ttl.reply_seconds", d.TTL.ReplySeconds)
	v.SetDefault("ttl.purge_interval_seconds", d.TTL.PurgeInterval)
	v.SetDefault("debounce.kb_reminder_ms", d.Debounce.KBReminderMs)
	v.SetDefault("debounce.proactive_ms", d.Debounce.ProactiveMs)
	v.SetDefault("checkin.cooldown_ms", d.Checkin.CooldownMs)
	v.SetDefault("queue.workers", d.Queue.Workers)
	v.SetDefault("queue.max_attempts", d.Queue.MaxAttempts)
	v.SetDefault("notifications.proactive_enabled", d.Notifications.ProactiveEnabled)
	v.SetDefault("notifications.new_reminder_window_days", d.Notifications.NewReminderWindowDays)
	v.SetDefault("notifications.due_reminder_advance_minutes", d.Notifications.DueReminderAdvanceMinutes)
	v.SetDefault("notifications.grace_minutes", d.Notifications.GraceMinutes)
}

// IdleTimeout returns the configured stream idle timeout, defaulting to
// 60 seconds per §4.4 when unset.
func (c *Config) IdleTimeout() time.Duration {
	if c.Gate.IdleTimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Gate.IdleTimeoutMs) * time.Millisecond
}
