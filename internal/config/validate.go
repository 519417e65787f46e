package config

import (
	"fmt"
	"strings"
)

// validate checks the Config for invalid or out-of-range values, returning
// a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.data_dir must not be empty")
	}
	if cfg.Server.StatusPort < 0 || cfg.Server.StatusPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.status_port must be between 0 and 65535, got %d", cfg.Server.StatusPort))
	}

	if cfg.Gate.MaxWorkers < 1 {
		errs = append(errs, fmt.Sprintf("gate.max_workers must be at least 1, got %d", cfg.Gate.MaxWorkers))
	}
	if cfg.Gate.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("gate.max_retries must be non-negative, got %d", cfg.Gate.MaxRetries))
	}
	if cfg.Gate.BaseDelayMs < 0 {
		errs = append(errs, fmt.Sprintf("gate.base_delay_ms must be non-negative, got %d", cfg.Gate.BaseDelayMs))
	}
	if cfg.Gate.MaxDelayMs < cfg.Gate.BaseDelayMs {
		errs = append(errs, "gate.max_delay_ms must be >= gate.base_delay_ms")
	}

	if cfg.TTL.SummarySeconds < 0 || cfg.TTL.ActionSeconds < 0 || cfg.TTL.ReplySeconds < 0 {
		errs = append(errs, "ttl.*_seconds must be non-negative")
	}
	if cfg.TTL.PurgeInterval < 1 {
		errs = append(errs, "ttl.purge_interval_seconds must be at least 1")
	}

	if cfg.Debounce.KBReminderMs < 0 || cfg.Debounce.ProactiveMs < 0 {
		errs = append(errs, "debounce.*_ms must be non-negative")
	}

	if cfg.Checkin.CooldownMs < 0 {
		errs = append(errs, "checkin.cooldown_ms must be non-negative")
	}

	if cfg.Queue.Workers < 1 {
		errs = append(errs, fmt.Sprintf("queue.workers must be at least 1, got %d", cfg.Queue.Workers))
	}
	if cfg.Queue.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("queue.max_attempts must be at least 1, got %d", cfg.Queue.MaxAttempts))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum returns true if val is in the allowed list (case-insensitive).
func isValidEnum(val string, allowed []string) bool {
	lower := strings.ToLower(val)
	for _, a := range allowed {
		if strings.ToLower(a) == lower {
			return true
		}
	}
	return false
}
