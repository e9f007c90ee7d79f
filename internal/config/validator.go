package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a config validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: "must be between 1 and 65535",
		})
	}

	if cfg.Dispatch.Workers <= 0 {
		errs = append(errs, ValidationError{
			Field:   "dispatch.workers",
			Message: "must be at least 1",
		})
	}

	if cfg.Dispatch.QueueSize <= 0 {
		errs = append(errs, ValidationError{
			Field:   "dispatch.queue_size",
			Message: "must be at least 1",
		})
	}

	if strings.TrimSpace(cfg.Secrets.InstanceSecret) == "" {
		errs = append(errs, ValidationError{
			Field:   "secrets.instance_secret",
			Message: "is required (set AGENTD_INSTANCE_SECRET)",
		})
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error", "":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be one of debug, info, warn, error",
		})
	}

	if cfg.Janitor.Enabled {
		if cfg.Janitor.IntervalMinutes <= 0 {
			errs = append(errs, ValidationError{
				Field:   "janitor.interval_minutes",
				Message: "must be at least 1 when the janitor is enabled",
			})
		}
		if cfg.Janitor.OrphanAgeMinutes <= 0 {
			errs = append(errs, ValidationError{
				Field:   "janitor.orphan_age_minutes",
				Message: "must be at least 1 when the janitor is enabled",
			})
		}
	}

	return errs
}
