package config

import (
	"fmt"
)

var validLevels = map[string]struct{}{
	"off": {}, "error": {}, "warn": {}, "info": {}, "debug": {}, "trace": {},
}

var validFormats = map[string]struct{}{
	"auto": {}, "console": {}, "json": {},
}

// Validate checks configuration invariants after normalization.
func (c *Config) Validate() error {
	if c.Downloads.BacklogLimit <= 0 {
		return fmt.Errorf("downloads.backlog_limit must be positive, got %d", c.Downloads.BacklogLimit)
	}
	if c.Downloads.ShutdownGraceSeconds <= 0 {
		return fmt.Errorf("downloads.shutdown_grace_seconds must be positive, got %d", c.Downloads.ShutdownGraceSeconds)
	}
	if _, ok := validLevels[c.Logging.Level]; !ok {
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	if _, ok := validFormats[c.Logging.Format]; !ok {
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	if c.Commit.Message == "" {
		return fmt.Errorf("commit.message must not be empty")
	}
	return nil
}
