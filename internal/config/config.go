// Package config loads runtime settings from defaults, an optional YAML
// config file, and DTS_-prefixed environment variables. Environment
// overrides file overrides defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Settings holds the resolved runtime configuration.
type Settings struct {
	DBPath        string
	MaxConcurrent int
	SchedTickMS   int64
	LeaseMS       int64
	MaxAttempts   int
	Host          string
	Port          int
	LogLevel      string
	LogFile       string
}

// Addr returns the host:port the HTTP server binds to.
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load resolves and validates settings. configFile may be empty; when set
// it must exist and parse as YAML.
func Load(configFile string) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// DTS_DB_PATH, DTS_MAX_CONCURRENT, DTS_SCHED_TICK_MS, ...
	v.SetEnvPrefix("DTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("db_path", "./var/tasks.db")
	v.SetDefault("max_concurrent", 3)
	v.SetDefault("sched_tick_ms", 200)
	v.SetDefault("lease_ms", 60_000)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8000)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	s := &Settings{
		DBPath:        v.GetString("db_path"),
		MaxConcurrent: v.GetInt("max_concurrent"),
		SchedTickMS:   v.GetInt64("sched_tick_ms"),
		LeaseMS:       v.GetInt64("lease_ms"),
		MaxAttempts:   v.GetInt("max_attempts"),
		Host:          v.GetString("host"),
		Port:          v.GetInt("port"),
		LogLevel:      strings.ToLower(v.GetString("log_level")),
		LogFile:       v.GetString("log_file"),
	}
	if err := s.validate(); err != nil {
		return nil, err
	}

	expanded, err := expandTilde(s.DBPath)
	if err != nil {
		return nil, err
	}
	s.DBPath = expanded

	return s, nil
}

// validate reports the first violated constraint. Non-numeric values in
// numeric variables read as zero and fail the same bounds checks.
func (s *Settings) validate() error {
	if strings.TrimSpace(s.DBPath) == "" {
		return fmt.Errorf("DTS_DB_PATH must not be empty")
	}
	if s.MaxConcurrent <= 0 {
		return fmt.Errorf("DTS_MAX_CONCURRENT must be > 0")
	}
	if s.SchedTickMS <= 0 {
		return fmt.Errorf("DTS_SCHED_TICK_MS must be > 0")
	}
	if s.LeaseMS <= 0 {
		return fmt.Errorf("DTS_LEASE_MS must be > 0")
	}
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("DTS_MAX_ATTEMPTS must be > 0")
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("DTS_PORT must be between 1 and 65535")
	}
	return nil
}

// expandTilde expands a leading ~ in a file path to the user's home
// directory. ~user is not supported.
func expandTilde(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if path == "~" {
		return homeDir, nil
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}
