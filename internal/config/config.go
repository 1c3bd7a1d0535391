package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultLockKey identifies the advisory lock. The value has no meaning and
// was picked randomly; every invocation against the same server must agree
// on it.
const DefaultLockKey = 839270518

type Config struct {
	DSN                  string `yaml:"dsn"`
	Dir                  string `yaml:"dir"`
	JSON                 bool   `yaml:"json"`
	LogLevel             string `yaml:"log_level"`
	LockKey              int64  `yaml:"lock_key"`
	LockTimeoutSec       int    `yaml:"lock_timeout_sec"`
	ChangelogTable       string `yaml:"changelog_table"`
	RollbackScriptsTable string `yaml:"rollback_scripts_table"`
	RollbackHistoryTable string `yaml:"rollback_history_table"`
	LockHolderTable      string `yaml:"lock_holder_table"`
	ExecutedBy           string `yaml:"executed_by"`
}

func Default() *Config {
	return &Config{
		Dir:                  "./migrations",
		LogLevel:             "info",
		LockKey:              DefaultLockKey,
		LockTimeoutSec:       30,
		ChangelogTable:       "schema_changelog",
		RollbackScriptsTable: "schema_rollback_scripts",
		RollbackHistoryTable: "schema_rollback_history",
		LockHolderTable:      "schema_lock_holder",
	}
}

func LoadYAML(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func MergeEnv(cfg *Config) *Config {
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("MIGRATIONS_DIR"); v != "" {
		cfg.Dir = v
	}
	if v := os.Getenv("LOCK_KEY"); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.LockKey = i
		}
	}
	if v := os.Getenv("LOCK_TIMEOUT_SEC"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.LockTimeoutSec = i
		}
	}
	if v := os.Getenv("CHANGELOG_TABLE"); v != "" {
		cfg.ChangelogTable = v
	}
	if v := os.Getenv("EXECUTED_BY"); v != "" {
		cfg.ExecutedBy = v
	}
	return cfg
}

func (c *Config) LockTimeout() time.Duration {
	if c.LockTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.LockTimeoutSec) * time.Second
}
