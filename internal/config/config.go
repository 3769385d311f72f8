package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Ranking  RankingConfig  `yaml:"ranking"`
	Merge    MergeConfig    `yaml:"merge"`

	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Webhooks    []WebhookConfig   `yaml:"webhooks"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	BasePath string `yaml:"base_path"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level          string `yaml:"level"`
	Format         string `yaml:"format"`
	FilePath       string `yaml:"file_path"`
	FileMaxSizeMB  int    `yaml:"file_max_size_mb"`
	FileMaxFiles   int    `yaml:"file_max_files"`
	FileMaxAgeDays int    `yaml:"file_max_age_days"`
}

// RankingConfig holds translation weight settings.
//
// RoleWeights is the weight a translation receives when an actor holding the
// role promotes it without a better sibling to step over. Lower is better and
// 0 is reserved for original translations.
type RankingConfig struct {
	RoleWeights map[string]float64 `yaml:"role_weights"`
}

// MergeConfig holds entity merge settings.
type MergeConfig struct {
	// NudgeStep is the largest increment applied to break a weight tie
	// between translations that came from different entities.
	NudgeStep float64 `yaml:"nudge_step"`
}

// MaintenanceConfig holds snapshot and optimize scheduling. An empty
// SnapshotDir defaults to a "snapshots" directory next to the database.
type MaintenanceConfig struct {
	Enabled       bool   `yaml:"enabled"`
	IntervalHours int    `yaml:"interval_hours"`
	SnapshotDir   string `yaml:"snapshot_dir"`
	Retention     int    `yaml:"retention"`
	MaxAgeDays    int    `yaml:"max_age_days"`
}

// WebhookConfig describes an endpoint notified of ranking and merge events.
// Type is one of generic, discord, slack or gotify; an empty Events list
// subscribes to everything.
type WebhookConfig struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Type   string   `yaml:"type"`
	Events []string `yaml:"events"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8080,
			BasePath: "/",
		},
		Database: DatabaseConfig{
			Path: "/data/lyrebird.db",
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			FileMaxSizeMB:  100,
			FileMaxFiles:   3,
			FileMaxAgeDays: 30,
		},
		Ranking: RankingConfig{
			RoleWeights: map[string]float64{
				"admin":     10,
				"moderator": 100,
				"editor":    1000,
				"helper":    10000,
			},
		},
		Merge: MergeConfig{
			NudgeStep: 1,
		},
		Maintenance: MaintenanceConfig{
			Enabled:       true,
			IntervalHours: 24,
			Retention:     7,
		},
	}
}

// Load reads config from a YAML file (if it exists) and overrides with
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("LB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("LB_BASE_PATH"); v != "" {
		c.Server.BasePath = v
	}
	if v := os.Getenv("LB_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("LB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LB_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("LB_LOG_FILE"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("LB_SNAPSHOT_DIR"); v != "" {
		c.Maintenance.SnapshotDir = v
	}
	if v := os.Getenv("LB_MAINTENANCE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Maintenance.Enabled = b
		}
	}
	if v := os.Getenv("LB_MERGE_NUDGE_STEP"); v != "" {
		if step, err := strconv.ParseFloat(v, 64); err == nil {
			c.Merge.NudgeStep = step
		}
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Merge.NudgeStep <= 0 {
		return fmt.Errorf("merge nudge_step must be positive: %v", c.Merge.NudgeStep)
	}
	for role, w := range c.Ranking.RoleWeights {
		if w <= 0 {
			return fmt.Errorf("ranking weight for role %q must be positive: %v", role, w)
		}
	}
	if c.Maintenance.Enabled && c.Maintenance.IntervalHours <= 0 {
		return fmt.Errorf("maintenance interval_hours must be positive: %d", c.Maintenance.IntervalHours)
	}
	if c.Maintenance.Retention < 0 || c.Maintenance.MaxAgeDays < 0 {
		return fmt.Errorf("maintenance retention and max_age_days cannot be negative")
	}
	if c.Maintenance.SnapshotDir == "" && c.Database.Path != ":memory:" {
		c.Maintenance.SnapshotDir = filepath.Join(filepath.Dir(c.Database.Path), "snapshots")
	}
	c.Server.BasePath = strings.TrimRight(c.Server.BasePath, "/")
	return nil
}
