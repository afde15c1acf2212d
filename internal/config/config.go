// Package config loads notevault settings from the environment, an optional
// .env file, and an optional notevault.yaml inside the data directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppVersion is recorded in backup and export manifests.
const AppVersion = "1.4.0"

const (
	DatabaseFile = "notes.db"
	MediaDirName = "notes_media"
	FileName     = "notevault.yaml"
)

// Config holds runtime settings.
type Config struct {
	DataDir         string `yaml:"data_dir" validate:"required"`
	BackupDir       string `yaml:"backup_dir" validate:"required"`
	BackupRetention int    `yaml:"backup_retention" validate:"min=1,max=100"`
	LogFile         string `yaml:"log_file" validate:"required"`
	Env             string `yaml:"env" validate:"oneof=development production"`
	Host            string `yaml:"host" validate:"required"`
	Port            int    `yaml:"port" validate:"min=1,max=65535"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		DataDir:         "./data",
		BackupRetention: 10,
		Env:             "development",
		Host:            "localhost",
		Port:            6893,
	}
}

// Load builds the configuration. A non-empty dataDir overrides every other
// source for the data directory.
func Load(dataDir string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	if err := cfg.applyFile(filepath.Join(cfg.DataDir, FileName)); err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(cfg.DataDir, "backups")
	}
	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(cfg.DataDir, "logs", "notevault.log")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("NOTEVAULT_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("NOTEVAULT_BACKUP_DIR"); v != "" {
		c.BackupDir = v
	}
	if v := os.Getenv("NOTEVAULT_LOG_FILE"); v != "" {
		c.LogFile = v
	}
	if v := os.Getenv("NOTEVAULT_ENV"); v != "" {
		c.Env = v
	}
	if v := os.Getenv("NOTEVAULT_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("NOTEVAULT_BACKUP_RETENTION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NOTEVAULT_BACKUP_RETENTION: %w", err)
		}
		c.BackupRetention = n
	}
	if v := os.Getenv("NOTEVAULT_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NOTEVAULT_PORT: %w", err)
		}
		c.Port = n
	}
	return nil
}

// applyFile overlays values from a YAML file. A missing file is not an error.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// IsProduction reports whether console logs should be JSON.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// DatabasePath is the live notes.db file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, DatabaseFile)
}

// MediaDir is the flat directory holding files referenced by content blocks.
func (c *Config) MediaDir() string {
	return filepath.Join(c.DataDir, MediaDirName)
}

// Addr is the web listener address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
