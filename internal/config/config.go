// Package config loads server settings from defaults, an optional YAML file
// and HOMEBASE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/homebase/internal/blob"
	"github.com/dukerupert/homebase/internal/notify"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port      string `yaml:"port"`
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// Timezone is the default for new families.
	Timezone string `yaml:"timezone"`

	Tasks TasksConfig   `yaml:"tasks"`
	Sweep SweepConfig   `yaml:"sweep"`
	Store StoreConfig   `yaml:"store"`
	S3    blob.Config   `yaml:"s3"`
	Push  notify.Config `yaml:"push"`
}

type TasksConfig struct {
	OverdueGrace         time.Duration `yaml:"overdue_grace"`
	StaleCompletionAfter time.Duration `yaml:"stale_completion_after"`
}

type SweepConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type StoreConfig struct {
	MaxTxnAttempts uint64        `yaml:"max_txn_attempts"`
	RetryBase      time.Duration `yaml:"retry_base"`
}

func Default() *Config {
	return &Config{
		Port:      "8080",
		DBPath:    "homebase.db",
		LogLevel:  "info",
		LogFormat: "text",
		Timezone:  "UTC",
		Tasks: TasksConfig{
			OverdueGrace:         24 * time.Hour,
			StaleCompletionAfter: 24 * time.Hour,
		},
		Sweep: SweepConfig{Interval: 15 * time.Minute},
		Store: StoreConfig{
			MaxTxnAttempts: 5,
			RetryBase:      10 * time.Millisecond,
		},
		S3: blob.Config{Region: "us-east-1"},
	}
}

// Load builds the configuration. A missing file at path is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup("HOMEBASE_" + key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup("HOMEBASE_" + key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("HOMEBASE_%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("PORT", &c.Port)
	str("DB_PATH", &c.DBPath)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("TIMEZONE", &c.Timezone)
	str("S3_ENDPOINT", &c.S3.Endpoint)
	str("S3_BUCKET", &c.S3.Bucket)
	str("S3_REGION", &c.S3.Region)
	str("S3_ACCESS_KEY", &c.S3.AccessKey)
	str("S3_SECRET_KEY", &c.S3.SecretKey)
	str("VAPID_PUBLIC_KEY", &c.Push.VAPIDPublicKey)
	str("VAPID_PRIVATE_KEY", &c.Push.VAPIDPrivateKey)
	str("PUSH_SUBSCRIBER", &c.Push.Subscriber)

	for key, dst := range map[string]*time.Duration{
		"OVERDUE_GRACE":          &c.Tasks.OverdueGrace,
		"STALE_COMPLETION_AFTER": &c.Tasks.StaleCompletionAfter,
		"SWEEP_INTERVAL":         &c.Sweep.Interval,
		"STORE_RETRY_BASE":       &c.Store.RetryBase,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup("HOMEBASE_STORE_MAX_TXN_ATTEMPTS"); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("HOMEBASE_STORE_MAX_TXN_ATTEMPTS: %w", err)
		}
		c.Store.MaxTxnAttempts = n
	}
	return nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if c.Tasks.OverdueGrace < 0 || c.Tasks.StaleCompletionAfter <= 0 {
		errs = append(errs, errors.New("task thresholds must be positive"))
	}
	if c.Sweep.Interval < time.Second {
		errs = append(errs, errors.New("sweep.interval must be at least 1s"))
	}
	if c.Store.MaxTxnAttempts == 0 {
		errs = append(errs, errors.New("store.max_txn_attempts must be at least 1"))
	}
	return errors.Join(errs...)
}
