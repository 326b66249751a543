// Copyright 2026 Quilt App, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	defaultVersion          = 1
	defaultMaxCacheMB       = 100
	defaultEvictIntervalMin = 30
	defaultQueueMaxAttempts = 5
	defaultQueueBaseRetryMS = 1000
	defaultQueueMaxRetryMS  = 30000
	defaultDownloadSec      = 30
)

var ErrConfigMissing = errors.New("satchel config missing")

// ValidationError aggregates config validation issues.
type ValidationError struct {
	Issues []string
}

func (v ValidationError) Error() string {
	if len(v.Issues) == 0 {
		return "config validation failed"
	}
	if len(v.Issues) == 1 {
		return v.Issues[0]
	}
	return fmt.Sprintf("config validation failed: %s", v.Issues)
}

// Config describes on-device cache and queue behaviour. Values load from a
// YAML file and may be overridden through SATCHEL_* environment variables.
type Config struct {
	Version          int         `yaml:"version" env:"SATCHEL_VERSION"`
	CacheDir         string      `yaml:"cache_dir" env:"SATCHEL_CACHE_DIR"`
	MaxCacheMB       int         `yaml:"max_cache_mb" env:"SATCHEL_MAX_CACHE_MB"`
	EvictIntervalMin int         `yaml:"evict_interval_min" env:"SATCHEL_EVICT_INTERVAL_MIN"`
	Queue            QueueConfig `yaml:"queue" envPrefix:"SATCHEL_QUEUE_"`
	Media            MediaConfig `yaml:"media" envPrefix:"SATCHEL_MEDIA_"`
}

// QueueConfig captures offline queue retry tuning.
type QueueConfig struct {
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseRetryMS int `yaml:"base_retry_ms" env:"BASE_RETRY_MS"`
	MaxRetryMS  int `yaml:"max_retry_ms" env:"MAX_RETRY_MS"`
}

// MediaConfig captures media download tuning.
type MediaConfig struct {
	DownloadTimeoutSec int `yaml:"download_timeout_sec" env:"DOWNLOAD_TIMEOUT_SEC"`
}

// LoadConfig reads config from the provided path. When the file does not exist
// it writes a template and returns ErrConfigMissing to prompt the user to edit
// the newly created file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if writeErr := writeTemplate(path); writeErr != nil {
				return nil, writeErr
			}
			return nil, ErrConfigMissing
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse satchel config: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse satchel env overrides: %w", err)
	}

	cfg.applyDefaults()
	if vErr := cfg.validate(); len(vErr.Issues) > 0 {
		return nil, vErr
	}

	return &cfg, nil
}

// EffectiveCacheDir resolves the cache directory for the given account. If
// CacheDir is empty it falls back to ~/.satchel/cache/<accountID>.
func (c Config) EffectiveCacheDir(homeDir, accountID string) string {
	if c.CacheDir != "" {
		return c.CacheDir
	}
	base := filepath.Join(homeDir, ".satchel", "cache")
	if accountID == "" {
		return base
	}
	return filepath.Join(base, accountID)
}

// MaxBytes returns the shared data+media byte budget.
func (c Config) MaxBytes() int64 {
	return int64(c.MaxCacheMB) << 20
}

// BaseRetry returns the queue's initial backoff delay.
func (c Config) BaseRetry() time.Duration {
	return time.Duration(c.Queue.BaseRetryMS) * time.Millisecond
}

// MaxRetry returns the queue's backoff cap.
func (c Config) MaxRetry() time.Duration {
	return time.Duration(c.Queue.MaxRetryMS) * time.Millisecond
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = defaultVersion
	}
	if c.MaxCacheMB == 0 {
		c.MaxCacheMB = defaultMaxCacheMB
	}
	if c.EvictIntervalMin == 0 {
		c.EvictIntervalMin = defaultEvictIntervalMin
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = defaultQueueMaxAttempts
	}
	if c.Queue.BaseRetryMS == 0 {
		c.Queue.BaseRetryMS = defaultQueueBaseRetryMS
	}
	if c.Queue.MaxRetryMS == 0 {
		c.Queue.MaxRetryMS = defaultQueueMaxRetryMS
	}
	if c.Media.DownloadTimeoutSec == 0 {
		c.Media.DownloadTimeoutSec = defaultDownloadSec
	}
}

func (c Config) validate() ValidationError {
	issues := make([]string, 0)

	if c.Version != defaultVersion {
		issues = append(issues, "version must be 1")
	}
	if c.MaxCacheMB <= 0 {
		issues = append(issues, "max_cache_mb must be > 0")
	}
	if c.EvictIntervalMin <= 0 {
		issues = append(issues, "evict_interval_min must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		issues = append(issues, "queue.max_attempts must be > 0")
	}
	if c.Queue.BaseRetryMS <= 0 {
		issues = append(issues, "queue.base_retry_ms must be > 0")
	}
	if c.Queue.MaxRetryMS < c.Queue.BaseRetryMS {
		issues = append(issues, "queue.max_retry_ms must be >= queue.base_retry_ms")
	}
	if c.Media.DownloadTimeoutSec <= 0 {
		issues = append(issues, "media.download_timeout_sec must be > 0")
	}

	return ValidationError{Issues: issues}
}

func writeTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tpl := bytes.NewBufferString("# satchel offline cache configuration\n")
	tpl.WriteString("version: 1\n")
	tpl.WriteString("# cache_dir: \n")
	tpl.WriteString("max_cache_mb: 100\n")
	tpl.WriteString("evict_interval_min: 30\n")
	tpl.WriteString("queue:\n")
	tpl.WriteString("  max_attempts: 5\n")
	tpl.WriteString("  base_retry_ms: 1000\n")
	tpl.WriteString("  max_retry_ms: 30000\n")
	tpl.WriteString("media:\n")
	tpl.WriteString("  download_timeout_sec: 30\n")

	if err := os.WriteFile(path, tpl.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config template: %w", err)
	}
	return nil
}
