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

package cache_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quiltapp/satchel/pkg/cache"
)

func TestLoadConfigCreatesTemplateWhenMissing(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	cfg, err := cache.LoadConfig(configPath)
	if !errors.Is(err, cache.ErrConfigMissing) {
		t.Fatalf("expected ErrConfigMissing, got %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config when missing, got %#v", cfg)
	}

	data, readErr := os.ReadFile(configPath)
	if readErr != nil {
		t.Fatalf("expected template to be created, read failed: %v", readErr)
	}
	if !strings.Contains(string(data), "max_cache_mb") {
		t.Fatalf("template content does not contain expected default, got:\n%s", string(data))
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("version: 1\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := cache.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MaxBytes() != 100<<20 {
		t.Fatalf("expected 100MiB default budget, got %d", cfg.MaxBytes())
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Fatalf("expected 5 max attempts, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.BaseRetry() != time.Second || cfg.MaxRetry() != 30*time.Second {
		t.Fatalf("unexpected backoff defaults: %s / %s", cfg.BaseRetry(), cfg.MaxRetry())
	}
}

func TestLoadConfigFailsValidation(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	yaml := `version: 1
max_cache_mb: -1
queue:
  max_attempts: 5
  base_retry_ms: 2000
  max_retry_ms: 100
`
	if err := os.WriteFile(configPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := cache.LoadConfig(configPath)
	if err == nil {
		t.Fatalf("expected validation error, got nil")
	}
	if cfg != nil {
		t.Fatalf("expected nil config on validation failure, got %#v", cfg)
	}

	var vErr cache.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if len(vErr.Issues) != 2 {
		t.Fatalf("expected two issues, got %v", vErr.Issues)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("version: 1\nmax_cache_mb: 100\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SATCHEL_MAX_CACHE_MB", "250")
	t.Setenv("SATCHEL_QUEUE_MAX_ATTEMPTS", "7")

	cfg, err := cache.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MaxCacheMB != 250 {
		t.Fatalf("env override not applied: %d", cfg.MaxCacheMB)
	}
	if cfg.Queue.MaxAttempts != 7 {
		t.Fatalf("nested env override not applied: %d", cfg.Queue.MaxAttempts)
	}
}
