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

// Package cache implements the device-local cache: structured records and
// media blobs under one byte budget, with LRU eviction across both.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quiltapp/satchel/log"
	"github.com/quiltapp/satchel/pkg/cache/blob"
	"github.com/quiltapp/satchel/pkg/cache/index"
)

// SizeMultiplier scales the serialized length of a value when accounting its
// cache cost. The factor models the in-memory UTF-16 cost rather than the
// wire size; it is deliberately conservative so eviction is never
// under-aggressive. Tunable, not a physical law.
const SizeMultiplier = 2

// DefaultMaxBytes is the default shared budget for data plus media.
const DefaultMaxBytes int64 = 100 << 20

// ManagerOption customises manager construction.
type ManagerOption func(*Manager)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager is the facade over the structured cache, the media cache, and the
// eviction policy that spans both. Construct one at startup and inject it
// into consumers; it is safe for concurrent use, with index mutations and
// the check-then-evict sequence serialized behind an internal mutex.
type Manager struct {
	idx     index.CacheIndex
	blobs   *blob.Store
	evictor *Evictor
	logger  Logger

	// mu guards the read-modify-write spanning a write and its eviction
	// check; the index alone cannot order those two steps.
	mu sync.Mutex
}

// NewManager constructs a Manager. MaxBytes <= 0 falls back to DefaultMaxBytes.
func NewManager(idx index.CacheIndex, blobs *blob.Store, maxBytes int64, opts ...ManagerOption) (*Manager, error) {
	if idx == nil {
		return nil, errors.New("cache manager: cache index is required")
	}
	if blobs == nil {
		return nil, errors.New("cache manager: blob store is required")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	m := &Manager{
		idx:    idx,
		blobs:  blobs,
		logger: log.GetLogger("cache"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = log.GetLogger("cache")
	}

	evictor, err := NewEvictor(EvictorConfig{MaxBytes: maxBytes}, idx, blobs, WithEvictorLogger(m.logger))
	if err != nil {
		return nil, err
	}
	m.evictor = evictor

	return m, nil
}

// Evictor exposes the manager's evictor for background maintenance loops.
func (m *Manager) Evictor() *Evictor {
	return m.evictor
}

// Set serializes value, records its estimated size, and stores it under key.
// A zero ttl means the entry never expires. The eviction check runs before
// Set returns.
func (m *Manager) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return errors.New("cache manager: key must not be empty")
	}

	serialized, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache manager: serialize %s: %w", key, err)
	}

	now := time.Now().UTC()
	entry := index.Entry{
		Key:       key,
		Value:     serialized,
		SizeBytes: int64(SizeMultiplier * len(serialized)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.idx.PutEntry(ctx, entry); err != nil {
		return fmt.Errorf("cache manager: store %s: %w", key, err)
	}
	if _, err := m.evictor.RunOnce(ctx); err != nil && !errors.Is(err, ErrBudgetNotMet) {
		m.logger.Warnf("cache: eviction after set %s failed: %v", key, err)
	}
	return nil
}

// Get loads the value stored under key into out. It reports a miss (never an
// error) when the key is absent, expired, or unreadable; a hit refreshes the
// entry's recency using its stored size.
func (m *Manager) Get(ctx context.Context, key string, out any) bool {
	entry, err := m.idx.GetEntry(ctx, key)
	if err != nil {
		if !errors.Is(err, index.ErrNotFound) {
			m.logger.Debugf("cache: read %s failed, treating as miss: %v", key, err)
		}
		return false
	}
	if entry.Expired(time.Now().UTC()) {
		if err := m.idx.DeleteEntry(ctx, key); err != nil {
			m.logger.Debugf("cache: drop expired %s failed: %v", key, err)
		}
		return false
	}
	if err := json.Unmarshal(entry.Value, out); err != nil {
		m.logger.Debugf("cache: decode %s failed, treating as miss: %v", key, err)
		return false
	}
	return true
}

// GetAs is a typed convenience over Manager.Get.
func GetAs[T any](ctx context.Context, m *Manager, key string) (T, bool) {
	var value T
	ok := m.Get(ctx, key, &value)
	return value, ok
}

// Remove deletes the entry stored under key. Removing an absent key is a no-op.
func (m *Manager) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idx.DeleteEntry(ctx, key)
}

// ClearPrefix removes every entry whose key starts with prefix, leaving
// unrelated namespaces untouched.
func (m *Manager) ClearPrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed, err := m.idx.DeletePrefix(ctx, prefix)
	if err != nil {
		return fmt.Errorf("cache manager: clear prefix %s: %w", prefix, err)
	}
	if len(removed) > 0 {
		m.logger.Debugf("cache: cleared %d entries under %q", len(removed), prefix)
	}
	return nil
}

// Usage sums current byte usage across both indexes. Always computed fresh,
// never cached.
func (m *Manager) Usage(ctx context.Context) (index.Usage, error) {
	return m.idx.Usage(ctx)
}

// MediaID derives the deterministic content address for a remote URL and an
// optional hint. Two calls with the same inputs resolve to the same entry.
func MediaID(remoteURL, idHint string) string {
	sum := sha256.Sum256([]byte(remoteURL + idHint))
	return hex.EncodeToString(sum[:16])
}

// CacheMedia returns the cached entry for remoteURL, downloading it on first
// use. An existing entry is touched and returned without re-downloading. A
// failed download is returned as an error; nothing is recorded for it.
func (m *Manager) CacheMedia(ctx context.Context, remoteURL, idHint string) (index.Media, error) {
	if remoteURL == "" {
		return index.Media{}, errors.New("cache manager: remote url must not be empty")
	}

	id := MediaID(remoteURL, idHint)
	if existing, err := m.idx.GetMedia(ctx, id); err == nil {
		return existing, nil
	} else if !errors.Is(err, index.ErrNotFound) {
		return index.Media{}, fmt.Errorf("cache manager: media lookup %s: %w", id, err)
	}

	result, err := m.blobs.Download(ctx, id, remoteURL)
	if err != nil {
		return index.Media{}, err
	}

	now := time.Now().UTC()
	media := index.Media{
		ID:             id,
		RemoteURL:      remoteURL,
		LocalPath:      result.LocalPath,
		SizeBytes:      result.SizeBytes,
		MimeType:       result.MimeType,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.idx.PutMedia(ctx, media); err != nil {
		return index.Media{}, fmt.Errorf("cache manager: record media %s: %w", id, err)
	}
	if _, err := m.evictor.RunOnce(ctx); err != nil && !errors.Is(err, ErrBudgetNotMet) {
		m.logger.Warnf("cache: eviction after media download failed: %v", err)
	}
	return media, nil
}

// GetMedia looks up the cached entry for remoteURL without ever downloading.
// A hit refreshes recency; an entry whose backing file has vanished reads as
// a miss and is dropped.
func (m *Manager) GetMedia(ctx context.Context, remoteURL, idHint string) (index.Media, bool) {
	id := MediaID(remoteURL, idHint)
	media, err := m.idx.GetMedia(ctx, id)
	if err != nil {
		return index.Media{}, false
	}
	if !m.blobs.Exists(media.LocalPath) {
		if err := m.idx.DeleteMedia(ctx, id); err != nil {
			m.logger.Debugf("cache: drop stale media %s failed: %v", id, err)
		}
		return index.Media{}, false
	}
	return media, true
}

// RemoveMediaByID deletes the blob file and its index entry together. A
// missing file is tolerated; the index entry is removed regardless.
func (m *Manager) RemoveMediaByID(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	media, err := m.idx.GetMedia(ctx, id)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("cache manager: media lookup %s: %w", id, err)
	}
	if err := m.blobs.Remove(media.LocalPath); err != nil {
		return err
	}
	if err := m.idx.DeleteMedia(ctx, id); err != nil {
		return fmt.Errorf("cache manager: delete media %s: %w", id, err)
	}
	return nil
}
