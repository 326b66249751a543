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
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/quiltapp/satchel/log"
	"github.com/quiltapp/satchel/pkg/cache/blob"
	"github.com/quiltapp/satchel/pkg/cache/index"
)

// ErrBudgetNotMet indicates that the byte budget remains exceeded after a
// full eviction pass.
var ErrBudgetNotMet = errors.New("cache evictor: budget not met")

// EvictorConfig controls eviction behaviour.
type EvictorConfig struct {
	// MaxBytes is the shared budget across data entries and media blobs.
	// Zero or negative disables budget enforcement.
	MaxBytes int64
	// Interval is the background maintenance period.
	Interval time.Duration
}

// Report summarises an eviction pass.
type Report struct {
	TotalBefore  int64
	TotalAfter   int64
	BytesFreed   int64
	EvictedKeys  []string
	EvictedMedia []string
	Expired      []string
}

// Logger captures structured output from cache components.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// EvictorOption customises evictor construction.
type EvictorOption func(*Evictor)

// WithEvictorLogger overrides the default logger.
func WithEvictorLogger(logger Logger) EvictorOption {
	return func(e *Evictor) {
		e.logger = logger
	}
}

// Evictor enforces the shared byte budget with a uniform LRU policy: data
// entries are evicted before media blobs because a re-fetch of one large
// single-purpose download is cheaper than re-assembling many small records.
type Evictor struct {
	cfg    EvictorConfig
	idx    index.CacheIndex
	blobs  *blob.Store
	logger Logger

	mu sync.Mutex
}

// NewEvictor constructs an evictor over the given index and blob store.
func NewEvictor(cfg EvictorConfig, idx index.CacheIndex, blobs *blob.Store, opts ...EvictorOption) (*Evictor, error) {
	if idx == nil {
		return nil, errors.New("cache evictor: cache index is required")
	}
	if blobs == nil {
		return nil, errors.New("cache evictor: blob store is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}

	e := &Evictor{
		cfg:    cfg,
		idx:    idx,
		blobs:  blobs,
		logger: log.GetLogger("cache-evict"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.GetLogger("cache-evict")
	}
	return e, nil
}

// RunOnce executes a single eviction pass: expired entries are pruned first,
// then data entries are evicted in least-recently-used order, then media
// blobs, until total usage fits the budget.
func (e *Evictor) RunOnce(ctx context.Context) (Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var report Report

	entries, err := e.idx.ListEntriesLRU(ctx, 0)
	if err != nil {
		return report, err
	}

	now := time.Now().UTC()
	var total int64
	live := entries[:0]
	for _, entry := range entries {
		if entry.Expired(now) {
			if err := e.idx.DeleteEntry(ctx, entry.Key); err != nil {
				e.logger.Warnf("evict: prune expired %s failed: %v", entry.Key, err)
				total += entry.SizeBytes
				live = append(live, entry)
				continue
			}
			report.Expired = append(report.Expired, entry.Key)
			continue
		}
		total += entry.SizeBytes
		live = append(live, entry)
	}
	entries = live

	medias, err := e.idx.ListMediaLRU(ctx, 0)
	if err != nil {
		return report, err
	}
	liveMedia := medias[:0]
	for _, media := range medias {
		if !e.blobs.Exists(media.LocalPath) {
			// Stale pointer: the backing file is gone, drop the record.
			if err := e.idx.DeleteMedia(ctx, media.ID); err != nil {
				e.logger.Warnf("evict: drop stale media %s failed: %v", media.ID, err)
			}
			continue
		}
		total += media.SizeBytes
		liveMedia = append(liveMedia, media)
	}
	medias = liveMedia

	report.TotalBefore = total

	limit := e.cfg.MaxBytes
	if limit <= 0 {
		limit = math.MaxInt64
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if total <= limit {
			break
		}
		if err := e.idx.DeleteEntry(ctx, entry.Key); err != nil {
			e.logger.Errorf("evict: delete %s failed: %v", entry.Key, err)
			continue
		}
		total -= entry.SizeBytes
		report.BytesFreed += entry.SizeBytes
		report.EvictedKeys = append(report.EvictedKeys, entry.Key)
	}

	for _, media := range medias {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if total <= limit {
			break
		}
		// The file goes first so the index never points at freed space.
		if err := e.blobs.Remove(media.LocalPath); err != nil {
			e.logger.Errorf("evict: remove blob %s failed: %v", media.LocalPath, err)
			continue
		}
		if err := e.idx.DeleteMedia(ctx, media.ID); err != nil {
			e.logger.Errorf("evict: delete media %s failed: %v", media.ID, err)
			continue
		}
		total -= media.SizeBytes
		report.BytesFreed += media.SizeBytes
		report.EvictedMedia = append(report.EvictedMedia, media.ID)
	}

	report.TotalAfter = total

	if total > limit {
		return report, ErrBudgetNotMet
	}
	return report, nil
}

// RunBackground executes RunOnce on a schedule until ctx is cancelled.
// Writers may nudge an immediate pass through the triggers channel.
func (e *Evictor) RunBackground(ctx context.Context, triggers <-chan struct{}) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.RunOnce(ctx); err != nil && !errors.Is(err, ErrBudgetNotMet) {
				e.logger.Warnf("evict maintenance run failed: %v", err)
			}
		case _, ok := <-triggers:
			if !ok {
				triggers = nil
				continue
			}
			if _, err := e.RunOnce(ctx); err != nil && !errors.Is(err, ErrBudgetNotMet) {
				e.logger.Warnf("evict triggered run failed: %v", err)
			}
		}
	}
}
