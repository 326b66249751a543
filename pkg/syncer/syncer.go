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

// Package syncer drains the offline queue against the backend API, tracks
// aggregate progress for the UI, and invalidates read caches after every
// pass so freshly rendered data reflects the synced server state.
package syncer

import (
	"context"
	"errors"
	"sync"

	"github.com/quiltapp/satchel/log"
	"github.com/quiltapp/satchel/pkg/cache/index"
	"github.com/quiltapp/satchel/pkg/queue"
)

// ErrSyncRunning is returned when a pass is already in flight. Callers
// treat it as a no-op.
var ErrSyncRunning = errors.New("syncer: sync pass already running")

// Read-cache prefixes cleared after every pass.
var invalidatePrefixes = []string{"posts:", "notifications:", "users:me"}

// Logger captures structured output for sync passes.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// CacheInvalidator clears cached reads by key prefix. Satisfied by
// cache.Manager.
type CacheInvalidator interface {
	ClearPrefix(ctx context.Context, prefix string) error
}

// Progress is a snapshot of the current or most recent sync pass.
type Progress struct {
	QueuedCount    int
	SuccessCount   int
	FailedCount    int
	AbandonedCount int
}

// Option customises syncer construction.
type Option func(*Syncer)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(s *Syncer) {
		s.logger = logger
	}
}

// WithMetrics attaches a metrics sink; default is a no-op.
func WithMetrics(m Metrics) Option {
	return func(s *Syncer) {
		s.metrics = m
	}
}

// Syncer replays the offline queue. At most one pass runs at a time.
type Syncer struct {
	queue   *queue.Queue
	cache   CacheInvalidator
	metrics Metrics
	logger  Logger

	mu      sync.Mutex
	running bool

	progressMu sync.Mutex
	progress   Progress
	subs       []func(Progress)
}

// New constructs a syncer over the queue and cache.
func New(q *queue.Queue, cache CacheInvalidator, opts ...Option) (*Syncer, error) {
	if q == nil {
		return nil, errors.New("syncer: queue is required")
	}
	if cache == nil {
		return nil, errors.New("syncer: cache invalidator is required")
	}

	s := &Syncer{
		queue:   q,
		cache:   cache,
		metrics: noopMetrics{},
		logger:  log.GetLogger("syncer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	if s.logger == nil {
		s.logger = log.GetLogger("syncer")
	}
	return s, nil
}

// Subscribe registers an observer invoked with the final snapshot of every
// pass.
func (s *Syncer) Subscribe(fn func(Progress)) {
	if fn == nil {
		return
	}
	s.progressMu.Lock()
	s.subs = append(s.subs, fn)
	s.progressMu.Unlock()
}

// Progress returns the latest snapshot.
func (s *Syncer) Progress() Progress {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	return s.progress
}

// Run drains the queue once, dispatching each action to the matching API
// call. chat may be nil when no chat session is active. A concurrent call
// returns ErrSyncRunning. Cache invalidation happens whether or not the
// pass succeeded.
func (s *Syncer) Run(ctx context.Context, api API, chat ChatClient) error {
	if api == nil {
		return errors.New("syncer: api client is required")
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSyncRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	queued, err := s.queue.Len(ctx)
	if err != nil {
		return err
	}
	s.setProgress(Progress{QueuedCount: queued}, false)
	if queued > 0 {
		s.logger.Infof("sync: starting pass with %d queued actions", queued)
	}

	report, drainErr := s.queue.Drain(ctx, func(ctx context.Context, action index.Action) error {
		return dispatch(ctx, api, chat, action)
	})

	// Invalidation and the final snapshot happen even when the pass was
	// cancelled mid-drain.
	persistCtx := context.WithoutCancel(ctx)
	s.invalidate(persistCtx)

	s.metrics.SyncedActions(report.Success)
	s.metrics.RetriedActions(report.Failed)
	s.metrics.AbandonedActions(report.Abandoned)

	remaining, lenErr := s.queue.Len(persistCtx)
	if lenErr != nil {
		remaining = 0
	}
	s.setProgress(Progress{
		QueuedCount:    remaining,
		SuccessCount:   report.Success,
		FailedCount:    report.Failed,
		AbandonedCount: report.Abandoned,
	}, true)

	if drainErr != nil {
		s.logger.Warnf("sync: pass aborted: %v", drainErr)
		return drainErr
	}
	if report.Success+report.Failed+report.Abandoned > 0 {
		s.logger.Infof("sync: pass complete: %d synced, %d retried, %d abandoned", report.Success, report.Failed, report.Abandoned)
	}
	return nil
}

func (s *Syncer) invalidate(ctx context.Context) {
	for _, prefix := range invalidatePrefixes {
		if err := s.cache.ClearPrefix(ctx, prefix); err != nil {
			s.logger.Errorf("sync: invalidate %q: %v", prefix, err)
		}
	}
}

func (s *Syncer) setProgress(p Progress, final bool) {
	s.progressMu.Lock()
	s.progress = p
	var subs []func(Progress)
	if final {
		subs = make([]func(Progress), len(s.subs))
		copy(subs, s.subs)
	}
	s.progressMu.Unlock()

	for _, fn := range subs {
		fn(p)
	}
}
