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

// Package queue implements the durable offline mutation queue: an ordered
// list of pending user actions with retry bookkeeping, drained sequentially
// against a caller-supplied handler when connectivity returns.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/quiltapp/satchel/log"
	"github.com/quiltapp/satchel/pkg/cache/index"
)

// Action types replayed by the sync engine.
const (
	TypePostReaction       = "post_reaction"
	TypeCommentCreate      = "comment_create"
	TypeCommentLike        = "comment_like"
	TypeNotificationDelete = "notification_delete"
	TypeChatMessageSend    = "chat_message_send"
	TypeUserProfileUpdate  = "user_profile_update"
	TypePostDelete         = "post_delete"
)

// PermanentError wraps a failure that can never succeed on retry. The drain
// loop abandons the action immediately instead of scheduling backoff.
type PermanentError struct {
	Err error
}

// Error implements the error interface.
func (e PermanentError) Error() string {
	if e.Err == nil {
		return "permanent failure"
	}
	return e.Err.Error()
}

// Unwrap exposes the wrapped error.
func (e PermanentError) Unwrap() error { return e.Err }

// Permanent marks this error as not retryable.
func (PermanentError) Permanent() bool { return true }

// IsPermanent reports whether err is marked as never-retryable.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	type permanent interface {
		Permanent() bool
	}
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}

// Handler applies a single queued action against the backend. A nil return
// completes the action; an error reschedules it (or abandons it when the
// error is permanent).
type Handler func(ctx context.Context, action index.Action) error

// Event notifies observers after queue mutations, e.g. a UI badge showing
// the number of pending changes or a toast for abandoned ones.
type Event struct {
	Pending   int
	Abandoned []index.Action
}

// Report summarises a drain pass.
type Report struct {
	Success   int
	Failed    int
	Abandoned int
	Skipped   int
}

// Logger captures structured output for queue operations.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Config controls queue retry behaviour.
type Config struct {
	MaxAttempts    int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
}

// Option customises queue construction.
type Option func(*Queue)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// EnqueueOption customises a single enqueued action.
type EnqueueOption func(*index.Action)

// WithMaxAttempts overrides the configured attempt limit for one action.
func WithMaxAttempts(n int) EnqueueOption {
	return func(a *index.Action) {
		a.MaxAttempts = n
	}
}

// WithDependsOn records an ordering constraint on another queued action.
func WithDependsOn(id string) EnqueueOption {
	return func(a *index.Action) {
		a.DependsOnID = id
	}
}

// Queue is the durable offline action queue. State lives in the cache index;
// every transition is persisted before the next action is touched, so a
// crash mid-drain loses at most the in-flight action's transition.
type Queue struct {
	cfg    Config
	idx    index.CacheIndex
	logger Logger
	now    func() time.Time

	mu   sync.Mutex
	subs []func(Event)
}

// New constructs a queue over the given index.
func New(cfg Config, idx index.CacheIndex, opts ...Option) (*Queue, error) {
	if idx == nil {
		return nil, errors.New("offline queue: cache index is required")
	}

	cfg = applyDefaults(cfg)

	q := &Queue{
		cfg:    cfg,
		idx:    idx,
		logger: log.GetLogger("queue"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = log.GetLogger("queue")
	}
	if q.now == nil {
		q.now = func() time.Time { return time.Now().UTC() }
	}
	return q, nil
}

// Subscribe registers an observer invoked after every queue mutation.
func (q *Queue) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.subs = append(q.subs, fn)
	q.mu.Unlock()
}

// Enqueue appends an action to the tail of the queue, immediately eligible
// for the next drain pass.
func (q *Queue) Enqueue(ctx context.Context, actionType string, payload map[string]any, opts ...EnqueueOption) (index.Action, error) {
	if actionType == "" {
		return index.Action{}, errors.New("offline queue: action type must not be empty")
	}
	if payload == nil {
		payload = map[string]any{}
	}

	now := q.now()
	action := index.Action{
		Type:          actionType,
		Payload:       payload,
		CreatedAt:     now,
		MaxAttempts:   q.cfg.MaxAttempts,
		NextAttemptAt: now,
		Status:        index.ActionStatusQueued,
	}
	for _, opt := range opts {
		opt(&action)
	}

	queued, err := q.idx.AppendAction(ctx, action)
	if err != nil {
		return index.Action{}, fmt.Errorf("offline queue: enqueue %s: %w", actionType, err)
	}

	q.logger.Debugf("queue: enqueued %s action %s", queued.Type, queued.ID)
	q.notify(ctx, nil)
	return queued, nil
}

// List returns the queue in FIFO order. Malformed records are filtered by
// the index and never surface here.
func (q *Queue) List(ctx context.Context) ([]index.Action, error) {
	return q.idx.ListActions(ctx)
}

// Len returns the number of actions still awaiting replay.
func (q *Queue) Len(ctx context.Context) (int, error) {
	actions, err := q.idx.ListActions(ctx)
	if err != nil {
		return 0, err
	}
	return countPending(actions), nil
}

// Clear hard-resets the queue; pending changes are discarded.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.idx.ClearActions(ctx); err != nil {
		return fmt.Errorf("offline queue: clear: %w", err)
	}
	q.notify(ctx, nil)
	return nil
}

// Drain processes every eligible action once, in FIFO order. Completed and
// abandoned actions are purged at the end of the pass; retryable failures
// stay queued behind their backoff window.
func (q *Queue) Drain(ctx context.Context, handler Handler) (Report, error) {
	if handler == nil {
		return Report{}, errors.New("offline queue: drain handler is required")
	}

	actions, err := q.idx.ListActions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("offline queue: list: %w", err)
	}

	present := make(map[string]index.ActionStatus, len(actions))
	for _, action := range actions {
		present[action.ID] = action.Status
	}

	var report Report
	var abandoned []index.Action
	var purge []string

	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			q.notify(context.WithoutCancel(ctx), abandoned)
			return report, err
		}

		now := q.now()
		switch action.Status {
		case index.ActionStatusDone, index.ActionStatusAbandoned:
			// Leftovers from a pass that crashed before its purge.
			purge = append(purge, action.ID)
			continue
		}
		if !action.Eligible(now) {
			report.Skipped++
			continue
		}
		if dep := action.DependsOnID; dep != "" {
			if status, ok := present[dep]; ok && status != index.ActionStatusDone {
				// Dependency still pending: hold this action back without
				// charging an attempt.
				report.Skipped++
				continue
			}
		}

		running, err := q.idx.UpdateAction(ctx, action.ID, func(a index.Action) (index.Action, error) {
			a.Status = index.ActionStatusRunning
			return a, nil
		})
		if err != nil {
			q.logger.Errorf("queue: mark %s running failed: %v", action.ID, err)
			continue
		}

		handlerErr := handler(ctx, running)
		if handlerErr == nil {
			if _, err := q.idx.UpdateAction(ctx, action.ID, func(a index.Action) (index.Action, error) {
				a.Status = index.ActionStatusDone
				a.LastError = ""
				return a, nil
			}); err != nil {
				q.logger.Errorf("queue: mark %s done failed: %v", action.ID, err)
				continue
			}
			present[action.ID] = index.ActionStatusDone
			purge = append(purge, action.ID)
			report.Success++
			continue
		}

		if isContextError(handlerErr) {
			// The pass was cancelled; requeue the in-flight action untouched.
			persistCtx := context.WithoutCancel(ctx)
			if _, err := q.idx.UpdateAction(persistCtx, action.ID, func(a index.Action) (index.Action, error) {
				a.Status = index.ActionStatusQueued
				a.LastError = handlerErr.Error()
				return a, nil
			}); err != nil {
				q.logger.Errorf("queue: requeue %s after cancel failed: %v", action.ID, err)
			}
			q.notify(persistCtx, abandoned)
			return report, handlerErr
		}

		attempt := running.Attempt + 1
		exhausted := attempt >= running.MaxAttempts
		if IsPermanent(handlerErr) || exhausted {
			updated, err := q.idx.UpdateAction(ctx, action.ID, func(a index.Action) (index.Action, error) {
				a.Attempt = attempt
				a.Status = index.ActionStatusAbandoned
				a.LastError = handlerErr.Error()
				return a, nil
			})
			if err != nil {
				q.logger.Errorf("queue: abandon %s failed: %v", action.ID, err)
				continue
			}
			q.logger.Warnf("queue: abandoned %s action %s after %d attempts: %v", action.Type, action.ID, attempt, handlerErr)
			abandoned = append(abandoned, updated)
			purge = append(purge, action.ID)
			report.Abandoned++
			continue
		}

		delay := q.backoffDelay(attempt)
		if _, err := q.idx.UpdateAction(ctx, action.ID, func(a index.Action) (index.Action, error) {
			a.Attempt = attempt
			a.Status = index.ActionStatusFailed
			a.NextAttemptAt = now.Add(delay)
			a.LastError = handlerErr.Error()
			return a, nil
		}); err != nil {
			q.logger.Errorf("queue: reschedule %s failed: %v", action.ID, err)
			continue
		}
		q.logger.Debugf("queue: action %s failed, retrying in %s: %v", action.ID, delay, handlerErr)
		report.Failed++
	}

	for _, id := range purge {
		if err := q.idx.DeleteAction(ctx, id); err != nil {
			q.logger.Errorf("queue: purge %s failed: %v", id, err)
		}
	}

	q.notify(ctx, abandoned)
	return report, nil
}

// backoffDelay returns the capped exponential delay for the given attempt:
// base, 2*base, 4*base, ... up to the configured maximum.
func (q *Queue) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := q.cfg.BaseRetryDelay
	pow := math.Pow(2, float64(attempt-1))
	delay := time.Duration(float64(base) * pow)
	if delay > q.cfg.MaxRetryDelay {
		return q.cfg.MaxRetryDelay
	}
	if delay < base {
		return base
	}
	return delay
}

func (q *Queue) notify(ctx context.Context, abandoned []index.Action) {
	actions, err := q.idx.ListActions(ctx)
	if err != nil {
		q.logger.Debugf("queue: notify list failed: %v", err)
		return
	}
	event := Event{Pending: countPending(actions), Abandoned: abandoned}

	q.mu.Lock()
	subs := make([]func(Event), len(q.subs))
	copy(subs, q.subs)
	q.mu.Unlock()

	for _, fn := range subs {
		fn(event)
	}
}

func countPending(actions []index.Action) int {
	pending := 0
	for _, action := range actions {
		switch action.Status {
		case index.ActionStatusDone, index.ActionStatusAbandoned:
		default:
			pending++
		}
	}
	return pending
}

func applyDefaults(cfg Config) Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 30 * time.Second
	}
	if cfg.MaxRetryDelay < cfg.BaseRetryDelay {
		cfg.MaxRetryDelay = cfg.BaseRetryDelay
	}
	return cfg
}

func isContextError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
