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

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quiltapp/satchel/pkg/cache/index"
	"github.com/quiltapp/satchel/pkg/cache/index/indextest"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestQueue(t *testing.T, cfg Config) (*Queue, *fakeClock) {
	t.Helper()

	idx := indextest.MemoryIndexFactory()(t)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	q, err := New(cfg, idx, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q, clock
}

func TestQueueDrainCompletesInOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Config{})

	for _, id := range []string{"p1", "p2", "p3"} {
		if _, err := q.Enqueue(ctx, TypePostReaction, map[string]any{"post_id": id}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var seen []string
	report, err := q.Drain(ctx, func(_ context.Context, a index.Action) error {
		seen = append(seen, a.Payload["post_id"].(string))
		return nil
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if report.Success != 3 || report.Failed != 0 || report.Abandoned != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(seen) != 3 || seen[0] != "p1" || seen[1] != "p2" || seen[2] != "p3" {
		t.Fatalf("expected FIFO replay, got %v", seen)
	}

	remaining, err := q.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected completed actions purged, got %d left", len(remaining))
	}
}

func TestQueueRetryableFailureBacksOff(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, Config{})

	if _, err := q.Enqueue(ctx, TypeCommentCreate, map[string]any{"body": "hi"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	fail := errors.New("connection reset")
	report, err := q.Drain(ctx, func(context.Context, index.Action) error { return fail })
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("expected 1 failed, got %+v", report)
	}

	actions, err := q.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected action retained, got %d", len(actions))
	}
	a := actions[0]
	if a.Attempt != 1 || a.Status != index.ActionStatusFailed {
		t.Fatalf("unexpected state after failure: attempt=%d status=%s", a.Attempt, a.Status)
	}
	want := clock.Now().Add(time.Second)
	if !a.NextAttemptAt.Equal(want) {
		t.Fatalf("expected first retry at %v, got %v", want, a.NextAttemptAt)
	}
	if a.LastError != "connection reset" {
		t.Fatalf("expected last error recorded, got %q", a.LastError)
	}

	// Within the backoff window the action is skipped without an attempt.
	report, err = q.Drain(ctx, func(context.Context, index.Action) error {
		t.Fatal("handler must not run before the backoff elapses")
		return nil
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if report.Skipped != 1 {
		t.Fatalf("expected skip during backoff, got %+v", report)
	}

	// After the window the delay doubles on the next failure.
	clock.Advance(2 * time.Second)
	if _, err = q.Drain(ctx, func(context.Context, index.Action) error { return fail }); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	actions, _ = q.List(ctx)
	if actions[0].Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", actions[0].Attempt)
	}
	want = clock.Now().Add(2 * time.Second)
	if !actions[0].NextAttemptAt.Equal(want) {
		t.Fatalf("expected second retry at %v, got %v", want, actions[0].NextAttemptAt)
	}
}

func TestQueueBackoffDelayIsCapped(t *testing.T) {
	q, _ := newTestQueue(t, Config{})

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{12, 30 * time.Second},
	}
	for _, c := range cases {
		if got := q.backoffDelay(c.attempt); got != c.want {
			t.Fatalf("backoffDelay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestQueueAbandonsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, Config{MaxAttempts: 3})

	if _, err := q.Enqueue(ctx, TypeCommentLike, map[string]any{"comment_id": "c1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	fail := errors.New("timeout")
	calls := 0
	for i := 0; i < 3; i++ {
		clock.Advance(time.Minute)
		report, err := q.Drain(ctx, func(context.Context, index.Action) error {
			calls++
			return fail
		})
		if err != nil {
			t.Fatalf("Drain %d: %v", i, err)
		}
		if i < 2 && report.Failed != 1 {
			t.Fatalf("pass %d: expected retryable failure, got %+v", i, report)
		}
		if i == 2 && report.Abandoned != 1 {
			t.Fatalf("final pass: expected abandonment, got %+v", report)
		}
	}
	if calls != 3 {
		t.Fatalf("expected 3 handler calls, got %d", calls)
	}

	actions, err := q.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("expected abandoned action purged, got %d left", len(actions))
	}
}

func TestQueuePermanentFailureAbandonsImmediately(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Config{})

	if _, err := q.Enqueue(ctx, TypePostDelete, map[string]any{"post_id": "gone"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	report, err := q.Drain(ctx, func(context.Context, index.Action) error {
		return PermanentError{Err: errors.New("404 not found")}
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if report.Abandoned != 1 || report.Failed != 0 {
		t.Fatalf("expected immediate abandonment, got %+v", report)
	}

	actions, _ := q.List(ctx)
	if len(actions) != 0 {
		t.Fatalf("expected queue empty, got %d", len(actions))
	}
}

func TestQueueDependencyHoldsBackWithoutCharge(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, Config{})

	parent, err := q.Enqueue(ctx, TypeCommentCreate, map[string]any{"body": "first"})
	if err != nil {
		t.Fatalf("Enqueue parent: %v", err)
	}
	if _, err := q.Enqueue(ctx, TypeCommentLike, map[string]any{"comment_id": "pending"}, WithDependsOn(parent.ID)); err != nil {
		t.Fatalf("Enqueue child: %v", err)
	}

	// Parent fails: the child must be held back and keep attempt 0.
	report, err := q.Drain(ctx, func(_ context.Context, a index.Action) error {
		if a.ID == parent.ID {
			return errors.New("flaky network")
		}
		t.Fatalf("child ran while parent pending")
		return nil
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if report.Failed != 1 || report.Skipped != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	actions, _ := q.List(ctx)
	for _, a := range actions {
		if a.DependsOnID == parent.ID && a.Attempt != 0 {
			t.Fatalf("held-back child charged an attempt: %+v", a)
		}
	}

	// Parent succeeds: the child runs in the same pass.
	clock.Advance(2 * time.Second)
	var order []string
	report, err = q.Drain(ctx, func(_ context.Context, a index.Action) error {
		order = append(order, a.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if report.Success != 2 {
		t.Fatalf("expected both actions to complete, got %+v", report)
	}
	if len(order) != 2 || order[0] != TypeCommentCreate || order[1] != TypeCommentLike {
		t.Fatalf("expected parent before child, got %v", order)
	}
}

func TestQueueDrainPurgesStrandedTerminalActions(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Config{})

	stranded, err := q.Enqueue(ctx, TypePostReaction, map[string]any{"post_id": "p1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	finished, err := q.Enqueue(ctx, TypeCommentLike, map[string]any{"comment_id": "c1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// A crash between the terminal transition and the end-of-pass purge
	// leaves records behind in these states.
	if _, err := q.idx.UpdateAction(ctx, stranded.ID, func(a index.Action) (index.Action, error) {
		a.Status = index.ActionStatusAbandoned
		return a, nil
	}); err != nil {
		t.Fatalf("UpdateAction: %v", err)
	}
	if _, err := q.idx.UpdateAction(ctx, finished.ID, func(a index.Action) (index.Action, error) {
		a.Status = index.ActionStatusDone
		return a, nil
	}); err != nil {
		t.Fatalf("UpdateAction: %v", err)
	}

	report, err := q.Drain(ctx, func(context.Context, index.Action) error {
		t.Fatal("terminal actions must not be handed to the handler")
		return nil
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if report.Skipped != 0 {
		t.Fatalf("terminal actions must be purged, not skipped: %+v", report)
	}

	actions, err := q.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("expected stranded actions purged, got %d left", len(actions))
	}
}

func TestQueueEnqueueOverridesAttemptLimit(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Config{})

	oneShot, err := q.Enqueue(ctx, TypeChatMessageSend,
		map[string]any{"channel_type": "messaging", "channel_id": "ch1", "text": "hi"},
		WithMaxAttempts(1))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if oneShot.MaxAttempts != 1 {
		t.Fatalf("expected overridden limit, got %d", oneShot.MaxAttempts)
	}
	if _, err := q.Enqueue(ctx, TypeCommentLike, map[string]any{"comment_id": "c1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	report, err := q.Drain(ctx, func(context.Context, index.Action) error {
		return errors.New("timeout")
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if report.Abandoned != 1 || report.Failed != 1 {
		t.Fatalf("expected one-shot abandoned and default retried, got %+v", report)
	}

	actions, err := q.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(actions) != 1 || actions[0].MaxAttempts != 5 {
		t.Fatalf("expected only the default-limit action retained, got %+v", actions)
	}
}

func TestQueueNotifiesSubscribers(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Config{MaxAttempts: 1})

	var events []Event
	q.Subscribe(func(e Event) { events = append(events, e) })

	if _, err := q.Enqueue(ctx, TypeNotificationDelete, map[string]any{"id": "n1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(events) != 1 || events[0].Pending != 1 {
		t.Fatalf("expected pending=1 after enqueue, got %+v", events)
	}

	if _, err := q.Drain(ctx, func(context.Context, index.Action) error {
		return errors.New("rejected")
	}); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	last := events[len(events)-1]
	if last.Pending != 0 {
		t.Fatalf("expected pending=0 after abandonment, got %+v", last)
	}
	if len(last.Abandoned) != 1 || last.Abandoned[0].Type != TypeNotificationDelete {
		t.Fatalf("expected abandoned action surfaced, got %+v", last.Abandoned)
	}
}

func TestQueueClearDiscardsEverything(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Config{})

	for i := 0; i < 4; i++ {
		if _, err := q.Enqueue(ctx, TypeUserProfileUpdate, map[string]any{"bio": "x"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := q.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
}

func TestQueueCancelledContextRequeuesInFlight(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := q.Enqueue(ctx, TypeChatMessageSend, map[string]any{"text": "hello"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	_, err := q.Drain(ctx, func(context.Context, index.Action) error {
		cancel()
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	actions, listErr := q.List(context.Background())
	if listErr != nil {
		t.Fatalf("List: %v", listErr)
	}
	if len(actions) != 1 || actions[0].Status != index.ActionStatusQueued || actions[0].Attempt != 0 {
		t.Fatalf("expected in-flight action requeued untouched, got %+v", actions)
	}
}
