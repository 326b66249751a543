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

package syncer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quiltapp/satchel/pkg/cache/index/indextest"
	"github.com/quiltapp/satchel/pkg/queue"
)

type fakeAPI struct {
	mu      sync.Mutex
	calls   []string
	err     error
	block   chan struct{}
	started chan struct{}
}

func (f *fakeAPI) record(call string) error {
	if f.block != nil {
		f.started <- struct{}{}
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeAPI) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeAPI) ReactToPost(_ context.Context, postID, reactionType string) error {
	return f.record(fmt.Sprintf("react:%s:%s", postID, reactionType))
}

func (f *fakeAPI) CreateComment(_ context.Context, postID, body string) error {
	return f.record(fmt.Sprintf("comment:%s:%s", postID, body))
}

func (f *fakeAPI) LikeComment(_ context.Context, commentID string) error {
	return f.record("like:" + commentID)
}

func (f *fakeAPI) DeleteNotification(_ context.Context, notificationID string) error {
	return f.record("delnotif:" + notificationID)
}

func (f *fakeAPI) UpdateProfile(_ context.Context, fields map[string]any) error {
	return f.record(fmt.Sprintf("profile:%d", len(fields)))
}

func (f *fakeAPI) DeletePost(_ context.Context, postID string) error {
	return f.record("delpost:" + postID)
}

type fakeChat struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeChat) SendMessage(_ context.Context, channelType, channelID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("send:%s:%s:%s", channelType, channelID, text))
	return nil
}

type fakeCache struct {
	mu      sync.Mutex
	cleared []string
}

func (f *fakeCache) ClearPrefix(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, prefix)
	return nil
}

func (f *fakeCache) clearedPrefixes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cleared))
	copy(out, f.cleared)
	return out
}

func newHarness(t *testing.T) (*Syncer, *queue.Queue, *fakeCache) {
	t.Helper()

	idx := indextest.MemoryIndexFactory()(t)
	q, err := queue.New(queue.Config{}, idx)
	require.NoError(t, err)

	cache := &fakeCache{}
	s, err := New(q, cache)
	require.NoError(t, err)
	return s, q, cache
}

func TestSyncerReplaysQueuedReaction(t *testing.T) {
	ctx := context.Background()
	s, q, _ := newHarness(t)

	_, err := q.Enqueue(ctx, queue.TypePostReaction, map[string]any{
		"post_id":       "p1",
		"reaction_type": "like",
	})
	require.NoError(t, err)

	actions, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, 0, actions[0].Attempt)

	api := &fakeAPI{}
	require.NoError(t, s.Run(ctx, api, nil))

	require.Equal(t, []string{"react:p1:like"}, api.recorded())
	actions, err = q.List(ctx)
	require.NoError(t, err)
	require.Empty(t, actions)
	require.Equal(t, 1, s.Progress().SuccessCount)
	require.Equal(t, 0, s.Progress().QueuedCount)
}

func TestSyncerDispatchesEveryActionType(t *testing.T) {
	ctx := context.Background()
	s, q, _ := newHarness(t)

	enqueue := func(actionType string, payload map[string]any) {
		t.Helper()
		_, err := q.Enqueue(ctx, actionType, payload)
		require.NoError(t, err)
	}
	enqueue(queue.TypePostReaction, map[string]any{"post_id": "p1", "reaction_type": "love"})
	enqueue(queue.TypeCommentCreate, map[string]any{"post_id": "p1", "body": "nice"})
	enqueue(queue.TypeCommentLike, map[string]any{"comment_id": "c9"})
	enqueue(queue.TypeNotificationDelete, map[string]any{"notification_id": "n4"})
	enqueue(queue.TypeChatMessageSend, map[string]any{"channel_type": "messaging", "channel_id": "ch1", "text": "hey"})
	enqueue(queue.TypeUserProfileUpdate, map[string]any{"bio": "new", "name": "ann"})
	enqueue(queue.TypePostDelete, map[string]any{"post_id": "p2"})

	api := &fakeAPI{}
	chat := &fakeChat{}
	require.NoError(t, s.Run(ctx, api, chat))

	require.Equal(t, []string{
		"react:p1:love",
		"comment:p1:nice",
		"like:c9",
		"delnotif:n4",
		"profile:2",
		"delpost:p2",
	}, api.recorded())
	require.Equal(t, []string{"send:messaging:ch1:hey"}, chat.calls)
	require.Equal(t, 7, s.Progress().SuccessCount)
}

func TestSyncerRejectsConcurrentRun(t *testing.T) {
	ctx := context.Background()
	s, q, _ := newHarness(t)

	_, err := q.Enqueue(ctx, queue.TypeCommentLike, map[string]any{"comment_id": "c1"})
	require.NoError(t, err)

	api := &fakeAPI{block: make(chan struct{}), started: make(chan struct{}, 1)}
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, api, nil)
	}()

	<-api.started
	require.ErrorIs(t, s.Run(ctx, api, nil), ErrSyncRunning)

	close(api.block)
	require.NoError(t, <-done)
}

func TestSyncerInvalidatesCachesAfterFailedPass(t *testing.T) {
	ctx := context.Background()
	s, q, cache := newHarness(t)

	_, err := q.Enqueue(ctx, queue.TypePostDelete, map[string]any{"post_id": "p1"})
	require.NoError(t, err)

	api := &fakeAPI{err: &StatusError{Code: 403}}
	require.NoError(t, s.Run(ctx, api, nil))

	require.Equal(t, []string{"posts:", "notifications:", "users:me"}, cache.clearedPrefixes())
	require.Equal(t, 1, s.Progress().AbandonedCount)

	actions, err := q.List(ctx)
	require.NoError(t, err)
	require.Empty(t, actions)
}

func TestSyncerAbandonsUnknownActionType(t *testing.T) {
	ctx := context.Background()
	s, q, _ := newHarness(t)

	_, err := q.Enqueue(ctx, "poke_user", map[string]any{"user_id": "u1"})
	require.NoError(t, err)

	var final Progress
	s.Subscribe(func(p Progress) { final = p })

	require.NoError(t, s.Run(ctx, &fakeAPI{}, nil))
	require.Equal(t, 1, final.AbandonedCount)
	require.Equal(t, 0, final.QueuedCount)

	actions, err := q.List(ctx)
	require.NoError(t, err)
	require.Empty(t, actions)
}

func TestSyncerChatSendWithoutClientIsAbandoned(t *testing.T) {
	ctx := context.Background()
	s, q, _ := newHarness(t)

	_, err := q.Enqueue(ctx, queue.TypeChatMessageSend, map[string]any{
		"channel_type": "messaging", "channel_id": "ch1", "text": "hi",
	})
	require.NoError(t, err)

	require.NoError(t, s.Run(ctx, &fakeAPI{}, nil))
	require.Equal(t, 1, s.Progress().AbandonedCount)
}

func TestOutboxCallsDirectlyWhenOnline(t *testing.T) {
	ctx := context.Background()
	_, q, _ := newHarness(t)

	api := &fakeAPI{}
	outbox := NewOutbox(api, nil, q, func() bool { return true }, nil)

	require.NoError(t, outbox.Submit(ctx, queue.TypePostReaction, map[string]any{
		"post_id": "p1", "reaction_type": "like",
	}))
	require.Equal(t, []string{"react:p1:like"}, api.recorded())

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestOutboxQueuesWhenKnownOffline(t *testing.T) {
	ctx := context.Background()
	_, q, _ := newHarness(t)

	api := &fakeAPI{}
	outbox := NewOutbox(api, nil, q, func() bool { return false }, nil)

	require.NoError(t, outbox.Submit(ctx, queue.TypeCommentLike, map[string]any{"comment_id": "c1"}))
	require.Empty(t, api.recorded())

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestOutboxQueuesOnConnectivityFailure(t *testing.T) {
	ctx := context.Background()
	_, q, _ := newHarness(t)

	api := &fakeAPI{err: &net.OpError{Op: "dial", Err: errors.New("no route to host")}}
	outbox := NewOutbox(api, nil, q, func() bool { return true }, nil)

	require.NoError(t, outbox.Submit(ctx, queue.TypePostDelete, map[string]any{"post_id": "p1"}))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestOutboxSurfacesServerRejection(t *testing.T) {
	ctx := context.Background()
	_, q, _ := newHarness(t)

	rejection := &StatusError{Code: 422, Message: "comment too long"}
	api := &fakeAPI{err: rejection}
	outbox := NewOutbox(api, nil, q, func() bool { return true }, nil)

	err := outbox.Submit(ctx, queue.TypeCommentCreate, map[string]any{"post_id": "p1", "body": "x"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 422, statusErr.Code)

	n, lenErr := q.Len(ctx)
	require.NoError(t, lenErr)
	require.Zero(t, n)
}

func TestStatusErrorClassification(t *testing.T) {
	require.True(t, (&StatusError{Code: 404}).Permanent())
	require.True(t, (&StatusError{Code: 422}).Permanent())
	require.False(t, (&StatusError{Code: 429}).Permanent())
	require.False(t, (&StatusError{Code: 503}).Permanent())

	require.False(t, IsConnectivityError(&StatusError{Code: 500}))
	require.True(t, IsConnectivityError(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	require.True(t, IsConnectivityError(context.DeadlineExceeded))
	require.False(t, IsConnectivityError(nil))
}
