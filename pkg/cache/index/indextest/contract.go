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

// Package indextest provides a reusable contract suite for index.CacheIndex
// implementations plus an in-memory reference implementation used by tests
// across the module.
package indextest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quiltapp/satchel/pkg/cache/index"
)

// CacheIndexFactory produces a fresh index for each contract case.
type CacheIndexFactory func(tb testing.TB) index.CacheIndex

type contractTestCase struct {
	name   string
	testFn func(t *testing.T, idx index.CacheIndex)
}

// RunCacheIndexContract exercises the CacheIndex interface against a supplied factory.
func RunCacheIndexContract(t *testing.T, factory CacheIndexFactory) {
	t.Helper()

	cases := []contractTestCase{
		{
			name: "entry put and get round trip",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				entry := sampleEntry("posts:p1", []byte(`{"id":"p1"}`), 256)
				if err := idx.PutEntry(ctx, entry); err != nil {
					t.Fatalf("PutEntry returned error: %v", err)
				}

				fetched, err := idx.GetEntry(ctx, entry.Key)
				if err != nil {
					t.Fatalf("GetEntry returned error: %v", err)
				}
				if fetched.Key != entry.Key || string(fetched.Value) != string(entry.Value) {
					t.Fatalf("round trip mismatch: %+v", fetched)
				}
				if fetched.SizeBytes != entry.SizeBytes {
					t.Fatalf("size mismatch: expected %d got %d", entry.SizeBytes, fetched.SizeBytes)
				}
			},
		},
		{
			name: "entry get missing returns ErrNotFound",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				if _, err := idx.GetEntry(context.Background(), "missing"); !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
			},
		},
		{
			name: "entry get refreshes recency ordering",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				mustPutEntry(t, idx, sampleEntry("a", []byte(`1`), 10))
				time.Sleep(2 * time.Millisecond)
				mustPutEntry(t, idx, sampleEntry("b", []byte(`2`), 10))
				time.Sleep(2 * time.Millisecond)

				if _, err := idx.GetEntry(ctx, "a"); err != nil {
					t.Fatalf("GetEntry a: %v", err)
				}

				ordered, err := idx.ListEntriesLRU(ctx, 0)
				if err != nil {
					t.Fatalf("ListEntriesLRU: %v", err)
				}
				if len(ordered) != 2 {
					t.Fatalf("expected 2 entries, got %d", len(ordered))
				}
				if ordered[0].Key != "b" || ordered[1].Key != "a" {
					t.Fatalf("expected [b a] after touching a, got [%s %s]", ordered[0].Key, ordered[1].Key)
				}
			},
		},
		{
			name: "entry delete is idempotent",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				mustPutEntry(t, idx, sampleEntry("gone", []byte(`1`), 10))
				if err := idx.DeleteEntry(ctx, "gone"); err != nil {
					t.Fatalf("DeleteEntry: %v", err)
				}
				if err := idx.DeleteEntry(ctx, "gone"); err != nil {
					t.Fatalf("second DeleteEntry: %v", err)
				}
				if _, err := idx.GetEntry(ctx, "gone"); !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("expected ErrNotFound after delete, got %v", err)
				}
			},
		},
		{
			name: "delete prefix removes only matching keys",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				mustPutEntry(t, idx, sampleEntry("posts:p1", []byte(`1`), 10))
				mustPutEntry(t, idx, sampleEntry("posts:p2", []byte(`2`), 10))
				mustPutEntry(t, idx, sampleEntry("users:me", []byte(`3`), 10))

				removed, err := idx.DeletePrefix(ctx, "posts:")
				if err != nil {
					t.Fatalf("DeletePrefix: %v", err)
				}
				if len(removed) != 2 {
					t.Fatalf("expected 2 removed keys, got %v", removed)
				}
				if _, err := idx.GetEntry(ctx, "users:me"); err != nil {
					t.Fatalf("unrelated key removed: %v", err)
				}
				usage, err := idx.Usage(ctx)
				if err != nil {
					t.Fatalf("Usage: %v", err)
				}
				if usage.ItemCount != 1 || usage.DataBytes != 10 {
					t.Fatalf("usage not reduced: %+v", usage)
				}
			},
		},
		{
			name: "media round trip and touch",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				media := index.Media{
					ID:        "abc123",
					RemoteURL: "https://cdn.example.com/img.png",
					LocalPath: "/tmp/media/abc123.png",
					SizeBytes: 2048,
					MimeType:  "image/png",
				}
				if err := idx.PutMedia(ctx, media); err != nil {
					t.Fatalf("PutMedia: %v", err)
				}

				first, err := idx.GetMedia(ctx, media.ID)
				if err != nil {
					t.Fatalf("GetMedia: %v", err)
				}
				time.Sleep(2 * time.Millisecond)
				second, err := idx.GetMedia(ctx, media.ID)
				if err != nil {
					t.Fatalf("second GetMedia: %v", err)
				}
				if !second.LastAccessedAt.After(first.LastAccessedAt) {
					t.Fatalf("expected touch to advance access time: %s vs %s", first.LastAccessedAt, second.LastAccessedAt)
				}
			},
		},
		{
			name: "usage sums data and media separately",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				mustPutEntry(t, idx, sampleEntry("k1", []byte(`1`), 100))
				mustPutEntry(t, idx, sampleEntry("k2", []byte(`2`), 200))
				if err := idx.PutMedia(ctx, index.Media{ID: "m1", RemoteURL: "u", LocalPath: "p", SizeBytes: 700}); err != nil {
					t.Fatalf("PutMedia: %v", err)
				}

				usage, err := idx.Usage(ctx)
				if err != nil {
					t.Fatalf("Usage: %v", err)
				}
				if usage.DataBytes != 300 || usage.MediaBytes != 700 || usage.TotalBytes != 1000 || usage.ItemCount != 3 {
					t.Fatalf("unexpected usage: %+v", usage)
				}
			},
		},
		{
			name: "actions append in FIFO order with assigned ids",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				first, err := idx.AppendAction(ctx, index.Action{Type: "post_reaction", Payload: map[string]any{"postId": "p1"}})
				if err != nil {
					t.Fatalf("AppendAction: %v", err)
				}
				second, err := idx.AppendAction(ctx, index.Action{Type: "comment_create", Payload: map[string]any{"postId": "p1"}})
				if err != nil {
					t.Fatalf("AppendAction: %v", err)
				}
				if first.ID == "" || second.ID == "" || first.ID == second.ID {
					t.Fatalf("expected distinct assigned ids, got %q and %q", first.ID, second.ID)
				}
				if first.Status != index.ActionStatusQueued {
					t.Fatalf("expected queued status, got %s", first.Status)
				}

				actions, err := idx.ListActions(ctx)
				if err != nil {
					t.Fatalf("ListActions: %v", err)
				}
				if len(actions) != 2 || actions[0].ID != first.ID || actions[1].ID != second.ID {
					t.Fatalf("expected FIFO order, got %+v", actions)
				}
			},
		},
		{
			name: "update action applies atomic mutation",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				action, err := idx.AppendAction(ctx, index.Action{Type: "post_delete", Payload: map[string]any{"postId": "p9"}})
				if err != nil {
					t.Fatalf("AppendAction: %v", err)
				}

				updated, err := idx.UpdateAction(ctx, action.ID, func(a index.Action) (index.Action, error) {
					a.Attempt++
					a.Status = index.ActionStatusFailed
					a.LastError = "network unreachable"
					return a, nil
				})
				if err != nil {
					t.Fatalf("UpdateAction: %v", err)
				}
				if updated.Attempt != 1 || updated.Status != index.ActionStatusFailed {
					t.Fatalf("mutation not applied: %+v", updated)
				}

				actions, err := idx.ListActions(ctx)
				if err != nil {
					t.Fatalf("ListActions: %v", err)
				}
				if len(actions) != 1 || actions[0].LastError != "network unreachable" {
					t.Fatalf("mutation not persisted: %+v", actions)
				}
			},
		},
		{
			name: "clear actions empties the queue",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				if _, err := idx.AppendAction(ctx, index.Action{Type: "comment_like", Payload: map[string]any{"commentId": "c1"}}); err != nil {
					t.Fatalf("AppendAction: %v", err)
				}
				if err := idx.ClearActions(ctx); err != nil {
					t.Fatalf("ClearActions: %v", err)
				}
				actions, err := idx.ListActions(ctx)
				if err != nil {
					t.Fatalf("ListActions: %v", err)
				}
				if len(actions) != 0 {
					t.Fatalf("expected empty queue, got %+v", actions)
				}

				// The queue keeps accepting actions after a clear.
				if _, err := idx.AppendAction(ctx, index.Action{Type: "comment_like", Payload: map[string]any{"commentId": "c2"}}); err != nil {
					t.Fatalf("AppendAction after clear: %v", err)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			idx := factory(t)
			tc.testFn(t, idx)
		})
	}
}

func mustPutEntry(t *testing.T, idx index.CacheIndex, entry index.Entry) {
	t.Helper()
	if err := idx.PutEntry(context.Background(), entry); err != nil {
		t.Fatalf("PutEntry %s: %v", entry.Key, err)
	}
}

func sampleEntry(key string, value []byte, size int64) index.Entry {
	return index.Entry{
		Key:       key,
		Value:     value,
		SizeBytes: size,
	}
}
