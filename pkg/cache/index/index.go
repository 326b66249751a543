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

package index

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entry is not present in the index.
var ErrNotFound = errors.New("cache index: entry not found")

// Entry stores a structured cache record: the JSON-serialized value plus the
// bookkeeping the eviction policy needs. SizeBytes is fixed at write time and
// reused on every touch, so reads never re-estimate.
type Entry struct {
	Key            string
	Value          []byte
	SizeBytes      int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastAccessedAt time.Time
	ExpiresAt      time.Time // zero means no TTL
}

// Expired reports whether the entry's TTL has lapsed at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Media describes a downloaded blob. ID is a content address derived from the
// remote URL (plus an optional hint), so the same URL always resolves to the
// same entry and the same local file.
type Media struct {
	ID             string
	RemoteURL      string
	LocalPath      string
	SizeBytes      int64
	MimeType       string
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// ActionStatus represents the lifecycle state of a queued mutation.
type ActionStatus string

const (
	// ActionStatusQueued indicates the action is waiting for a drain pass.
	ActionStatusQueued ActionStatus = "queued"
	// ActionStatusRunning indicates a handler is currently applying the action.
	ActionStatusRunning ActionStatus = "running"
	// ActionStatusFailed marks a retryable failure awaiting its backoff window.
	ActionStatusFailed ActionStatus = "failed"
	// ActionStatusDone marks a successfully applied action, purged at the end
	// of the pass that completed it.
	ActionStatusDone ActionStatus = "done"
	// ActionStatusAbandoned marks an action that exhausted its attempts or hit
	// a permanent failure. Abandoned actions are reported then purged.
	ActionStatusAbandoned ActionStatus = "abandoned"
)

// Action is a queued user mutation to be replayed against the backend.
type Action struct {
	ID            string
	Type          string
	Payload       map[string]any
	CreatedAt     time.Time
	Attempt       int
	MaxAttempts   int
	NextAttemptAt time.Time
	Status        ActionStatus
	LastError     string
	DependsOnID   string
}

// Eligible reports whether the action may be handed to a drain handler at now.
func (a Action) Eligible(now time.Time) bool {
	switch a.Status {
	case ActionStatusDone, ActionStatusAbandoned:
		return false
	}
	return !a.NextAttemptAt.After(now)
}

// Usage is the point-in-time byte accounting across both indexes. It is
// always derived from live records, never persisted.
type Usage struct {
	TotalBytes int64
	ItemCount  int
	MediaBytes int64
	DataBytes  int64
}

// CacheIndex is the single source of truth for cache contents, recency
// ordering, byte usage, and the mutation queue. Implementations must make
// every read-modify-write atomic; callers rely on that for correctness under
// concurrent writers.
type CacheIndex interface {
	// PutEntry inserts or replaces a structured entry.
	PutEntry(ctx context.Context, entry Entry) error
	// GetEntry retrieves an entry and refreshes its recency position.
	GetEntry(ctx context.Context, key string) (Entry, error)
	// DeleteEntry removes an entry. Missing keys are ignored.
	DeleteEntry(ctx context.Context, key string) error
	// DeletePrefix removes every entry whose key starts with prefix and
	// returns the removed keys.
	DeletePrefix(ctx context.Context, prefix string) ([]string, error)
	// ListEntriesLRU returns entries ordered least-recently-used first.
	ListEntriesLRU(ctx context.Context, limit int) ([]Entry, error)

	// PutMedia inserts or replaces a media record.
	PutMedia(ctx context.Context, media Media) error
	// GetMedia retrieves a media record by id and refreshes its recency.
	GetMedia(ctx context.Context, id string) (Media, error)
	// DeleteMedia removes a media record. Missing ids are ignored.
	DeleteMedia(ctx context.Context, id string) error
	// ListMediaLRU returns media records ordered least-recently-used first.
	ListMediaLRU(ctx context.Context, limit int) ([]Media, error)

	// Usage sums live records from both indexes.
	Usage(ctx context.Context) (Usage, error)

	// AppendAction adds an action to the tail of the queue. If the action has
	// no ID one must be assigned.
	AppendAction(ctx context.Context, action Action) (Action, error)
	// ListActions returns the queue in FIFO order. Records that cannot be
	// decoded are skipped, not surfaced as errors.
	ListActions(ctx context.Context) ([]Action, error)
	// UpdateAction atomically mutates a queued action.
	UpdateAction(ctx context.Context, id string, fn func(Action) (Action, error)) (Action, error)
	// DeleteAction removes a single action. Missing ids are ignored.
	DeleteAction(ctx context.Context, id string) error
	// ClearActions removes every queued action.
	ClearActions(ctx context.Context) error
}
