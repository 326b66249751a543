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

package indextest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"github.com/quiltapp/satchel/pkg/cache/index"
)

// recencyItem orders records by last access time; the id tiebreak keeps the
// ordering total so delete-and-reinsert on touch is exact.
type recencyItem struct {
	at time.Time
	id string
}

func lessRecency(a, b recencyItem) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.id < b.id
}

// memoryIndex is the in-memory reference implementation of index.CacheIndex.
// All methods take the mutex for the full read-modify-write, mirroring the
// transactional guarantee of persistent implementations.
type memoryIndex struct {
	mu sync.Mutex

	entries      map[string]index.Entry
	entryRecency *btree.BTreeG[recencyItem]
	media        map[string]index.Media
	mediaRecency *btree.BTreeG[recencyItem]
	actions      []index.Action
	closed       bool
}

func newMemoryIndex() *memoryIndex {
	return &memoryIndex{
		entries:      make(map[string]index.Entry),
		entryRecency: btree.NewBTreeG(lessRecency),
		media:        make(map[string]index.Media),
		mediaRecency: btree.NewBTreeG(lessRecency),
	}
}

func (m *memoryIndex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memoryIndex) PutEntry(ctx context.Context, entry index.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = now
	}
	if entry.LastAccessedAt.IsZero() {
		entry.LastAccessedAt = now
	}
	if prev, ok := m.entries[entry.Key]; ok {
		m.entryRecency.Delete(recencyItem{at: prev.LastAccessedAt, id: prev.Key})
	}
	m.entries[entry.Key] = entry
	m.entryRecency.Set(recencyItem{at: entry.LastAccessedAt, id: entry.Key})
	return nil
}

func (m *memoryIndex) GetEntry(ctx context.Context, key string) (index.Entry, error) {
	if err := ctx.Err(); err != nil {
		return index.Entry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return index.Entry{}, index.ErrNotFound
	}
	m.entryRecency.Delete(recencyItem{at: entry.LastAccessedAt, id: entry.Key})
	entry.LastAccessedAt = time.Now().UTC()
	m.entries[key] = entry
	m.entryRecency.Set(recencyItem{at: entry.LastAccessedAt, id: entry.Key})
	return entry, nil
}

func (m *memoryIndex) DeleteEntry(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		m.entryRecency.Delete(recencyItem{at: entry.LastAccessedAt, id: entry.Key})
		delete(m.entries, key)
	}
	return nil
}

func (m *memoryIndex) DeletePrefix(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := make([]string, 0)
	for key, entry := range m.entries {
		if strings.HasPrefix(key, prefix) {
			m.entryRecency.Delete(recencyItem{at: entry.LastAccessedAt, id: entry.Key})
			delete(m.entries, key)
			removed = append(removed, key)
		}
	}
	return removed, nil
}

func (m *memoryIndex) ListEntriesLRU(ctx context.Context, limit int) ([]index.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]index.Entry, 0, len(m.entries))
	m.entryRecency.Scan(func(item recencyItem) bool {
		if entry, ok := m.entries[item.id]; ok {
			entries = append(entries, entry)
		}
		return limit <= 0 || len(entries) < limit
	})
	return entries, nil
}

func (m *memoryIndex) PutMedia(ctx context.Context, media index.Media) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if media.CreatedAt.IsZero() {
		media.CreatedAt = now
	}
	if media.LastAccessedAt.IsZero() {
		media.LastAccessedAt = now
	}
	if prev, ok := m.media[media.ID]; ok {
		m.mediaRecency.Delete(recencyItem{at: prev.LastAccessedAt, id: prev.ID})
	}
	m.media[media.ID] = media
	m.mediaRecency.Set(recencyItem{at: media.LastAccessedAt, id: media.ID})
	return nil
}

func (m *memoryIndex) GetMedia(ctx context.Context, id string) (index.Media, error) {
	if err := ctx.Err(); err != nil {
		return index.Media{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	media, ok := m.media[id]
	if !ok {
		return index.Media{}, index.ErrNotFound
	}
	m.mediaRecency.Delete(recencyItem{at: media.LastAccessedAt, id: media.ID})
	media.LastAccessedAt = time.Now().UTC()
	m.media[id] = media
	m.mediaRecency.Set(recencyItem{at: media.LastAccessedAt, id: media.ID})
	return media, nil
}

func (m *memoryIndex) DeleteMedia(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if media, ok := m.media[id]; ok {
		m.mediaRecency.Delete(recencyItem{at: media.LastAccessedAt, id: media.ID})
		delete(m.media, id)
	}
	return nil
}

func (m *memoryIndex) ListMediaLRU(ctx context.Context, limit int) ([]index.Media, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	medias := make([]index.Media, 0, len(m.media))
	m.mediaRecency.Scan(func(item recencyItem) bool {
		if media, ok := m.media[item.id]; ok {
			medias = append(medias, media)
		}
		return limit <= 0 || len(medias) < limit
	})
	return medias, nil
}

func (m *memoryIndex) Usage(ctx context.Context) (index.Usage, error) {
	if err := ctx.Err(); err != nil {
		return index.Usage{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var usage index.Usage
	for _, entry := range m.entries {
		usage.DataBytes += entry.SizeBytes
		usage.ItemCount++
	}
	for _, media := range m.media {
		usage.MediaBytes += media.SizeBytes
		usage.ItemCount++
	}
	usage.TotalBytes = usage.DataBytes + usage.MediaBytes
	return usage, nil
}

func (m *memoryIndex) AppendAction(ctx context.Context, action index.Action) (index.Action, error) {
	if err := ctx.Err(); err != nil {
		return index.Action{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = now
	}
	if action.Status == "" {
		action.Status = index.ActionStatusQueued
	}
	if action.NextAttemptAt.IsZero() {
		action.NextAttemptAt = now
	}
	m.actions = append(m.actions, action)
	return action, nil
}

func (m *memoryIndex) ListActions(ctx context.Context) ([]index.Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	actions := make([]index.Action, 0, len(m.actions))
	for _, action := range m.actions {
		if action.Type == "" || action.Payload == nil {
			continue
		}
		actions = append(actions, action)
	}
	return actions, nil
}

func (m *memoryIndex) UpdateAction(ctx context.Context, id string, fn func(index.Action) (index.Action, error)) (index.Action, error) {
	if err := ctx.Err(); err != nil {
		return index.Action{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, action := range m.actions {
		if action.ID != id {
			continue
		}
		updated, err := fn(action)
		if err != nil {
			return index.Action{}, err
		}
		updated.ID = id
		m.actions[i] = updated
		return updated, nil
	}
	return index.Action{}, index.ErrNotFound
}

func (m *memoryIndex) DeleteAction(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, action := range m.actions {
		if action.ID == id {
			m.actions = append(m.actions[:i], m.actions[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memoryIndex) ClearActions(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.actions = nil
	return nil
}

// MemoryIndexFactory returns a factory producing the in-memory reference implementation.
func MemoryIndexFactory() CacheIndexFactory {
	return func(tb testing.TB) index.CacheIndex {
		tb.Helper()

		idx := newMemoryIndex()
		tb.Cleanup(func() {
			_ = idx.Close()
		})
		return idx
	}
}
