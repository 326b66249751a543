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

package bbolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/quiltapp/satchel/pkg/cache/index"
)

const (
	currentSchemaVersion = 1

	bucketStats   = "stats"
	bucketEntries = "entries"
	bucketMedia   = "media"
	bucketQueue   = "queue"

	keySchemaVersion = "schema_version"
	keyActionSeq     = "action_seq"
)

var errUnknownSchema = errors.New("cache index: unknown schema version")

// Options configures Open behaviour.
type Options struct {
	// Timeout controls bbolt file open timeout. If zero, a sensible default is used.
	Timeout time.Duration
}

// Index implements index.CacheIndex backed by bbolt. Every mutation runs in a
// bbolt write transaction, which makes the read-modify-write of recency and
// queue state atomic without a separate lock.
type Index struct {
	db *bolt.DB
}

// Open creates (or reopens) a bbolt-backed cache index at path.
func Open(path string, opts Options) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}

	idx := &Index{db: db}
	if err := idx.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return idx, nil
}

// Close releases the underlying database handle.
func (i *Index) Close() error {
	if i.db == nil {
		return nil
	}
	return i.db.Close()
}

func (i *Index) PutEntry(ctx context.Context, entry index.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.Key == "" {
		return errors.New("cache index: entry key must not be empty")
	}

	return i.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketEntries))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketEntries)
		}
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
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(entry.Key), data)
	})
}

func (i *Index) GetEntry(ctx context.Context, key string) (index.Entry, error) {
	if err := ctx.Err(); err != nil {
		return index.Entry{}, err
	}
	if key == "" {
		return index.Entry{}, errors.New("cache index: entry key must not be empty")
	}

	var result index.Entry
	err := i.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketEntries))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketEntries)
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return index.ErrNotFound
		}
		entry, err := decodeEntry(raw)
		if err != nil {
			// A corrupt record reads as a miss; it will be dropped by the
			// next eviction pass.
			return index.ErrNotFound
		}
		entry.LastAccessedAt = time.Now().UTC()
		encoded, encErr := json.Marshal(entry)
		if encErr != nil {
			return encErr
		}
		if err := bucket.Put([]byte(key), encoded); err != nil {
			return err
		}
		result = entry
		return nil
	})
	return result, err
}

func (i *Index) DeleteEntry(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return errors.New("cache index: entry key must not be empty")
	}
	return i.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketEntries))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketEntries)
		}
		return bucket.Delete([]byte(key))
	})
}

func (i *Index) DeletePrefix(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	removed := make([]string, 0)
	err := i.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketEntries))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketEntries)
		}
		c := bucket.Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			removed = append(removed, string(k))
		}
		for _, key := range removed {
			if err := bucket.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (i *Index) ListEntriesLRU(ctx context.Context, limit int) ([]index.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries := make([]index.Entry, 0)
	err := i.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketEntries))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketEntries)
		}
		return bucket.ForEach(func(k, v []byte) error {
			entry, err := decodeEntry(v)
			if err != nil {
				return nil
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(a, b int) bool {
		return entries[a].LastAccessedAt.Before(entries[b].LastAccessedAt)
	})
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries, nil
}

func (i *Index) PutMedia(ctx context.Context, media index.Media) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if media.ID == "" {
		return errors.New("cache index: media id must not be empty")
	}

	return i.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketMedia))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketMedia)
		}
		now := time.Now().UTC()
		if media.CreatedAt.IsZero() {
			media.CreatedAt = now
		}
		if media.LastAccessedAt.IsZero() {
			media.LastAccessedAt = now
		}
		data, err := json.Marshal(media)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(media.ID), data)
	})
}

func (i *Index) GetMedia(ctx context.Context, id string) (index.Media, error) {
	if err := ctx.Err(); err != nil {
		return index.Media{}, err
	}
	if id == "" {
		return index.Media{}, errors.New("cache index: media id must not be empty")
	}

	var result index.Media
	err := i.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketMedia))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketMedia)
		}
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return index.ErrNotFound
		}
		media, err := decodeMedia(raw)
		if err != nil {
			return index.ErrNotFound
		}
		media.LastAccessedAt = time.Now().UTC()
		encoded, encErr := json.Marshal(media)
		if encErr != nil {
			return encErr
		}
		if err := bucket.Put([]byte(id), encoded); err != nil {
			return err
		}
		result = media
		return nil
	})
	return result, err
}

func (i *Index) DeleteMedia(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return errors.New("cache index: media id must not be empty")
	}
	return i.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketMedia))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketMedia)
		}
		return bucket.Delete([]byte(id))
	})
}

func (i *Index) ListMediaLRU(ctx context.Context, limit int) ([]index.Media, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	medias := make([]index.Media, 0)
	err := i.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketMedia))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketMedia)
		}
		return bucket.ForEach(func(k, v []byte) error {
			media, err := decodeMedia(v)
			if err != nil {
				return nil
			}
			medias = append(medias, media)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(medias, func(a, b int) bool {
		return medias[a].LastAccessedAt.Before(medias[b].LastAccessedAt)
	})
	if limit > 0 && limit < len(medias) {
		medias = medias[:limit]
	}
	return medias, nil
}

func (i *Index) Usage(ctx context.Context) (index.Usage, error) {
	if err := ctx.Err(); err != nil {
		return index.Usage{}, err
	}
	var usage index.Usage
	err := i.db.View(func(tx *bolt.Tx) error {
		entries := tx.Bucket([]byte(bucketEntries))
		media := tx.Bucket([]byte(bucketMedia))
		if entries == nil || media == nil {
			return errors.New("missing cache buckets")
		}
		if err := entries.ForEach(func(k, v []byte) error {
			entry, err := decodeEntry(v)
			if err != nil {
				return nil
			}
			usage.DataBytes += entry.SizeBytes
			usage.ItemCount++
			return nil
		}); err != nil {
			return err
		}
		return media.ForEach(func(k, v []byte) error {
			m, err := decodeMedia(v)
			if err != nil {
				return nil
			}
			usage.MediaBytes += m.SizeBytes
			usage.ItemCount++
			return nil
		})
	})
	if err != nil {
		return index.Usage{}, err
	}
	usage.TotalBytes = usage.DataBytes + usage.MediaBytes
	return usage, nil
}

func (i *Index) AppendAction(ctx context.Context, action index.Action) (index.Action, error) {
	if err := ctx.Err(); err != nil {
		return index.Action{}, err
	}

	var result index.Action
	err := i.db.Update(func(tx *bolt.Tx) error {
		queue := tx.Bucket([]byte(bucketQueue))
		stats := tx.Bucket([]byte(bucketStats))
		if queue == nil || stats == nil {
			return errors.New("missing queue buckets")
		}
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
		seq, err := nextSequence(stats)
		if err != nil {
			return err
		}
		data, err := json.Marshal(action)
		if err != nil {
			return err
		}
		if err := queue.Put([]byte(formatActionKey(seq)), data); err != nil {
			return err
		}
		result = action
		return nil
	})
	return result, err
}

func (i *Index) ListActions(ctx context.Context) ([]index.Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	actions := make([]index.Action, 0)
	err := i.db.View(func(tx *bolt.Tx) error {
		queue := tx.Bucket([]byte(bucketQueue))
		if queue == nil {
			return fmt.Errorf("missing bucket %s", bucketQueue)
		}
		c := queue.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			action, err := decodeAction(v)
			if err != nil || action.Type == "" || action.Payload == nil {
				// Storage corruption reads as an absent action, never a crash.
				continue
			}
			actions = append(actions, action)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return actions, nil
}

func (i *Index) UpdateAction(ctx context.Context, id string, fn func(index.Action) (index.Action, error)) (index.Action, error) {
	if err := ctx.Err(); err != nil {
		return index.Action{}, err
	}
	if id == "" {
		return index.Action{}, errors.New("cache index: action id must not be empty")
	}

	var result index.Action
	err := i.db.Update(func(tx *bolt.Tx) error {
		queue := tx.Bucket([]byte(bucketQueue))
		if queue == nil {
			return fmt.Errorf("missing bucket %s", bucketQueue)
		}
		key, current, err := findAction(queue, id)
		if err != nil {
			return err
		}
		updated, err := fn(current)
		if err != nil {
			return err
		}
		updated.ID = id
		data, err := json.Marshal(updated)
		if err != nil {
			return err
		}
		if err := queue.Put(key, data); err != nil {
			return err
		}
		result = updated
		return nil
	})
	return result, err
}

func (i *Index) DeleteAction(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return errors.New("cache index: action id must not be empty")
	}
	return i.db.Update(func(tx *bolt.Tx) error {
		queue := tx.Bucket([]byte(bucketQueue))
		if queue == nil {
			return fmt.Errorf("missing bucket %s", bucketQueue)
		}
		key, _, err := findAction(queue, id)
		if errors.Is(err, index.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return queue.Delete(key)
	})
}

func (i *Index) ClearActions(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return i.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucketQueue)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(bucketQueue))
		return err
	})
}

func (i *Index) ensureSchema() error {
	return i.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketEntries, bucketMedia, bucketQueue} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("ensure %s bucket: %w", name, err)
			}
		}
		stats, err := tx.CreateBucketIfNotExists([]byte(bucketStats))
		if err != nil {
			return fmt.Errorf("ensure stats bucket: %w", err)
		}
		versionBytes := stats.Get([]byte(keySchemaVersion))
		if len(versionBytes) == 0 {
			return stats.Put([]byte(keySchemaVersion), []byte(strconv.Itoa(currentSchemaVersion)))
		}
		version, err := strconv.Atoi(string(versionBytes))
		if err != nil {
			return fmt.Errorf("parse schema version: %w", err)
		}
		if version > currentSchemaVersion {
			return fmt.Errorf("%w: %d", errUnknownSchema, version)
		}
		return nil
	})
}

func findAction(queue *bolt.Bucket, id string) ([]byte, index.Action, error) {
	c := queue.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		action, err := decodeAction(v)
		if err != nil {
			continue
		}
		if action.ID == id {
			key := make([]byte, len(k))
			copy(key, k)
			return key, action, nil
		}
	}
	return nil, index.Action{}, index.ErrNotFound
}

func nextSequence(stats *bolt.Bucket) (int, error) {
	raw := stats.Get([]byte(keyActionSeq))
	var seq int
	if len(raw) > 0 {
		v, err := strconv.Atoi(string(raw))
		if err != nil {
			return 0, fmt.Errorf("parse action sequence: %w", err)
		}
		seq = v
	}
	seq++
	if err := stats.Put([]byte(keyActionSeq), []byte(strconv.Itoa(seq))); err != nil {
		return 0, err
	}
	return seq, nil
}

func formatActionKey(seq int) string {
	return fmt.Sprintf("act-%020d", seq)
}

func decodeEntry(data []byte) (index.Entry, error) {
	var entry index.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return index.Entry{}, err
	}
	return entry, nil
}

func decodeMedia(data []byte) (index.Media, error) {
	var media index.Media
	if err := json.Unmarshal(data, &media); err != nil {
		return index.Media{}, err
	}
	return media, nil
}

func decodeAction(data []byte) (index.Action, error) {
	var action index.Action
	if err := json.Unmarshal(data, &action); err != nil {
		return index.Action{}, err
	}
	return action, nil
}
