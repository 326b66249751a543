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

// Package blob stores downloaded media files in a local cache directory.
// Files are written to a staging file and renamed into place only once the
// download completes, so a partially fetched blob is never visible.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"
)

// DownloadError reports a fetch that received an HTTP error status.
type DownloadError struct {
	URL        string
	StatusCode int
}

// Error implements the error interface.
func (e *DownloadError) Error() string {
	return fmt.Sprintf("blob store: download %s: unexpected status %d", e.URL, e.StatusCode)
}

// Result describes a completed download.
type Result struct {
	LocalPath string
	SizeBytes int64
	MimeType  string
}

// Option customises store construction.
type Option func(*Store)

// WithHTTPClient overrides the HTTP client used for downloads.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Store) {
		s.client = client
	}
}

// Store downloads and removes media blobs under a root directory. Concurrent
// downloads of the same id are collapsed into a single fetch.
type Store struct {
	root   string
	client *http.Client
	group  singleflight.Group
}

// NewStore creates the root directory if needed and returns a store.
func NewStore(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("blob store: root directory must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}

	s := &Store{
		root:   root,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 30 * time.Second}
	}
	return s, nil
}

// Download fetches remoteURL into the cache directory under id and returns
// the resulting local path, exact byte size, and inferred MIME type. A
// failed fetch leaves nothing behind on disk.
func (s *Store) Download(ctx context.Context, id, remoteURL string) (Result, error) {
	if id == "" {
		return Result{}, errors.New("blob store: id must not be empty")
	}

	v, err, _ := s.group.Do(id, func() (any, error) {
		return s.download(ctx, id, remoteURL)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (s *Store) download(ctx context.Context, id, remoteURL string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("blob store: build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("blob store: fetch %s: %w", remoteURL, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &DownloadError{URL: remoteURL, StatusCode: resp.StatusCode}
	}

	finalPath := filepath.Join(s.root, id+extensionFromURL(remoteURL))
	staging, err := os.CreateTemp(s.root, id+".tmp-*")
	if err != nil {
		return Result{}, fmt.Errorf("blob store: create staging file: %w", err)
	}
	stagingPath := staging.Name()

	if _, err := io.Copy(staging, resp.Body); err != nil {
		_ = staging.Close()
		_ = os.Remove(stagingPath)
		return Result{}, fmt.Errorf("blob store: write %s: %w", remoteURL, err)
	}
	if err := staging.Sync(); err != nil {
		_ = staging.Close()
		_ = os.Remove(stagingPath)
		return Result{}, fmt.Errorf("blob store: sync staging file: %w", err)
	}
	if err := staging.Close(); err != nil {
		_ = os.Remove(stagingPath)
		return Result{}, fmt.Errorf("blob store: close staging file: %w", err)
	}

	if err := os.Remove(finalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = os.Remove(stagingPath)
		return Result{}, fmt.Errorf("blob store: remove stale blob: %w", err)
	}
	if err := os.Rename(stagingPath, finalPath); err != nil {
		_ = os.Remove(stagingPath)
		return Result{}, fmt.Errorf("blob store: commit blob: %w", err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return Result{}, fmt.Errorf("blob store: stat blob: %w", err)
	}

	return Result{
		LocalPath: finalPath,
		SizeBytes: info.Size(),
		MimeType:  MimeFromURL(remoteURL),
	}, nil
}

// Remove deletes a blob file. A missing file is not an error.
func (s *Store) Remove(localPath string) error {
	if localPath == "" {
		return nil
	}
	if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blob store: remove %s: %w", localPath, err)
	}
	return nil
}

// Exists reports whether a blob file is present on disk.
func (s *Store) Exists(localPath string) bool {
	if localPath == "" {
		return false
	}
	_, err := os.Stat(localPath)
	return err == nil
}

// MimeFromURL infers a MIME type from the URL's file extension. Unknown
// extensions yield an empty string.
func MimeFromURL(remoteURL string) string {
	ext := extensionFromURL(remoteURL)
	if ext == "" {
		return ""
	}
	return mime.TypeByExtension(ext)
}

func extensionFromURL(remoteURL string) string {
	u, err := url.Parse(remoteURL)
	if err != nil {
		return path.Ext(remoteURL)
	}
	return path.Ext(u.Path)
}
