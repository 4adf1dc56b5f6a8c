// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jsonl provides a file-backed storage.Store.
//
// Items live one JSON object per line in a single file. Every mutation
// rewrites the file through a temp file and an atomic rename while
// holding an exclusive lock on a sidecar lock file, so other processes
// sharing the directory never observe a torn file.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
	"github.com/AleutianAI/taskgraph/services/taskgraph/storage"
)

// DefaultFileName is the data file name inside the store directory.
const DefaultFileName = "items.jsonl"

// maxLineBytes bounds a single encoded item.
const maxLineBytes = 1024 * 1024

// Config configures a file-backed store.
type Config struct {
	// Dir is the store directory. Required. Created if missing.
	Dir string

	// FileName overrides DefaultFileName.
	FileName string

	// Watch enables an fsnotify watch on Dir that drops the in-memory
	// cache when another process rewrites the data file.
	Watch bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Store is a JSONL file store with an in-memory read cache.
//
// # Thread Safety
//
// Safe for concurrent use. Cross-process writers are serialized by the
// lock file on unix platforms.
type Store struct {
	path     string
	lockPath string
	logger   *slog.Logger

	mu     sync.RWMutex
	cache  map[string]*model.Item
	loaded bool
	closed bool

	watcher *dirWatcher
}

// Open creates the directory if needed and returns a store over it.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("jsonl store: dir is required")
	}
	if cfg.FileName == "" {
		cfg.FileName = DefaultFileName
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		path:     filepath.Join(cfg.Dir, cfg.FileName),
		lockPath: filepath.Join(cfg.Dir, cfg.FileName+".lock"),
		logger:   logger.With("component", "jsonl.Store"),
	}

	if cfg.Watch {
		w, err := newDirWatcher(cfg.Dir, cfg.FileName, s.invalidate, s.logger)
		if err != nil {
			return nil, fmt.Errorf("watching store directory: %w", err)
		}
		s.watcher = w
	}
	return s, nil
}

// Path returns the data file path.
func (s *Store) Path() string {
	return s.path
}

// invalidate drops the cache so the next read reloads from disk.
func (s *Store) invalidate() {
	s.mu.Lock()
	s.loaded = false
	s.cache = nil
	s.mu.Unlock()
}

// snapshot returns the cached items, loading them if needed.
func (s *Store) snapshot() (map[string]*model.Item, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, storage.ErrClosed
	}
	if s.loaded {
		c := s.cache
		s.mu.RUnlock()
		return c, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	if s.loaded {
		return s.cache, nil
	}
	var items map[string]*model.Item
	err := withFileLock(s.lockPath, func() error {
		var err error
		items, err = readFile(s.path)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.cache = items
	s.loaded = true
	return items, nil
}

// GetItemByPath implements storage.Store.
func (s *Store) GetItemByPath(ctx context.Context, path string) (*model.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	return items[path].Clone(), nil
}

// ChildrenOf implements storage.Store.
func (s *Store) ChildrenOf(ctx context.Context, path string) ([]*model.Item, error) {
	all, err := s.ListItems(ctx)
	if err != nil {
		return nil, err
	}
	return storage.FilterChildren(all, path), nil
}

// ListItems implements storage.Store.
func (s *Store) ListItems(ctx context.Context) ([]*model.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Item, 0, len(items))
	for _, it := range items {
		out = append(out, it.Clone())
	}
	storage.SortByPath(out)
	return out, nil
}

// WriteItem implements storage.Store.
func (s *Store) WriteItem(ctx context.Context, item *model.Item) error {
	if item == nil {
		return storage.ErrNilItem
	}
	c := item.Clone()
	return s.mutate(ctx, func(items map[string]*model.Item) {
		items[c.Path] = c
	})
}

// DeleteItem implements storage.Store.
func (s *Store) DeleteItem(ctx context.Context, path string) error {
	return s.mutate(ctx, func(items map[string]*model.Item) {
		delete(items, path)
	})
}

// mutate re-reads the file under the lock, applies fn, and rewrites it.
// Re-reading picks up changes other processes made since the last load.
func (s *Store) mutate(ctx context.Context, fn func(map[string]*model.Item)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	var items map[string]*model.Item
	err := withFileLock(s.lockPath, func() error {
		var err error
		items, err = readFile(s.path)
		if err != nil {
			return err
		}
		fn(items)
		return writeFile(s.path, items)
	})
	if err != nil {
		s.loaded = false
		s.cache = nil
		return err
	}
	s.cache = items
	s.loaded = true
	return nil
}

// Close stops the watcher. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cache = nil
	s.mu.Unlock()

	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func readFile(path string) (map[string]*model.Item, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]*model.Item), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open store file: %w", err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (map[string]*model.Item, error) {
	items := make(map[string]*model.Item)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		b := scanner.Bytes()
		if len(b) == 0 {
			continue
		}
		var it model.Item
		if err := json.Unmarshal(b, &it); err != nil {
			return nil, fmt.Errorf("parse line %d: %w", line, err)
		}
		items[it.Path] = &it
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan store file: %w", err)
	}
	return items, nil
}

func writeFile(path string, items map[string]*model.Item) error {
	sorted := make([]*model.Item, 0, len(items))
	for _, it := range items {
		sorted = append(sorted, it)
	}
	storage.SortByPath(sorted)

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	enc := json.NewEncoder(f)
	for _, it := range sorted {
		if err := enc.Encode(it); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("encode %s: %w", it.Path, err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

var _ storage.Store = (*Store)(nil)
