// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
	"github.com/AleutianAI/taskgraph/services/taskgraph/storage"
)

const itemPrefix = "item/"

func itemKey(path string) []byte {
	return []byte(itemPrefix + path)
}

// Store is a storage.Store on BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use; every call runs in its own Badger transaction.
type Store struct {
	db       *badger.DB
	gc       *gcRunner
	inMemory bool
	closed   atomic.Bool
	logger   *slog.Logger
}

// Open opens a store with the given configuration and starts value log
// GC when GCInterval is set on a persistent store.
//
// # Outputs
//
//   - *Store: Caller must Close.
//   - error: Non-nil if the database cannot be opened.
func Open(cfg Config) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:       db,
		inMemory: cfg.InMemory,
		logger:   logger.With("component", "badger.Store"),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		r, err := newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, s.logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		s.gc = r
	}
	return s, nil
}

// OpenInMemory opens an ephemeral store.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return ctx.Err()
}

// GetItemByPath implements storage.Store.
func (s *Store) GetItemByPath(ctx context.Context, path string) (*model.Item, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var out *model.Item
	err := s.db.View(func(txn *badger.Txn) error {
		entry, err := txn.Get(itemKey(path))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return entry.Value(func(val []byte) error {
			var it model.Item
			if err := json.Unmarshal(val, &it); err != nil {
				return fmt.Errorf("decode %s: %w", path, err)
			}
			out = &it
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return out, nil
}

// scan decodes every item whose key starts with prefix, in key order.
func (s *Store) scan(ctx context.Context, prefix string) ([]*model.Item, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var out []*model.Item
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var item model.Item
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &item)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, &item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListItems implements storage.Store.
func (s *Store) ListItems(ctx context.Context) ([]*model.Item, error) {
	items, err := s.scan(ctx, itemPrefix)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	storage.SortByPath(items)
	return items, nil
}

// ChildrenOf implements storage.Store.
func (s *Store) ChildrenOf(ctx context.Context, path string) ([]*model.Item, error) {
	items, err := s.scan(ctx, itemPrefix+path+model.PathSeparator)
	if err != nil {
		return nil, fmt.Errorf("children of %s: %w", path, err)
	}
	out := storage.FilterChildren(items, path)
	storage.SortByPath(out)
	return out, nil
}

// WriteItem implements storage.Store.
func (s *Store) WriteItem(ctx context.Context, item *model.Item) error {
	if item == nil {
		return storage.ErrNilItem
	}
	if err := s.check(ctx); err != nil {
		return err
	}
	val, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode %s: %w", item.Path, err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(itemKey(item.Path), val)
	}); err != nil {
		return fmt.Errorf("write %s: %w", item.Path, err)
	}
	return nil
}

// DeleteItem implements storage.Store.
func (s *Store) DeleteItem(ctx context.Context, path string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(itemKey(path))
	}); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// Close stops GC and closes the database. Safe to call multiple times.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

var _ storage.Store = (*Store)(nil)
