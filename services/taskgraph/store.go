// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package taskgraph

import (
	"fmt"
	"log/slog"

	"github.com/AleutianAI/taskgraph/services/taskgraph/config"
	"github.com/AleutianAI/taskgraph/services/taskgraph/storage"
	badgerstore "github.com/AleutianAI/taskgraph/services/taskgraph/storage/badger"
	"github.com/AleutianAI/taskgraph/services/taskgraph/storage/jsonl"
	"github.com/AleutianAI/taskgraph/services/taskgraph/storage/memory"
)

// OpenStore opens the store backend named by cfg.
//
// # Outputs
//
//   - storage.Store: Caller must Close.
//   - error: Unknown backend, or the backend failed to open.
func OpenStore(cfg config.StoreConfig, logger *slog.Logger) (storage.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), nil

	case config.BackendJSONL:
		s, err := jsonl.Open(jsonl.Config{
			Dir:    cfg.Path,
			Watch:  cfg.Watch,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open jsonl store: %w", err)
		}
		return s, nil

	case config.BackendBadger:
		bc := badgerstore.DefaultConfig(cfg.Path)
		if cfg.InMemory {
			bc = badgerstore.InMemoryConfig()
		}
		bc.SyncWrites = cfg.SyncWrites && !cfg.InMemory
		if !cfg.InMemory {
			bc.GCInterval = cfg.GCInterval
		}
		bc.Logger = logger
		s, err := badgerstore.Open(bc)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
