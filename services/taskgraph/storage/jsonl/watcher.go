// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jsonl

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// dirWatcher calls onChange whenever the data file is replaced or written.
//
// The directory is watched rather than the file because writers replace
// the file by rename, which would orphan a watch on the old inode.
type dirWatcher struct {
	watcher  *fsnotify.Watcher
	fileName string
	onChange func()
	logger   *slog.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newDirWatcher(dir, fileName string, onChange func(), logger *slog.Logger) (*dirWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	w := &dirWatcher{
		watcher:  fw,
		fileName: fileName,
		onChange: onChange,
		logger:   logger,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *dirWatcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("store watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *dirWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != w.fileName {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	w.logger.Debug("store file changed, invalidating cache",
		"path", event.Name,
		"op", event.Op.String())
	w.onChange()
}

// Close stops the loop and releases the watch. Safe to call multiple times.
func (w *dirWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
