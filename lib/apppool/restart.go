// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package apppool

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bureau-foundation/passenger/lib/clock"
)

const (
	restartFileName       = "restart.txt"
	alwaysRestartFileName = "always_restart.txt"
)

// RestartDir returns the directory holding an application's restart
// files: restartDir if absolute, relative to appRoot otherwise, and
// appRoot/tmp when empty.
func RestartDir(appRoot, restartDir string) string {
	switch {
	case restartDir == "":
		return filepath.Join(appRoot, "tmp")
	case filepath.IsAbs(restartDir):
		return restartDir
	default:
		return filepath.Join(appRoot, restartDir)
	}
}

type fileState struct {
	checkedAt time.Time
	exists    bool
	modified  time.Time
	changed   time.Time
}

func (s fileState) sameFile(other fileState) bool {
	return s.exists == other.exists && s.modified.Equal(other.modified) && s.changed.Equal(other.changed)
}

// restartChecker caches stat results of restart files for at most the
// throttle rate. A file watcher expires cache entries when the files
// change so the next check stats again.
type restartChecker struct {
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	files   map[string]fileState
	watcher *fsnotify.Watcher
	watched map[string]bool
	done    chan struct{}
}

func newRestartChecker(c clock.Clock, logger *slog.Logger) *restartChecker {
	checker := &restartChecker{
		clock:   c,
		logger:  logger,
		files:   make(map[string]fileState),
		watched: make(map[string]bool),
		done:    make(chan struct{}),
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("restart file watcher unavailable, relying on stat throttling", "error", err)
		close(checker.done)
		return checker
	}
	checker.watcher = watcher
	go checker.processEvents()
	return checker
}

func (c *restartChecker) close() {
	if c.watcher == nil {
		return
	}
	c.watcher.Close()
	<-c.done
}

func (c *restartChecker) processEvents() {
	defer close(c.done)
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if name != restartFileName && name != alwaysRestartFileName {
				continue
			}
			c.mu.Lock()
			if state, ok := c.files[event.Name]; ok {
				state.checkedAt = time.Time{}
				c.files[event.Name] = state
			}
			c.mu.Unlock()
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("restart file watcher error", "error", err)
		}
	}
}

// needsRestart reports whether the application must be restarted:
// always_restart.txt exists or restart.txt changed since the previous
// check.
func (c *restartChecker) needsRestart(appRoot, restartDir string, throttle time.Duration) bool {
	directory := RestartDir(appRoot, restartDir)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchLocked(directory)

	always, _ := c.statLocked(filepath.Join(directory, alwaysRestartFileName), throttle)
	if always.exists {
		return true
	}
	_, changed := c.statLocked(filepath.Join(directory, restartFileName), throttle)
	return changed
}

// statLocked returns the state of path and whether it differs from the
// previously recorded state. The first observation of a path is never a
// change.
func (c *restartChecker) statLocked(path string, throttle time.Duration) (fileState, bool) {
	now := c.clock.Now()
	previous, known := c.files[path]
	if known && throttle > 0 && now.Sub(previous.checkedAt) < throttle {
		return previous, false
	}
	current := statFile(path)
	current.checkedAt = now
	c.files[path] = current
	if !known {
		return current, false
	}
	return current, !current.sameFile(previous)
}

func (c *restartChecker) watchLocked(directory string) {
	if c.watcher == nil || c.watched[directory] {
		return
	}
	// The directory may not exist yet; try again on the next check.
	if err := c.watcher.Add(directory); err == nil {
		c.watched[directory] = true
	}
}
