package server

import (
	"context"
	"sync"
)

// watcher is one websocket connection following a run.
type watcher struct {
	cancel context.CancelFunc
}

// WatchManager tracks which runs have live websocket watchers so they can be
// stopped when a run is deleted or the server shuts down.
type WatchManager struct {
	mu       sync.RWMutex
	watchers map[string]map[*watcher]struct{}
}

// NewWatchManager creates a new WatchManager.
func NewWatchManager() *WatchManager {
	return &WatchManager{
		watchers: make(map[string]map[*watcher]struct{}),
	}
}

// Add registers a watcher for runID and returns the function that removes it.
func (wm *WatchManager) Add(runID string, cancel context.CancelFunc) func() {
	w := &watcher{cancel: cancel}

	wm.mu.Lock()
	if wm.watchers[runID] == nil {
		wm.watchers[runID] = make(map[*watcher]struct{})
	}
	wm.watchers[runID][w] = struct{}{}
	wm.mu.Unlock()

	return func() {
		wm.mu.Lock()
		defer wm.mu.Unlock()
		delete(wm.watchers[runID], w)
		if len(wm.watchers[runID]) == 0 {
			delete(wm.watchers, runID)
		}
	}
}

// Count returns the number of live watchers for runID.
func (wm *WatchManager) Count(runID string) int {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	return len(wm.watchers[runID])
}

// Remove stops every watcher of runID.
func (wm *WatchManager) Remove(runID string) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	for w := range wm.watchers[runID] {
		w.cancel()
	}
	delete(wm.watchers, runID)
}

// CloseAll stops every watcher.
func (wm *WatchManager) CloseAll() {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	for id, ws := range wm.watchers {
		for w := range ws {
			w.cancel()
		}
		delete(wm.watchers, id)
	}
}
