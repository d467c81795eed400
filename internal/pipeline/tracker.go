package pipeline

import (
	"log/slog"
	"sync"

	"gamdam/internal/download"
	"gamdam/internal/logging"
	"gamdam/internal/relpath"
)

// tracker maps destination paths to their in-flight jobs. It is the keyed
// lookup that correlates out-of-order worker events back to requests, and
// its size is the pipeline's memory bound: entries leave as soon as a path
// resolves.
type tracker struct {
	mu      sync.Mutex
	entries map[relpath.Path]*trackedJob
	logger  *slog.Logger
}

type trackedJob struct {
	item       download.Item
	dispatched bool
}

func newTracker(logger *slog.Logger) *tracker {
	return &tracker{
		entries: make(map[relpath.Path]*trackedJob),
		logger:  logging.NewComponentLogger(logger, "tracker"),
	}
}

// Add records an item as pending. When a job for the same path is still
// unresolved the newest record wins: the earlier one is discarded with a
// superseded warning and never appears in any output. The return value
// reports whether the path still needs to be dispatched to the worker; a
// path already dispatched is never dispatched twice.
func (t *tracker) Add(item download.Item) (needsDispatch bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.entries[item.Path]; ok {
		t.logger.Warn("duplicate path before resolution; superseding earlier entry",
			logging.String(logging.FieldPath, item.Path.String()),
			logging.String("superseded_url", existing.item.URL),
			logging.String(logging.FieldURL, item.URL),
		)
		existing.item = item
		return false
	}
	t.entries[item.Path] = &trackedJob{item: item}
	return true
}

// TakeForDispatch marks the job for path as handed to the worker and
// returns the current record for it, which may be newer than the one that
// caused the dispatch.
func (t *tracker) TakeForDispatch(path relpath.Path) (download.Item, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[path]
	if !ok || entry.dispatched {
		return download.Item{}, false
	}
	entry.dispatched = true
	return entry.item, true
}

// Resolve removes and returns the job for a completed path. Events for
// unknown paths report ok=false and are ignored by the caller.
func (t *tracker) Resolve(path relpath.Path) (download.Item, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[path]
	if !ok {
		return download.Item{}, false
	}
	delete(t.entries, path)
	return entry.item, true
}

// Len reports how many jobs are unresolved.
func (t *tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// LenDispatched reports how many jobs were handed to the worker but have no
// completion event yet. Nonzero after the worker closes its output means the
// worker died mid-batch.
func (t *tracker) LenDispatched() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, entry := range t.entries {
		if entry.dispatched {
			n++
		}
	}
	return n
}

// DropUndispatched discards jobs that were read but never handed to the
// worker. Used during graceful shutdown, when queued work is abandoned.
func (t *tracker) DropUndispatched() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	dropped := 0
	for path, entry := range t.entries {
		if !entry.dispatched {
			delete(t.entries, path)
			dropped++
		}
	}
	return dropped
}
