package pipeline

import (
	"sync"

	"gamdam/internal/download"
)

// Report accumulates per-job outcomes for one batch. Contributions arrive
// concurrently from the event loop and the post-processing pool, so every
// mutation holds the mutex; failed items keep their detection order.
type Report struct {
	mu         sync.Mutex
	downloaded int
	failed     []download.Item
}

// AddDownloaded counts one fully successful job: download plus all
// post-processing.
func (r *Report) AddDownloaded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downloaded++
}

// AddFailure records the original request of a job that failed at any
// stage so it can be re-emitted to the failures output.
func (r *Report) AddFailure(item download.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, item)
}

// Downloaded reports the number of fully successful jobs.
func (r *Report) Downloaded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.downloaded
}

// Failed returns the failed requests in detection order.
func (r *Report) Failed() []download.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]download.Item, len(r.failed))
	copy(out, r.failed)
	return out
}
