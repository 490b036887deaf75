package worker

import (
	"context"
	"sync"

	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

// Registry tracks jobs owned by this process: claimed when enqueued, and
// cancelable once a worker is running them.
type Registry struct {
	mu      sync.Mutex
	entries map[string]context.CancelCauseFunc
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]context.CancelCauseFunc)}
}

// Claim marks jobID as owned. It returns false when the job is already tracked.
func (r *Registry) Claim(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[jobID]; ok {
		return false
	}
	r.entries[jobID] = nil
	return true
}

// Attach records the cancel func of a running job.
func (r *Registry) Attach(jobID string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[jobID] = cancel
}

// Release forgets jobID.
func (r *Registry) Release(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, jobID)
}

// Tracked reports whether jobID is queued or running here.
func (r *Registry) Tracked(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[jobID]
	return ok
}

// Cancel signals a running job with scraper.ErrJobCanceled. It returns false
// when the job is not running in this process.
func (r *Registry) Cancel(jobID string) bool {
	r.mu.Lock()
	cancel := r.entries[jobID]
	r.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel(scraper.ErrJobCanceled)
	return true
}

// Len reports how many jobs are tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
