package scraper

import (
	"fmt"
	"time"
)

// ApplyTransition returns job moved to t.To, or ErrInvalidTransition.
// Stores call it while holding their write lock so concurrent updaters
// cannot resurrect a terminal job.
func ApplyTransition(job Job, t Transition) (Job, error) {
	if !CanTransition(job.Status, t.To) {
		return job, fmt.Errorf("job %s %s -> %s: %w", job.ID, job.Status, t.To, ErrInvalidTransition)
	}
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	job.Status = t.To
	job.UpdatedAt = at
	switch t.To {
	case JobStatusRunning:
		job.LastRunAt = &at
		job.ErrorMessage = ""
	case JobStatusCompleted:
		job.LastRunAt = &at
		job.ErrorMessage = ""
		job.Checkpoint = len(job.ProductList)
	case JobStatusFailed:
		job.LastRunAt = &at
		job.ErrorMessage = t.Message
	}
	return job, nil
}

// MergeProduct folds an incoming row into the stored row for the same
// (job, term), keeping the original id and creation time.
func MergeProduct(existing, incoming Product, now time.Time) Product {
	incoming.ID = existing.ID
	incoming.CreatedAt = existing.CreatedAt
	incoming.UpdatedAt = now
	return incoming
}
