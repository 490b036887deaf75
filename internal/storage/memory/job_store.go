package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

// Store provides an in-memory scraper.Store for development, tests, and the
// offline CLI. One mutex serializes every write, which is what keeps status
// transitions consistent.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]scraper.Job
	products map[string][]scraper.Product
	logs     map[string][]scraper.JobLog
	now      func() time.Time
}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{
		jobs:     make(map[string]scraper.Job),
		products: make(map[string][]scraper.Product),
		logs:     make(map[string][]scraper.JobLog),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob stores a new job.
func (s *Store) CreateJob(_ context.Context, job scraper.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, scraper.ErrAlreadyExists)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (scraper.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scraper.Job{}, fmt.Errorf("job %s: %w", jobID, scraper.ErrNotFound)
	}
	return cloneJob(job), nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(_ context.Context, filter scraper.JobFilter) ([]scraper.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scraper.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.UserID != "" && job.UserID != filter.UserID {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, filter.Offset, filter.Limit), nil
}

// ListUnfinishedJobs returns QUEUED and RUNNING jobs oldest first.
func (s *Store) ListUnfinishedJobs(_ context.Context) ([]scraper.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scraper.Job
	for _, job := range s.jobs {
		if !job.Status.Terminal() {
			out = append(out, cloneJob(job))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// TransitionJob applies t and any result rows under one lock.
func (s *Store) TransitionJob(_ context.Context, jobID string, t scraper.Transition) (scraper.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scraper.Job{}, fmt.Errorf("job %s: %w", jobID, scraper.ErrNotFound)
	}
	next, err := scraper.ApplyTransition(job, t)
	if err != nil {
		return cloneJob(job), err
	}
	for _, p := range t.Results {
		p.JobID = jobID
		s.upsertLocked(p)
	}
	s.jobs[jobID] = next
	return cloneJob(next), nil
}

// SaveCheckpoint records how many leading terms are done.
func (s *Store) SaveCheckpoint(_ context.Context, jobID string, index int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, scraper.ErrNotFound)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("checkpoint job %s in status %s: %w", jobID, job.Status, scraper.ErrInvalidTransition)
	}
	job.Checkpoint = index
	job.UpdatedAt = at
	s.jobs[jobID] = job
	return nil
}

// UpsertProduct creates or replaces the row for (job id, search term). A
// terminal job accepts no further rows.
func (s *Store) UpsertProduct(_ context.Context, product scraper.Product) (scraper.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[product.JobID]
	if !ok {
		return scraper.Product{}, fmt.Errorf("job %s: %w", product.JobID, scraper.ErrNotFound)
	}
	if job.Status.Terminal() {
		return scraper.Product{}, fmt.Errorf("upsert product for job %s in status %s: %w", job.ID, job.Status, scraper.ErrInvalidTransition)
	}
	return s.upsertLocked(product), nil
}

func (s *Store) upsertLocked(product scraper.Product) scraper.Product {
	now := s.now()
	rows := s.products[product.JobID]
	for i, existing := range rows {
		if existing.SearchTerm == product.SearchTerm {
			rows[i] = scraper.MergeProduct(existing, product, now)
			return rows[i]
		}
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	s.products[product.JobID] = append(rows, product)
	return product
}

// ListProducts returns a job's products in creation order.
func (s *Store) ListProducts(_ context.Context, jobID string) ([]scraper.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]scraper.Product(nil), s.products[jobID]...), nil
}

// AppendLog appends a log row.
func (s *Store) AppendLog(_ context.Context, entry scraper.JobLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[entry.JobID]; !ok {
		return fmt.Errorf("job %s: %w", entry.JobID, scraper.ErrNotFound)
	}
	s.logs[entry.JobID] = append(s.logs[entry.JobID], entry)
	return nil
}

// ListLogs returns a job's logs in insertion order.
func (s *Store) ListLogs(_ context.Context, jobID string) ([]scraper.JobLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]scraper.JobLog(nil), s.logs[jobID]...), nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

func cloneJob(job scraper.Job) scraper.Job {
	job.ProductList = append([]string(nil), job.ProductList...)
	if job.LastRunAt != nil {
		t := *job.LastRunAt
		job.LastRunAt = &t
	}
	return job
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
