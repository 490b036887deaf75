package scraper

import (
	"context"
	"io"
	"time"
)

// JobStore persists scraping jobs. Implementations must reject transitions
// that CanTransition forbids while holding their write lock or transaction.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	ListUnfinishedJobs(ctx context.Context) ([]Job, error)
	TransitionJob(ctx context.Context, jobID string, t Transition) (Job, error)
	SaveCheckpoint(ctx context.Context, jobID string, index int, at time.Time) error
}

// ProductStore persists scraped products keyed by (job id, search term).
type ProductStore interface {
	UpsertProduct(ctx context.Context, product Product) (Product, error)
	ListProducts(ctx context.Context, jobID string) ([]Product, error)
}

// LogStore persists append-only job logs.
type LogStore interface {
	AppendLog(ctx context.Context, entry JobLog) error
	ListLogs(ctx context.Context, jobID string) ([]JobLog, error)
}

// Store is the single source of truth for jobs, products, and logs.
type Store interface {
	JobStore
	ProductStore
	LogStore
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Launcher opens browser sessions for jobs.
type Launcher interface {
	Launch(ctx context.Context, baseURL string) (Session, error)
}

// Session navigates pages within one job. Close must be safe to call more
// than once; only the first call releases resources.
type Session interface {
	Navigate(ctx context.Context, url string) (string, error)
	Close() error
}

// Extractor turns a rendered search page into product candidates.
type Extractor interface {
	Extract(ctx context.Context, html string) ([]Candidate, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes lifecycle notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
