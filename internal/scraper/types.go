package scraper

import "time"

// JobStatus represents the lifecycle state of a scraping job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// Terminal reports whether no further transition is permitted from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a job may move from one status to another.
// RUNNING to RUNNING is allowed so an interrupted job can be resumed.
func CanTransition(from, to JobStatus) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	switch to {
	case JobStatusQueued:
		return false
	case JobStatusRunning:
		return from == JobStatusQueued || from == JobStatusRunning
	default:
		return true
	}
}

// Job is one batch scraping run over an ordered list of search terms.
type Job struct {
	ID                  string     `json:"id"`
	Status              JobStatus  `json:"status"`
	UserID              string     `json:"userId"`
	MarketplaceConfigID string     `json:"marketplaceConfigId"`
	BaseURL             string     `json:"baseUrl"`
	ProductList         []string   `json:"productList"`
	Checkpoint          int        `json:"checkpoint"`
	ErrorMessage        string     `json:"errorMessage,omitempty"`
	LastRunAt           *time.Time `json:"lastRunAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Remaining returns the terms that have not been confirmed by a checkpoint.
func (j Job) Remaining() []string {
	if j.Checkpoint <= 0 {
		return j.ProductList
	}
	if j.Checkpoint >= len(j.ProductList) {
		return nil
	}
	return j.ProductList[j.Checkpoint:]
}

// Product is the persisted match for one search term of a job.
type Product struct {
	ID         string    `json:"id"`
	JobID      string    `json:"jobId"`
	SearchTerm string    `json:"searchTerm"`
	Name       string    `json:"name"`
	Brand      string    `json:"brand,omitempty"`
	Code       string    `json:"code,omitempty"`
	Price      *float64  `json:"price,omitempty"`
	Currency   string    `json:"currency,omitempty"`
	Rating     *float64  `json:"rating,omitempty"`
	Link       string    `json:"link,omitempty"`
	Similarity float64   `json:"similarity"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// JobLog is an append-only progress checkpoint.
type JobLog struct {
	ID        string    `json:"id"`
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Candidate is a parsed, not yet ranked product record from a search page.
type Candidate struct {
	Description string   `json:"description"`
	Brand       string   `json:"brand,omitempty"`
	Code        string   `json:"code,omitempty"`
	Price       *float64 `json:"currentPrice,omitempty"`
	Currency    string   `json:"currency,omitempty"`
	Rating      *float64 `json:"rating,omitempty"`
	Link        string   `json:"link,omitempty"`
}

// Transition describes a requested status change applied atomically by a store.
// Results, when present, are upserted by (job id, search term) in the same
// write as the status change.
type Transition struct {
	To      JobStatus
	Message string
	At      time.Time
	Results []Product
}

// JobFilter narrows job listings.
type JobFilter struct {
	Status JobStatus
	UserID string
	Limit  int
	Offset int
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Attempt   int
	Submitted int64
}
