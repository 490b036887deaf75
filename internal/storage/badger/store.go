// Package badgerstore provides an embedded, single-node scraper.Store on
// BadgerDB through badgerhold.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

var logSequenceKey = []byte("seq:job_logs")

// Config controls where the database lives.
type Config struct {
	Path string
}

// logRecord keeps insertion order for job logs.
type logRecord struct {
	Seq   uint64
	JobID string
	Entry scraper.JobLog
}

// Store implements scraper.Store on badgerhold. Writes are serialized by a
// mutex and applied inside one Badger transaction each.
type Store struct {
	db     *badgerhold.Store
	logSeq *badger.Sequence
	mu     sync.Mutex
	now    func() time.Time
}

// Open opens (or creates) the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db.badger_path is required")
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create badger dir: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = cfg.Path
	options.ValueDir = cfg.Path
	options.Logger = nil

	db, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	seq, err := db.Badger().GetSequence(logSequenceKey, 64)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open log sequence: %w", err)
	}
	return &Store{
		db:     db,
		logSeq: seq,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the sequence lease and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var errs []error
	if s.logSeq != nil {
		errs = append(errs, s.logSeq.Release())
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

// Ping reports whether the database is open.
func (s *Store) Ping(context.Context) error {
	if s.db.Badger().IsClosed() {
		return fmt.Errorf("badger is closed")
	}
	return nil
}

// CreateJob inserts a job.
func (s *Store) CreateJob(_ context.Context, job scraper.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Insert(job.ID, job); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("job %s: %w", job.ID, scraper.ErrAlreadyExists)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(_ context.Context, jobID string) (scraper.Job, error) {
	var job scraper.Job
	if err := s.db.Get(jobID, &job); err != nil {
		return scraper.Job{}, notFound(err, jobID, "get job")
	}
	return job, nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(_ context.Context, filter scraper.JobFilter) ([]scraper.Job, error) {
	query := badgerhold.Where("ID").Ne("")
	if filter.Status != "" {
		query = query.And("Status").Eq(filter.Status)
	}
	if filter.UserID != "" {
		query = query.And("UserID").Eq(filter.UserID)
	}
	query = query.SortBy("CreatedAt", "ID").Reverse()
	if filter.Offset > 0 {
		query = query.Skip(filter.Offset)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var jobs []scraper.Job
	if err := s.db.Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ListUnfinishedJobs returns QUEUED and RUNNING jobs oldest first.
func (s *Store) ListUnfinishedJobs(_ context.Context) ([]scraper.Job, error) {
	query := badgerhold.Where("Status").In(scraper.JobStatusQueued, scraper.JobStatusRunning).SortBy("CreatedAt", "ID")
	var jobs []scraper.Job
	if err := s.db.Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("list unfinished jobs: %w", err)
	}
	return jobs, nil
}

// TransitionJob applies t and upserts its results in one transaction.
func (s *Store) TransitionJob(_ context.Context, jobID string, t scraper.Transition) (scraper.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next scraper.Job
	err := s.db.Badger().Update(func(tx *badger.Txn) error {
		var current scraper.Job
		if err := s.db.TxGet(tx, jobID, &current); err != nil {
			return notFound(err, jobID, "get job")
		}
		applied, err := scraper.ApplyTransition(current, t)
		if err != nil {
			return err
		}
		if err := s.db.TxUpdate(tx, jobID, applied); err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		for _, p := range t.Results {
			p.JobID = jobID
			if _, err := s.txUpsertProduct(tx, p); err != nil {
				return err
			}
		}
		next = applied
		return nil
	})
	if err != nil {
		return scraper.Job{}, err
	}
	return next, nil
}

// SaveCheckpoint records progress for a non-terminal job.
func (s *Store) SaveCheckpoint(_ context.Context, jobID string, index int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Badger().Update(func(tx *badger.Txn) error {
		var job scraper.Job
		if err := s.db.TxGet(tx, jobID, &job); err != nil {
			return notFound(err, jobID, "get job")
		}
		if job.Status.Terminal() {
			return fmt.Errorf("checkpoint job %s: %w", jobID, scraper.ErrInvalidTransition)
		}
		job.Checkpoint = index
		job.UpdatedAt = at
		if err := s.db.TxUpdate(tx, jobID, job); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		return nil
	})
}

// UpsertProduct creates or replaces the row for (job id, search term) of a
// non-terminal job.
func (s *Store) UpsertProduct(_ context.Context, product scraper.Product) (scraper.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var saved scraper.Product
	err := s.db.Badger().Update(func(tx *badger.Txn) error {
		var job scraper.Job
		if err := s.db.TxGet(tx, product.JobID, &job); err != nil {
			return notFound(err, product.JobID, "get job")
		}
		if job.Status.Terminal() {
			return fmt.Errorf("upsert product for job %s: %w", product.JobID, scraper.ErrInvalidTransition)
		}
		var err error
		saved, err = s.txUpsertProduct(tx, product)
		return err
	})
	if err != nil {
		return scraper.Product{}, err
	}
	return saved, nil
}

func (s *Store) txUpsertProduct(tx *badger.Txn, p scraper.Product) (scraper.Product, error) {
	key := productKey(p.JobID, p.SearchTerm)
	now := s.now()

	var existing scraper.Product
	switch err := s.db.TxGet(tx, key, &existing); {
	case err == nil:
		p = scraper.MergeProduct(existing, p, now)
	case errors.Is(err, badgerhold.ErrNotFound):
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
	default:
		return scraper.Product{}, fmt.Errorf("get product: %w", err)
	}
	if err := s.db.TxUpsert(tx, key, p); err != nil {
		return scraper.Product{}, fmt.Errorf("upsert product: %w", err)
	}
	return p, nil
}

// ListProducts returns a job's products in creation order.
func (s *Store) ListProducts(_ context.Context, jobID string) ([]scraper.Product, error) {
	var products []scraper.Product
	if err := s.db.Find(&products, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	sort.SliceStable(products, func(i, j int) bool {
		if products[i].CreatedAt.Equal(products[j].CreatedAt) {
			return products[i].ID < products[j].ID
		}
		return products[i].CreatedAt.Before(products[j].CreatedAt)
	})
	return products, nil
}

// AppendLog inserts a log entry.
func (s *Store) AppendLog(_ context.Context, entry scraper.JobLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var job scraper.Job
	if err := s.db.Get(entry.JobID, &job); err != nil {
		return notFound(err, entry.JobID, "get job")
	}
	seq, err := s.logSeq.Next()
	if err != nil {
		return fmt.Errorf("next log sequence: %w", err)
	}
	rec := logRecord{Seq: seq, JobID: entry.JobID, Entry: entry}
	if err := s.db.Insert(seq, rec); err != nil {
		return fmt.Errorf("insert job log: %w", err)
	}
	return nil
}

// ListLogs returns a job's logs in insertion order.
func (s *Store) ListLogs(_ context.Context, jobID string) ([]scraper.JobLog, error) {
	var records []logRecord
	if err := s.db.Find(&records, badgerhold.Where("JobID").Eq(jobID).SortBy("Seq")); err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	out := make([]scraper.JobLog, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Entry)
	}
	return out, nil
}

func productKey(jobID, term string) string {
	return jobID + "\x00" + term
}

func notFound(err error, jobID, op string) error {
	if errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("job %s: %w", jobID, scraper.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
