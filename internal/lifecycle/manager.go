// Package lifecycle owns job state transitions. Every transition is validated
// by the store, recorded as a JobLog, counted in metrics, and terminal
// transitions are published as notifications.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-scraper/internal/metrics"
	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

// Event names used in webhook envelopes and notifications.
const (
	EventCompleted = "scrapingJobCompleted"
	EventFailed    = "scrapingJobFailed"
)

// CanceledMessage is recorded when a caller cancels a job.
const CanceledMessage = "canceled by request"

// Notification is published on every terminal transition.
type Notification struct {
	Event     string    `json:"event"`
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// EventName labels the notification for transports that carry attributes.
func (n Notification) EventName() string { return n.Event }

// SubmitRequest carries the caller-supplied fields of a new job.
type SubmitRequest struct {
	Terms               []string
	BaseURL             string
	UserID              string
	MarketplaceConfigID string
}

// Config controls notification publishing.
type Config struct {
	Topic string
}

// Manager records job outcomes. It never retries.
type Manager struct {
	store     scraper.Store
	publisher scraper.Publisher
	ids       scraper.IDGenerator
	clock     scraper.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Manager. publisher may be nil.
func New(
	store scraper.Store,
	publisher scraper.Publisher,
	ids scraper.IDGenerator,
	clock scraper.Clock,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		publisher: publisher,
		ids:       ids,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Submit validates req and creates a QUEUED job.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (scraper.Job, error) {
	if strings.TrimSpace(req.BaseURL) == "" || req.UserID == "" || req.MarketplaceConfigID == "" {
		return scraper.Job{}, scraper.NewStatusError(http.StatusBadRequest, "Missing required fields")
	}
	parsed, err := url.Parse(req.BaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return scraper.Job{}, scraper.NewStatusError(http.StatusBadRequest, "baseUrl must be an absolute http(s) URL")
	}

	id, err := m.ids.NewID()
	if err != nil {
		return scraper.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := m.clock.Now()
	terms := make([]string, 0, len(req.Terms))
	for _, term := range req.Terms {
		if term = strings.TrimSpace(term); term != "" {
			terms = append(terms, term)
		}
	}
	job := scraper.Job{
		ID:                  id,
		Status:              scraper.JobStatusQueued,
		UserID:              req.UserID,
		MarketplaceConfigID: req.MarketplaceConfigID,
		BaseURL:             req.BaseURL,
		ProductList:         terms,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return scraper.Job{}, fmt.Errorf("create job: %w", err)
	}
	metrics.ObserveJob(string(scraper.JobStatusQueued))
	m.appendLog(ctx, job.ID, scraper.JobStatusQueued, fmt.Sprintf("job queued with %d terms", len(terms)))
	m.logger.Info("job submitted", zap.String("job_id", job.ID), zap.Int("terms", len(terms)))
	return job, nil
}

// Start moves a job to RUNNING. A RUNNING job may be started again to resume.
func (m *Manager) Start(ctx context.Context, jobID string) (scraper.Job, error) {
	job, err := m.transition(ctx, jobID, scraper.Transition{To: scraper.JobStatusRunning}, "")
	if err != nil {
		return job, err
	}
	m.appendLog(ctx, jobID, job.Status,
		fmt.Sprintf("started at term %d of %d", job.Checkpoint, len(job.ProductList)))
	return job, nil
}

// Complete marks a job COMPLETED after an inline batch run.
func (m *Manager) Complete(ctx context.Context, jobID, message string) (scraper.Job, error) {
	return m.transition(ctx, jobID, scraper.Transition{To: scraper.JobStatusCompleted, Message: message}, message)
}

// Fail marks a job FAILED with message as its error.
func (m *Manager) Fail(ctx context.Context, jobID, message string) (scraper.Job, error) {
	return m.transition(ctx, jobID, scraper.Transition{To: scraper.JobStatusFailed, Message: message}, message)
}

// ApplyExternalCompletion applies a scrapingJobCompleted event: every result
// row is written together with the COMPLETED transition, or nothing is.
func (m *Manager) ApplyExternalCompletion(ctx context.Context, jobID string, results []scraper.Product) (scraper.Job, error) {
	rows := make([]scraper.Product, len(results))
	for i, r := range results {
		if r.ID == "" {
			id, err := m.ids.NewID()
			if err != nil {
				return scraper.Job{}, fmt.Errorf("generate product id: %w", err)
			}
			r.ID = id
		}
		r.JobID = jobID
		rows[i] = r
	}
	message := fmt.Sprintf("completed by webhook with %d results", len(rows))
	return m.transition(ctx, jobID, scraper.Transition{
		To:      scraper.JobStatusCompleted,
		Message: message,
		Results: rows,
	}, message)
}

// ApplyExternalFailure applies a scrapingJobFailed event.
func (m *Manager) ApplyExternalFailure(ctx context.Context, jobID, message string) (scraper.Job, error) {
	if message == "" {
		message = "failed by webhook"
	}
	return m.Fail(ctx, jobID, message)
}

// Log appends a progress checkpoint for a job.
func (m *Manager) Log(ctx context.Context, jobID string, status scraper.JobStatus, message string) error {
	id, err := m.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate log id: %w", err)
	}
	entry := scraper.JobLog{
		ID:        id,
		JobID:     jobID,
		Status:    status,
		Message:   message,
		CreatedAt: m.clock.Now(),
	}
	if err := m.store.AppendLog(ctx, entry); err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	return nil
}

func (m *Manager) transition(ctx context.Context, jobID string, t scraper.Transition, logMessage string) (scraper.Job, error) {
	t.At = m.clock.Now()
	job, err := m.store.TransitionJob(ctx, jobID, t)
	if err != nil {
		if errors.Is(err, scraper.ErrInvalidTransition) {
			m.logger.Warn("transition rejected",
				zap.String("job_id", jobID),
				zap.String("to", string(t.To)),
				zap.Error(err),
			)
			return job, err
		}
		return job, fmt.Errorf("transition job to %s: %w", t.To, err)
	}
	metrics.ObserveJob(string(job.Status))
	if logMessage != "" {
		m.appendLog(ctx, jobID, job.Status, logMessage)
	}
	if job.Status.Terminal() {
		m.notify(ctx, job, t.Message)
	}
	m.logger.Info("job transitioned",
		zap.String("job_id", jobID),
		zap.String("status", string(job.Status)),
	)
	return job, nil
}

// appendLog records a transition log. The transition is already durable, so
// a failure here is logged and not returned.
func (m *Manager) appendLog(ctx context.Context, jobID string, status scraper.JobStatus, message string) {
	if err := m.Log(ctx, jobID, status, message); err != nil {
		m.logger.Error("append transition log failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (m *Manager) notify(ctx context.Context, job scraper.Job, message string) {
	if m.publisher == nil || m.cfg.Topic == "" {
		return
	}
	event := EventCompleted
	if job.Status == scraper.JobStatusFailed {
		event = EventFailed
	}
	payload := Notification{
		Event:     event,
		JobID:     job.ID,
		Status:    string(job.Status),
		Message:   message,
		Timestamp: job.UpdatedAt,
	}
	if _, err := m.publisher.Publish(ctx, m.cfg.Topic, payload); err != nil {
		m.logger.Error("publish notification failed",
			zap.String("job_id", job.ID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}
