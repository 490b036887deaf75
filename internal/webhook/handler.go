// Package webhook validates and applies job events delivered by
// out-of-process workers.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-scraper/internal/lifecycle"
	"github.com/JakeFAU/marketplace-scraper/internal/metrics"
	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

// Event names accepted by the handler.
const (
	EventCompleted = lifecycle.EventCompleted
	EventFailed    = lifecycle.EventFailed
)

const maxBodyBytes = 4 << 20

// Applier records externally reported outcomes.
type Applier interface {
	ApplyExternalCompletion(ctx context.Context, jobID string, results []scraper.Product) (scraper.Job, error)
	ApplyExternalFailure(ctx context.Context, jobID, message string) (scraper.Job, error)
}

// Envelope is the outer shape of every webhook delivery.
type Envelope struct {
	Event string          `json:"event" validate:"required"`
	Data  json.RawMessage `json:"data"`
}

// Result is one product row reported by a scrapingJobCompleted event.
type Result struct {
	SearchTerm string   `json:"searchTerm" validate:"required"`
	Name       string   `json:"name" validate:"required"`
	Brand      string   `json:"brand"`
	Code       string   `json:"code"`
	Price      *float64 `json:"price"`
	Currency   string   `json:"currency"`
	Rating     *float64 `json:"rating"`
	Link       string   `json:"link"`
	Similarity float64  `json:"similarity" validate:"gte=0,lte=100"`
}

type completedData struct {
	JobID   string   `json:"jobId" validate:"required"`
	Results []Result `json:"results" validate:"required,dive"`
}

type failedData struct {
	FailedJobID string `json:"failedJobId" validate:"required"`
	Error       string `json:"error"`
}

// Response is returned to the caller after an event is applied.
type Response struct {
	Status string            `json:"status"`
	Event  string            `json:"event"`
	JobID  string            `json:"jobId"`
	Job    scraper.JobStatus `json:"jobStatus"`
}

// Handler dispatches webhook events to the lifecycle manager.
type Handler struct {
	applier  Applier
	validate *validator.Validate
	logger   *zap.Logger
}

// New constructs a Handler.
func New(applier Applier, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return &Handler{applier: applier, validate: v, logger: logger}
}

// Handle validates a raw envelope and applies it. Validation failures return
// a 400 StatusError before any store call is made.
func (h *Handler) Handle(ctx context.Context, body []byte) (Response, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Response{}, scraper.NewStatusError(http.StatusBadRequest, "Invalid JSON payload")
	}
	if err := h.check(env, "webhook"); err != nil {
		return Response{}, err
	}

	switch env.Event {
	case EventCompleted:
		var data completedData
		if err := h.decode(env, &data); err != nil {
			return Response{}, err
		}
		job, err := h.applier.ApplyExternalCompletion(ctx, data.JobID, toProducts(data.Results))
		if err != nil {
			return Response{}, fmt.Errorf("apply %s for %s: %w", env.Event, data.JobID, err)
		}
		return Response{Status: "success", Event: env.Event, JobID: job.ID, Job: job.Status}, nil
	case EventFailed:
		var data failedData
		if err := h.decode(env, &data); err != nil {
			return Response{}, err
		}
		job, err := h.applier.ApplyExternalFailure(ctx, data.FailedJobID, data.Error)
		if err != nil {
			return Response{}, fmt.Errorf("apply %s for %s: %w", env.Event, data.FailedJobID, err)
		}
		return Response{Status: "success", Event: env.Event, JobID: job.ID, Job: job.Status}, nil
	default:
		h.logger.Warn("unhandled webhook event", zap.String("event", env.Event))
		return Response{}, scraper.NewStatusError(http.StatusBadRequest, fmt.Sprintf("Unhandled event: %s", env.Event))
	}
}

func (h *Handler) decode(env Envelope, dst any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return scraper.NewStatusError(http.StatusBadRequest, fmt.Sprintf("Invalid %s payload: data is required", env.Event))
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return scraper.NewStatusError(http.StatusBadRequest, fmt.Sprintf("Invalid %s payload: %v", env.Event, err))
	}
	return h.check(dst, env.Event)
}

func (h *Handler) check(v any, what string) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate %s: %w", what, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		msgs = append(msgs, fmt.Sprintf("field '%s' failed on the '%s' tag", field, fe.Tag()))
	}
	return scraper.NewStatusError(http.StatusBadRequest,
		fmt.Sprintf("Invalid %s payload: %s", what, strings.Join(msgs, ", ")))
}

// ServeHTTP adapts Handle to HTTP.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		metrics.ObserveWebhook("unknown", "rejected")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	resp, err := h.Handle(r.Context(), body)
	event := eventLabel(body)
	if err != nil {
		code, msg := scraper.HTTPStatus(err)
		outcome := "rejected"
		if code >= http.StatusInternalServerError {
			outcome = "error"
			h.logger.Error("webhook failed", zap.String("event", event), zap.Error(err))
		} else {
			h.logger.Warn("webhook rejected", zap.String("event", event), zap.Int("status", code), zap.Error(err))
		}
		metrics.ObserveWebhook(event, outcome)
		writeJSON(w, code, map[string]string{"error": msg})
		return
	}
	metrics.ObserveWebhook(event, "applied")
	h.logger.Info("webhook applied", zap.String("event", event), zap.String("job_id", resp.JobID))
	writeJSON(w, http.StatusOK, resp)
}

// eventLabel bounds the metric label set to known events.
func eventLabel(body []byte) string {
	var env Envelope
	if json.Unmarshal(body, &env) != nil {
		return "unknown"
	}
	switch env.Event {
	case EventCompleted, EventFailed:
		return env.Event
	default:
		return "unknown"
	}
}

func toProducts(results []Result) []scraper.Product {
	out := make([]scraper.Product, 0, len(results))
	for _, r := range results {
		out = append(out, scraper.Product{
			SearchTerm: strings.TrimSpace(r.SearchTerm),
			Name:       r.Name,
			Brand:      r.Brand,
			Code:       r.Code,
			Price:      r.Price,
			Currency:   r.Currency,
			Rating:     r.Rating,
			Link:       r.Link,
			Similarity: r.Similarity,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}
