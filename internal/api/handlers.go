package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-scraper/internal/csvio"
	"github.com/JakeFAU/marketplace-scraper/internal/lifecycle"
	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

const (
	maxUploadBytes  = 32 << 20
	defaultPageSize = 50
	maxPageSize     = 500
)

var errMissingFields = scraper.NewStatusError(http.StatusBadRequest, "Missing required fields")

type submitJobRequest struct {
	Terms               []string `json:"terms" validate:"required"`
	BaseURL             string   `json:"baseUrl" validate:"required,url"`
	UserID              string   `json:"userId" validate:"required"`
	MarketplaceConfigID string   `json:"marketplaceConfigId" validate:"required"`
}

type submitJobResponse struct {
	JobID  string            `json:"jobId"`
	Status scraper.JobStatus `json:"status"`
}

type jobDetail struct {
	Job      scraper.Job       `json:"job"`
	Products []scraper.Product `json:"products"`
}

// submitCSV accepts the multipart form used by the upload page.
func (s *Server) submitCSV(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.fail(w, r, errMissingFields)
		return
	}
	file, _, err := r.FormFile("csvFile")
	if err != nil {
		s.fail(w, r, errMissingFields)
		return
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			s.logger.Warn("close upload failed", zap.Error(cerr))
		}
	}()
	req := lifecycle.SubmitRequest{
		BaseURL:             strings.TrimSpace(r.FormValue("baseUrl")),
		UserID:              strings.TrimSpace(r.FormValue("userId")),
		MarketplaceConfigID: strings.TrimSpace(r.FormValue("marketplaceConfigId")),
	}
	if req.BaseURL == "" || req.UserID == "" || req.MarketplaceConfigID == "" {
		s.fail(w, r, errMissingFields)
		return
	}
	terms, err := csvio.ReadTerms(file, s.cfg.CSV.TermColumn)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	req.Terms = terms
	s.submit(w, r, req)
}

func (s *Server) submitJSON(w http.ResponseWriter, r *http.Request) {
	var body submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.validate.Struct(body); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
			writeError(w, http.StatusBadRequest, "Missing required fields: "+strings.Join(fields, ", "))
			return
		}
		s.fail(w, r, err)
		return
	}
	s.submit(w, r, lifecycle.SubmitRequest{
		Terms:               body.Terms,
		BaseURL:             body.BaseURL,
		UserID:              body.UserID,
		MarketplaceConfigID: body.MarketplaceConfigID,
	})
}

// submit creates the job and schedules it. A job that cannot be enqueued
// stays QUEUED and is picked up by the next resume sweep.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, req lifecycle.SubmitRequest) {
	job, err := s.submitter.Submit(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), enqueueTimeout)
	defer cancel()
	if err := s.scheduler.Enqueue(ctx, job.ID); err != nil {
		s.logger.Warn("enqueue deferred to resume sweep", zap.String("job_id", job.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusAccepted, submitJobResponse{JobID: job.ID, Status: job.Status})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := scraper.JobFilter{
		Status: scraper.JobStatus(strings.ToUpper(q.Get("status"))),
		UserID: q.Get("userId"),
		Limit:  defaultPageSize,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), defaultPageSize, 1, maxPageSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0, 0, -1); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []scraper.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "limit": filter.Limit, "offset": filter.Offset})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	products, err := s.store.ListProducts(r.Context(), jobID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if products == nil {
		products = []scraper.Product{}
	}
	writeJSON(w, http.StatusOK, jobDetail{Job: job, Products: products})
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		s.fail(w, r, err)
		return
	}
	products, err := s.store.ListProducts(r.Context(), jobID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if products == nil {
		products = []scraper.Product{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		s.fail(w, r, err)
		return
	}
	logs, err := s.store.ListLogs(r.Context(), jobID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if logs == nil {
		logs = []scraper.JobLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.scheduler.Cancel(r.Context(), jobID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":           job.ID,
		"status":          job.Status,
		"cancelRequested": true,
	})
}

// intParam parses raw with bounds; max < 0 means unbounded.
func intParam(raw string, def, lo, hi int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if v < lo || (hi >= 0 && v > hi) {
		return 0, strconv.ErrRange
	}
	return v, nil
}
