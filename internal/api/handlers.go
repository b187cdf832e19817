package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"filingsync/internal/gateway"
	"filingsync/internal/ingest"
	"filingsync/internal/jobs"
	"filingsync/internal/query"
	"filingsync/internal/record"
	"filingsync/internal/store"
)

const maxRequestBody = 1 << 20

// handleJobs acts as a multiplexer: POST creates a job, GET lists them.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createJob(w, r)
	case http.MethodGet:
		s.listJobs(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobByID routes GET and DELETE for specific job IDs and the POST
// actions resume and retry.
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	// Expected path: /jobs/{id} or /jobs/{id}/{action}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/jobs/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "job id missing", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.jobAction(w, r, id, s.jobs.GetJob, http.StatusOK)
	case action == "" && r.Method == http.MethodDelete:
		s.jobAction(w, r, id, s.jobs.CancelJob, http.StatusOK)
	case action == "resume" && r.Method == http.MethodPost:
		s.jobAction(w, r, id, s.jobs.ResumeJob, http.StatusAccepted)
	case action == "retry" && r.Method == http.MethodPost:
		s.jobAction(w, r, id, s.jobs.RetryJob, http.StatusAccepted)
	case action == "resume" || action == "retry" || action == "":
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

// createJob handles POST /jobs
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer r.Body.Close()

	var req JobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, errors.New("kind is required"))
		return
	}
	if req.Cycle <= 0 || req.Cycle%2 != 0 {
		writeError(w, http.StatusBadRequest, errors.New("cycle must be an even election year"))
		return
	}

	job, err := s.jobs.CreateJob(r.Context(), req.Kind, req.Cycle)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Start == nil || *req.Start {
		if job, err = s.jobs.StartJob(r.Context(), job.ID); err != nil {
			s.fail(w, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, jobStatus(job))
}

// listJobs handles GET /jobs?status=incomplete&limit=N
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		list []*jobs.Job
		err  error
	)
	if q.Get("status") == "incomplete" {
		list, err = s.jobs.ListIncompleteJobs(r.Context())
	} else {
		limit, perr := intParam(q.Get("limit"))
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr)
			return
		}
		list, err = s.jobs.ListRecentJobs(r.Context(), limit)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	out := JobList{Jobs: make([]JobStatus, 0, len(list))}
	for _, j := range list {
		out.Jobs = append(out.Jobs, jobStatus(j))
	}
	writeJSON(w, http.StatusOK, out)
}

type jobFunc func(ctx context.Context, id string) (*jobs.Job, error)

func (s *Server) jobAction(w http.ResponseWriter, r *http.Request, id string, fn jobFunc, status int) {
	job, err := fn(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, status, jobStatus(job))
}

// handleRecords handles GET /records with filter parameters.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	f := query.Filters{
		Kind:      record.Kind(q.Get("kind")),
		ParentID:  q.Get("parent_id"),
		RelatedID: q.Get("related_id"),
		Name:      q.Get("name"),
		State:     strings.ToUpper(q.Get("state")),
	}
	var err error
	if f.From, err = dateParam(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if f.To, err = dateParam(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if v := q.Get("min_amount"); v != "" {
		a, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.Errorf("invalid min_amount '%s'", v))
			return
		}
		f.MinAmount = &a
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	recs, err := s.records.SearchRecords(r.Context(), f, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RecordList{Count: len(recs), Results: recs})
}

// handleRecordByID handles GET /records/{id}?kind=K
func (s *Server) handleRecordByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/records/"), "/")
	if id == "" {
		http.Error(w, "record id missing", http.StatusBadRequest)
		return
	}
	rec, err := s.records.GetRecord(r.Context(), record.Kind(r.URL.Query().Get("kind")), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleCommitteeContributions handles GET /committees/{id}/contributions
func (s *Server) handleCommitteeContributions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/committees/"), "/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" || sub != "contributions" {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	var (
		dr  query.DateRange
		err error
	)
	if dr.From, err = dateParam(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if dr.To, err = dateParam(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	recs, err := s.records.GetRelatedRecords(r.Context(), id, dr, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RecordList{Count: len(recs), Results: recs})
}

// fail maps err onto a status code.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var apiErr *gateway.APIError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, gateway.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, jobs.ErrIllegalTransition), errors.Is(err, ingest.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, gateway.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err)
	case errors.Is(err, gateway.ErrUnavailable), errors.As(err, &apiErr):
		writeError(w, http.StatusBadGateway, err)
	default:
		log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.Errorf("invalid integer '%s'", v)
	}
	return n, nil
}

func dateParam(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, errors.Errorf("invalid date '%s', want YYYY-MM-DD", v)
	}
	return &t, nil
}
