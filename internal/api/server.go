package api

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"filingsync/internal/jobs"
	"filingsync/internal/query"
	"filingsync/internal/record"
)

// JobControl starts and tracks import jobs.
type JobControl interface {
	CreateJob(ctx context.Context, kind string, cycle int) (*jobs.Job, error)
	StartJob(ctx context.Context, id string) (*jobs.Job, error)
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
	CancelJob(ctx context.Context, id string) (*jobs.Job, error)
	ResumeJob(ctx context.Context, id string) (*jobs.Job, error)
	RetryJob(ctx context.Context, id string) (*jobs.Job, error)
	ListIncompleteJobs(ctx context.Context) ([]*jobs.Job, error)
	ListRecentJobs(ctx context.Context, limit int) ([]*jobs.Job, error)
}

// Records serves record reads.
type Records interface {
	GetRecord(ctx context.Context, kind record.Kind, id string) (*record.Record, error)
	SearchRecords(ctx context.Context, f query.Filters, limit int) ([]*record.Record, error)
	GetRelatedRecords(ctx context.Context, parentID string, dr query.DateRange, limit int) ([]*record.Record, error)
}

// Server encapsulates the HTTP server and router over job control and
// record reads.
type Server struct {
	mux     *http.ServeMux
	jobs    JobControl
	records Records
}

// NewServer builds a server. Extra handlers, such as /metrics, can be
// mounted with Handle before Run.
func NewServer(jc JobControl, rc Records) *Server {
	s := &Server{
		mux:     http.NewServeMux(),
		jobs:    jc,
		records: rc,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/jobs", s.handleJobs)       // GET, POST /jobs
	s.mux.HandleFunc("/jobs/", s.handleJobByID)   // GET/DELETE /jobs/{id}, POST /jobs/{id}/{action}
	s.mux.HandleFunc("/records", s.handleRecords) // GET /records
	s.mux.HandleFunc("/records/", s.handleRecordByID)
	s.mux.HandleFunc("/committees/", s.handleCommitteeContributions) // GET /committees/{id}/contributions
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// Handle mounts h on pattern.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the router wrapped in the logging and recovery middlewares.
func (s *Server) Handler() http.Handler {
	return s.recoveryMiddleware(s.loggingMiddleware(s.mux))
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("HTTP server running on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Simple request logger middleware.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Infof("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}

// recoveryMiddleware catches panics and returns 500.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Errorf("panic recovered: %v", rec)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
