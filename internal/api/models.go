package api

import (
	"time"

	"filingsync/internal/jobs"
	"filingsync/internal/record"
)

// JobRequest is the body of POST /jobs.
type JobRequest struct {
	Kind  string `json:"kind"`
	Cycle int    `json:"cycle"`
	// Start launches the job right away. Defaults to true.
	Start *bool `json:"start,omitempty"`
}

// JobStatus is the wire form of an import job.
type JobStatus struct {
	JobID      string     `json:"job_id"`
	Kind       string     `json:"kind"`
	Cycle      int        `json:"cycle"`
	Status     string     `json:"status"` // pending | running | completed | failed | cancelled
	Checkpoint int64      `json:"checkpoint_position"`
	Imported   int64      `json:"imported_count"`
	Skipped    int64      `json:"skipped_count"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func jobStatus(j *jobs.Job) JobStatus {
	return JobStatus{
		JobID:      j.ID,
		Kind:       j.Kind,
		Cycle:      j.Cycle,
		Status:     string(j.Status),
		Checkpoint: j.CheckpointPosition,
		Imported:   j.ImportedCount,
		Skipped:    j.SkippedCount,
		Error:      j.ErrorMessage,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
	}
}

// JobList is returned by GET /jobs.
type JobList struct {
	Jobs []JobStatus `json:"jobs"`
}

// RecordList is returned by the record search endpoints.
type RecordList struct {
	Count   int              `json:"count"`
	Results []*record.Record `json:"results"`
}

type errorResponse struct {
	Error string `json:"error"`
}
