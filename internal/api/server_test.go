package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filingsync/internal/gateway"
	"filingsync/internal/jobs"
	"filingsync/internal/query"
	"filingsync/internal/record"
	"filingsync/internal/store"
)

type fakeJobs struct {
	jobs    map[string]*jobs.Job
	started []string
}

func (f *fakeJobs) CreateJob(_ context.Context, kind string, cycle int) (*jobs.Job, error) {
	if kind != "contributions" {
		return nil, errors.Errorf("dataset kind '%s' is not configured", kind)
	}
	j := &jobs.Job{ID: "j1", Kind: kind, Cycle: cycle, Status: store.JobPending, CreatedAt: time.Unix(0, 0).UTC()}
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeJobs) StartJob(_ context.Context, id string) (*jobs.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	f.started = append(f.started, id)
	j.Status = store.JobRunning
	return j, nil
}

func (f *fakeJobs) GetJob(_ context.Context, id string) (*jobs.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobs) CancelJob(ctx context.Context, id string) (*jobs.Job, error) {
	j, err := f.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !j.Status.Terminal() {
		j.Status = store.JobCancelled
	}
	return j, nil
}

func (f *fakeJobs) ResumeJob(ctx context.Context, id string) (*jobs.Job, error) {
	j, err := f.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return nil, errors.Wrapf(jobs.ErrIllegalTransition, "start %s job %s", j.Status, id)
	}
	return f.StartJob(ctx, id)
}

func (f *fakeJobs) RetryJob(ctx context.Context, id string) (*jobs.Job, error) {
	return nil, errors.Wrapf(jobs.ErrIllegalTransition, "retry job %s", id)
}

func (f *fakeJobs) ListIncompleteJobs(context.Context) ([]*jobs.Job, error) {
	var out []*jobs.Job
	for _, j := range f.jobs {
		if !j.Status.Terminal() {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobs) ListRecentJobs(_ context.Context, limit int) ([]*jobs.Job, error) {
	var out []*jobs.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

type fakeRecords struct {
	filters []query.Filters
	ranges  []query.DateRange
	err     error
}

func (f *fakeRecords) GetRecord(_ context.Context, kind record.Kind, id string) (*record.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	if id != "1" {
		return nil, errors.Wrapf(store.ErrNotFound, "%s %s", kind, id)
	}
	return record.New("1", record.KindContribution, record.Fields{Name: "SMITH"}, nil, record.ChannelBulk, "bulk:contributions:2024"), nil
}

func (f *fakeRecords) SearchRecords(_ context.Context, fl query.Filters, limit int) ([]*record.Record, error) {
	f.filters = append(f.filters, fl)
	if f.err != nil {
		return nil, f.err
	}
	return []*record.Record{record.New("1", fl.Kind, record.Fields{Name: "SMITH"}, nil, record.ChannelAPI, "api:/x/")}, nil
}

func (f *fakeRecords) GetRelatedRecords(_ context.Context, parentID string, dr query.DateRange, limit int) ([]*record.Record, error) {
	f.ranges = append(f.ranges, dr)
	return []*record.Record{}, nil
}

func newTestServer() (*httptest.Server, *fakeJobs, *fakeRecords) {
	fj := &fakeJobs{jobs: map[string]*jobs.Job{}}
	fr := &fakeRecords{}
	return httptest.NewServer(NewServer(fj, fr).Handler()), fj, fr
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestJobEndpoints(t *testing.T) {
	srv, fj, _ := newTestServer()
	defer srv.Close()

	resp, body := do(t, http.MethodPost, srv.URL+"/jobs", `{"kind":"contributions","cycle":2024}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "j1", body["job_id"])
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, []string{"j1"}, fj.started)

	resp, body = do(t, http.MethodGet, srv.URL+"/jobs/j1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2024), body["cycle"])

	resp, body = do(t, http.MethodGet, srv.URL+"/jobs?status=incomplete", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["jobs"], 1)

	resp, body = do(t, http.MethodDelete, srv.URL+"/jobs/j1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/jobs/j1/resume", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/jobs/j1/retry", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/jobs/j1/retry", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/jobs/j1/explode", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateJobValidation(t *testing.T) {
	srv, fj, _ := newTestServer()
	defer srv.Close()

	for _, body := range []string{
		`not json`,
		`{"cycle":2024}`,
		`{"kind":"contributions","cycle":2023}`,
		`{"kind":"filings","cycle":2024}`,
	} {
		resp, out := do(t, http.MethodPost, srv.URL+"/jobs", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.NotEmpty(t, out["error"], body)
	}

	resp, body := do(t, http.MethodPost, srv.URL+"/jobs", `{"kind":"contributions","cycle":2024,"start":false}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
	assert.Empty(t, fj.started)

	resp, _ = do(t, http.MethodPut, srv.URL+"/jobs", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRecordEndpoints(t *testing.T) {
	srv, _, fr := newTestServer()
	defer srv.Close()

	resp, body := do(t, http.MethodGet, srv.URL+"/records/1?kind=contribution", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "SMITH", body["name"])
	assert.Equal(t, "bulk", body["source_channel"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/records/2", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/records?kind=committee&name=friends&state=il&min_amount=10&from=2024-01-01&limit=5", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])
	require.Len(t, fr.filters, 1)
	assert.Equal(t, record.KindCommittee, fr.filters[0].Kind)
	assert.Equal(t, "IL", fr.filters[0].State)
	require.NotNil(t, fr.filters[0].From)
	assert.Equal(t, 2024, fr.filters[0].From.Year())

	resp, _ = do(t, http.MethodGet, srv.URL+"/records?from=01/01/2024", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/records?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/committees/C001/contributions?from=2024-01-01&to=2024-03-31", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["count"])
	require.Len(t, fr.ranges, 1)
	assert.Equal(t, time.March, fr.ranges[0].To.Month())

	resp, _ = do(t, http.MethodGet, srv.URL+"/committees/C001", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpstreamErrorStatus(t *testing.T) {
	srv, _, fr := newTestServer()
	defer srv.Close()

	cases := []struct {
		err  error
		want int
	}{
		{errors.Wrap(gateway.ErrRateLimited, "GET /committees/"), http.StatusTooManyRequests},
		{errors.Wrap(gateway.ErrUnavailable, "GET /committees/"), http.StatusBadGateway},
		{&gateway.APIError{Status: 403, Message: "bad key"}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		fr.err = tc.err
		resp, body := do(t, http.MethodGet, srv.URL+"/records?kind=committee", "")
		assert.Equal(t, tc.want, resp.StatusCode, tc.err.Error())
		assert.Equal(t, tc.err.Error(), body["error"])
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	s := NewServer(&fakeJobs{jobs: map[string]*jobs.Job{}}, &fakeRecords{})
	s.Handle("/panic", http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/panic")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
