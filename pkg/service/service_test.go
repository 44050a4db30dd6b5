package service

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/heyfey/vodabatch/pkg/algorithm"
	"github.com/heyfey/vodabatch/pkg/common/options"
	"github.com/heyfey/vodabatch/pkg/common/types"
	"github.com/heyfey/vodabatch/pkg/scheduler"
	"github.com/heyfey/vodabatch/pkg/selector"
	"github.com/heyfey/vodabatch/pkg/workload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	w := workload.NewWorkload(4)
	require.NoError(t, w.Add(&workload.Job{ID: "J1", RequestedResources: 2, Walltime: 10}))
	require.NoError(t, w.Add(&workload.Job{ID: "J2", RequestedResources: 4, Walltime: 10}))

	registry := prometheus.NewRegistry()
	algo := algorithm.NewEasyBackfilling(w, selector.NewBasic(), options.Default())
	sched, err := scheduler.NewScheduler("svc", algo, registry)
	require.NoError(t, err)
	require.NoError(t, sched.OnSimulationStart(0, 4))
	sched.OnJobRelease("J1")
	sched.OnJobRelease("J2")
	_, err = sched.MakeDecisions(0)
	require.NoError(t, err)

	s, err := NewService(sched, registry)
	require.NoError(t, err)
	return s
}

func get(t *testing.T, s *Service, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	return rec
}

func TestHomePage(t *testing.T) {
	rec := get(t, newTestService(t), "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Voda Batch")
}

func TestStatus(t *testing.T) {
	rec := get(t, newTestService(t), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "svc", status.Scheduler)
	assert.Equal(t, algorithm.EasyBackfillingName, status.Algorithm)
	assert.Equal(t, 1, status.Round)
	require.NotNil(t, status.State)
	assert.Equal(t, "2-3", status.State.Available.String())
	require.NotNil(t, status.State.Priority)
	assert.Equal(t, "J2", status.State.Priority.JobID)
	assert.Equal(t, algorithm.Timestamp(10), status.State.Priority.ExpectedStart)
	assert.Equal(t, "0-1", status.State.Allocations["J1"].String())
}

func TestJobStatus(t *testing.T) {
	s := newTestService(t)

	rec := get(t, s, "/jobs/J2")
	require.Equal(t, http.StatusOK, rec.Code)
	var job JobStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, JobStatus{ID: "J2", Status: types.JobPriority}, job)

	rec = get(t, s, "/jobs/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestService(t)
	get(t, s, "/status")

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := ioutil.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "voda_batch_svc_scheduler_rounds_total 1")
	assert.Contains(t, string(body), `voda_batch_service_requests_total{code="200",endpoint="status"} 1`)
}

func TestNewServiceRequiresScheduler(t *testing.T) {
	_, err := NewService(nil, prometheus.NewRegistry())
	assert.Error(t, err)
}
