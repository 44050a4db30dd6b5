package service

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/heyfey/vodabatch/config"
	"github.com/heyfey/vodabatch/pkg/algorithm"
	"github.com/heyfey/vodabatch/pkg/common/types"
	"k8s.io/klog/v2"
)

// Status is the body of /status.
type Status struct {
	Scheduler string           `json:"scheduler"`
	Algorithm string           `json:"algorithm"`
	Round     int              `json:"round"`
	State     *algorithm.State `json:"state,omitempty"`
}

// JobStatus is the body of /jobs/{id}.
type JobStatus struct {
	ID     string              `json:"id"`
	Status types.JobStatusType `json:"status"`
}

func (s *Service) homePage(w http.ResponseWriter, r *http.Request) {
	klog.V(5).InfoS("Endpoint hit", "endpoint", "homePage")
	fmt.Fprintf(w, "%s %s", config.Msg, config.Version)
	s.Metrics.requestsCounter.WithLabelValues("home", strconv.Itoa(http.StatusOK)).Inc()
}

func (s *Service) getStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		klog.V(5).InfoS("Endpoint hit", "endpoint", "getStatus")
		start := time.Now()

		status := Status{
			Scheduler: s.scheduler.SchedulerID,
			Algorithm: s.scheduler.Algorithm.GetName(),
			Round:     s.scheduler.Round(),
		}
		if state, ok := s.scheduler.State(); ok {
			status.State = &state
		}
		s.writeJSON(w, "status", http.StatusOK, status)
		s.Metrics.statusDuration.Observe(time.Since(start).Seconds())
	}
}

func (s *Service) getJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		klog.V(5).InfoS("Endpoint hit", "endpoint", "getJob", "job", id)

		status, ok := s.scheduler.JobStatus(id)
		if !ok {
			s.Metrics.requestsCounter.WithLabelValues("job", strconv.Itoa(http.StatusNotFound)).Inc()
			http.Error(w, fmt.Sprintf("job %q not found", id), http.StatusNotFound)
			return
		}
		s.writeJSON(w, "job", http.StatusOK, JobStatus{ID: id, Status: status})
	}
}

func (s *Service) writeJSON(w http.ResponseWriter, endpoint string, code int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		klog.ErrorS(err, "Failed to encode response", "endpoint", endpoint)
		s.Metrics.requestsCounter.WithLabelValues(endpoint, strconv.Itoa(http.StatusInternalServerError)).Inc()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
	s.Metrics.requestsCounter.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
}
