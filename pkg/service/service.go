package service

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/heyfey/vodabatch/pkg/scheduler"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

const shutdownTimeout = 5 * time.Second

// Service exposes the state and the metrics of a scheduler over HTTP.
type Service struct {
	Router    *mux.Router
	scheduler *scheduler.Scheduler
	gatherer  prometheus.Gatherer
	Metrics   ServiceMetrics
}

// NewService creates the service of sched. The metrics of the service are
// registered to registry, and /metrics serves everything registry gathers.
func NewService(sched *scheduler.Scheduler, registry *prometheus.Registry) (*Service, error) {
	if sched == nil || registry == nil {
		return nil, errors.New("a scheduler and a registry are required")
	}
	s := &Service{
		Router:    mux.NewRouter(),
		scheduler: sched,
		gatherer:  registry,
	}
	if err := s.initServiceMetrics(registry); err != nil {
		return nil, err
	}
	s.initRoutes()
	return s, nil
}

func (s *Service) initRoutes() {
	s.Router.HandleFunc("/", s.homePage)
	s.Router.HandleFunc("/status", s.getStatusHandler()).Methods("GET")
	s.Router.HandleFunc("/jobs/{id}", s.getJobHandler()).Methods("GET")
	s.Router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

// ListenAndServe serves on addr until ctx is done.
func (s *Service) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: s.Router}
	errCh := make(chan error, 1)
	go func() {
		klog.InfoS("Service listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "service stopped")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "failed to shut down service")
		}
		klog.InfoS("Service stopped", "addr", addr)
		return nil
	}
}
