package service

import (
	"strings"

	"github.com/heyfey/vodabatch/config"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ServiceMetrics struct {
	serviceInfoGauge *prometheus.GaugeVec
	requestsCounter  *prometheus.CounterVec
	statusDuration   prometheus.Summary
}

func (s *Service) initServiceMetrics(registerer prometheus.Registerer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("failed to register service metrics: %v", r)
		}
	}()

	namespace := strings.Replace(config.Namespace, "-", "_", -1)
	factory := promauto.With(registerer)

	m := ServiceMetrics{
		serviceInfoGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:      "service_info",
			Namespace: namespace,
			Help:      "Information about the service.",
		}, []string{"version", "scheduler"}),

		requestsCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "service_requests_total",
			Namespace: namespace,
			Help:      "Counts number of requests by endpoint and status code.",
		}, []string{"endpoint", "code"}),

		statusDuration: factory.NewSummary(prometheus.SummaryOpts{
			Name:      "service_status_duration_seconds",
			Namespace: namespace,
			Help:      "A summary of the duration of serving the scheduler status.",
		}),
	}
	m.serviceInfoGauge.WithLabelValues(config.Version, s.scheduler.SchedulerID).Set(1)
	s.Metrics = m
	return nil
}
