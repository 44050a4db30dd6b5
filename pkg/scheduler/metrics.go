package scheduler

import (
	"strings"

	"github.com/heyfey/vodabatch/config"
	"github.com/heyfey/vodabatch/pkg/common/types"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type SchedulerMetrics struct {
	schedulerInfoGauge     *prometheus.GaugeVec
	jobsReleasedCounter    prometheus.Counter
	jobsEndedCounter       prometheus.Counter
	jobsKilledCounter      prometheus.Counter
	decisionsCounter       *prometheus.CounterVec
	publishFailuresCounter prometheus.Counter
	roundsCounter          prometheus.Counter
	roundDuration          prometheus.Summary
	queuedJobsGaugeFunc    prometheus.GaugeFunc
	runningJobsGaugeFunc   prometheus.GaugeFunc
	machinesGaugeFunc      prometheus.GaugeFunc
	machinesInUseGaugeFunc prometheus.GaugeFunc
}

func (s *Scheduler) initSchedulerMetrics(registerer prometheus.Registerer) (err error) {
	// promauto panics on duplicate registration
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("failed to register metrics of scheduler %s: %v", s.SchedulerID, r)
		}
	}()

	subsystem := strings.Replace(s.SchedulerID, "-", "_", -1)
	namespace := strings.Replace(config.Namespace, "-", "_", -1)
	factory := promauto.With(registerer)

	m := SchedulerMetrics{
		schedulerInfoGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:      "scheduler_info",
			Subsystem: subsystem,
			Namespace: namespace,
			Help:      "Information about the scheduler.",
		}, []string{"version", "algorithm", "scheduler"}),

		jobsReleasedCounter: factory.NewCounter(prometheus.CounterOpts{
			Name:      "scheduler_jobs_released_total",
			Subsystem: subsystem,
			Namespace: namespace,
			Help:      "Counts number of jobs released.",
		}),
		jobsEndedCounter: factory.NewCounter(prometheus.CounterOpts{
			Name:      "scheduler_jobs_ended_total",
			Subsystem: subsystem,
			Namespace: namespace,
			Help:      "Counts number of jobs ended.",
		}),
		jobsKilledCounter: factory.NewCounter(prometheus.CounterOpts{
			Name:      "scheduler_jobs_killed_total",
			Subsystem: subsystem,
			Namespace: namespace,
			Help:      "Counts number of running jobs killed.",
		}),
		decisionsCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "scheduler_decisions_total",
			Subsystem: subsystem,
			Namespace: namespace,
			Help:      "Counts number of decisions by type.",
		}, []string{"type"}),
		publishFailuresCounter: factory.NewCounter(prometheus.CounterOpts{
			Name:      "scheduler_publish_failures_total",
			Subsystem: subsystem,
			Namespace: namespace,
			Help:      "Counts number of rounds whose decisions could not be published.",
		}),
		roundsCounter: factory.NewCounter(prometheus.CounterOpts{
			Name:      "scheduler_rounds_total",
			Subsystem: subsystem,
			Namespace: namespace,
			Help:      "Counts number of decision rounds.",
		}),
		roundDuration: factory.NewSummary(prometheus.SummaryOpts{
			Name:      "scheduler_round_duration_seconds",
			Subsystem: subsystem,
			Namespace: namespace,
			Help:      "A summary of the duration of decision rounds.",
		}),
		queuedJobsGaugeFunc: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name:      "scheduler_jobs_queued",
			Subsystem: subsystem,
			Namespace: namespace,
			Help:      "Number of waiting jobs, including the priority job.",
		},
			s.getNumQueuedJobs,
		),
		runningJobsGaugeFunc: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name:      "scheduler_jobs_running",
			Subsystem: subsystem,
			Namespace: namespace,
			Help:      "Number of running jobs.",
		},
			s.getNumRunningJobs,
		),
		machinesGaugeFunc: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name:      "scheduler_machines",
			Subsystem: subsystem,
			Namespace: namespace,
			Help:      "Number of machines of the platform.",
		},
			s.getTotalMachines,
		),
		machinesInUseGaugeFunc: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name:      "scheduler_machines_inuse",
			Subsystem: subsystem,
			Namespace: namespace,
			Help:      "Number of machines running a job.",
		},
			s.getNumMachinesInUse,
		),
	}
	m.schedulerInfoGauge.WithLabelValues(config.Version, s.Algorithm.GetName(), s.SchedulerID).Set(1)
	s.Metrics = m
	return nil
}

func (s *Scheduler) getTotalMachines() float64 {
	s.SchedulerLock.RLock()
	defer s.SchedulerLock.RUnlock()

	return float64(s.NbMachines)
}

// getNumQueuedJobs calculates the number of queued or priority jobs.
// It is linear in the number of jobs seen so far.
func (s *Scheduler) getNumQueuedJobs() float64 {
	s.SchedulerLock.RLock()
	defer s.SchedulerLock.RUnlock()

	count := 0
	for _, status := range s.JobStatuses {
		if status == types.JobQueued || status == types.JobPriority {
			count += 1
		}
	}
	return float64(count)
}

func (s *Scheduler) getNumRunningJobs() float64 {
	s.SchedulerLock.RLock()
	defer s.SchedulerLock.RUnlock()

	return float64(len(s.JobMachines))
}

func (s *Scheduler) getNumMachinesInUse() float64 {
	s.SchedulerLock.RLock()
	defer s.SchedulerLock.RUnlock()

	count := 0
	for _, m := range s.JobMachines {
		count += m.Size()
	}
	return float64(count)
}
