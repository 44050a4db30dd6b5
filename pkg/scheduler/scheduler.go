package scheduler

import (
	"sync"
	"time"

	"github.com/heyfey/vodabatch/pkg/algorithm"
	"github.com/heyfey/vodabatch/pkg/common/intervalset"
	"github.com/heyfey/vodabatch/pkg/common/types"
	"github.com/heyfey/vodabatch/pkg/decision"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

// Scheduler accumulates the events of the resource and job management system
// between two decision rounds, and hands them to its algorithm once per round.
// Events and rounds must be delivered by a single goroutine; the lock only
// protects readers such as metrics and the HTTP service.
type Scheduler struct {
	SchedulerID string
	NbMachines  int

	// Algorithm is an interface implemented by things that know how to schedule batch jobs
	Algorithm  algorithm.SchedulingAlgorithm
	publishers []decision.Publisher

	events *algorithm.EventBatch
	// Status of each job seen so far
	JobStatuses map[string]types.JobStatusType
	// Machines of each running job
	JobMachines map[string]intervalset.IntervalSet
	// SchedulerLock is used to protect JobStatuses, JobMachines and the algorithm state
	SchedulerLock sync.RWMutex

	started  bool
	ended    bool
	lastDate float64
	round    int

	Metrics SchedulerMetrics
}

// NewScheduler creates a new scheduler. Metrics are registered to registerer.
func NewScheduler(id string, algo algorithm.SchedulingAlgorithm, registerer prometheus.Registerer, publishers ...decision.Publisher) (*Scheduler, error) {
	if algo == nil {
		return nil, errors.New("a scheduling algorithm is required")
	}
	s := &Scheduler{
		SchedulerID: id,
		Algorithm:   algo,
		publishers:  publishers,
		events:      algorithm.NewEventBatch(),
		JobStatuses: map[string]types.JobStatusType{},
		JobMachines: map[string]intervalset.IntervalSet{},
	}
	if err := s.initSchedulerMetrics(registerer); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) OnSimulationStart(date float64, nbMachines int) error {
	s.SchedulerLock.Lock()
	defer s.SchedulerLock.Unlock()

	if s.started {
		return errors.New("simulation already started")
	}
	if err := s.Algorithm.OnSimulationStart(date, nbMachines); err != nil {
		return errors.Wrap(err, "failed to start the scheduling algorithm")
	}
	s.NbMachines = nbMachines
	s.started = true
	s.lastDate = date
	klog.InfoS("Started scheduler", "scheduler", s.SchedulerID, "algorithm", s.Algorithm.GetName(), "nbMachines", nbMachines, "date", date)
	return nil
}

func (s *Scheduler) OnSimulationEnd(date float64) {
	s.SchedulerLock.Lock()
	defer s.SchedulerLock.Unlock()

	s.ended = true
	s.Algorithm.OnSimulationEnd(date)
	klog.InfoS("Stopped scheduler", "scheduler", s.SchedulerID, "date", date, "rounds", s.round)
}

func (s *Scheduler) OnJobRelease(id string) {
	s.SchedulerLock.Lock()
	defer s.SchedulerLock.Unlock()

	s.events.AddReleasedJob(id)
	s.JobStatuses[id] = types.JobReleased
	s.Metrics.jobsReleasedCounter.Inc()
	klog.V(5).InfoS("Job released", "job", id, "scheduler", s.SchedulerID)
}

func (s *Scheduler) OnJobEnd(id string) {
	s.SchedulerLock.Lock()
	defer s.SchedulerLock.Unlock()

	s.events.AddEndedJob(id)
	klog.V(5).InfoS("Job ended", "job", id, "scheduler", s.SchedulerID)
}

// OnJobKilled records a kill notice. A second notice for the same job in the
// same round is dropped unless the algorithm allows overwriting it.
func (s *Scheduler) OnJobKilled(notice algorithm.KillNotice) {
	s.SchedulerLock.Lock()
	defer s.SchedulerLock.Unlock()

	if !s.events.AddKilledJob(notice, s.Algorithm.AllowKillNoticeOverwrite()) {
		klog.V(4).InfoS("Dropped duplicate kill notice", "job", notice.JobID, "reason", notice.Reason, "scheduler", s.SchedulerID)
		return
	}
	klog.V(5).InfoS("Job killed", "job", notice.JobID, "reason", notice.Reason, "scheduler", s.SchedulerID)
}

func (s *Scheduler) OnMachineStateChanged(machines intervalset.IntervalSet, state types.MachineState) {
	s.SchedulerLock.Lock()
	defer s.SchedulerLock.Unlock()

	s.events.AddMachineStateChange(machines, state)
}

func (s *Scheduler) OnMachineAvailable(machines intervalset.IntervalSet) {
	s.SchedulerLock.Lock()
	defer s.SchedulerLock.Unlock()

	s.events.AddMachinesAvailable(machines)
}

func (s *Scheduler) OnMachineUnavailable(machines intervalset.IntervalSet) {
	s.SchedulerLock.Lock()
	defer s.SchedulerLock.Unlock()

	s.events.AddMachinesUnavailable(machines)
}

func (s *Scheduler) OnNop() {
	s.SchedulerLock.Lock()
	defer s.SchedulerLock.Unlock()

	s.events.Nopped = true
}

// MakeDecisions runs one decision round at date with the events accumulated
// since the previous round. An invariant violation inside the algorithm is
// returned as an error matching types.ErrInvariantViolation.
func (s *Scheduler) MakeDecisions(date float64) (batch *decision.Batch, err error) {
	s.SchedulerLock.Lock()
	defer s.SchedulerLock.Unlock()

	if !s.started {
		return nil, errors.New("simulation not started")
	}
	if s.ended {
		return nil, errors.New("simulation already ended")
	}
	if date < s.lastDate {
		return nil, errors.Errorf("round at %v is before the previous round at %v", date, s.lastDate)
	}

	start := time.Now()
	batch = decision.NewBatch()
	if err := s.runAlgorithm(date, batch); err != nil {
		klog.ErrorS(err, "Scheduling algorithm failed", "scheduler", s.SchedulerID, "algorithm", s.Algorithm.GetName(), "round", s.round, "date", date)
		return nil, err
	}
	s.Metrics.roundDuration.Observe(time.Since(start).Seconds())
	s.Metrics.roundsCounter.Inc()

	s.updateJobStatuses(batch)
	s.events.Clear()
	s.lastDate = date
	round := s.round
	s.round++

	klog.V(4).InfoS("Finished decision round", "scheduler", s.SchedulerID, "round", round, "date", date, "decisions", batch.Len())

	if batch.IsEmpty() {
		return batch, nil
	}
	decisions := batch.Decisions()
	for _, p := range s.publishers {
		if err := p.Publish(round, decisions); err != nil {
			s.Metrics.publishFailuresCounter.Inc()
			return batch, errors.Wrapf(err, "failed to publish decisions of round %d", round)
		}
	}
	return batch, nil
}

func (s *Scheduler) runAlgorithm(date float64, batch *decision.Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			v, ok := r.(types.InvariantViolation)
			if !ok {
				panic(r)
			}
			err = errors.Wrapf(v, "round %d at %v", s.round, date)
		}
	}()
	s.Algorithm.MakeDecisions(date, s.events, batch)
	return nil
}

func (s *Scheduler) updateJobStatuses(batch *decision.Batch) {
	for _, id := range s.events.EndedJobs {
		s.JobStatuses[id] = types.JobEnded
		delete(s.JobMachines, id)
		s.Metrics.jobsEndedCounter.Inc()
	}
	for _, id := range s.events.KilledJobIDs() {
		if s.JobStatuses[id] == types.JobRunning {
			s.JobStatuses[id] = types.JobKilled
			delete(s.JobMachines, id)
			s.Metrics.jobsKilledCounter.Inc()
		}
	}
	for _, d := range batch.Decisions() {
		s.Metrics.decisionsCounter.WithLabelValues(string(d.Type)).Inc()
		switch d.Type {
		case decision.ExecuteJob:
			s.JobStatuses[d.JobID()] = types.JobRunning
			s.JobMachines[d.JobID()] = *d.Machines
		case decision.RejectJob:
			s.JobStatuses[d.JobID()] = types.JobRejected
		}
	}

	priority := ""
	if inspector, ok := s.Algorithm.(algorithm.Inspector); ok {
		if p := inspector.State().Priority; p != nil {
			priority = p.JobID
		}
	}
	for id, status := range s.JobStatuses {
		switch {
		case id == priority:
			s.JobStatuses[id] = types.JobPriority
		case status == types.JobReleased || status == types.JobPriority:
			s.JobStatuses[id] = types.JobQueued
		}
	}
}

// State returns the state of the algorithm if it can be inspected.
func (s *Scheduler) State() (algorithm.State, bool) {
	s.SchedulerLock.RLock()
	defer s.SchedulerLock.RUnlock()

	inspector, ok := s.Algorithm.(algorithm.Inspector)
	if !ok {
		return algorithm.State{}, false
	}
	return inspector.State(), true
}

// Round returns the number of rounds run so far.
func (s *Scheduler) Round() int {
	s.SchedulerLock.RLock()
	defer s.SchedulerLock.RUnlock()

	return s.round
}

// JobStatus returns the status of a job, false if the job was never released.
func (s *Scheduler) JobStatus(id string) (types.JobStatusType, bool) {
	s.SchedulerLock.RLock()
	defer s.SchedulerLock.RUnlock()

	status, ok := s.JobStatuses[id]
	return status, ok
}
