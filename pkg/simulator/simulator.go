// Package simulator replays a workload against a scheduler in simulated time.
package simulator

import (
	"container/heap"
	"context"
	"math"
	"time"

	"github.com/heyfey/vodabatch/pkg/algorithm"
	"github.com/heyfey/vodabatch/pkg/common/intervalset"
	"github.com/heyfey/vodabatch/pkg/common/options"
	"github.com/heyfey/vodabatch/pkg/common/types"
	"github.com/heyfey/vodabatch/pkg/decision"
	"github.com/heyfey/vodabatch/pkg/scheduler"
	"github.com/heyfey/vodabatch/pkg/workload"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"
)

// Simulator plays the resource and job management system: it submits the
// jobs of a workload, executes the decisions of the scheduler, and reports
// job completions, kills and machine events back to it.
type Simulator struct {
	workload   *workload.Workload
	scheduler  *scheduler.Scheduler
	opts       options.VariantOptions
	nbMachines int
	outages    []Outage

	eventLog       eventLog
	sequenceNumber int
	time           float64
	rounds         int
	ran            bool

	// Machines of each running job
	running map[string]intervalset.IntervalSet
	// Jobs with a kill in flight
	killing map[string]bool
	busy    intervalset.IntervalSet
	down    intervalset.IntervalSet
	jobs    map[string]*JobReport
}

func NewSimulator(w *workload.Workload, s *scheduler.Scheduler, opts options.VariantOptions, nbMachines int, outages ...Outage) (*Simulator, error) {
	if w == nil || s == nil {
		return nil, errors.New("a workload and a scheduler are required")
	}
	if nbMachines <= 0 {
		return nil, errors.Errorf("invalid number of machines %d", nbMachines)
	}
	platform := intervalset.FromInterval(0, nbMachines-1)
	for _, o := range outages {
		if o.Machines.IsEmpty() || !o.Machines.IsSubsetOf(platform) {
			return nil, errors.Errorf("outage machines %q are not a non-empty subset of %s", o.Machines, platform)
		}
		if o.Start < 0 || o.Duration <= 0 {
			return nil, errors.Errorf("invalid outage of %s at %v for %v", o.Machines, o.Start, o.Duration)
		}
	}
	return &Simulator{
		workload:   w,
		scheduler:  s,
		opts:       opts,
		nbMachines: nbMachines,
		outages:    outages,
		running:    map[string]intervalset.IntervalSet{},
		killing:    map[string]bool{},
		jobs:       map[string]*JobReport{},
	}, nil
}

// Now returns the current simulated time.
func (s *Simulator) Now() float64 {
	return s.time
}

// Run replays the workload until no event is left. Every event sharing a
// timestamp is delivered before the decision round at that timestamp.
func (s *Simulator) Run(ctx context.Context) (*Report, error) {
	if s.ran {
		return nil, errors.New("simulation already ran")
	}
	s.ran = true
	startTime := time.Now()

	s.bootstrap()
	if err := s.scheduler.OnSimulationStart(s.time, s.nbMachines); err != nil {
		return nil, err
	}

	for s.eventLog.Len() > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := s.eventLog[0].time
		s.time = now
		onlyCalls := true
		for s.eventLog.Len() > 0 && s.eventLog[0].time == now {
			e := heap.Pop(&s.eventLog).(event)
			if e.kind != requestedCall {
				onlyCalls = false
			}
			if err := s.handleEvent(e); err != nil {
				return nil, err
			}
		}
		if onlyCalls && !s.opts.CallMakeDecisionsOnSingleNop {
			klog.V(5).InfoS("Skipped round woken up by a requested call only", "date", now)
			continue
		}

		batch, err := s.scheduler.MakeDecisions(now)
		if err != nil {
			return nil, errors.Wrapf(err, "simulation stopped at %v", now)
		}
		s.rounds++
		if err := s.applyDecisions(batch); err != nil {
			return nil, errors.Wrapf(err, "invalid decisions at %v", now)
		}
	}
	s.scheduler.OnSimulationEnd(s.time)

	report := s.report()
	klog.InfoS("Simulation finished", "algorithm", report.Algorithm, "jobs", report.NbJobs, "makespan", report.Makespan,
		"rounds", report.Rounds, "duration", time.Since(startTime))
	return report, nil
}

func (s *Simulator) bootstrap() {
	for _, job := range s.workload.SortedBySubmission() {
		s.jobs[job.ID] = &JobReport{
			ID:                 job.ID,
			Status:             types.JobReleased,
			RequestedResources: job.RequestedResources,
			SubmissionTime:     job.SubmissionTime,
		}
		s.push(event{time: job.SubmissionTime, kind: jobSubmitted, jobID: job.ID})
	}
	for _, o := range s.outages {
		s.push(event{time: o.Start, kind: machinesUnavailable, machines: o.Machines})
		s.push(event{time: o.Start + o.Duration, kind: machinesAvailable, machines: o.Machines})
	}
}

func (s *Simulator) push(e event) {
	e.sequenceNumber = s.sequenceNumber
	s.sequenceNumber++
	heap.Push(&s.eventLog, e)
}

func (s *Simulator) handleEvent(e event) error {
	klog.V(5).InfoS("Handling event", "event", e.kind.String(), "job", e.jobID, "date", e.time)
	switch e.kind {
	case jobSubmitted:
		s.scheduler.OnJobRelease(e.jobID)
	case jobCompleted:
		if !s.finish(e.jobID, types.JobEnded) {
			// The job was killed first
			return nil
		}
		s.scheduler.OnJobEnd(e.jobID)
	case jobKilled:
		s.kill(e.jobID, e.reason)
	case machineStateChanged:
		s.scheduler.OnMachineStateChanged(e.machines, e.state)
	case machinesUnavailable:
		s.down.Insert(e.machines)
		ids := make([]string, 0)
		for id, m := range s.running {
			if m.Overlaps(e.machines) {
				ids = append(ids, id)
			}
		}
		slices.Sort(ids)
		for _, id := range ids {
			s.kill(id, types.KillFixedFailure)
		}
		s.scheduler.OnMachineUnavailable(e.machines)
	case machinesAvailable:
		s.down.Remove(e.machines)
		s.scheduler.OnMachineAvailable(e.machines)
	case requestedCall:
		s.scheduler.OnNop()
	default:
		return errors.Errorf("unknown event %d", e.kind)
	}
	return nil
}

func (s *Simulator) kill(id string, reason types.KillReason) {
	machines, ok := s.running[id]
	if !ok {
		return
	}
	r := s.jobs[id]
	progress := 0.0
	switch runtime := s.workload.Runtime(s.workload.MustJob(id)); {
	case runtime == 0:
		progress = 1
	case !math.IsInf(runtime, 1):
		progress = math.Min((s.time-*r.StartTime)/runtime, 1)
	}
	s.finish(id, types.JobKilled)
	r.KillReason = reason
	klog.V(4).InfoS("Job killed", "job", id, "reason", reason, "machines", machines.String(), "date", s.time)
	s.scheduler.OnJobKilled(algorithm.KillNotice{JobID: id, Reason: reason, Progress: progress})
}

// finish releases the machines of a running job. It reports false if the job
// was not running.
func (s *Simulator) finish(id string, status types.JobStatusType) bool {
	machines, ok := s.running[id]
	if !ok {
		return false
	}
	delete(s.running, id)
	delete(s.killing, id)
	s.busy.Remove(machines)

	r := s.jobs[id]
	r.Status = status
	finish := s.time
	r.FinishTime = &finish
	return true
}

func (s *Simulator) applyDecisions(batch *decision.Batch) error {
	for _, d := range batch.Decisions() {
		switch d.Type {
		case decision.ExecuteJob:
			if err := s.execute(d.JobID(), *d.Machines); err != nil {
				return err
			}
		case decision.RejectJob:
			r, ok := s.jobs[d.JobID()]
			if !ok {
				return errors.Errorf("rejected unknown job %q", d.JobID())
			}
			r.Status = types.JobRejected
			r.RejectReason = d.Reason
		case decision.KillJob:
			for _, id := range d.JobIDs {
				if _, ok := s.running[id]; !ok || s.killing[id] {
					continue
				}
				s.killing[id] = true
				s.push(event{time: s.time + s.opts.RJMSDelay, kind: jobKilled, jobID: id, reason: types.KillNone})
			}
		case decision.SetResourceState:
			s.push(event{time: s.time + s.opts.RJMSDelay, kind: machineStateChanged, machines: *d.Machines, state: d.State})
		case decision.CallMeLater:
			s.push(event{time: d.FutureDate, kind: requestedCall})
		}
	}
	return nil
}

// execute binds a job to machines. Decisions that would run two jobs on one
// machine, or a job on a missing machine, are errors.
func (s *Simulator) execute(id string, machines intervalset.IntervalSet) error {
	job, err := s.workload.Job(id)
	if err != nil {
		return err
	}
	r := s.jobs[id]
	if r == nil || r.StartTime != nil {
		return errors.Errorf("job %q executed twice", id)
	}
	if machines.Size() != job.RequestedResources {
		return errors.Errorf("job %q requested %d machines but was executed on %s", id, job.RequestedResources, machines)
	}
	if !machines.IsSubsetOf(intervalset.FromInterval(0, s.nbMachines-1)) {
		return errors.Errorf("job %q executed on unknown machines %s", id, machines)
	}
	if machines.Overlaps(s.busy) {
		return errors.Errorf("job %q executed on busy machines %s", id, machines.Intersection(s.busy))
	}
	if machines.Overlaps(s.down) {
		return errors.Errorf("job %q executed on unavailable machines %s", id, machines.Intersection(s.down))
	}

	s.busy.Insert(machines)
	s.running[id] = machines
	start := s.time
	r.StartTime = &start
	r.Machines = machines
	r.Status = types.JobRunning

	runtime := s.workload.Runtime(job)
	if !math.IsInf(runtime, 1) {
		s.push(event{time: s.time + runtime, kind: jobCompleted, jobID: id})
		r.WalltimeReached = s.profileRuntime(job) > job.Walltime
	}
	return nil
}

// profileRuntime is the runtime of the job without walltime enforcement.
func (s *Simulator) profileRuntime(job *workload.Job) float64 {
	if p, ok := s.workload.Profiles[job.Profile]; ok && p.Type == "delay" {
		return p.Delay
	}
	return job.Walltime
}
