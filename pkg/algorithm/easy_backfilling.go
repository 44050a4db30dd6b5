package algorithm

import (
	"math"

	"github.com/heyfey/vodabatch/pkg/common/intervalset"
	"github.com/heyfey/vodabatch/pkg/common/options"
	"github.com/heyfey/vodabatch/pkg/common/types"
	"github.com/heyfey/vodabatch/pkg/decision"
	"github.com/heyfey/vodabatch/pkg/selector"
	"github.com/heyfey/vodabatch/pkg/workload"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"
)

// Implementation of the EASY backfilling scheduling algorithm presented in
// Lifka, David A. "The ANL/IBM SP scheduling system."
// Workshop on Job Scheduling Strategies for Parallel Processing. Springer, 1995.
//
// This variant only handles the FCFS queue order, the basic resource
// selection policy and one priority job. The expected start of the priority
// job is computed once, when the job becomes priority, and is not updated when
// the horizon changes afterwards.

type EasyBackfilling struct {
	algorithm string
	workload  *workload.Workload
	selector  selector.ResourceSelector
	opts      options.VariantOptions

	pool    *machinePool
	pending *jobQueue
	// Running jobs by expected completion date, ascending
	horizon []HorizonPoint

	priority              *workload.Job
	priorityExpectedStart float64

	date float64
}

func NewEasyBackfilling(w *workload.Workload, sel selector.ResourceSelector, opts options.VariantOptions) *EasyBackfilling {
	a := &EasyBackfilling{
		algorithm: EasyBackfillingName,
		workload:  w,
		selector:  sel,
		opts:      opts,
		pool:      newMachinePool(),
		pending:   newJobQueue(),
		horizon:   make([]HorizonPoint, 0),
	}
	return a
}

func (a *EasyBackfilling) GetName() string {
	return a.algorithm
}

func (a *EasyBackfilling) AllowKillNoticeOverwrite() bool {
	return a.opts.AllowKillNoticeOverwrite
}

func (a *EasyBackfilling) OnSimulationStart(date float64, nbMachines int) error {
	if err := a.pool.reset(nbMachines); err != nil {
		return err
	}
	a.pending = newJobQueue()
	a.horizon = make([]HorizonPoint, 0)
	a.priority = nil
	a.priorityExpectedStart = 0
	a.date = date
	klog.InfoS("Simulation started", "algorithm", a.algorithm, "date", date, "nbMachines", nbMachines, "selector", a.selector.GetName())
	return nil
}

func (a *EasyBackfilling) OnSimulationEnd(date float64) {
	klog.InfoS("Simulation ended", "algorithm", a.algorithm, "date", date, "pending", a.pending.Size(), "running", len(a.pool.allocations))
}

func (a *EasyBackfilling) MakeDecisions(date float64, events *EventBatch, decisions *decision.Batch) {
	a.date = date
	klog.V(5).InfoS("Started making decisions", "algorithm", a.algorithm, "date", date,
		"released", events.ReleasedJobs, "ended", events.EndedJobs, "killed", events.KilledJobIDs())

	a.pool.withdraw(events.MachinesUnavailable)
	machinesCameBack := a.pool.restore(events.MachinesAvailable)

	// The priority job cannot keep its reservation if the platform shrank
	// below its requirement.
	priorityPushedBack := false
	if a.priority != nil && a.priority.RequestedResources > a.pool.capacity() {
		klog.V(4).InfoS("Priority job no longer fits the platform", "algorithm", a.algorithm, "job", a.priority.ID, "capacity", a.pool.capacity())
		a.pending.PushFront(a.priority)
		a.priority = nil
		priorityPushedBack = true
	}

	jobEnded := a.handleFinishedJobs(events.EndedJobs, events.KilledJobIDs())

	if jobEnded || machinesCameBack || priorityPushedBack {
		a.handleMachinesReleased(date, decisions)
	}

	a.handleNewlyReleasedJobs(date, events.ReleasedJobs, decisions)

	if a.opts.ValidateInvariants {
		a.validate()
	}

	klog.V(4).InfoS("Finished making decisions", "algorithm", a.algorithm, "date", date,
		"available", a.pool.available.String(), "pending", a.pending.Size(), "running", len(a.pool.allocations), "priority", a.priorityID())
}

// handleFinishedJobs returns the machines of ended and killed jobs. It reports
// whether any machine was released.
func (a *EasyBackfilling) handleFinishedJobs(ended, killed []string) bool {
	released := false
	for _, id := range ended {
		if _, ok := a.pool.release(id); !ok {
			types.Violatef("ended job %s has no allocation", id)
		}
		a.eraseHorizonPoint(id)
		released = true
	}
	for _, id := range killed {
		if _, ok := a.pool.release(id); !ok {
			// Already ended or never started
			klog.V(4).InfoS("Ignored kill notice of a job that is not running", "algorithm", a.algorithm, "job", id)
			continue
		}
		a.eraseHorizonPoint(id)
		released = true
	}
	return released
}

// handleMachinesReleased starts the priority job if it fits, then the pending
// jobs in FCFS order until one does not fit, which becomes the new priority
// job. The remaining pending jobs are then backfilled.
func (a *EasyBackfilling) handleMachinesReleased(date float64, decisions *decision.Batch) {
	if a.priority != nil {
		if alloc, ok := a.selector.Fit(a.priority, a.pool.available); ok {
			a.startJob(a.priority, alloc, date, decisions)
			a.priority = nil
		}
	}

	if a.priority == nil {
		stopped := false
		a.pending.Retain(func(job *workload.Job) bool {
			if stopped {
				return true
			}
			if alloc, ok := a.selector.Fit(job, a.pool.available); ok {
				a.startJob(job, alloc, date, decisions)
				return false
			}
			if job.RequestedResources <= a.pool.capacity() {
				a.setPriority(job)
				stopped = true
				return false
			}
			// Waits for withdrawn machines to come back
			return true
		})
	}

	if a.priority != nil {
		a.backfill(date, decisions)
	}
}

// backfill starts every pending job that fits now and completes before the
// expected start of the priority job.
func (a *EasyBackfilling) backfill(date float64, decisions *decision.Batch) {
	a.pending.Retain(func(job *workload.Job) bool {
		if a.pool.available.IsEmpty() {
			return true
		}
		if date+job.Walltime > a.priorityExpectedStart {
			return true
		}
		alloc, ok := a.selector.Fit(job, a.pool.available)
		if !ok {
			return true
		}
		klog.V(5).InfoS("Backfilled job", "algorithm", a.algorithm, "job", job.ID, "priority", a.priority.ID, "expectedStart", a.priorityExpectedStart)
		a.startJob(job, alloc, date, decisions)
		return false
	})
}

func (a *EasyBackfilling) handleNewlyReleasedJobs(date float64, released []string, decisions *decision.Batch) {
	for _, id := range released {
		job := lookupJob(a.workload, id)

		if job.RequestedResources > a.pool.nbMachines {
			klog.V(4).InfoS("Rejected job larger than the platform", "algorithm", a.algorithm, "job", id, "requested", job.RequestedResources, "nbMachines", a.pool.nbMachines)
			decisions.AddRejectJob(id, date, types.RejectNotEnoughResources)
			continue
		}

		if alloc, ok := a.selector.Fit(job, a.pool.available); ok {
			if a.priority == nil || date+job.Walltime <= a.priorityExpectedStart {
				a.startJob(job, alloc, date, decisions)
				continue
			}
		}

		if a.priority == nil && job.RequestedResources <= a.pool.capacity() {
			a.setPriority(job)
			continue
		}
		a.pending.Enqueue(job)
	}
}

func (a *EasyBackfilling) startJob(job *workload.Job, alloc intervalset.IntervalSet, date float64, decisions *decision.Batch) {
	decisions.AddExecuteJob(job.ID, alloc, date, nil)
	a.pool.allocate(job.ID, alloc)
	a.insertHorizonPoint(HorizonPoint{
		Date:       Timestamp(date + job.Walltime),
		NbReleased: alloc.Size(),
		JobID:      job.ID,
		Machines:   alloc,
	})
}

func (a *EasyBackfilling) setPriority(job *workload.Job) {
	a.priority = job
	a.priorityExpectedStart = a.expectedStart(job)
	klog.V(4).InfoS("New priority job", "algorithm", a.algorithm, "job", job.ID, "expectedStart", a.priorityExpectedStart)
}

// expectedStart walks the horizon until enough machines are released for
// job. Machines that were withdrawn are not counted.
func (a *EasyBackfilling) expectedStart(job *workload.Job) float64 {
	nbAvailable := a.pool.available.Size()
	if nbAvailable >= job.RequestedResources {
		return a.date
	}
	for _, p := range a.horizon {
		nbAvailable += p.Machines.Difference(a.pool.unavailable).Size()
		if nbAvailable >= job.RequestedResources {
			return float64(p.Date)
		}
	}
	types.Violatef("job %s will never be executable: it requests %d machines, at most %d will be available",
		job.ID, job.RequestedResources, nbAvailable)
	return math.Inf(1)
}

// insertHorizonPoint keeps the horizon sorted by date, after the points of
// the same date.
func (a *EasyBackfilling) insertHorizonPoint(p HorizonPoint) {
	i := 0
	for i < len(a.horizon) && a.horizon[i].Date <= p.Date {
		i++
	}
	a.horizon = slices.Insert(a.horizon, i, p)
}

func (a *EasyBackfilling) eraseHorizonPoint(jobID string) {
	i := slices.IndexFunc(a.horizon, func(p HorizonPoint) bool {
		return p.JobID == jobID
	})
	if i < 0 {
		types.Violatef("job %s has no horizon point", jobID)
	}
	a.horizon = slices.Delete(a.horizon, i, i+1)
}

func (a *EasyBackfilling) priorityID() string {
	if a.priority == nil {
		return ""
	}
	return a.priority.ID
}

func (a *EasyBackfilling) validate() {
	a.pool.validate(a.workload)

	if len(a.horizon) != len(a.pool.allocations) {
		types.Violatef("%d horizon points for %d running jobs", len(a.horizon), len(a.pool.allocations))
	}
	for i, p := range a.horizon {
		if i > 0 && a.horizon[i-1].Date > p.Date {
			types.Violatef("horizon is not sorted at point %d (%v > %v)", i, a.horizon[i-1].Date, p.Date)
		}
		if p.NbReleased <= 0 {
			types.Violatef("horizon point of job %s releases %d machines", p.JobID, p.NbReleased)
		}
		if m, ok := a.pool.allocations[p.JobID]; !ok || !m.Equal(p.Machines) {
			types.Violatef("horizon point of job %s does not match its allocation", p.JobID)
		}
	}

	if a.priority != nil {
		if a.pending.Contains(a.priority.ID) {
			types.Violatef("priority job %s is also pending", a.priority.ID)
		}
		if _, ok := a.pool.allocations[a.priority.ID]; ok {
			types.Violatef("priority job %s is running", a.priority.ID)
		}
	}
	seen := map[string]bool{}
	for _, id := range a.pending.IDs() {
		if seen[id] {
			types.Violatef("job %s is pending twice", id)
		}
		if _, ok := a.pool.allocations[id]; ok {
			types.Violatef("pending job %s is running", id)
		}
		seen[id] = true
	}
}

func (a *EasyBackfilling) State() State {
	s := State{
		Algorithm:   a.algorithm,
		Date:        a.date,
		NbMachines:  a.pool.nbMachines,
		Available:   a.pool.available,
		Unavailable: a.pool.unavailable,
		Pending:     a.pending.IDs(),
		Horizon:     make([]HorizonPoint, len(a.horizon)),
		Allocations: a.pool.allocationsCopy(),
	}
	copy(s.Horizon, a.horizon)
	if a.priority != nil {
		s.Priority = &PriorityJob{JobID: a.priority.ID, ExpectedStart: Timestamp(a.priorityExpectedStart)}
	}
	return s
}
