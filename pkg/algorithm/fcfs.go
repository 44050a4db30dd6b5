package algorithm

import (
	"github.com/heyfey/vodabatch/pkg/common/options"
	"github.com/heyfey/vodabatch/pkg/common/types"
	"github.com/heyfey/vodabatch/pkg/decision"
	"github.com/heyfey/vodabatch/pkg/selector"
	"github.com/heyfey/vodabatch/pkg/workload"
	"k8s.io/klog/v2"
)

// FCFS starts jobs strictly in submission order: the head of the queue blocks
// every job behind it until it fits. Any selection policy can be used.
type FCFS struct {
	algorithm string
	workload  *workload.Workload
	selector  selector.ResourceSelector
	opts      options.VariantOptions

	pool  *machinePool
	queue *jobQueue
	date  float64
}

func NewFCFS(w *workload.Workload, sel selector.ResourceSelector, opts options.VariantOptions) *FCFS {
	a := &FCFS{
		algorithm: FCFSName,
		workload:  w,
		selector:  sel,
		opts:      opts,
		pool:      newMachinePool(),
		queue:     newJobQueue(),
	}
	return a
}

func (a *FCFS) GetName() string {
	return a.algorithm
}

func (a *FCFS) AllowKillNoticeOverwrite() bool {
	return a.opts.AllowKillNoticeOverwrite
}

func (a *FCFS) OnSimulationStart(date float64, nbMachines int) error {
	if err := a.pool.reset(nbMachines); err != nil {
		return err
	}
	a.queue = newJobQueue()
	a.date = date
	klog.InfoS("Simulation started", "algorithm", a.algorithm, "date", date, "nbMachines", nbMachines, "selector", a.selector.GetName())
	return nil
}

func (a *FCFS) OnSimulationEnd(date float64) {
	klog.InfoS("Simulation ended", "algorithm", a.algorithm, "date", date, "queued", a.queue.Size(), "running", len(a.pool.allocations))
}

func (a *FCFS) MakeDecisions(date float64, events *EventBatch, decisions *decision.Batch) {
	a.date = date

	a.pool.withdraw(events.MachinesUnavailable)
	a.pool.restore(events.MachinesAvailable)

	for _, id := range events.EndedJobs {
		if _, ok := a.pool.release(id); !ok {
			types.Violatef("ended job %s has no allocation", id)
		}
	}
	for _, id := range events.KilledJobIDs() {
		if _, ok := a.pool.release(id); !ok {
			klog.V(4).InfoS("Ignored kill notice of a job that is not running", "algorithm", a.algorithm, "job", id)
		}
	}

	for _, id := range events.ReleasedJobs {
		job := lookupJob(a.workload, id)
		if job.RequestedResources > a.pool.nbMachines {
			decisions.AddRejectJob(id, date, types.RejectNotEnoughResources)
			continue
		}
		a.queue.Enqueue(job)
	}

	for !a.queue.Empty() {
		job := a.queue.Front()
		alloc, ok := a.selector.Fit(job, a.pool.available)
		if !ok {
			break
		}
		decisions.AddExecuteJob(job.ID, alloc, date, nil)
		a.pool.allocate(job.ID, alloc)
		a.queue.PopFront()
	}

	if a.opts.ValidateInvariants {
		a.pool.validate(a.workload)
	}

	klog.V(4).InfoS("Finished making decisions", "algorithm", a.algorithm, "date", date,
		"available", a.pool.available.String(), "queued", a.queue.Size(), "running", len(a.pool.allocations))
}

func (a *FCFS) State() State {
	return State{
		Algorithm:   a.algorithm,
		Date:        a.date,
		NbMachines:  a.pool.nbMachines,
		Available:   a.pool.available,
		Unavailable: a.pool.unavailable,
		Pending:     a.queue.IDs(),
		Allocations: a.pool.allocationsCopy(),
	}
}
