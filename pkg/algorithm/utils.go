package algorithm

import (
	"sort"

	"github.com/heyfey/vodabatch/pkg/common/intervalset"
	"github.com/heyfey/vodabatch/pkg/common/types"
	"github.com/heyfey/vodabatch/pkg/workload"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// machinePool tracks which machines are idle, bound to a job, or withdrawn
// by an external event. Unavailable machines may still run the job they were
// running when they were withdrawn; they are not returned to available when
// that job finishes.
type machinePool struct {
	nbMachines  int
	available   intervalset.IntervalSet
	unavailable intervalset.IntervalSet
	allocations map[string]intervalset.IntervalSet
}

func newMachinePool() *machinePool {
	return &machinePool{allocations: map[string]intervalset.IntervalSet{}}
}

func (p *machinePool) reset(nbMachines int) error {
	if nbMachines <= 0 {
		return errors.Errorf("invalid number of machines %d", nbMachines)
	}
	p.nbMachines = nbMachines
	p.available = intervalset.FromInterval(0, nbMachines-1)
	p.unavailable = intervalset.IntervalSet{}
	p.allocations = map[string]intervalset.IntervalSet{}
	return nil
}

// capacity is the number of machines that are not withdrawn.
func (p *machinePool) capacity() int {
	return p.nbMachines - p.unavailable.Size()
}

func (p *machinePool) allocate(jobID string, machines intervalset.IntervalSet) {
	if _, ok := p.allocations[jobID]; ok {
		types.Violatef("job %s is already running", jobID)
	}
	if !machines.IsSubsetOf(p.available) {
		types.Violatef("job %s allocated on machines %s that are not available (%s)", jobID, machines, p.available)
	}
	p.available.Remove(machines)
	p.allocations[jobID] = machines
}

// release returns the machines of jobID, except withdrawn ones, to available.
func (p *machinePool) release(jobID string) (intervalset.IntervalSet, bool) {
	machines, ok := p.allocations[jobID]
	if !ok {
		return intervalset.IntervalSet{}, false
	}
	delete(p.allocations, jobID)
	p.available.Insert(machines.Difference(p.unavailable))
	return machines, true
}

func (p *machinePool) used() intervalset.IntervalSet {
	var used intervalset.IntervalSet
	for _, m := range p.allocations {
		used.Insert(m)
	}
	return used
}

func (p *machinePool) all() intervalset.IntervalSet {
	return intervalset.FromInterval(0, p.nbMachines-1)
}

// withdraw marks machines as unavailable. Idle ones leave available at once.
func (p *machinePool) withdraw(machines intervalset.IntervalSet) {
	machines = machines.Intersection(p.all())
	if machines.IsEmpty() {
		return
	}
	p.unavailable.Insert(machines)
	p.available.Remove(machines)
	klog.V(4).InfoS("Machines became unavailable", "machines", machines.String(), "unavailable", p.unavailable.String())
}

// restore marks machines as available again. It reports whether any idle
// machine rejoined available.
func (p *machinePool) restore(machines intervalset.IntervalSet) bool {
	machines = machines.Intersection(p.unavailable)
	if machines.IsEmpty() {
		return false
	}
	p.unavailable.Remove(machines)
	idle := machines.Difference(p.used())
	p.available.Insert(idle)
	klog.V(4).InfoS("Machines became available", "machines", machines.String(), "idle", idle.String())
	return !idle.IsEmpty()
}

func (p *machinePool) allocationsCopy() map[string]intervalset.IntervalSet {
	cp := make(map[string]intervalset.IntervalSet, len(p.allocations))
	for id, m := range p.allocations {
		cp[id] = m
	}
	return cp
}

// validate panics if the machine bookkeeping is inconsistent: available,
// withdrawn and allocated machines must cover the platform, available must be
// disjoint from the rest, allocations must be pairwise disjoint and exactly as
// large as requested.
func (p *machinePool) validate(w *workload.Workload) {
	if p.available.Overlaps(p.unavailable) {
		types.Violatef("machines %s are both available and unavailable", p.available.Intersection(p.unavailable))
	}

	ids := make([]string, 0, len(p.allocations))
	for id := range p.allocations {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var used intervalset.IntervalSet
	for _, id := range ids {
		m := p.allocations[id]
		job, err := w.Job(id)
		if err != nil {
			types.Violatef("allocation of unknown job %s", id)
		}
		if m.Size() != job.RequestedResources {
			types.Violatef("job %s requested %d machines but got %d (%s)", id, job.RequestedResources, m.Size(), m)
		}
		if m.Overlaps(used) {
			types.Violatef("allocation %s of job %s overlaps another allocation", m, id)
		}
		if m.Overlaps(p.available) {
			types.Violatef("allocation %s of job %s overlaps available machines %s", m, id, p.available)
		}
		used.Insert(m)
	}

	covered := p.available.Union(used).Union(p.unavailable)
	if !covered.IsSubsetOf(p.all()) {
		types.Violatef("unknown machines %s", covered.Difference(p.all()))
	}
	if !covered.Equal(p.all()) {
		types.Violatef("machines %s are neither available, allocated nor unavailable", p.all().Difference(covered))
	}
}

// lookupJob finds a job of the workload, an unknown id means the event source
// and the workload disagree.
func lookupJob(w *workload.Workload, id string) *workload.Job {
	job, err := w.Job(id)
	if err != nil {
		types.Violatef("%v", err)
	}
	return job
}
