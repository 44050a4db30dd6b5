package simulator

import (
	"github.com/heyfey/vodabatch/pkg/common/intervalset"
	"github.com/heyfey/vodabatch/pkg/common/types"
)

type eventKind int

const (
	jobSubmitted eventKind = iota
	jobCompleted
	jobKilled
	machineStateChanged
	machinesUnavailable
	machinesAvailable
	requestedCall
)

func (k eventKind) String() string {
	switch k {
	case jobSubmitted:
		return "job_submitted"
	case jobCompleted:
		return "job_completed"
	case jobKilled:
		return "job_killed"
	case machineStateChanged:
		return "machine_state_changed"
	case machinesUnavailable:
		return "machines_unavailable"
	case machinesAvailable:
		return "machines_available"
	case requestedCall:
		return "requested_call"
	}
	return "unknown"
}

// event is a simulator-internal event.
type event struct {
	time float64
	// Events with equal time are ordered by their sequence number.
	sequenceNumber int
	kind           eventKind
	jobID          string
	reason         types.KillReason
	machines       intervalset.IntervalSet
	state          types.MachineState
	// Maintained by the heap.Interface methods.
	index int
}

type eventLog []event

func (el eventLog) Len() int { return len(el) }

func (el eventLog) Less(i, j int) bool {
	if el[i].time == el[j].time {
		return el[i].sequenceNumber < el[j].sequenceNumber
	}
	return el[i].time < el[j].time
}

func (el eventLog) Swap(i, j int) {
	el[i], el[j] = el[j], el[i]
	el[i].index = i
	el[j].index = j
}

func (el *eventLog) Push(x interface{}) {
	n := len(*el)
	item := x.(event)
	item.index = n
	*el = append(*el, item)
}

func (el *eventLog) Pop() interface{} {
	old := *el
	n := len(old)
	item := old[n-1]
	old[n-1] = event{}
	item.index = -1
	*el = old[0 : n-1]
	return item
}

// Outage withdraws machines from the platform for a while. Jobs running on
// them are killed when the outage starts.
type Outage struct {
	Machines intervalset.IntervalSet
	Start    float64
	Duration float64
}
