package algorithm

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/heyfey/vodabatch/pkg/common/intervalset"
	"github.com/heyfey/vodabatch/pkg/common/options"
	"github.com/heyfey/vodabatch/pkg/common/types"
	"github.com/heyfey/vodabatch/pkg/decision"
	"github.com/heyfey/vodabatch/pkg/selector"
	"github.com/heyfey/vodabatch/pkg/workload"
	"github.com/pkg/errors"
)

const (
	EasyBackfillingName = "easy_bf"
	FCFSName            = "fcfs"
)

// SchedulingAlgorithm is an interface implemented by things that know how to
// schedule batch jobs. MakeDecisions is called once per round with the events
// accumulated since the previous round, and never concurrently with anything
// else.
type SchedulingAlgorithm interface {
	GetName() string
	OnSimulationStart(date float64, nbMachines int) error
	OnSimulationEnd(date float64)
	MakeDecisions(date float64, events *EventBatch, decisions *decision.Batch)
	// Whether a kill notice may replace another one of the same round
	AllowKillNoticeOverwrite() bool
}

// Inspector is implemented by algorithms that can expose their internal state.
type Inspector interface {
	State() State
}

// NewAlgorithmFactory creates the algorithm of the given variant.
func NewAlgorithmFactory(variant string, w *workload.Workload, sel selector.ResourceSelector, opts options.VariantOptions) (SchedulingAlgorithm, error) {
	if w == nil {
		return nil, errors.New("a workload is required")
	}
	if sel == nil {
		return nil, errors.New("a resource selector is required")
	}
	switch variant {
	case EasyBackfillingName, "easy_bf_fast2":
		if sel.GetName() != selector.PolicyBasic {
			return nil, errors.Errorf("variant %s only supports the %s selection policy, got %s", variant, selector.PolicyBasic, sel.GetName())
		}
		return NewEasyBackfilling(w, sel, opts), nil
	case FCFSName, "fcfs_fast2":
		return NewFCFS(w, sel, opts), nil
	default:
		return nil, errors.Errorf("invalid variant %q, available variants are %v", variant, Variants)
	}
}

// Variants lists the accepted algorithm variants.
var Variants = []string{EasyBackfillingName, FCFSName}

// KillNotice tells the scheduler that a job was killed.
type KillNotice struct {
	JobID  string           `json:"job_id"`
	Reason types.KillReason `json:"reason"`
	// Progress of the job when it was killed, in [0, 1].
	Progress float64 `json:"progress"`
}

// EventBatch accumulates the events delivered between two rounds.
type EventBatch struct {
	ReleasedJobs []string
	EndedJobs    []string
	KilledJobs   map[string]KillNotice
	// Machines that reached a power state, by state
	MachineStateChanges map[types.MachineState]intervalset.IntervalSet
	MachinesAvailable   intervalset.IntervalSet
	MachinesUnavailable intervalset.IntervalSet
	Nopped              bool

	killedOrder           []string
	deferReleasedClearing bool
}

func NewEventBatch() *EventBatch {
	return &EventBatch{
		KilledJobs:          map[string]KillNotice{},
		MachineStateChanges: map[types.MachineState]intervalset.IntervalSet{},
	}
}

func (b *EventBatch) AddReleasedJob(id string) {
	b.ReleasedJobs = append(b.ReleasedJobs, id)
}

func (b *EventBatch) AddEndedJob(id string) {
	b.EndedJobs = append(b.EndedJobs, id)
}

// AddKilledJob records a kill notice. It returns false if the job already has
// a notice this round and overwrite is not allowed.
func (b *EventBatch) AddKilledJob(notice KillNotice, overwrite bool) bool {
	if _, ok := b.KilledJobs[notice.JobID]; ok {
		if !overwrite {
			return false
		}
	} else {
		b.killedOrder = append(b.killedOrder, notice.JobID)
	}
	b.KilledJobs[notice.JobID] = notice
	return true
}

// KilledJobIDs returns the killed jobs in the order they were first noticed.
func (b *EventBatch) KilledJobIDs() []string {
	ids := make([]string, len(b.killedOrder))
	copy(ids, b.killedOrder)
	return ids
}

func (b *EventBatch) AddMachineStateChange(machines intervalset.IntervalSet, state types.MachineState) {
	for s, set := range b.MachineStateChanges {
		if s != state {
			b.MachineStateChanges[s] = set.Difference(machines)
			if b.MachineStateChanges[s].IsEmpty() {
				delete(b.MachineStateChanges, s)
			}
		}
	}
	set := b.MachineStateChanges[state]
	set.Insert(machines)
	b.MachineStateChanges[state] = set
}

func (b *EventBatch) AddMachinesAvailable(machines intervalset.IntervalSet) {
	b.MachinesUnavailable.Remove(machines)
	b.MachinesAvailable.Insert(machines)
}

func (b *EventBatch) AddMachinesUnavailable(machines intervalset.IntervalSet) {
	b.MachinesAvailable.Remove(machines)
	b.MachinesUnavailable.Insert(machines)
}

// DeferReleasedClearing keeps the released jobs of the current round in the
// batch for one more round.
func (b *EventBatch) DeferReleasedClearing() {
	b.deferReleasedClearing = true
}

func (b *EventBatch) ReleasedClearingDeferred() bool {
	return b.deferReleasedClearing
}

// IsEmpty reports whether no event besides a nop was accumulated.
func (b *EventBatch) IsEmpty() bool {
	return len(b.ReleasedJobs) == 0 && len(b.EndedJobs) == 0 && len(b.KilledJobs) == 0 &&
		len(b.MachineStateChanges) == 0 && b.MachinesAvailable.IsEmpty() && b.MachinesUnavailable.IsEmpty()
}

// Clear empties the batch after a round. Released jobs survive if their
// clearing was deferred during that round.
func (b *EventBatch) Clear() {
	if !b.deferReleasedClearing {
		b.ReleasedJobs = nil
	}
	b.deferReleasedClearing = false
	b.EndedJobs = nil
	b.KilledJobs = map[string]KillNotice{}
	b.killedOrder = nil
	b.MachineStateChanges = map[types.MachineState]intervalset.IntervalSet{}
	b.MachinesAvailable = intervalset.IntervalSet{}
	b.MachinesUnavailable = intervalset.IntervalSet{}
	b.Nopped = false
}

// Timestamp is a simulated date that may be infinite.
type Timestamp float64

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if math.IsInf(float64(t), 1) {
		return []byte(`"inf"`), nil
	}
	return json.Marshal(float64(t))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if strings.Trim(string(data), `"`) == "inf" {
		*t = Timestamp(math.Inf(1))
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*t = Timestamp(f)
	return nil
}

// HorizonPoint is a future date at which a running job releases machines.
type HorizonPoint struct {
	Date       Timestamp               `json:"date"`
	NbReleased int                     `json:"nb_released"`
	JobID      string                  `json:"job_id"`
	Machines   intervalset.IntervalSet `json:"machines"`
}

type PriorityJob struct {
	JobID         string    `json:"job_id"`
	ExpectedStart Timestamp `json:"expected_start"`
}

// State is a snapshot of the bookkeeping of an algorithm.
type State struct {
	Algorithm   string                             `json:"algorithm"`
	Date        float64                            `json:"date"`
	NbMachines  int                                `json:"nb_machines"`
	Available   intervalset.IntervalSet            `json:"available"`
	Unavailable intervalset.IntervalSet            `json:"unavailable"`
	Pending     []string                           `json:"pending"`
	Priority    *PriorityJob                       `json:"priority,omitempty"`
	Horizon     []HorizonPoint                     `json:"horizon,omitempty"`
	Allocations map[string]intervalset.IntervalSet `json:"allocations"`
}
