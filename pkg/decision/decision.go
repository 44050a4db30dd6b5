// Package decision holds the commands a scheduling round emits.
package decision

import (
	"encoding/json"
	"io"
	"math"

	"github.com/heyfey/vodabatch/pkg/common/intervalset"
	"github.com/heyfey/vodabatch/pkg/common/types"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type Type string

const (
	ExecuteJob       Type = "execute_job"
	RejectJob        Type = "reject_job"
	KillJob          Type = "kill_job"
	SetResourceState Type = "set_resource_state"
	CallMeLater      Type = "call_me_later"
)

// Decision is a single command for the resource and job management system.
type Decision struct {
	Type Type    `bson:"type" json:"type"`
	Date float64 `bson:"date" json:"date"`
	// JobIDs holds one id, except for kills.
	JobIDs   []string                 `bson:"job_ids,omitempty" json:"job_ids,omitempty"`
	Machines *intervalset.IntervalSet `bson:"-" json:"machines,omitempty"`
	// MachinesText is Machines in hyphen notation, for stores that do not
	// use the JSON codec.
	MachinesText string             `bson:"machines,omitempty" json:"-"`
	State        types.MachineState `bson:"state,omitempty" json:"state,omitempty"`
	// Mapping optionally maps executor i to the i-th machine it runs on.
	Mapping    []int              `bson:"mapping,omitempty" json:"mapping,omitempty"`
	FutureDate float64            `bson:"future_date,omitempty" json:"future_date,omitempty"`
	Reason     types.RejectReason `bson:"reason,omitempty" json:"reason,omitempty"`
}

// JobID returns the first job id of the decision.
func (d Decision) JobID() string {
	if len(d.JobIDs) == 0 {
		return ""
	}
	return d.JobIDs[0]
}

// Batch collects the decisions of one round in emission order. Dates never go
// backwards within a batch.
type Batch struct {
	decisions []Decision
	lastDate  float64
}

func NewBatch() *Batch {
	return &Batch{lastDate: math.Inf(-1)}
}

func (b *Batch) add(d Decision) {
	if d.Date < b.lastDate {
		types.Violatef("decision %s at %v emitted after a decision at %v", d.Type, d.Date, b.lastDate)
	}
	b.lastDate = d.Date
	if d.Machines != nil {
		d.MachinesText = d.Machines.String()
	}
	b.decisions = append(b.decisions, d)
}

// AddExecuteJob starts jobID on machines. mapping may be nil.
func (b *Batch) AddExecuteJob(jobID string, machines intervalset.IntervalSet, date float64, mapping []int) {
	if machines.IsEmpty() {
		types.Violatef("job %s executed on no machine", jobID)
	}
	b.add(Decision{Type: ExecuteJob, Date: date, JobIDs: []string{jobID}, Machines: &machines, Mapping: mapping})
	klog.V(5).InfoS("Made decision to execute job", "job", jobID, "machines", machines.String(), "date", date)
}

func (b *Batch) AddRejectJob(jobID string, date float64, reason types.RejectReason) {
	b.add(Decision{Type: RejectJob, Date: date, JobIDs: []string{jobID}, Reason: reason})
	klog.V(5).InfoS("Made decision to reject job", "job", jobID, "reason", reason, "date", date)
}

func (b *Batch) AddKillJob(jobIDs []string, date float64) {
	ids := make([]string, len(jobIDs))
	copy(ids, jobIDs)
	b.add(Decision{Type: KillJob, Date: date, JobIDs: ids})
	klog.V(5).InfoS("Made decision to kill jobs", "jobs", ids, "date", date)
}

func (b *Batch) AddSetResourceState(machines intervalset.IntervalSet, state types.MachineState, date float64) {
	if machines.IsEmpty() {
		types.Violatef("state %d requested for no machine", state)
	}
	b.add(Decision{Type: SetResourceState, Date: date, Machines: &machines, State: state})
	klog.V(5).InfoS("Made decision to change machine state", "machines", machines.String(), "state", state, "date", date)
}

// AddCallMeLater asks to be woken up at futureDate.
func (b *Batch) AddCallMeLater(futureDate, date float64) {
	if futureDate < date {
		types.Violatef("call me later at %v requested at %v", futureDate, date)
	}
	b.add(Decision{Type: CallMeLater, Date: date, FutureDate: futureDate})
	klog.V(5).InfoS("Made decision to be called later", "futureDate", futureDate, "date", date)
}

// Decisions returns a copy of the decisions in emission order.
func (b *Batch) Decisions() []Decision {
	cp := make([]Decision, len(b.decisions))
	copy(cp, b.decisions)
	return cp
}

// JobIDs returns the ids of jobs targeted by decisions of type t, in emission
// order.
func (b *Batch) JobIDs(t Type) []string {
	ids := []string{}
	for _, d := range b.decisions {
		if d.Type == t {
			ids = append(ids, d.JobIDs...)
		}
	}
	return ids
}

func (b *Batch) Len() int {
	return len(b.decisions)
}

func (b *Batch) IsEmpty() bool {
	return len(b.decisions) == 0
}

func (b *Batch) Clear() {
	b.decisions = nil
	b.lastDate = math.Inf(-1)
}

// Publisher is an interface implemented by things that forward decisions to
// a consumer outside of the scheduler.
type Publisher interface {
	Publish(round int, decisions []Decision) error
}

// Record is a decision tagged with the round that emitted it.
type Record struct {
	Round    int `bson:"round" json:"round"`
	Decision `bson:",inline"`
}

// JSONLinesWriter writes every decision as one JSON object per line.
type JSONLinesWriter struct {
	enc *json.Encoder
}

func NewJSONLinesWriter(w io.Writer) *JSONLinesWriter {
	return &JSONLinesWriter{enc: json.NewEncoder(w)}
}

func (w *JSONLinesWriter) Publish(round int, decisions []Decision) error {
	for _, d := range decisions {
		if err := w.enc.Encode(Record{Round: round, Decision: d}); err != nil {
			return errors.Wrapf(err, "failed to write decision of round %d", round)
		}
	}
	return nil
}
