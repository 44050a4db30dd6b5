package types

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// JobStatusType represents the lifecycle state of a job as seen by the scheduler.
type JobStatusType string

const (
	// JobReleased means the job has been submitted but not yet handled by a
	// decision round.
	JobReleased JobStatusType = "Released"

	// JobQueued means the job waits in the pending queue.
	JobQueued JobStatusType = "Queued"

	// JobPriority means the job is the head of the queue and holds a
	// reservation on the horizon.
	JobPriority JobStatusType = "Priority"

	// JobRunning means an allocation is bound to the job.
	JobRunning JobStatusType = "Running"

	// JobEnded means the job completed and released its allocation.
	JobEnded JobStatusType = "Ended"

	// JobKilled means the job was killed and released its allocation.
	JobKilled JobStatusType = "Killed"

	// JobRejected means the job can never run on the platform.
	JobRejected JobStatusType = "Rejected"
)

// KillReason explains why a kill notice was emitted.
type KillReason string

const (
	KillNone         KillReason = "none"
	KillFixedFailure KillReason = "fixed_failure"
	KillSMTBF        KillReason = "smtbf"
	KillMTBF         KillReason = "mtbf"
	KillReservation  KillReason = "reservation"
	KillWalltime     KillReason = "walltime"
)

// RejectReason explains why a job was rejected.
type RejectReason string

const (
	RejectNotEnoughResources RejectReason = "not_enough_resources"
	RejectNotEnoughAvailable RejectReason = "not_enough_available_resources"
	RejectNoWalltime         RejectReason = "no_walltime"
)

// MachineState is a power state identifier (pstate) of a machine.
type MachineState int

// Unbounded is the walltime of jobs that run until explicitly ended.
var Unbounded = math.Inf(1)

// ErrInvariantViolation is matched by every InvariantViolation.
var ErrInvariantViolation = errors.New("invariant violation")

// InvariantViolation is panicked when the bookkeeping of machines, jobs or
// decisions became inconsistent. It means a bug, never a user error.
type InvariantViolation struct {
	Msg string
}

func (v InvariantViolation) Error() string {
	return "invariant violation: " + v.Msg
}

func (v InvariantViolation) Unwrap() error {
	return ErrInvariantViolation
}

// Violatef panics with an InvariantViolation.
func Violatef(format string, args ...interface{}) {
	panic(InvariantViolation{Msg: fmt.Sprintf(format, args...)})
}
