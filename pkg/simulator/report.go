package simulator

import (
	"github.com/heyfey/vodabatch/pkg/common/intervalset"
	"github.com/heyfey/vodabatch/pkg/common/types"
	"golang.org/x/exp/slices"
)

// JobReport is the outcome of one job. Times are nil for jobs that never
// started or never finished.
type JobReport struct {
	ID                 string                  `json:"id"`
	Status             types.JobStatusType     `json:"status"`
	RequestedResources int                     `json:"res"`
	SubmissionTime     float64                 `json:"submission_time"`
	StartTime          *float64                `json:"start_time,omitempty"`
	FinishTime         *float64                `json:"finish_time,omitempty"`
	Machines           intervalset.IntervalSet `json:"machines"`
	WalltimeReached    bool                    `json:"walltime_reached,omitempty"`
	RejectReason       types.RejectReason      `json:"reject_reason,omitempty"`
	KillReason         types.KillReason        `json:"kill_reason,omitempty"`
}

// WaitingTime returns the time spent between submission and start.
func (r *JobReport) WaitingTime() (float64, bool) {
	if r.StartTime == nil {
		return 0, false
	}
	return *r.StartTime - r.SubmissionTime, true
}

// Report summarises a simulation.
type Report struct {
	Algorithm  string  `json:"algorithm"`
	NbMachines int     `json:"nb_machines"`
	Rounds     int     `json:"rounds"`
	Makespan   float64 `json:"makespan"`

	NbJobs       int `json:"nb_jobs"`
	NbCompleted  int `json:"nb_completed"`
	NbKilled     int `json:"nb_killed"`
	NbRejected   int `json:"nb_rejected"`
	NbUnfinished int `json:"nb_unfinished"`

	MeanWaitingTime float64 `json:"mean_waiting_time"`
	MaxWaitingTime  float64 `json:"max_waiting_time"`

	Jobs []*JobReport `json:"jobs"`
}

// Job finds the report of a job.
func (r *Report) Job(id string) (*JobReport, bool) {
	i := slices.IndexFunc(r.Jobs, func(j *JobReport) bool { return j.ID == id })
	if i < 0 {
		return nil, false
	}
	return r.Jobs[i], true
}

func (s *Simulator) report() *Report {
	report := &Report{
		Algorithm:  s.scheduler.Algorithm.GetName(),
		NbMachines: s.nbMachines,
		Rounds:     s.rounds,
		NbJobs:     len(s.jobs),
		Jobs:       make([]*JobReport, 0, len(s.jobs)),
	}

	nbStarted := 0
	totalWait := 0.0
	for _, r := range s.jobs {
		report.Jobs = append(report.Jobs, r)
		switch r.Status {
		case types.JobEnded:
			report.NbCompleted++
		case types.JobKilled:
			report.NbKilled++
		case types.JobRejected:
			report.NbRejected++
		default:
			report.NbUnfinished++
		}
		if r.FinishTime != nil && *r.FinishTime > report.Makespan {
			report.Makespan = *r.FinishTime
		}
		if wait, ok := r.WaitingTime(); ok {
			nbStarted++
			totalWait += wait
			if wait > report.MaxWaitingTime {
				report.MaxWaitingTime = wait
			}
		}
	}
	if nbStarted > 0 {
		report.MeanWaitingTime = totalWait / float64(nbStarted)
	}

	slices.SortFunc(report.Jobs, func(a, b *JobReport) bool {
		if a.SubmissionTime == b.SubmissionTime {
			return a.ID < b.ID
		}
		return a.SubmissionTime < b.SubmissionTime
	})
	return report
}
