package workload

import (
	"encoding/json"
	"io"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/heyfey/vodabatch/pkg/common/types"
	"github.com/pkg/errors"
	yaml2 "k8s.io/apimachinery/pkg/util/yaml"
	"k8s.io/klog/v2"
)

const decoderBufferSize = 4096

// Job represents a single batch job of the catalog.
// The scheduling core only holds *Job handles and never copies jobs.
type Job struct {
	ID                 string
	RequestedResources int
	// Walltime in seconds, +Inf if the job runs until explicitly ended.
	Walltime       float64
	SubmissionTime float64
	Profile        string
}

// IsUnbounded reports whether the job has no walltime.
func (j *Job) IsUnbounded() bool {
	return math.IsInf(j.Walltime, 1)
}

// Profile describes how a job behaves once started. Only the "delay" type
// carries a runtime; other types run for their whole walltime.
type Profile struct {
	Type  string  `json:"type"`
	Delay float64 `json:"delay,omitempty"`
}

// Workload is the job catalog shared by the scheduler and the simulator.
type Workload struct {
	NbMachines int
	jobs       map[string]*Job
	Profiles   map[string]Profile
}

// NewWorkload creates an empty catalog.
func NewWorkload(nbMachines int) *Workload {
	w := &Workload{
		NbMachines: nbMachines,
		jobs:       map[string]*Job{},
		Profiles:   map[string]Profile{},
	}
	return w
}

// Add inserts a job into the catalog.
func (w *Workload) Add(job *Job) error {
	if job.ID == "" {
		return errors.New("job id must not be empty")
	}
	if _, ok := w.jobs[job.ID]; ok {
		return errors.Errorf("duplicate job id %q", job.ID)
	}
	if job.RequestedResources <= 0 {
		return errors.Errorf("job %q requests %d resources, must be positive", job.ID, job.RequestedResources)
	}
	if job.SubmissionTime < 0 || math.IsNaN(job.SubmissionTime) {
		return errors.Errorf("job %q has invalid submission time %v", job.ID, job.SubmissionTime)
	}
	if job.Walltime < 0 || math.IsNaN(job.Walltime) {
		job.Walltime = types.Unbounded
	}
	w.jobs[job.ID] = job
	return nil
}

// Job finds a job by id.
func (w *Workload) Job(id string) (*Job, error) {
	j, ok := w.jobs[id]
	if !ok {
		return nil, errors.Errorf("job %q not found in workload", id)
	}
	return j, nil
}

// MustJob is like Job but panics if the job is unknown, which means an event
// referenced a job that was never submitted.
func (w *Workload) MustJob(id string) *Job {
	j, err := w.Job(id)
	if err != nil {
		panic(err)
	}
	return j
}

// Size returns the number of jobs in the catalog.
func (w *Workload) Size() int {
	return len(w.jobs)
}

// SortedBySubmission returns all jobs ordered by submission time, ties broken
// by id.
func (w *Workload) SortedBySubmission() []*Job {
	jobs := make([]*Job, 0, len(w.jobs))
	for _, j := range w.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].SubmissionTime == jobs[k].SubmissionTime {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].SubmissionTime < jobs[k].SubmissionTime
	})
	return jobs
}

// Runtime returns how long the job actually runs once started: the delay of
// its profile, capped by its walltime.
func (w *Workload) Runtime(job *Job) float64 {
	runtime := job.Walltime
	if p, ok := w.Profiles[job.Profile]; ok && p.Type == "delay" {
		runtime = p.Delay
	}
	if runtime > job.Walltime {
		runtime = job.Walltime
	}
	return runtime
}

// jobID accepts both string and numeric ids, as found in batsim workloads.
type jobID string

func (id *jobID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = jobID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.Wrap(err, "job id must be a string or a number")
	}
	*id = jobID(n.String())
	return nil
}

type jobSpec struct {
	ID       jobID    `json:"id"`
	Subtime  float64  `json:"subtime"`
	Walltime *float64 `json:"walltime"`
	Res      int      `json:"res"`
	Profile  string   `json:"profile"`
}

type workloadSpec struct {
	NbRes    int                `json:"nb_res"`
	Jobs     []jobSpec          `json:"jobs"`
	Profiles map[string]Profile `json:"profiles"`
}

// Decode reads a batsim workload (JSON or YAML) from r.
func Decode(r io.Reader) (*Workload, error) {
	var spec workloadSpec
	if err := yaml2.NewYAMLOrJSONDecoder(r, decoderBufferSize).Decode(&spec); err != nil {
		return nil, errors.Wrap(err, "failed to decode workload")
	}
	if spec.NbRes < 0 {
		return nil, errors.Errorf("invalid nb_res %d", spec.NbRes)
	}

	w := NewWorkload(spec.NbRes)
	for name, p := range spec.Profiles {
		w.Profiles[name] = p
	}
	for i, js := range spec.Jobs {
		walltime := -1.0
		if js.Walltime != nil {
			walltime = *js.Walltime
		}
		id := string(js.ID)
		if id == "" {
			id = strconv.Itoa(i)
		}
		job := &Job{
			ID:                 id,
			RequestedResources: js.Res,
			Walltime:           walltime,
			SubmissionTime:     js.Subtime,
			Profile:            js.Profile,
		}
		if err := w.Add(job); err != nil {
			return nil, err
		}
	}
	klog.V(4).InfoS("Decoded workload", "nbMachines", w.NbMachines, "jobs", w.Size(), "profiles", len(w.Profiles))
	return w, nil
}

// Load reads a batsim workload file.
func Load(path string) (*Workload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open workload %s", path)
	}
	defer f.Close()
	return Decode(f)
}
