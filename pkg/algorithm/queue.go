package algorithm

import (
	"github.com/heyfey/vodabatch/pkg/workload"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// jobQueue is a FCFS queue of waiting jobs. It holds handles to the jobs of
// the workload and never copies them.
type jobQueue struct {
	jobs []*workload.Job
}

func newJobQueue() *jobQueue {
	return &jobQueue{jobs: make([]*workload.Job, 0)}
}

// Enqueue adds a job at the back of the queue
func (q *jobQueue) Enqueue(job *workload.Job) {
	q.jobs = append(q.jobs, job)
}

// PushFront adds a job at the head of the queue
func (q *jobQueue) PushFront(job *workload.Job) {
	q.jobs = slices.Insert(q.jobs, 0, job)
}

// Front returns the head of the queue, nil if the queue is empty
func (q *jobQueue) Front() *workload.Job {
	if q.Empty() {
		return nil
	}
	return q.jobs[0]
}

// PopFront removes the head of the queue
func (q *jobQueue) PopFront() *workload.Job {
	job := q.Front()
	if job != nil {
		q.jobs = slices.Delete(q.jobs, 0, 1)
	}
	return job
}

// Delete removes a job from any position in the queue while keeping the
// original order
func (q *jobQueue) Delete(id string) error {
	index := q.index(id)
	if index < 0 {
		return errors.Errorf("job %s not found in queue", id)
	}
	q.jobs = slices.Delete(q.jobs, index, index+1)
	return nil
}

func (q *jobQueue) Contains(id string) bool {
	return q.index(id) >= 0
}

func (q *jobQueue) index(id string) int {
	return slices.IndexFunc(q.jobs, func(j *workload.Job) bool {
		return j.ID == id
	})
}

// Retain walks the queue in order and keeps only the jobs for which keep
// returns true. keep may be called with side effects, the queue is only
// rewritten once the walk is over.
func (q *jobQueue) Retain(keep func(job *workload.Job) bool) {
	kept := make([]*workload.Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		if keep(job) {
			kept = append(kept, job)
		}
	}
	q.jobs = kept
}

// IDs returns the ids of the queued jobs in order
func (q *jobQueue) IDs() []string {
	ids := make([]string, 0, len(q.jobs))
	for _, j := range q.jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

// Size returns the number of jobs in the queue
func (q *jobQueue) Size() int {
	return len(q.jobs)
}

// Empty returns whether the queue has any jobs
func (q *jobQueue) Empty() bool {
	return q.Size() == 0
}
