package scheduler

import (
	"testing"

	"github.com/heyfey/vodabatch/pkg/algorithm"
	"github.com/heyfey/vodabatch/pkg/common/intervalset"
	"github.com/heyfey/vodabatch/pkg/common/options"
	"github.com/heyfey/vodabatch/pkg/common/types"
	"github.com/heyfey/vodabatch/pkg/decision"
	"github.com/heyfey/vodabatch/pkg/selector"
	"github.com/heyfey/vodabatch/pkg/workload"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingAlgorithm keeps a copy of every batch it is given.
type recordingAlgorithm struct {
	rounds         []algorithm.EventBatch
	deferOnRound   int
	violateOnRound int
	allowOverwrite bool
}

func (a *recordingAlgorithm) GetName() string { return "recording" }
func (a *recordingAlgorithm) OnSimulationStart(float64, int) error { return nil }
func (a *recordingAlgorithm) OnSimulationEnd(float64) {}
func (a *recordingAlgorithm) AllowKillNoticeOverwrite() bool { return a.allowOverwrite }

func (a *recordingAlgorithm) MakeDecisions(date float64, events *algorithm.EventBatch, decisions *decision.Batch) {
	round := len(a.rounds)
	cp := *events
	cp.ReleasedJobs = append([]string(nil), events.ReleasedJobs...)
	cp.KilledJobs = map[string]algorithm.KillNotice{}
	for id, n := range events.KilledJobs {
		cp.KilledJobs[id] = n
	}
	a.rounds = append(a.rounds, cp)
	if round == a.deferOnRound {
		events.DeferReleasedClearing()
	}
	if round == a.violateOnRound {
		types.Violatef("broken on round %d", round)
	}
}

func newRecordingScheduler(t *testing.T, algo *recordingAlgorithm) *Scheduler {
	s, err := NewScheduler("test", algo, prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, s.OnSimulationStart(0, 4))
	return s
}

func TestReleasedClearingDeferredOneRound(t *testing.T) {
	algo := &recordingAlgorithm{deferOnRound: 0, violateOnRound: -1}
	s := newRecordingScheduler(t, algo)

	s.OnJobRelease("a")
	s.OnJobEnd("x")
	_, err := s.MakeDecisions(1)
	require.NoError(t, err)

	s.OnJobRelease("b")
	_, err = s.MakeDecisions(2)
	require.NoError(t, err)

	_, err = s.MakeDecisions(3)
	require.NoError(t, err)

	require.Len(t, algo.rounds, 3)
	assert.Equal(t, []string{"a"}, algo.rounds[0].ReleasedJobs)
	assert.Equal(t, []string{"x"}, algo.rounds[0].EndedJobs)
	assert.Equal(t, []string{"a", "b"}, algo.rounds[1].ReleasedJobs, "released jobs survive one extra round")
	assert.Empty(t, algo.rounds[1].EndedJobs, "other accumulators are cleared")
	assert.Empty(t, algo.rounds[2].ReleasedJobs)
}

func TestKillNoticeOverwritePolicy(t *testing.T) {
	for _, allow := range []bool{false, true} {
		algo := &recordingAlgorithm{deferOnRound: -1, violateOnRound: -1, allowOverwrite: allow}
		s := newRecordingScheduler(t, algo)
		s.OnJobKilled(algorithm.KillNotice{JobID: "a", Reason: types.KillMTBF})
		s.OnJobKilled(algorithm.KillNotice{JobID: "a", Reason: types.KillWalltime})
		_, err := s.MakeDecisions(1)
		require.NoError(t, err)

		expected := types.KillMTBF
		if allow {
			expected = types.KillWalltime
		}
		assert.Equal(t, expected, algo.rounds[0].KilledJobs["a"].Reason)
	}
}

func TestRoundsMustNotGoBackwards(t *testing.T) {
	s := newRecordingScheduler(t, &recordingAlgorithm{deferOnRound: -1, violateOnRound: -1})
	_, err := s.MakeDecisions(5)
	require.NoError(t, err)
	_, err = s.MakeDecisions(5)
	require.NoError(t, err)
	_, err = s.MakeDecisions(4)
	assert.Error(t, err)
}

func TestRoundsRequireStartedSimulation(t *testing.T) {
	s, err := NewScheduler("test", &recordingAlgorithm{}, prometheus.NewRegistry())
	require.NoError(t, err)
	_, err = s.MakeDecisions(0)
	assert.Error(t, err)

	require.NoError(t, s.OnSimulationStart(0, 1))
	assert.Error(t, s.OnSimulationStart(0, 1))
	s.OnSimulationEnd(1)
	_, err = s.MakeDecisions(2)
	assert.Error(t, err)
}

func TestInvariantViolationIsReturned(t *testing.T) {
	s := newRecordingScheduler(t, &recordingAlgorithm{deferOnRound: -1, violateOnRound: 0})
	_, err := s.MakeDecisions(1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvariantViolation))
}

func TestDuplicateMetricsRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewScheduler("same", &recordingAlgorithm{}, registry)
	require.NoError(t, err)
	_, err = NewScheduler("same", &recordingAlgorithm{}, registry)
	assert.Error(t, err)
}

type memoryPublisher struct {
	rounds []int
	count  int
	err    error
}

func (p *memoryPublisher) Publish(round int, decisions []decision.Decision) error {
	p.rounds = append(p.rounds, round)
	p.count += len(decisions)
	return p.err
}

func TestSchedulerWithEasyBackfilling(t *testing.T) {
	w := workload.NewWorkload(4)
	require.NoError(t, w.Add(&workload.Job{ID: "J1", RequestedResources: 4, Walltime: 10}))
	require.NoError(t, w.Add(&workload.Job{ID: "J2", RequestedResources: 2, Walltime: 10}))
	require.NoError(t, w.Add(&workload.Job{ID: "big", RequestedResources: 5, Walltime: 10}))

	algo := algorithm.NewEasyBackfilling(w, selector.NewBasic(), options.Default())
	pub := &memoryPublisher{}
	s, err := NewScheduler("easy", algo, prometheus.NewRegistry(), pub)
	require.NoError(t, err)
	require.NoError(t, s.OnSimulationStart(0, 4))

	s.OnJobRelease("J1")
	batch, err := s.MakeDecisions(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"J1"}, batch.JobIDs(decision.ExecuteJob))

	s.OnJobRelease("J2")
	s.OnJobRelease("big")
	batch, err = s.MakeDecisions(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"big"}, batch.JobIDs(decision.RejectJob))

	status, _ := s.JobStatus("J1")
	assert.Equal(t, types.JobRunning, status)
	status, _ = s.JobStatus("J2")
	assert.Equal(t, types.JobPriority, status)
	status, _ = s.JobStatus("big")
	assert.Equal(t, types.JobRejected, status)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.Metrics.queuedJobsGaugeFunc))
	assert.Equal(t, 4.0, testutil.ToFloat64(s.Metrics.machinesInUseGaugeFunc))

	s.OnJobEnd("J1")
	_, err = s.MakeDecisions(10)
	require.NoError(t, err)
	status, _ = s.JobStatus("J2")
	assert.Equal(t, types.JobRunning, status)
	status, _ = s.JobStatus("J1")
	assert.Equal(t, types.JobEnded, status)

	state, ok := s.State()
	require.True(t, ok)
	assert.Equal(t, "2-3", state.Available.String())

	assert.Equal(t, []int{0, 1, 2}, pub.rounds)
	assert.Equal(t, 3, pub.count)
	assert.Equal(t, 3.0, testutil.ToFloat64(s.Metrics.roundsCounter))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.Metrics.decisionsCounter.WithLabelValues(string(decision.ExecuteJob))))
}

func TestPublishFailure(t *testing.T) {
	w := workload.NewWorkload(1)
	require.NoError(t, w.Add(&workload.Job{ID: "J1", RequestedResources: 1, Walltime: 10}))
	algo := algorithm.NewFCFS(w, selector.NewBasic(), options.Default())
	pub := &memoryPublisher{err: errors.New("broker down")}
	s, err := NewScheduler("fcfs", algo, prometheus.NewRegistry(), pub)
	require.NoError(t, err)
	require.NoError(t, s.OnSimulationStart(0, 1))

	s.OnJobRelease("J1")
	batch, err := s.MakeDecisions(0)
	assert.Error(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, 1, batch.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(s.Metrics.publishFailuresCounter))
}

func TestMachineEventsReachTheAlgorithm(t *testing.T) {
	algo := &recordingAlgorithm{deferOnRound: -1, violateOnRound: -1}
	s := newRecordingScheduler(t, algo)
	s.OnMachineUnavailable(intervalset.MustParse("0-1"))
	s.OnMachineAvailable(intervalset.MustParse("1"))
	s.OnMachineStateChanged(intervalset.MustParse("2-3"), 1)
	s.OnNop()
	_, err := s.MakeDecisions(1)
	require.NoError(t, err)

	r := algo.rounds[0]
	assert.Equal(t, "0", r.MachinesUnavailable.String())
	assert.Equal(t, "1", r.MachinesAvailable.String())
	assert.Equal(t, "2-3", r.MachineStateChanges[1].String())
	assert.True(t, r.Nopped)
}
