package algorithm

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/heyfey/vodabatch/pkg/common/intervalset"
	"github.com/heyfey/vodabatch/pkg/common/options"
	"github.com/heyfey/vodabatch/pkg/common/types"
	"github.com/heyfey/vodabatch/pkg/decision"
	"github.com/heyfey/vodabatch/pkg/selector"
	"github.com/heyfey/vodabatch/pkg/workload"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testJob struct {
	id       string
	res      int
	walltime float64
}

func newTestWorkload(t *testing.T, nbMachines int, jobs ...testJob) *workload.Workload {
	w := workload.NewWorkload(nbMachines)
	for _, j := range jobs {
		require.NoError(t, w.Add(&workload.Job{ID: j.id, RequestedResources: j.res, Walltime: j.walltime}))
	}
	return w
}

// harness drives an algorithm round by round.
type harness struct {
	t      *testing.T
	algo   SchedulingAlgorithm
	events *EventBatch
}

func newHarness(t *testing.T, algo SchedulingAlgorithm, nbMachines int) *harness {
	require.NoError(t, algo.OnSimulationStart(0, nbMachines))
	return &harness{t: t, algo: algo, events: NewEventBatch()}
}

func newEasyHarness(t *testing.T, nbMachines int, jobs ...testJob) (*harness, *EasyBackfilling) {
	w := newTestWorkload(t, nbMachines, jobs...)
	a := NewEasyBackfilling(w, selector.NewBasic(), options.Default())
	return newHarness(t, a, nbMachines), a
}

func (h *harness) release(ids ...string) *harness {
	for _, id := range ids {
		h.events.AddReleasedJob(id)
	}
	return h
}

func (h *harness) end(ids ...string) *harness {
	for _, id := range ids {
		h.events.AddEndedJob(id)
	}
	return h
}

func (h *harness) kill(ids ...string) *harness {
	for _, id := range ids {
		h.events.AddKilledJob(KillNotice{JobID: id, Reason: types.KillFixedFailure}, false)
	}
	return h
}

func (h *harness) unavailable(machines string) *harness {
	h.events.AddMachinesUnavailable(intervalset.MustParse(machines))
	return h
}

func (h *harness) available(machines string) *harness {
	h.events.AddMachinesAvailable(intervalset.MustParse(machines))
	return h
}

func (h *harness) round(date float64) *decision.Batch {
	b := decision.NewBatch()
	h.algo.MakeDecisions(date, h.events, b)
	h.events.Clear()
	return b
}

func machinesOf(b *decision.Batch, jobID string) string {
	for _, d := range b.Decisions() {
		if d.Type == decision.ExecuteJob && d.JobID() == jobID {
			return d.Machines.String()
		}
	}
	return ""
}

func TestEasyStartsImmediately(t *testing.T) {
	h, a := newEasyHarness(t, 4, testJob{"J1", 4, 10})

	b := h.release("J1").round(0)
	assert.Equal(t, []string{"J1"}, b.JobIDs(decision.ExecuteJob))
	assert.Equal(t, "0-3", machinesOf(b, "J1"))

	s := a.State()
	assert.True(t, s.Available.IsEmpty())
	require.Len(t, s.Horizon, 1)
	assert.Equal(t, Timestamp(10), s.Horizon[0].Date)
	assert.Equal(t, 4, s.Horizon[0].NbReleased)
}

func TestEasyPriorityJob(t *testing.T) {
	h, a := newEasyHarness(t, 4, testJob{"J1", 4, 10}, testJob{"J2", 2, 10})

	h.release("J1").round(0)
	b := h.release("J2").round(1)
	assert.True(t, b.IsEmpty())

	s := a.State()
	require.NotNil(t, s.Priority)
	assert.Equal(t, "J2", s.Priority.JobID)
	assert.Equal(t, Timestamp(10), s.Priority.ExpectedStart)
	assert.Empty(t, s.Pending)

	// J2 starts as soon as J1 ends
	b = h.end("J1").round(10)
	assert.Equal(t, []string{"J2"}, b.JobIDs(decision.ExecuteJob))
	assert.Equal(t, "0-1", machinesOf(b, "J2"))
	assert.Nil(t, a.State().Priority)
}

func TestEasyBackfilling(t *testing.T) {
	h, a := newEasyHarness(t, 4,
		testJob{"J1", 3, 10},
		testJob{"J2", 2, 10},
		testJob{"J3", 1, 5},
		testJob{"J4", 1, 9},
	)

	h.release("J1").round(0)
	h.release("J2").round(1)
	require.Equal(t, Timestamp(10), a.State().Priority.ExpectedStart)

	// 2+5 <= 10: J3 does not delay J2
	b := h.release("J3").round(2)
	assert.Equal(t, []string{"J3"}, b.JobIDs(decision.ExecuteJob))
	assert.Equal(t, "3", machinesOf(b, "J3"))

	// J3 ends before J2's expected start, 3+9 > 10 so J4 cannot use machine 3
	b = h.end("J3").release("J4").round(3)
	assert.True(t, b.IsEmpty())
	assert.Equal(t, []string{"J4"}, a.State().Pending)

	b = h.end("J1").round(10)
	assert.Equal(t, []string{"J2", "J4"}, b.JobIDs(decision.ExecuteJob))
	assert.Empty(t, a.State().Pending)
}

func TestEasyBackfillBoundIsInclusive(t *testing.T) {
	h, _ := newEasyHarness(t, 4,
		testJob{"J1", 3, 10},
		testJob{"J2", 2, 10},
		testJob{"J3", 1, 8},
	)
	h.release("J1").round(0)
	h.release("J2").round(1)
	b := h.release("J3").round(2)
	assert.Equal(t, []string{"J3"}, b.JobIDs(decision.ExecuteJob), "2+8 == 10 does not delay the priority job")
}

func TestEasyRejectsOversizedJob(t *testing.T) {
	h, a := newEasyHarness(t, 4, testJob{"big", 10, 10}, testJob{"small", 1, 10})

	b := h.release("big", "small").round(0)
	d := b.Decisions()
	require.Len(t, d, 2)
	assert.Equal(t, decision.RejectJob, d[0].Type)
	assert.Equal(t, "big", d[0].JobID())
	assert.Equal(t, types.RejectNotEnoughResources, d[0].Reason)
	assert.Equal(t, decision.ExecuteJob, d[1].Type)

	s := a.State()
	assert.Nil(t, s.Priority)
	assert.Empty(t, s.Pending)
	for _, p := range s.Horizon {
		assert.NotEqual(t, "big", p.JobID)
	}
}

func TestEasySimultaneousArrivals(t *testing.T) {
	h, a := newEasyHarness(t, 4, testJob{"a", 3, 10}, testJob{"b", 3, 10})

	b := h.release("a", "b").round(0)
	assert.Equal(t, []string{"a"}, b.JobIDs(decision.ExecuteJob))
	assert.Equal(t, "b", a.State().Priority.JobID)
}

func TestEasyFCFSOrderAfterRelease(t *testing.T) {
	h, a := newEasyHarness(t, 4,
		testJob{"J1", 4, 10},
		testJob{"J2", 3, 10},
		testJob{"J3", 2, 30},
		testJob{"J4", 2, 30},
	)
	h.release("J1").round(0)
	h.release("J2", "J3", "J4").round(1)
	s := a.State()
	assert.Equal(t, "J2", s.Priority.JobID)
	assert.Equal(t, []string{"J3", "J4"}, s.Pending)

	// J2 starts on 0-2, J3 does not fit and becomes priority, J4 cannot be
	// backfilled since the only free machine is not enough.
	b := h.end("J1").round(10)
	assert.Equal(t, []string{"J2"}, b.JobIDs(decision.ExecuteJob))
	s = a.State()
	assert.Equal(t, "J3", s.Priority.JobID)
	assert.Equal(t, Timestamp(20), s.Priority.ExpectedStart)
	assert.Equal(t, []string{"J4"}, s.Pending)

	b = h.end("J2").round(15)
	assert.Equal(t, []string{"J3", "J4"}, b.JobIDs(decision.ExecuteJob))
}

func TestEasyCachedExpectedStartIsNotRefreshed(t *testing.T) {
	h, a := newEasyHarness(t, 4,
		testJob{"J1", 2, 10},
		testJob{"J2", 2, 20},
		testJob{"J3", 4, 10},
		testJob{"J4", 2, 15},
	)
	h.release("J1", "J2").round(0)
	h.release("J3").round(1)
	require.Equal(t, Timestamp(20), a.State().Priority.ExpectedStart)

	// Killing J2 frees 2-3. J3 still does not fit, and its expected start is
	// kept at 20 although it could now start at 10.
	b := h.kill("J2").round(2)
	assert.True(t, b.IsEmpty())
	assert.Equal(t, Timestamp(20), a.State().Priority.ExpectedStart)

	// Known staleness: J4 completes at 18 which is before the cached start, so
	// it is backfilled and delays J3 past 10.
	b = h.release("J4").round(3)
	assert.Equal(t, []string{"J4"}, b.JobIDs(decision.ExecuteJob))
}

func TestEasyKilledJobReleasesMachines(t *testing.T) {
	h, a := newEasyHarness(t, 4, testJob{"J1", 4, 100}, testJob{"J2", 4, 10})
	h.release("J1").round(0)
	h.release("J2").round(1)

	b := h.kill("J1").round(5)
	assert.Equal(t, []string{"J2"}, b.JobIDs(decision.ExecuteJob))
	s := a.State()
	require.Len(t, s.Horizon, 1)
	assert.Equal(t, "J2", s.Horizon[0].JobID)
	assert.Equal(t, Timestamp(15), s.Horizon[0].Date)

	// A kill notice for a job that already ended is ignored
	b = h.end("J2").kill("J2").round(15)
	assert.True(t, b.IsEmpty())
	assert.Equal(t, 4, a.State().Available.Size())
}

func TestEasyUnavailableMachines(t *testing.T) {
	h, a := newEasyHarness(t, 4,
		testJob{"J1", 2, 10},
		testJob{"J2", 4, 10},
		testJob{"J3", 2, 10},
	)
	h.release("J1").round(0)
	h.release("J2").round(1)
	require.Equal(t, "J2", a.State().Priority.JobID)

	// Machine 0 runs J1 and machine 3 is idle. J2 no longer fits the platform.
	b := h.unavailable("0 3").round(2)
	assert.True(t, b.IsEmpty())
	s := a.State()
	assert.Nil(t, s.Priority)
	assert.Equal(t, []string{"J2"}, s.Pending)
	assert.Equal(t, "2", s.Available.String())
	assert.Equal(t, "0 3", s.Unavailable.String())

	// Machine 0 is not returned when J1 ends
	b = h.end("J1").release("J3").round(10)
	assert.Equal(t, []string{"J3"}, b.JobIDs(decision.ExecuteJob))
	assert.Equal(t, "1-2", machinesOf(b, "J3"))
	assert.True(t, a.State().Available.IsEmpty())

	// Once the machines are back J2 becomes priority again
	h.available("0 3").round(11)
	s = a.State()
	require.NotNil(t, s.Priority)
	assert.Equal(t, "J2", s.Priority.JobID)
	assert.Equal(t, Timestamp(20), s.Priority.ExpectedStart)
	assert.Equal(t, "0 3", s.Available.String())

	b = h.end("J3").round(12)
	assert.Equal(t, []string{"J2"}, b.JobIDs(decision.ExecuteJob))
}

func TestEasyUnboundedWalltime(t *testing.T) {
	h, a := newEasyHarness(t, 4,
		testJob{"forever", 2, -1},
		testJob{"J2", 4, 10},
		testJob{"J3", 1, -1},
	)
	h.release("forever").round(0)
	h.release("J2").round(1)
	s := a.State()
	assert.True(t, math.IsInf(float64(s.Priority.ExpectedStart), 1))

	b := h.release("J3").round(2)
	assert.Equal(t, []string{"J3"}, b.JobIDs(decision.ExecuteJob))

	data, err := json.Marshal(a.State())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"expected_start":"inf"`)
}

func TestEasyEndedJobWithoutAllocationIsAViolation(t *testing.T) {
	h, _ := newEasyHarness(t, 4, testJob{"J1", 1, 10})
	assertViolation(t, func() { h.end("J1").round(1) })
}

func TestEasyNeverExecutableIsAViolation(t *testing.T) {
	_, a := newEasyHarness(t, 4, testJob{"J1", 8, 10})
	assertViolation(t, func() { a.expectedStart(a.workload.MustJob("J1")) })
}

func TestEasyValidateDetectsCorruption(t *testing.T) {
	h, a := newEasyHarness(t, 4, testJob{"J1", 2, 10})
	h.release("J1").round(0)
	a.pool.available.Insert(intervalset.New(0))
	assertViolation(t, a.validate)
}

func assertViolation(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected an invariant violation")
		err, ok := r.(error)
		require.True(t, ok, "unexpected panic %v", r)
		assert.True(t, errors.Is(err, types.ErrInvariantViolation), err.Error())
	}()
	f()
}

func TestNewAlgorithmFactory(t *testing.T) {
	w := newTestWorkload(t, 4)
	opts := options.Default()

	a, err := NewAlgorithmFactory("easy_bf_fast2", w, selector.NewBasic(), opts)
	require.NoError(t, err)
	assert.Equal(t, EasyBackfillingName, a.GetName())

	_, err = NewAlgorithmFactory(EasyBackfillingName, w, selector.NewContiguous(), opts)
	assert.Error(t, err, "easy backfilling only supports the basic selector")

	a, err = NewAlgorithmFactory(FCFSName, w, selector.NewContiguous(), opts)
	require.NoError(t, err)
	assert.Equal(t, FCFSName, a.GetName())

	_, err = NewAlgorithmFactory("conservative_bf", w, selector.NewBasic(), opts)
	assert.Error(t, err)

	_, err = NewAlgorithmFactory(FCFSName, nil, selector.NewBasic(), opts)
	assert.Error(t, err)
}
