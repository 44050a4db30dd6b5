// Package selector chooses which machines a job runs on.
package selector

import (
	"github.com/heyfey/vodabatch/pkg/common/intervalset"
	"github.com/heyfey/vodabatch/pkg/common/options"
	"github.com/heyfey/vodabatch/pkg/workload"
	"github.com/pkg/errors"
)

const (
	PolicyBasic      = "basic"
	PolicyContiguous = "contiguous"
	PolicyLimited    = "limited"
)

// Policies lists the accepted selection policies.
var Policies = []string{PolicyBasic, PolicyContiguous, PolicyLimited}

// ResourceSelector is an interface implemented by things that know how to
// place jobs on machines. Implementations are deterministic and never modify
// the sets they are given.
type ResourceSelector interface {
	GetName() string
	// Fit returns exactly job.RequestedResources machines taken from
	// available, or false if the placement rule cannot be satisfied.
	Fit(job *workload.Job, available intervalset.IntervalSet) (intervalset.IntervalSet, bool)
	SelectResourcesToSedate(n int, available, potentiallySedated intervalset.IntervalSet) (intervalset.IntervalSet, error)
	SelectResourcesToAwaken(n int, available, potentiallyAwaken intervalset.IntervalSet) (intervalset.IntervalSet, error)
	// SelectResourcesToAwakenToMakeJobFit returns the machines to wake up so
	// that Fit succeeds on available plus the returned machines.
	SelectResourcesToAwakenToMakeJobFit(job *workload.Job, available, potentiallyAwaken intervalset.IntervalSet) (intervalset.IntervalSet, error)
}

// NewSelectorFactory creates the selector of the given policy.
func NewSelectorFactory(policy string, opts options.VariantOptions) (ResourceSelector, error) {
	switch policy {
	case PolicyBasic:
		return NewBasic(), nil
	case PolicyContiguous:
		return NewContiguous(), nil
	case PolicyLimited:
		if !opts.HasSelectorRange {
			return nil, errors.Errorf("policy %q requires the %s option", policy, options.KeySelectorRange)
		}
		return NewLimitedRange(opts.SelectorRange), nil
	default:
		return nil, errors.Errorf("invalid resource selection policy %q, available policies are %v", policy, Policies)
	}
}

// leftmost takes the n smallest ids of candidates.
func leftmost(n int, candidates intervalset.IntervalSet) (intervalset.IntervalSet, error) {
	if n < 0 || n > candidates.Size() {
		return intervalset.IntervalSet{}, errors.Errorf("cannot select %d machines among %d candidates", n, candidates.Size())
	}
	return candidates.Left(n), nil
}

// Basic places jobs on the leftmost available machines.
type Basic struct{}

func NewBasic() *Basic {
	return &Basic{}
}

func (s *Basic) GetName() string {
	return PolicyBasic
}

func (s *Basic) Fit(job *workload.Job, available intervalset.IntervalSet) (intervalset.IntervalSet, bool) {
	if job.RequestedResources > available.Size() {
		return intervalset.IntervalSet{}, false
	}
	return available.Left(job.RequestedResources), true
}

func (s *Basic) SelectResourcesToSedate(n int, available, potentiallySedated intervalset.IntervalSet) (intervalset.IntervalSet, error) {
	return leftmost(n, potentiallySedated)
}

func (s *Basic) SelectResourcesToAwaken(n int, available, potentiallyAwaken intervalset.IntervalSet) (intervalset.IntervalSet, error) {
	return leftmost(n, potentiallyAwaken)
}

func (s *Basic) SelectResourcesToAwakenToMakeJobFit(job *workload.Job, available, potentiallyAwaken intervalset.IntervalSet) (intervalset.IntervalSet, error) {
	missing := job.RequestedResources - available.Size()
	if missing <= 0 {
		return intervalset.IntervalSet{}, nil
	}
	return s.SelectResourcesToAwaken(missing, available, potentiallyAwaken)
}

// Contiguous places jobs on consecutive machines, in the first interval of
// available that is long enough.
type Contiguous struct{}

func NewContiguous() *Contiguous {
	return &Contiguous{}
}

func (s *Contiguous) GetName() string {
	return PolicyContiguous
}

func (s *Contiguous) Fit(job *workload.Job, available intervalset.IntervalSet) (intervalset.IntervalSet, bool) {
	for _, iv := range available.Intervals() {
		if job.RequestedResources <= iv.Size() {
			return intervalset.FromInterval(iv.Lower, iv.Lower+job.RequestedResources-1), true
		}
	}
	return intervalset.IntervalSet{}, false
}

func (s *Contiguous) SelectResourcesToSedate(n int, available, potentiallySedated intervalset.IntervalSet) (intervalset.IntervalSet, error) {
	return leftmost(n, potentiallySedated)
}

func (s *Contiguous) SelectResourcesToAwaken(n int, available, potentiallyAwaken intervalset.IntervalSet) (intervalset.IntervalSet, error) {
	return leftmost(n, potentiallyAwaken)
}

// SelectResourcesToAwakenToMakeJobFit only works inside the biggest interval
// of available ∪ potentiallyAwaken. Starting from the biggest available hole of
// that interval, the hole grows towards the side offering the most available
// machines per awakened machine until the job fits in it.
func (s *Contiguous) SelectResourcesToAwakenToMakeJobFit(job *workload.Job, available, potentiallyAwaken intervalset.IntervalSet) (intervalset.IntervalSet, error) {
	if _, ok := s.Fit(job, available); ok {
		return intervalset.IntervalSet{}, nil
	}

	work, ok := available.Union(potentiallyAwaken).BiggestInterval()
	if !ok || work.Size() < job.RequestedResources {
		return intervalset.IntervalSet{}, errors.Errorf("job %s cannot fit in a contiguous range even by awakening machines", job.ID)
	}

	holes := available.Intersection(intervalset.FromInterval(work.Lower, work.Upper)).Intervals()
	if len(holes) == 0 {
		return intervalset.FromInterval(work.Lower, work.Lower+job.RequestedResources-1), nil
	}

	biggest := holes[0]
	for _, h := range holes[1:] {
		if h.Size() > biggest.Size() {
			biggest = h
		}
	}
	lo, hi := biggest.Lower, biggest.Upper
	toAwaken := intervalset.IntervalSet{}

	for hi-lo+1 < job.RequestedResources {
		need := job.RequestedResources - (hi - lo + 1)
		leftGap, leftGain, leftNext := sideLeft(holes, lo, work.Lower)
		rightGap, rightGain, rightNext := sideRight(holes, hi, work.Upper)

		var extendLeft bool
		switch {
		case leftGap == 0:
			extendLeft = false
		case rightGap == 0:
			extendLeft = true
		default:
			// leftGain/leftGap >= rightGain/rightGap
			extendLeft = leftGain*rightGap >= rightGain*leftGap
		}

		if extendLeft {
			if leftGap >= need {
				toAwaken.Insert(intervalset.FromInterval(lo-need, lo-1))
				lo -= need
				break
			}
			toAwaken.Insert(intervalset.FromInterval(lo-leftGap, lo-1))
			lo = leftNext
		} else {
			if rightGap >= need {
				toAwaken.Insert(intervalset.FromInterval(hi+1, hi+need))
				hi += need
				break
			}
			toAwaken.Insert(intervalset.FromInterval(hi+1, hi+rightGap))
			hi = rightNext
		}
	}

	if !toAwaken.IsSubsetOf(potentiallyAwaken) {
		return intervalset.IntervalSet{}, errors.Errorf("machines %s to awaken are not all awakable", toAwaken.Difference(potentiallyAwaken))
	}
	return toAwaken, nil
}

// sideLeft returns, for the hole starting at lo, the number of machines to
// awaken before reaching the previous available interval, the number of
// machines the hole would gain by absorbing them and that interval, and the
// new lower bound of the hole.
func sideLeft(holes []intervalset.Interval, lo, bound int) (gap, gain, next int) {
	for i := len(holes) - 1; i >= 0; i-- {
		if holes[i].Upper < lo {
			gap = lo - holes[i].Upper - 1
			return gap, gap + holes[i].Size(), holes[i].Lower
		}
	}
	gap = lo - bound
	return gap, gap, bound
}

func sideRight(holes []intervalset.Interval, hi, bound int) (gap, gain, next int) {
	for _, h := range holes {
		if h.Lower > hi {
			gap = h.Lower - hi - 1
			return gap, gap + h.Size(), h.Upper
		}
	}
	gap = bound - hi
	return gap, gap, bound
}

// LimitedRange places jobs on the leftmost available machines of a fixed
// range. It does not support power management.
type LimitedRange struct {
	limitedRange intervalset.IntervalSet
}

func NewLimitedRange(limitedRange intervalset.IntervalSet) *LimitedRange {
	return &LimitedRange{limitedRange: limitedRange}
}

func (s *LimitedRange) GetName() string {
	return PolicyLimited
}

func (s *LimitedRange) Fit(job *workload.Job, available intervalset.IntervalSet) (intervalset.IntervalSet, bool) {
	candidates := available.Intersection(s.limitedRange)
	if job.RequestedResources > candidates.Size() {
		return intervalset.IntervalSet{}, false
	}
	return candidates.Left(job.RequestedResources), true
}

func (s *LimitedRange) SelectResourcesToSedate(int, intervalset.IntervalSet, intervalset.IntervalSet) (intervalset.IntervalSet, error) {
	return intervalset.IntervalSet{}, errors.New("the limited range selector cannot select machines to sedate")
}

func (s *LimitedRange) SelectResourcesToAwaken(int, intervalset.IntervalSet, intervalset.IntervalSet) (intervalset.IntervalSet, error) {
	return intervalset.IntervalSet{}, errors.New("the limited range selector cannot select machines to awaken")
}

func (s *LimitedRange) SelectResourcesToAwakenToMakeJobFit(*workload.Job, intervalset.IntervalSet, intervalset.IntervalSet) (intervalset.IntervalSet, error) {
	return intervalset.IntervalSet{}, errors.New("the limited range selector cannot select machines to awaken")
}
