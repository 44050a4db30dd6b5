// Package intervalset implements ordered sets of machine identifiers stored as
// sorted, disjoint, closed intervals.
package intervalset

import (
	"encoding/json"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Interval is the closed interval [Lower, Upper].
type Interval struct {
	Lower int
	Upper int
}

// Size returns the number of ids in the interval.
func (i Interval) Size() int {
	return i.Upper - i.Lower + 1
}

func (i Interval) String() string {
	if i.Lower == i.Upper {
		return strconv.Itoa(i.Lower)
	}
	return strconv.Itoa(i.Lower) + "-" + strconv.Itoa(i.Upper)
}

// IntervalSet is an ordered set of non-negative integers.
// The zero value is an empty set. Operations never mutate the backing array of
// another set, so copying an IntervalSet by value is safe.
type IntervalSet struct {
	intervals []Interval
}

// New creates a set containing ids.
func New(ids ...int) IntervalSet {
	ivs := make([]Interval, 0, len(ids))
	for _, id := range ids {
		ivs = append(ivs, Interval{Lower: id, Upper: id})
	}
	return IntervalSet{intervals: normalize(ivs)}
}

// FromInterval creates the set [lower, upper]. It is empty if lower > upper.
func FromInterval(lower, upper int) IntervalSet {
	if lower > upper {
		return IntervalSet{}
	}
	return IntervalSet{intervals: []Interval{{Lower: lower, Upper: upper}}}
}

// FromIntervals creates a set from possibly overlapping intervals.
func FromIntervals(ivs ...Interval) IntervalSet {
	cp := make([]Interval, 0, len(ivs))
	for _, iv := range ivs {
		if iv.Lower <= iv.Upper {
			cp = append(cp, iv)
		}
	}
	return IntervalSet{intervals: normalize(cp)}
}

// Parse reads sets written as "0-3 7" or "0-3,7".
func Parse(s string) (IntervalSet, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	ivs := make([]Interval, 0, len(fields))
	for _, f := range fields {
		bounds := strings.SplitN(f, "-", 2)
		lower, err := strconv.Atoi(bounds[0])
		if err != nil {
			return IntervalSet{}, errors.Wrapf(err, "invalid interval %q", f)
		}
		upper := lower
		if len(bounds) == 2 {
			upper, err = strconv.Atoi(bounds[1])
			if err != nil {
				return IntervalSet{}, errors.Wrapf(err, "invalid interval %q", f)
			}
		}
		if lower < 0 || upper < lower {
			return IntervalSet{}, errors.Errorf("invalid interval %q", f)
		}
		ivs = append(ivs, Interval{Lower: lower, Upper: upper})
	}
	return IntervalSet{intervals: normalize(ivs)}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) IntervalSet {
	set, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return set
}

// normalize sorts ivs and merges overlapping or adjacent intervals.
func normalize(ivs []Interval) []Interval {
	if len(ivs) == 0 {
		return nil
	}
	sort.Slice(ivs, func(i, j int) bool {
		return ivs[i].Lower < ivs[j].Lower
	})
	merged := []Interval{ivs[0]}
	for _, iv := range ivs[1:] {
		last := &merged[len(merged)-1]
		if iv.Lower <= last.Upper+1 {
			if iv.Upper > last.Upper {
				last.Upper = iv.Upper
			}
		} else {
			merged = append(merged, iv)
		}
	}
	return merged
}

// Size returns the cardinality of the set.
func (s IntervalSet) Size() int {
	n := 0
	for _, iv := range s.intervals {
		n += iv.Size()
	}
	return n
}

func (s IntervalSet) IsEmpty() bool {
	return len(s.intervals) == 0
}

// Contains reports whether id belongs to the set.
func (s IntervalSet) Contains(id int) bool {
	i := sort.Search(len(s.intervals), func(i int) bool {
		return s.intervals[i].Upper >= id
	})
	return i < len(s.intervals) && s.intervals[i].Lower <= id
}

// Intervals returns a copy of the intervals of the set, in ascending order.
func (s IntervalSet) Intervals() []Interval {
	cp := make([]Interval, len(s.intervals))
	copy(cp, s.intervals)
	return cp
}

// Elements returns every id of the set in ascending order.
func (s IntervalSet) Elements() []int {
	ids := make([]int, 0, s.Size())
	for _, iv := range s.intervals {
		for id := iv.Lower; id <= iv.Upper; id++ {
			ids = append(ids, id)
		}
	}
	return ids
}

// BiggestInterval returns the first interval of maximal size.
func (s IntervalSet) BiggestInterval() (Interval, bool) {
	if s.IsEmpty() {
		return Interval{}, false
	}
	best := s.intervals[0]
	for _, iv := range s.intervals[1:] {
		if iv.Size() > best.Size() {
			best = iv
		}
	}
	return best, true
}

// Union returns s ∪ o.
func (s IntervalSet) Union(o IntervalSet) IntervalSet {
	ivs := make([]Interval, 0, len(s.intervals)+len(o.intervals))
	ivs = append(ivs, s.intervals...)
	ivs = append(ivs, o.intervals...)
	return IntervalSet{intervals: normalize(ivs)}
}

// Intersection returns s ∩ o.
func (s IntervalSet) Intersection(o IntervalSet) IntervalSet {
	var res []Interval
	i, j := 0, 0
	for i < len(s.intervals) && j < len(o.intervals) {
		a, b := s.intervals[i], o.intervals[j]
		lower, upper := max(a.Lower, b.Lower), min(a.Upper, b.Upper)
		if lower <= upper {
			res = append(res, Interval{Lower: lower, Upper: upper})
		}
		if a.Upper < b.Upper {
			i++
		} else {
			j++
		}
	}
	return IntervalSet{intervals: res}
}

// Difference returns s \ o.
func (s IntervalSet) Difference(o IntervalSet) IntervalSet {
	var res []Interval
	j := 0
	for _, a := range s.intervals {
		cur := a.Lower
		for j < len(o.intervals) && o.intervals[j].Upper < cur {
			j++
		}
		k := j
		for k < len(o.intervals) && o.intervals[k].Lower <= a.Upper {
			b := o.intervals[k]
			if b.Lower > cur {
				res = append(res, Interval{Lower: cur, Upper: b.Lower - 1})
			}
			if b.Upper+1 > cur {
				cur = b.Upper + 1
			}
			if b.Upper > a.Upper {
				break
			}
			k++
		}
		if cur <= a.Upper {
			res = append(res, Interval{Lower: cur, Upper: a.Upper})
		}
	}
	return IntervalSet{intervals: res}
}

// Insert adds o to s in place.
func (s *IntervalSet) Insert(o IntervalSet) {
	*s = s.Union(o)
}

// Remove removes o from s in place.
func (s *IntervalSet) Remove(o IntervalSet) {
	*s = s.Difference(o)
}

// Left returns the n smallest ids of the set. It panics if n > s.Size().
func (s IntervalSet) Left(n int) IntervalSet {
	if n < 0 || n > s.Size() {
		panic(errors.Errorf("cannot take %d ids from a set of size %d", n, s.Size()))
	}
	var res []Interval
	for _, iv := range s.intervals {
		if n == 0 {
			break
		}
		if iv.Size() <= n {
			res = append(res, iv)
			n -= iv.Size()
		} else {
			res = append(res, Interval{Lower: iv.Lower, Upper: iv.Lower + n - 1})
			n = 0
		}
	}
	return IntervalSet{intervals: res}
}

// RandomSubset returns n ids of the set picked uniformly with r.
// It panics if n > s.Size().
func (s IntervalSet) RandomSubset(n int, r *rand.Rand) IntervalSet {
	if n < 0 || n > s.Size() {
		panic(errors.Errorf("cannot take %d ids from a set of size %d", n, s.Size()))
	}
	ids := s.Elements()
	r.Shuffle(len(ids), func(i, j int) {
		ids[i], ids[j] = ids[j], ids[i]
	})
	return New(ids[:n]...)
}

func (s IntervalSet) Equal(o IntervalSet) bool {
	if len(s.intervals) != len(o.intervals) {
		return false
	}
	for i := range s.intervals {
		if s.intervals[i] != o.intervals[i] {
			return false
		}
	}
	return true
}

// IsSubsetOf reports whether every id of s belongs to o.
func (s IntervalSet) IsSubsetOf(o IntervalSet) bool {
	return s.Difference(o).IsEmpty()
}

// Overlaps reports whether s and o share at least one id.
func (s IntervalSet) Overlaps(o IntervalSet) bool {
	return !s.Intersection(o).IsEmpty()
}

// String uses the batsim hyphen notation, e.g. "0-3 7".
func (s IntervalSet) String() string {
	parts := make([]string, 0, len(s.intervals))
	for _, iv := range s.intervals {
		parts = append(parts, iv.String())
	}
	return strings.Join(parts, " ")
}

func (s IntervalSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *IntervalSet) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	set, err := Parse(str)
	if err != nil {
		return err
	}
	*s = set
	return nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
