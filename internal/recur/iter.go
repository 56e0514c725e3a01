package recur

import (
	"iter"
	"time"
)

// NextN returns the next n occurrences after from, each seeded by the one
// before it. It returns an empty slice when n is not positive.
func (r *Rule) NextN(n int, from time.Time) ([]time.Time, error) {
	return r.steps(forward, n, from)
}

// PrevN returns the previous n occurrences before from, latest first.
func (r *Rule) PrevN(n int, from time.Time) ([]time.Time, error) {
	return r.steps(backward, n, from)
}

func (r *Rule) steps(d direction, n int, from time.Time) ([]time.Time, error) {
	if n <= 0 {
		return []time.Time{}, nil
	}
	out := make([]time.Time, 0, n)
	cur := from
	for i := 0; i < n; i++ {
		next, err := r.search(d, cur)
		if err != nil {
			return out, err
		}
		out = append(out, next)
		cur = next
	}
	return out, nil
}

// Iterator walks occurrences lazily in one direction. It holds only the rule,
// the last produced time and an optional end bound, so it can be recreated
// from any point with Reset.
type Iterator struct {
	rule *Rule
	dir  direction
	cur  time.Time
	end  time.Time
	done bool
}

// Iter returns an iterator over occurrences after from.
func (r *Rule) Iter(from time.Time) *Iterator {
	return &Iterator{rule: r, dir: forward, cur: from}
}

// IterBackward returns an iterator over occurrences before from, latest first.
func (r *Rule) IterBackward(from time.Time) *Iterator {
	return &Iterator{rule: r, dir: backward, cur: from}
}

// Until bounds the iterator: it stops once an occurrence would fall after end
// (or before end when iterating backward). An occurrence equal to end is
// still produced.
func (it *Iterator) Until(end time.Time) *Iterator {
	it.end = end
	return it
}

// Reset restarts the iteration from from, keeping the end bound.
func (it *Iterator) Reset(from time.Time) {
	it.cur = from
	it.done = false
}

// Next returns the next occurrence. ok is false once the end bound is
// crossed; err is non-nil only when the rule's search is exhausted.
func (it *Iterator) Next() (t time.Time, ok bool, err error) {
	if it.done {
		return time.Time{}, false, nil
	}
	next, err := it.rule.search(it.dir, it.cur)
	if err != nil {
		it.done = true
		return time.Time{}, false, err
	}
	if it.pastEnd(next) {
		it.done = true
		return time.Time{}, false, nil
	}
	it.cur = next
	return next, true, nil
}

func (it *Iterator) pastEnd(t time.Time) bool {
	if it.end.IsZero() {
		return false
	}
	if it.dir.sign > 0 {
		return t.After(it.end)
	}
	return t.Before(it.end)
}

// Seq adapts the iterator for range-over-func. A search error is yielded once
// and ends the sequence.
func (it *Iterator) Seq() iter.Seq2[time.Time, error] {
	return func(yield func(time.Time, error) bool) {
		for {
			t, ok, err := it.Next()
			if err != nil {
				yield(time.Time{}, err)
				return
			}
			if !ok || !yield(t, nil) {
				return
			}
		}
	}
}
