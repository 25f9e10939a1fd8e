package eventlog

import "time"

// Filter selects a subset of the log for query/subscribe. A zero-valued
// field means "no constraint on this dimension." When multiple dimensions
// are set they are ANDed together.
type Filter struct {
	AggregateID   string
	Kinds         []Kind
	FromSequence  uint64
	ToSequence    uint64Optional
	FromTime      time.Time
	ToTime        time.Time
	Limit         int
}

// uint64Optional distinguishes "no upper sequence bound" from "bound is
// zero," since zero is a valid sequence-adjacent value (sequences start at
// 1, so in practice 0 also means unset, but this keeps the filter honest).
type uint64Optional struct {
	Value uint64
	Set   bool
}

// ToSeq builds an optional upper sequence bound.
func ToSeq(v uint64) uint64Optional { return uint64Optional{Value: v, Set: true} }

func (f Filter) kindSet() map[Kind]bool {
	if len(f.Kinds) == 0 {
		return nil
	}
	m := make(map[Kind]bool, len(f.Kinds))
	for _, k := range f.Kinds {
		m[k] = true
	}
	return m
}

func (f Filter) matches(e *Event) bool {
	if f.AggregateID != "" && e.AggregateID != f.AggregateID {
		return false
	}
	if ks := f.kindSet(); ks != nil && !ks[e.Kind] {
		return false
	}
	if f.FromSequence != 0 && e.Sequence < f.FromSequence {
		return false
	}
	if f.ToSequence.Set && e.Sequence > f.ToSequence.Value {
		return false
	}
	if !f.FromTime.IsZero() && e.AppendedAt.Before(f.FromTime) {
		return false
	}
	if !f.ToTime.IsZero() && e.AppendedAt.After(f.ToTime) {
		return false
	}
	return true
}
