package appointment

import "sort"

// Less is the selection order: earliest start (date, then time of day), then
// nearest facility. Facility ID and token break any remaining tie so the order
// is total.
func Less(a, b CandidateSlot) bool {
	if !a.Start.Equal(b.Start) {
		return a.Start.Before(b.Start)
	}
	if a.Facility.Distance != b.Facility.Distance {
		return a.Facility.Distance < b.Facility.Distance
	}
	if a.Facility.ID != b.Facility.ID {
		return a.Facility.ID < b.Facility.ID
	}
	return a.Token < b.Token
}

// Selector ranks candidates and remembers slots that failed to book so they
// are never tried again in the same run.
type Selector struct {
	failed map[string]struct{}
}

func NewSelector() *Selector {
	return &Selector{failed: make(map[string]struct{})}
}

func (s *Selector) Exclude(slot CandidateSlot) { s.failed[slot.Key()] = struct{}{} }

func (s *Selector) Excluded(slot CandidateSlot) bool {
	_, ok := s.failed[slot.Key()]
	return ok
}

// Rank returns the eligible candidates in selection order, without duplicates.
func (s *Selector) Rank(slots []CandidateSlot) []CandidateSlot {
	seen := make(map[string]struct{}, len(slots))
	out := make([]CandidateSlot, 0, len(slots))
	for _, c := range slots {
		k := c.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if s.Excluded(c) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

// Select returns the head of the ranking.
func (s *Selector) Select(slots []CandidateSlot) (CandidateSlot, bool) {
	ranked := s.Rank(slots)
	if len(ranked) == 0 {
		return CandidateSlot{}, false
	}
	return ranked[0], true
}
