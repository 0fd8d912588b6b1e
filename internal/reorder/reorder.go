// Package reorder rebuilds presentation order from timestamps that arrive in
// decode order. Memory grows with every insert until Drain; it is meant for
// forensic runs, not the default path.
package reorder

import "github.com/zsiec/tsclock/internal/clock"

// Entry is one timestamp observation.
type Entry struct {
	Seq    int64
	Ticks  int64
	Offset uint64
	// Delta is the wrap-aware tick step from the preceding entry after
	// reordering. Zero for the first entry.
	Delta int64
}

// Reconstructor keeps entries sorted by wrap-aware tick order.
type Reconstructor struct {
	domain  clock.Domain
	entries []Entry
}

// New returns an empty Reconstructor comparing ticks in domain d.
func New(d clock.Domain) *Reconstructor {
	return &Reconstructor{domain: d}
}

// Len returns the number of buffered entries.
func (r *Reconstructor) Len() int { return len(r.entries) }

// Insert places a timestamp after the last entry whose ticks are not
// greater, scanning backwards from the newest. Timestamps mostly arrive
// close to sorted, so the scan is short in practice.
func (r *Reconstructor) Insert(seq, ticks int64, offset uint64) {
	e := Entry{Seq: seq, Ticks: ticks, Offset: offset}

	i := len(r.entries)
	for i > 0 && r.domain.Less(ticks, r.entries[i-1].Ticks) {
		i--
	}
	r.entries = append(r.entries, Entry{})
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = e
}

// Drain returns all entries in ascending tick order with their deltas and
// empties the reconstructor.
func (r *Reconstructor) Drain() []Entry {
	out := r.entries
	r.entries = nil
	for i := range out {
		if i == 0 {
			out[i].Delta = 0
			continue
		}
		out[i].Delta = r.domain.Diff(out[i-1].Ticks, out[i].Ticks)
	}
	return out
}
