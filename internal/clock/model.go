package clock

import "time"

// Model follows a single clock through its wraps and measures how far it
// has drifted from wall time since an anchor point.
type Model struct {
	domain Domain

	seen    bool
	lastRaw int64
	ticks   int64 // unwrapped
	wall    time.Time

	established bool
	anchorTicks int64
	anchorWall  time.Time
}

// NewModel returns an unanchored model for the given clock domain.
func NewModel(d Domain) *Model {
	return &Model{domain: d}
}

// Domain returns the clock domain the model tracks.
func (m *Model) Domain() Domain { return m.domain }

// EstablishWallclock pairs raw with wall as the anchor for drift
// measurements. Only the first call has any effect.
func (m *Model) EstablishWallclock(raw int64, wall time.Time) {
	if m.established {
		return
	}
	m.SetTicks(raw, wall)
	m.anchorTicks = m.ticks
	m.anchorWall = wall
	m.established = true
}

// Established reports whether the wallclock anchor has been set.
func (m *Model) Established() bool { return m.established }

// SetTicks records a new raw observation taken at wall. The value is
// unwrapped against the previous one: a drop of more than half the modulus
// counts as a forward wrap, smaller drops stay backward steps.
func (m *Model) SetTicks(raw int64, wall time.Time) {
	if !m.seen {
		m.ticks = raw
		m.seen = true
	} else {
		m.ticks += m.domain.Diff(m.lastRaw, raw)
	}
	m.lastRaw = raw
	m.wall = wall
}

// Ticks returns the current unwrapped tick value.
func (m *Model) Ticks() int64 { return m.ticks }

// Elapsed returns the clock time and wall time that have passed since the
// anchor.
func (m *Model) Elapsed() (clockElapsed, wallElapsed time.Duration, ok bool) {
	if !m.established {
		return 0, 0, false
	}
	return m.domain.Duration(m.ticks - m.anchorTicks), m.wall.Sub(m.anchorWall), true
}

// Drift returns clock elapsed minus wall elapsed since the anchor. Positive
// means the clock runs ahead of wall time. ok is false until the anchor is
// established.
func (m *Model) Drift() (time.Duration, bool) {
	c, w, ok := m.Elapsed()
	if !ok {
		return 0, false
	}
	return c - w, true
}

// DriftMicros is Drift in microseconds.
func (m *Model) DriftMicros() (int64, bool) {
	d, ok := m.Drift()
	return d.Microseconds(), ok
}

// DriftMillis is Drift in milliseconds.
func (m *Model) DriftMillis() (int64, bool) {
	d, ok := m.Drift()
	return d.Milliseconds(), ok
}
