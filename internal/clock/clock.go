// Package clock models the modulo-wrapping clock domains carried in an MPEG
// transport stream: the 27 MHz system clock (SCR/PCR) and the 90 kHz
// presentation and decode timestamps (PTS/DTS).
package clock

import (
	"fmt"
	"time"
)

// Unit conversions between the two clock domains.
const (
	SCRPerPTSTick = 300    // 27 MHz ticks per 90 kHz tick
	SCRTicksPerMs = 27_000 // 27 MHz ticks per millisecond
	SCRTicksPerUs = 27     // 27 MHz ticks per microsecond
	PTSTicksPerMs = 90     // 90 kHz ticks per millisecond
)

// Domain describes a clock's tick rate and the value at which it wraps.
type Domain struct {
	Name    string
	Hz      int64
	Modulus int64
}

// The two clock domains of an MPEG transport stream.
var (
	SCR = Domain{Name: "SCR", Hz: 27_000_000, Modulus: (1 << 33) * SCRPerPTSTick}
	PTS = Domain{Name: "PTS", Hz: 90_000, Modulus: 1 << 33}
)

// Diff returns b - a corrected for wraparound, so the result is the
// smallest signed step from a to b. It lies in [-Modulus/2, Modulus/2] and
// Diff(a, b) == -Diff(b, a).
func (d Domain) Diff(a, b int64) int64 {
	delta := (b - a) % d.Modulus
	half := d.Modulus / 2
	switch {
	case delta > half:
		delta -= d.Modulus
	case delta < -half:
		delta += d.Modulus
	}
	return delta
}

// Forward returns the distance from a to b moving forward around the
// clock, in [0, Modulus).
func (d Domain) Forward(a, b int64) int64 {
	delta := (b - a) % d.Modulus
	if delta < 0 {
		delta += d.Modulus
	}
	return delta
}

// Less reports whether a precedes b on the wrapping timeline.
func (d Domain) Less(a, b int64) bool {
	return d.Diff(a, b) > 0
}

// Duration converts a signed tick count to a time.Duration without
// overflowing on multi-day spans.
func (d Domain) Duration(ticks int64) time.Duration {
	sec := ticks / d.Hz
	rem := ticks % d.Hz
	return time.Duration(sec)*time.Second + time.Duration(rem*int64(time.Second)/d.Hz)
}

// Micros converts a signed tick count to microseconds.
func (d Domain) Micros(ticks int64) int64 {
	return ticks/d.Hz*1_000_000 + ticks%d.Hz*1_000_000/d.Hz
}

// Millis converts a signed tick count to milliseconds.
func (d Domain) Millis(ticks int64) int64 {
	return ticks/d.Hz*1_000 + ticks%d.Hz*1_000/d.Hz
}

// Seconds converts a tick count to fractional seconds.
func (d Domain) Seconds(ticks int64) float64 {
	return float64(ticks) / float64(d.Hz)
}

// Timecode renders a tick value as hh:mm:ss.mmm, wrapping past 24 hours.
func (d Domain) Timecode(ticks int64) string {
	ms := d.Millis(ticks)
	h := ms / 3_600_000 % 24
	m := ms / 60_000 % 60
	s := ms / 1_000 % 60
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms%1_000)
}
