package engine

import (
	"fmt"
	"time"

	"github.com/zsiec/tsclock/internal/trend"
)

// Pacing says where the engine takes "wall" time from.
type Pacing int

const (
	// PacingRealtime uses the capture time of each packet. Use it for live
	// network input.
	PacingRealtime Pacing = iota
	// PacingStream derives wall time from the SCR PID's clock. Use it for
	// file input read faster than real time.
	PacingStream
)

func (p Pacing) String() string {
	switch p {
	case PacingRealtime:
		return "realtime"
	case PacingStream:
		return "stream"
	default:
		return fmt.Sprintf("pacing(%d)", int(p))
	}
}

// ParsePacing parses "realtime" or "stream".
func ParsePacing(s string) (Pacing, error) {
	switch s {
	case "realtime", "live":
		return PacingRealtime, nil
	case "stream", "file":
		return PacingStream, nil
	}
	return 0, fmt.Errorf("engine: unknown pacing %q", s)
}

// Defaults and floors for Config.
const (
	DefaultSCRPID        = 0x31
	DefaultMaxDriftMs    = 700
	DefaultReportPeriod  = 15 * time.Second
	MinReportPeriod      = 5 * time.Second
	MinTrendCapacity     = 60
	DefaultTrendCapacity = trend.DefaultCapacity
	// NoWarmup disables estimator warm-up.
	NoWarmup = -1
)

// Config controls what the engine measures and reports.
type Config struct {
	// MaxDriftMs is the forward PTS/DTS or SCR step, in milliseconds, at
	// which a finding is raised.
	MaxDriftMs int64
	// SCRPID carries the reference clock PTS and DTS are compared against.
	SCRPID uint16
	// AutoSCRPID lets the first PMT's PCR PID replace SCRPID.
	AutoSCRPID bool

	TrendCapacity int
	// TrendWarmup is how many samples each estimator discards before
	// fitting. Zero means trend.DefaultWarmup; NoWarmup keeps every sample.
	TrendWarmup  int
	ReportPeriod time.Duration

	// NonConformance enables the PTS-behind-PCR finding.
	NonConformance bool
	// Reorder keeps every PTS so a presentation-order sequence can be
	// drained at the end of the run. Memory grows with the run.
	Reorder bool
	// PESDelivery reports how long each PES took to arrive.
	PESDelivery bool

	Pacing Pacing
	// InitialTime is the calendar time of the first SCR. Zero means the
	// capture time of the first packet.
	InitialTime time.Time
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		MaxDriftMs:     DefaultMaxDriftMs,
		SCRPID:         DefaultSCRPID,
		AutoSCRPID:     true,
		TrendCapacity:  DefaultTrendCapacity,
		TrendWarmup:    trend.DefaultWarmup,
		ReportPeriod:   DefaultReportPeriod,
		NonConformance: true,
	}
}

// normalize fills zero values and applies floors.
func (c Config) normalize() Config {
	if c.MaxDriftMs <= 0 {
		c.MaxDriftMs = DefaultMaxDriftMs
	}
	if c.TrendCapacity == 0 {
		c.TrendCapacity = DefaultTrendCapacity
	}
	if c.TrendCapacity < MinTrendCapacity {
		c.TrendCapacity = MinTrendCapacity
	}
	if c.TrendWarmup == 0 {
		c.TrendWarmup = trend.DefaultWarmup
	}
	if c.TrendWarmup < 0 {
		c.TrendWarmup = NoWarmup
	}
	if c.ReportPeriod == 0 {
		c.ReportPeriod = DefaultReportPeriod
	}
	if c.ReportPeriod < MinReportPeriod {
		c.ReportPeriod = MinReportPeriod
	}
	if c.SCRPID > 0x1FFF {
		c.SCRPID = DefaultSCRPID
	}
	return c
}
