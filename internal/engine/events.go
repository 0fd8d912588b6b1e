package engine

import (
	"fmt"
	"time"

	"github.com/zsiec/tsclock/internal/mpegts"
)

// FindingKind identifies a timing anomaly.
type FindingKind int

const (
	// PTSBehindPCR: the timestamp is earlier than the reference clock.
	PTSBehindPCR FindingKind = iota + 1
	// ExcessClockDelta: the step between successive timestamps is at least
	// the configured maximum.
	ExcessClockDelta
	// ExcessSCRDelta: the reference clock advanced by at least the
	// configured maximum between successive timestamps.
	ExcessSCRDelta
	// ContinuityGap: the continuity counter did not advance by one.
	ContinuityGap
)

var findingNames = map[FindingKind]string{
	PTSBehindPCR:     "pts-behind-pcr",
	ExcessClockDelta: "excess-clock-delta",
	ExcessSCRDelta:   "excess-scr-delta",
	ContinuityGap:    "continuity-gap",
}

func (k FindingKind) String() string {
	if s, ok := findingNames[k]; ok {
		return s
	}
	return fmt.Sprintf("finding(%d)", int(k))
}

// MarshalText renders the kind by name in JSON.
func (k FindingKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name.
func (k *FindingKind) UnmarshalText(b []byte) error {
	for kind, name := range findingNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("engine: unknown finding kind %q", b)
}

// Finding is an advisory timing anomaly. Findings never stop processing.
type Finding struct {
	Kind  FindingKind `json:"kind"`
	PID   uint16      `json:"pid"`
	Clock string      `json:"clock,omitempty"`
	// Seq is the per-PID timestamp count of the PTS or DTS that raised it.
	Seq    int64  `json:"seq,omitempty"`
	Offset uint64 `json:"offset"`

	// Continuity counter values for ContinuityGap.
	Expected uint8 `json:"expected,omitempty"`
	Got      uint8 `json:"got,omitempty"`

	// ValueMs is the offending offset or delta in milliseconds.
	ValueMs     float64 `json:"valueMs,omitempty"`
	ThresholdMs int64   `json:"thresholdMs,omitempty"`

	StreamTime time.Time `json:"streamTime"`
}

// SCRRecord describes one SCR observation.
type SCRRecord struct {
	PID        uint16    `json:"pid"`
	Seq        int64     `json:"seq"`
	Offset     uint64    `json:"offset"`
	SCR        int64     `json:"scr"`
	DeltaTicks int64     `json:"deltaTicks"`
	StreamTime time.Time `json:"streamTime"`
	Wall       time.Time `json:"wall"`
	// DriftMs is the SCR's drift from wall time, valid when DriftOK.
	DriftMs int64 `json:"driftMs"`
	DriftOK bool  `json:"driftOk"`
}

// TimestampRecord describes one PTS or DTS observation.
type TimestampRecord struct {
	PID    uint16 `json:"pid"`
	Clock  string `json:"clock"`
	Seq    int64  `json:"seq"`
	Offset uint64 `json:"offset"`
	Ticks  int64  `json:"ticks"`
	// DeltaTicks is the 90 kHz step from the previous timestamp.
	DeltaTicks int64 `json:"deltaTicks"`
	// SCRDeltaMs is how far the reference clock moved since the previous
	// timestamp.
	SCRDeltaMs int64 `json:"scrDeltaMs"`
	// MinusSCRTicks is this timestamp minus the reference clock, in 27 MHz
	// ticks, valid when HasSCR.
	MinusSCRTicks int64     `json:"minusScrTicks"`
	HasSCR        bool      `json:"hasScr"`
	Wall          time.Time `json:"wall"`
	DriftMs       int64     `json:"driftMs"`
	DriftOK       bool      `json:"driftOk"`

	PES *mpegts.PESHeader `json:"-"`
}

// DeliveryRecord reports how long the previous PES on a PID took to arrive.
type DeliveryRecord struct {
	PID uint16 `json:"pid"`
	// Seq is the timestamp count of the PES being measured.
	Seq    int64 `json:"seq"`
	Ticks  int64 `json:"ticks"`
	Micros int64 `json:"micros"`
}

// Observer receives everything the engine measures. Calls come from the
// goroutine that calls Process.
type Observer interface {
	OnSCR(SCRRecord)
	OnTimestamp(TimestampRecord)
	OnDelivery(DeliveryRecord)
	OnFinding(Finding)
}

// NopObserver ignores every event. Embed it to implement part of Observer.
type NopObserver struct{}

func (NopObserver) OnSCR(SCRRecord)             {}
func (NopObserver) OnTimestamp(TimestampRecord) {}
func (NopObserver) OnDelivery(DeliveryRecord)   {}
func (NopObserver) OnFinding(Finding)           {}

// Observers fans events out to several observers in order.
type Observers []Observer

func (o Observers) OnSCR(r SCRRecord) {
	for _, obs := range o {
		obs.OnSCR(r)
	}
}

func (o Observers) OnTimestamp(r TimestampRecord) {
	for _, obs := range o {
		obs.OnTimestamp(r)
	}
}

func (o Observers) OnDelivery(r DeliveryRecord) {
	for _, obs := range o {
		obs.OnDelivery(r)
	}
}

func (o Observers) OnFinding(f Finding) {
	for _, obs := range o {
		obs.OnFinding(f)
	}
}
