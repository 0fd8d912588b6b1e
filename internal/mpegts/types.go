// Package mpegts reads an MPEG transport stream one packet at a time and
// reduces each packet to the fields used for clock analysis: PID,
// continuity counter, the adaptation-field PCR and, on payload unit starts,
// the PES presentation and decode timestamps. PAT and PMT sections are
// reassembled on the side so the PCR PID of each program is known.
package mpegts

import "time"

// PacketSize is the length of a transport stream packet.
const PacketSize = 188

// NullPID carries stuffing and is never continuity checked.
const NullPID = 0x1FFF

// Packet is a parsed transport stream packet.
type Packet struct {
	PID               uint16
	ContinuityCounter uint8
	HasAdaptation     bool
	HasPayload        bool
	PayloadUnitStart  bool
	TransportError    bool
	Discontinuity     bool

	// SCR is the 27 MHz program clock reference, valid when HasSCR.
	HasSCR bool
	SCR    int64

	// PES is set when the packet starts a PES unit whose header fits in
	// this packet.
	PES *PESHeader

	// Offset is the byte position of the packet in the input.
	Offset uint64
	// WallTime is when the packet was read.
	WallTime time.Time

	Bytes   [PacketSize]byte
	Payload []byte
}

// PESHeader holds the PES header fields of interest. PTS and DTS are 90 kHz
// ticks.
type PESHeader struct {
	StreamID     uint8
	PacketLength int
	HeaderLength int
	PTSDTSFlags  uint8
	HasPTS       bool
	HasDTS       bool
	PTS          int64
	DTS          int64
}

// PATData contains the parsed Program Association Table.
type PATData struct {
	Programs []*PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

// PMTData contains the parsed Program Map Table.
type PMTData struct {
	ProgramNumber     uint16
	PCRPID            uint16
	ElementaryStreams []*PMTElementaryStream
}

// PMTElementaryStream describes a single elementary stream in a PMT.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8
}
