// Package tsgen writes synthetic single-program transport streams with a
// steady PCR and one PES per frame. It drives the self tests and gives
// the analysis packages realistic input.
package tsgen

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/zsiec/tsclock/internal/clock"
	"github.com/zsiec/tsclock/internal/mpegts"
)

// Config describes the stream to generate. Zero fields take the defaults
// noted.
type Config struct {
	ProgramNumber uint16 // 1
	PMTPID        uint16 // 0x1000
	PCRPID        uint16 // 0x31
	VideoPID      uint16 // 0x100

	// StartPCR is the first PCR in 27 MHz ticks. Values past the modulus
	// wrap.
	StartPCR int64
	// PTSOffset is how far each PTS leads its frame's PCR, in 90 kHz ticks.
	PTSOffset int64
	// FrameInterval is the spacing of frames and PCRs (40ms).
	FrameInterval time.Duration
	Frames        int
	// DTS adds a DTS one frame interval before each PTS.
	DTS bool
	// PSIEvery repeats the PAT and PMT every n frames; zero writes them
	// once at the start.
	PSIEvery int
	// PTSAt, when set, may replace frame i's PTS.
	PTSAt func(frame int, pts int64) int64
}

func (c Config) withDefaults() Config {
	if c.ProgramNumber == 0 {
		c.ProgramNumber = 1
	}
	if c.PMTPID == 0 {
		c.PMTPID = 0x1000
	}
	if c.PCRPID == 0 {
		c.PCRPID = 0x31
	}
	if c.VideoPID == 0 {
		c.VideoPID = 0x100
	}
	if c.FrameInterval == 0 {
		c.FrameInterval = 40 * time.Millisecond
	}
	return c
}

// Generator writes a stream described by a Config.
type Generator struct {
	cfg Config
	cc  map[uint16]uint8
}

// New creates a Generator.
func New(cfg Config) *Generator {
	return &Generator{cfg: cfg.withDefaults(), cc: make(map[uint16]uint8)}
}

// Config returns the configuration with defaults applied.
func (g *Generator) Config() Config { return g.cfg }

// Bytes returns the whole stream.
func (g *Generator) Bytes() []byte {
	var buf bytes.Buffer
	g.WriteTo(&buf)
	return buf.Bytes()
}

// WriteTo writes the stream to w.
func (g *Generator) WriteTo(w io.Writer) (int64, error) {
	var total int64
	write := func(pkt []byte) error {
		n, err := w.Write(pkt)
		total += int64(n)
		return err
	}

	frameSCR := g.cfg.FrameInterval.Microseconds() * clock.SCRTicksPerUs
	frame90 := frameSCR / clock.SCRPerPTSTick

	for i := 0; i < g.cfg.Frames; i++ {
		if i == 0 || (g.cfg.PSIEvery > 0 && i%g.cfg.PSIEvery == 0) {
			if err := write(g.psiPacket(0, g.pat())); err != nil {
				return total, err
			}
			if err := write(g.psiPacket(g.cfg.PMTPID, g.pmt())); err != nil {
				return total, err
			}
		}

		pcr := wrap(g.cfg.StartPCR+int64(i)*frameSCR, clock.SCR.Modulus)
		if err := write(g.pcrPacket(pcr)); err != nil {
			return total, err
		}

		pts := wrap(pcr/clock.SCRPerPTSTick+g.cfg.PTSOffset, clock.PTS.Modulus)
		if g.cfg.PTSAt != nil {
			pts = wrap(g.cfg.PTSAt(i, pts), clock.PTS.Modulus)
		}
		dts := int64(-1)
		if g.cfg.DTS {
			dts = wrap(pts-frame90, clock.PTS.Modulus)
		}
		if err := write(g.pesPacket(pts, dts)); err != nil {
			return total, err
		}
		if err := write(g.payloadPacket(g.cfg.VideoPID)); err != nil {
			return total, err
		}
	}
	return total, nil
}

func wrap(v, modulus int64) int64 {
	v %= modulus
	if v < 0 {
		v += modulus
	}
	return v
}

func (g *Generator) nextCC(pid uint16) uint8 {
	cc := g.cc[pid]
	g.cc[pid] = (cc + 1) & 0x0F
	return cc
}

func (g *Generator) header(pid uint16, pusi bool, afc byte) []byte {
	buf := make([]byte, mpegts.PacketSize)
	buf[0] = 0x47
	buf[1] = byte(pid>>8) & 0x1F
	if pusi {
		buf[1] |= 0x40
	}
	buf[2] = byte(pid)
	buf[3] = afc<<4 | g.nextCC(pid)
	return buf
}

func (g *Generator) psiPacket(pid uint16, section []byte) []byte {
	buf := g.header(pid, true, 0x1)
	buf[4] = 0 // pointer field
	n := copy(buf[5:], section)
	for i := 5 + n; i < len(buf); i++ {
		buf[i] = 0xFF
	}
	return buf
}

// pcrPacket carries only an adaptation field, so its continuity counter
// does not advance.
func (g *Generator) pcrPacket(pcr int64) []byte {
	buf := make([]byte, mpegts.PacketSize)
	buf[0] = 0x47
	buf[1] = byte(g.cfg.PCRPID>>8) & 0x1F
	buf[2] = byte(g.cfg.PCRPID)
	buf[3] = 0x20 | g.cc[g.cfg.PCRPID]
	buf[4] = mpegts.PacketSize - 5
	buf[5] = 0x10
	base := pcr / clock.SCRPerPTSTick
	ext := pcr % clock.SCRPerPTSTick
	buf[6] = byte(base >> 25)
	buf[7] = byte(base >> 17)
	buf[8] = byte(base >> 9)
	buf[9] = byte(base >> 1)
	buf[10] = byte(base&1)<<7 | 0x7E | byte(ext>>8)&0x01
	buf[11] = byte(ext)
	for i := 12; i < len(buf); i++ {
		buf[i] = 0xFF
	}
	return buf
}

func (g *Generator) pesPacket(pts, dts int64) []byte {
	var opt []byte
	flags := byte(0x80)
	if dts >= 0 {
		flags = 0xC0
		opt = append(opt, encodeTimestamp(0x3, pts)...)
		opt = append(opt, encodeTimestamp(0x1, dts)...)
	} else {
		opt = append(opt, encodeTimestamp(0x2, pts)...)
	}

	buf := g.header(g.cfg.VideoPID, true, 0x1)
	pes := []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x80, flags, byte(len(opt))}
	pes = append(pes, opt...)
	n := copy(buf[4:], pes)
	for i := 4 + n; i < len(buf); i++ {
		buf[i] = 0xFF
	}
	return buf
}

func (g *Generator) payloadPacket(pid uint16) []byte {
	buf := g.header(pid, false, 0x1)
	for i := 4; i < len(buf); i++ {
		buf[i] = 0xFF
	}
	return buf
}

func encodeTimestamp(marker byte, v int64) []byte {
	return []byte{
		marker<<4 | byte((v>>29)&0x0E) | 0x01,
		byte(v >> 22),
		byte((v>>14)&0xFE) | 0x01,
		byte(v >> 7),
		byte((v<<1)&0xFE) | 0x01,
	}
}

func (g *Generator) pat() []byte {
	const sectionLength = 5 + 4 + 4
	data := make([]byte, 3+sectionLength)
	data[0] = 0x00
	data[1] = 0xB0
	data[2] = sectionLength
	data[3], data[4] = 0x00, 0x01
	data[5] = 0xC1
	binary.BigEndian.PutUint16(data[8:], g.cfg.ProgramNumber)
	data[10] = 0xE0 | byte(g.cfg.PMTPID>>8)&0x1F
	data[11] = byte(g.cfg.PMTPID)
	binary.BigEndian.PutUint32(data[12:], mpegts.CRC32(data[:12]))
	return data
}

func (g *Generator) pmt() []byte {
	const sectionLength = 9 + 5 + 4
	data := make([]byte, 3+sectionLength)
	data[0] = 0x02
	data[1] = 0xB0
	data[2] = sectionLength
	binary.BigEndian.PutUint16(data[3:], g.cfg.ProgramNumber)
	data[5] = 0xC1
	data[8] = 0xE0 | byte(g.cfg.PCRPID>>8)&0x1F
	data[9] = byte(g.cfg.PCRPID)
	data[10] = 0xF0
	data[12] = 0x1B // H.264
	data[13] = 0xE0 | byte(g.cfg.VideoPID>>8)&0x1F
	data[14] = byte(g.cfg.VideoPID)
	data[15] = 0xF0
	binary.BigEndian.PutUint32(data[17:], mpegts.CRC32(data[:17]))
	return data
}
