package mpegts

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// ReaderStats counts what the Reader has consumed.
type ReaderStats struct {
	Packets      int64 `json:"packets"`
	Bytes        int64 `json:"bytes"`
	Skipped      int64 `json:"skipped"`
	SyncLossByte int64 `json:"syncLossBytes"`
}

// Reader yields parsed packets from a byte stream, realigning on the sync
// byte when the input is not packet aligned.
type Reader struct {
	ctx    context.Context
	log    *slog.Logger
	br     *bufio.Reader
	buf    []byte
	offset uint64
	now    func() time.Time

	programs *programMap
	sections *sectionPool
	onPMT    func(*PMTData)

	stats ReaderStats
	eof   bool
}

// NewReader creates a Reader over r.
func NewReader(ctx context.Context, r io.Reader, opts ...func(*Reader)) *Reader {
	rd := &Reader{
		ctx:      ctx,
		log:      slog.Default(),
		br:       bufio.NewReaderSize(r, PacketSize*64),
		buf:      make([]byte, PacketSize),
		now:      time.Now,
		programs: newProgramMap(),
		sections: newSectionPool(),
	}
	for _, opt := range opts {
		opt(rd)
	}
	rd.log = rd.log.With("component", "ts-reader")
	return rd
}

// ReaderOptClock sets the source of packet wall times.
func ReaderOptClock(now func() time.Time) func(*Reader) {
	return func(rd *Reader) {
		rd.now = now
	}
}

// ReaderOptLogger sets the logger.
func ReaderOptLogger(log *slog.Logger) func(*Reader) {
	return func(rd *Reader) {
		if log != nil {
			rd.log = log
		}
	}
}

// ReaderOptPMTHandler registers a callback for every PMT whose PCR PID is
// new or has changed.
func ReaderOptPMTHandler(fn func(*PMTData)) func(*Reader) {
	return func(rd *Reader) {
		rd.onPMT = fn
	}
}

// Stats returns the counters accumulated so far. Not safe for use
// concurrently with Next.
func (rd *Reader) Stats() ReaderStats { return rd.stats }

// Offset returns the number of bytes consumed from the input.
func (rd *Reader) Offset() uint64 { return rd.offset }

// Next returns the next packet. It returns io.EOF once the input is
// exhausted and the context's error if it is cancelled.
func (rd *Reader) Next() (*Packet, error) {
	for {
		if rd.eof {
			return nil, io.EOF
		}
		if err := rd.ctx.Err(); err != nil {
			return nil, err
		}

		pos, err := rd.readPacket()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				rd.eof = true
				rd.drainSections()
				continue
			}
			return nil, err
		}

		pkt, err := ParsePacket(rd.buf)
		if err != nil {
			rd.stats.Skipped++
			rd.log.Debug("skipping corrupt packet", "offset", pos, "error", err)
			continue
		}
		pkt.Offset = pos
		pkt.WallTime = rd.now()
		rd.stats.Packets++

		if rd.programs.isPSI(pkt.PID) {
			if flushed := rd.sections.add(pkt); flushed != nil {
				rd.handleSections(flushed)
			}
		}
		return pkt, nil
	}
}

// readPacket fills rd.buf with the next sync-aligned packet and returns
// its offset.
func (rd *Reader) readPacket() (uint64, error) {
	for {
		b, err := rd.br.ReadByte()
		if err != nil {
			return 0, err
		}
		rd.offset++
		rd.stats.Bytes++
		if b != syncByte {
			rd.stats.SyncLossByte++
			continue
		}
		pos := rd.offset - 1
		rd.buf[0] = b
		n, err := io.ReadFull(rd.br, rd.buf[1:])
		rd.offset += uint64(n)
		rd.stats.Bytes += int64(n)
		if err != nil {
			return 0, err
		}
		return pos, nil
	}
}

func (rd *Reader) handleSections(packets []*Packet) {
	tables, err := parsePSI(concatPayloads(packets))
	if err != nil {
		rd.log.Debug("skipping corrupt section", "pid", packets[0].PID, "error", err)
	}
	for _, pat := range tables.pats {
		for _, p := range pat.Programs {
			rd.programs.addPMTPID(p.ProgramMapID)
		}
	}
	for _, pmt := range tables.pmts {
		if rd.programs.setPCRPID(pmt.ProgramNumber, pmt.PCRPID) && rd.onPMT != nil {
			rd.onPMT(pmt)
		}
	}
}

func (rd *Reader) drainSections() {
	for _, packets := range rd.sections.dump() {
		rd.handleSections(packets)
	}
}

// PCRPIDs returns the PCR PID announced by each program seen so far,
// keyed by program number.
func (rd *Reader) PCRPIDs() map[uint16]uint16 {
	out := make(map[uint16]uint16, len(rd.programs.pcrPIDs))
	for k, v := range rd.programs.pcrPIDs {
		out[k] = v
	}
	return out
}
