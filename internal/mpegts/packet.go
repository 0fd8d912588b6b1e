package mpegts

import (
	"fmt"

	"github.com/Comcast/gots/v2/packet"
)

const syncByte = 0x47

// ParsePacket decodes a single 188-byte packet.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	p := &Packet{}
	copy(p.Bytes[:], buf)

	pkt := packet.Packet(p.Bytes)
	if err := pkt.CheckErrors(); err != nil {
		return nil, fmt.Errorf("mpegts: %w", err)
	}

	p.PID = uint16(pkt.PID())
	p.ContinuityCounter = uint8(pkt.ContinuityCounter())
	p.HasPayload = pkt.HasPayload()
	p.PayloadUnitStart = pkt.PayloadUnitStartIndicator()
	p.TransportError = buf[1]&0x80 != 0
	p.HasAdaptation = buf[3]&0x20 != 0

	offset := 4
	if p.HasAdaptation {
		afLen := int(buf[offset])
		if afLen > 0 {
			p.Discontinuity = buf[offset+1]&0x80 != 0
		}
		if af, err := pkt.AdaptationField(); err == nil {
			if pcr, err := af.PCR(); err == nil {
				p.HasSCR = true
				p.SCR = int64(pcr)
			}
		}
		offset += 1 + afLen
		if offset > PacketSize {
			offset = PacketSize
		}
	}

	if p.HasPayload && offset < PacketSize {
		p.Payload = p.Bytes[offset:]
	}

	if p.PayloadUnitStart && p.PID != pidPAT && len(p.Payload) > 0 {
		if h, err := parsePESHeader(p.Payload); err == nil {
			p.PES = h
		}
	}

	return p, nil
}
