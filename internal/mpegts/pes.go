package mpegts

import (
	"errors"
	"fmt"

	"github.com/Comcast/gots/v2/pes"
)

var errNotPES = errors.New("mpegts: no PES start code")

// isPESPayload checks for the PES start code prefix (0x000001).
func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// parsePESHeader reads the header at the start of a PES unit. Only the bytes
// of the first packet are available, so the header must fit in them.
func parsePESHeader(payload []byte) (*PESHeader, error) {
	if !isPESPayload(payload) {
		return nil, errNotPES
	}
	if len(payload) < 6 {
		return nil, fmt.Errorf("mpegts: PES packet too short (%d bytes)", len(payload))
	}

	h := &PESHeader{
		StreamID:     payload[3],
		PacketLength: int(payload[4])<<8 | int(payload[5]),
	}

	// Stream IDs without an optional header carry no timestamps.
	switch h.StreamID {
	case 0xBC, 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return h, nil
	}

	if len(payload) < 9 {
		return nil, fmt.Errorf("mpegts: PES optional header too short")
	}
	h.PTSDTSFlags = (payload[7] >> 6) & 0x03
	h.HeaderLength = int(payload[8])
	if 9+h.HeaderLength > len(payload) {
		return nil, fmt.Errorf("mpegts: PES header length %d exceeds packet", h.HeaderLength)
	}

	ph, err := pes.NewPESHeader(payload)
	if err != nil {
		return nil, fmt.Errorf("mpegts: PES header: %w", err)
	}
	if h.PTSDTSFlags&0x2 != 0 && ph.HasPTS() {
		h.HasPTS = true
		h.PTS = int64(ph.PTS())
	}
	if h.PTSDTSFlags == 3 && ph.HasDTS() {
		h.HasDTS = true
		h.DTS = int64(ph.DTS())
	}
	return h, nil
}
