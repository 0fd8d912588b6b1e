package mpegts

import "encoding/binary"

func makePacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x10 | (cc & 0x0F) // payload only
	if pusi {
		buf[1] |= 0x40
	}
	for i := 4; i < PacketSize; i++ {
		buf[i] = 0xFF
	}
	copy(buf[4:], payload)
	return buf
}

// makePCRPacket builds a packet whose adaptation field carries pcr (27 MHz).
// With a nil payload the adaptation field fills the packet.
func makePCRPacket(pid uint16, cc uint8, pcr int64, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	afLen := 7
	if payload == nil {
		buf[3] = 0x20 | (cc & 0x0F)
		afLen = PacketSize - 5
	} else {
		buf[3] = 0x30 | (cc & 0x0F)
	}
	buf[4] = byte(afLen)
	buf[5] = 0x10 // PCR flag
	base := pcr / 300
	ext := pcr % 300
	buf[6] = byte(base >> 25)
	buf[7] = byte(base >> 17)
	buf[8] = byte(base >> 9)
	buf[9] = byte(base >> 1)
	buf[10] = byte(base&1)<<7 | 0x7E | byte(ext>>8)&0x01
	buf[11] = byte(ext)
	for i := 12; i < PacketSize; i++ {
		buf[i] = 0xFF
	}
	if payload != nil {
		copy(buf[5+afLen:], payload)
	}
	return buf
}

// encodePTS encodes a 33-bit PTS/DTS value into 5 bytes with marker bits.
func encodePTS(marker byte, value int64) []byte {
	bs := make([]byte, 5)
	bs[0] = marker<<4 | byte((value>>29)&0x0E) | 0x01
	bs[1] = byte(value >> 22)
	bs[2] = byte((value>>14)&0xFE) | 0x01
	bs[3] = byte(value >> 7)
	bs[4] = byte((value<<1)&0xFE) | 0x01
	return bs
}

func buildPESPacket(streamID byte, pts, dts int64, hasPTS, hasDTS bool, data []byte) []byte {
	var optHeader []byte
	ptsDTSIndicator := byte(0)
	if hasPTS && hasDTS {
		ptsDTSIndicator = 3
		optHeader = append(optHeader, encodePTS(0x03, pts)...)
		optHeader = append(optHeader, encodePTS(0x01, dts)...)
	} else if hasPTS {
		ptsDTSIndicator = 2
		optHeader = append(optHeader, encodePTS(0x02, pts)...)
	}

	headerDataLen := len(optHeader)
	packetLength := 3 + headerDataLen + len(data)
	if streamID == 0xE0 {
		packetLength = 0 // video: unbounded
	}

	buf := make([]byte, 0, 9+headerDataLen+len(data))
	buf = append(buf, 0x00, 0x00, 0x01)
	buf = append(buf, streamID)
	buf = append(buf, byte(packetLength>>8), byte(packetLength))
	buf = append(buf, 0x80)
	buf = append(buf, ptsDTSIndicator<<6)
	buf = append(buf, byte(headerDataLen))
	buf = append(buf, optHeader...)
	buf = append(buf, data...)
	return buf
}

// buildPAT constructs a valid PAT section with CRC32.
func buildPAT(tsID uint16, programs []struct{ num, pid uint16 }) []byte {
	sectionLength := 5 + len(programs)*4 + 4

	data := make([]byte, 3+sectionLength)
	data[0] = tableIDPAT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	data[3] = byte(tsID >> 8)
	data[4] = byte(tsID)
	data[5] = 0xC1
	data[6] = 0x00
	data[7] = 0x00

	offset := 8
	for _, p := range programs {
		data[offset] = byte(p.num >> 8)
		data[offset+1] = byte(p.num)
		data[offset+2] = 0xE0 | byte(p.pid>>8)&0x1F
		data[offset+3] = byte(p.pid)
		offset += 4
	}

	binary.BigEndian.PutUint32(data[offset:], computeCRC32(data[:offset]))
	return data
}

type esEntry struct {
	streamType uint8
	pid        uint16
}

// buildPMT constructs a valid PMT section with CRC32.
func buildPMT(programNum uint16, pcrPID uint16, streams []esEntry) []byte {
	sectionLength := 9 + len(streams)*5 + 4

	data := make([]byte, 3+sectionLength)
	data[0] = tableIDPMT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	data[3] = byte(programNum >> 8)
	data[4] = byte(programNum)
	data[5] = 0xC1
	data[6] = 0x00
	data[7] = 0x00
	data[8] = 0xE0 | byte(pcrPID>>8)&0x1F
	data[9] = byte(pcrPID)
	data[10] = 0xF0
	data[11] = 0x00

	offset := 12
	for _, s := range streams {
		data[offset] = s.streamType
		data[offset+1] = 0xE0 | byte(s.pid>>8)&0x1F
		data[offset+2] = byte(s.pid)
		data[offset+3] = 0xF0
		data[offset+4] = 0x00
		offset += 5
	}

	binary.BigEndian.PutUint32(data[offset:], computeCRC32(data[:offset]))
	return data
}

// withPointer prefixes a section with a zero pointer field.
func withPointer(section []byte) []byte {
	return append([]byte{0x00}, section...)
}
