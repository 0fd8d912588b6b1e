package mpegts

import "fmt"

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

// psiTables holds the tables decoded from one PSI payload.
type psiTables struct {
	pats []*PATData
	pmts []*PMTData
}

func parsePSI(payload []byte) (psiTables, error) {
	var out psiTables
	if len(payload) < 1 {
		return out, fmt.Errorf("mpegts: PSI payload too short")
	}

	pointerField := int(payload[0])
	offset := 1 + pointerField
	if offset >= len(payload) {
		return out, fmt.Errorf("mpegts: PSI pointer field out of range")
	}

	for offset < len(payload) {
		tableID := payload[offset]
		if tableID == 0xFF {
			break // stuffing
		}
		if offset+3 > len(payload) {
			break
		}
		if payload[offset+1]&0x80 == 0 {
			break
		}

		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		sectionEnd := offset + 3 + sectionLength
		if sectionEnd > len(payload) {
			break
		}
		section := payload[offset:sectionEnd]

		switch tableID {
		case tableIDPAT:
			pat, err := parsePATSection(section)
			if err != nil {
				return out, err
			}
			out.pats = append(out.pats, pat)
		case tableIDPMT:
			pmt, err := parsePMTSection(section)
			if err != nil {
				return out, err
			}
			out.pmts = append(out.pmts, pmt)
		}

		offset = sectionEnd
	}

	return out, nil
}

func parsePATSection(data []byte) (*PATData, error) {
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PAT %w", err)
	}

	// [0]       table_id
	// [1-2]     section_syntax_indicator, section_length
	// [3-4]     transport_stream_id
	// [5-7]     version, section numbers
	// [8..N-4]  program entries, 4 bytes each
	// [N-4..N]  CRC32
	if len(data) < 12 {
		return nil, fmt.Errorf("mpegts: PAT too short")
	}

	sectionLength := int(data[1]&0x0F)<<8 | int(data[2])
	entryEnd := 3 + sectionLength - 4
	if entryEnd > len(data)-4 {
		entryEnd = len(data) - 4
	}

	pat := &PATData{}
	for i := 8; i+4 <= entryEnd; i += 4 {
		programNumber := uint16(data[i])<<8 | uint16(data[i+1])
		pmtPID := uint16(data[i+2]&0x1F)<<8 | uint16(data[i+3])
		if programNumber == 0 {
			continue // NIT
		}
		pat.Programs = append(pat.Programs, &PATProgram{
			ProgramNumber: programNumber,
			ProgramMapID:  pmtPID,
		})
	}
	return pat, nil
}

func parsePMTSection(data []byte) (*PMTData, error) {
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PMT %w", err)
	}

	// [0]      table_id
	// [1-2]    section_syntax_indicator, section_length
	// [3-4]    program_number
	// [5-7]    version, section numbers
	// [8-9]    reserved(3) + PCR_PID(13)
	// [10-11]  reserved(4) + program_info_length(12)
	// then program descriptors, elementary stream entries, CRC32
	if len(data) < 16 {
		return nil, fmt.Errorf("mpegts: PMT too short")
	}

	sectionLength := int(data[1]&0x0F)<<8 | int(data[2])
	sectionEnd := 3 + sectionLength

	pmt := &PMTData{
		ProgramNumber: uint16(data[3])<<8 | uint16(data[4]),
		PCRPID:        uint16(data[8]&0x1F)<<8 | uint16(data[9]),
	}

	programInfoLength := int(data[10]&0x0F)<<8 | int(data[11])
	offset := 12 + programInfoLength
	for offset+5 <= sectionEnd-4 {
		streamType := data[offset]
		elementaryPID := uint16(data[offset+1]&0x1F)<<8 | uint16(data[offset+2])
		esInfoLength := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])

		pmt.ElementaryStreams = append(pmt.ElementaryStreams, &PMTElementaryStream{
			ElementaryPID: elementaryPID,
			StreamType:    streamType,
		})
		offset += 5 + esInfoLength
	}
	return pmt, nil
}
