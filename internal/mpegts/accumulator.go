package mpegts

import "sort"

const pidPAT = 0x0000

// programMap tracks which PIDs carry PMT sections and the PCR PID each
// program announces.
type programMap struct {
	pmtPIDs map[uint16]bool
	pcrPIDs map[uint16]uint16 // program number -> PCR PID
}

func newProgramMap() *programMap {
	return &programMap{
		pmtPIDs: make(map[uint16]bool),
		pcrPIDs: make(map[uint16]uint16),
	}
}

func (pm *programMap) addPMTPID(pid uint16) {
	pm.pmtPIDs[pid] = true
}

func (pm *programMap) isPMTPID(pid uint16) bool {
	return pm.pmtPIDs[pid]
}

// setPCRPID records the PCR PID for a program and reports whether it changed.
func (pm *programMap) setPCRPID(program, pid uint16) bool {
	old, ok := pm.pcrPIDs[program]
	pm.pcrPIDs[program] = pid
	return !ok || old != pid
}

func (pm *programMap) isPSI(pid uint16) bool {
	return pid == pidPAT || pm.isPMTPID(pid)
}

// sectionAccumulator buffers the packets of one PSI PID until a complete
// section set is present.
type sectionAccumulator struct {
	pid     uint16
	packets []*Packet
}

func (sa *sectionAccumulator) add(p *Packet) []*Packet {
	if p.TransportError {
		sa.packets = nil
		return nil
	}
	if !p.HasPayload {
		return nil
	}

	// A signaled discontinuity means the CC jump is expected.
	if len(sa.packets) > 0 && !p.Discontinuity {
		prev := sa.packets[len(sa.packets)-1].ContinuityCounter
		if p.ContinuityCounter != (prev+1)&0x0F {
			if p.ContinuityCounter == prev {
				return nil // duplicate
			}
			sa.packets = nil
		}
	}

	// Sections only start on a payload unit start.
	if len(sa.packets) == 0 && !p.PayloadUnitStart {
		return nil
	}

	var flushed []*Packet
	if p.PayloadUnitStart && len(sa.packets) > 0 {
		flushed = sa.packets
		sa.packets = nil
	}
	sa.packets = append(sa.packets, p)

	if flushed == nil && isPSIComplete(sa.packets) {
		flushed = sa.packets
		sa.packets = nil
	}
	return flushed
}

func (sa *sectionAccumulator) flush() []*Packet {
	if len(sa.packets) == 0 {
		return nil
	}
	flushed := sa.packets
	sa.packets = nil
	return flushed
}

func concatPayloads(packets []*Packet) []byte {
	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	return payload
}

// isPSIComplete checks whether the accumulated payloads contain a complete PSI section.
func isPSIComplete(packets []*Packet) bool {
	payload := concatPayloads(packets)
	if len(payload) < 1 {
		return false
	}

	pointerField := int(payload[0])
	offset := 1 + pointerField
	if offset >= len(payload) {
		return false
	}

	for offset < len(payload) {
		if payload[offset] == 0xFF {
			return true // stuffing
		}
		if offset+3 > len(payload) {
			return false
		}
		// Zero padding has section_syntax_indicator clear.
		if payload[offset+1]&0x80 == 0 {
			return true
		}
		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		needed := 3 + sectionLength
		if offset+needed > len(payload) {
			return false
		}
		offset += needed
	}
	return true
}

// sectionPool routes PSI packets to per-PID accumulators.
type sectionPool struct {
	accs map[uint16]*sectionAccumulator
}

func newSectionPool() *sectionPool {
	return &sectionPool{accs: make(map[uint16]*sectionAccumulator)}
}

func (sp *sectionPool) add(p *Packet) []*Packet {
	acc, ok := sp.accs[p.PID]
	if !ok {
		acc = &sectionAccumulator{pid: p.PID}
		sp.accs[p.PID] = acc
	}
	return acc.add(p)
}

func (sp *sectionPool) dump() [][]*Packet {
	// PAT (PID 0) first so its PMT PIDs are known before their sections.
	pids := make([]int, 0, len(sp.accs))
	for pid := range sp.accs {
		pids = append(pids, int(pid))
	}
	sort.Ints(pids)

	var all [][]*Packet
	for _, pid := range pids {
		if packets := sp.accs[uint16(pid)].flush(); packets != nil {
			all = append(all, packets)
		}
	}
	return all
}
