package firmware

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// MADT interrupt controller structure types.
const (
	madtLocalAPIC      = 0
	madtIOAPIC         = 1
	madtSourceOverride = 2
	madtNMISource      = 3
)

const madtHeaderSize = 44

// MADT is a decoded multiple APIC description table.
type MADT struct {
	LAPICAddress uint32
	// PCATCompat reports a dual 8259A pair alongside the APICs.
	PCATCompat bool
	IOAPICs    []MADTIOAPIC
	Overrides  []MADTOverride
	NMIs       []MADTNMI
	CPUs       int
}

// MADTIOAPIC is one IO-APIC structure.
type MADTIOAPIC struct {
	ID      uint8
	Address uint32
	GSIBase uint32
}

// MADTOverride is one interrupt source override.
type MADTOverride struct {
	Bus   uint8
	IRQ   uint8
	GSI   uint32
	Flags uint16
}

// MADTNMI is one NMI source.
type MADTNMI struct {
	Flags uint16
	GSI   uint32
}

// DecodeMADT checks the header and checksum of table and decodes its
// interrupt controller structures. Unknown structure types are skipped.
func DecodeMADT(table []byte) (*MADT, error) {
	if len(table) < madtHeaderSize {
		return nil, fmt.Errorf("firmware: MADT too short (%d bytes)", len(table))
	}
	if string(table[:4]) != "APIC" {
		return nil, fmt.Errorf("firmware: bad MADT signature %q", table[:4])
	}
	length := int(binary.LittleEndian.Uint32(table[4:8]))
	if length < madtHeaderSize || length > len(table) {
		return nil, fmt.Errorf("firmware: MADT length %d out of range", length)
	}
	table = table[:length]
	var sum byte
	for _, b := range table {
		sum += b
	}
	if sum != 0 {
		return nil, fmt.Errorf("firmware: MADT checksum mismatch")
	}

	m := &MADT{
		LAPICAddress: binary.LittleEndian.Uint32(table[36:40]),
		PCATCompat:   binary.LittleEndian.Uint32(table[40:44])&1 != 0,
	}
	for body := table[madtHeaderSize:]; len(body) > 0; {
		if len(body) < 2 || body[1] < 2 || int(body[1]) > len(body) {
			return nil, fmt.Errorf("firmware: truncated MADT structure at offset %d", length-len(body))
		}
		entry := body[:body[1]]
		body = body[body[1]:]

		switch entry[0] {
		case madtLocalAPIC:
			if len(entry) < 8 {
				return nil, fmt.Errorf("firmware: short local APIC structure")
			}
			if binary.LittleEndian.Uint32(entry[4:8])&1 != 0 {
				m.CPUs++
			}
		case madtIOAPIC:
			if len(entry) < 12 {
				return nil, fmt.Errorf("firmware: short IO-APIC structure")
			}
			m.IOAPICs = append(m.IOAPICs, MADTIOAPIC{
				ID:      entry[2],
				Address: binary.LittleEndian.Uint32(entry[4:8]),
				GSIBase: binary.LittleEndian.Uint32(entry[8:12]),
			})
		case madtSourceOverride:
			if len(entry) < 10 {
				return nil, fmt.Errorf("firmware: short interrupt source override")
			}
			m.Overrides = append(m.Overrides, MADTOverride{
				Bus:   entry[2],
				IRQ:   entry[3],
				GSI:   binary.LittleEndian.Uint32(entry[4:8]),
				Flags: binary.LittleEndian.Uint16(entry[8:10]),
			})
		case madtNMISource:
			if len(entry) < 8 {
				return nil, fmt.Errorf("firmware: short NMI source")
			}
			m.NMIs = append(m.NMIs, MADTNMI{
				Flags: binary.LittleEndian.Uint16(entry[2:4]),
				GSI:   binary.LittleEndian.Uint32(entry[4:8]),
			})
		}
	}
	return m, nil
}

// ParseMADT turns an ACPI MADT into a Description. ACPI does not carry pin
// counts, so pinCount is asked for each IO-APIC by address, the way the
// version register would be read. ISA IRQs 0-15 are identity mapped onto
// GSIs unless an override says otherwise.
func ParseMADT(table []byte, pinCount func(addr uint64) int) (*Description, error) {
	m, err := DecodeMADT(table)
	if err != nil {
		return nil, err
	}
	if len(m.IOAPICs) == 0 {
		return nil, fmt.Errorf("firmware: MADT lists no IO-APICs")
	}

	d := &Description{Buses: []Bus{{ID: 0, Type: BusISA}}}
	ios := append([]MADTIOAPIC(nil), m.IOAPICs...)
	sort.SliceStable(ios, func(i, j int) bool { return ios[i].GSIBase < ios[j].GSIBase })
	for _, ioa := range ios {
		d.Controllers = append(d.Controllers, Controller{
			ID:      ioa.ID,
			Address: uint64(ioa.Address),
			Pins:    pinCount(uint64(ioa.Address)),
		})
	}

	gsiToPin := func(gsi uint32) (uint8, int, bool) {
		for i, ioa := range ios {
			pins := uint32(d.Controllers[i].Pins)
			if gsi >= ioa.GSIBase && gsi < ioa.GSIBase+pins {
				return ioa.ID, int(gsi - ioa.GSIBase), true
			}
		}
		return 0, 0, false
	}

	type pinKey struct {
		id  uint8
		pin int
	}
	usedIRQ := make(map[int]bool)
	usedPin := make(map[pinKey]bool)

	for _, o := range m.Overrides {
		id, pin, ok := gsiToPin(o.GSI)
		if !ok {
			return nil, fmt.Errorf("firmware: override irq %d targets unknown GSI %d", o.IRQ, o.GSI)
		}
		d.Entries = append(d.Entries, IrqEntry{
			Type:          IrqINT,
			Flags:         o.Flags,
			SrcBus:        int(o.Bus),
			SrcBusIRQ:     int(o.IRQ),
			DstController: id,
			DstPin:        pin,
		})
		usedIRQ[int(o.IRQ)] = true
		usedPin[pinKey{id, pin}] = true
	}

	for irq := 0; irq < 16; irq++ {
		if usedIRQ[irq] {
			continue
		}
		id, pin, ok := gsiToPin(uint32(irq))
		if !ok || usedPin[pinKey{id, pin}] {
			continue
		}
		d.Entries = append(d.Entries, IrqEntry{
			Type:          IrqINT,
			SrcBus:        0,
			SrcBusIRQ:     irq,
			DstController: id,
			DstPin:        pin,
		})
	}

	for _, n := range m.NMIs {
		id, pin, ok := gsiToPin(n.GSI)
		if !ok {
			return nil, fmt.Errorf("firmware: NMI source targets unknown GSI %d", n.GSI)
		}
		d.Entries = append(d.Entries, IrqEntry{
			Type:          IrqNMI,
			Flags:         n.Flags,
			DstController: id,
			DstPin:        pin,
		})
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}
