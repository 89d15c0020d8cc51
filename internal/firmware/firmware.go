// Package firmware holds the platform interrupt description consumed by the
// IO-APIC routing core: controllers, buses and interrupt source entries as
// they come out of the MP/ACPI table parsers.
package firmware

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// DestAll is the destination controller ID that matches every controller.
const DestAll uint8 = 0xff

// BusType identifies the bus an interrupt source lives on.
type BusType int

const (
	BusUnknown BusType = iota
	BusISA
	BusEISA
	BusMCA
	BusPCI
)

func (b BusType) String() string {
	switch b {
	case BusISA:
		return "ISA"
	case BusEISA:
		return "EISA"
	case BusMCA:
		return "MCA"
	case BusPCI:
		return "PCI"
	default:
		return "unknown"
	}
}

// ParseBusType maps an MP table bus string to a BusType.
func ParseBusType(s string) BusType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ISA":
		return BusISA
	case "EISA":
		return BusEISA
	case "MCA":
		return BusMCA
	case "PCI":
		return BusPCI
	default:
		return BusUnknown
	}
}

// UnmarshalYAML implements yaml.Unmarshaler for BusType.
func (b *BusType) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	*b = ParseBusType(s)
	return nil
}

// IrqType is the kind of interrupt an entry describes.
type IrqType int

const (
	IrqINT IrqType = iota
	IrqNMI
	IrqSMI
	IrqExtINT
)

func (t IrqType) String() string {
	switch t {
	case IrqINT:
		return "INT"
	case IrqNMI:
		return "NMI"
	case IrqSMI:
		return "SMI"
	case IrqExtINT:
		return "ExtINT"
	default:
		return fmt.Sprintf("IrqType(%d)", int(t))
	}
}

// UnmarshalYAML implements yaml.Unmarshaler for IrqType.
func (t *IrqType) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "INT":
		*t = IrqINT
	case "NMI":
		*t = IrqNMI
	case "SMI":
		*t = IrqSMI
	case "EXTINT":
		*t = IrqExtINT
	default:
		return fmt.Errorf("firmware: unknown irq type %q", s)
	}
	return nil
}

// Polarity and trigger fields of the raw entry flags. Bits 0-1 carry the
// polarity, bits 2-3 the trigger mode.
const (
	PolarityMask     uint16 = 0x3
	PolarityConforms uint16 = 0x0
	PolarityHigh     uint16 = 0x1
	PolarityReserved uint16 = 0x2
	PolarityLow      uint16 = 0x3

	TriggerShift             = 2
	TriggerMask       uint16 = 0x3 << TriggerShift
	TriggerConforms   uint16 = 0x0 << TriggerShift
	TriggerEdge       uint16 = 0x1 << TriggerShift
	TriggerReserved   uint16 = 0x2 << TriggerShift
	TriggerLevelFlags uint16 = 0x3 << TriggerShift
)

// MaxPins is the largest pin count whose redirection registers fit the
// 8-bit register select.
const MaxPins = 120

// Controller describes one IO-APIC as discovered by firmware.
type Controller struct {
	ID      uint8  `yaml:"id"`
	Address uint64 `yaml:"address"`
	Pins    int    `yaml:"pins"`
}

// Bus maps a firmware bus ID to its type.
type Bus struct {
	ID   int     `yaml:"id"`
	Type BusType `yaml:"type"`
}

// IrqEntry is one interrupt source assignment.
type IrqEntry struct {
	Type      IrqType `yaml:"type"`
	Flags     uint16  `yaml:"flags"`
	SrcBus    int     `yaml:"bus"`
	SrcBusIRQ int     `yaml:"irq"`
	// DstController is a controller ID, or DestAll.
	DstController uint8 `yaml:"controller"`
	DstPin        int   `yaml:"pin"`
}

// PolarityFlags returns the raw polarity field.
func (e IrqEntry) PolarityFlags() uint16 { return e.Flags & PolarityMask }

// TriggerFlags returns the raw trigger field.
func (e IrqEntry) TriggerFlags() uint16 { return e.Flags & TriggerMask }

func (e IrqEntry) String() string {
	return fmt.Sprintf("%s bus=%d irq=%d -> ctrl=%#x pin=%d flags=%#x",
		e.Type, e.SrcBus, e.SrcBusIRQ, e.DstController, e.DstPin, e.Flags)
}

// entryYAML accepts either raw flags or named polarity/trigger fields.
type entryYAML struct {
	Type       IrqType `yaml:"type"`
	Flags      *uint16 `yaml:"flags"`
	Polarity   string  `yaml:"polarity"`
	Trigger    string  `yaml:"trigger"`
	Bus        int     `yaml:"bus"`
	IRQ        int     `yaml:"irq"`
	Controller uint8   `yaml:"controller"`
	Pin        int     `yaml:"pin"`
}

// UnmarshalYAML implements yaml.Unmarshaler for IrqEntry.
func (e *IrqEntry) UnmarshalYAML(value *yaml.Node) error {
	var raw entryYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}
	var flags uint16
	if raw.Flags != nil {
		flags = *raw.Flags
	}
	if raw.Polarity != "" {
		p, err := parsePolarity(raw.Polarity)
		if err != nil {
			return err
		}
		flags = flags&^PolarityMask | p
	}
	if raw.Trigger != "" {
		t, err := parseTrigger(raw.Trigger)
		if err != nil {
			return err
		}
		flags = flags&^TriggerMask | t
	}
	*e = IrqEntry{
		Type:          raw.Type,
		Flags:         flags,
		SrcBus:        raw.Bus,
		SrcBusIRQ:     raw.IRQ,
		DstController: raw.Controller,
		DstPin:        raw.Pin,
	}
	return nil
}

func parsePolarity(s string) (uint16, error) {
	switch strings.ToLower(s) {
	case "conforms":
		return PolarityConforms, nil
	case "high":
		return PolarityHigh, nil
	case "reserved":
		return PolarityReserved, nil
	case "low":
		return PolarityLow, nil
	}
	return 0, fmt.Errorf("firmware: unknown polarity %q", s)
}

func parseTrigger(s string) (uint16, error) {
	switch strings.ToLower(s) {
	case "conforms":
		return TriggerConforms, nil
	case "edge":
		return TriggerEdge, nil
	case "reserved":
		return TriggerReserved, nil
	case "level":
		return TriggerLevelFlags, nil
	}
	return 0, fmt.Errorf("firmware: unknown trigger %q", s)
}

// Description is the complete firmware view of interrupt wiring.
type Description struct {
	Controllers []Controller `yaml:"controllers"`
	Buses       []Bus        `yaml:"buses"`
	Entries     []IrqEntry   `yaml:"entries"`
	Cmdline     string       `yaml:"cmdline"`
}

// BusTypes returns a lookup table from bus ID to type.
func (d *Description) BusTypes() map[int]BusType {
	m := make(map[int]BusType, len(d.Buses))
	for _, b := range d.Buses {
		m[b.ID] = b.Type
	}
	return m
}

// Validate checks the structural invariants the routing core relies on.
func (d *Description) Validate() error {
	seen := make(map[uint8]bool, len(d.Controllers))
	for i, c := range d.Controllers {
		if c.Pins <= 0 || c.Pins > MaxPins {
			return fmt.Errorf("firmware: controller %d: invalid pin count %d", i, c.Pins)
		}
		if c.ID == DestAll {
			return fmt.Errorf("firmware: controller %d: reserved id %#x", i, c.ID)
		}
		if seen[c.ID] {
			return fmt.Errorf("firmware: duplicate controller id %#x", c.ID)
		}
		seen[c.ID] = true
	}
	buses := make(map[int]bool, len(d.Buses))
	for _, b := range d.Buses {
		if buses[b.ID] {
			return fmt.Errorf("firmware: duplicate bus id %d", b.ID)
		}
		buses[b.ID] = true
	}
	for i, e := range d.Entries {
		if e.DstPin < 0 {
			return fmt.Errorf("firmware: entry %d: negative pin %d", i, e.DstPin)
		}
		if e.SrcBusIRQ < 0 {
			return fmt.Errorf("firmware: entry %d: negative source irq %d", i, e.SrcBusIRQ)
		}
	}
	return nil
}
