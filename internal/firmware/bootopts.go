package firmware

import (
	"fmt"
	"strconv"
	"strings"
)

// PirqSlots is the number of PIRQ override slots. Slot n covers IO-APIC
// pin 16+n.
const PirqSlots = 8

// PirqFirstPin is the first pin covered by the override table.
const PirqFirstPin = 16

// PirqMode selects what an override slot does.
type PirqMode uint8

const (
	PirqUnset PirqMode = iota
	PirqDisabled
	PirqRemap
)

// PirqEntry is one override slot.
type PirqEntry struct {
	Mode PirqMode
	IRQ  int
}

func (e PirqEntry) String() string {
	switch e.Mode {
	case PirqDisabled:
		return "disabled"
	case PirqRemap:
		return fmt.Sprintf("IRQ %d", e.IRQ)
	default:
		return "unset"
	}
}

// PirqTable is the administrator supplied PIRQ remap. The zero value has
// every slot unset.
type PirqTable [PirqSlots]PirqEntry

// Slot returns the override for pin, or false when pin is outside the
// PIRQ range or the slot is unset.
func (t *PirqTable) Slot(pin int) (PirqEntry, bool) {
	if pin < PirqFirstPin || pin >= PirqFirstPin+PirqSlots {
		return PirqEntry{}, false
	}
	e := t[pin-PirqFirstPin]
	if e.Mode == PirqUnset {
		return PirqEntry{}, false
	}
	return e, true
}

// BootOptions is the structured result of the interrupt related kernel
// command line options.
type BootOptions struct {
	// NoAPIC disables the IO-APIC subsystem entirely.
	NoAPIC bool
	Pirq   PirqTable
}

// ParseBootOptions extracts "noapic" and "pirq=" from a kernel command line.
//
// pirq= takes up to eight comma separated values. Values fill the table
// from the last slot backwards, so the first value applies to PIRQ7. A value
// of 0 disables the slot, -1 leaves it unset.
func ParseBootOptions(cmdline string) (BootOptions, error) {
	var opts BootOptions
	for _, field := range strings.Fields(cmdline) {
		key, value, hasValue := strings.Cut(field, "=")
		switch key {
		case "noapic":
			opts.NoAPIC = true
		case "pirq":
			if !hasValue {
				return opts, fmt.Errorf("firmware: pirq= requires a value")
			}
			table, err := parsePirq(value)
			if err != nil {
				return opts, err
			}
			opts.Pirq = table
		}
	}
	return opts, nil
}

func parsePirq(value string) (PirqTable, error) {
	var table PirqTable
	parts := strings.Split(value, ",")
	if len(parts) > PirqSlots {
		return table, fmt.Errorf("firmware: pirq= accepts at most %d values, got %d", PirqSlots, len(parts))
	}
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return table, fmt.Errorf("firmware: pirq value %q: %w", part, err)
		}
		slot := PirqSlots - i - 1
		switch {
		case n < 0:
			table[slot] = PirqEntry{Mode: PirqUnset}
		case n == 0:
			table[slot] = PirqEntry{Mode: PirqDisabled}
		default:
			table[slot] = PirqEntry{Mode: PirqRemap, IRQ: n}
		}
	}
	return table, nil
}
