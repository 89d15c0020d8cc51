package ioapic

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/irqroute/internal/firmware"
)

// IRQ is a system-wide interrupt number.
type IRQ int

// Trigger is the signalling style of a line.
type Trigger uint8

const (
	TriggerEdge Trigger = iota
	TriggerLevel
)

func (t Trigger) String() string {
	if t == TriggerLevel {
		return "level"
	}
	return "edge"
}

// Polarity is the asserted electrical state of a line.
type Polarity uint8

const (
	ActiveHigh Polarity = iota
	ActiveLow
)

func (p Polarity) String() string {
	if p == ActiveLow {
		return "low"
	}
	return "high"
}

// TriggerReader reads the live edge/level control register of the legacy
// controller. EISA lines that conform to the bus default are configured
// there.
type TriggerReader interface {
	TriggerMode(line int) (level bool)
}

// Resolver derives IRQ numbers, trigger mode and polarity from firmware
// entries.
type Resolver struct {
	controllers []firmware.Controller
	buses       map[int]firmware.BusType
	entries     []firmware.IrqEntry
	pirq        firmware.PirqTable
	elcr        TriggerReader
	log         *slog.Logger
	warn        func(*Warning)
}

func newResolver(controllers []firmware.Controller, desc *firmware.Description, pirq firmware.PirqTable,
	elcr TriggerReader, log *slog.Logger, warn func(*Warning)) *Resolver {
	return &Resolver{
		controllers: controllers,
		buses:       desc.BusTypes(),
		entries:     desc.Entries,
		pirq:        pirq,
		elcr:        elcr,
		log:         log,
		warn:        warn,
	}
}

func (r *Resolver) warnf(format string, args ...any) {
	w := &Warning{Kind: MalformedFirmwareEntry, Message: fmt.Sprintf(format, args...)}
	r.log.Warn("ioapic: firmware inconsistency", "detail", w.Message)
	if r.warn != nil {
		r.warn(w)
	}
}

// Entry returns entry idx.
func (r *Resolver) Entry(idx int) firmware.IrqEntry { return r.entries[idx] }

// NumEntries is the number of firmware entries.
func (r *Resolver) NumEntries() int { return len(r.entries) }

// FindEntry returns the index of the entry of type typ targeting the given
// controller index and pin.
func (r *Resolver) FindEntry(controller, pin int, typ firmware.IrqType) (int, bool) {
	id := r.controllers[controller].ID
	for i, e := range r.entries {
		if e.Type != typ || e.DstPin != pin {
			continue
		}
		if e.DstController == id || e.DstController == firmware.DestAll {
			return i, true
		}
	}
	return 0, false
}

// FindISAPin returns the controller index and pin an ISA-style IRQ of the
// given type is wired to.
func (r *Resolver) FindISAPin(irq int, typ firmware.IrqType) (controller, pin int, ok bool) {
	for _, e := range r.entries {
		if e.Type != typ || e.SrcBusIRQ != irq {
			continue
		}
		switch r.busType(e) {
		case firmware.BusISA, firmware.BusEISA, firmware.BusMCA:
		default:
			continue
		}
		for ci, c := range r.controllers {
			if e.DstController == c.ID || e.DstController == firmware.DestAll {
				return ci, e.DstPin, true
			}
		}
	}
	return 0, 0, false
}

func (r *Resolver) busType(e firmware.IrqEntry) firmware.BusType {
	return r.buses[e.SrcBus]
}

// IRQNumber computes the IRQ number the entry on (controller, pin)
// represents. ok is false when a PIRQ override disables the line.
func (r *Resolver) IRQNumber(e firmware.IrqEntry, controller, pin int) (irq IRQ, ok bool) {
	if e.DstPin != pin {
		r.warnf("entry %v processed for pin %d:%d", e, controller, pin)
	}

	switch bus := r.busType(e); bus {
	case firmware.BusISA, firmware.BusEISA, firmware.BusMCA:
		return IRQ(e.SrcBusIRQ), true
	case firmware.BusPCI:
	default:
		r.warnf("entry %v: unknown bus type for bus %d, numbering positionally", e, e.SrcBus)
	}

	n := 0
	for i := 0; i < controller; i++ {
		n += r.controllers[i].Pins
	}
	irq = IRQ(n + pin)

	if slot, set := r.pirq.Slot(pin); set {
		if slot.Mode == firmware.PirqDisabled {
			r.log.Info("ioapic: disabling PIRQ", "pirq", pin-firmware.PirqFirstPin, "irq", irq)
			return irq, false
		}
		r.log.Info("ioapic: using PIRQ override", "pirq", pin-firmware.PirqFirstPin, "irq", slot.IRQ, "was", irq)
		irq = IRQ(slot.IRQ)
	}
	return irq, true
}

// Trigger resolves the trigger mode of e.
func (r *Resolver) Trigger(e firmware.IrqEntry) Trigger {
	switch e.TriggerFlags() {
	case firmware.TriggerEdge:
		return TriggerEdge
	case firmware.TriggerLevelFlags:
		return TriggerLevel
	case firmware.TriggerReserved:
		r.warnf("entry %v: reserved trigger mode, assuming level", e)
		return TriggerLevel
	}

	switch bus := r.busType(e); bus {
	case firmware.BusISA:
		return TriggerEdge
	case firmware.BusEISA:
		if r.elcr != nil && r.elcr.TriggerMode(e.SrcBusIRQ) {
			return TriggerLevel
		}
		return TriggerEdge
	case firmware.BusPCI, firmware.BusMCA:
		return TriggerLevel
	default:
		r.warnf("entry %v: unknown bus type, assuming level trigger", e)
		return TriggerLevel
	}
}

// Polarity resolves the polarity of e.
func (r *Resolver) Polarity(e firmware.IrqEntry) Polarity {
	switch e.PolarityFlags() {
	case firmware.PolarityHigh:
		return ActiveHigh
	case firmware.PolarityLow:
		return ActiveLow
	case firmware.PolarityReserved:
		r.warnf("entry %v: reserved polarity, assuming active low", e)
		return ActiveLow
	}

	switch bus := r.busType(e); bus {
	case firmware.BusISA, firmware.BusEISA, firmware.BusMCA:
		return ActiveHigh
	case firmware.BusPCI:
		return ActiveLow
	default:
		r.warnf("entry %v: unknown bus type, assuming active low", e)
		return ActiveLow
	}
}
