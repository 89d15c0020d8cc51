package ioapic

import (
	"fmt"

	"github.com/tinyrange/irqroute/internal/firmware"
)

// TimerPath identifies the fallback step that got the timer ticking.
type TimerPath int

const (
	TimerNotChecked TimerPath = iota
	// TimerViaIOAPIC is the pin firmware assigned to IRQ 0.
	TimerViaIOAPIC
	// TimerViaExtINTPin routes the 8259A through its IO-APIC pin.
	TimerViaExtINTPin
	// TimerViaVirtualWire delivers the 8259A output to LINT0 as a fixed
	// vector.
	TimerViaVirtualWire
	// TimerViaExtINTUnlocked is LINT0 in ExtINT mode after the unlock
	// sequence.
	TimerViaExtINTUnlocked
)

func (p TimerPath) String() string {
	switch p {
	case TimerViaIOAPIC:
		return "IO-APIC pin"
	case TimerViaExtINTPin:
		return "8259A through IO-APIC ExtINT pin"
	case TimerViaVirtualWire:
		return "virtual wire"
	case TimerViaExtINTUnlocked:
		return "ExtINT after unlock"
	default:
		return "not checked"
	}
}

// TimerResult reports the outcome of timer validation.
type TimerResult struct {
	Path   TimerPath
	Vector Vector
	// Pin is the IO-APIC pin used by steps 1 and 2.
	Pin PinBinding
}

// Step is the 1-based fallback step that succeeded.
func (r TimerResult) Step() int { return int(r.Path) }

// Bringup programs every pin from the firmware description, publishes the
// resulting lines and validates the timer. Fatal errors are returned as
// *FatalError for the caller to pass to Halt.
func (s *Subsystem) Bringup() error {
	if s.cfg.Disabled {
		s.log.Info("ioapic: disabled, interrupts stay on the 8259A")
		for irq := IRQ(0); irq < 16; irq++ {
			s.p.Dispatch.SetGate(LegacyVectorBase+Vector(irq), irq)
			s.p.Dispatch.Register(irq, &legacyLine{s: s, irq: irq})
		}
		return nil
	}

	for irq := IRQ(0); irq < 16; irq++ {
		s.p.Dispatch.SetGate(LegacyVectorBase+Vector(irq), irq)
	}

	if err := s.findExtINTPin(); err != nil {
		return err
	}
	if err := s.clearAll(); err != nil {
		return err
	}
	s.pins.Reset()

	if err := s.setupIRQs(); err != nil {
		return err
	}
	s.initLegacyTraps()

	res, err := s.checkTimer()
	s.mu.Lock()
	s.timer = res
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.log.Info("ioapic: bring-up complete",
		"lines", len(s.Lines()), "vectors", s.vectors.Len(), "timer", res.Path.String())
	return nil
}

// findExtINTPin remembers which pin the 8259A is wired through, preferring
// what the hardware is currently programmed with over the firmware table.
func (s *Subsystem) findExtINTPin() error {
	for ci, c := range s.controllers {
		for pin := 0; pin < c.Pins; pin++ {
			e, err := s.regs.ReadEntry(ci, pin)
			if err != nil {
				return err
			}
			if !e.Masked && e.Delivery == DeliveryExtINT {
				s.extint, s.hasExtINT = PinBinding{Controller: ci, Pin: pin}, true
				return nil
			}
		}
	}
	if ci, pin, ok := s.resolver.FindISAPin(0, firmware.IrqExtINT); ok {
		s.extint, s.hasExtINT = PinBinding{Controller: ci, Pin: pin}, true
	}
	return nil
}

func (s *Subsystem) setupIRQs() error {
	for ci, c := range s.controllers {
		for pin := 0; pin < c.Pins; pin++ {
			if err := s.setupPin(ci, pin); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Subsystem) setupPin(ci, pin int) error {
	idx, ok := s.resolver.FindEntry(ci, pin, firmware.IrqINT)
	if !ok {
		s.log.Debug("ioapic: pin not connected", "controller", s.controllers[ci].ID, "pin", pin)
		return nil
	}
	fe := s.resolver.Entry(idx)

	irq, routed := s.resolver.IRQNumber(fe, ci, pin)
	if !routed {
		return nil
	}
	if int(irq) < 0 || int(irq) >= s.pins.NrIRQs() {
		s.resolver.warnf("entry %v resolves to irq %d beyond %d, skipped", fe, irq, s.pins.NrIRQs())
		return nil
	}

	lc := s.resolveLine(irq, fe)
	entry := RedirEntry{
		Delivery:  DeliveryLowestPrio,
		Logical:   true,
		Dest:      s.cfg.TargetCPUs,
		Level:     lc.trigger == TriggerLevel,
		ActiveLow: lc.polarity == ActiveLow,
		// Level lines stay masked until a driver starts them.
		Masked: lc.trigger == TriggerLevel,
	}

	if err := s.pins.Bind(irq, ci, pin); err != nil {
		return err
	}
	if s.legacyOnly(irq) {
		return nil
	}

	v, err := s.vectors.Assign(irq)
	if err != nil {
		return err
	}
	entry.Vector = v

	s.mu.Lock()
	l, exists := s.lines[irq]
	if !exists {
		kind := KindEdge
		if lc.trigger == TriggerLevel {
			kind = KindLevel
		}
		l = &IOAPICLine{s: s, irq: irq, kind: kind, vector: v, masked: entry.Masked, dest: entry.Dest}
		s.lines[irq] = l
	}
	s.mu.Unlock()

	if !exists {
		s.p.Dispatch.SetGate(v, irq)
		s.p.Dispatch.Register(irq, l)
	}
	if irq < 16 {
		s.p.Legacy.DisableLine(int(irq))
	}

	s.log.Debug("ioapic: routed", "irq", irq, "controller", s.controllers[ci].ID, "pin", pin,
		"vector", v, "trigger", lc.trigger, "polarity", lc.polarity)
	return s.regs.WriteEntry(ci, pin, entry)
}

// initLegacyTraps hands ISA IRQs that did not get a pin back to the 8259A.
func (s *Subsystem) initLegacyTraps() {
	for irq := IRQ(0); irq < 16; irq++ {
		if _, ok := s.Line(irq); ok {
			continue
		}
		s.p.Dispatch.Register(irq, &legacyLine{s: s, irq: irq})
	}
}

// timerWorks waits with interrupts enabled and reports whether the tick
// count moved by more than the configured minimum.
func (s *Subsystem) timerWorks() bool {
	t1 := s.p.Clock.Ticks()
	s.p.Clock.Delay(s.cfg.TimerWait)
	return s.p.Clock.Ticks()-t1 > s.cfg.TimerMinTicks
}

// checkTimer walks the timer fallback chain. Each step undoes its own
// configuration before the next one starts.
func (s *Subsystem) checkTimer() (TimerResult, error) {
	lapic, legacy := s.p.LAPIC, s.p.Legacy

	legacy.DisableLine(0)
	vector, err := s.vectors.Assign(0)
	if err != nil {
		return TimerResult{}, err
	}
	s.p.Dispatch.SetGate(vector, 0)
	lapic.SetLVT0(LVTExtINT, 0, true)
	legacy.InitPassThrough(true)
	legacy.EnableLine(0)

	c1, pin1, ok1 := s.resolver.FindISAPin(0, firmware.IrqINT)
	c2, pin2, ok2 := s.resolver.FindISAPin(0, firmware.IrqExtINT)
	s.log.Info("ioapic: checking timer", "vector", vector, "pin", pin1, "found", ok1, "extint_pin", pin2, "extint_found", ok2)

	// Step 1: the pin firmware assigned to IRQ 0.
	if ok1 {
		if l, routed := s.Line(0); routed {
			l.setTimerAck()
			if err := l.unmask(); err != nil {
				return TimerResult{}, err
			}
			if s.timerWorks() {
				return TimerResult{Path: TimerViaIOAPIC, Vector: vector, Pin: PinBinding{c1, pin1}}, nil
			}
		}
		if err := s.clearPin(c1, pin1); err != nil {
			return TimerResult{}, err
		}
		s.log.Warn("ioapic: timer not connected to its IO-APIC pin", "pin", pin1)
	}

	// Step 2: the 8259A through its IO-APIC pass-through pin.
	if ok2 {
		s.log.Info("ioapic: trying timer through the 8259A ExtINT pin", "pin", pin2)
		if err := s.setupExtINTPin(c2, pin2, vector); err != nil {
			return TimerResult{}, err
		}
		if s.timerWorks() {
			live := PinBinding{c2, pin2}
			if ok1 {
				s.log.Warn("ioapic: firmware routes the timer to the wrong pin", "pin", pin1, "working", pin2)
			}
			if !ok1 || !s.pins.Replace(0, PinBinding{c1, pin1}, live) {
				if err := s.pins.Bind(0, c2, pin2); err != nil {
					return TimerResult{}, err
				}
			}
			return TimerResult{Path: TimerViaExtINTPin, Vector: vector, Pin: live}, nil
		}
		if err := s.clearPin(c2, pin2); err != nil {
			return TimerResult{}, err
		}
	}

	// Step 3: virtual wire, fixed vector on LINT0.
	s.log.Info("ioapic: trying timer as virtual wire")
	legacy.DisableLine(0)
	s.dropLine(0)
	s.p.Dispatch.Register(0, &localLine{s: s, irq: 0})
	lapic.SetLVT0(LVTFixed, vector, false)
	legacy.EnableLine(0)
	if s.timerWorks() {
		return TimerResult{Path: TimerViaVirtualWire, Vector: vector}, nil
	}
	lapic.SetLVT0(LVTFixed, vector, true)

	// Step 4: ExtINT on LINT0 after forcing an acknowledge cycle.
	s.log.Info("ioapic: trying timer as ExtINT")
	legacy.InitPassThrough(false)
	s.p.Dispatch.Register(0, &legacyLine{s: s, irq: 0})
	legacy.EnableLine(0)
	lapic.SetLVT0(LVTExtINT, 0, false)
	if err := s.unlockExtINT(); err != nil {
		return TimerResult{}, err
	}
	if s.timerWorks() {
		return TimerResult{Path: TimerViaExtINTUnlocked, Vector: vector}, nil
	}
	lapic.SetLVT0(LVTExtINT, 0, true)

	return TimerResult{}, fatalf(TimerBringupFailed,
		"no working timer path (IO-APIC pin found=%v, ExtINT pin found=%v)", ok1, ok2)
}

// setupExtINTPin routes the 8259A output through its IO-APIC pin as an edge
// triggered line carrying the timer vector.
func (s *Subsystem) setupExtINTPin(ci, pin int, vector Vector) error {
	s.p.Legacy.DisableLine(0)
	s.p.LAPIC.SetLVT0(LVTExtINT, 0, true)
	e := RedirEntry{
		Vector:   vector,
		Delivery: DeliveryLowestPrio,
		Logical:  true,
		Dest:     s.cfg.TargetCPUs,
	}
	if err := s.regs.WriteEntry(ci, pin, e); err != nil {
		return err
	}
	l := &IOAPICLine{s: s, irq: 0, kind: KindEdge, vector: vector, dest: e.Dest, timerAck: true}
	s.mu.Lock()
	s.lines[0] = l
	s.mu.Unlock()
	s.p.Dispatch.Register(0, l)
	s.p.Legacy.EnableLine(0)
	return nil
}

// unlockExtINT borrows the RTC pin (ISA IRQ 8) as an ExtINT source and
// pulses it so the chipset runs a full acknowledge cycle. Some chipsets
// keep LINT0 ExtINT delivery latched until that happens.
func (s *Subsystem) unlockExtINT() error {
	ci, pin, ok := s.resolver.FindISAPin(8, firmware.IrqINT)
	if !ok {
		s.log.Warn("ioapic: no RTC pin, skipping ExtINT unlock")
		return nil
	}
	if s.p.Secondary == nil {
		s.log.Warn("ioapic: no secondary line pulser, skipping ExtINT unlock")
		return nil
	}

	saved, err := s.regs.ReadEntry(ci, pin)
	if err != nil {
		return fmt.Errorf("ioapic: unlock: %w", err)
	}
	if err := s.clearPin(ci, pin); err != nil {
		return err
	}
	e := RedirEntry{
		Delivery:  DeliveryExtINT,
		ActiveLow: saved.ActiveLow,
		Dest:      s.p.LAPIC.ID(),
	}
	if err := s.regs.WriteEntry(ci, pin, e); err != nil {
		return err
	}
	for i := 0; i < s.cfg.UnlockPulses; i++ {
		s.p.Secondary.PulseSecondary()
	}
	if err := s.clearPin(ci, pin); err != nil {
		return err
	}
	return s.regs.WriteEntry(ci, pin, saved)
}

// dropLine forgets the IO-APIC line of irq once the timer has moved off the
// IO-APIC.
func (s *Subsystem) dropLine(irq IRQ) {
	s.mu.Lock()
	delete(s.lines, irq)
	s.mu.Unlock()
}
