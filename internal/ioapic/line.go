package ioapic

import (
	"fmt"
	"sync"
)

// LineKind selects the acknowledgment protocol of a line.
type LineKind uint8

const (
	KindEdge LineKind = iota
	KindLevel
	// KindLocal is the timer delivered straight to LINT0.
	KindLocal
	// KindLegacy is an IRQ served by the 8259A.
	KindLegacy
)

func (k LineKind) String() string {
	switch k {
	case KindEdge:
		return "IO-APIC-edge"
	case KindLevel:
		return "IO-APIC-level"
	case KindLocal:
		return "local-APIC-edge"
	case KindLegacy:
		return "XT-PIC"
	default:
		return fmt.Sprintf("LineKind(%d)", uint8(k))
	}
}

// Status is the dispatch layer's view of an interrupt being handled.
type Status uint8

const (
	// StatusPending means the interrupt fired again while being handled.
	StatusPending Status = 1 << iota
	// StatusDisabled means the line was disabled by its owner.
	StatusDisabled
)

// Line is the contract the generic IRQ layer drives.
type Line interface {
	IRQ() IRQ
	Kind() LineKind
	// Start enables delivery. wasPending reports an edge that arrived
	// before the line was started.
	Start() (wasPending bool, err error)
	Stop() error
	Enable() error
	Disable() error
	Ack(status Status) error
	End(status Status) error
	SetAffinity(dest uint8) error
}

// IOAPICLine is an IRQ routed through one or more IO-APIC pins.
type IOAPICLine struct {
	s      *Subsystem
	irq    IRQ
	kind   LineKind
	vector Vector

	// timerAck makes Ack also complete the interrupt at the 8259A, for a
	// timer that may be reaching the pin through it.
	timerAck bool

	mu     sync.Mutex
	masked bool
	dest   uint8
}

// LineState is a snapshot of a routed line.
type LineState struct {
	IRQ     IRQ
	Kind    LineKind
	Vector  Vector
	Masked  bool
	Pending bool
	Dest    uint8
	Pins    []PinBinding
}

func (l *IOAPICLine) IRQ() IRQ { return l.irq }
func (l *IOAPICLine) Kind() LineKind { return l.kind }
func (l *IOAPICLine) Vector() Vector { return l.vector }
func (l *IOAPICLine) String() string { return fmt.Sprintf("irq %d (%s, vector %#x)", l.irq, l.kind, l.vector) }
func (l *IOAPICLine) legacyBacked() bool { return l.irq < 16 }

// State reads the line's first pin and returns the current line state.
func (l *IOAPICLine) State() (LineState, error) {
	st := LineState{IRQ: l.irq, Kind: l.kind, Vector: l.vector, Pins: l.s.pins.Bindings(l.irq)}
	l.mu.Lock()
	st.Masked, st.Dest = l.masked, l.dest
	l.mu.Unlock()
	if len(st.Pins) > 0 {
		e, err := l.s.regs.ReadEntry(st.Pins[0].Controller, st.Pins[0].Pin)
		if err != nil {
			return st, err
		}
		st.Pending = e.Pending
	}
	return st, nil
}

// mask sets the mask bit on every bound pin and reads back so the mask is
// in effect when it returns.
func (l *IOAPICLine) mask() error {
	if err := l.s.regs.ModifyBoundPins(l.s.pins, l.irq, LowHalf, func(v uint32) uint32 { return v | rteMasked }, true); err != nil {
		return err
	}
	l.setMasked(true)
	return nil
}

func (l *IOAPICLine) unmask() error {
	if err := l.s.regs.ModifyBoundPins(l.s.pins, l.irq, LowHalf, func(v uint32) uint32 { return v &^ rteMasked }, false); err != nil {
		return err
	}
	l.setMasked(false)
	return nil
}

func (l *IOAPICLine) setMasked(m bool) {
	l.mu.Lock()
	l.masked = m
	l.mu.Unlock()
}

// Start implements Line.
func (l *IOAPICLine) Start() (bool, error) {
	if l.kind == KindLevel {
		return false, l.unmask()
	}
	wasPending := false
	if l.legacyBacked() {
		l.s.p.Legacy.DisableLine(int(l.irq))
		wasPending = l.s.p.Legacy.IsPending(int(l.irq))
	}
	return wasPending, l.unmask()
}

// Stop implements Line. Edge lines stay configured.
func (l *IOAPICLine) Stop() error {
	if l.kind == KindLevel {
		return l.mask()
	}
	return nil
}

// Enable implements Line.
func (l *IOAPICLine) Enable() error { return l.unmask() }

// Disable implements Line.
func (l *IOAPICLine) Disable() error { return l.mask() }

// Ack implements Line. An edge that keeps arriving on a disabled line is
// masked at the pin so an unhandled device can not storm. Level lines are
// left alone until End.
func (l *IOAPICLine) Ack(status Status) error {
	if l.kind == KindLevel {
		return nil
	}
	const storm = StatusPending | StatusDisabled
	if status&storm == storm {
		if err := l.mask(); err != nil {
			return err
		}
	}
	l.mu.Lock()
	timerAck := l.timerAck
	l.mu.Unlock()
	if timerAck {
		l.s.p.Legacy.Acknowledge()
	}
	l.s.p.LAPIC.EOI()
	return nil
}

func (l *IOAPICLine) setTimerAck() {
	l.mu.Lock()
	l.timerAck = true
	l.mu.Unlock()
}

// End implements Line.
func (l *IOAPICLine) End(Status) error {
	if l.kind == KindLevel {
		l.s.p.LAPIC.EOI()
	}
	return nil
}

// SetAffinity implements Line. The new destination applies from the next
// assertion.
func (l *IOAPICLine) SetAffinity(dest uint8) error {
	err := l.s.regs.ModifyBoundPins(l.s.pins, l.irq, HighHalf, func(v uint32) uint32 {
		return v&0x00ffffff | uint32(dest)<<24
	}, false)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.dest = dest
	l.mu.Unlock()
	return nil
}

// localLine is the timer wired to LINT0 in virtual wire mode.
type localLine struct {
	s   *Subsystem
	irq IRQ
}

func (l *localLine) IRQ() IRQ { return l.irq }
func (l *localLine) Kind() LineKind { return KindLocal }
func (l *localLine) Start() (bool, error) { return false, nil }
func (l *localLine) Stop() error { return nil }
func (l *localLine) Enable() error { return nil }
func (l *localLine) Disable() error { return nil }
func (l *localLine) End(Status) error { return nil }
func (l *localLine) SetAffinity(uint8) error { return nil }

// Ack completes the interrupt at the 8259A, which is still the source,
// and at the local APIC.
func (l *localLine) Ack(Status) error {
	l.s.p.Legacy.Acknowledge()
	l.s.p.LAPIC.EOI()
	return nil
}

// legacyLine is an IRQ served entirely by the 8259A.
type legacyLine struct {
	s   *Subsystem
	irq IRQ
}

func (l *legacyLine) IRQ() IRQ { return l.irq }
func (l *legacyLine) Kind() LineKind { return KindLegacy }

func (l *legacyLine) Start() (bool, error) {
	l.s.p.Legacy.EnableLine(int(l.irq))
	return false, nil
}

func (l *legacyLine) Stop() error {
	l.s.p.Legacy.DisableLine(int(l.irq))
	return nil
}

func (l *legacyLine) Enable() error {
	l.s.p.Legacy.EnableLine(int(l.irq))
	return nil
}

func (l *legacyLine) Disable() error {
	l.s.p.Legacy.DisableLine(int(l.irq))
	return nil
}

// Ack masks the line and completes it at the controller.
func (l *legacyLine) Ack(Status) error {
	l.s.p.Legacy.DisableLine(int(l.irq))
	l.s.p.Legacy.Acknowledge()
	return nil
}

func (l *legacyLine) End(status Status) error {
	if status&StatusDisabled == 0 {
		l.s.p.Legacy.EnableLine(int(l.irq))
	}
	return nil
}

func (l *legacyLine) SetAffinity(uint8) error { return nil }

var (
	_ Line = (*IOAPICLine)(nil)
	_ Line = (*localLine)(nil)
	_ Line = (*legacyLine)(nil)
)
