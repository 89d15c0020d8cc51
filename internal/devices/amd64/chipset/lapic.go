package chipset

import (
	"sync"
)

// LVT delivery modes for the LINT0 entry.
const (
	LVTModeFixed  uint8 = 0
	LVTModeExtINT uint8 = 7
)

// ExtINTSource answers the acknowledge cycle of an ExtINT delivery.
type ExtINTSource interface {
	Acknowledge() (bool, uint8)
}

// EOIBroadcaster forwards level-triggered EOIs to the IO-APICs.
type EOIBroadcaster interface {
	BroadcastEOI(vector uint8)
}

// Delivery is one interrupt taken by the CPU.
type Delivery struct {
	Vector uint8
	// ExtINT is set when the vector came from an 8259A acknowledge cycle.
	ExtINT bool
	// Spurious is set when the acknowledge cycle found nothing pending.
	Spurious bool
}

// LAPICOption customises the local APIC model.
type LAPICOption func(*LocalAPIC)

// WithLINT0FixedBroken makes LINT0 drop fixed mode deliveries, as on
// boards where the virtual wire is not connected.
func WithLINT0FixedBroken() LAPICOption {
	return func(a *LocalAPIC) { a.fixedBroken = true }
}

// WithExtINTLatched makes LINT0 ignore ExtINT until an ExtINT message has
// arrived from an IO-APIC.
func WithExtINTLatched() LAPICOption {
	return func(a *LocalAPIC) { a.extintLatched = true }
}

// WithLogicalID sets the logical destination bit of the APIC.
func WithLogicalID(id uint8) LAPICOption {
	return func(a *LocalAPIC) { a.logicalID = id }
}

// LocalAPIC models the interrupt acceptance side of one local APIC:
// fixed vectors from IO-APIC messages, the LINT0 pin and EOI.
type LocalAPIC struct {
	mu sync.Mutex

	id        uint8
	logicalID uint8

	irr [256]bool
	tmr [256]bool
	isr []uint8

	lvt0Mode   uint8
	lvt0Vector uint8
	lvt0Masked bool
	lint0      bool

	extintMsg     bool
	extintLatched bool
	fixedBroken   bool

	pic ExtINTSource
	eoi EOIBroadcaster

	stats lapicStats
}

type lapicStats struct {
	accepted   uint64
	dropped    uint64
	extintAcks uint64
	eois       uint64
}

// NewLocalAPIC returns an APIC with LINT0 masked in ExtINT mode.
func NewLocalAPIC(id uint8, pic ExtINTSource, eoi EOIBroadcaster, opts ...LAPICOption) *LocalAPIC {
	a := &LocalAPIC{
		id:         id,
		logicalID:  1,
		lvt0Mode:   LVTModeExtINT,
		lvt0Masked: true,
		pic:        pic,
		eoi:        eoi,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID returns the physical APIC id.
func (a *LocalAPIC) ID() uint8 { return a.id }

// Assert implements IoApicRouting.
func (a *LocalAPIC) Assert(vector uint8, dest uint8, destMode uint8, deliveryMode uint8, level bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.matches(dest, destMode) {
		a.stats.dropped++
		return
	}
	switch deliveryMode {
	case deliveryModeFixed, deliveryModeLowestPriority:
		a.irr[vector] = true
		a.tmr[vector] = level
		a.stats.accepted++
	case deliveryModeExtINT:
		a.extintMsg = true
		a.extintLatched = false
		a.stats.accepted++
	default:
		a.stats.dropped++
	}
}

func (a *LocalAPIC) matches(dest, destMode uint8) bool {
	if destMode == 1 {
		return dest&a.logicalID != 0
	}
	return dest == a.id || dest == 0xff
}

// SetLINT0 drives the LINT0 input.
func (a *LocalAPIC) SetLINT0(level bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rising := level && !a.lint0
	a.lint0 = level
	if rising && !a.lvt0Masked && a.lvt0Mode == LVTModeFixed && !a.fixedBroken {
		a.irr[a.lvt0Vector] = true
		a.tmr[a.lvt0Vector] = false
		a.stats.accepted++
	}
}

// SetLVT0 programs the LINT0 local vector table entry.
func (a *LocalAPIC) SetLVT0(mode uint8, vector uint8, masked bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lvt0Mode = mode
	a.lvt0Vector = vector
	a.lvt0Masked = masked
}

// LVT0 returns the LINT0 entry.
func (a *LocalAPIC) LVT0() (mode uint8, vector uint8, masked bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lvt0Mode, a.lvt0Vector, a.lvt0Masked
}

func (a *LocalAPIC) extintReadyLocked() bool {
	if a.extintMsg {
		return true
	}
	return a.lint0 && !a.lvt0Masked && a.lvt0Mode == LVTModeExtINT && !a.extintLatched
}

// Next takes the highest priority interrupt the CPU should service.
// ExtINT requests run an acknowledge cycle against the 8259A.
func (a *LocalAPIC) Next() (Delivery, bool) {
	a.mu.Lock()
	if a.extintReadyLocked() {
		a.extintMsg = false
		a.stats.extintAcks++
		pic := a.pic
		a.mu.Unlock()
		if pic == nil {
			return Delivery{}, false
		}
		requested, vec := pic.Acknowledge()
		return Delivery{Vector: vec, ExtINT: true, Spurious: !requested}, true
	}
	defer a.mu.Unlock()

	floor := -1
	if n := len(a.isr); n > 0 {
		floor = int(a.isr[n-1])
	}
	for v := 255; v > floor; v-- {
		if a.irr[v] {
			a.irr[v] = false
			a.isr = append(a.isr, uint8(v))
			return Delivery{Vector: uint8(v)}, true
		}
	}
	return Delivery{}, false
}

// EOI retires the in-service vector. Level-triggered vectors are
// broadcast to the IO-APICs.
func (a *LocalAPIC) EOI() {
	a.mu.Lock()
	n := len(a.isr)
	if n == 0 {
		a.mu.Unlock()
		return
	}
	v := a.isr[n-1]
	a.isr = a.isr[:n-1]
	level := a.tmr[v]
	a.stats.eois++
	eoi := a.eoi
	a.mu.Unlock()

	if level && eoi != nil {
		eoi.BroadcastEOI(v)
	}
}

// InService returns the vectors currently in service, lowest first.
func (a *LocalAPIC) InService() []uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint8(nil), a.isr...)
}

// EOIs returns the number of EOIs written.
func (a *LocalAPIC) EOIs() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats.eois
}

var _ IoApicRouting = (*LocalAPIC)(nil)
