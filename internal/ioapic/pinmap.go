package ioapic

import "fmt"

// PinBinding is one (controller, pin) pair an IRQ is wired to. Controller
// is the index into the subsystem's ordered controller list.
type PinBinding struct {
	Controller int
	Pin        int
}

func (b PinBinding) String() string {
	return fmt.Sprintf("%d:%d", b.Controller, b.Pin)
}

const noSlot = -1

type pinSlot struct {
	binding PinBinding
	bound   bool
	// next indexes the overflow pool, or noSlot.
	next int
}

// PinMap maps IRQ numbers to the pins they are wired to. The first pin of
// an IRQ lives in a per-IRQ primary slot; further pins of shared lines are
// chained through a fixed overflow pool.
type PinMap struct {
	primary  []pinSlot
	overflow []pinSlot
	free     int
}

// NewPinMap returns a map for nrIRQs IRQ numbers with shared spare slots
// for additional pins.
func NewPinMap(nrIRQs, shared int) *PinMap {
	m := &PinMap{
		primary:  make([]pinSlot, nrIRQs),
		overflow: make([]pinSlot, shared),
	}
	m.Reset()
	return m
}

// Reset marks every slot unbound.
func (m *PinMap) Reset() {
	for i := range m.primary {
		m.primary[i] = pinSlot{next: noSlot}
	}
	for i := range m.overflow {
		m.overflow[i] = pinSlot{next: noSlot}
	}
	m.free = 0
}

// NrIRQs is the number of IRQ numbers the map covers.
func (m *PinMap) NrIRQs() int { return len(m.primary) }

// Bind appends (controller, pin) to irq. Running out of overflow slots is
// a RoutingCapacityExhausted fatal error; the map is left unchanged.
func (m *PinMap) Bind(irq IRQ, controller, pin int) error {
	if int(irq) < 0 || int(irq) >= len(m.primary) {
		return fmt.Errorf("ioapic: bind: irq %d out of range [0,%d)", irq, len(m.primary))
	}
	slot := &m.primary[irq]
	if !slot.bound {
		slot.binding = PinBinding{Controller: controller, Pin: pin}
		slot.bound = true
		return nil
	}
	for slot.next != noSlot {
		slot = &m.overflow[slot.next]
	}
	if m.free >= len(m.overflow) {
		return fatalf(RoutingCapacityExhausted,
			"no free pin slot for irq %d (pin %d:%d), %d shared slots in use", irq, controller, pin, len(m.overflow))
	}
	idx := m.free
	m.free++
	m.overflow[idx] = pinSlot{
		binding: PinBinding{Controller: controller, Pin: pin},
		bound:   true,
		next:    noSlot,
	}
	slot.next = idx
	return nil
}

// Replace rewrites the binding old of irq to repl in place, keeping its
// position in the chain. It reports whether old was bound.
func (m *PinMap) Replace(irq IRQ, old, repl PinBinding) bool {
	if int(irq) < 0 || int(irq) >= len(m.primary) {
		return false
	}
	slot := &m.primary[irq]
	if !slot.bound {
		return false
	}
	for {
		if slot.binding == old {
			slot.binding = repl
			return true
		}
		if slot.next == noSlot {
			return false
		}
		slot = &m.overflow[slot.next]
	}
}

// ForEach calls fn for every pin bound to irq in the order they were bound.
func (m *PinMap) ForEach(irq IRQ, fn func(PinBinding)) {
	if int(irq) < 0 || int(irq) >= len(m.primary) {
		return
	}
	slot := &m.primary[irq]
	if !slot.bound {
		return
	}
	for {
		fn(slot.binding)
		if slot.next == noSlot {
			return
		}
		slot = &m.overflow[slot.next]
	}
}

// Bindings returns the pins bound to irq in bind order.
func (m *PinMap) Bindings(irq IRQ) []PinBinding {
	var out []PinBinding
	m.ForEach(irq, func(b PinBinding) { out = append(out, b) })
	return out
}

// First returns the first pin bound to irq.
func (m *PinMap) First(irq IRQ) (PinBinding, bool) {
	if int(irq) < 0 || int(irq) >= len(m.primary) || !m.primary[irq].bound {
		return PinBinding{}, false
	}
	return m.primary[irq].binding, true
}

// Bound reports whether irq has at least one pin.
func (m *PinMap) Bound(irq IRQ) bool {
	_, ok := m.First(irq)
	return ok
}

// SharedInUse is the number of overflow slots handed out.
func (m *PinMap) SharedInUse() int { return m.free }
