package ioapic

import "sync"

// Vector is a CPU interrupt vector.
type Vector uint8

const (
	// LegacyVectorBase is where the 8259A delivers IRQ 0-15.
	LegacyVectorBase Vector = 0x20
	// FirstDeviceVector is the bottom of the device band. The first
	// allocation lands one stride above it.
	FirstDeviceVector Vector = 0x31
	// SyscallVector is permanently reserved.
	SyscallVector Vector = 0x80
	// FirstSystemVector is the bottom of the band used by local APIC
	// and IPI vectors; device vectors stay below it.
	FirstSystemVector Vector = 0xef

	vectorStride = 8
)

// VectorAllocator hands out one vector per IRQ. Consecutive allocations
// are a stride apart so they land in different priority classes; when the
// band is used up it restarts one above the previous starting point.
type VectorAllocator struct {
	mu      sync.Mutex
	current int
	offset  int
	byIRQ   map[IRQ]Vector
	owner   map[Vector]IRQ
}

// NewVectorAllocator returns an allocator with no vectors handed out.
func NewVectorAllocator() *VectorAllocator {
	return &VectorAllocator{
		current: int(FirstDeviceVector),
		byIRQ:   make(map[IRQ]Vector),
		owner:   make(map[Vector]IRQ),
	}
}

// Assign returns the vector for irq, allocating one on first use.
func (a *VectorAllocator) Assign(irq IRQ) (Vector, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if v, ok := a.byIRQ[irq]; ok {
		return v, nil
	}

	next := a.current
	for {
		next += vectorStride
		if next == int(SyscallVector) {
			continue
		}
		if next >= int(FirstSystemVector) {
			a.offset++
			if a.offset >= vectorStride {
				// Leave the state where it was so the error repeats.
				a.offset--
				return 0, fatalf(VectorSpaceExhausted, "no vector left for irq %d (%d allocated)", irq, len(a.byIRQ))
			}
			next = int(FirstDeviceVector) + a.offset
			if next == int(SyscallVector) {
				continue
			}
		}
		break
	}

	a.current = next
	v := Vector(next)
	a.byIRQ[irq] = v
	a.owner[v] = irq
	return v, nil
}

// Lookup returns the vector already assigned to irq.
func (a *VectorAllocator) Lookup(irq IRQ) (Vector, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.byIRQ[irq]
	return v, ok
}

// Owner returns the IRQ a vector was assigned to.
func (a *VectorAllocator) Owner(v Vector) (IRQ, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	irq, ok := a.owner[v]
	return irq, ok
}

// Len is the number of vectors handed out.
func (a *VectorAllocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byIRQ)
}
