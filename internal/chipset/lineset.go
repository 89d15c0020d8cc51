package chipset

import "sync"

// InterruptSink receives interrupt assertions for a given line.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

// EOITarget is the minimal interface for receivers of EOI broadcasts (e.g. IOAPIC).
type EOITarget interface {
	HandleEOI(uint32)
}

type route struct {
	sink InterruptSink
	line uint8
}

// LineSet fans ISA interrupt lines out to the controllers wired to them and
// carries EOI broadcasts back.
type LineSet struct {
	mu sync.Mutex

	routes     map[uint8][]route
	eoiTargets []EOITarget

	lines map[uint8]*lineState
	eoi   map[uint8][]func()
}

// NewLineSet returns a LineSet with no routes.
func NewLineSet() *LineSet {
	return &LineSet{
		routes: make(map[uint8][]route),
		lines:  make(map[uint8]*lineState),
		eoi:    make(map[uint8][]func()),
	}
}

// Route connects irq to input line of sink. An irq may have several routes.
func (l *LineSet) Route(irq uint8, sink InterruptSink, line uint8) {
	if sink == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.routes[irq] = append(l.routes[irq], route{sink: sink, line: line})
}

// AttachEOITarget adds a receiver of EOI broadcasts.
func (l *LineSet) AttachEOITarget(target EOITarget) {
	if target == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoiTargets = append(l.eoiTargets, target)
}

// AllocateLine returns a LineInterrupt handle for the given IRQ line.
func (l *LineSet) AllocateLine(irq uint8) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lines[irq]; !ok {
		l.lines[irq] = &lineState{}
	}
	return &lineHandle{owner: l, irq: irq}
}

// Level reports the current level of irq.
func (l *LineSet) Level(irq uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.lines[irq]
	return state != nil && state.level
}

// RegisterEOICallback registers a callback for the given vector.
// The callback is invoked when BroadcastEOI is called with the same vector.
func (l *LineSet) RegisterEOICallback(vector uint8, fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoi[vector] = append(l.eoi[vector], fn)
}

// BroadcastEOI notifies listeners that an EOI was signalled for the vector.
func (l *LineSet) BroadcastEOI(vector uint8) {
	l.mu.Lock()
	callbacks := append([]func(){}, l.eoi[vector]...)
	targets := append([]EOITarget(nil), l.eoiTargets...)
	l.mu.Unlock()
	for _, target := range targets {
		target.HandleEOI(uint32(vector))
	}
	for _, fn := range callbacks {
		fn()
	}
}

type lineState struct {
	level bool
}

type lineHandle struct {
	owner *LineSet
	irq   uint8
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.irq, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.setLevel(h.irq, true)
	h.owner.setLevel(h.irq, false)
}

func (l *LineSet) setLevel(irq uint8, high bool) {
	l.mu.Lock()
	state := l.lines[irq]
	if state == nil {
		state = &lineState{}
		l.lines[irq] = state
	}
	changed := state.level != high
	state.level = high
	routes := append([]route(nil), l.routes[irq]...)
	l.mu.Unlock()

	if !changed {
		return
	}
	for _, r := range routes {
		r.sink.SetIRQ(r.line, high)
	}
}
