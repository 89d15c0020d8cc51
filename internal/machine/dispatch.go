package machine

import (
	"log/slog"
	"sync"

	dev "github.com/tinyrange/irqroute/internal/devices/amd64/chipset"
	"github.com/tinyrange/irqroute/internal/ioapic"
)

// Dispatcher is the generic IRQ layer: it maps vectors to IRQs and runs
// each line's acknowledge protocol around a counting handler.
type Dispatcher struct {
	mu  sync.Mutex
	log *slog.Logger
	eoi func()

	gates    map[ioapic.Vector]ioapic.IRQ
	lines    map[ioapic.IRQ]ioapic.Line
	status   map[ioapic.IRQ]ioapic.Status
	handled  map[ioapic.IRQ]uint64
	handlers map[ioapic.IRQ]func()

	spurious   uint64
	unexpected uint64
}

// NewDispatcher returns an empty dispatcher. eoi is written for vectors
// that have no line.
func NewDispatcher(eoi func(), log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		log:      log,
		eoi:      eoi,
		gates:    make(map[ioapic.Vector]ioapic.IRQ),
		lines:    make(map[ioapic.IRQ]ioapic.Line),
		status:   make(map[ioapic.IRQ]ioapic.Status),
		handled:  make(map[ioapic.IRQ]uint64),
		handlers: make(map[ioapic.IRQ]func()),
	}
}

// SetGate implements ioapic.Dispatcher.
func (d *Dispatcher) SetGate(v ioapic.Vector, irq ioapic.IRQ) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gates[v] = irq
}

// Register implements ioapic.Dispatcher.
func (d *Dispatcher) Register(irq ioapic.IRQ, line ioapic.Line) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lines[irq] = line
	d.log.Debug("dispatch: line registered", "irq", irq, "kind", line.Kind())
}

// SetHandler installs the device handler run for each interrupt on irq.
func (d *Dispatcher) SetHandler(irq ioapic.IRQ, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[irq] = fn
}

// Line returns the line registered for irq.
func (d *Dispatcher) Line(irq ioapic.IRQ) (ioapic.Line, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.lines[irq]
	return l, ok
}

// Gate returns the IRQ behind vector v.
func (d *Dispatcher) Gate(v ioapic.Vector) (ioapic.IRQ, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	irq, ok := d.gates[v]
	return irq, ok
}

// Start starts the line behind irq, as requesting the IRQ would.
func (d *Dispatcher) Start(irq ioapic.IRQ) error {
	l, ok := d.Line(irq)
	if !ok {
		return nil
	}
	_, err := l.Start()
	return err
}

// Disable disables irq. Interrupts that still arrive see StatusDisabled.
func (d *Dispatcher) Disable(irq ioapic.IRQ) error {
	d.mu.Lock()
	l, ok := d.lines[irq]
	d.status[irq] |= ioapic.StatusDisabled
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return l.Disable()
}

// Enable re-enables irq.
func (d *Dispatcher) Enable(irq ioapic.IRQ) error {
	d.mu.Lock()
	l, ok := d.lines[irq]
	d.status[irq] &^= ioapic.StatusDisabled | ioapic.StatusPending
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return l.Enable()
}

// Handle runs one delivery taken by the CPU.
func (d *Dispatcher) Handle(del dev.Delivery) {
	if del.Spurious {
		d.mu.Lock()
		d.spurious++
		d.mu.Unlock()
		d.log.Debug("dispatch: spurious 8259A interrupt", "vector", del.Vector)
		return
	}

	d.mu.Lock()
	irq, ok := d.gates[ioapic.Vector(del.Vector)]
	line := d.lines[irq]
	if !ok || line == nil {
		d.unexpected++
		d.mu.Unlock()
		d.log.Warn("dispatch: unexpected vector", "vector", del.Vector, "extint", del.ExtINT)
		if !del.ExtINT && d.eoi != nil {
			d.eoi()
		}
		return
	}
	status := d.status[irq]
	if status&ioapic.StatusDisabled != 0 {
		d.status[irq] |= ioapic.StatusPending
		status |= ioapic.StatusPending
	}
	d.mu.Unlock()

	if err := line.Ack(status); err != nil {
		d.log.Error("dispatch: ack failed", "irq", irq, "err", err)
	}
	if status&ioapic.StatusDisabled == 0 {
		d.mu.Lock()
		d.handled[irq]++
		fn := d.handlers[irq]
		d.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
	if err := line.End(status); err != nil {
		d.log.Error("dispatch: end failed", "irq", irq, "err", err)
	}
}

// Handled returns how many interrupts irq has delivered to its handler.
func (d *Dispatcher) Handled(irq ioapic.IRQ) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handled[irq]
}

// Spurious returns the number of empty 8259A acknowledge cycles.
func (d *Dispatcher) Spurious() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spurious
}

// Unexpected returns the number of vectors with no line behind them.
func (d *Dispatcher) Unexpected() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unexpected
}

var _ ioapic.Dispatcher = (*Dispatcher)(nil)
