package ioapic

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/irqroute/internal/firmware"
)

// fakeController is a register file behind a select/window pair.
type fakeController struct {
	sel  uint32
	regs map[uint8]uint32
}

type fakeWindow struct {
	mu     sync.Mutex
	ctrls  map[uint64]*fakeController
	writes int
}

func newFakeWindow(ctrls ...firmware.Controller) *fakeWindow {
	w := &fakeWindow{ctrls: make(map[uint64]*fakeController)}
	for _, c := range ctrls {
		w.ctrls[c.Address] = &fakeController{regs: map[uint8]uint32{
			RegID:          uint32(c.ID&0x0f) << 24,
			RegVersion:     uint32(c.Pins-1)<<16 | 0x11,
			RegArbitration: uint32(c.ID&0x0f) << 24,
		}}
	}
	return w
}

func (w *fakeWindow) lookup(addr uint64) (*fakeController, uint64, error) {
	for base, c := range w.ctrls {
		if addr == base+regSelectOffset || addr == base+regWindowOffset {
			return c, addr - base, nil
		}
	}
	return nil, 0, fmt.Errorf("no controller at %#x", addr)
}

func (w *fakeWindow) ReadMMIO(addr uint64, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, off, err := w.lookup(addr)
	if err != nil {
		return err
	}
	v := c.sel
	if off == regWindowOffset {
		v = c.regs[uint8(c.sel)]
	}
	binary.LittleEndian.PutUint32(data, v)
	return nil
}

func (w *fakeWindow) WriteMMIO(addr uint64, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, off, err := w.lookup(addr)
	if err != nil {
		return err
	}
	v := binary.LittleEndian.Uint32(data)
	if off == regSelectOffset {
		c.sel = v & 0xff
		return nil
	}
	w.writes++
	c.regs[uint8(c.sel)] = v
	return nil
}

func (w *fakeWindow) entry(base uint64, pin int) RedirEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	c := w.ctrls[base]
	return DecodeRedirEntry(uint64(c.regs[redirHigh(pin)])<<32 | uint64(c.regs[redirLow(pin)]))
}

func (w *fakeWindow) setEntry(base uint64, pin int, e RedirEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c := w.ctrls[base]
	raw := e.Raw()
	c.regs[redirLow(pin)] = uint32(raw)
	c.regs[redirHigh(pin)] = uint32(raw >> 32)
}

func (w *fakeWindow) setReg(base uint64, reg uint8, v uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ctrls[base].regs[reg] = v
}

type fakeCPU struct {
	mu      sync.Mutex
	enabled bool
	nesting int
}

func (c *fakeCPU) DisableInterrupts() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.enabled
	c.enabled = false
	c.nesting++
	return was
}

func (c *fakeCPU) RestoreInterrupts(was bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = was
	c.nesting--
}

type fakeLegacy struct {
	masked   [16]bool
	pending  [16]bool
	elcr     uint16
	acks     int
	autoEOI  []bool
	disabled []int
}

func (l *fakeLegacy) DisableLine(n int) {
	l.masked[n] = true
	l.disabled = append(l.disabled, n)
}
func (l *fakeLegacy) EnableLine(n int)          { l.masked[n] = false }
func (l *fakeLegacy) IsPending(n int) bool      { return l.pending[n] }
func (l *fakeLegacy) Acknowledge()              { l.acks++ }
func (l *fakeLegacy) InitPassThrough(auto bool) { l.autoEOI = append(l.autoEOI, auto) }
func (l *fakeLegacy) TriggerMode(line int) bool { return l.elcr&(1<<uint(line)) != 0 }

type fakeLAPIC struct {
	eois   int
	mode   LVTMode
	vector Vector
	masked bool
}

func (a *fakeLAPIC) ID() uint8 { return 0 }
func (a *fakeLAPIC) EOI()      { a.eois++ }
func (a *fakeLAPIC) SetLVT0(mode LVTMode, v Vector, masked bool) {
	a.mode, a.vector, a.masked = mode, v, masked
}

type fakeDispatch struct {
	gates map[Vector]IRQ
	lines map[IRQ]Line
}

func (d *fakeDispatch) SetGate(v Vector, irq IRQ)   { d.gates[v] = irq }
func (d *fakeDispatch) Register(irq IRQ, line Line) { d.lines[irq] = line }

// fakeClock advances by ten ticks per Delay whenever works reports the
// current wiring would deliver the timer.
type fakeClock struct {
	ticks  uint64
	delays int
	works  func() bool
}

func (c *fakeClock) Ticks() uint64 { return c.ticks }
func (c *fakeClock) Delay(time.Duration) {
	c.delays++
	if c.works != nil && c.works() {
		c.ticks += 10
	}
}

type fakePulser struct {
	pulses  int
	onPulse func()
}

func (p *fakePulser) PulseSecondary() {
	p.pulses++
	if p.onPulse != nil {
		p.onPulse()
	}
}

type harness struct {
	t        *testing.T
	win      *fakeWindow
	cpu      *fakeCPU
	legacy   *fakeLegacy
	lapic    *fakeLAPIC
	dispatch *fakeDispatch
	clock    *fakeClock
	pulser   *fakePulser
	s        *Subsystem
}

const testBase = 0xfec00000

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		win:      newFakeWindow(cfg.Controllers...),
		cpu:      &fakeCPU{},
		legacy:   &fakeLegacy{},
		lapic:    &fakeLAPIC{},
		dispatch: &fakeDispatch{gates: make(map[Vector]IRQ), lines: make(map[IRQ]Line)},
		clock:    &fakeClock{},
		pulser:   &fakePulser{},
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	s, err := New(cfg, Platform{
		Window:    h.win,
		CPU:       h.cpu,
		Legacy:    h.legacy,
		LAPIC:     h.lapic,
		Dispatch:  h.dispatch,
		Clock:     h.clock,
		Secondary: h.pulser,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.s = s
	return h
}

func (h *harness) entry(pin int) RedirEntry { return h.win.entry(testBase, pin) }

// pcSystem is one 24 pin controller with the timer on pin 2, the keyboard
// on pin 1, the 8259A on pin 0, the RTC on pin 8 and a PCI device on pin
// 18.
func pcSystem() Config {
	return Config{
		Controllers: []firmware.Controller{{ID: 2, Address: testBase, Pins: 24}},
		Buses:       []firmware.Bus{{ID: 0, Type: firmware.BusISA}, {ID: 1, Type: firmware.BusPCI}},
		Entries: []firmware.IrqEntry{
			{Type: firmware.IrqExtINT, SrcBus: 0, SrcBusIRQ: 0, DstController: 2, DstPin: 0},
			{Type: firmware.IrqINT, SrcBus: 0, SrcBusIRQ: 1, DstController: 2, DstPin: 1},
			{Type: firmware.IrqINT, SrcBus: 0, SrcBusIRQ: 0, DstController: 2, DstPin: 2},
			{Type: firmware.IrqINT, SrcBus: 0, SrcBusIRQ: 8, DstController: 2, DstPin: 8},
			{Type: firmware.IrqINT, SrcBus: 1, SrcBusIRQ: 0x0c, DstController: 2, DstPin: 18},
		},
	}
}
