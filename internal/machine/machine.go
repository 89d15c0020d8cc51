// Package machine assembles a simulated PC around the interrupt routing
// core: an 8259A pair, IO-APICs, a local APIC, the PIT and the RTC on a
// shared chipset bus, wired the way a Spec says the board really is.
package machine

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/irqroute/internal/acpi"
	cs "github.com/tinyrange/irqroute/internal/chipset"
	dev "github.com/tinyrange/irqroute/internal/devices/amd64/chipset"
	"github.com/tinyrange/irqroute/internal/firmware"
	"github.com/tinyrange/irqroute/internal/ioapic"
)

const (
	pitCommandPort = 0x43
	pitCounter0    = 0x40
	pitRateGen     = 0x34
	pitInputHz     = 1193182

	// extINTEntry is a physical, edge triggered, unmasked ExtINT entry
	// for APIC 0, as firmware leaves the 8259A pass-through pin.
	extINTEntry uint64 = 0x700
)

// Option customises a Machine.
type Option func(*Machine)

// WithLogger sets the logger used by the machine and the routing core.
func WithLogger(log *slog.Logger) Option {
	return func(m *Machine) {
		if log != nil {
			m.log = log
		}
	}
}

// WithHalter adds h to be told when bring-up halts the machine.
func WithHalter(h ioapic.Halter) Option {
	return func(m *Machine) { m.halter = h }
}

// Machine is one simulated boot processor and its interrupt hardware.
type Machine struct {
	spec   *Spec
	log    *slog.Logger
	halter ioapic.Halter

	desc    *firmware.Description
	chipset *cs.Chipset
	lines   *cs.LineSet
	isa     [16]cs.LineInterrupt

	// ioapics is keyed by the firmware ID of each controller.
	ioapics map[uint8]*dev.IOAPIC
	pic     *dev.DualPIC
	pit     *dev.PIT
	rtc     *dev.RTC
	kbd     *dev.I8042
	lapic   *dev.LocalAPIC

	extint   PinRef
	extintIO *dev.IOAPIC

	cpu      *cpu
	legacy   *i8259
	dispatch *Dispatcher
	clock    *clock
	pulser   *rtcPulser

	mu     sync.Mutex
	halted string
	sub    *ioapic.Subsystem
	keys   []byte
}

// New builds the machine described by spec and leaves it in the state
// firmware hands to the kernel.
func New(spec *Spec, opts ...Option) (*Machine, error) {
	if spec == nil {
		return nil, fmt.Errorf("machine: nil spec")
	}
	m := &Machine{
		spec:    spec,
		log:     slog.Default(),
		lines:   cs.NewLineSet(),
		ioapics: make(map[uint8]*dev.IOAPIC),
	}
	for _, opt := range opts {
		opt(m)
	}

	b := cs.NewBuilder()
	m.pic = dev.NewDualPIC()
	if err := b.RegisterDevice(m.pic.DeviceId(), m.pic); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}

	var lapicOpts []dev.LAPICOption
	if spec.Wiring.VirtualWireBroken {
		lapicOpts = append(lapicOpts, dev.WithLINT0FixedBroken())
	}
	if spec.Wiring.ExtINTLatched {
		lapicOpts = append(lapicOpts, dev.WithExtINTLatched())
	}
	m.lapic = dev.NewLocalAPIC(0, m.pic, m.lines, lapicOpts...)

	for _, c := range spec.boardControllers() {
		id, pins := c.ID, c.Pins
		if v, ok := spec.Wiring.IDs[c.ID]; ok {
			id = v
		}
		if v, ok := spec.Wiring.Pins[c.ID]; ok {
			pins = v
		}
		ioa := dev.NewIOAPIC(id, c.Address, pins)
		ioa.SetRouting(m.lapic)
		if err := b.RegisterDevice(fmt.Sprintf("ioapic@%#x", c.Address), ioa); err != nil {
			return nil, fmt.Errorf("machine: %w", err)
		}
		m.ioapics[c.ID] = ioa
		m.lines.AttachEOITarget(ioa)
	}

	for irq := uint8(0); irq < 16; irq++ {
		m.isa[irq] = m.lines.AllocateLine(irq)
		if irq == 0 && spec.Wiring.TimerDead {
			continue
		}
		m.lines.Route(irq, m.pic, irq)
	}

	m.dispatch = NewDispatcher(m.lapic.EOI, m.log)
	m.cpu = newCPU(m.lapic, m.dispatch.Handle, m.log)

	m.pit = dev.NewPIT(m.isa[0], dev.WithPITOnTick(m.cpu.Service))
	m.rtc = dev.NewRTC(m.isa[8])
	m.kbd = dev.NewI8042(m.isa[1])
	for _, d := range []cs.ChipsetDevice{m.pit, m.rtc, m.kbd} {
		if err := b.RegisterDevice(d.DeviceId(), d); err != nil {
			return nil, fmt.Errorf("machine: %w", err)
		}
	}

	chip, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	if err := chip.Start(); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	m.chipset = chip
	m.legacy = newI8259(chip, m.log)
	m.clock = &clock{cpu: m.cpu, pit: m.pit, dispatch: m.dispatch}
	m.pulser = &rtcPulser{io: chip, rtc: m.rtc, log: m.log}
	m.dispatch.SetHandler(1, m.keyboardInterrupt)

	if m.desc, err = m.describe(); err != nil {
		return nil, err
	}
	m.wireISA()
	m.wireExtINT()
	if err := m.firmwareSetup(); err != nil {
		return nil, err
	}
	return m, nil
}

// boardControllers lists the IO-APICs physically present.
func (s *Spec) boardControllers() []firmware.Controller {
	if s.Firmware.Source != SourceACPI {
		return s.Firmware.Controllers
	}
	out := make([]firmware.Controller, 0, len(s.Firmware.ACPI.IOAPICs))
	for _, ioa := range s.Firmware.ACPI.IOAPICs {
		out = append(out, firmware.Controller{ID: ioa.ID, Address: uint64(ioa.Address), Pins: ioa.Pins})
	}
	return out
}

// describe produces the firmware description the kernel would see. ACPI
// machines get a real table image which is then searched and parsed.
func (m *Machine) describe() (*firmware.Description, error) {
	fw := m.spec.Firmware
	if fw.Source != SourceACPI {
		desc := fw.Description
		return &desc, nil
	}

	cfg := acpi.Config{
		NoLegacyPIC:  fw.ACPI.NoLegacyPIC,
		ISAOverrides: fw.ACPI.Overrides,
		NMISources:   fw.ACPI.NMISources,
	}
	for _, ioa := range fw.ACPI.IOAPICs {
		cfg.IOAPICs = append(cfg.IOAPICs, ioa.IOAPICConfig)
	}
	img, err := acpi.Build(cfg)
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	madt, err := acpi.FindTable(img, img.RSDP(), "APIC")
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	desc, err := firmware.ParseMADT(madt, m.readPinCount)
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	m.log.Debug("machine: parsed MADT", "controllers", len(desc.Controllers), "entries", len(desc.Entries))
	return desc, nil
}

// readPinCount asks the IO-APIC at addr for its redirection entry count.
func (m *Machine) readPinCount(addr uint64) int {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(ioapic.RegVersion))
	if err := m.chipset.WriteMMIO(addr, buf[:]); err != nil {
		m.log.Warn("machine: no IO-APIC behind MADT entry", "address", addr, "err", err)
		return 0
	}
	if err := m.chipset.ReadMMIO(addr+0x10, buf[:]); err != nil {
		return 0
	}
	return int(binary.LittleEndian.Uint32(buf[:])>>16&0xff) + 1
}

// wireISA connects ISA lines to the IO-APIC pins firmware names, except
// where the wiring says the timer goes elsewhere.
func (m *Machine) wireISA() {
	w := m.spec.Wiring
	isa := make(map[int]bool)
	for _, b := range m.desc.Buses {
		switch b.Type {
		case firmware.BusISA, firmware.BusEISA, firmware.BusMCA:
			isa[b.ID] = true
		}
	}
	timerMoved := w.Timer != nil || w.TimerUnwired || w.TimerDead
	for _, e := range m.desc.Entries {
		if e.Type != firmware.IrqINT || !isa[e.SrcBus] || e.SrcBusIRQ < 0 || e.SrcBusIRQ > 15 {
			continue
		}
		if e.SrcBusIRQ == 0 && timerMoved {
			continue
		}
		m.routePin(uint8(e.SrcBusIRQ), PinRef{Controller: e.DstController, Pin: e.DstPin})
	}
	if w.Timer != nil && !w.TimerUnwired && !w.TimerDead {
		m.routePin(0, *w.Timer)
	}
}

func (m *Machine) routePin(irq uint8, p PinRef) {
	ioa, ok := m.ioapics[p.Controller]
	if !ok {
		m.log.Warn("machine: wiring names an unknown IO-APIC", "irq", irq, "pin", p)
		return
	}
	m.lines.Route(irq, ioa, uint8(p.Pin))
	m.log.Debug("machine: wired", "irq", irq, "pin", p)
}

// wireExtINT connects the 8259A INT output to LINT0 and, when the board
// has one, to its IO-APIC pass-through pin.
func (m *Machine) wireExtINT() {
	w := m.spec.Wiring
	switch {
	case w.ExtINTUnwired:
	case w.ExtINT != nil:
		m.extint = *w.ExtINT
		m.extintIO = m.ioapics[w.ExtINT.Controller]
	default:
		for _, e := range m.desc.Entries {
			if e.Type == firmware.IrqExtINT {
				m.extint = PinRef{Controller: e.DstController, Pin: e.DstPin}
				m.extintIO = m.ioapics[e.DstController]
				break
			}
		}
	}

	lapic, ioa, pin := m.lapic, m.extintIO, uint8(m.extint.Pin)
	m.pic.SetReadyLine(cs.LineInterruptFromFunc(func(level bool) {
		lapic.SetLINT0(level)
		if ioa != nil {
			ioa.SetIRQ(pin, level)
		}
	}))
}

// firmwareSetup leaves the hardware in virtual wire mode with the PIT
// running, as a BIOS does before handing over.
func (m *Machine) firmwareSetup() error {
	m.pic.SetELCR(m.spec.Wiring.ELCR)
	m.legacy.InitPassThrough(false)

	if m.extintIO != nil {
		m.extintIO.Program(m.extint.Pin, extINTEntry)
		m.lapic.SetLVT0(dev.LVTModeExtINT, 0, true)
	} else {
		m.lapic.SetLVT0(dev.LVTModeExtINT, 0, false)
	}

	reload := pitInputHz / m.spec.Wiring.TimerHz
	reload = max(1, min(reload, 0xffff))
	for _, w := range []struct {
		port uint16
		v    byte
	}{
		{pitCommandPort, pitRateGen},
		{pitCounter0, byte(reload)},
		{pitCounter0, byte(reload >> 8)},
	} {
		if err := m.chipset.Outb(w.port, w.v); err != nil {
			return fmt.Errorf("machine: program PIT: %w", err)
		}
	}
	return nil
}

// Description returns what firmware reported.
func (m *Machine) Description() *firmware.Description { return m.desc }

// Platform returns the collaborators the routing core drives.
func (m *Machine) Platform() ioapic.Platform {
	return ioapic.Platform{
		Window:    m.chipset,
		CPU:       m.cpu,
		Legacy:    m.legacy,
		LAPIC:     apicPort{apic: m.lapic},
		Dispatch:  m.dispatch,
		Clock:     m.clock,
		Secondary: m.pulser,
	}
}

// Boot parses the command line, brings up interrupt routing and enables
// interrupts. A fatal bring-up error halts the machine and Boot returns
// the subsystem with a nil error; check Halted.
func (m *Machine) Boot() (*ioapic.Subsystem, error) {
	opts, err := firmware.ParseBootOptions(m.spec.Firmware.Cmdline)
	if err != nil {
		return nil, err
	}
	cfg := m.spec.routingConfig(m.desc, opts)
	cfg.Logger = m.log

	sub, err := ioapic.New(cfg, m.Platform())
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()

	if err := ioapic.Halt(m, sub.Bringup()); err != nil {
		return sub, err
	}
	if m.Halted() != "" {
		return sub, nil
	}

	// The timer driver requests IRQ 0. On the 8259A that is what unmasks it.
	if l, ok := m.dispatch.Line(0); ok && l.Kind() == ioapic.KindLegacy {
		if _, err := l.Start(); err != nil {
			return sub, err
		}
	}
	m.cpu.EnableInterrupts()
	return sub, nil
}

// Subsystem returns the routing core after Boot.
func (m *Machine) Subsystem() *ioapic.Subsystem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sub
}

// Halt implements ioapic.Halter.
func (m *Machine) Halt(reason string) {
	m.mu.Lock()
	m.halted = reason
	m.mu.Unlock()
	m.log.Error("machine: halted", "reason", reason)
	if m.halter != nil {
		m.halter.Halt(reason)
	}
}

// Halted returns why the machine halted, or "".
func (m *Machine) Halted() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// Run lets d of virtual time pass with interrupts enabled.
func (m *Machine) Run(d time.Duration) { m.clock.Delay(d) }

// Ticks returns the number of timer interrupts handled.
func (m *Machine) Ticks() uint64 { return m.clock.Ticks() }

// Raise pulses ISA line irq, as an edge triggered device would, and lets
// the CPU take the interrupt.
func (m *Machine) Raise(irq uint8) error {
	if irq >= 16 {
		return fmt.Errorf("machine: no ISA line %d", irq)
	}
	m.isa[irq].SetLevel(true)
	m.isa[irq].SetLevel(false)
	m.cpu.Service()
	return nil
}

// PressKey sends scancode from the keyboard and lets the CPU take the
// interrupt.
func (m *Machine) PressKey(scancode byte) {
	m.kbd.SendScancode(scancode)
	m.cpu.Service()
}

// Keys returns the scancodes the keyboard handler has read so far.
func (m *Machine) Keys() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.keys...)
}

// keyboardInterrupt is the IRQ 1 handler: it drains one byte from the
// keyboard controller.
func (m *Machine) keyboardInterrupt() {
	status, err := m.chipset.Inb(0x64)
	if err != nil || status&0x01 == 0 {
		return
	}
	b, err := m.chipset.Inb(0x60)
	if err != nil {
		m.log.Warn("machine: keyboard read failed", "err", err)
		return
	}
	m.mu.Lock()
	m.keys = append(m.keys, b)
	m.mu.Unlock()
}

// Handled returns how many interrupts irq delivered to its handler.
func (m *Machine) Handled(irq ioapic.IRQ) uint64 { return m.dispatch.Handled(irq) }

// Dispatcher returns the machine's IRQ layer.
func (m *Machine) Dispatcher() *Dispatcher { return m.dispatch }

// LocalAPIC returns the boot processor's local APIC model.
func (m *Machine) LocalAPIC() *dev.LocalAPIC { return m.lapic }

// PIC returns the 8259A pair.
func (m *Machine) PIC() *dev.DualPIC { return m.pic }

// IOAPIC returns the controller firmware knows as id.
func (m *Machine) IOAPIC(id uint8) (*dev.IOAPIC, bool) {
	ioa, ok := m.ioapics[id]
	return ioa, ok
}

var _ ioapic.Halter = (*Machine)(nil)
