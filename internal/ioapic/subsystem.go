// Package ioapic routes system interrupts through IO-APIC controllers.
//
// A Subsystem resolves firmware interrupt entries into IRQ numbers,
// binds them to controller pins, hands out CPU vectors, programs the
// redirection tables and validates that the system timer actually ticks,
// falling back through the legacy 8259A paths when it does not.
package ioapic

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tinyrange/irqroute/internal/firmware"
)

// LegacyController is the dual 8259A driver.
type LegacyController interface {
	DisableLine(n int)
	EnableLine(n int)
	IsPending(n int) bool
	// Acknowledge signals end of interrupt to the controller pair.
	Acknowledge()
	// InitPassThrough reinitialises both chips. With autoEOI set the
	// controller completes each interrupt itself.
	InitPassThrough(autoEOI bool)
	TriggerReader
}

// LVTMode is the delivery mode of the local APIC LINT0 entry.
type LVTMode uint8

const (
	LVTFixed LVTMode = iota
	LVTExtINT
)

func (m LVTMode) String() string {
	if m == LVTExtINT {
		return "ExtINT"
	}
	return "fixed"
}

// LocalAPIC is the boot processor's local interrupt controller.
type LocalAPIC interface {
	ID() uint8
	EOI()
	SetLVT0(mode LVTMode, vector Vector, masked bool)
}

// Dispatcher is the generic IRQ layer lines are published to.
type Dispatcher interface {
	SetGate(v Vector, irq IRQ)
	Register(irq IRQ, line Line)
}

// TickSource observes timer progress.
type TickSource interface {
	// Ticks returns the number of timer interrupts handled so far.
	Ticks() uint64
	// Delay waits for d with interrupts enabled.
	Delay(d time.Duration)
}

// SecondaryPulser toggles the secondary line used to unlock the ExtINT
// logic of some chipsets.
type SecondaryPulser interface {
	PulseSecondary()
}

// Platform bundles the collaborators a Subsystem drives.
type Platform struct {
	Window    RegisterWindow
	CPU       LocalInterrupts
	Legacy    LegacyController
	LAPIC     LocalAPIC
	Dispatch  Dispatcher
	Clock     TickSource
	Secondary SecondaryPulser
}

// Config controls a Subsystem.
type Config struct {
	Controllers []firmware.Controller
	Buses       []firmware.Bus
	Entries     []firmware.IrqEntry
	Pirq        firmware.PirqTable
	// Disabled leaves every interrupt on the legacy controller.
	Disabled bool

	// NrIRQs bounds IRQ numbers. Zero means DefaultNrIRQs.
	NrIRQs int
	// SharedSlots sizes the pin overflow pool. Zero means NrIRQs and
	// NoSharedSlots leaves every IRQ with a single pin.
	SharedSlots int
	// LegacyOnly is a bitmask of ISA IRQs kept on the 8259A. Nil means
	// DefaultLegacyOnly; a zero mask routes every ISA IRQ.
	LegacyOnly *uint16
	// TargetCPUs is the logical destination of routed lines. Zero means 1.
	TargetCPUs uint8

	// TimerWait is how long each timer check waits for ticks.
	TimerWait time.Duration
	// TimerMinTicks is the tick count a check must exceed.
	TimerMinTicks uint64
	// UnlockPulses bounds the ExtINT unlock sequence.
	UnlockPulses int

	Logger *slog.Logger
}

const (
	DefaultNrIRQs               = 224
	DefaultLegacyOnly    uint16 = 1 << 2 // cascade
	DefaultTimerWait            = 100 * time.Millisecond
	DefaultTimerMinTicks uint64 = 4
	DefaultUnlockPulses         = 10

	NoSharedSlots = -1
)

// ConfigFromFirmware builds a Config from a firmware description and the
// parsed boot options.
func ConfigFromFirmware(desc *firmware.Description, opts firmware.BootOptions) Config {
	return Config{
		Controllers: desc.Controllers,
		Buses:       desc.Buses,
		Entries:     desc.Entries,
		Pirq:        opts.Pirq,
		Disabled:    opts.NoAPIC,
	}
}

func (c *Config) setDefaults() {
	if c.NrIRQs <= 0 {
		c.NrIRQs = DefaultNrIRQs
	}
	switch {
	case c.SharedSlots == 0:
		c.SharedSlots = c.NrIRQs
	case c.SharedSlots < 0:
		c.SharedSlots = 0
	}
	mask := DefaultLegacyOnly
	if c.LegacyOnly != nil {
		mask = *c.LegacyOnly
	}
	c.LegacyOnly = &mask
	if c.TargetCPUs == 0 {
		c.TargetCPUs = 1
	}
	if c.TimerWait <= 0 {
		c.TimerWait = DefaultTimerWait
	}
	if c.TimerMinTicks == 0 {
		c.TimerMinTicks = DefaultTimerMinTicks
	}
	if c.UnlockPulses <= 0 {
		c.UnlockPulses = DefaultUnlockPulses
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type lineConfig struct {
	trigger  Trigger
	polarity Polarity
}

// Subsystem owns the routing state of every controller.
type Subsystem struct {
	cfg Config
	p   Platform
	log *slog.Logger

	controllers []firmware.Controller
	resolver    *Resolver
	pins        *PinMap
	vectors     *VectorAllocator
	regs        *Channel

	mu       sync.Mutex
	resolved map[IRQ]lineConfig
	lines    map[IRQ]*IOAPICLine
	warnings []*Warning
	// mismatches holds the hardware disagreements already reported.
	mismatches map[string]bool
	timer      TimerResult
	// extint is the pin the 8259A was wired through before bring-up.
	extint    PinBinding
	hasExtINT bool
}

// New validates cfg and returns an idle Subsystem. Controllers are
// ordered by (ID, address) so positional PCI numbering does not depend on
// discovery order.
func New(cfg Config, p Platform) (*Subsystem, error) {
	cfg.setDefaults()

	desc := firmware.Description{Controllers: cfg.Controllers, Buses: cfg.Buses, Entries: cfg.Entries}
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("ioapic: %w", err)
	}
	if p.Window == nil || p.CPU == nil || p.Legacy == nil || p.LAPIC == nil || p.Dispatch == nil || p.Clock == nil {
		return nil, fmt.Errorf("ioapic: incomplete platform")
	}

	controllers := slices.Clone(cfg.Controllers)
	slices.SortStableFunc(controllers, func(a, b firmware.Controller) int {
		if c := cmp.Compare(a.ID, b.ID); c != 0 {
			return c
		}
		return cmp.Compare(a.Address, b.Address)
	})
	desc.Controllers = controllers

	bases := make([]uint64, len(controllers))
	for i, c := range controllers {
		bases[i] = c.Address
	}

	s := &Subsystem{
		cfg:         cfg,
		p:           p,
		log:         cfg.Logger,
		controllers: controllers,
		pins:        NewPinMap(cfg.NrIRQs, cfg.SharedSlots),
		vectors:     NewVectorAllocator(),
		regs:        NewChannel(p.Window, p.CPU, bases, cfg.Logger),
		resolved:    make(map[IRQ]lineConfig),
		lines:       make(map[IRQ]*IOAPICLine),
	}
	s.resolver = newResolver(controllers, &desc, cfg.Pirq, p.Legacy, cfg.Logger, s.addWarning)
	return s, nil
}

// addMismatch records a HardwareAckMismatch the first time it is seen and
// reports whether it was new.
func (s *Subsystem) addMismatch(msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mismatches[msg] {
		return false
	}
	if s.mismatches == nil {
		s.mismatches = make(map[string]bool)
	}
	s.mismatches[msg] = true
	s.warnings = append(s.warnings, &Warning{Kind: HardwareAckMismatch, Message: msg})
	return true
}

func (s *Subsystem) addWarning(w *Warning) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, w)
}

// Warnings returns the recoverable conditions seen so far.
func (s *Subsystem) Warnings() []*Warning {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.warnings)
}

// Controllers returns the controllers in routing order.
func (s *Subsystem) Controllers() []firmware.Controller { return slices.Clone(s.controllers) }

// Pins exposes the IRQ to pin map.
func (s *Subsystem) Pins() *PinMap { return s.pins }

// Vectors exposes the vector allocator.
func (s *Subsystem) Vectors() *VectorAllocator { return s.vectors }

// Registers exposes the register channel.
func (s *Subsystem) Registers() *Channel { return s.regs }

// Resolver exposes the firmware entry resolver.
func (s *Subsystem) Resolver() *Resolver { return s.resolver }

// Line returns the routed line for irq.
func (s *Subsystem) Line(irq IRQ) (*IOAPICLine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lines[irq]
	return l, ok
}

// Lines returns every routed line ordered by IRQ.
func (s *Subsystem) Lines() []*IOAPICLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*IOAPICLine, 0, len(s.lines))
	for _, l := range s.lines {
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b *IOAPICLine) int { return cmp.Compare(a.irq, b.irq) })
	return out
}

// TimerResult reports how the timer was brought up.
func (s *Subsystem) TimerResult() TimerResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer
}

// legacyOnly reports whether irq stays on the 8259A.
func (s *Subsystem) legacyOnly(irq IRQ) bool {
	return irq < 16 && *s.cfg.LegacyOnly&(1<<uint(irq)) != 0
}

// resolveLine fixes trigger and polarity the first time irq is seen.
// Later pins of a shared line inherit the first resolution.
func (s *Subsystem) resolveLine(irq IRQ, e firmware.IrqEntry) lineConfig {
	cfg := lineConfig{trigger: s.resolver.Trigger(e), polarity: s.resolver.Polarity(e)}

	s.mu.Lock()
	prev, ok := s.resolved[irq]
	if !ok {
		s.resolved[irq] = cfg
	}
	s.mu.Unlock()

	if ok && prev != cfg {
		s.resolver.warnf("irq %d: entry %v resolves to %s/%s, keeping %s/%s",
			irq, e, cfg.trigger, cfg.polarity, prev.trigger, prev.polarity)
		return prev
	}
	return cfg
}

// Shutdown masks every pin and hands the 8259A its pass-through pin back.
func (s *Subsystem) Shutdown() error {
	if s.cfg.Disabled {
		return nil
	}
	if err := s.clearAll(); err != nil {
		return err
	}
	if !s.hasExtINT {
		return nil
	}
	e := RedirEntry{
		Delivery: DeliveryExtINT,
		Dest:     s.p.LAPIC.ID(),
	}
	s.log.Info("ioapic: restoring 8259A pass-through", "pin", s.extint)
	return s.regs.WriteEntry(s.extint.Controller, s.extint.Pin, e)
}

func (s *Subsystem) clearPin(controller, pin int) error {
	// Mask first so the pin can not fire with a half-written entry.
	e, err := s.regs.ReadEntry(controller, pin)
	if err != nil {
		return err
	}
	if e.Delivery == DeliverySMI {
		return nil
	}
	if !e.Masked {
		e.Masked = true
		if err := s.regs.WriteEntry(controller, pin, e); err != nil {
			return err
		}
	}
	return s.regs.WriteEntry(controller, pin, maskedEntry)
}

func (s *Subsystem) clearAll() error {
	for ci, c := range s.controllers {
		for pin := 0; pin < c.Pins; pin++ {
			if err := s.clearPin(ci, pin); err != nil {
				return err
			}
		}
	}
	return nil
}
