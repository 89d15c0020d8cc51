package ioapic

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Register window layout of one controller.
const (
	regSelectOffset = 0x00
	regWindowOffset = 0x10
)

// Controller registers.
const (
	RegID          uint8 = 0x00
	RegVersion     uint8 = 0x01
	RegArbitration uint8 = 0x02
	RegRedirBase   uint8 = 0x10
)

// RegisterWindow is the bus the controllers' select/data windows live on.
type RegisterWindow interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// LocalInterrupts controls interrupt delivery on the calling processor.
type LocalInterrupts interface {
	// DisableInterrupts masks local delivery and reports whether it was
	// enabled before.
	DisableInterrupts() (wasEnabled bool)
	RestoreInterrupts(wasEnabled bool)
}

// DeliveryMode is the redirection entry delivery mode field.
type DeliveryMode uint8

const (
	DeliveryFixed      DeliveryMode = 0
	DeliveryLowestPrio DeliveryMode = 1
	DeliverySMI        DeliveryMode = 2
	DeliveryNMI        DeliveryMode = 4
	DeliveryINIT       DeliveryMode = 5
	DeliveryExtINT     DeliveryMode = 7
)

func (d DeliveryMode) String() string {
	switch d {
	case DeliveryFixed:
		return "fixed"
	case DeliveryLowestPrio:
		return "lowest"
	case DeliverySMI:
		return "SMI"
	case DeliveryNMI:
		return "NMI"
	case DeliveryINIT:
		return "INIT"
	case DeliveryExtINT:
		return "ExtINT"
	default:
		return "reserved"
	}
}

// RedirEntry is a decoded 64-bit redirection table entry.
type RedirEntry struct {
	Vector    Vector
	Delivery  DeliveryMode
	Logical   bool
	Pending   bool // delivery status, read-only
	ActiveLow bool
	RemoteIRR bool // read-only
	Level     bool
	Masked    bool
	Dest      uint8
}

const (
	rteLogical   = 1 << 11
	rtePending   = 1 << 12
	rteActiveLow = 1 << 13
	rteRemoteIRR = 1 << 14
	rteLevel     = 1 << 15
	rteMasked    = 1 << 16
)

// Raw encodes the entry.
func (e RedirEntry) Raw() uint64 {
	v := uint64(e.Vector) | uint64(e.Delivery&0x7)<<8 | uint64(e.Dest)<<56
	if e.Logical {
		v |= rteLogical
	}
	if e.Pending {
		v |= rtePending
	}
	if e.ActiveLow {
		v |= rteActiveLow
	}
	if e.RemoteIRR {
		v |= rteRemoteIRR
	}
	if e.Level {
		v |= rteLevel
	}
	if e.Masked {
		v |= rteMasked
	}
	return v
}

// DecodeRedirEntry decodes a raw redirection entry.
func DecodeRedirEntry(v uint64) RedirEntry {
	return RedirEntry{
		Vector:    Vector(v & 0xff),
		Delivery:  DeliveryMode((v >> 8) & 0x7),
		Logical:   v&rteLogical != 0,
		Pending:   v&rtePending != 0,
		ActiveLow: v&rteActiveLow != 0,
		RemoteIRR: v&rteRemoteIRR != 0,
		Level:     v&rteLevel != 0,
		Masked:    v&rteMasked != 0,
		Dest:      uint8(v >> 56),
	}
}

// maskedEntry is what a cleared pin holds.
var maskedEntry = RedirEntry{Masked: true}

func redirLow(pin int) uint8  { return RegRedirBase + uint8(pin*2) }
func redirHigh(pin int) uint8 { return RegRedirBase + uint8(pin*2) + 1 }

// Channel serializes select-then-data register access to every controller.
// The lock is taken with local interrupts disabled so an interrupt handler
// on the same processor can not split a select/data pair.
type Channel struct {
	mu    sync.Mutex
	cpu   LocalInterrupts
	bus   RegisterWindow
	bases []uint64
	log   *slog.Logger
}

// NewChannel returns a channel for controllers whose windows start at bases.
func NewChannel(bus RegisterWindow, cpu LocalInterrupts, bases []uint64, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		cpu:   cpu,
		bus:   bus,
		bases: append([]uint64(nil), bases...),
		log:   log,
	}
}

// regGuard holds the channel lock and the saved interrupt state.
type regGuard struct {
	c          *Channel
	wasEnabled bool
}

func (c *Channel) lock() regGuard {
	was := c.cpu.DisableInterrupts()
	c.mu.Lock()
	return regGuard{c: c, wasEnabled: was}
}

func (g regGuard) unlock() {
	g.c.mu.Unlock()
	g.c.cpu.RestoreInterrupts(g.wasEnabled)
}

func (c *Channel) base(controller int) (uint64, error) {
	if controller < 0 || controller >= len(c.bases) {
		return 0, fmt.Errorf("ioapic: controller index %d out of range", controller)
	}
	return c.bases[controller], nil
}

func (c *Channel) readLocked(controller int, reg uint8) (uint32, error) {
	base, err := c.base(controller)
	if err != nil {
		return 0, err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(reg))
	if err := c.bus.WriteMMIO(base+regSelectOffset, buf[:]); err != nil {
		return 0, fmt.Errorf("ioapic: select %d:%#x: %w", controller, reg, err)
	}
	if err := c.bus.ReadMMIO(base+regWindowOffset, buf[:]); err != nil {
		return 0, fmt.Errorf("ioapic: read %d:%#x: %w", controller, reg, err)
	}
	v := binary.LittleEndian.Uint32(buf[:])
	c.log.Debug("ioapic: register read", "controller", controller, "reg", reg, "value", v)
	return v, nil
}

func (c *Channel) writeLocked(controller int, reg uint8, v uint32) error {
	base, err := c.base(controller)
	if err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(reg))
	if err := c.bus.WriteMMIO(base+regSelectOffset, buf[:]); err != nil {
		return fmt.Errorf("ioapic: select %d:%#x: %w", controller, reg, err)
	}
	binary.LittleEndian.PutUint32(buf[:], v)
	if err := c.bus.WriteMMIO(base+regWindowOffset, buf[:]); err != nil {
		return fmt.Errorf("ioapic: write %d:%#x: %w", controller, reg, err)
	}
	c.log.Debug("ioapic: register write", "controller", controller, "reg", reg, "value", v)
	return nil
}

// Read reads one controller register.
func (c *Channel) Read(controller int, reg uint8) (uint32, error) {
	g := c.lock()
	defer g.unlock()
	return c.readLocked(controller, reg)
}

// Write writes one controller register.
func (c *Channel) Write(controller int, reg uint8, v uint32) error {
	g := c.lock()
	defer g.unlock()
	return c.writeLocked(controller, reg, v)
}

// ReadEntry reads the redirection entry of pin.
func (c *Channel) ReadEntry(controller, pin int) (RedirEntry, error) {
	g := c.lock()
	defer g.unlock()
	lo, err := c.readLocked(controller, redirLow(pin))
	if err != nil {
		return RedirEntry{}, err
	}
	hi, err := c.readLocked(controller, redirHigh(pin))
	if err != nil {
		return RedirEntry{}, err
	}
	return DecodeRedirEntry(uint64(hi)<<32 | uint64(lo)), nil
}

// WriteEntry programs the redirection entry of pin. The high half goes
// first so the entry is never live with a stale destination.
func (c *Channel) WriteEntry(controller, pin int, e RedirEntry) error {
	g := c.lock()
	defer g.unlock()
	raw := e.Raw()
	if err := c.writeLocked(controller, redirHigh(pin), uint32(raw>>32)); err != nil {
		return err
	}
	return c.writeLocked(controller, redirLow(pin), uint32(raw))
}

// Half selects the 32-bit half of a redirection entry.
type Half uint8

const (
	LowHalf Half = iota
	HighHalf
)

// ModifyBoundPins applies transform to one half of every redirection entry
// bound to irq, under one lock hold. With flush set the last write is read
// back so the change is visible to hardware before ModifyBoundPins returns.
func (c *Channel) ModifyBoundPins(pins *PinMap, irq IRQ, half Half, transform func(uint32) uint32, flush bool) error {
	g := c.lock()
	defer g.unlock()

	var (
		err     error
		last    PinBinding
		touched bool
	)
	pins.ForEach(irq, func(b PinBinding) {
		if err != nil {
			return
		}
		reg := redirLow(b.Pin)
		if half == HighHalf {
			reg = redirHigh(b.Pin)
		}
		var v uint32
		if v, err = c.readLocked(b.Controller, reg); err != nil {
			return
		}
		if err = c.writeLocked(b.Controller, reg, transform(v)); err != nil {
			return
		}
		last, touched = b, true
	})
	if err != nil {
		return err
	}
	if flush && touched {
		reg := redirLow(last.Pin)
		if half == HighHalf {
			reg = redirHigh(last.Pin)
		}
		if _, err := c.readLocked(last.Controller, reg); err != nil {
			return err
		}
	}
	return nil
}
