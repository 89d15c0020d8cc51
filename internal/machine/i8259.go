package machine

import (
	"log/slog"
	"sync"

	"github.com/tinyrange/irqroute/internal/ioapic"
)

// portIO is byte wide access to the I/O port space.
type portIO interface {
	Outb(port uint16, v byte) error
	Inb(port uint16) (byte, error)
}

const (
	pic1Command uint16 = 0x20
	pic1Data    uint16 = 0x21
	pic2Command uint16 = 0xa0
	pic2Data    uint16 = 0xa1
	picELCR     uint16 = 0x4d0

	ocw3ReadIRR = 0x0a
	ocw3ReadISR = 0x0b
	ocw3Poll    = 0x0c
	ocw2EOI     = 0x20

	cascadeIRQ = 2
)

// i8259 drives the 8259A pair through its ports. It keeps the interrupt
// mask cached so masking a line is a single write.
type i8259 struct {
	mu   sync.Mutex
	io   portIO
	log  *slog.Logger
	mask uint16
}

func newI8259(io portIO, log *slog.Logger) *i8259 {
	return &i8259{io: io, log: log, mask: 0xffff &^ (1 << cascadeIRQ)}
}

func (p *i8259) outb(port uint16, v byte) {
	if err := p.io.Outb(port, v); err != nil {
		p.log.Warn("i8259: port write failed", "port", port, "err", err)
	}
}

func (p *i8259) inb(port uint16) byte {
	v, err := p.io.Inb(port)
	if err != nil {
		p.log.Warn("i8259: port read failed", "port", port, "err", err)
	}
	return v
}

func (p *i8259) writeMaskLocked(n int) {
	if n < 8 {
		p.outb(pic1Data, byte(p.mask))
	} else {
		p.outb(pic2Data, byte(p.mask>>8))
	}
}

// DisableLine implements ioapic.LegacyController.
func (p *i8259) DisableLine(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mask |= 1 << uint(n)
	p.writeMaskLocked(n)
}

// EnableLine implements ioapic.LegacyController.
func (p *i8259) EnableLine(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mask &^= 1 << uint(n)
	p.writeMaskLocked(n)
}

// IsPending implements ioapic.LegacyController.
func (p *i8259) IsPending(n int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cmd := pic1Command
	if n >= 8 {
		cmd = pic2Command
	}
	p.outb(cmd, ocw3ReadIRR)
	return p.inb(cmd)&(1<<uint(n%8)) != 0
}

// Acknowledge implements ioapic.LegacyController. With an interrupt in
// service it sends a non-specific EOI. Otherwise the controller is in
// auto-EOI mode and a poll cycle is what drops its INT output.
func (p *i8259) Acknowledge() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.outb(pic1Command, ocw3ReadISR)
	if isr := p.inb(pic1Command); isr != 0 {
		if isr&(1<<cascadeIRQ) != 0 {
			p.outb(pic2Command, ocw3ReadISR)
			if p.inb(pic2Command) != 0 {
				p.outb(pic2Command, ocw2EOI)
			}
		}
		p.outb(pic1Command, ocw2EOI)
		p.outb(pic1Command, ocw3ReadIRR)
		return
	}

	p.outb(pic1Command, ocw3Poll)
	if v := p.inb(pic1Command); v&0x80 != 0 && v&0x7 == cascadeIRQ {
		p.outb(pic2Command, ocw3Poll)
		p.inb(pic2Command)
		p.outb(pic2Command, ocw2EOI)
	}
	p.outb(pic1Command, ocw2EOI)
	p.outb(pic1Command, ocw3ReadIRR)
}

// InitPassThrough implements ioapic.LegacyController. The secondary chip
// always runs with normal EOI.
func (p *i8259) InitPassThrough(autoEOI bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.outb(pic1Data, 0xff)
	p.outb(pic2Data, 0xff)

	icw4 := byte(0x01)
	if autoEOI {
		icw4 = 0x03
	}
	p.outb(pic1Command, 0x11)
	p.outb(pic1Data, byte(ioapic.LegacyVectorBase))
	p.outb(pic1Data, 1<<cascadeIRQ)
	p.outb(pic1Data, icw4)

	p.outb(pic2Command, 0x11)
	p.outb(pic2Data, byte(ioapic.LegacyVectorBase)+8)
	p.outb(pic2Data, cascadeIRQ)
	p.outb(pic2Data, 0x01)

	p.outb(pic1Data, byte(p.mask))
	p.outb(pic2Data, byte(p.mask>>8))
	p.log.Debug("i8259: initialised", "auto_eoi", autoEOI, "mask", p.mask)
}

// TriggerMode implements ioapic.TriggerReader by reading the ELCR.
func (p *i8259) TriggerMode(line int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inb(picELCR+uint16(line/8))&(1<<uint(line%8)) != 0
}

// Mask returns the cached interrupt mask.
func (p *i8259) Mask() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mask
}

var _ ioapic.LegacyController = (*i8259)(nil)
