package machine

import (
	"log/slog"
	"time"

	dev "github.com/tinyrange/irqroute/internal/devices/amd64/chipset"
	"github.com/tinyrange/irqroute/internal/ioapic"
)

// clock counts timer interrupts the handler saw and moves virtual time.
type clock struct {
	cpu      *cpu
	pit      *dev.PIT
	dispatch *Dispatcher
}

// Ticks implements ioapic.TickSource.
func (c *clock) Ticks() uint64 { return c.dispatch.Handled(0) }

// Delay implements ioapic.TickSource. The PIT runs the CPU after every
// period, so interrupts are taken as they would be on a spinning CPU.
func (c *clock) Delay(d time.Duration) {
	was := c.cpu.EnableInterrupts()
	c.pit.Advance(d)
	c.cpu.Service()
	c.cpu.RestoreInterrupts(was)
}

// rtcPulser fires one RTC periodic interrupt per pulse by programming the
// RTC through its ports, the way a driver would.
type rtcPulser struct {
	io  portIO
	rtc *dev.RTC
	log *slog.Logger
}

const (
	rtcIndexPort = 0x70
	rtcDataPort  = 0x71

	rtcRegA = 0x0a
	rtcRegB = 0x0b
	rtcRegC = 0x0c

	rtcRate1024Hz = 0x06
	rtcPIE        = 0x40
)

// PulseSecondary implements ioapic.SecondaryPulser.
func (p *rtcPulser) PulseSecondary() {
	savedA := p.read(rtcRegA)
	savedB := p.read(rtcRegB)
	p.write(rtcRegA, savedA&0xf0|rtcRate1024Hz)
	p.write(rtcRegB, savedB|rtcPIE)

	p.rtc.Advance(p.rtc.PeriodicRate())
	p.read(rtcRegC)

	p.write(rtcRegB, savedB)
	p.write(rtcRegA, savedA)
}

func (p *rtcPulser) outb(port uint16, v byte) {
	if err := p.io.Outb(port, v); err != nil {
		p.log.Warn("rtc: port write failed", "port", port, "err", err)
	}
}

func (p *rtcPulser) read(reg byte) byte {
	p.outb(rtcIndexPort, reg)
	v, err := p.io.Inb(rtcDataPort)
	if err != nil {
		p.log.Warn("rtc: port read failed", "port", rtcDataPort, "reg", reg, "err", err)
	}
	return v
}

func (p *rtcPulser) write(reg, v byte) {
	p.outb(rtcIndexPort, reg)
	p.outb(rtcDataPort, v)
}

// apicPort presents the local APIC model to the routing core.
type apicPort struct {
	apic *dev.LocalAPIC
}

func (a apicPort) ID() uint8 { return a.apic.ID() }
func (a apicPort) EOI()      { a.apic.EOI() }

func (a apicPort) SetLVT0(mode ioapic.LVTMode, v ioapic.Vector, masked bool) {
	m := dev.LVTModeFixed
	if mode == ioapic.LVTExtINT {
		m = dev.LVTModeExtINT
	}
	a.apic.SetLVT0(m, uint8(v), masked)
}

var (
	_ ioapic.TickSource      = (*clock)(nil)
	_ ioapic.SecondaryPulser = (*rtcPulser)(nil)
	_ ioapic.LocalAPIC       = apicPort{}
)
