package chipset

import (
	"fmt"
	"sync"
	"time"

	cs "github.com/tinyrange/irqroute/internal/chipset"
)

const (
	cmosAddrPort uint16 = 0x70
	cmosDataPort uint16 = 0x71

	cmosRegStatusA byte = 0x0A
	cmosRegStatusB byte = 0x0B
	cmosRegStatusC byte = 0x0C
	cmosRegStatusD byte = 0x0D
)

const (
	statusBSet            = 1 << 7
	statusBPeriodicEnable = 1 << 6
	statusBAlarmEnable    = 1 << 5
	statusBUpdateEnable   = 1 << 4
	statusB24HourMode     = 1 << 1

	statusCIrqPeriodic = 1 << 6
	statusCIrqAlarm    = 1 << 5
	statusCIrqUpdate   = 1 << 4
	statusCIrqFlag     = 1 << 7
)

// RTC emulates the periodic interrupt and status registers of the
// MC146818 real time clock. Like the PIT it runs on virtual time.
type RTC struct {
	mu sync.Mutex

	addr      byte
	nmiMasked bool
	cmos      [128]byte
	irqLine   cs.LineInterrupt
	irqAssert bool

	sincePeriodic time.Duration
	periodic      uint64
}

// NewRTC constructs an RTC whose IRQ output drives line.
func NewRTC(line cs.LineInterrupt) *RTC {
	c := &RTC{irqLine: line}
	if c.irqLine == nil {
		c.irqLine = cs.LineInterruptDetached()
	}
	c.resetLocked()
	return c
}

func (c *RTC) resetLocked() {
	c.cmos = [128]byte{}
	c.cmos[cmosRegStatusA] = 0x26
	c.cmos[cmosRegStatusB] = statusB24HourMode
	c.cmos[cmosRegStatusD] = 0x80
	c.sincePeriodic = 0
	if c.irqAssert {
		c.irqLine.SetLevel(false)
		c.irqAssert = false
	}
}

// DeviceId implements chipset.ChipsetDevice.
func (c *RTC) DeviceId() string { return "rtc" }

// Start implements chipset.ChangeDeviceState.
func (c *RTC) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (c *RTC) Stop() error { return nil }

// Reset restores power-on register values.
func (c *RTC) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	return nil
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (c *RTC) SupportsPortIO() *cs.PortIOIntercept {
	return &cs.PortIOIntercept{Ports: []uint16{cmosAddrPort, cmosDataPort}, Handler: c}
}

// SupportsMmio implements chipset.ChipsetDevice.
func (c *RTC) SupportsMmio() *cs.MmioIntercept { return nil }

// ReadIOPort implements chipset.PortIOHandler.
func (c *RTC) ReadIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("cmos: invalid read size %d", len(data))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch port {
	case cmosAddrPort:
		data[0] = c.addr
	case cmosDataPort:
		data[0] = c.readRegisterLocked(c.addr & 0x7F)
	default:
		return fmt.Errorf("cmos: invalid read port 0x%04x", port)
	}
	return nil
}

// WriteIOPort implements chipset.PortIOHandler.
func (c *RTC) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("cmos: invalid write size %d", len(data))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch port {
	case cmosAddrPort:
		c.addr = data[0] & 0x7F
		c.nmiMasked = data[0]&0x80 != 0
	case cmosDataPort:
		c.writeRegisterLocked(c.addr&0x7F, data[0])
	default:
		return fmt.Errorf("cmos: invalid write port 0x%04x", port)
	}
	return nil
}

func (c *RTC) readRegisterLocked(idx byte) byte {
	if idx == cmosRegStatusC {
		value := c.cmos[cmosRegStatusC]
		c.cmos[cmosRegStatusC] = 0
		if c.irqAssert {
			c.irqLine.SetLevel(false)
			c.irqAssert = false
		}
		return value
	}
	return c.cmos[idx]
}

func (c *RTC) writeRegisterLocked(idx byte, value byte) {
	switch idx {
	case cmosRegStatusA:
		// UIP is read-only.
		c.cmos[idx] = value &^ (1 << 7)
		c.sincePeriodic = 0
	case cmosRegStatusB:
		c.cmos[idx] = value
		c.refreshIRQLineLocked()
	case cmosRegStatusC, cmosRegStatusD:
		// Read-only
	default:
		c.cmos[idx] = value
	}
}

// PeriodicRate returns the periodic interrupt interval selected by
// register A, or zero when disabled.
func (c *RTC) PeriodicRate() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return rateToDuration(c.cmos[cmosRegStatusA] & 0x0f)
}

// Periodic returns how many periodic events have been flagged.
func (c *RTC) Periodic() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.periodic
}

// Advance moves virtual time forward and flags a periodic event once an
// interval has elapsed. The line stays asserted until register C is read.
func (c *RTC) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmos[cmosRegStatusB]&statusBSet != 0 {
		return
	}
	rate := rateToDuration(c.cmos[cmosRegStatusA] & 0x0f)
	if rate == 0 {
		return
	}
	c.sincePeriodic += d
	if c.sincePeriodic < rate {
		return
	}
	c.sincePeriodic %= rate
	c.periodic++
	c.cmos[cmosRegStatusC] |= statusCIrqPeriodic
	c.refreshIRQLineLocked()
}

func rateToDuration(rate byte) time.Duration {
	// rate=6 is 1024Hz, 0 disables, 1 and 2 alias 8 and 9.
	switch rate {
	case 0:
		return 0
	case 1, 2:
		rate += 7
	}
	return time.Second / time.Duration(uint(1)<<(16-rate))
}

func (c *RTC) refreshIRQLineLocked() {
	statusB := c.cmos[cmosRegStatusB]
	statusC := c.cmos[cmosRegStatusC]

	active := false
	if statusC&statusCIrqUpdate != 0 && statusB&statusBUpdateEnable != 0 {
		active = true
	}
	if statusC&statusCIrqAlarm != 0 && statusB&statusBAlarmEnable != 0 {
		active = true
	}
	if statusC&statusCIrqPeriodic != 0 && statusB&statusBPeriodicEnable != 0 {
		active = true
	}

	if active {
		statusC |= statusCIrqFlag
	} else {
		statusC &^= statusCIrqFlag
	}
	c.cmos[cmosRegStatusC] = statusC

	if active && !c.irqAssert {
		c.irqLine.SetLevel(true)
		c.irqAssert = true
	} else if !active && c.irqAssert {
		c.irqLine.SetLevel(false)
		c.irqAssert = false
	}
}

var _ cs.ChipsetDevice = (*RTC)(nil)
