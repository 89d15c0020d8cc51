package chipset

import (
	"fmt"
	"sync"

	cs "github.com/tinyrange/irqroute/internal/chipset"
)

const (
	i8042DataPort    = 0x60
	i8042CommandPort = 0x64

	i8042CommandReadCommandByte  = 0x20
	i8042CommandWriteCommandByte = 0x60
	i8042CommandControllerTest   = 0xaa
	i8042CommandTestFirstPort    = 0xab
	i8042CommandDisableFirstPort = 0xad
	i8042CommandEnableFirstPort  = 0xae
)

const (
	i8042StatusOutputFull = 1 << 0
	i8042StatusKeyLock    = 1 << 4
)

const (
	i8042CommandByteIRQ1            = 1 << 0
	i8042CommandByteSystemFlag      = 1 << 2
	i8042CommandByteDisablePort1Clk = 1 << 4
)

const (
	i8042ResponseSelfTestOK = 0x55
	i8042ResponsePortOK     = 0x00
)

// I8042 is the keyboard controller. Its output buffer full signal drives
// ISA IRQ 1 while the command byte enables it.
type I8042 struct {
	mu sync.Mutex

	irq       cs.LineInterrupt
	irqAssert bool

	commandByte          byte
	output               []byte
	expectingCommandByte bool
	// fromKeyboard marks output bytes that came from the keyboard rather
	// than a controller command response.
	fromKeyboard []bool
}

// NewI8042 returns a controller with the keyboard interrupt enabled, as
// firmware leaves it.
func NewI8042(irq cs.LineInterrupt) *I8042 {
	if irq == nil {
		irq = cs.LineInterruptDetached()
	}
	return &I8042{
		irq:         irq,
		commandByte: i8042CommandByteSystemFlag | i8042CommandByteIRQ1,
	}
}

// DeviceId implements chipset.ChipsetDevice.
func (c *I8042) DeviceId() string { return "i8042" }

// Start implements chipset.ChipsetDevice.
func (c *I8042) Start() error { return nil }

// Stop implements chipset.ChipsetDevice.
func (c *I8042) Stop() error { return nil }

// Reset implements chipset.ChipsetDevice.
func (c *I8042) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commandByte = i8042CommandByteSystemFlag | i8042CommandByteIRQ1
	c.output, c.fromKeyboard = nil, nil
	c.expectingCommandByte = false
	c.refreshIRQLocked()
	return nil
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (c *I8042) SupportsPortIO() *cs.PortIOIntercept {
	return &cs.PortIOIntercept{
		Ports:   []uint16{i8042DataPort, i8042CommandPort},
		Handler: c,
	}
}

// SupportsMmio implements chipset.ChipsetDevice.
func (c *I8042) SupportsMmio() *cs.MmioIntercept { return nil }

// ReadIOPort implements chipset.PortIOHandler.
func (c *I8042) ReadIOPort(port uint16, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range data {
		switch port {
		case i8042CommandPort:
			data[i] = c.statusLocked()
		case i8042DataPort:
			data[i] = c.readDataLocked()
		default:
			return fmt.Errorf("i8042: invalid read port 0x%04x", port)
		}
	}
	return nil
}

// WriteIOPort implements chipset.PortIOHandler.
func (c *I8042) WriteIOPort(port uint16, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, value := range data {
		switch port {
		case i8042CommandPort:
			c.handleCommandLocked(value)
		case i8042DataPort:
			c.handleDataWriteLocked(value)
		default:
			return fmt.Errorf("i8042: invalid write port 0x%04x", port)
		}
	}
	return nil
}

// SendScancode queues a byte from the keyboard. Bytes are dropped while
// the keyboard clock is disabled.
func (c *I8042) SendScancode(b byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commandByte&i8042CommandByteDisablePort1Clk != 0 {
		return
	}
	c.queueOutputLocked(b, true)
}

// Pending returns the number of bytes waiting in the output buffer.
func (c *I8042) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.output)
}

func (c *I8042) handleCommandLocked(command byte) {
	switch command {
	case i8042CommandReadCommandByte:
		c.queueOutputLocked(c.commandByte, false)
	case i8042CommandWriteCommandByte:
		c.expectingCommandByte = true
	case i8042CommandControllerTest:
		c.queueOutputLocked(i8042ResponseSelfTestOK, false)
	case i8042CommandTestFirstPort:
		c.queueOutputLocked(i8042ResponsePortOK, false)
	case i8042CommandDisableFirstPort:
		c.commandByte |= i8042CommandByteDisablePort1Clk
	case i8042CommandEnableFirstPort:
		c.commandByte &^= i8042CommandByteDisablePort1Clk
	}
}

func (c *I8042) handleDataWriteLocked(value byte) {
	if c.expectingCommandByte {
		c.commandByte = value
		c.expectingCommandByte = false
		c.refreshIRQLocked()
	}
}

func (c *I8042) statusLocked() byte {
	status := byte(i8042StatusKeyLock)
	if len(c.output) > 0 {
		status |= i8042StatusOutputFull
	}
	status |= c.commandByte & i8042CommandByteSystemFlag
	return status
}

// readDataLocked pops the output buffer. When more bytes wait the line
// drops and rises again so edge triggered inputs see each one.
func (c *I8042) readDataLocked() byte {
	if len(c.output) == 0 {
		return 0x00
	}
	value := c.output[0]
	c.output, c.fromKeyboard = c.output[1:], c.fromKeyboard[1:]
	c.setIRQLocked(false)
	c.refreshIRQLocked()
	return value
}

func (c *I8042) queueOutputLocked(value byte, keyboard bool) {
	c.output = append(c.output, value)
	c.fromKeyboard = append(c.fromKeyboard, keyboard)
	c.refreshIRQLocked()
}

func (c *I8042) refreshIRQLocked() {
	active := len(c.output) > 0 && c.fromKeyboard[0] && c.commandByte&i8042CommandByteIRQ1 != 0
	c.setIRQLocked(active)
}

func (c *I8042) setIRQLocked(level bool) {
	if level == c.irqAssert {
		return
	}
	c.irqAssert = level
	c.irq.SetLevel(level)
}

var (
	_ cs.ChipsetDevice = (*I8042)(nil)
	_ cs.PortIOHandler = (*I8042)(nil)
)
