package chipset

import (
	"fmt"
	"math/bits"
	"sync"

	cs "github.com/tinyrange/irqroute/internal/chipset"
)

const (
	primaryPicCommandPort   uint16 = 0x20
	primaryPicDataPort      uint16 = 0x21
	secondaryPicCommandPort uint16 = 0xa0
	secondaryPicDataPort    uint16 = 0xa1
	primaryPicELCRPort      uint16 = 0x4d0
	secondaryPicELCRPort    uint16 = 0x4d1

	picChainCommunicationIRQ = 2
	picIRQMask               = 0x7
	picSpuriousIRQ           = 7
)

// picStats tracks statistics for a PIC.
type picStats struct {
	spuriousInterrupts uint64
	acknowledges       uint64
	perIRQ             [16]uint64
}

// DualPIC implements the classic pair of cascaded 8259A controllers.
type DualPIC struct {
	mu    sync.Mutex
	ready cs.LineInterrupt

	pics [2]*pic

	stats picStats
}

// NewDualPIC returns an uninitialised controller pair.
func NewDualPIC() *DualPIC {
	return &DualPIC{
		ready: cs.LineInterruptDetached(),
		pics: [2]*pic{
			newPic(true),
			newPic(false),
		},
	}
}

// SetReadySink sets the sink driven by the INT output.
func (p *DualPIC) SetReadySink(sink readySink) {
	if sink == nil {
		p.SetReadyLine(nil)
		return
	}
	p.SetReadyLine(cs.LineInterruptFromFunc(sink.SetLevel))
}

// SetReadyLine sets the interrupt line used for INT output.
func (p *DualPIC) SetReadyLine(line cs.LineInterrupt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if line == nil {
		p.ready = cs.LineInterruptDetached()
	} else {
		p.ready = line
	}
	p.syncOutputsLocked()
}

// SetELCR presets the edge/level control registers, as firmware does.
func (p *DualPIC) SetELCR(mask uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pics[0].elcr = byte(mask)
	p.pics[1].elcr = byte(mask >> 8)
	p.syncOutputsLocked()
}

// DeviceId implements chipset.ChipsetDevice.
func (p *DualPIC) DeviceId() string { return "pic" }

// Start implements chipset.ChangeDeviceState.
func (p *DualPIC) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (p *DualPIC) Stop() error { return nil }

// Reset returns both chips to the uninitialised state, preserving ELCR.
func (p *DualPIC) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pics[0].reset(false, true)
	p.pics[1].reset(false, true)
	p.stats = picStats{}
	p.syncOutputsLocked()
	return nil
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (p *DualPIC) SupportsPortIO() *cs.PortIOIntercept {
	return &cs.PortIOIntercept{
		Ports: []uint16{
			primaryPicCommandPort,
			primaryPicDataPort,
			secondaryPicCommandPort,
			secondaryPicDataPort,
			primaryPicELCRPort,
			secondaryPicELCRPort,
		},
		Handler: p,
	}
}

// SupportsMmio implements chipset.ChipsetDevice.
func (p *DualPIC) SupportsMmio() *cs.MmioIntercept { return nil }

// ReadIOPort implements chipset.PortIOHandler.
func (p *DualPIC) ReadIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pic: invalid read size %d", len(data))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch port {
	case primaryPicCommandPort:
		data[0] = p.pics[0].readCommand()
	case primaryPicDataPort:
		data[0] = p.pics[0].readData()
	case secondaryPicCommandPort:
		data[0] = p.pics[1].readCommand()
	case secondaryPicDataPort:
		data[0] = p.pics[1].readData()
	case primaryPicELCRPort:
		data[0] = p.pics[0].elcr
	case secondaryPicELCRPort:
		data[0] = p.pics[1].elcr
	default:
		return fmt.Errorf("pic: invalid read port 0x%04x", port)
	}
	// A poll read acknowledges, which may drop INT.
	p.syncOutputsLocked()
	return nil
}

// WriteIOPort implements chipset.PortIOHandler.
func (p *DualPIC) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pic: invalid write size %d", len(data))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch port {
	case primaryPicCommandPort:
		p.pics[0].writeCommand(data[0])
	case primaryPicDataPort:
		p.pics[0].writeData(data[0])
	case secondaryPicCommandPort:
		p.pics[1].writeCommand(data[0])
	case secondaryPicDataPort:
		p.pics[1].writeData(data[0])
	case primaryPicELCRPort:
		p.pics[0].elcr = data[0]
	case secondaryPicELCRPort:
		p.pics[1].elcr = data[0]
	default:
		return fmt.Errorf("pic: invalid write port 0x%04x", port)
	}

	p.syncOutputsLocked()
	return nil
}

func (p *DualPIC) syncOutputsLocked() {
	cascade := p.pics[1].interruptPending()
	p.pics[0].setIRQ(picChainCommunicationIRQ, cascade)
	p.ready.SetLevel(p.pics[0].interruptPending())
}

// SetIRQ implements chipset.InterruptSink for ISA lines 0-15.
func (p *DualPIC) SetIRQ(line uint8, level bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if line >= 16 {
		return
	}
	if line >= 8 {
		p.pics[1].setIRQ(line-8, level)
	} else {
		p.pics[0].setIRQ(line, level)
	}
	p.syncOutputsLocked()
}

// Acknowledge runs an INTA cycle. It returns whether an interrupt was
// pending and the vector the controller put on the bus.
func (p *DualPIC) Acknowledge() (bool, uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	requested, vec := p.pics[0].acknowledgeInterrupt()
	irq := int(vec & picIRQMask)
	if requested && irq == picChainCommunicationIRQ {
		requested, vec = p.pics[1].acknowledgeInterrupt()
		irq = 8 + int(vec&picIRQMask)
	}
	if requested {
		p.stats.acknowledges++
		p.stats.perIRQ[irq]++
	} else {
		p.stats.spuriousInterrupts++
	}
	p.syncOutputsLocked()
	return requested, vec
}

// Acknowledged returns how many INTA cycles line has seen.
func (p *DualPIC) Acknowledged(line int) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if line < 0 || line >= len(p.stats.perIRQ) {
		return 0
	}
	return p.stats.perIRQ[line]
}

func (p *DualPIC) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("PIC(primary=%+v, secondary=%+v)", *p.pics[0], *p.pics[1])
}

// pic models a single 8259A.
type pic struct {
	primary bool

	initStage initStage
	icw2      byte
	imr       byte
	ocw3      ocw3
	isr       byte
	elcr      byte
	lines     byte
	lineLow   byte

	autoEOI     bool
	specialMask bool
}

func newPic(primary bool) *pic {
	icw2 := byte(0)
	if !primary {
		icw2 = 8
	}
	return &pic{
		primary:   primary,
		initStage: initUninitialized,
		icw2:      icw2,
		lineLow:   0xff,
	}
}

func (p *pic) reset(preserveLines, preserveELCR bool) {
	lines := p.lines
	elcr := p.elcr
	*p = *newPic(p.primary)
	if preserveLines {
		p.lines = lines
	}
	if preserveELCR {
		p.elcr = elcr
	}
}

func (p *pic) irr() byte {
	return p.lines & (p.elcr | p.lineLow)
}

func (p *pic) setIRQ(line uint8, high bool) {
	bit := byte(1 << line)
	if high {
		p.lines |= bit
	} else {
		p.lines &^= bit
		p.lineLow |= bit
	}
}

func (p *pic) readyVec() byte {
	highestISR := lowestSetBit(p.isr)
	higherNotISR := highestISR - 1
	var maskedIRR byte
	if p.specialMask {
		maskedIRR = p.irr()
	} else {
		maskedIRR = p.irr() &^ p.imr
	}
	return maskedIRR & higherNotISR
}

func (p *pic) interruptPending() bool {
	return p.initStage == initInitialized && p.readyVec() != 0
}

func (p *pic) pendingLine() (byte, bool) {
	if vec := p.readyVec(); vec != 0 {
		return byte(bits.TrailingZeros8(vec)), true
	}
	return 0, false
}

func (p *pic) acknowledgeInterrupt() (bool, uint8) {
	if line, ok := p.pendingLine(); ok {
		bit := byte(1 << line)
		p.lineLow &^= bit
		if !p.autoEOI {
			p.isr |= bit
		}
		return true, p.icw2 | line
	}
	return false, p.icw2 | picSpuriousIRQ
}

func (p *pic) eoi(line *byte) {
	var mask byte
	if line != nil {
		mask = 1 << *line
	} else {
		mask = lowestSetBit(p.isr)
	}
	p.isr &^= mask
}

func (p *pic) readCommand() byte {
	if p.ocw3.poll() {
		p.ocw3.clearPoll()
		requested, vec := p.acknowledgeInterrupt()
		val := vec & picIRQMask
		if requested {
			val |= 1 << 7
		}
		return val
	}
	if p.ocw3.ris() {
		return p.isr
	}
	return p.irr()
}

func (p *pic) readData() byte {
	return p.imr
}

func (p *pic) writeCommand(value byte) {
	const (
		initBit    = 0x10
		commandBit = 0x08
	)

	if value&initBit != 0 {
		p.reset(true, true)
		p.initStage = initExpectingICW2
		return
	}

	if p.initStage != initInitialized {
		// OCWs delivered before init completes are ignored.
		return
	}

	if value&commandBit == 0 {
		ocw := ocw2(value)
		switch {
		case ocw.EOI() && ocw.SL():
			line := ocw.Level()
			p.eoi(&line)
		case ocw.EOI():
			p.eoi(nil)
		}
		return
	}

	ocw := ocw3(value)
	if ocw.SpecialMaskEnabled() {
		p.specialMask = ocw.SpecialMask()
	}
	// RR=0 keeps the previous register selection.
	if !ocw.rr() {
		ocw = ocw&^0x03 | p.ocw3&0x03
	}
	p.ocw3 = ocw
}

func (p *pic) writeData(value byte) {
	switch p.initStage {
	case initUninitialized, initInitialized:
		p.imr = value
	case initExpectingICW2:
		if value&picIRQMask != 0 {
			return
		}
		p.icw2 = value &^ picIRQMask
		p.initStage = initExpectingICW3
	case initExpectingICW3:
		// For primary, expect bit 2 set; for secondary expect value 2.
		if p.primary {
			if value != (1 << picChainCommunicationIRQ) {
				return
			}
		} else if value != picChainCommunicationIRQ {
			return
		}
		p.initStage = initExpectingICW4
	case initExpectingICW4:
		if value != 1 && value != 3 {
			return
		}
		p.autoEOI = value&0x2 != 0
		p.initStage = initInitialized
	}
}

type initStage int

const (
	initUninitialized initStage = iota
	initExpectingICW2
	initExpectingICW3
	initExpectingICW4
	initInitialized
)

type ocw2 byte

type ocw3 byte

func (o ocw2) Level() byte { return byte(o) & 0x07 }
func (o ocw2) SL() bool    { return byte(o)&0x40 != 0 }
func (o ocw2) EOI() bool   { return byte(o)&0x20 != 0 }

func (o ocw3) ris() bool                { return byte(o)&0x01 != 0 }
func (o ocw3) rr() bool                 { return byte(o)&0x02 != 0 }
func (o ocw3) poll() bool               { return byte(o)&0x04 != 0 }
func (o *ocw3) clearPoll()              { *o &^= 0x04 }
func (o ocw3) SpecialMask() bool        { return byte(o)&0x20 != 0 }
func (o ocw3) SpecialMaskEnabled() bool { return byte(o)&0x40 != 0 }

func lowestSetBit(b byte) byte {
	return b & byte(-int8(b))
}

var (
	_ cs.ChipsetDevice = (*DualPIC)(nil)
	_ cs.InterruptSink = (*DualPIC)(nil)
)
