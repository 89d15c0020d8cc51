package chipset

import (
	"fmt"
	"sync"
	"time"

	cs "github.com/tinyrange/irqroute/internal/chipset"
)

const (
	pitChannel0Port uint16 = 0x40
	pitControlPort  uint16 = 0x43

	pitInputFrequency = 1193182
)

var pitTickDuration = time.Second / pitInputFrequency

// PIT emulates channel 0 of the 8254 interval timer against a virtual
// clock. Time only moves when Advance is called.
type PIT struct {
	mu sync.Mutex

	tick   time.Duration
	ch     pitChannel
	irq    cs.LineInterrupt
	onTick func()

	now   time.Duration
	fired uint64
}

// PITOption customises the PIT instance, mainly for tests.
type PITOption func(*PIT)

// WithPITTick overrides the duration of a single PIT input clock.
func WithPITTick(d time.Duration) PITOption {
	return func(p *PIT) {
		if d > 0 {
			p.tick = d
		}
	}
}

// WithPITOnTick runs fn after every output edge, outside the PIT
// lock. The machine uses it to let the CPU take interrupts between ticks.
func WithPITOnTick(fn func()) PITOption {
	return func(p *PIT) { p.onTick = fn }
}

// NewPIT builds a timer whose channel 0 output drives irq.
func NewPIT(irq cs.LineInterrupt, opts ...PITOption) *PIT {
	pit := &PIT{
		tick: pitTickDuration,
		irq:  irq,
		ch:   newPitChannel(),
	}
	if pit.irq == nil {
		pit.irq = cs.LineInterruptDetached()
	}
	for _, opt := range opts {
		opt(pit)
	}
	return pit
}

// DeviceId implements chipset.ChipsetDevice.
func (p *PIT) DeviceId() string { return "pit" }

// Start implements chipset.ChangeDeviceState.
func (p *PIT) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (p *PIT) Stop() error { return nil }

// Reset stops the counter.
func (p *PIT) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ch = newPitChannel()
	p.fired = 0
	return nil
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (p *PIT) SupportsPortIO() *cs.PortIOIntercept {
	return &cs.PortIOIntercept{
		Ports:   []uint16{pitChannel0Port, pitControlPort},
		Handler: p,
	}
}

// SupportsMmio implements chipset.ChipsetDevice.
func (p *PIT) SupportsMmio() *cs.MmioIntercept { return nil }

// ReadIOPort implements chipset.PortIOHandler.
func (p *PIT) ReadIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pit: invalid read size %d", len(data))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch port {
	case pitChannel0Port:
		data[0] = p.ch.read(p.now, p.tick)
	case pitControlPort:
		data[0] = 0xFF
	default:
		return fmt.Errorf("pit: invalid read port 0x%04x", port)
	}
	return nil
}

// WriteIOPort implements chipset.PortIOHandler.
func (p *PIT) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pit: invalid write size %d", len(data))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch port {
	case pitChannel0Port:
		p.ch.write(p.now, data[0])
	case pitControlPort:
		p.writeControlLocked(data[0])
	default:
		return fmt.Errorf("pit: invalid write port 0x%04x", port)
	}
	return nil
}

func (p *PIT) writeControlLocked(value byte) {
	// Only counter 0 is modelled; read-back and other counters are dropped.
	if (value>>6)&0x3 != 0 {
		return
	}
	access := pitAccessMode((value >> 4) & 0x3)
	mode := pitMode((value >> 1) & 0x7)
	if mode == pitMode6Alt {
		mode = pitMode2
	} else if mode == pitMode7Alt {
		mode = pitMode3
	}

	if access == pitAccessLatch {
		p.ch.latchCount(p.now, p.tick)
		return
	}
	p.ch.setControl(access, mode)
}

// Period returns the interval between output edges, or zero while the
// counter is not running.
func (p *PIT) Period() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.periodLocked()
}

func (p *PIT) periodLocked() time.Duration {
	if !p.ch.running {
		return 0
	}
	return time.Duration(p.ch.effectiveReload()) * p.tick
}

// Fired returns the number of output edges so far.
func (p *PIT) Fired() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fired
}

// Advance moves virtual time forward by d, producing one rising edge on
// the output per elapsed period. Mode 0 fires once and stops.
func (p *PIT) Advance(d time.Duration) {
	end := p.Now() + d
	for {
		p.mu.Lock()
		period := p.periodLocked()
		if period == 0 {
			p.now = end
			p.mu.Unlock()
			return
		}
		next := p.ch.lastReload + period*time.Duration(p.ch.periods+1)
		if next > end {
			p.now = end
			p.mu.Unlock()
			return
		}
		p.now = next
		p.ch.periods++
		p.fired++
		if p.ch.mode == pitMode0 {
			p.ch.running = false
		}
		p.mu.Unlock()

		// OUT dips for one input clock and rises again; edge-triggered
		// inputs see the rising edge and the line then stays high.
		p.irq.SetLevel(false)
		p.irq.SetLevel(true)
		if p.onTick != nil {
			p.onTick()
		}
	}
}

// Now returns the virtual time since the PIT was created.
func (p *PIT) Now() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now
}

type pitAccessMode uint8

const (
	pitAccessLatch pitAccessMode = iota
	pitAccessLow
	pitAccessHigh
	pitAccessLowHigh
)

type pitMode uint8

const (
	pitMode0    pitMode = 0
	pitMode2    pitMode = 2
	pitMode3    pitMode = 3
	pitMode6Alt pitMode = 6
	pitMode7Alt pitMode = 7
)

type pitChannel struct {
	access pitAccessMode
	mode   pitMode

	pendingValue uint16
	expectHigh   bool

	reload     uint16
	lastReload time.Duration
	periods    int64
	running    bool

	countLatched    bool
	countLatchValue uint16
	readHigh        bool
}

func newPitChannel() pitChannel {
	return pitChannel{access: pitAccessLowHigh, mode: pitMode3}
}

func (ch *pitChannel) setControl(access pitAccessMode, mode pitMode) {
	*ch = pitChannel{access: access, mode: mode}
}

func (ch *pitChannel) write(now time.Duration, value byte) {
	switch ch.access {
	case pitAccessLow:
		ch.pendingValue = uint16(value)
	case pitAccessHigh:
		ch.pendingValue = uint16(value) << 8
	case pitAccessLowHigh:
		if !ch.expectHigh {
			ch.pendingValue = (ch.pendingValue & 0xFF00) | uint16(value)
			ch.expectHigh = true
			return
		}
		ch.pendingValue = (uint16(value) << 8) | (ch.pendingValue & 0x00FF)
		ch.expectHigh = false
	default:
		return
	}

	ch.reload = ch.pendingValue
	ch.lastReload = now
	ch.periods = 0
	ch.running = true
	ch.readHigh = false
	ch.countLatched = false
}

func (ch *pitChannel) read(now, tick time.Duration) byte {
	value := ch.currentCount(now, tick)
	if ch.countLatched {
		value = ch.countLatchValue
	}
	switch ch.access {
	case pitAccessLow:
		ch.countLatched = false
		return byte(value)
	case pitAccessHigh:
		ch.countLatched = false
		return byte(value >> 8)
	default:
		if !ch.readHigh {
			ch.readHigh = true
			if !ch.countLatched {
				ch.countLatchValue = value
				ch.countLatched = true
			}
			return byte(value)
		}
		ch.readHigh = false
		ch.countLatched = false
		return byte(value >> 8)
	}
}

func (ch *pitChannel) currentCount(now, tick time.Duration) uint16 {
	if !ch.running {
		if ch.mode == pitMode0 && ch.periods > 0 {
			return 0
		}
		return ch.reload
	}
	period := int64(ch.effectiveReload())
	ticks := int64((now - ch.lastReload) / tick)
	if ticks < 0 {
		ticks = 0
	}
	ticks %= period
	if ticks == 0 {
		return ch.reload
	}
	return uint16(period - ticks)
}

func (ch *pitChannel) latchCount(now, tick time.Duration) {
	if ch.countLatched {
		return
	}
	ch.countLatchValue = ch.currentCount(now, tick)
	ch.countLatched = true
}

func (ch *pitChannel) effectiveReload() uint32 {
	if ch.reload == 0 {
		return 1 << 16
	}
	return uint32(ch.reload)
}

var _ cs.ChipsetDevice = (*PIT)(nil)
