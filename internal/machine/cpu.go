package machine

import (
	"log/slog"
	"sync"

	dev "github.com/tinyrange/irqroute/internal/devices/amd64/chipset"
	"github.com/tinyrange/irqroute/internal/ioapic"
)

// maxDeliveriesPerService bounds one Service call so a line that never
// drops can not hang the simulation.
const maxDeliveriesPerService = 1024

// cpu models the interrupt flag of the boot processor. Interrupts the
// local APIC accepted are taken whenever the flag is set and nothing is
// already being serviced.
type cpu struct {
	mu        sync.Mutex
	ifFlag    bool
	servicing bool

	apic   *dev.LocalAPIC
	handle func(dev.Delivery)
	log    *slog.Logger

	storms uint64
}

func newCPU(apic *dev.LocalAPIC, handle func(dev.Delivery), log *slog.Logger) *cpu {
	return &cpu{apic: apic, handle: handle, log: log}
}

// DisableInterrupts implements ioapic.LocalInterrupts.
func (c *cpu) DisableInterrupts() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.ifFlag
	c.ifFlag = false
	return was
}

// RestoreInterrupts implements ioapic.LocalInterrupts.
func (c *cpu) RestoreInterrupts(was bool) {
	c.mu.Lock()
	c.ifFlag = was
	c.mu.Unlock()
	if was {
		c.Service()
	}
}

// EnableInterrupts sets the flag and takes anything pending. It returns
// the previous state.
func (c *cpu) EnableInterrupts() bool {
	was := c.DisableInterrupts()
	c.RestoreInterrupts(true)
	return was
}

// Service takes pending interrupts until none are left. Handlers run with
// the flag clear, as behind an interrupt gate.
func (c *cpu) Service() {
	for i := 0; i < maxDeliveriesPerService; i++ {
		c.mu.Lock()
		if !c.ifFlag || c.servicing {
			c.mu.Unlock()
			return
		}
		c.servicing = true
		c.ifFlag = false
		c.mu.Unlock()

		d, ok := c.apic.Next()
		if ok {
			c.handle(d)
		}

		c.mu.Lock()
		c.servicing = false
		c.ifFlag = true
		c.mu.Unlock()
		if !ok {
			return
		}
	}
	c.mu.Lock()
	c.storms++
	c.mu.Unlock()
	c.log.Warn("cpu: interrupt storm, deferring deliveries", "limit", maxDeliveriesPerService)
}

var _ ioapic.LocalInterrupts = (*cpu)(nil)
