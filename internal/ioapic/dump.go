package ioapic

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// ControllerRegs is the decoded identification registers of a controller.
type ControllerRegs struct {
	ID          uint8
	Version     uint8
	MaxEntry    int
	Arbitration uint8
	RawID       uint32
	RawVersion  uint32
	RawArb      uint32
}

func decodeControllerRegs(id, ver, arb uint32) ControllerRegs {
	return ControllerRegs{
		ID:          uint8(id>>24) & 0x0f,
		Version:     uint8(ver),
		MaxEntry:    int(ver>>16) & 0xff,
		Arbitration: uint8(arb>>24) & 0x0f,
		RawID:       id,
		RawVersion:  ver,
		RawArb:      arb,
	}
}

// ReadControllerRegs reads the ID, version and arbitration registers of the
// controller at index ci.
func (s *Subsystem) ReadControllerRegs(ci int) (ControllerRegs, error) {
	id, err := s.regs.Read(ci, RegID)
	if err != nil {
		return ControllerRegs{}, err
	}
	ver, err := s.regs.Read(ci, RegVersion)
	if err != nil {
		return ControllerRegs{}, err
	}
	arb, err := s.regs.Read(ci, RegArbitration)
	if err != nil {
		return ControllerRegs{}, err
	}
	return decodeControllerRegs(id, ver, arb), nil
}

// checkController compares what the hardware reports against the firmware
// descriptor and records a HardwareAckMismatch for each new difference.
// Every difference is returned, reported before or not.
func (s *Subsystem) checkController(ci int, r ControllerRegs) []string {
	c := s.controllers[ci]
	var out []string
	if r.ID != c.ID&0x0f {
		out = append(out, fmt.Sprintf("controller %#x reports id %#x", c.ID, r.ID))
	}
	if r.MaxEntry != c.Pins-1 {
		out = append(out, fmt.Sprintf("controller %#x reports %d entries, firmware says %d", c.ID, r.MaxEntry+1, c.Pins))
	}
	for _, m := range out {
		if s.addMismatch(m) {
			s.log.Warn("ioapic: hardware disagrees with firmware", "detail", m)
		}
	}
	return out
}

// Dump writes a human readable report of every controller's registers,
// redirection table and the IRQ to pin map.
func (s *Subsystem) Dump(w io.Writer) error {
	return s.DumpStyled(w, nil)
}

// DumpStyled is Dump with section headings passed through heading.
func (s *Subsystem) DumpStyled(w io.Writer, heading func(string) string) error {
	if heading == nil {
		heading = func(h string) string { return h }
	}
	if s.cfg.Disabled {
		_, err := fmt.Fprintln(w, heading("IO-APIC disabled, all interrupts on the 8259A"))
		return err
	}

	fmt.Fprintf(w, "%s\n", heading(fmt.Sprintf("number of IO-APICs: %d", len(s.controllers))))
	for ci, c := range s.controllers {
		r, err := s.ReadControllerRegs(ci)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\n%s\n", heading(fmt.Sprintf("IO-APIC %#x at %#x", c.ID, c.Address)))
		fmt.Fprintf(w, ".... register #00: %08X\n", r.RawID)
		fmt.Fprintf(w, ".......    : physical APIC id: %02X\n", r.ID)
		fmt.Fprintf(w, ".... register #01: %08X\n", r.RawVersion)
		fmt.Fprintf(w, ".......     : max redirection entries: %04X\n", r.MaxEntry)
		fmt.Fprintf(w, ".......     : IO APIC version: %04X\n", r.Version)
		fmt.Fprintf(w, ".... register #02: %08X\n", r.RawArb)
		fmt.Fprintf(w, ".......     : arbitration: %02X\n", r.Arbitration)
		for _, m := range s.checkController(ci, r) {
			fmt.Fprintf(w, "!!! %s\n", m)
		}

		fmt.Fprintln(w, ".... IRQ redirection table:")
		tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
		fmt.Fprintln(tw, " NR\tLog\tPhy\tMask\tTrig\tIRR\tPol\tStat\tDest\tDeli\tVect")
		for pin := 0; pin < c.Pins; pin++ {
			e, err := s.regs.ReadEntry(ci, pin)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, " %02X\t%02X\t%02X\t%d\t%d\t%d\t%d\t%d\t%s\t%d\t%02X\n",
				pin, e.Dest, e.Dest&0x0f, b2i(e.Masked), b2i(e.Level), b2i(e.RemoteIRR),
				b2i(e.ActiveLow), b2i(e.Pending), destMode(e), e.Delivery, e.Vector)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintf(w, "\n%s\n", heading("IRQ to pin mappings:"))
	for irq := IRQ(0); int(irq) < s.pins.NrIRQs(); irq++ {
		b := s.pins.Bindings(irq)
		if len(b) == 0 {
			continue
		}
		fmt.Fprintf(w, "IRQ%d", irq)
		for _, p := range b {
			fmt.Fprintf(w, " -> %d:%d", s.controllers[p.Controller].ID, p.Pin)
		}
		fmt.Fprintln(w)
	}

	t := s.TimerResult()
	if t.Path != TimerNotChecked {
		fmt.Fprintf(w, "\ntimer: %s (step %d, vector %#x)\n", t.Path, t.Step(), t.Vector)
	}
	_, err := fmt.Fprintln(w, heading(".................................... done."))
	return err
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func destMode(e RedirEntry) string {
	if e.Logical {
		return "log"
	}
	return "phy"
}
