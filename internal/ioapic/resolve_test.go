package ioapic

import (
	"testing"

	"github.com/tinyrange/irqroute/internal/firmware"
)

type warnRecorder struct{ got []*Warning }

func (r *warnRecorder) add(w *Warning) { r.got = append(r.got, w) }

func newTestResolver(desc *firmware.Description, pirq firmware.PirqTable, elcr TriggerReader) (*Resolver, *warnRecorder) {
	rec := &warnRecorder{}
	return newResolver(desc.Controllers, desc, pirq, elcr, discardLogger(), rec.add), rec
}

func threeControllers() *firmware.Description {
	return &firmware.Description{
		Controllers: []firmware.Controller{
			{ID: 1, Address: 0xfec00000, Pins: 8},
			{ID: 2, Address: 0xfec01000, Pins: 24},
			{ID: 3, Address: 0xfec02000, Pins: 16},
		},
		Buses: []firmware.Bus{
			{ID: 0, Type: firmware.BusISA},
			{ID: 1, Type: firmware.BusEISA},
			{ID: 2, Type: firmware.BusMCA},
			{ID: 3, Type: firmware.BusPCI},
			{ID: 4, Type: firmware.BusUnknown},
		},
	}
}

func TestIRQNumberPositional(t *testing.T) {
	desc := threeControllers()
	r, rec := newTestResolver(desc, firmware.PirqTable{}, nil)

	e := firmware.IrqEntry{SrcBus: 3, SrcBusIRQ: 0x10, DstController: 3, DstPin: 5}
	irq, ok := r.IRQNumber(e, 2, 5)
	if !ok || irq != 37 {
		t.Fatalf("IRQNumber = %d, %v, want 37", irq, ok)
	}
	if len(rec.got) != 0 {
		t.Fatalf("unexpected warnings %v", rec.got)
	}

	isa := firmware.IrqEntry{SrcBus: 0, SrcBusIRQ: 4, DstController: 2, DstPin: 4}
	if irq, ok := r.IRQNumber(isa, 1, 4); !ok || irq != 4 {
		t.Fatalf("ISA IRQNumber = %d, %v, want 4", irq, ok)
	}
}

func TestIRQNumberPirq(t *testing.T) {
	desc := threeControllers()
	opts, err := firmware.ParseBootOptions("pirq=0,0,0,0,9,0")
	if err != nil {
		t.Fatal(err)
	}
	// Reverse fill: value 5 of 6 lands in slot 3, value 6 in slot 2.
	r, _ := newTestResolver(desc, opts.Pirq, nil)

	e := firmware.IrqEntry{SrcBus: 3, DstController: 2, DstPin: 19}
	if irq, ok := r.IRQNumber(e, 1, 19); !ok || irq != 9 {
		t.Fatalf("remapped IRQNumber = %d, %v, want 9", irq, ok)
	}
	e.DstPin = 18
	if _, ok := r.IRQNumber(e, 1, 18); ok {
		t.Fatalf("disabled PIRQ slot still routed")
	}
	// Slots apply on the PCI path only.
	isa := firmware.IrqEntry{SrcBus: 0, SrcBusIRQ: 3, DstController: 2, DstPin: 19}
	if irq, ok := r.IRQNumber(isa, 1, 19); !ok || irq != 3 {
		t.Fatalf("ISA entry on PIRQ pin = %d, %v, want 3", irq, ok)
	}
}

func TestIRQNumberWarnings(t *testing.T) {
	desc := threeControllers()
	r, rec := newTestResolver(desc, firmware.PirqTable{}, nil)

	e := firmware.IrqEntry{SrcBus: 4, DstController: 1, DstPin: 3}
	if irq, ok := r.IRQNumber(e, 0, 3); !ok || irq != 3 {
		t.Fatalf("unknown bus IRQNumber = %d, %v", irq, ok)
	}
	if len(rec.got) != 1 || rec.got[0].Kind != MalformedFirmwareEntry {
		t.Fatalf("warnings = %v, want one malformed entry", rec.got)
	}

	pci := firmware.IrqEntry{SrcBus: 3, DstController: 1, DstPin: 2}
	r.IRQNumber(pci, 0, 6)
	if len(rec.got) != 2 {
		t.Fatalf("pin mismatch not reported, warnings = %v", rec.got)
	}
}

type elcr uint16

func (e elcr) TriggerMode(line int) bool { return uint16(e)&(1<<uint(line)) != 0 }

func TestTriggerPolarity(t *testing.T) {
	desc := threeControllers()
	r, rec := newTestResolver(desc, firmware.PirqTable{}, elcr(1<<10))

	tests := []struct {
		name     string
		e        firmware.IrqEntry
		trigger  Trigger
		polarity Polarity
		warnings int
	}{
		{"isa conforms", firmware.IrqEntry{SrcBus: 0, SrcBusIRQ: 4}, TriggerEdge, ActiveHigh, 0},
		{"eisa elcr level", firmware.IrqEntry{SrcBus: 1, SrcBusIRQ: 10}, TriggerLevel, ActiveHigh, 0},
		{"eisa elcr edge", firmware.IrqEntry{SrcBus: 1, SrcBusIRQ: 11}, TriggerEdge, ActiveHigh, 0},
		{"mca conforms", firmware.IrqEntry{SrcBus: 2}, TriggerLevel, ActiveHigh, 0},
		{"pci conforms", firmware.IrqEntry{SrcBus: 3}, TriggerLevel, ActiveLow, 0},
		{"explicit", firmware.IrqEntry{SrcBus: 3, Flags: firmware.PolarityHigh | firmware.TriggerEdge}, TriggerEdge, ActiveHigh, 0},
		{"explicit low level on isa", firmware.IrqEntry{SrcBus: 0, Flags: firmware.PolarityLow | firmware.TriggerLevelFlags}, TriggerLevel, ActiveLow, 0},
		{"reserved", firmware.IrqEntry{SrcBus: 0, Flags: firmware.PolarityReserved | firmware.TriggerReserved}, TriggerLevel, ActiveLow, 2},
		{"unknown bus", firmware.IrqEntry{SrcBus: 4}, TriggerLevel, ActiveLow, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(rec.got)
			if got := r.Trigger(tt.e); got != tt.trigger {
				t.Fatalf("Trigger = %v, want %v", got, tt.trigger)
			}
			if got := r.Polarity(tt.e); got != tt.polarity {
				t.Fatalf("Polarity = %v, want %v", got, tt.polarity)
			}
			if got := len(rec.got) - before; got != tt.warnings {
				t.Fatalf("%d warnings, want %d", got, tt.warnings)
			}
		})
	}
}

func TestFindEntry(t *testing.T) {
	desc := threeControllers()
	desc.Entries = []firmware.IrqEntry{
		{Type: firmware.IrqNMI, DstController: firmware.DestAll, DstPin: 1},
		{Type: firmware.IrqINT, SrcBus: 0, SrcBusIRQ: 0, DstController: 2, DstPin: 2},
		{Type: firmware.IrqExtINT, SrcBus: 0, SrcBusIRQ: 0, DstController: 2, DstPin: 0},
	}
	r, _ := newTestResolver(desc, firmware.PirqTable{}, nil)

	if idx, ok := r.FindEntry(2, 1, firmware.IrqNMI); !ok || idx != 0 {
		t.Fatalf("DestAll entry not matched on controller 2: %d, %v", idx, ok)
	}
	if _, ok := r.FindEntry(0, 2, firmware.IrqINT); ok {
		t.Fatalf("entry for controller 2 matched controller 1")
	}
	if ci, pin, ok := r.FindISAPin(0, firmware.IrqExtINT); !ok || ci != 1 || pin != 0 {
		t.Fatalf("FindISAPin ExtINT = %d, %d, %v", ci, pin, ok)
	}
	if _, _, ok := r.FindISAPin(8, firmware.IrqINT); ok {
		t.Fatalf("FindISAPin found a missing irq")
	}
}
