package firmware

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParseBootOptions(t *testing.T) {
	opts, err := ParseBootOptions("console=ttyS0 noapic pirq=9,0,-1")
	if err != nil {
		t.Fatalf("ParseBootOptions: %v", err)
	}
	if !opts.NoAPIC {
		t.Fatalf("NoAPIC = false, want true")
	}
	if got := opts.Pirq[7]; got.Mode != PirqRemap || got.IRQ != 9 {
		t.Fatalf("slot 7 = %v, want IRQ 9", got)
	}
	if got := opts.Pirq[6]; got.Mode != PirqDisabled {
		t.Fatalf("slot 6 = %v, want disabled", got)
	}
	if got := opts.Pirq[5]; got.Mode != PirqUnset {
		t.Fatalf("slot 5 = %v, want unset", got)
	}
	if _, ok := opts.Pirq.Slot(16 + 5); ok {
		t.Fatalf("unset slot reported as present")
	}
	if e, ok := opts.Pirq.Slot(16 + 7); !ok || e.IRQ != 9 {
		t.Fatalf("Slot(23) = %v, %v", e, ok)
	}
	if _, ok := opts.Pirq.Slot(15); ok {
		t.Fatalf("pin 15 is outside the PIRQ range")
	}
}

func TestParseBootOptionsErrors(t *testing.T) {
	for _, cmdline := range []string{
		"pirq",
		"pirq=1,2,3,4,5,6,7,8,9",
		"pirq=x",
	} {
		if _, err := ParseBootOptions(cmdline); err == nil {
			t.Errorf("ParseBootOptions(%q) succeeded, want error", cmdline)
		}
	}
}

func TestEntryYAMLNamedFlags(t *testing.T) {
	const doc = `
type: INT
bus: 1
irq: 0x14
controller: 2
pin: 18
polarity: low
trigger: level
`
	var e IrqEntry
	if err := yaml.Unmarshal([]byte(doc), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.PolarityFlags() != PolarityLow {
		t.Fatalf("polarity = %#x, want %#x", e.PolarityFlags(), PolarityLow)
	}
	if e.TriggerFlags() != TriggerLevelFlags {
		t.Fatalf("trigger = %#x, want %#x", e.TriggerFlags(), TriggerLevelFlags)
	}
	if e.DstPin != 18 || e.SrcBusIRQ != 0x14 || e.DstController != 2 {
		t.Fatalf("unexpected entry %v", e)
	}
}

func TestDescriptionValidate(t *testing.T) {
	tests := []struct {
		name string
		desc Description
		ok   bool
	}{
		{"valid", Description{Controllers: []Controller{{ID: 1, Pins: 24}}}, true},
		{"zero pins", Description{Controllers: []Controller{{ID: 1}}}, false},
		{"duplicate id", Description{Controllers: []Controller{{ID: 1, Pins: 24}, {ID: 1, Pins: 8}}}, false},
		{"reserved id", Description{Controllers: []Controller{{ID: DestAll, Pins: 24}}}, false},
		{"negative pin", Description{Entries: []IrqEntry{{DstPin: -1}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			if (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestParseBusType(t *testing.T) {
	for s, want := range map[string]BusType{"ISA": BusISA, "eisa": BusEISA, "MCA": BusMCA, "PCI ": BusPCI, "VL": BusUnknown} {
		if got := ParseBusType(s); got != want {
			t.Errorf("ParseBusType(%q) = %v, want %v", s, got, want)
		}
	}
}
