package machine

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/irqroute/internal/acpi"
	"github.com/tinyrange/irqroute/internal/firmware"
	"github.com/tinyrange/irqroute/internal/ioapic"
)

// Firmware table sources.
const (
	SourceMPTable = "mptable"
	SourceACPI    = "acpi"
)

// Spec describes a simulated PC: what its firmware claims and how the
// board is really wired.
type Spec struct {
	Firmware FirmwareSpec `yaml:"firmware"`
	Wiring   Wiring       `yaml:"wiring"`
	Routing  RoutingSpec  `yaml:"routing"`
}

// FirmwareSpec is either an MP table style description or a set of MADT
// entries.
type FirmwareSpec struct {
	firmware.Description `yaml:",inline"`

	Source string   `yaml:"source"`
	ACPI   ACPISpec `yaml:"acpi"`
}

// ACPISpec lists the MADT structures the firmware publishes.
type ACPISpec struct {
	IOAPICs     []ACPIIOAPIC             `yaml:"ioapics"`
	Overrides   []acpi.InterruptOverride `yaml:"overrides"`
	NMISources  []acpi.NMISource         `yaml:"nmi_sources"`
	NoLegacyPIC bool                     `yaml:"no_legacy_pic"`
}

// ACPIIOAPIC is an MADT IO-APIC plus the pin count of the hardware behind
// it, which the MADT does not carry.
type ACPIIOAPIC struct {
	acpi.IOAPICConfig `yaml:",inline"`

	Pins int `yaml:"pins"`
}

// PinRef names one IO-APIC input.
type PinRef struct {
	Controller uint8 `yaml:"controller"`
	Pin        int   `yaml:"pin"`
}

func (p PinRef) String() string { return fmt.Sprintf("%#x:%d", p.Controller, p.Pin) }

// Wiring is the board's real interrupt wiring where it differs from what
// firmware says.
type Wiring struct {
	// Timer is the IO-APIC pin the PIT output really reaches. Nil means
	// the pin firmware lists for ISA IRQ 0.
	Timer *PinRef `yaml:"timer"`
	// TimerUnwired leaves the PIT connected to the 8259A only.
	TimerUnwired bool `yaml:"timer_unwired"`
	// ExtINT is the IO-APIC pin the 8259A INT output reaches. Nil means
	// the firmware ExtINT entry.
	ExtINT        *PinRef `yaml:"extint"`
	ExtINTUnwired bool    `yaml:"extint_unwired"`
	// VirtualWireBroken drops fixed mode LINT0 deliveries.
	VirtualWireBroken bool `yaml:"virtual_wire_broken"`
	// ExtINTLatched makes LINT0 ignore ExtINT until an IO-APIC has sent
	// an ExtINT message.
	ExtINTLatched bool `yaml:"extint_latched"`
	// TimerDead disconnects the PIT output entirely.
	TimerDead bool `yaml:"timer_dead"`
	// Pins overrides the pin count the hardware reports, by controller ID.
	Pins map[uint8]int `yaml:"pins"`
	// IDs overrides the APIC ID the hardware reports, by controller ID.
	IDs map[uint8]uint8 `yaml:"ids"`
	// ELCR is the edge/level control register left by firmware.
	ELCR    uint16 `yaml:"elcr"`
	TimerHz int    `yaml:"timer_hz"`
}

// RoutingSpec tunes the routing core.
type RoutingSpec struct {
	NrIRQs        int           `yaml:"nr_irqs"`
	SharedSlots   int           `yaml:"shared_slots"`
	LegacyOnly    *uint16       `yaml:"legacy_only"`
	TargetCPUs    uint8         `yaml:"target_cpus"`
	TimerWait     time.Duration `yaml:"timer_wait"`
	TimerMinTicks uint64        `yaml:"timer_min_ticks"`
	UnlockPulses  int           `yaml:"unlock_pulses"`
}

const defaultTimerHz = 100

// LoadSpec reads a machine description from a YAML file.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	spec, err := ParseSpec(data)
	if err != nil {
		return nil, fmt.Errorf("machine: %s: %w", path, err)
	}
	return spec, nil
}

// ParseSpec decodes a YAML machine description. Unknown keys are errors.
func ParseSpec(data []byte) (*Spec, error) {
	var spec Spec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode spec: %w", err)
	}
	if err := spec.normalize(); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (s *Spec) normalize() error {
	switch s.Firmware.Source {
	case "":
		s.Firmware.Source = SourceMPTable
	case SourceMPTable, SourceACPI:
	default:
		return fmt.Errorf("unknown firmware source %q", s.Firmware.Source)
	}
	if s.Firmware.Source == SourceACPI {
		if len(s.Firmware.Controllers) != 0 || len(s.Firmware.Entries) != 0 {
			return fmt.Errorf("acpi firmware takes controllers from acpi.ioapics")
		}
		if len(s.Firmware.ACPI.IOAPICs) == 0 {
			return fmt.Errorf("acpi firmware lists no IO-APICs")
		}
		for i := range s.Firmware.ACPI.IOAPICs {
			if s.Firmware.ACPI.IOAPICs[i].Pins == 0 {
				s.Firmware.ACPI.IOAPICs[i].Pins = 24
			}
		}
	}
	if s.Wiring.TimerHz <= 0 {
		s.Wiring.TimerHz = defaultTimerHz
	}
	return nil
}

// routingConfig returns the routing core configuration for desc and opts
// with the spec's tuning applied.
func (s *Spec) routingConfig(desc *firmware.Description, opts firmware.BootOptions) ioapic.Config {
	cfg := ioapic.ConfigFromFirmware(desc, opts)
	r := s.Routing
	cfg.NrIRQs = r.NrIRQs
	cfg.SharedSlots = r.SharedSlots
	cfg.LegacyOnly = r.LegacyOnly
	cfg.TargetCPUs = r.TargetCPUs
	cfg.TimerWait = r.TimerWait
	cfg.TimerMinTicks = r.TimerMinTicks
	cfg.UnlockPulses = r.UnlockPulses
	return cfg
}
