package acpi

// Config describes the interrupt controllers a firmware image advertises.
// All addresses are physical.
type Config struct {
	// Base is where the image starts. The RSDP sits at Base and the
	// tables follow it.
	Base uint64

	NumCPUs   int
	LAPICBase uint32
	// NoLegacyPIC clears PCAT_COMPAT, announcing no 8259A pair.
	NoLegacyPIC bool

	IOAPICs []IOAPICConfig

	// ISAOverrides emits MADT interrupt source overrides for legacy ISA IRQs.
	ISAOverrides []InterruptOverride

	// NMISources emits MADT NMI source entries.
	NMISources []NMISource

	OEM OEMInfo
}

// IOAPICConfig describes one IO-APIC entry that will be emitted into MADT.
type IOAPICConfig struct {
	ID      uint8  `yaml:"id"`
	Address uint32 `yaml:"address"`
	GSIBase uint32 `yaml:"gsi_base"`
}

// InterruptOverride describes a single MADT INT_SRC_OVR entry.
type InterruptOverride struct {
	Bus   uint8  `yaml:"bus"`   // typically 0 (ISA)
	IRQ   uint8  `yaml:"irq"`   // source IRQ
	GSI   uint32 `yaml:"gsi"`   // destination GSI
	Flags uint16 `yaml:"flags"` // polarity/trigger encoding per ACPI spec
}

// NMISource describes a MADT NMI_SRC entry.
type NMISource struct {
	Flags uint16 `yaml:"flags"`
	GSI   uint32 `yaml:"gsi"`
}

// OEMInfo mirrors the ACPI table header OEM fields.
type OEMInfo struct {
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       [4]byte
	CreatorRevision uint32
}

// DefaultOEMInfo returns the default table header metadata.
func DefaultOEMInfo() OEMInfo {
	return OEMInfo{
		OEMID:           [6]byte{'T', 'I', 'N', 'Y', 'R', ' '},
		OEMTableID:      [8]byte{'T', 'I', 'N', 'Y', 'R', 'D', 'E', 'F'},
		OEMRevision:     1,
		CreatorID:       [4]byte{'T', 'R', 'Y', 'N'},
		CreatorRevision: 1,
	}
}

func (c *Config) normalize() {
	if c.Base == 0 {
		c.Base = 0x000E0000
	}
	if c.NumCPUs <= 0 {
		c.NumCPUs = 1
	}
	if c.LAPICBase == 0 {
		c.LAPICBase = 0xFEE00000
	}
	if len(c.IOAPICs) == 0 {
		c.IOAPICs = []IOAPICConfig{{Address: 0xFEC00000}}
	}
	for i := range c.IOAPICs {
		if c.IOAPICs[i].Address == 0 {
			c.IOAPICs[i].Address = 0xFEC00000 + uint32(i)*0x1000
		}
	}
	if c.OEM == (OEMInfo{}) {
		c.OEM = DefaultOEMInfo()
	}
}
