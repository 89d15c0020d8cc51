package acpi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const rsdpSize = 36

// ErrNotFound is returned by FindTable when no table carries the signature.
var ErrNotFound = errors.New("acpi: table not found")

// Image is a block of physical memory holding an RSDP, an XSDT and the
// tables it points to.
type Image struct {
	Base uint64
	Data []byte
}

// RSDP returns the physical address of the root pointer.
func (img *Image) RSDP() uint64 { return img.Base }

// ReadAt implements io.ReaderAt over physical addresses.
func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	if off < int64(img.Base) {
		return 0, fmt.Errorf("acpi: read below image at 0x%x", off)
	}
	idx := off - int64(img.Base)
	if idx >= int64(len(img.Data)) {
		return 0, io.EOF
	}
	n := copy(p, img.Data[idx:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Build lays out the RSDP, the MADT and an XSDT pointing at it.
func Build(cfg Config) (*Image, error) {
	cfg.normalize()
	if len(cfg.IOAPICs) > 255 {
		return nil, fmt.Errorf("acpi: too many IO-APICs (%d)", len(cfg.IOAPICs))
	}

	// Tables start after the RSDP, 16-byte aligned.
	tablesBase := cfg.Base + 0x30
	writer := newTableWriter(tablesBase, cfg.OEM)

	madtAddr := writer.Append("APIC", "TINYRAPC", 1, buildMADTBody(cfg))
	xsdtAddr := writer.Append("XSDT", "TINYRXSD", 1, buildXSDTBody([]uint64{madtAddr}))

	data := make([]byte, tablesBase-cfg.Base, int(tablesBase-cfg.Base)+len(writer.Bytes()))
	copy(data, buildRSDP(xsdtAddr, cfg.OEM))
	data = append(data, writer.Bytes()...)
	return &Image{Base: cfg.Base, Data: data}, nil
}

// FindTable follows the RSDP at rsdpAddr through the XSDT and returns the
// first table whose signature matches. Every structure's checksum is
// verified on the way.
func FindTable(mem io.ReaderAt, rsdpAddr uint64, signature string) ([]byte, error) {
	rsdp := make([]byte, rsdpSize)
	if _, err := mem.ReadAt(rsdp, int64(rsdpAddr)); err != nil {
		return nil, fmt.Errorf("acpi: read RSDP: %w", err)
	}
	if string(rsdp[:8]) != "RSD PTR " {
		return nil, fmt.Errorf("acpi: bad RSDP signature %q", rsdp[:8])
	}
	if sum(rsdp[:20]) != 0 || sum(rsdp) != 0 {
		return nil, fmt.Errorf("acpi: RSDP checksum mismatch")
	}

	xsdt, err := readTable(mem, binary.LittleEndian.Uint64(rsdp[24:32]))
	if err != nil {
		return nil, err
	}
	if h, _ := decodeHeader(xsdt); string(h.Signature[:]) != "XSDT" {
		return nil, fmt.Errorf("acpi: bad XSDT signature %q", h.Signature[:])
	}
	for body := xsdt[headerSize:]; len(body) >= 8; body = body[8:] {
		t, err := readTable(mem, binary.LittleEndian.Uint64(body[:8]))
		if err != nil {
			return nil, err
		}
		if h, _ := decodeHeader(t); string(h.Signature[:]) == signature {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, signature)
}

func readTable(mem io.ReaderAt, addr uint64) ([]byte, error) {
	raw := make([]byte, headerSize)
	if _, err := mem.ReadAt(raw, int64(addr)); err != nil {
		return nil, fmt.Errorf("acpi: read table header at 0x%x: %w", addr, err)
	}
	h, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}
	length := h.Length
	if length < headerSize || length > 1<<20 {
		return nil, fmt.Errorf("acpi: table at 0x%x has bad length %d", addr, length)
	}
	table := make([]byte, length)
	if _, err := mem.ReadAt(table, int64(addr)); err != nil {
		return nil, fmt.Errorf("acpi: read table at 0x%x: %w", addr, err)
	}
	if sum(table) != 0 {
		return nil, fmt.Errorf("acpi: table %q checksum mismatch", h.Signature[:])
	}
	return table, nil
}

func buildMADTBody(cfg Config) []byte {
	buf := &bytes.Buffer{}

	flags := uint32(1) // PCAT_COMPAT
	if cfg.NoLegacyPIC {
		flags = 0
	}
	binary.Write(buf, binary.LittleEndian, cfg.LAPICBase)
	binary.Write(buf, binary.LittleEndian, flags)

	for cpu := 0; cpu < cfg.NumCPUs; cpu++ {
		buf.WriteByte(0)
		buf.WriteByte(8)
		buf.WriteByte(uint8(cpu))
		buf.WriteByte(uint8(cpu))
		binary.Write(buf, binary.LittleEndian, uint32(1))
	}

	for _, ioa := range cfg.IOAPICs {
		buf.WriteByte(1)
		buf.WriteByte(12)
		buf.WriteByte(ioa.ID)
		buf.WriteByte(0)
		binary.Write(buf, binary.LittleEndian, ioa.Address)
		binary.Write(buf, binary.LittleEndian, ioa.GSIBase)
	}

	for _, ovr := range cfg.ISAOverrides {
		buf.WriteByte(2)  // Type = Interrupt Source Override
		buf.WriteByte(10) // Length
		buf.WriteByte(ovr.Bus)
		buf.WriteByte(ovr.IRQ)
		binary.Write(buf, binary.LittleEndian, ovr.GSI)
		binary.Write(buf, binary.LittleEndian, ovr.Flags)
	}

	for _, nmi := range cfg.NMISources {
		buf.WriteByte(3) // Type = NMI Source
		buf.WriteByte(8)
		binary.Write(buf, binary.LittleEndian, nmi.Flags)
		binary.Write(buf, binary.LittleEndian, nmi.GSI)
	}

	return buf.Bytes()
}

func buildXSDTBody(entries []uint64) []byte {
	buf := &bytes.Buffer{}
	for _, entry := range entries {
		binary.Write(buf, binary.LittleEndian, entry)
	}
	return buf.Bytes()
}

func buildRSDP(xsdtAddr uint64, oem OEMInfo) []byte {
	rsdp := make([]byte, rsdpSize)
	copy(rsdp[0:], []byte("RSD PTR "))
	copy(rsdp[9:], oem.OEMID[:])
	rsdp[15] = 2
	binary.LittleEndian.PutUint32(rsdp[16:], 0)
	binary.LittleEndian.PutUint32(rsdp[20:], uint32(len(rsdp)))
	binary.LittleEndian.PutUint64(rsdp[24:], xsdtAddr)

	rsdp[8] = checksum(rsdp[:20])
	rsdp[32] = checksum(rsdp)
	return rsdp
}
