package acpi

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestBuildProducesTables(t *testing.T) {
	img, err := Build(Config{
		IOAPICs: []IOAPICConfig{
			{ID: 2, Address: 0xFEC00000, GSIBase: 0},
			{ID: 3, Address: 0xFEC01000, GSIBase: 24},
		},
		ISAOverrides: []InterruptOverride{{IRQ: 0, GSI: 2}},
		NMISources:   []NMISource{{Flags: 0x5, GSI: 30}},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	rsdp := img.Data[:36]
	if string(rsdp[:8]) != "RSD PTR " {
		t.Fatalf("bad RSDP signature: %q", rsdp[:8])
	}

	madt, err := FindTable(img, img.RSDP(), "APIC")
	if err != nil {
		t.Fatalf("FindTable: %v", err)
	}
	if got := binary.LittleEndian.Uint32(madt[36:40]); got != 0xFEE00000 {
		t.Fatalf("local APIC address = %#x", got)
	}
	if got := binary.LittleEndian.Uint32(madt[40:44]); got != 1 {
		t.Fatalf("MADT flags = %#x", got)
	}

	var types []byte
	for body := madt[44:]; len(body) >= 2; body = body[body[1]:] {
		types = append(types, body[0])
	}
	want := []byte{0, 1, 1, 2, 3}
	if string(types) != string(want) {
		t.Fatalf("entry types = %v, want %v", types, want)
	}
}

func TestFindTableMissing(t *testing.T) {
	img, err := Build(Config{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := FindTable(img, img.RSDP(), "HPET"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindTableChecksum(t *testing.T) {
	img, err := Build(Config{NoLegacyPIC: true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	madt, err := FindTable(img, img.RSDP(), "APIC")
	if err != nil {
		t.Fatalf("FindTable: %v", err)
	}
	if got := binary.LittleEndian.Uint32(madt[40:44]); got != 0 {
		t.Fatalf("MADT flags = %#x, want 0", got)
	}

	// Corrupt one byte of the MADT body.
	off := int(binary.LittleEndian.Uint64(img.Data[24:32])) - int(img.Base)
	xsdtEntry := binary.LittleEndian.Uint64(img.Data[off+36 : off+44])
	img.Data[int(xsdtEntry-img.Base)+40] ^= 0xff
	if _, err := FindTable(img, img.RSDP(), "APIC"); err == nil {
		t.Fatalf("expected checksum error")
	}

	if _, err := FindTable(img, img.RSDP()+1, "APIC"); err == nil {
		t.Fatalf("expected bad RSDP error")
	}
}

func TestTableHeaders(t *testing.T) {
	oem := DefaultOEMInfo()
	oem.OEMID = [6]byte{'I', 'R', 'Q', 'R', 'T', ' '}
	img, err := Build(Config{OEM: oem})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	madt, err := FindTable(img, img.RSDP(), "APIC")
	if err != nil {
		t.Fatalf("FindTable: %v", err)
	}
	h, err := decodeHeader(madt)
	if err != nil {
		t.Fatal(err)
	}
	if int(h.Length) != len(madt) {
		t.Fatalf("length = %d, want %d", h.Length, len(madt))
	}
	if string(h.OEMTableID[:]) != "TINYRAPC" {
		t.Fatalf("table id = %q", h.OEMTableID[:])
	}
	if h.OEMID != oem.OEMID || h.CreatorID != oem.CreatorID {
		t.Fatalf("oem fields = %q/%q, want %q/%q", h.OEMID[:], h.CreatorID[:], oem.OEMID[:], oem.CreatorID[:])
	}
	if _, err := decodeHeader(madt[:headerSize-1]); err == nil {
		t.Fatalf("short header decoded")
	}
}
