package chipset

import (
	"encoding/binary"
	"testing"
)

type ioapicTestRouter struct {
	calls []ioapicCall
}

type ioapicCall struct {
	vector   uint8
	dest     uint8
	delivery uint8
	level    bool
}

func (r *ioapicTestRouter) Assert(vector, dest, destMode, deliveryMode uint8, level bool) {
	r.calls = append(r.calls, ioapicCall{vector: vector, dest: dest, delivery: deliveryMode, level: level})
}

func TestIOAPICVersionRegister(t *testing.T) {
	dev := NewIOAPIC(0, 0, 24)

	writeIndex(t, dev, ioapicVersionRegister)
	value := readData(t, dev)
	if got, want := value&0xff, uint32(ioapicVersion); got != want {
		t.Fatalf("version register = 0x%x, want 0x%x", got, want)
	}
	if got, want := (value>>16)&0xff, uint32(len(dev.entries)-1); got != want {
		t.Fatalf("max redirection entry = %d, want %d", got, want)
	}
}

func TestIOAPICDeliversEdgeInterrupts(t *testing.T) {
	dev := NewIOAPIC(0, 0, 24)
	router := &ioapicTestRouter{}
	dev.SetRouting(router)

	programRedirection(t, dev, 0, 0x45, false, false)

	dev.SetIRQ(0, true)
	if len(router.calls) != 1 {
		t.Fatalf("expected one interrupt, got %d", len(router.calls))
	}
	if router.calls[0].vector != 0x45 {
		t.Fatalf("unexpected vector 0x%x", router.calls[0].vector)
	}

	// Keeping the line high should not retrigger.
	dev.SetIRQ(0, true)
	if len(router.calls) != 1 {
		t.Fatalf("unexpected retrigger while line high")
	}

	// Falling edge then rising edge should retrigger.
	dev.SetIRQ(0, false)
	dev.SetIRQ(0, true)
	if len(router.calls) != 2 {
		t.Fatalf("expected second interrupt, got %d", len(router.calls))
	}
}

func TestIOAPICLevelInterruptRequiresEOI(t *testing.T) {
	dev := NewIOAPIC(0, 0, 24)
	router := &ioapicTestRouter{}
	dev.SetRouting(router)

	const line = 5
	const vector = 0x55
	programRedirection(t, dev, line, vector, true, false)

	dev.SetIRQ(line, true)
	if len(router.calls) != 1 {
		t.Fatalf("expected first interrupt, got %d", len(router.calls))
	}

	dev.SetIRQ(line, false)
	dev.SetIRQ(line, true)
	if len(router.calls) != 1 {
		t.Fatalf("level interrupt fired without EOI")
	}

	dev.HandleEOI(vector)
	if len(router.calls) != 2 {
		t.Fatalf("expected second interrupt after EOI, got %d", len(router.calls))
	}
}

func TestIOAPICIdentification(t *testing.T) {
	dev := NewIOAPIC(0x12, 0xfec01000, 16)

	if got := dev.DeviceId(); got != "ioapic2" {
		t.Fatalf("DeviceId = %q", got)
	}
	if err := dev.WriteMMIO(0xfec01000, []byte{ioapicIDRegister, 0, 0, 0}); err != nil {
		t.Fatalf("select: %v", err)
	}
	buf := make([]byte, 4)
	if err := dev.ReadMMIO(0xfec01010, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf); got != 2<<24 {
		t.Fatalf("id register = %#x", got)
	}
	if err := dev.ReadMMIO(IOAPICBaseAddress, buf); err == nil {
		t.Fatalf("read outside window succeeded")
	}
}

func TestIOAPICUnmaskWithLineHigh(t *testing.T) {
	dev := NewIOAPIC(0, 0, 24)
	router := &ioapicTestRouter{}
	dev.SetRouting(router)

	programRedirection(t, dev, 3, 0x40, false, true)
	dev.SetIRQ(3, true)
	if len(router.calls) != 0 {
		t.Fatalf("masked pin delivered")
	}
	programRedirection(t, dev, 3, 0x40, false, false)
	if len(router.calls) != 1 {
		t.Fatalf("unmasking a high line should deliver, got %d", len(router.calls))
	}
	if got := dev.Interrupts(3); got != 1 {
		t.Fatalf("Interrupts(3) = %d", got)
	}
}

func TestIOAPICExtINTEntry(t *testing.T) {
	dev := NewIOAPIC(0, 0, 24)
	router := &ioapicTestRouter{}
	dev.SetRouting(router)

	// ExtINT, physical destination 0, level trigger ignored.
	dev.Program(8, 0x7<<8|1<<15)
	if got := dev.Entry(8); got != 0x7<<8|1<<15 {
		t.Fatalf("Entry(8) = %#x", got)
	}
	dev.SetIRQ(8, true)
	dev.SetIRQ(8, false)
	dev.SetIRQ(8, true)
	if len(router.calls) != 2 {
		t.Fatalf("expected edge delivery for ExtINT, got %d", len(router.calls))
	}
	if router.calls[0].delivery != deliveryModeExtINT || router.calls[0].level {
		t.Fatalf("unexpected call %+v", router.calls[0])
	}

	if err := dev.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := dev.Entry(8); got != 1<<16 {
		t.Fatalf("entry after reset = %#x", got)
	}
}

func programRedirection(t *testing.T, dev *IOAPIC, line uint8, vector byte, level bool, masked bool) {
	low := uint32(vector)
	if level {
		low |= 1 << 15
	}
	if masked {
		low |= 1 << 16
	}

	writeIndex(t, dev, ioapicRedirectionTableBase+uint8(line*2))
	writeData(t, dev, low)

	writeIndex(t, dev, ioapicRedirectionTableBase+uint8(line*2)+1)
	writeData(t, dev, 0)
}

func writeIndex(t *testing.T, dev *IOAPIC, index uint8) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(index))
	if err := dev.WriteMMIO(IOAPICBaseAddress+ioapicRegisterSelect, buf); err != nil {
		t.Fatalf("write select: %v", err)
	}
}

func writeData(t *testing.T, dev *IOAPIC, value uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	if err := dev.WriteMMIO(IOAPICBaseAddress+ioapicRegisterData, buf); err != nil {
		t.Fatalf("write data: %v", err)
	}
}

func readData(t *testing.T, dev *IOAPIC) uint32 {
	buf := make([]byte, 4)
	if err := dev.ReadMMIO(IOAPICBaseAddress+ioapicRegisterData, buf); err != nil {
		t.Fatalf("read data: %v", err)
	}
	return binary.LittleEndian.Uint32(buf)
}
