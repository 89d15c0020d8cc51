package chipset

import "testing"

type recordingDevice struct {
	name    string
	ports   []uint16
	regions []MMIORegion

	started int
	writes  map[uint64][]byte
	pio     map[uint16]byte
}

func newRecordingDevice(name string) *recordingDevice {
	return &recordingDevice{name: name, writes: make(map[uint64][]byte), pio: make(map[uint16]byte)}
}

func (d *recordingDevice) DeviceId() string { return d.name }
func (d *recordingDevice) Start() error     { d.started++; return nil }
func (d *recordingDevice) Stop() error      { return nil }
func (d *recordingDevice) Reset() error     { return nil }

func (d *recordingDevice) SupportsPortIO() *PortIOIntercept {
	if len(d.ports) == 0 {
		return nil
	}
	return &PortIOIntercept{Ports: d.ports, Handler: d}
}

func (d *recordingDevice) SupportsMmio() *MmioIntercept {
	if len(d.regions) == 0 {
		return nil
	}
	return &MmioIntercept{Regions: d.regions, Handler: d}
}

func (d *recordingDevice) ReadIOPort(port uint16, data []byte) error {
	data[0] = d.pio[port]
	return nil
}

func (d *recordingDevice) WriteIOPort(port uint16, data []byte) error {
	d.pio[port] = data[0]
	return nil
}

func (d *recordingDevice) ReadMMIO(addr uint64, data []byte) error {
	copy(data, d.writes[addr])
	return nil
}

func (d *recordingDevice) WriteMMIO(addr uint64, data []byte) error {
	d.writes[addr] = append([]byte(nil), data...)
	return nil
}

func TestChipsetDispatch(t *testing.T) {
	dev := newRecordingDevice("dev")
	dev.ports = []uint16{0x20, 0x21}
	dev.regions = []MMIORegion{{Address: 0xfec00000, Size: 0x20}}

	b := NewBuilder()
	if err := b.RegisterDevice("dev", dev); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := cs.Start(); err != nil || dev.started != 1 {
		t.Fatalf("Start = %v, started %d", err, dev.started)
	}

	if err := cs.Outb(0x21, 0xfb); err != nil {
		t.Fatal(err)
	}
	if v, err := cs.Inb(0x21); err != nil || v != 0xfb {
		t.Fatalf("Inb = %#x, %v", v, err)
	}
	if err := cs.WriteMMIO(0xfec00010, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if err := cs.ReadMMIO(0xfec00010, buf); err != nil || buf[3] != 4 {
		t.Fatalf("ReadMMIO = %v, %v", buf, err)
	}

	if err := cs.ReadMMIO(0xfec0001e, buf); err == nil {
		t.Fatalf("access crossing the region end succeeded")
	}
	if _, err := cs.Inb(0x60); err == nil {
		t.Fatalf("unclaimed port succeeded")
	}
}

func TestBuilderRejectsOverlap(t *testing.T) {
	a := newRecordingDevice("a")
	a.regions = []MMIORegion{{Address: 0x1000, Size: 0x100}}
	c := newRecordingDevice("c")
	c.regions = []MMIORegion{{Address: 0x10f0, Size: 0x20}}

	b := NewBuilder()
	if err := b.RegisterDevice("a", a); err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterDevice("c", c); err == nil {
		t.Fatalf("overlapping region accepted")
	}
	if err := b.RegisterDevice("a", newRecordingDevice("a")); err == nil {
		t.Fatalf("duplicate name accepted")
	}
}

type sinkRecorder struct {
	calls []sinkCall
}

type sinkCall struct {
	line  uint8
	level bool
}

func (r *sinkRecorder) SetIRQ(line uint8, level bool) {
	r.calls = append(r.calls, sinkCall{line, level})
}

type eoiRecorder struct{ vectors []uint32 }

func (r *eoiRecorder) HandleEOI(v uint32) { r.vectors = append(r.vectors, v) }

func TestLineSetFanOut(t *testing.T) {
	ls := NewLineSet()
	pic, ioapic := &sinkRecorder{}, &sinkRecorder{}
	ls.Route(0, pic, 0)
	ls.Route(0, ioapic, 2)

	line := ls.AllocateLine(0)
	line.PulseInterrupt()
	line.SetLevel(false)

	want := []sinkCall{{0, true}, {0, false}}
	if len(pic.calls) != 2 || pic.calls[0] != want[0] || pic.calls[1] != want[1] {
		t.Fatalf("pic calls = %v", pic.calls)
	}
	if len(ioapic.calls) != 2 || ioapic.calls[0].line != 2 {
		t.Fatalf("ioapic calls = %v", ioapic.calls)
	}
	if ls.Level(0) {
		t.Fatalf("line left high")
	}

	eoi := &eoiRecorder{}
	ls.AttachEOITarget(eoi)
	var called bool
	ls.RegisterEOICallback(0x41, func() { called = true })
	ls.BroadcastEOI(0x41)
	if len(eoi.vectors) != 1 || eoi.vectors[0] != 0x41 || !called {
		t.Fatalf("EOI not delivered: %v %v", eoi.vectors, called)
	}
}
