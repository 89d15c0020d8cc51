package machine

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	dev "github.com/tinyrange/irqroute/internal/devices/amd64/chipset"
	"github.com/tinyrange/irqroute/internal/ioapic"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loadSpec(t *testing.T, name string) *Spec {
	t.Helper()
	spec, err := LoadSpec("testdata/" + name)
	if err != nil {
		t.Fatal(err)
	}
	return spec
}

type haltRecorder struct{ reasons []string }

func (h *haltRecorder) Halt(reason string) { h.reasons = append(h.reasons, reason) }

func boot(t *testing.T, spec *Spec, opts ...Option) (*Machine, *ioapic.Subsystem) {
	t.Helper()
	m, err := New(spec, append([]Option{WithLogger(quietLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sub, err := m.Boot()
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	return m, sub
}

// assertTicking runs the machine for a second of virtual time and checks
// the timer handler ran at roughly the programmed rate.
func assertTicking(t *testing.T, m *Machine) {
	t.Helper()
	before := m.Ticks()
	m.Run(time.Second)
	if got := m.Ticks() - before; got < 90 || got > 110 {
		t.Fatalf("%d ticks in one second, want about 100", got)
	}
}

func TestBootTimerPaths(t *testing.T) {
	for _, tt := range []struct {
		name   string
		wiring func(*Wiring)
		want   ioapic.TimerPath
	}{
		{"io-apic pin", func(*Wiring) {}, ioapic.TimerViaIOAPIC},
		{"extint pin", func(w *Wiring) {
			w.TimerUnwired = true
		}, ioapic.TimerViaExtINTPin},
		{"virtual wire", func(w *Wiring) {
			w.TimerUnwired = true
			w.ExtINTUnwired = true
		}, ioapic.TimerViaVirtualWire},
		{"extint unlock", func(w *Wiring) {
			w.TimerUnwired = true
			w.ExtINTUnwired = true
			w.VirtualWireBroken = true
			w.ExtINTLatched = true
		}, ioapic.TimerViaExtINTUnlocked},
	} {
		t.Run(tt.name, func(t *testing.T) {
			spec := loadSpec(t, "pc.yaml")
			tt.wiring(&spec.Wiring)
			m, sub := boot(t, spec)
			if m.Halted() != "" {
				t.Fatalf("halted: %s", m.Halted())
			}
			res := sub.TimerResult()
			if res.Path != tt.want {
				t.Fatalf("timer path %v, want %v", res.Path, tt.want)
			}
			assertTicking(t, m)
		})
	}
}

func TestBootTimerPinMoved(t *testing.T) {
	spec := loadSpec(t, "pc.yaml")
	spec.Wiring.Timer = &PinRef{Controller: 2, Pin: 20}
	m, sub := boot(t, spec)

	// Firmware still names pin 2, so only the 8259A path reaches the CPU.
	res := sub.TimerResult()
	if res.Path != ioapic.TimerViaExtINTPin || res.Pin.Pin != 0 {
		t.Fatalf("timer %+v, want ExtINT pin 0", res)
	}
	assertTicking(t, m)

	if got := sub.Pins().Bindings(0); len(got) != 1 || got[0] != res.Pin {
		t.Fatalf("irq 0 bindings = %v, want [%v]", got, res.Pin)
	}
	l, ok := sub.Line(0)
	if !ok {
		t.Fatalf("irq 0 has no IO-APIC line")
	}
	if err := l.Disable(); err != nil {
		t.Fatal(err)
	}
	ioa, _ := m.IOAPIC(2)
	if e := ioa.Entry(0); e&(1<<16) == 0 {
		t.Fatalf("pin 0 entry %#x not masked after Disable", e)
	}
	before := m.Ticks()
	m.Run(time.Second)
	if got := m.Ticks(); got != before {
		t.Fatalf("%d ticks with the timer line disabled", got-before)
	}
}

func TestBootTimerDeadHalts(t *testing.T) {
	spec := loadSpec(t, "pc.yaml")
	spec.Wiring.TimerDead = true
	rec := &haltRecorder{}
	m, sub := boot(t, spec, WithHalter(rec))

	if len(rec.reasons) != 1 || !strings.Contains(rec.reasons[0], "no working timer path") {
		t.Fatalf("halt reasons %q", rec.reasons)
	}
	if m.Halted() != rec.reasons[0] {
		t.Fatalf("Halted() = %q", m.Halted())
	}
	if got := sub.TimerResult().Path; got != ioapic.TimerNotChecked {
		t.Fatalf("timer path %v after failure", got)
	}
	if m.Ticks() != 0 {
		t.Fatalf("%d ticks with the timer disconnected", m.Ticks())
	}
}

func TestBootUnlockPulsesRTC(t *testing.T) {
	spec := loadSpec(t, "pc.yaml")
	spec.Wiring.TimerUnwired = true
	spec.Wiring.ExtINTUnwired = true
	spec.Wiring.VirtualWireBroken = true
	spec.Wiring.ExtINTLatched = true
	spec.Routing.UnlockPulses = 3
	m, _ := boot(t, spec)

	ioa, _ := m.IOAPIC(2)
	if got := ioa.Interrupts(8); got != 3 {
		t.Fatalf("RTC pin sent %d messages, want 3", got)
	}
	// The RTC pin gets its routed entry back afterwards.
	if e := ioapic.DecodeRedirEntry(ioa.Entry(8)); e.Delivery == ioapic.DeliveryExtINT {
		t.Fatalf("RTC pin left in ExtINT mode: %+v", e)
	}
	if mode, _, masked := m.LocalAPIC().LVT0(); mode != dev.LVTModeExtINT || masked {
		t.Fatalf("LVT0 mode %d masked %v, want unmasked ExtINT", mode, masked)
	}
}

func TestBootNoAPIC(t *testing.T) {
	spec := loadSpec(t, "pc.yaml")
	spec.Firmware.Cmdline = "quiet noapic"
	m, sub := boot(t, spec)

	if len(sub.Lines()) != 0 {
		t.Fatalf("%d IO-APIC lines with noapic", len(sub.Lines()))
	}
	l, ok := m.Dispatcher().Line(0)
	if !ok || l.Kind() != ioapic.KindLegacy {
		t.Fatalf("irq 0 line %v", l)
	}
	assertTicking(t, m)
	if m.PIC().Acknowledged(0) == 0 {
		t.Fatal("8259A never acknowledged the timer")
	}

	var buf bytes.Buffer
	if err := sub.Dump(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "IO-APIC disabled") {
		t.Fatalf("dump:\n%s", buf.String())
	}
}

func TestBootACPI(t *testing.T) {
	m, sub := boot(t, loadSpec(t, "acpi.yaml"))

	desc := m.Description()
	if len(desc.Controllers) != 1 || desc.Controllers[0].Pins != 24 {
		t.Fatalf("controllers %+v", desc.Controllers)
	}
	res := sub.TimerResult()
	if res.Path != ioapic.TimerViaIOAPIC || res.Pin.Pin != 2 {
		t.Fatalf("timer %+v, want IO-APIC pin 2", res)
	}
	l, ok := sub.Line(9)
	if !ok || l.Kind() != ioapic.KindLevel {
		t.Fatalf("irq 9 line %v, want level", l)
	}
	assertTicking(t, m)
}

func TestRaiseEdgeLine(t *testing.T) {
	m, sub := boot(t, loadSpec(t, "pc.yaml"))

	l, ok := sub.Line(1)
	if !ok {
		t.Fatal("keyboard not routed")
	}
	for i := 0; i < 3; i++ {
		if err := m.Raise(1); err != nil {
			t.Fatal(err)
		}
	}
	if got := m.Handled(1); got != 3 {
		t.Fatalf("keyboard handled %d times, want 3", got)
	}
	if got := m.PIC().Acknowledged(1); got != 0 {
		t.Fatalf("8259A acknowledged the keyboard %d times", got)
	}
	if st, err := l.State(); err != nil || st.Masked {
		t.Fatalf("keyboard state %+v, %v", st, err)
	}
	if err := m.Raise(16); err == nil {
		t.Fatal("raised a non-ISA line")
	}
}

func TestDisabledLineIsDeferred(t *testing.T) {
	m, _ := boot(t, loadSpec(t, "pc.yaml"))
	d := m.Dispatcher()

	if err := d.Disable(4); err != nil {
		t.Fatal(err)
	}
	m.Raise(4)
	if got := d.Handled(4); got != 0 {
		t.Fatalf("disabled line handled %d times", got)
	}
	if err := d.Enable(4); err != nil {
		t.Fatal(err)
	}
	m.Raise(4)
	if got := d.Handled(4); got != 1 {
		t.Fatalf("handled %d times after enable, want 1", got)
	}
}

func TestDumpReportsWiringMismatch(t *testing.T) {
	spec := loadSpec(t, "pc.yaml")
	spec.Wiring.IDs = map[uint8]uint8{2: 5}
	spec.Wiring.Pins = map[uint8]int{2: 16}
	_, sub := boot(t, spec)

	var buf bytes.Buffer
	if err := sub.Dump(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		"!!! controller 0x2 reports id 0x5",
		"!!! controller 0x2 reports 16 entries, firmware says 24",
		"timer: IO-APIC pin (step 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}
	var n int
	for _, w := range sub.Warnings() {
		if w.Kind == ioapic.HardwareAckMismatch {
			n++
		}
	}
	if n != 2 {
		t.Fatalf("%d hardware warnings, want 2", n)
	}
}

func TestNewRejectsBadFirmware(t *testing.T) {
	spec, err := ParseSpec([]byte(`
firmware:
  source: acpi
  acpi:
    ioapics:
      - {id: 1, address: 0xfec00000}
    overrides:
      - {bus: 0, irq: 0, gsi: 40}
`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(spec, WithLogger(quietLogger())); err == nil || !strings.Contains(err.Error(), "unknown GSI") {
		t.Fatalf("New error %v", err)
	}
}

func TestKeyboardInterrupts(t *testing.T) {
	m, _ := boot(t, loadSpec(t, "pc.yaml"))

	m.PressKey(0x1e)
	m.PressKey(0x9e)
	// Two bytes queued before the CPU looks: each read re-arms the edge.
	m.kbd.SendScancode(0x30)
	m.kbd.SendScancode(0xb0)
	m.cpu.Service()

	if got, want := m.Keys(), []byte{0x1e, 0x9e, 0x30, 0xb0}; !bytes.Equal(got, want) {
		t.Fatalf("keys % x, want % x", got, want)
	}
	if got := m.Handled(1); got != 4 {
		t.Fatalf("keyboard handled %d times, want 4", got)
	}
}
