package chipset

import "testing"

func readI8042(t *testing.T, c *I8042, port uint16) byte {
	t.Helper()
	data := make([]byte, 1)
	if err := c.ReadIOPort(port, data); err != nil {
		t.Fatalf("read port %#x: %v", port, err)
	}
	return data[0]
}

func TestI8042SelfTest(t *testing.T) {
	line := &countingLine{}
	ctrl := NewI8042(line)

	if err := ctrl.WriteIOPort(i8042CommandPort, []byte{i8042CommandControllerTest}); err != nil {
		t.Fatalf("write self-test command failed: %v", err)
	}
	if readI8042(t, ctrl, i8042CommandPort)&i8042StatusOutputFull == 0 {
		t.Fatalf("expected output buffer full after self-test")
	}
	if got := readI8042(t, ctrl, i8042DataPort); got != i8042ResponseSelfTestOK {
		t.Fatalf("expected self-test OK (0x55), got 0x%02x", got)
	}
	if readI8042(t, ctrl, i8042CommandPort)&i8042StatusOutputFull != 0 {
		t.Fatalf("expected output buffer empty after read")
	}
	// Command responses do not interrupt.
	if line.rises != 0 {
		t.Fatalf("self-test raised IRQ 1 %d times", line.rises)
	}
}

func TestI8042CommandByteReadWrite(t *testing.T) {
	ctrl := NewI8042(nil)

	if err := ctrl.WriteIOPort(i8042CommandPort, []byte{i8042CommandWriteCommandByte}); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.WriteIOPort(i8042DataPort, []byte{0x45}); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.WriteIOPort(i8042CommandPort, []byte{i8042CommandReadCommandByte}); err != nil {
		t.Fatal(err)
	}
	if got := readI8042(t, ctrl, i8042DataPort); got != 0x45 {
		t.Fatalf("command byte 0x%02x, want 0x45", got)
	}
}

func TestI8042InterruptGeneration(t *testing.T) {
	line := &countingLine{}
	ctrl := NewI8042(line)

	ctrl.SendScancode(0x1e)
	ctrl.SendScancode(0x9e)
	if !line.level || line.rises != 1 {
		t.Fatalf("level %v rises %d after two scancodes", line.level, line.rises)
	}

	if got := readI8042(t, ctrl, i8042DataPort); got != 0x1e {
		t.Fatalf("first scancode 0x%02x", got)
	}
	// The second byte needs its own edge.
	if !line.level || line.rises != 2 {
		t.Fatalf("level %v rises %d after first read", line.level, line.rises)
	}
	if got := readI8042(t, ctrl, i8042DataPort); got != 0x9e {
		t.Fatalf("second scancode 0x%02x", got)
	}
	if line.level || ctrl.Pending() != 0 {
		t.Fatalf("line still high with %d bytes pending", ctrl.Pending())
	}
}

func TestI8042KeyboardDisabled(t *testing.T) {
	line := &countingLine{}
	ctrl := NewI8042(line)

	if err := ctrl.WriteIOPort(i8042CommandPort, []byte{i8042CommandDisableFirstPort}); err != nil {
		t.Fatal(err)
	}
	ctrl.SendScancode(0x1e)
	if ctrl.Pending() != 0 || line.rises != 0 {
		t.Fatalf("disabled keyboard queued %d bytes", ctrl.Pending())
	}

	if err := ctrl.WriteIOPort(i8042CommandPort, []byte{i8042CommandEnableFirstPort}); err != nil {
		t.Fatal(err)
	}
	ctrl.SendScancode(0x1e)
	if line.rises != 1 {
		t.Fatalf("%d rises after enabling", line.rises)
	}
}
