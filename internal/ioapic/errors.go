package ioapic

import (
	"errors"
	"fmt"
)

// FatalKind enumerates the conditions that stop bring-up.
type FatalKind int

const (
	RoutingCapacityExhausted FatalKind = iota + 1
	VectorSpaceExhausted
	TimerBringupFailed
)

func (k FatalKind) String() string {
	switch k {
	case RoutingCapacityExhausted:
		return "routing capacity exhausted"
	case VectorSpaceExhausted:
		return "vector space exhausted"
	case TimerBringupFailed:
		return "timer bring-up failed"
	default:
		return fmt.Sprintf("FatalKind(%d)", int(k))
	}
}

var (
	ErrRoutingCapacityExhausted = &FatalError{Kind: RoutingCapacityExhausted}
	ErrVectorSpaceExhausted     = &FatalError{Kind: VectorSpaceExhausted}
	ErrTimerBringupFailed       = &FatalError{Kind: TimerBringupFailed}
)

// FatalError is a condition after which the subsystem cannot deliver
// correct service.
type FatalError struct {
	Kind   FatalKind
	Reason string
}

func (e *FatalError) Error() string {
	if e.Reason == "" {
		return "ioapic: " + e.Kind.String()
	}
	return fmt.Sprintf("ioapic: %s: %s", e.Kind, e.Reason)
}

// Is matches any FatalError of the same kind.
func (e *FatalError) Is(target error) bool {
	t, ok := target.(*FatalError)
	return ok && t.Kind == e.Kind
}

func fatalf(kind FatalKind, format string, args ...any) error {
	return &FatalError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// WarningKind enumerates recoverable conditions.
type WarningKind int

const (
	MalformedFirmwareEntry WarningKind = iota + 1
	HardwareAckMismatch
)

func (k WarningKind) String() string {
	switch k {
	case MalformedFirmwareEntry:
		return "malformed firmware entry"
	case HardwareAckMismatch:
		return "hardware mismatch"
	default:
		return fmt.Sprintf("WarningKind(%d)", int(k))
	}
}

// Warning records a recoverable condition. Processing continues with a
// conservative default.
type Warning struct {
	Kind    WarningKind
	Message string
}

func (w *Warning) Error() string {
	return fmt.Sprintf("ioapic: %s: %s", w.Kind, w.Message)
}

// Halter stops the machine. It is the only consumer of fatal errors.
type Halter interface {
	Halt(reason string)
}

// HalterFunc adapts a function to Halter.
type HalterFunc func(reason string)

// Halt implements Halter.
func (f HalterFunc) Halt(reason string) {
	if f != nil {
		f(reason)
	}
}

// Halt translates a fatal bring-up error into a halt. Non-fatal errors and
// nil are returned unchanged so the caller can handle them.
func Halt(h Halter, err error) error {
	var fe *FatalError
	if !errors.As(err, &fe) {
		return err
	}
	h.Halt(fe.Error())
	return nil
}
