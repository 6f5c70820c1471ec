package dxl

import (
	"errors"
	"fmt"
	"strings"
)

// Construction-time errors. These are caller programming errors and are
// always returned before any byte reaches the channel.
var (
	ErrInvalidID          = errors.New("invalid servo id")
	ErrUnknownInstruction = errors.New("unknown instruction")
	ErrParamCount         = errors.New("wrong number of parameters")
	ErrByteRange          = errors.New("value out of byte range")
	ErrUnsupportedType    = errors.New("unsupported byte sequence type")
	ErrUnknownRegister    = errors.New("unknown register")
	ErrReadOnly           = errors.New("register is read-only")
)

// Malformed-packet errors. Every decode failure is a *PacketError that
// matches ErrMalformed as well as its specific reason.
var (
	ErrMalformed   = errors.New("malformed packet")
	ErrShortPacket = errors.New("incomplete packet")
	ErrBadHeader   = errors.New("wrong header")
	ErrBadLength   = errors.New("wrong length")
	ErrBadChecksum = errors.New("wrong checksum")
)

var (
	// ErrNoReply is returned by accessors that need a value when the
	// servo did not answer. Send itself reports a missing reply as a nil
	// status with a nil error.
	ErrNoReply = errors.New("no reply")
	// ErrClosed is returned when a Connection is used after Close.
	ErrClosed = errors.New("connection closed")
)

// PacketError describes a received frame that failed validation.
type PacketError struct {
	Reason error
	Frame  []byte
}

func (e *PacketError) Error() string {
	return fmt.Sprintf("dxl: %v: % X", e.Reason, e.Frame)
}

// Unwrap exposes the specific reason.
func (e *PacketError) Unwrap() error { return e.Reason }

// Is makes every PacketError match ErrMalformed.
func (e *PacketError) Is(target error) bool { return target == ErrMalformed }

func malformed(reason error, frame []byte) error {
	f := make([]byte, len(frame))
	copy(f, frame)
	return &PacketError{Reason: reason, Frame: f}
}

// Fault is one or more of the error bits a servo reports in its status
// packet. A single-bit Fault is itself an error so callers can test for a
// specific condition with errors.Is.
type Fault byte

const (
	FaultInputVoltage Fault = 1 << 0
	FaultAngleLimit   Fault = 1 << 1
	FaultOverheating  Fault = 1 << 2
	FaultRange        Fault = 1 << 3
	FaultChecksum     Fault = 1 << 4
	FaultOverload     Fault = 1 << 5
	FaultInstruction  Fault = 1 << 6
)

// faultPriority is the order in which simultaneous faults are reported.
// The vendor does not document any ordering.
var faultPriority = [...]Fault{
	FaultInstruction,
	FaultOverload,
	FaultChecksum,
	FaultRange,
	FaultOverheating,
	FaultAngleLimit,
	FaultInputVoltage,
}

var faultNames = map[Fault]string{
	FaultInputVoltage: "input voltage",
	FaultAngleLimit:   "angle limit",
	FaultOverheating:  "overheating",
	FaultRange:        "range",
	FaultChecksum:     "instruction checksum",
	FaultOverload:     "overload",
	FaultInstruction:  "instruction",
}

// Has reports whether all bits of f2 are set in f.
func (f Fault) Has(f2 Fault) bool { return f&f2 == f2 }

// Primary returns the highest priority fault set in f, or 0.
func (f Fault) Primary() Fault {
	for _, p := range faultPriority {
		if f.Has(p) {
			return p
		}
	}
	return 0
}

// List returns the set faults in priority order.
func (f Fault) List() []Fault {
	var out []Fault
	for _, p := range faultPriority {
		if f.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// Retryable reports whether resending the same instruction may succeed.
// Only an instruction checksum fault (line noise) qualifies; overheating,
// overload and the others need the caller to change something first.
func (f Fault) Retryable() bool {
	return f.Primary() == FaultChecksum
}

func (f Fault) String() string {
	if f == 0 {
		return "none"
	}
	names := make([]string, 0, 7)
	for _, p := range f.List() {
		names = append(names, faultNames[p])
	}
	if rest := f &^ 0x7F; rest != 0 {
		names = append(names, fmt.Sprintf("reserved(0x%02X)", byte(rest)))
	}
	return strings.Join(names, ", ")
}

func (f Fault) Error() string {
	return fmt.Sprintf("%s error", f.String())
}

// DeviceError is returned when a servo answers with one or more fault bits
// set. Unwrap yields the primary fault so errors.Is(err, FaultOverload)
// matches exactly when overload is the reported condition.
type DeviceError struct {
	ID     byte
	Faults Fault
	Status *StatusPacket
}

func (e *DeviceError) Error() string {
	if len(e.Faults.List()) > 1 {
		return fmt.Sprintf("dxl: servo %d reported %v (all: %s)", e.ID, e.Faults.Primary(), e.Faults)
	}
	return fmt.Sprintf("dxl: servo %d reported %v", e.ID, e.Faults.Primary())
}

// Unwrap returns the primary fault.
func (e *DeviceError) Unwrap() error { return e.Faults.Primary() }

// IsRetryable reports whether err is worth retrying as-is: an instruction
// checksum fault, or a malformed reply that may have been read before it
// fully arrived.
func IsRetryable(err error) bool {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Faults.Retryable()
	}
	return errors.Is(err, ErrMalformed)
}
