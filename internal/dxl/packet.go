package dxl

import (
	"fmt"
	"strings"
)

// Wire layout of every frame:
//
//	+----+----+--+------+-------+--------+
//	|0xFF|0xFF|ID|LENGTH|PAYLOAD|CHECKSUM|
//	+----+----+--+------+-------+--------+
//
// LENGTH is len(PAYLOAD)+1.
const (
	headerByte = 0xFF

	// BroadcastID addresses every servo on the bus. Servos never reply
	// to it and never use it as a reply source.
	BroadcastID = 0xFE
	// MaxServoID is the highest id a servo can answer from.
	MaxServoID = 0xFD

	// MinFrameSize is header(2) + id + length + one payload byte + checksum.
	MinFrameSize = 6
	// MaxFrameSize is the largest frame a one-byte length field allows.
	MaxFrameSize = 4 + 0xFF

	maxPayload = 0xFF - 1
)

// Packet is a decoded frame: an id and its payload. For instructions the
// payload starts with the opcode, for status replies with the error byte.
type Packet struct {
	ID       byte
	Payload  []byte
	Checksum byte
}

// Length is the value of the frame's LENGTH byte.
func (p *Packet) Length() byte { return byte(len(p.Payload) + 1) }

// Bytes re-encodes the packet.
func (p *Packet) Bytes() []byte {
	b, _ := Encode(p.ID, p.Payload)
	return b
}

func (p *Packet) String() string { return HexString(p.Bytes()) }

// Encode builds the full frame for id and payload.
func Encode(id byte, payload []byte) ([]byte, error) {
	if id > BroadcastID {
		return nil, fmt.Errorf("%w: 0x%02X (should be in 0x00..0xFE)", ErrInvalidID, id)
	}
	if len(payload) == 0 || len(payload) > maxPayload {
		return nil, fmt.Errorf("%w: payload of %d bytes (should be 1..%d)", ErrParamCount, len(payload), maxPayload)
	}
	frame := make([]byte, 0, len(payload)+5)
	frame = append(frame, headerByte, headerByte, id, byte(len(payload)+1))
	frame = append(frame, payload...)
	frame = append(frame, checksum(frame[2:]))
	return frame, nil
}

// Decode validates frame and splits it into its fields. The checks run in
// a fixed order: size, header, length byte, checksum, id. A frame with a
// bad length byte therefore never reports a checksum mismatch.
func Decode(frame []byte) (*Packet, error) {
	if len(frame) < MinFrameSize {
		return nil, malformed(ErrShortPacket, frame)
	}
	if frame[0] != headerByte || frame[1] != headerByte {
		return nil, malformed(ErrBadHeader, frame)
	}
	if int(frame[3]) != len(frame)-4 {
		return nil, malformed(ErrBadLength, frame)
	}
	last := len(frame) - 1
	if checksum(frame[2:last]) != frame[last] {
		return nil, malformed(ErrBadChecksum, frame)
	}
	if frame[2] > BroadcastID {
		return nil, malformed(ErrInvalidID, frame)
	}
	payload := make([]byte, last-4)
	copy(payload, frame[4:last])
	return &Packet{ID: frame[2], Payload: payload, Checksum: frame[last]}, nil
}

// ToBytes converts the accepted byte-like shapes into a fresh byte slice:
// byte, int, []byte and []int. Integers must lie in 0x00..0xFF.
func ToBytes(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return []byte{}, nil
	case byte:
		return []byte{t}, nil
	case int:
		if t < 0 || t > 0xFF {
			return nil, fmt.Errorf("%w: %d", ErrByteRange, t)
		}
		return []byte{byte(t)}, nil
	case []byte:
		out := make([]byte, len(t))
		copy(out, t)
		return out, nil
	case []int:
		out := make([]byte, len(t))
		for i, n := range t {
			if n < 0 || n > 0xFF {
				return nil, fmt.Errorf("%w: element %d is %d", ErrByteRange, i, n)
			}
			out[i] = byte(n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

// HexString formats b as lowercase space separated hex, e.g. "ff ff 01 02 01 fb".
func HexString(b []byte) string {
	var sb strings.Builder
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", v)
	}
	return sb.String()
}
