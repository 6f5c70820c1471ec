package dxl

// StatusPacket is a servo's reply to an instruction:
//
//	+----+----+--+------+-----+----------+---+-----------+--------+
//	|0xFF|0xFF|ID|LENGTH|ERROR|PARAMETER1|...|PARAMETER N|CHECKSUM|
//	+----+----+--+------+-----+----------+---+-----------+--------+
type StatusPacket struct {
	ID     byte
	Error  byte
	Params []byte
}

// Faults returns the fault bits of the error byte.
func (s *StatusPacket) Faults() Fault { return Fault(s.Error) & 0x7F }

// Bytes re-encodes the status frame.
func (s *StatusPacket) Bytes() []byte {
	payload := make([]byte, 0, len(s.Params)+1)
	payload = append(payload, s.Error)
	payload = append(payload, s.Params...)
	b, _ := Encode(s.ID, payload)
	return b
}

func (s *StatusPacket) String() string { return HexString(s.Bytes()) }

// ParseStatus validates a raw reply: header, length, checksum, id (which
// must be a servo id, never broadcast) and finally the error byte. When
// fault bits are set the decoded status is still returned inside a
// *DeviceError.
func ParseStatus(frame []byte) (*StatusPacket, error) {
	p, err := Decode(frame)
	if err != nil {
		return nil, err
	}
	if p.ID > MaxServoID {
		return nil, malformed(ErrInvalidID, frame)
	}
	s := &StatusPacket{ID: p.ID, Error: p.Payload[0], Params: p.Payload[1:]}
	if f := s.Faults(); f != 0 {
		return nil, &DeviceError{ID: s.ID, Faults: f, Status: s}
	}
	return s, nil
}
