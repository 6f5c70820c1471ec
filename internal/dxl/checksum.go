package dxl

import "fmt"

// ComputeChecksum returns the protocol checksum of b, which holds the
// bytes from the id up to the last payload byte:
//
//	[ID][LENGTH][PAYLOAD...]
//
// The checksum is the complement of the byte sum, low byte only. The
// length byte is checked against len(b) before summing so a corrupted
// length is never reported as a checksum failure.
func ComputeChecksum(b []byte) (byte, error) {
	if len(b) < 3 {
		return 0, fmt.Errorf("%w: checksum needs at least 3 bytes, got %d", ErrShortPacket, len(b))
	}
	if b[0] > BroadcastID {
		return 0, fmt.Errorf("%w: 0x%02X", ErrInvalidID, b[0])
	}
	if int(b[1]) != len(b)-1 {
		return 0, fmt.Errorf("%w: length byte %d, want %d", ErrBadLength, b[1], len(b)-1)
	}
	return checksum(b), nil
}

// VerifyChecksum checks a received checksum byte against the checksum of b.
func VerifyChecksum(b []byte, got byte) error {
	want, err := ComputeChecksum(b)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: got 0x%02X, want 0x%02X", ErrBadChecksum, got, want)
	}
	return nil
}

func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return ^sum
}
