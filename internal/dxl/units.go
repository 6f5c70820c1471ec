package dxl

import (
	"fmt"
	"math"
)

// Position limits of the AX-12 in raw units.
const (
	MinPosition = 0
	MaxPosition = 1023
	// MaxSpeed is the largest moving_speed value; 0 means full speed.
	MaxSpeed = 1023
)

// AngleToDegrees converts a raw position (0..1023) to degrees in
// -150..+150, rounded to one decimal. 0 is fully clockwise.
func AngleToDegrees(pos int) float64 {
	return math.Round((float64(pos)/1023*300-150)*10) / 10
}

// DegreesToAngle converts degrees in -150..+150 to a raw position.
func DegreesToAngle(deg float64) (int, error) {
	if deg < -150 || deg > 150 || math.IsNaN(deg) {
		return 0, fmt.Errorf("%w: %.1f degrees (should be in -150..150)", ErrByteRange, deg)
	}
	return int(math.Floor((deg + 150) / 300 * 1023)), nil
}

// BaudRateByte returns the baud_rate register value for bps, using
// bps = 2000000 / (value + 1).
func BaudRateByte(bps int) (byte, error) {
	if bps < 7844 || bps > 1000000 {
		return 0, fmt.Errorf("%w: %d bps (should be in 7844..1000000)", ErrByteRange, bps)
	}
	v := math.Round(2000000/float64(bps)) - 1
	return byte(v), nil
}

// BaudRateFromByte is the inverse of BaudRateByte.
func BaudRateFromByte(v byte) int {
	return 2000000 / (int(v) + 1)
}

// LoadPercent converts a present_load reading to a signed percentage of
// max torque. Bit 10 is the direction (set means clockwise).
func LoadPercent(raw int) float64 {
	pct := float64(raw&0x3FF) / 1023 * 100
	if raw&0x400 != 0 {
		pct = -pct
	}
	return math.Round(pct*10) / 10
}

// Volts converts a present_voltage reading (tenths of a volt).
func Volts(raw int) float64 { return float64(raw) / 10 }
