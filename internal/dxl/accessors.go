package dxl

import (
	"fmt"
)

// ReadRegister reads one control table entry by name.
func (c *Connection) ReadRegister(id byte, name string) (int, error) {
	r, err := LookupRegister(name)
	if err != nil {
		return 0, err
	}
	return c.readReg(id, r)
}

// WriteRegister writes one control table entry by name.
func (c *Connection) WriteRegister(id byte, name string, v int) error {
	r, err := LookupRegister(name)
	if err != nil {
		return err
	}
	return c.writeReg(id, r, v)
}

func (c *Connection) readReg(id byte, r Register) (int, error) {
	data, err := c.ReadData(id, r.Address, byte(r.Width))
	if err != nil {
		return 0, err
	}
	if data == nil {
		return 0, fmt.Errorf("dxl: read %s from servo %d: %w", r.Name, id, ErrNoReply)
	}
	return r.Decode(data)
}

func (c *Connection) writeReg(id byte, r Register, v int) error {
	if r.Access != ReadWrite {
		return fmt.Errorf("%w: %s", ErrReadOnly, r.Name)
	}
	data, err := r.Encode(v)
	if err != nil {
		return err
	}
	return c.WriteData(id, r.Address, data)
}

func (c *Connection) readAt(id, address byte) (int, error) {
	r, _ := RegisterAt(address)
	return c.readReg(id, r)
}

func (c *Connection) writeAt(id, address byte, v int) error {
	r, _ := RegisterAt(address)
	return c.writeReg(id, r, v)
}

// RegisterValue is one decoded entry of a control table dump.
type RegisterValue struct {
	Register
	Value int `json:"value"`
}

// DumpControlTable reads the whole control table of one servo in a single
// transaction.
func (c *Connection) DumpControlTable(id byte) ([]RegisterValue, error) {
	last := registers[len(registers)-1]
	size := int(last.Address) + last.Width
	data, err := c.ReadData(id, 0, byte(size))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("dxl: dump servo %d: %w", id, ErrNoReply)
	}
	if len(data) < size {
		return nil, fmt.Errorf("%w: control table dump is %d bytes, want %d", ErrParamCount, len(data), size)
	}
	out := make([]RegisterValue, 0, len(registers))
	for _, r := range registers {
		v, err := r.Decode(data[r.Address : int(r.Address)+r.Width])
		if err != nil {
			return nil, err
		}
		out = append(out, RegisterValue{Register: r, Value: v})
	}
	return out, nil
}

// ============================================================================
// Typed helpers
// ============================================================================

// ModelNumber returns the servo model (12 for an AX-12).
func (c *Connection) ModelNumber(id byte) (int, error) { return c.readAt(id, RegModelNumber) }

func (c *Connection) FirmwareVersion(id byte) (int, error) {
	return c.readAt(id, RegFirmwareVersion)
}

// PresentPosition returns the current position in raw units (0..1023).
func (c *Connection) PresentPosition(id byte) (int, error) {
	return c.readAt(id, RegPresentPosition)
}

// PresentPositionDegrees returns the current position in degrees.
func (c *Connection) PresentPositionDegrees(id byte) (float64, error) {
	pos, err := c.PresentPosition(id)
	if err != nil {
		return 0, err
	}
	return AngleToDegrees(pos), nil
}

func (c *Connection) PresentSpeed(id byte) (int, error) { return c.readAt(id, RegPresentSpeed) }

func (c *Connection) PresentLoad(id byte) (int, error) { return c.readAt(id, RegPresentLoad) }

// PresentVoltage returns the supply voltage in volts.
func (c *Connection) PresentVoltage(id byte) (float64, error) {
	raw, err := c.readAt(id, RegPresentVoltage)
	if err != nil {
		return 0, err
	}
	return Volts(raw), nil
}

// PresentTemperature returns the internal temperature in degrees Celsius.
func (c *Connection) PresentTemperature(id byte) (int, error) {
	return c.readAt(id, RegPresentTemperature)
}

func (c *Connection) IsMoving(id byte) (bool, error) {
	v, err := c.readAt(id, RegMoving)
	return v != 0, err
}

func (c *Connection) SetGoalPosition(id byte, pos int) error {
	if pos < MinPosition || pos > MaxPosition {
		return fmt.Errorf("%w: position %d (should be in %d..%d)", ErrByteRange, pos, MinPosition, MaxPosition)
	}
	return c.writeAt(id, RegGoalPosition, pos)
}

func (c *Connection) SetMovingSpeed(id byte, speed int) error {
	if speed < 0 || speed > MaxSpeed {
		return fmt.Errorf("%w: speed %d (should be in 0..%d)", ErrByteRange, speed, MaxSpeed)
	}
	return c.writeAt(id, RegMovingSpeed, speed)
}

func (c *Connection) SetTorqueEnable(id byte, on bool) error {
	return c.writeAt(id, RegTorqueEnable, boolByte(on))
}

func (c *Connection) SetLED(id byte, on bool) error {
	return c.writeAt(id, RegLED, boolByte(on))
}

// SetID changes a servo's id. The new id is stored in EEPROM.
func (c *Connection) SetID(id, newID byte) error {
	if newID > MaxServoID {
		return fmt.Errorf("%w: new id 0x%02X (should be in 0x00..0xFD)", ErrInvalidID, newID)
	}
	return c.writeAt(id, RegID, int(newID))
}

// SetBaudRate changes a servo's baud rate. The port must be reopened at
// the new rate afterwards.
func (c *Connection) SetBaudRate(id byte, bps int) error {
	v, err := BaudRateByte(bps)
	if err != nil {
		return err
	}
	return c.writeAt(id, RegBaudRate, int(v))
}

// SetReturnDelayTime sets the delay before a servo answers, in
// microseconds (0..508, 2µs steps).
func (c *Connection) SetReturnDelayTime(id byte, usec int) error {
	if usec < 0 || usec > 508 {
		return fmt.Errorf("%w: return delay %dµs (should be in 0..508)", ErrByteRange, usec)
	}
	return c.writeAt(id, RegReturnDelayTime, usec/2)
}

// SetAngleLimits sets the clockwise and counter clockwise limits. Both at
// zero puts the servo in endless turn mode.
func (c *Connection) SetAngleLimits(id byte, cw, ccw int) error {
	if cw < MinPosition || cw > MaxPosition || ccw < MinPosition || ccw > MaxPosition {
		return fmt.Errorf("%w: angle limits %d..%d", ErrByteRange, cw, ccw)
	}
	return c.WriteData(id, RegCWAngleLimit, []byte{byte(cw), byte(cw >> 8), byte(ccw), byte(ccw >> 8)})
}

// Goto moves a servo to pos at speed (raw units) with one write covering
// goal_position and moving_speed.
func (c *Connection) Goto(id byte, pos, speed int) error {
	if pos < MinPosition || pos > MaxPosition {
		return fmt.Errorf("%w: position %d (should be in %d..%d)", ErrByteRange, pos, MinPosition, MaxPosition)
	}
	if speed < 0 || speed > MaxSpeed {
		return fmt.Errorf("%w: speed %d (should be in 0..%d)", ErrByteRange, speed, MaxSpeed)
	}
	return c.WriteData(id, RegGoalPosition, []byte{byte(pos), byte(pos >> 8), byte(speed), byte(speed >> 8)})
}

// GotoDegrees is Goto with the position in degrees (-150..150).
func (c *Connection) GotoDegrees(id byte, deg float64, speed int) error {
	pos, err := DegreesToAngle(deg)
	if err != nil {
		return err
	}
	return c.Goto(id, pos, speed)
}

func boolByte(b bool) int {
	if b {
		return 1
	}
	return 0
}
