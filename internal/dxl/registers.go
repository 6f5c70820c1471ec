package dxl

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Access describes whether a control table entry can be written.
type Access uint8

const (
	ReadOnly Access = iota
	ReadWrite
)

func (a Access) String() string {
	if a == ReadWrite {
		return "RW"
	}
	return "R"
}

// Register is one entry of the AX-12 control table. Two-byte entries are
// little endian.
type Register struct {
	Name    string `json:"name"`
	Address byte   `json:"address"`
	Width   int    `json:"width"`
	Access  Access `json:"access"`
	EEPROM  bool   `json:"eeprom"` // survives power cycles
}

// AX-12 control table addresses.
const (
	RegModelNumber           byte = 0x00
	RegFirmwareVersion       byte = 0x02
	RegID                    byte = 0x03
	RegBaudRate              byte = 0x04
	RegReturnDelayTime       byte = 0x05
	RegCWAngleLimit          byte = 0x06
	RegCCWAngleLimit         byte = 0x08
	RegHighestLimitTemp      byte = 0x0B
	RegLowestLimitVoltage    byte = 0x0C
	RegHighestLimitVoltage   byte = 0x0D
	RegMaxTorque             byte = 0x0E
	RegStatusReturnLevel     byte = 0x10
	RegAlarmLED              byte = 0x11
	RegAlarmShutdown         byte = 0x12
	RegDownCalibration       byte = 0x14
	RegUpCalibration         byte = 0x16
	RegTorqueEnable          byte = 0x18
	RegLED                   byte = 0x19
	RegCWComplianceMargin    byte = 0x1A
	RegCCWComplianceMargin   byte = 0x1B
	RegCWComplianceSlope     byte = 0x1C
	RegCCWComplianceSlope    byte = 0x1D
	RegGoalPosition          byte = 0x1E
	RegMovingSpeed           byte = 0x20
	RegTorqueLimit           byte = 0x22
	RegPresentPosition       byte = 0x24
	RegPresentSpeed          byte = 0x26
	RegPresentLoad           byte = 0x28
	RegPresentVoltage        byte = 0x2A
	RegPresentTemperature    byte = 0x2B
	RegRegisteredInstruction byte = 0x2C
	RegMoving                byte = 0x2E
	RegLock                  byte = 0x2F
	RegPunch                 byte = 0x30
)

var registers = []Register{
	{"model_number", RegModelNumber, 2, ReadOnly, true},
	{"firmware_version", RegFirmwareVersion, 1, ReadOnly, true},
	{"id", RegID, 1, ReadWrite, true},
	{"baud_rate", RegBaudRate, 1, ReadWrite, true},
	{"return_delay_time", RegReturnDelayTime, 1, ReadWrite, true},
	{"cw_angle_limit", RegCWAngleLimit, 2, ReadWrite, true},
	{"ccw_angle_limit", RegCCWAngleLimit, 2, ReadWrite, true},
	{"highest_limit_temperature", RegHighestLimitTemp, 1, ReadWrite, true},
	{"lowest_limit_voltage", RegLowestLimitVoltage, 1, ReadWrite, true},
	{"highest_limit_voltage", RegHighestLimitVoltage, 1, ReadWrite, true},
	{"max_torque", RegMaxTorque, 2, ReadWrite, true},
	{"status_return_level", RegStatusReturnLevel, 1, ReadWrite, true},
	{"alarm_led", RegAlarmLED, 1, ReadWrite, true},
	{"alarm_shutdown", RegAlarmShutdown, 1, ReadWrite, true},
	{"down_calibration", RegDownCalibration, 2, ReadOnly, true},
	{"up_calibration", RegUpCalibration, 2, ReadOnly, true},
	{"torque_enable", RegTorqueEnable, 1, ReadWrite, false},
	{"led", RegLED, 1, ReadWrite, false},
	{"cw_compliance_margin", RegCWComplianceMargin, 1, ReadWrite, false},
	{"ccw_compliance_margin", RegCCWComplianceMargin, 1, ReadWrite, false},
	{"cw_compliance_slope", RegCWComplianceSlope, 1, ReadWrite, false},
	{"ccw_compliance_slope", RegCCWComplianceSlope, 1, ReadWrite, false},
	{"goal_position", RegGoalPosition, 2, ReadWrite, false},
	{"moving_speed", RegMovingSpeed, 2, ReadWrite, false},
	{"torque_limit", RegTorqueLimit, 2, ReadWrite, false},
	{"present_position", RegPresentPosition, 2, ReadOnly, false},
	{"present_speed", RegPresentSpeed, 2, ReadOnly, false},
	{"present_load", RegPresentLoad, 2, ReadOnly, false},
	{"present_voltage", RegPresentVoltage, 1, ReadOnly, false},
	{"present_temperature", RegPresentTemperature, 1, ReadOnly, false},
	{"registered_instruction", RegRegisteredInstruction, 1, ReadWrite, false},
	{"moving", RegMoving, 1, ReadOnly, false},
	{"lock", RegLock, 1, ReadWrite, false},
	{"punch", RegPunch, 2, ReadWrite, false},
}

var (
	registersByName = make(map[string]Register, len(registers))
	registersByAddr = make(map[byte]Register, len(registers))
)

func init() {
	for _, r := range registers {
		registersByName[r.Name] = r
		registersByAddr[r.Address] = r
	}
}

// Registers returns the control table in address order.
func Registers() []Register {
	out := make([]Register, len(registers))
	copy(out, registers)
	return out
}

// LookupRegister finds a register by name ("goal_position", case and
// dashes ignored) or by its start address ("0x1e", "30").
func LookupRegister(name string) (Register, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	if r, ok := registersByName[key]; ok {
		return r, nil
	}
	if n, err := strconv.ParseUint(key, 0, 8); err == nil {
		if r, ok := registersByAddr[byte(n)]; ok {
			return r, nil
		}
	}
	return Register{}, fmt.Errorf("%w: %q (known: %s)", ErrUnknownRegister, name, registerNames())
}

// RegisterAt returns the register starting at address.
func RegisterAt(address byte) (Register, bool) {
	r, ok := registersByAddr[address]
	return r, ok
}

func registerNames() string {
	names := make([]string, 0, len(registers))
	for _, r := range registers {
		names = append(names, r.Name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// Encode converts v to the register's little endian wire form.
func (r Register) Encode(v int) ([]byte, error) {
	switch r.Width {
	case 1:
		if v < 0 || v > 0xFF {
			return nil, fmt.Errorf("%w: %s takes 0..255, got %d", ErrByteRange, r.Name, v)
		}
		return []byte{byte(v)}, nil
	default:
		if v < 0 || v > 0xFFFF {
			return nil, fmt.Errorf("%w: %s takes 0..65535, got %d", ErrByteRange, r.Name, v)
		}
		return []byte{byte(v), byte(v >> 8)}, nil
	}
}

// Decode converts raw register bytes to an integer.
func (r Register) Decode(b []byte) (int, error) {
	if len(b) != r.Width {
		return 0, fmt.Errorf("%w: %s is %d bytes, got %d", ErrParamCount, r.Name, r.Width, len(b))
	}
	if r.Width == 1 {
		return int(b[0]), nil
	}
	return int(b[0]) | int(b[1])<<8, nil
}
