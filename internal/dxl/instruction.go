package dxl

import (
	"fmt"
	"sort"
	"strings"
)

// Instruction is an instruction packet opcode.
type Instruction byte

const (
	Ping      Instruction = 0x01
	ReadData  Instruction = 0x02
	WriteData Instruction = 0x03
	RegWrite  Instruction = 0x04
	Action    Instruction = 0x05
	Reset     Instruction = 0x06
	SyncWrite Instruction = 0x83
)

// MaxParams is the largest parameter count accepted for the variable
// length instructions.
const MaxParams = 0xFF - 6

type paramRange struct {
	name     string
	min, max int
}

// instructions is never modified after package initialisation.
var instructions = map[Instruction]paramRange{
	Ping:      {"PING", 0, 0},
	ReadData:  {"READ_DATA", 2, 2},
	WriteData: {"WRITE_DATA", 2, MaxParams},
	RegWrite:  {"REG_WRITE", 2, MaxParams},
	Action:    {"ACTION", 0, 0},
	Reset:     {"RESET", 0, 0},
	SyncWrite: {"SYNC_WRITE", 4, MaxParams},
}

// Valid reports whether i is a known opcode.
func (i Instruction) Valid() bool {
	_, ok := instructions[i]
	return ok
}

// ParamRange returns the inclusive parameter count range of i.
func (i Instruction) ParamRange() (min, max int, ok bool) {
	r, ok := instructions[i]
	return r.min, r.max, ok
}

func (i Instruction) String() string {
	if r, ok := instructions[i]; ok {
		return r.name
	}
	return fmt.Sprintf("INSTRUCTION(0x%02X)", byte(i))
}

func knownInstructions() string {
	codes := make([]int, 0, len(instructions))
	for i := range instructions {
		codes = append(codes, int(i))
	}
	sort.Ints(codes)
	parts := make([]string, len(codes))
	for n, c := range codes {
		parts[n] = fmt.Sprintf("%02x", c)
	}
	return strings.Join(parts, ",")
}

// InstructionPacket is a validated, encoded request frame. It is immutable
// once built.
type InstructionPacket struct {
	id     byte
	op     Instruction
	params []byte
	frame  []byte
}

// NewInstruction validates id, op and the parameter count for op and
// builds the frame.
func NewInstruction(id byte, op Instruction, params []byte) (*InstructionPacket, error) {
	if id > BroadcastID {
		return nil, fmt.Errorf("%w: 0x%02X (should be in 0x00..0xFE)", ErrInvalidID, id)
	}
	r, ok := instructions[op]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02X (should be in %s)", ErrUnknownInstruction, byte(op), knownInstructions())
	}
	if len(params) < r.min || len(params) > r.max {
		return nil, fmt.Errorf("%w: %s takes %d..%d parameters, got %d", ErrParamCount, r.name, r.min, r.max, len(params))
	}
	payload := make([]byte, 0, len(params)+1)
	payload = append(payload, byte(op))
	payload = append(payload, params...)
	frame, err := Encode(id, payload)
	if err != nil {
		return nil, err
	}
	return &InstructionPacket{id: id, op: op, params: payload[1:], frame: frame}, nil
}

// NewInstructionFrom is NewInstruction for parameters given in any shape
// ToBytes accepts.
func NewInstructionFrom(id int, op Instruction, params interface{}) (*InstructionPacket, error) {
	if id < 0 || id > BroadcastID {
		return nil, fmt.Errorf("%w: %d (should be in 0..254)", ErrInvalidID, id)
	}
	b, err := ToBytes(params)
	if err != nil {
		return nil, err
	}
	return NewInstruction(byte(id), op, b)
}

// ID is the target servo id.
func (p *InstructionPacket) ID() byte { return p.id }

// Instruction is the opcode.
func (p *InstructionPacket) Instruction() Instruction { return p.op }

// Params returns a copy of the parameters.
func (p *InstructionPacket) Params() []byte {
	out := make([]byte, len(p.params))
	copy(out, p.params)
	return out
}

// Checksum is the frame's last byte.
func (p *InstructionPacket) Checksum() byte { return p.frame[len(p.frame)-1] }

// Bytes returns a copy of the encoded frame.
func (p *InstructionPacket) Bytes() []byte {
	out := make([]byte, len(p.frame))
	copy(out, p.frame)
	return out
}

// IsBroadcast reports whether the packet targets every servo.
func (p *InstructionPacket) IsBroadcast() bool { return p.id == BroadcastID }

func (p *InstructionPacket) String() string { return HexString(p.frame) }
