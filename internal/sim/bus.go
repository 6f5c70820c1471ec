// Package sim provides a virtual AX-12 bus for development and testing.
// A Bus satisfies dxl.Channel, so a dxl.Connection can drive simulated
// servos exactly as it drives a serial port.
package sim

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/shaunagostinho/goax12/internal/dxl"
)

// ErrClosed is returned by I/O on a closed Bus.
var ErrClosed = errors.New("sim: bus closed")

// tick is the simulated time that passes per received instruction.
const tick = 0.05

// Bus is a half-duplex virtual bus with any number of servos attached.
type Bus struct {
	mu      sync.Mutex
	servos  map[byte]*Servo
	rx      bytes.Buffer // bytes waiting for the host
	closed  bool
	corrupt int // replies left to corrupt
	frames  int
}

// NewBus creates a bus with factory-default servos at ids.
func NewBus(ids ...byte) *Bus {
	b := &Bus{servos: make(map[byte]*Servo)}
	for _, id := range ids {
		b.Attach(NewServo(id))
	}
	return b
}

// Attach connects s to the bus, replacing any servo with the same id.
func (b *Bus) Attach(s *Servo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.servos[s.ID()] = s
}

// Servo returns the attached servo with id.
func (b *Bus) Servo(id byte) (*Servo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.servos[id]
	return s, ok
}

// IDs lists the attached servo ids in ascending order.
func (b *Bus) IDs() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, 0, len(b.servos))
	for id := range b.servos {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CorruptReplies makes the next n replies carry a wrong checksum.
func (b *Bus) CorruptReplies(n int) {
	b.mu.Lock()
	b.corrupt = n
	b.mu.Unlock()
}

// Frames returns how many instruction frames the bus has received.
func (b *Bus) Frames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frames
}

func (b *Bus) ResetInputBuffer() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.rx.Reset()
	return nil
}

// Read returns buffered reply bytes. With nothing buffered it returns
// 0, nil like a serial port whose read timed out.
func (b *Bus) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	if b.rx.Len() == 0 {
		return 0, nil
	}
	return b.rx.Read(p)
}

// Write delivers one instruction frame to every servo.
func (b *Bus) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	b.frames++
	for _, s := range b.servos {
		s.step(tick)
	}
	reply := b.dispatch(p)
	if reply != nil {
		if b.corrupt > 0 {
			b.corrupt--
			reply[len(reply)-1] ^= 0xFF
		}
		b.rx.Write(reply)
	}
	return len(p), nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.rx.Reset()
	return nil
}

// dispatch returns the reply frame for p, or nil.
func (b *Bus) dispatch(p []byte) []byte {
	pkt, err := dxl.Decode(p)
	if err != nil {
		// A servo that can still read its id answers a checksum error.
		var pe *dxl.PacketError
		if errors.As(err, &pe) && errors.Is(pe.Reason, dxl.ErrBadChecksum) {
			if s, ok := b.servos[p[2]]; ok && !s.silent {
				return s.statusFrom(s.ID(), dxl.FaultChecksum, nil)
			}
		}
		return nil
	}

	op := dxl.Instruction(pkt.Payload[0])
	params := pkt.Payload[1:]

	if op == dxl.SyncWrite {
		b.syncWrite(params)
		return nil
	}
	if pkt.ID == dxl.BroadcastID {
		all := make([]*Servo, 0, len(b.servos))
		for _, s := range b.servos {
			all = append(all, s)
		}
		b.servos = make(map[byte]*Servo, len(all))
		for _, s := range all {
			s.handle(op, params)
			b.servos[s.ID()] = s
		}
		return nil
	}
	s, ok := b.servos[pkt.ID]
	if !ok || s.silent {
		return nil
	}
	fault, data := s.handle(op, params)
	if s.ID() != pkt.ID {
		delete(b.servos, pkt.ID)
		b.servos[s.ID()] = s
	}
	if !s.replies(op) {
		return nil
	}
	// A servo that just changed id still answers from the old one.
	return s.statusFrom(pkt.ID, fault, data)
}

func (b *Bus) syncWrite(params []byte) {
	if len(params) < 4 {
		return
	}
	addr, size := params[0], int(params[1])
	body := params[2:]
	if size == 0 || len(body)%(size+1) != 0 {
		return
	}
	for i := 0; i < len(body); i += size + 1 {
		if s, ok := b.servos[body[i]]; ok {
			s.write(addr, body[i+1:i+1+size])
		}
	}
}

// Servo is one simulated AX-12.
type Servo struct {
	table      [0x32]byte
	injected   dxl.Fault
	silent     bool
	registered []byte // pending REG_WRITE params
	pos        float64
	temp       float64
}

// factory is the AX-12 control table after a reset, with id 1.
var factory = [0x32]byte{
	dxl.RegModelNumber:         12,
	dxl.RegFirmwareVersion:     24,
	dxl.RegID:                  1,
	dxl.RegBaudRate:            1,
	dxl.RegReturnDelayTime:     250,
	dxl.RegCCWAngleLimit:       0xFF,
	dxl.RegCCWAngleLimit + 1:   0x03,
	dxl.RegHighestLimitTemp:    70,
	dxl.RegLowestLimitVoltage:  60,
	dxl.RegHighestLimitVoltage: 140,
	dxl.RegMaxTorque:           0xFF,
	dxl.RegMaxTorque + 1:       0x03,
	dxl.RegStatusReturnLevel:   2,
	dxl.RegAlarmLED:            0x24,
	dxl.RegAlarmShutdown:       0x24,
	dxl.RegCWComplianceMargin:  1,
	dxl.RegCCWComplianceMargin: 1,
	dxl.RegCWComplianceSlope:   32,
	dxl.RegCCWComplianceSlope:  32,
	dxl.RegTorqueLimit:         0xFF,
	dxl.RegTorqueLimit + 1:     0x03,
	dxl.RegPunch:               32,
}

// NewServo returns a servo with the factory control table and id.
func NewServo(id byte) *Servo {
	s := &Servo{}
	s.reset()
	s.table[dxl.RegID] = id
	return s
}

func (s *Servo) reset() {
	s.table = factory
	s.pos = 512
	s.temp = 32
	s.registered = nil
	s.setWord(dxl.RegGoalPosition, int(s.pos))
	s.sync()
}

func (s *Servo) ID() byte { return s.table[dxl.RegID] }

// InjectFault makes every reply from id carry f until cleared with 0.
func (b *Bus) InjectFault(id byte, f dxl.Fault) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.servos[id]; ok {
		s.injected = f
	}
}

// SetSilent stops the servo at id from answering anything.
func (b *Bus) SetSilent(id byte, silent bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.servos[id]; ok {
		s.silent = silent
	}
}

// Word returns the two-byte value at address.
func (s *Servo) Word(address byte) int {
	return int(s.table[address]) | int(s.table[address+1])<<8
}

// Byte returns the value at address.
func (s *Servo) Byte(address byte) byte { return s.table[address] }

func (s *Servo) setWord(address byte, v int) {
	s.table[address] = byte(v)
	s.table[address+1] = byte(v >> 8)
}

// replies applies the status return level: 0 answers pings only, 1 adds
// reads, 2 answers everything.
func (s *Servo) replies(op dxl.Instruction) bool {
	switch s.table[dxl.RegStatusReturnLevel] {
	case 0:
		return op == dxl.Ping
	case 1:
		return op == dxl.Ping || op == dxl.ReadData
	default:
		return true
	}
}

func (s *Servo) statusFrom(id byte, f dxl.Fault, data []byte) []byte {
	payload := make([]byte, 0, len(data)+1)
	payload = append(payload, byte(f|s.injected|s.alarms()))
	payload = append(payload, data...)
	frame, _ := dxl.Encode(id, payload)
	return frame
}

func (s *Servo) alarms() dxl.Fault {
	var f dxl.Fault
	if int(s.table[dxl.RegPresentTemperature]) > int(s.table[dxl.RegHighestLimitTemp]) {
		f |= dxl.FaultOverheating
	}
	v := s.table[dxl.RegPresentVoltage]
	if v < s.table[dxl.RegLowestLimitVoltage] || v > s.table[dxl.RegHighestLimitVoltage] {
		f |= dxl.FaultInputVoltage
	}
	return f
}

func (s *Servo) handle(op dxl.Instruction, params []byte) (dxl.Fault, []byte) {
	switch op {
	case dxl.Ping:
		return 0, nil
	case dxl.ReadData:
		if len(params) != 2 {
			return dxl.FaultInstruction, nil
		}
		addr, n := int(params[0]), int(params[1])
		if addr+n > len(s.table) {
			return dxl.FaultRange, nil
		}
		out := make([]byte, n)
		copy(out, s.table[addr:addr+n])
		return 0, out
	case dxl.WriteData:
		if len(params) < 2 {
			return dxl.FaultInstruction, nil
		}
		return s.write(params[0], params[1:]), nil
	case dxl.RegWrite:
		if len(params) < 2 {
			return dxl.FaultInstruction, nil
		}
		s.registered = append([]byte(nil), params...)
		s.table[dxl.RegRegisteredInstruction] = 1
		return 0, nil
	case dxl.Action:
		if s.registered == nil {
			return dxl.FaultInstruction, nil
		}
		f := s.write(s.registered[0], s.registered[1:])
		s.registered = nil
		s.table[dxl.RegRegisteredInstruction] = 0
		return f, nil
	case dxl.Reset:
		s.reset()
		return 0, nil
	default:
		return dxl.FaultInstruction, nil
	}
}

// write stores data at addr after the checks the AX-12 firmware makes.
func (s *Servo) write(addr byte, data []byte) dxl.Fault {
	end := int(addr) + len(data)
	if end > len(s.table) {
		return dxl.FaultRange
	}
	for a := int(addr); a < end; a++ {
		r, ok := dxl.RegisterAt(byte(a))
		if !ok {
			// Second byte of a word.
			continue
		}
		if r.Access != dxl.ReadWrite {
			return dxl.FaultRange
		}
	}

	next := s.table
	copy(next[addr:end], data)
	word := func(a byte) int { return int(next[a]) | int(next[a+1])<<8 }

	if next[dxl.RegID] > dxl.MaxServoID || word(dxl.RegGoalPosition) > dxl.MaxPosition ||
		word(dxl.RegMovingSpeed) > dxl.MaxSpeed || next[dxl.RegTorqueEnable] > 1 || next[dxl.RegLED] > 1 {
		return dxl.FaultRange
	}
	cw, ccw, goal := word(dxl.RegCWAngleLimit), word(dxl.RegCCWAngleLimit), word(dxl.RegGoalPosition)
	if !(cw == 0 && ccw == 0) && (goal < cw || goal > ccw) {
		return dxl.FaultAngleLimit
	}
	s.table = next
	return 0
}

// step advances the motion model by dt seconds.
func (s *Servo) step(dt float64) {
	goal := float64(s.Word(dxl.RegGoalPosition))
	moving := false
	if s.table[dxl.RegTorqueEnable] == 1 && math.Abs(goal-s.pos) >= 1 {
		speed := float64(s.Word(dxl.RegMovingSpeed))
		if speed == 0 {
			speed = dxl.MaxSpeed
		}
		// One speed unit is about 0.111 rpm; one position unit is 300/1023 degrees.
		units := speed * 0.111 * 6 / (300.0 / 1023) * dt
		if d := goal - s.pos; math.Abs(d) <= units {
			s.pos = goal
		} else {
			s.pos += math.Copysign(units, d)
			moving = true
		}
		s.temp += 0.02
	} else if s.temp > 32 {
		s.temp -= 0.01
	}
	s.table[dxl.RegMoving] = boolByte(moving)
	if moving {
		s.setWord(dxl.RegPresentSpeed, s.Word(dxl.RegMovingSpeed))
		s.setWord(dxl.RegPresentLoad, 100+rand.Intn(40))
	} else {
		s.setWord(dxl.RegPresentSpeed, 0)
		s.setWord(dxl.RegPresentLoad, rand.Intn(10))
	}
	s.sync()
}

func (s *Servo) sync() {
	s.setWord(dxl.RegPresentPosition, int(math.Round(s.pos)))
	s.table[dxl.RegPresentTemperature] = byte(s.temp)
	if s.table[dxl.RegPresentVoltage] == 0 {
		s.table[dxl.RegPresentVoltage] = 120
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
