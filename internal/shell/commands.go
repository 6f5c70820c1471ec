package shell

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/abiosoft/ishell"

	"github.com/shaunagostinho/goax12/internal/dxl"
)

type command struct {
	name    string
	aliases []string
	help    string // argument synopsis
	run     func(s *Shell, args []string) (interface{}, error)
}

func (cmd *command) matches(name string) bool {
	if cmd.name == name {
		return true
	}
	for _, a := range cmd.aliases {
		if a == name {
			return true
		}
	}
	return false
}

func (cmd *command) ishell() *ishell.Cmd {
	return &ishell.Cmd{
		Name:    cmd.name,
		Aliases: cmd.aliases,
		Help:    cmd.help,
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			res, err := s.Exec(cmd.name, c.Args...)
			if err != nil {
				if errors.Is(err, ErrUsage) {
					err = fmt.Errorf("usage: %s %s", cmd.name, cmd.help)
				}
				c.Err(err)
				return
			}
			out, err := s.Format(res)
			if err != nil {
				c.Err(err)
				return
			}
			c.Println(out)
		},
	}
}

var commands = []*command{
	{name: "ping", aliases: []string{"p"}, help: "ID", run: runPing},
	{name: "scan", aliases: []string{"s"}, help: "[FROM TO]", run: runScan},
	{name: "read", aliases: []string{"r"}, help: "ID ADDR LEN", run: runRead},
	{name: "write", aliases: []string{"w"}, help: "ID ADDR BYTE...", run: runWrite},
	{name: "get", help: "ID REG", run: runGet},
	{name: "set", help: "ID REG VALUE", run: runSet},
	{name: "regs", help: "", run: runRegs},
	{name: "dump", help: "ID", run: runDump},
	{name: "goto", aliases: []string{"g"}, help: "ID DEG [SPEED]", run: runGoto},
	{name: "regwrite", help: "ID ADDR BYTE...", run: runRegWrite},
	{name: "action", help: "[ID]", run: runAction},
	{name: "reset", help: "ID", run: runReset},
	{name: "raw", help: "HEX...", run: runRaw},
}

// Results

// OK is printed by commands without output.
type OK struct{}

func (OK) String() string { return "OK" }

// MarshalJSON renders OK as {"ok":true}.
func (OK) MarshalJSON() ([]byte, error) { return []byte(`{"ok":true}`), nil }

type PingResult struct {
	ID     byte `json:"id"`
	Online bool `json:"online"`
}

func (r PingResult) String() string {
	if r.Online {
		return fmt.Sprintf("servo %d: online", r.ID)
	}
	return fmt.Sprintf("servo %d: no reply", r.ID)
}

type IDList []int

func (l IDList) String() string {
	if len(l) == 0 {
		return "no servos found"
	}
	parts := make([]string, len(l))
	for i, id := range l {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, " ")
}

type ReadResult struct {
	ID      byte   `json:"id"`
	Address byte   `json:"address"`
	Data    []int  `json:"data"`
	Hex     string `json:"hex"`
}

func (r ReadResult) String() string {
	if r.Hex == "" {
		return fmt.Sprintf("servo %d: no reply", r.ID)
	}
	return fmt.Sprintf("0x%02x: %s", r.Address, r.Hex)
}

type Value struct {
	ID       byte   `json:"id"`
	Register string `json:"register"`
	Value    int    `json:"value"`
}

func (v Value) String() string { return fmt.Sprintf("%s = %d", v.Register, v.Value) }

type Table []dxl.RegisterValue

func (t Table) String() string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	for _, rv := range t {
		fmt.Fprintf(w, "0x%02x\t%s\t%s\t%d\n", rv.Address, rv.Name, rv.Access, rv.Value)
	}
	w.Flush()
	return strings.TrimRight(sb.String(), "\n")
}

type RegisterList []dxl.Register

func (l RegisterList) String() string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	for _, r := range l {
		mem := "RAM"
		if r.EEPROM {
			mem = "EEPROM"
		}
		fmt.Fprintf(w, "0x%02x\t%s\t%d\t%s\t%s\n", r.Address, r.Name, r.Width, r.Access, mem)
	}
	w.Flush()
	return strings.TrimRight(sb.String(), "\n")
}

type StatusResult struct {
	Reply  bool   `json:"reply"`
	ID     byte   `json:"id,omitempty"`
	Faults string `json:"faults,omitempty"`
	Hex    string `json:"hex,omitempty"`
}

func (r StatusResult) String() string {
	if !r.Reply {
		return "no reply"
	}
	if r.Faults != "" {
		return fmt.Sprintf("%s (servo %d: %s)", r.Hex, r.ID, r.Faults)
	}
	return r.Hex
}

// Commands

func runPing(s *Shell, args []string) (interface{}, error) {
	if len(args) != 1 {
		return nil, ErrUsage
	}
	id, err := parseID(args[0])
	if err != nil {
		return nil, err
	}
	ok, err := s.Conn.Ping(id)
	if err != nil {
		return nil, err
	}
	return PingResult{ID: id, Online: ok}, nil
}

func runScan(s *Shell, args []string) (interface{}, error) {
	var ids []byte
	switch len(args) {
	case 0:
	case 2:
		from, err := parseID(args[0])
		if err != nil {
			return nil, err
		}
		to, err := parseID(args[1])
		if err != nil {
			return nil, err
		}
		for id := int(from); id <= int(to); id++ {
			ids = append(ids, byte(id))
		}
		if len(ids) == 0 {
			return IDList{}, nil
		}
	default:
		return nil, ErrUsage
	}
	found, err := s.Conn.Scan(ids)
	if err != nil {
		return nil, err
	}
	out := make(IDList, len(found))
	for i, id := range found {
		out[i] = int(id)
	}
	return out, nil
}

func runRead(s *Shell, args []string) (interface{}, error) {
	if len(args) != 3 {
		return nil, ErrUsage
	}
	id, err := parseID(args[0])
	if err != nil {
		return nil, err
	}
	addr, err := parseByte(args[1])
	if err != nil {
		return nil, err
	}
	n, err := parseByte(args[2])
	if err != nil {
		return nil, err
	}
	data, err := s.Conn.ReadData(id, addr, n)
	if err != nil {
		return nil, err
	}
	res := ReadResult{ID: id, Address: addr, Data: make([]int, len(data))}
	for i, b := range data {
		res.Data[i] = int(b)
	}
	if data != nil {
		res.Hex = dxl.HexString(data)
	}
	return res, nil
}

func runWrite(s *Shell, args []string) (interface{}, error) {
	id, addr, data, err := parseWrite(args)
	if err != nil {
		return nil, err
	}
	if err := s.Conn.WriteData(id, addr, data); err != nil {
		return nil, err
	}
	return OK{}, nil
}

func runRegWrite(s *Shell, args []string) (interface{}, error) {
	id, addr, data, err := parseWrite(args)
	if err != nil {
		return nil, err
	}
	if err := s.Conn.RegWrite(id, addr, data); err != nil {
		return nil, err
	}
	return OK{}, nil
}

func runGet(s *Shell, args []string) (interface{}, error) {
	if len(args) != 2 {
		return nil, ErrUsage
	}
	id, err := parseID(args[0])
	if err != nil {
		return nil, err
	}
	reg, err := dxl.LookupRegister(args[1])
	if err != nil {
		return nil, err
	}
	v, err := s.Conn.ReadRegister(id, reg.Name)
	if err != nil {
		return nil, err
	}
	return Value{ID: id, Register: reg.Name, Value: v}, nil
}

func runSet(s *Shell, args []string) (interface{}, error) {
	if len(args) != 3 {
		return nil, ErrUsage
	}
	id, err := parseID(args[0])
	if err != nil {
		return nil, err
	}
	v, err := strconv.ParseInt(args[2], 0, 32)
	if err != nil {
		return nil, fmt.Errorf("bad value %q", args[2])
	}
	if err := s.Conn.WriteRegister(id, args[1], int(v)); err != nil {
		return nil, err
	}
	return OK{}, nil
}

func runRegs(s *Shell, args []string) (interface{}, error) {
	return RegisterList(dxl.Registers()), nil
}

func runDump(s *Shell, args []string) (interface{}, error) {
	if len(args) != 1 {
		return nil, ErrUsage
	}
	id, err := parseID(args[0])
	if err != nil {
		return nil, err
	}
	t, err := s.Conn.DumpControlTable(id)
	if err != nil {
		return nil, err
	}
	return Table(t), nil
}

func runGoto(s *Shell, args []string) (interface{}, error) {
	if len(args) < 2 || len(args) > 3 {
		return nil, ErrUsage
	}
	id, err := parseID(args[0])
	if err != nil {
		return nil, err
	}
	deg, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return nil, fmt.Errorf("bad angle %q", args[1])
	}
	speed := 0
	if len(args) == 3 {
		if speed, err = strconv.Atoi(args[2]); err != nil {
			return nil, fmt.Errorf("bad speed %q", args[2])
		}
	}
	if err := s.Conn.GotoDegrees(id, deg, speed); err != nil {
		return nil, err
	}
	return OK{}, nil
}

func runAction(s *Shell, args []string) (interface{}, error) {
	var id byte = dxl.BroadcastID
	switch len(args) {
	case 0:
	case 1:
		v, err := parseByte(args[0])
		if err != nil {
			return nil, err
		}
		id = v
	default:
		return nil, ErrUsage
	}
	if err := s.Conn.Action(id); err != nil {
		return nil, err
	}
	return OK{}, nil
}

func runReset(s *Shell, args []string) (interface{}, error) {
	if len(args) != 1 {
		return nil, ErrUsage
	}
	id, err := parseByte(args[0])
	if err != nil {
		return nil, err
	}
	if err := s.Conn.Reset(id); err != nil {
		return nil, err
	}
	return OK{}, nil
}

// runRaw sends a hand-built frame, checksum included, and shows the reply.
func runRaw(s *Shell, args []string) (interface{}, error) {
	if len(args) == 0 {
		return nil, ErrUsage
	}
	frame := make([]byte, 0, len(args))
	for _, a := range args {
		b, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(a), "0x"), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("bad hex byte %q", a)
		}
		frame = append(frame, byte(b))
	}
	st, err := s.Conn.SendBytes(frame)
	if st == nil {
		if err != nil {
			return nil, err
		}
		return StatusResult{}, nil
	}
	res := StatusResult{Reply: true, ID: st.ID, Hex: st.String()}
	if f := st.Faults(); f != 0 {
		res.Faults = f.String()
	}
	return res, nil
}

func parseWrite(args []string) (id, addr byte, data []byte, err error) {
	if len(args) < 3 {
		return 0, 0, nil, ErrUsage
	}
	if id, err = parseByte(args[0]); err != nil {
		return
	}
	if addr, err = parseByte(args[1]); err != nil {
		return
	}
	for _, a := range args[2:] {
		b, err := parseByte(a)
		if err != nil {
			return 0, 0, nil, err
		}
		data = append(data, b)
	}
	return id, addr, data, nil
}

// parseID accepts unicast ids only.
func parseID(s string) (byte, error) {
	v, err := parseByte(s)
	if err != nil {
		return 0, err
	}
	if v > dxl.MaxServoID {
		return 0, fmt.Errorf("%w: %d", dxl.ErrInvalidID, v)
	}
	return v, nil
}

// parseByte accepts decimal, 0x hex and 0 octal.
func parseByte(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", dxl.ErrByteRange, s)
	}
	return byte(v), nil
}
