package dxl

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// Channel is the byte stream a Connection talks through. A serial.Port
// satisfies it.
type Channel interface {
	io.ReadWriteCloser
	// ResetInputBuffer discards bytes received but not yet read.
	ResetInputBuffer() error
}

// Read modes.
const (
	// ReadAvailable sleeps for the settle interval then reads whatever is
	// buffered in a single call. A reply that is still arriving is read
	// short and fails validation as a malformed packet.
	ReadAvailable = "available"
	// ReadFrame keeps reading after the settle interval until a complete
	// frame has arrived or the read timeout elapses.
	ReadFrame = "frame"
)

// Config holds connection settings for a servo bus.
type Config struct {
	PortPath      string `yaml:"port_path" json:"portPath"`
	BaudRate      int    `yaml:"baud_rate" json:"baudRate"`
	ReadTimeoutMs int    `yaml:"read_timeout_ms" json:"readTimeoutMs"`
	SettleMs      int    `yaml:"settle_ms" json:"settleMs"` // pause between write and read
	ReadMode      string `yaml:"read_mode" json:"readMode"` // "available" or "frame"
}

const (
	defaultBaudRate    = 57600
	defaultReadTimeout = 100 * time.Millisecond
	defaultSettle      = 10 * time.Millisecond
)

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.BaudRate == 0 {
		c.BaudRate = defaultBaudRate
	}
	if c.ReadTimeoutMs == 0 {
		c.ReadTimeoutMs = int(defaultReadTimeout / time.Millisecond)
	}
	if c.SettleMs < 0 {
		c.SettleMs = 0
	}
	if c.ReadMode == "" {
		c.ReadMode = ReadAvailable
	}
	return c
}

// ReadTimeout is the channel read timeout.
func (c Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

// Settle is the pause between writing a request and reading the reply.
func (c Config) Settle() time.Duration {
	return time.Duration(c.SettleMs) * time.Millisecond
}

// DefaultConfig returns the settings used by the AX-12 factory defaults.
func DefaultConfig() Config {
	return Config{
		PortPath:      "/dev/ttyUSB0",
		BaudRate:      defaultBaudRate,
		ReadTimeoutMs: int(defaultReadTimeout / time.Millisecond),
		SettleMs:      int(defaultSettle / time.Millisecond),
		ReadMode:      ReadAvailable,
	}
}

// Observer receives one call per transaction. Implementations must not
// block.
type Observer interface {
	ObserveTransaction(op Instruction, result string, took time.Duration)
	ObserveFault(id byte, f Fault)
}

// Transaction results reported to an Observer.
const (
	ResultOK        = "ok"
	ResultNoReply   = "no_reply"
	ResultMalformed = "malformed"
	ResultFault     = "fault"
	ResultIOError   = "io_error"
)

type nopObserver struct{}

func (nopObserver) ObserveTransaction(Instruction, string, time.Duration) {}
func (nopObserver) ObserveFault(byte, Fault)                              {}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger used for frame tracing.
func WithLogger(l *zap.Logger) Option {
	return func(c *Connection) {
		if l != nil {
			c.log = l
		}
	}
}

// WithObserver attaches a transaction observer.
func WithObserver(o Observer) Option {
	return func(c *Connection) {
		if o != nil {
			c.obs = o
		}
	}
}

// Connection runs instruction/status transactions over one channel. Each
// call is a fixed sequence: flush stale input, write, wait the settle
// interval, read, decode. Only one transaction may be in flight, so a
// Connection must not be used from several goroutines at once.
type Connection struct {
	ch     Channel
	cfg    Config
	log    *zap.Logger
	obs    Observer
	buf    []byte
	closed bool
}

// Open opens the serial port described by cfg (8N1) and wraps it.
func Open(cfg Config, opts ...Option) (*Connection, error) {
	cfg = cfg.WithDefaults()
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("dxl: failed to open %s: %w", cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout()); err != nil {
		port.Close()
		return nil, fmt.Errorf("dxl: failed to set timeout: %w", err)
	}
	c := New(port, cfg, opts...)
	c.log.Info("opened serial port",
		zap.String("port", cfg.PortPath),
		zap.Int("baud", cfg.BaudRate),
		zap.Duration("settle", cfg.Settle()),
		zap.String("read_mode", cfg.ReadMode))
	return c, nil
}

// New wraps an already open channel. The Connection owns ch from now on
// and closes it in Close.
func New(ch Channel, cfg Config, opts ...Option) *Connection {
	c := &Connection{
		ch:  ch,
		cfg: cfg.WithDefaults(),
		log: zap.NewNop(),
		obs: nopObserver{},
		buf: make([]byte, MaxFrameSize),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Config returns the effective settings.
func (c *Connection) Config() Config { return c.cfg }

// Close releases the channel. Calling it again is a no-op.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ch.Close()
}

// Send runs one transaction for pkt. It returns nil, nil when nothing was
// received, which is expected for broadcast instructions and for servos
// configured not to reply.
func (c *Connection) Send(pkt *InstructionPacket) (*StatusPacket, error) {
	return c.transact(pkt.Instruction(), pkt.frame)
}

// SendBytes is Send for a pre-encoded frame. The frame is written as-is,
// which makes it possible to send deliberately invalid instructions.
func (c *Connection) SendBytes(frame []byte) (*StatusPacket, error) {
	op := Instruction(0)
	if len(frame) > 4 {
		op = Instruction(frame[4])
	}
	return c.transact(op, frame)
}

func (c *Connection) transact(op Instruction, frame []byte) (*StatusPacket, error) {
	if c.closed {
		return nil, ErrClosed
	}
	start := time.Now()
	status, result, err := c.roundTrip(frame)
	c.obs.ObserveTransaction(op, result, time.Since(start))
	var de *DeviceError
	if errors.As(err, &de) {
		c.obs.ObserveFault(de.ID, de.Faults)
	}
	return status, err
}

func (c *Connection) roundTrip(frame []byte) (*StatusPacket, string, error) {
	if err := c.ch.ResetInputBuffer(); err != nil {
		return nil, ResultIOError, fmt.Errorf("dxl: flush failed: %w", err)
	}

	c.log.Debug("tx", zap.String("frame", fmt.Sprintf("% X", frame)))
	if _, err := c.ch.Write(frame); err != nil {
		return nil, ResultIOError, fmt.Errorf("dxl: write failed: %w", err)
	}

	deadline := time.Now().Add(c.cfg.Settle() + c.cfg.ReadTimeout())
	time.Sleep(c.cfg.Settle())

	var (
		raw []byte
		err error
	)
	if c.cfg.ReadMode == ReadFrame {
		raw, err = c.readFrame(deadline)
	} else {
		raw, err = c.readAvailable()
	}
	if err != nil {
		return nil, ResultIOError, fmt.Errorf("dxl: read failed: %w", err)
	}
	if len(raw) == 0 {
		c.log.Debug("rx none")
		return nil, ResultNoReply, nil
	}
	c.log.Debug("rx", zap.String("frame", fmt.Sprintf("% X", raw)))

	status, err := ParseStatus(raw)
	switch {
	case err == nil:
		return status, ResultOK, nil
	case errors.Is(err, ErrMalformed):
		return nil, ResultMalformed, err
	default:
		return nil, ResultFault, err
	}
}

// readAvailable performs exactly one read of whatever is buffered.
func (c *Connection) readAvailable() ([]byte, error) {
	n, err := c.ch.Read(c.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, c.buf[:n])
	return out, nil
}

// readFrame accumulates bytes until the frame announced by its length byte
// is complete or deadline passes.
func (c *Connection) readFrame(deadline time.Time) ([]byte, error) {
	var got []byte
	for {
		n, err := c.ch.Read(c.buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		got = append(got, c.buf[:n]...)
		if want := expectedFrameLen(got); want > 0 && len(got) >= want {
			return got[:want], nil
		} else if want < 0 {
			return got, nil
		}
		if !time.Now().Before(deadline) {
			return got, nil
		}
	}
}

// expectedFrameLen returns the full size announced by a partial frame, 0
// when not enough bytes are in yet, or -1 when the header is wrong.
func expectedFrameLen(b []byte) int {
	if len(b) >= 2 && (b[0] != headerByte || b[1] != headerByte) {
		return -1
	}
	if len(b) < 4 {
		return 0
	}
	return 4 + int(b[3])
}

// ============================================================================
// Instructions
// ============================================================================

// ReadData reads length bytes of the control table starting at address.
// It returns nil, nil when the servo did not answer or the reply came from
// another id.
func (c *Connection) ReadData(id, address, length byte) ([]byte, error) {
	pkt, err := NewInstruction(id, ReadData, []byte{address, length})
	if err != nil {
		return nil, err
	}
	status, err := c.Send(pkt)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, nil
	}
	if status.ID != id {
		c.log.Warn("reply from unexpected id", zap.Uint8("want", id), zap.Uint8("got", status.ID))
		return nil, nil
	}
	return status.Params, nil
}

// WriteData writes data to the control table starting at address. Any
// reply is discarded once validated.
func (c *Connection) WriteData(id, address byte, data []byte) error {
	return c.write(id, WriteData, address, data)
}

// RegWrite stores a write on the servo to be applied by Action.
func (c *Connection) RegWrite(id, address byte, data []byte) error {
	return c.write(id, RegWrite, address, data)
}

func (c *Connection) write(id byte, op Instruction, address byte, data []byte) error {
	params := make([]byte, 0, len(data)+1)
	params = append(params, address)
	params = append(params, data...)
	pkt, err := NewInstruction(id, op, params)
	if err != nil {
		return err
	}
	_, err = c.Send(pkt)
	return err
}

// Action triggers the writes registered with RegWrite. It is usually sent
// to BroadcastID.
func (c *Connection) Action(id byte) error {
	return c.simple(id, Action)
}

// Reset restores the servo's control table to factory values.
func (c *Connection) Reset(id byte) error {
	return c.simple(id, Reset)
}

func (c *Connection) simple(id byte, op Instruction) error {
	pkt, err := NewInstruction(id, op, nil)
	if err != nil {
		return err
	}
	_, err = c.Send(pkt)
	return err
}

// Ping reports whether a servo answered from id.
func (c *Connection) Ping(id byte) (bool, error) {
	pkt, err := NewInstruction(id, Ping, nil)
	if err != nil {
		return false, err
	}
	status, err := c.Send(pkt)
	if err != nil {
		return false, err
	}
	return status != nil && status.ID == id, nil
}

// Scan pings every id in ids (all servo ids 0x00..0xFD when ids is nil)
// and returns the ones that answered, in ascending order. Ids above
// MaxServoID are skipped. The first error stops the scan.
func (c *Connection) Scan(ids []byte) ([]byte, error) {
	if ids == nil {
		ids = make([]byte, MaxServoID+1)
		for i := range ids {
			ids[i] = byte(i)
		}
	}
	found := make([]byte, 0, 8)
	seen := make(map[byte]bool, len(ids))
	for _, id := range ids {
		if id > MaxServoID || seen[id] {
			continue
		}
		seen[id] = true
		ok, err := c.Ping(id)
		if err != nil {
			return found, fmt.Errorf("dxl: scan stopped at id %d: %w", id, err)
		}
		if ok {
			found = append(found, id)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i] < found[j] })
	return found, nil
}

// SyncEntry is one servo's share of a SyncWrite.
type SyncEntry struct {
	ID   byte
	Data []byte
}

// SyncWrite writes the same control table range on several servos with a
// single broadcast frame. All entries must carry the same number of bytes.
func (c *Connection) SyncWrite(address byte, entries []SyncEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("%w: sync write needs at least one servo", ErrParamCount)
	}
	size := len(entries[0].Data)
	if size == 0 {
		return fmt.Errorf("%w: sync write needs at least one data byte", ErrParamCount)
	}
	params := make([]byte, 0, 2+len(entries)*(size+1))
	params = append(params, address, byte(size))
	for _, e := range entries {
		if e.ID > MaxServoID {
			return fmt.Errorf("%w: 0x%02X in sync write", ErrInvalidID, e.ID)
		}
		if len(e.Data) != size {
			return fmt.Errorf("%w: servo %d has %d bytes, want %d", ErrParamCount, e.ID, len(e.Data), size)
		}
		params = append(params, e.ID)
		params = append(params, e.Data...)
	}
	pkt, err := NewInstruction(BroadcastID, SyncWrite, params)
	if err != nil {
		return err
	}
	_, err = c.Send(pkt)
	return err
}
