// Package monitor keeps a live picture of every servo on a bus.
//
// A Poller is the only user of its dxl.Connection. It scans the bus, reads
// each responder's state at a fixed rate and runs queued commands between
// polls, so callers from other goroutines never touch the connection.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/goax12/internal/config"
	"github.com/shaunagostinho/goax12/internal/dxl"
	"github.com/shaunagostinho/goax12/internal/metrics"
)

var (
	// ErrBusy is returned when the command queue is full.
	ErrBusy = errors.New("monitor: command queue full")
	// ErrStopped is returned for commands issued after Run has returned.
	ErrStopped = errors.New("monitor: poller stopped")
)

// ServoState is the last known state of one servo.
type ServoState struct {
	ID          byte    `json:"id"`
	Online      bool    `json:"online"`
	Position    int     `json:"position"`
	Degrees     float64 `json:"degrees"`
	Goal        int     `json:"goal"`
	Speed       int     `json:"speed"`
	Load        float64 `json:"load"`    // % of max torque, negative is clockwise
	Voltage     float64 `json:"voltage"` // V
	Temperature int     `json:"temperature"`
	Moving      bool    `json:"moving"`
	Torque      bool    `json:"torque"`
	LED         bool    `json:"led"`
	Fault       string  `json:"fault,omitempty"`
	Misses      int     `json:"misses"`  // consecutive failed polls
	Updated     int64   `json:"updated"` // Unix ms
}

// Snapshot is a copy of every known servo's state.
type Snapshot struct {
	Servos []ServoState `json:"servos"`
	Stamp  int64        `json:"stamp"` // Unix ms
}

// One read covers torque_enable (0x18) through moving (0x2E).
const (
	pollStart = dxl.RegTorqueEnable
	pollLen   = dxl.RegMoving - dxl.RegTorqueEnable + 1
)

type command struct {
	name string
	fn   func(*dxl.Connection) error
	res  chan error
}

// Poller owns a Connection. Use New, then Run in its own goroutine.
type Poller struct {
	conn    *dxl.Connection
	cfg     config.MonitorConfig
	log     *zap.Logger
	metrics *metrics.BusMetrics

	cmds chan command
	done chan struct{}

	mu     sync.RWMutex
	states map[byte]*ServoState
}

// New creates a Poller. m may be nil.
func New(conn *dxl.Connection, cfg config.MonitorConfig, log *zap.Logger, m *metrics.BusMetrics) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PollHz <= 0 {
		cfg.PollHz = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	return &Poller{
		conn:    conn,
		cfg:     cfg,
		log:     log,
		metrics: m,
		cmds:    make(chan command, cfg.QueueSize),
		done:    make(chan struct{}),
		states:  make(map[byte]*ServoState),
	}
}

// Run scans the bus and then polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	defer close(p.done)

	if _, err := p.scan(); err != nil {
		p.log.Warn("initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(time.Second / time.Duration(p.cfg.PollHz))
	defer ticker.Stop()

	var rescan <-chan time.Time
	if p.cfg.RescanSec > 0 {
		t := time.NewTicker(time.Duration(p.cfg.RescanSec) * time.Second)
		defer t.Stop()
		rescan = t.C
	}

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return ctx.Err()
		case c := <-p.cmds:
			c.res <- p.exec(c)
		case <-ticker.C:
			p.pollAll()
		case <-rescan:
			if _, err := p.scan(); err != nil {
				p.log.Warn("rescan failed", zap.Error(err))
			}
		}
	}
}

func (p *Poller) drain() {
	for {
		select {
		case c := <-p.cmds:
			c.res <- ErrStopped
		default:
			return
		}
	}
}

// Do queues fn to run on the poller goroutine and waits for its result.
func (p *Poller) Do(ctx context.Context, name string, fn func(*dxl.Connection) error) error {
	c := command{name: name, fn: fn, res: make(chan error, 1)}
	select {
	case <-p.done:
		return ErrStopped
	default:
	}
	select {
	case p.cmds <- c:
	default:
		p.countCommand(name, "busy")
		return ErrBusy
	}
	select {
	case err := <-c.res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		// Run may have answered just before exiting.
		select {
		case err := <-c.res:
			return err
		default:
			return ErrStopped
		}
	}
}

// exec runs a command, resending it while it fails in a retryable way.
func (p *Poller) exec(c command) error {
	var err error
	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		if err = c.fn(p.conn); err == nil || !dxl.IsRetryable(err) {
			break
		}
		p.log.Debug("retrying command", zap.String("command", c.name), zap.Error(err))
	}
	result := "ok"
	if err != nil {
		result = "error"
		p.log.Warn("command failed", zap.String("command", c.name), zap.Error(err))
	}
	p.countCommand(c.name, result)
	return err
}

func (p *Poller) countCommand(name, result string) {
	if p.metrics != nil {
		p.metrics.Commands.WithLabelValues(name, result).Inc()
	}
}

// Rescan runs a scan on the poller goroutine and returns the ids found.
func (p *Poller) Rescan(ctx context.Context) ([]byte, error) {
	var ids []byte
	err := p.Do(ctx, "scan", func(*dxl.Connection) error {
		var err error
		ids, err = p.scan()
		return err
	})
	return ids, err
}

// SetGoal moves a servo to position at speed (raw units).
func (p *Poller) SetGoal(ctx context.Context, id byte, position, speed int) error {
	return p.Do(ctx, "goal", func(c *dxl.Connection) error { return c.Goto(id, position, speed) })
}

func (p *Poller) SetTorque(ctx context.Context, id byte, on bool) error {
	return p.Do(ctx, "torque", func(c *dxl.Connection) error { return c.SetTorqueEnable(id, on) })
}

func (p *Poller) SetLED(ctx context.Context, id byte, on bool) error {
	return p.Do(ctx, "led", func(c *dxl.Connection) error { return c.SetLED(id, on) })
}

// scan replaces the set of tracked servos with the ones that answer.
func (p *Poller) scan() ([]byte, error) {
	var ids []byte
	if len(p.cfg.ScanIDs) > 0 {
		ids = make([]byte, len(p.cfg.ScanIDs))
		for i, id := range p.cfg.ScanIDs {
			ids[i] = byte(id)
		}
	}
	start := time.Now()
	found, err := p.conn.Scan(ids)
	if err != nil {
		return found, fmt.Errorf("monitor: scan: %w", err)
	}

	p.mu.Lock()
	next := make(map[byte]*ServoState, len(found))
	for _, id := range found {
		if s, ok := p.states[id]; ok {
			next[id] = s
		} else {
			next[id] = &ServoState{ID: id}
		}
		next[id].Online = true
	}
	p.states = next
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.Online.Set(float64(len(found)))
	}
	p.log.Info("scan complete", zap.Binary("ids", found), zap.Int("found", len(found)), zap.Duration("took", time.Since(start)))
	return found, nil
}

func (p *Poller) pollAll() {
	for _, id := range p.IDs() {
		p.poll(id)
	}
}

func (p *Poller) poll(id byte) {
	var (
		data []byte
		err  error
	)
	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		data, err = p.conn.ReadData(id, pollStart, pollLen)
		if err == nil || !dxl.IsRetryable(err) {
			break
		}
	}

	fault := ""
	var de *dxl.DeviceError
	if errors.As(err, &de) {
		// The status still carries the requested bytes.
		fault = de.Faults.String()
		data, err = de.Status.Params, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[id]
	if !ok {
		return
	}
	if err != nil || len(data) != int(pollLen) {
		s.Misses++
		s.Online = false
		if err != nil {
			p.log.Debug("poll failed", zap.Uint8("id", id), zap.Error(err))
		}
		return
	}
	decodeState(s, data)
	s.Fault = fault
	s.Online = true
	s.Misses = 0
	s.Updated = time.Now().UnixMilli()
}

// decodeState fills s from the control table bytes starting at pollStart.
func decodeState(s *ServoState, b []byte) {
	word := func(addr byte) int {
		i := addr - pollStart
		return int(b[i]) | int(b[i+1])<<8
	}
	at := func(addr byte) byte { return b[addr-pollStart] }

	s.Torque = at(dxl.RegTorqueEnable) != 0
	s.LED = at(dxl.RegLED) != 0
	s.Goal = word(dxl.RegGoalPosition)
	s.Position = word(dxl.RegPresentPosition)
	s.Degrees = dxl.AngleToDegrees(s.Position)
	s.Speed = word(dxl.RegPresentSpeed) & 0x3FF
	s.Load = dxl.LoadPercent(word(dxl.RegPresentLoad))
	s.Voltage = dxl.Volts(int(at(dxl.RegPresentVoltage)))
	s.Temperature = int(at(dxl.RegPresentTemperature))
	s.Moving = at(dxl.RegMoving) != 0
}

// IDs returns the tracked servo ids in ascending order.
func (p *Poller) IDs() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]byte, 0, len(p.states))
	for id := range p.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot returns a copy of the current state.
func (p *Poller) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap := Snapshot{Servos: make([]ServoState, 0, len(p.states)), Stamp: time.Now().UnixMilli()}
	for _, s := range p.states {
		snap.Servos = append(snap.Servos, *s)
	}
	sort.Slice(snap.Servos, func(i, j int) bool { return snap.Servos[i].ID < snap.Servos[j].ID })
	return snap
}

// Servo returns the state of one tracked servo.
func (p *Poller) Servo(id byte) (ServoState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.states[id]
	if !ok {
		return ServoState{}, false
	}
	return *s, true
}
