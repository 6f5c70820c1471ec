// Package recorder writes servo telemetry to CSV files with rotation.
package recorder

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/goax12/internal/config"
	"github.com/shaunagostinho/goax12/internal/monitor"
)

// maxRowsPerFile rotates after 100k rows (~1.4 hrs of 2 servos at 10 Hz).
const maxRowsPerFile = 100_000

var csvHeader = []string{
	"timestamp", "id", "online", "position", "degrees", "goal",
	"speed", "load_pct", "voltage_v", "temperature_c",
	"moving", "torque", "led", "fault",
}

// Recorder appends one row per servo per snapshot, no more often than the
// configured interval.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	log      *zap.Logger

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
	closed bool
}

// New creates a Recorder. Nothing is written until the first Record.
func New(cfg config.RecorderConfig, log *zap.Logger) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "/var/log/goax12"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		log:      log,
	}
}

// Reconfigure applies the recorder section of cfg to a running Recorder.
// Turning recording off or moving it to another directory closes the
// current file; the next Record opens a new one.
func (r *Recorder) Reconfigure(cfg *config.Config) {
	rc := cfg.RecorderSettings()

	r.mu.Lock()
	defer r.mu.Unlock()
	if rc.IntervalMs > 0 {
		r.interval = time.Duration(rc.IntervalMs) * time.Millisecond
	}
	if rc.Path != "" && rc.Path != r.dir {
		r.closeFile()
		r.dir = rc.Path
	}
	if r.enabled != rc.Enabled {
		r.log.Info("recording toggled", zap.Bool("enabled", rc.Enabled))
	}
	r.enabled = rc.Enabled
	if !r.enabled {
		r.closeFile()
	}
}

// Record writes snap if the minimum interval has elapsed.
func (r *Recorder) Record(snap monitor.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled || r.closed || len(snap.Servos) == 0 {
		return
	}

	now := time.UnixMilli(snap.Stamp)
	if now.Sub(r.lastTs) < r.interval {
		return
	}
	r.lastTs = now

	if r.writer == nil || r.rows >= maxRowsPerFile {
		if err := r.rotateFile(now); err != nil {
			r.log.Error("rotate failed", zap.Error(err))
			return
		}
	}

	for _, s := range snap.Servos {
		if err := r.writer.Write(buildRow(now, s)); err != nil {
			r.log.Error("write failed", zap.Error(err))
			return
		}
		r.rows++
	}
	r.writer.Flush()
}

// Close flushes and closes the current file. Later snapshots are dropped.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.closeFile()
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	name := fmt.Sprintf("servos_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(r.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0

	if err := r.writer.Write(csvHeader); err != nil {
		return err
	}
	r.writer.Flush()

	r.log.Info("opened recording", zap.String("path", path))
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

func buildRow(ts time.Time, s monitor.ServoState) []string {
	return []string{
		ts.Format(time.RFC3339Nano),
		strconv.Itoa(int(s.ID)),
		boolStr(s.Online),
		strconv.Itoa(s.Position),
		fmt.Sprintf("%.1f", s.Degrees),
		strconv.Itoa(s.Goal),
		strconv.Itoa(s.Speed),
		fmt.Sprintf("%.1f", s.Load),
		fmt.Sprintf("%.1f", s.Voltage),
		strconv.Itoa(s.Temperature),
		boolStr(s.Moving),
		boolStr(s.Torque),
		boolStr(s.LED),
		s.Fault,
	}
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
