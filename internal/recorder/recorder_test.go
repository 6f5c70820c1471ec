package recorder

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/goax12/internal/config"
	"github.com/shaunagostinho/goax12/internal/monitor"
)

func snapshotAt(ts time.Time) monitor.Snapshot {
	return monitor.Snapshot{
		Stamp: ts.UnixMilli(),
		Servos: []monitor.ServoState{
			{ID: 1, Online: true, Position: 512, Degrees: 0.1, Voltage: 12, Temperature: 33},
			{ID: 2, Online: false, Fault: "overheating"},
		},
	}
}

func readRows(t *testing.T, dir string) [][]string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "servos_*.csv"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestRecorderWritesRows(t *testing.T) {
	dir := t.TempDir()
	r := New(config.RecorderConfig{Enabled: true, Path: dir, IntervalMs: 100}, nil)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.Record(snapshotAt(start))
	r.Record(snapshotAt(start.Add(50 * time.Millisecond))) // inside the interval
	r.Record(snapshotAt(start.Add(150 * time.Millisecond)))
	r.Close()

	rows := readRows(t, dir)
	require.Len(t, rows, 1+4)
	require.Equal(t, csvHeader, rows[0])
	require.Equal(t, "1", rows[1][1])
	require.Equal(t, "512", rows[1][3])
	require.Equal(t, "12.0", rows[1][8])
	require.Equal(t, "overheating", rows[2][13])
}

func TestRecorderDisabled(t *testing.T) {
	dir := t.TempDir()
	r := New(config.RecorderConfig{Enabled: false, Path: dir}, nil)
	r.Record(snapshotAt(time.Now()))

	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	require.NoError(t, err)
	require.Empty(t, files)

	cfg := config.Default()
	cfg.Recorder = config.RecorderConfig{Enabled: true, Path: dir, IntervalMs: 100}
	r.Reconfigure(cfg)
	r.Record(snapshotAt(time.Now()))

	cfg.Recorder.Enabled = false
	r.Reconfigure(cfg)
	r.Record(snapshotAt(time.Now().Add(time.Second)))
	require.Len(t, readRows(t, dir), 3)
	r.Close()
}

func TestRecorderReconfigurePath(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	r := New(config.RecorderConfig{Enabled: true, Path: first, IntervalMs: 100}, nil)
	defer r.Close()

	start := time.Now()
	r.Record(snapshotAt(start))

	cfg := config.Default()
	cfg.Recorder = config.RecorderConfig{Enabled: true, Path: second, IntervalMs: 100}
	r.Reconfigure(cfg)
	r.Record(snapshotAt(start.Add(time.Second)))

	require.Len(t, readRows(t, first), 3)
	require.Len(t, readRows(t, second), 3)
}

func TestRecorderDropsAfterClose(t *testing.T) {
	dir := t.TempDir()
	r := New(config.RecorderConfig{Enabled: true, Path: dir, IntervalMs: 100}, nil)
	start := time.Now()
	r.Record(snapshotAt(start))
	r.Close()
	r.Record(snapshotAt(start.Add(time.Second)))

	require.Len(t, readRows(t, dir), 3)
}
