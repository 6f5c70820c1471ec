package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shaunagostinho/goax12/internal/config"
	"github.com/shaunagostinho/goax12/internal/dxl"
	"github.com/shaunagostinho/goax12/internal/sim"
)

func TestConnectWithRetrySucceeds(t *testing.T) {
	calls := 0
	open := func() (*dxl.Connection, error) {
		calls++
		return dxl.New(sim.NewBus(1), dxl.Config{}), nil
	}
	conn, err := connectWithRetry(context.Background(), zap.NewNop(), open, 3)
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.Equal(t, 1, calls)
}

func TestConnectWithRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	open := func() (*dxl.Connection, error) { return nil, errors.New("no port") }
	start := time.Now()
	_, err := connectWithRetry(ctx, zap.NewNop(), open, 3)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}

// Run under -race: the poller, push loop and recorder must all be stopped
// before run closes the bus.
func TestRunShutsDownCleanly(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 10; i++ {
		cfg := config.Default()
		cfg.Server.ListenAddr = "127.0.0.1:0"
		cfg.Server.PushHz = 100
		cfg.Monitor.PollHz = 100
		cfg.Monitor.ScanIDs = []int{1, 2, 3}
		cfg.Bus.SettleMs = 1
		cfg.Recorder = config.RecorderConfig{Enabled: true, Path: dir, IntervalMs: 1}

		ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
		err := run(ctx, cfg, zap.NewNop())
		cancel()
		require.NoError(t, err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "servos_*.csv"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	// Nothing may be written once run has returned.
	sizes := make(map[string]int64, len(files))
	for _, f := range files {
		st, err := os.Stat(f)
		require.NoError(t, err)
		sizes[f] = st.Size()
	}
	time.Sleep(50 * time.Millisecond)
	after, err := filepath.Glob(filepath.Join(dir, "servos_*.csv"))
	require.NoError(t, err)
	require.ElementsMatch(t, files, after)
	for _, f := range after {
		st, err := os.Stat(f)
		require.NoError(t, err)
		require.Equal(t, sizes[f], st.Size(), f)
	}
}
