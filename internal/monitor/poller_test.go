package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/goax12/internal/config"
	"github.com/shaunagostinho/goax12/internal/dxl"
	"github.com/shaunagostinho/goax12/internal/metrics"
	"github.com/shaunagostinho/goax12/internal/sim"
)

type pollerTestEnv struct {
	bus     *sim.Bus
	poller  *Poller
	metrics *metrics.BusMetrics
	cancel  context.CancelFunc
	errc    chan error
}

func newPollerTestEnv(t *testing.T, cfg config.MonitorConfig, ids ...byte) *pollerTestEnv {
	t.Helper()
	bus := sim.NewBus(ids...)
	m := metrics.NewBusMetrics(prometheus.NewRegistry())
	conn := dxl.New(bus, dxl.Config{ReadTimeoutMs: 5}, dxl.WithObserver(m))
	if cfg.PollHz == 0 {
		cfg.PollHz = 50
	}
	env := &pollerTestEnv{
		bus:     bus,
		poller:  New(conn, cfg, nil, m),
		metrics: m,
		errc:    make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	go func() { env.errc <- env.poller.Run(ctx) }()
	t.Cleanup(env.stop)
	return env
}

func (e *pollerTestEnv) stop() {
	e.cancel()
	<-e.done()
}

func (e *pollerTestEnv) done() <-chan struct{} { return e.poller.done }

func TestPollerScansAndPolls(t *testing.T) {
	env := newPollerTestEnv(t, config.MonitorConfig{ScanIDs: []int{1, 2, 3, 4}}, 2, 4)

	require.Eventually(t, func() bool {
		snap := env.poller.Snapshot()
		return len(snap.Servos) == 2 && snap.Servos[0].Updated > 0 && snap.Servos[1].Updated > 0
	}, 2*time.Second, 10*time.Millisecond)

	snap := env.poller.Snapshot()
	require.Equal(t, byte(2), snap.Servos[0].ID)
	require.Equal(t, byte(4), snap.Servos[1].ID)
	s := snap.Servos[0]
	require.True(t, s.Online)
	require.Equal(t, 512, s.Position)
	require.Equal(t, 12.0, s.Voltage)
	require.Empty(t, s.Fault)
	require.Equal(t, 2.0, testutil.ToFloat64(env.metrics.Online))
}

func TestPollerCommands(t *testing.T) {
	env := newPollerTestEnv(t, config.MonitorConfig{ScanIDs: []int{1}}, 1)
	ctx := context.Background()

	require.NoError(t, env.poller.SetTorque(ctx, 1, true))
	require.NoError(t, env.poller.SetLED(ctx, 1, true))
	require.NoError(t, env.poller.SetGoal(ctx, 1, 700, 0))

	require.Eventually(t, func() bool {
		s, ok := env.poller.Servo(1)
		return ok && s.Position == 700 && !s.Moving && s.LED && s.Torque
	}, 2*time.Second, 10*time.Millisecond)

	err := env.poller.SetGoal(ctx, 1, 5000, 0)
	require.ErrorIs(t, err, dxl.ErrByteRange)
	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Commands.WithLabelValues("goal", "error")))
}

func TestPollerReportsFaults(t *testing.T) {
	env := newPollerTestEnv(t, config.MonitorConfig{ScanIDs: []int{1}}, 1)

	require.Eventually(t, func() bool {
		s, ok := env.poller.Servo(1)
		return ok && s.Updated > 0
	}, 2*time.Second, 10*time.Millisecond)

	env.bus.InjectFault(1, dxl.FaultOverheating)
	require.Eventually(t, func() bool {
		s, _ := env.poller.Servo(1)
		return s.Fault == "overheating" && s.Online
	}, 2*time.Second, 10*time.Millisecond)

	env.bus.SetSilent(1, true)
	require.Eventually(t, func() bool {
		s, _ := env.poller.Servo(1)
		return !s.Online && s.Misses > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPollerRescan(t *testing.T) {
	env := newPollerTestEnv(t, config.MonitorConfig{ScanIDs: []int{1, 2, 3}}, 1)
	env.bus.Attach(sim.NewServo(3))

	ids, err := env.poller.Rescan(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte{1, 3}, ids)
	require.Equal(t, []byte{1, 3}, env.poller.IDs())
}

func TestPollerStopped(t *testing.T) {
	env := newPollerTestEnv(t, config.MonitorConfig{ScanIDs: []int{1}}, 1)
	env.stop()
	require.ErrorIs(t, <-env.errc, context.Canceled)

	err := env.poller.SetLED(context.Background(), 1, true)
	require.ErrorIs(t, err, ErrStopped)
}

func TestDecodeState(t *testing.T) {
	b := make([]byte, pollLen)
	b[dxl.RegTorqueEnable-pollStart] = 1
	b[dxl.RegPresentPosition-pollStart] = 0xFF
	b[dxl.RegPresentPosition-pollStart+1] = 0x03
	b[dxl.RegPresentLoad-pollStart] = 0xFF
	b[dxl.RegPresentLoad-pollStart+1] = 0x07
	b[dxl.RegPresentVoltage-pollStart] = 118
	b[dxl.RegPresentTemperature-pollStart] = 41
	b[dxl.RegMoving-pollStart] = 1

	var s ServoState
	decodeState(&s, b)
	require.True(t, s.Torque)
	require.Equal(t, 1023, s.Position)
	require.Equal(t, 150.0, s.Degrees)
	require.Equal(t, -100.0, s.Load)
	require.Equal(t, 11.8, s.Voltage)
	require.Equal(t, 41, s.Temperature)
	require.True(t, s.Moving)
}
