package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/goax12/internal/config"
	"github.com/shaunagostinho/goax12/internal/dxl"
	"github.com/shaunagostinho/goax12/internal/metrics"
	"github.com/shaunagostinho/goax12/internal/monitor"
	"github.com/shaunagostinho/goax12/internal/recorder"
)

type call struct {
	op    string
	id    byte
	value int
	on    bool
}

type fakeBus struct {
	mu     sync.Mutex
	servos []monitor.ServoState
	calls  []call
	err    error
}

func (b *fakeBus) Snapshot() monitor.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return monitor.Snapshot{Servos: append([]monitor.ServoState(nil), b.servos...), Stamp: time.Now().UnixMilli()}
}

func (b *fakeBus) Servo(id byte) (monitor.ServoState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.servos {
		if s.ID == id {
			return s, true
		}
	}
	return monitor.ServoState{}, false
}

func (b *fakeBus) record(c call) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, c)
	return b.err
}

func (b *fakeBus) Rescan(ctx context.Context) ([]byte, error) {
	if err := b.record(call{op: "scan"}); err != nil {
		return nil, err
	}
	return []byte{1, 2}, nil
}

func (b *fakeBus) SetGoal(ctx context.Context, id byte, position, speed int) error {
	return b.record(call{op: "goal", id: id, value: position})
}

func (b *fakeBus) SetTorque(ctx context.Context, id byte, on bool) error {
	return b.record(call{op: "torque", id: id, on: on})
}

func (b *fakeBus) SetLED(ctx context.Context, id byte, on bool) error {
	return b.record(call{op: "led", id: id, on: on})
}

type sinkFunc func(monitor.Snapshot)

func (f sinkFunc) Record(s monitor.Snapshot) { f(s) }

type testEnv struct {
	bus  *fakeBus
	cfg  *config.Config
	srv  *Server
	http *httptest.Server
	m    *metrics.BusMetrics
}

func newTestEnv(t *testing.T, sinks ...Sink) *testEnv {
	t.Helper()
	t.Setenv("DXL_BUS", "")
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	cfg.Monitor.CmdPerSec, cfg.Monitor.CmdBurst = 1000, 1000

	bus := &fakeBus{servos: []monitor.ServoState{
		{ID: 1, Online: true, Position: 512},
		{ID: 2, Online: true, Position: 100},
	}}
	reg := metrics.NewRegistry()
	m := metrics.NewBusMetrics(reg)
	web := fstest.MapFS{"index.html": {Data: []byte("<html>goax12</html>")}}

	srv := New(cfg, bus, web, nil, reg, m, sinks...)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &testEnv{bus: bus, cfg: cfg, srv: srv, http: hs, m: m}
}

func (e *testEnv) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.http.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServeIndex(t *testing.T) {
	env := newTestEnv(t)
	resp := env.get(t, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetServos(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/servos")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap monitor.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Len(t, snap.Servos, 2)

	resp = env.get(t, "/api/servos/2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st monitor.ServoState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.Equal(t, 100, st.Position)

	require.Equal(t, http.StatusNotFound, env.get(t, "/api/servos/9").StatusCode)
	require.Equal(t, http.StatusBadRequest, env.get(t, "/api/servos/300").StatusCode)
	require.Equal(t, http.StatusBadRequest, env.get(t, "/api/servos/abc").StatusCode)
}

func TestCommands(t *testing.T) {
	env := newTestEnv(t)

	require.Equal(t, http.StatusOK, env.post(t, "/api/servos/1/goal", `{"position":700}`).StatusCode)
	require.Equal(t, http.StatusOK, env.post(t, "/api/servos/2/goal", `{"degrees":0}`).StatusCode)
	require.Equal(t, http.StatusOK, env.post(t, "/api/servos/1/torque", `{"on":true}`).StatusCode)
	require.Equal(t, http.StatusOK, env.post(t, "/api/servos/1/led", `{"on":false}`).StatusCode)

	resp := env.post(t, "/api/scan", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var scan map[string][]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&scan))
	require.Equal(t, []int{1, 2}, scan["ids"])

	require.Equal(t, []call{
		{op: "goal", id: 1, value: 700},
		{op: "goal", id: 2, value: 511},
		{op: "torque", id: 1, on: true},
		{op: "led", id: 1},
		{op: "scan"},
	}, env.bus.calls)
}

func TestCommandValidation(t *testing.T) {
	env := newTestEnv(t)

	require.Equal(t, http.StatusBadRequest, env.post(t, "/api/servos/1/goal", `{}`).StatusCode)
	require.Equal(t, http.StatusBadRequest, env.post(t, "/api/servos/1/goal", `{"degrees":200}`).StatusCode)
	require.Equal(t, http.StatusBadRequest, env.post(t, "/api/servos/1/torque", `not json`).StatusCode)
	require.Empty(t, env.bus.calls)
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"busy", monitor.ErrBusy, http.StatusServiceUnavailable},
		{"range", dxl.ErrByteRange, http.StatusBadRequest},
		{"device", &dxl.DeviceError{ID: 1, Faults: dxl.FaultOverload}, http.StatusConflict},
		{"no reply", dxl.ErrNoReply, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.bus.err = tt.err
			resp := env.post(t, "/api/servos/1/led", `{"on":true}`)
			require.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestCommandRateLimit(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Monitor.CmdPerSec, env.cfg.Monitor.CmdBurst = 1, 2
	srv := New(env.cfg, env.bus, nil, nil, nil, nil)
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	codes := make([]int, 3)
	for i := range codes {
		resp, err := http.Post(hs.URL+"/api/servos/1/led", "application/json", strings.NewReader(`{"on":true}`))
		require.NoError(t, err)
		resp.Body.Close()
		codes[i] = resp.StatusCode
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// Reads are never limited.
	resp, err := http.Get(hs.URL + "/api/servos")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConfigAPI(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/config")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Contains(t, got, "bus")

	resp = env.post(t, "/api/config", `{"server":{"pushHz":25}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 25, env.cfg.Server.PushHz)

	reloaded, err := config.Load(env.cfg.Path())
	require.NoError(t, err)
	require.Equal(t, 25, reloaded.Server.PushHz)

	resp = env.post(t, "/api/config", `{"monitor":{"pollHz":-1}}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConfigAPIReconfiguresRecorder(t *testing.T) {
	dir := t.TempDir()
	rec := recorder.New(config.RecorderConfig{Enabled: false, Path: dir, IntervalMs: 1}, nil)
	defer rec.Close()
	env := newTestEnv(t, rec)

	csvFiles := func() []string {
		files, err := filepath.Glob(filepath.Join(dir, "servos_*.csv"))
		require.NoError(t, err)
		return files
	}

	env.srv.push()
	require.Empty(t, csvFiles())

	body := `{"recorder":{"enabled":true,"path":` + strconv.Quote(dir) + `,"intervalMs":1}}`
	resp := env.post(t, "/api/config", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.cfg.RecorderSettings().Enabled)

	env.srv.push()
	require.Len(t, csvFiles(), 1)

	resp = env.post(t, "/api/config", `{"recorder":{"enabled":false}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	info, err := os.Stat(csvFiles()[0])
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	env.srv.push()
	after, err := os.Stat(csvFiles()[0])
	require.NoError(t, err)
	require.Equal(t, info.Size(), after.Size())
}

func TestRunStopsPushLoop(t *testing.T) {
	var (
		mu    sync.Mutex
		snaps int
	)
	env := newTestEnv(t, sinkFunc(func(monitor.Snapshot) {
		mu.Lock()
		snaps++
		mu.Unlock()
	}))
	env.cfg.Server.ListenAddr = "127.0.0.1:0"
	env.cfg.Server.PushHz = 100

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, env.srv.Run(ctx))

	mu.Lock()
	n := snaps
	mu.Unlock()
	require.Positive(t, n)

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, n, snaps)
}

func TestRunReturnsListenError(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Server.ListenAddr = "127.0.0.1:-1"
	require.Error(t, env.srv.Run(context.Background()))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp := env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketStream(t *testing.T) {
	var (
		mu    sync.Mutex
		snaps int
	)
	env := newTestEnv(t, sinkFunc(func(monitor.Snapshot) {
		mu.Lock()
		snaps++
		mu.Unlock()
	}))

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello Frame
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "hello", hello.Type)
	require.NotEmpty(t, hello.Client)
	require.NotEmpty(t, hello.Config)
	require.Len(t, hello.Servos, 2)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.m.WSClients) == 1
	}, time.Second, 5*time.Millisecond)

	env.srv.push()
	var state Frame
	require.NoError(t, conn.ReadJSON(&state))
	require.Equal(t, "state", state.Type)
	require.Equal(t, 512, state.Servos[0].Position)

	mu.Lock()
	require.Equal(t, 1, snaps)
	mu.Unlock()

	conn.Close()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.m.WSClients) == 0
	}, time.Second, 5*time.Millisecond)
}
