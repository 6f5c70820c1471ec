package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shaunagostinho/goax12/internal/config"
	"github.com/shaunagostinho/goax12/internal/dxl"
	"github.com/shaunagostinho/goax12/internal/metrics"
	"github.com/shaunagostinho/goax12/internal/monitor"
)

// Bus is the servo side of the server. monitor.Poller implements it.
type Bus interface {
	Snapshot() monitor.Snapshot
	Servo(id byte) (monitor.ServoState, bool)
	Rescan(ctx context.Context) ([]byte, error)
	SetGoal(ctx context.Context, id byte, position, speed int) error
	SetTorque(ctx context.Context, id byte, on bool) error
	SetLED(ctx context.Context, id byte, on bool) error
}

// Sink receives every snapshot pushed to clients.
type Sink interface {
	Record(snap monitor.Snapshot)
}

// Reconfigurable is implemented by sinks that pick up config changes made
// through the API.
type Reconfigurable interface {
	Reconfigure(cfg *config.Config)
}

// Server serves the web UI, the JSON API and the websocket state stream.
type Server struct {
	cfg     *config.Config
	bus     Bus
	webFS   fs.FS
	sinks   []Sink
	log     *zap.Logger
	reg     *prometheus.Registry
	metrics *metrics.BusMetrics
	limiter *rate.Limiter

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to WebSocket clients.
type Frame struct {
	Type   string               `json:"type"` // "hello", "state" or "config"
	Client string               `json:"client,omitempty"`
	Servos []monitor.ServoState `json:"servos,omitempty"`
	Config json.RawMessage      `json:"config,omitempty"`
	Stamp  int64                `json:"stamp"` // Unix ms
}

// New creates a Server. reg and m may be nil, which disables /metrics.
func New(cfg *config.Config, bus Bus, webFS fs.FS, log *zap.Logger, reg *prometheus.Registry, m *metrics.BusMetrics, sinks ...Sink) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	perSec, burst := cfg.Monitor.CmdPerSec, cfg.Monitor.CmdBurst
	limit := rate.Inf
	if perSec > 0 {
		limit = rate.Limit(perSec)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Server{
		cfg:     cfg,
		bus:     bus,
		webFS:   webFS,
		sinks:   sinks,
		log:     log,
		reg:     reg,
		metrics: m,
		limiter: rate.NewLimiter(limit, burst),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("GET /api/servos", s.handleServos)
	mux.HandleFunc("GET /api/servos/{id}", s.handleServo)
	mux.HandleFunc("POST /api/scan", s.limited(s.handleScan))
	mux.HandleFunc("POST /api/servos/{id}/goal", s.limited(s.handleGoal))
	mux.HandleFunc("POST /api/servos/{id}/torque", s.limited(s.handleSwitch(Bus.SetTorque)))
	mux.HandleFunc("POST /api/servos/{id}/led", s.limited(s.handleSwitch(Bus.SetLED)))
	if s.reg != nil {
		mux.Handle("/metrics", metrics.Handler(s.reg))
	}
	return mux
}

// Run starts the HTTP server and the push loop. It returns when ctx is
// cancelled or the listener fails, after the push loop has stopped, so no
// sink is fed once Run has returned.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pushDone := make(chan struct{})
	go func() {
		defer close(pushDone)
		s.pushLoop(ctx)
	}()

	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutDone := make(chan struct{})
	go func() {
		defer close(shutDone)
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info("listening", zap.String("addr", s.cfg.Server.ListenAddr))
	err := srv.ListenAndServe()
	cancel()
	<-shutDone
	<-pushDone
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// pushLoop broadcasts the bus state to clients and sinks at PushHz.
func (s *Server) pushLoop(ctx context.Context) {
	hz := s.cfg.Server.PushHz
	if hz <= 0 {
		hz = 10
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.closeClients()
			return
		case <-ticker.C:
			s.push()
		}
	}
}

func (s *Server) push() {
	snap := s.bus.Snapshot()
	if len(snap.Servos) == 0 {
		return
	}
	s.broadcast(Frame{Type: "state", Servos: snap.Servos, Stamp: snap.Stamp})
	for _, sink := range s.sinks {
		sink.Record(snap)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.setClientGauge(n)

	s.log.Info("ws client connected", zap.String("client", client.id), zap.Int("total", n))

	// Greeting with the client id, config and current state
	hello := Frame{Type: "hello", Client: client.id, Stamp: time.Now().UnixMilli()}
	if cfgJSON, err := s.cfg.ToJSON(); err == nil {
		hello.Config = cfgJSON
	}
	hello.Servos = s.bus.Snapshot().Servos
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects disconnect)
	go func() {
		defer s.removeClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, c)
	close(c.send)
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.setClientGauge(n)
	s.log.Info("ws client disconnected", zap.String("client", c.id), zap.Int("total", n))
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
	s.setClientGauge(0)
}

func (s *Server) setClientGauge(n int) {
	if s.metrics != nil {
		s.metrics.WSClients.Set(float64(n))
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

// ============================================================================
// HTTP API
// ============================================================================

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn("config save failed", zap.Error(err))
		}
		for _, sink := range s.sinks {
			if rc, ok := sink.(Reconfigurable); ok {
				rc.Reconfigure(s.cfg)
			}
		}
		if data, err := s.cfg.ToJSON(); err == nil {
			s.broadcast(Frame{Type: "config", Config: data, Stamp: time.Now().UnixMilli()})
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleServos(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bus.Snapshot())
}

func (s *Server) handleServo(w http.ResponseWriter, r *http.Request) {
	id, ok := servoID(w, r)
	if !ok {
		return
	}
	st, found := s.bus.Servo(id)
	if !found {
		http.Error(w, "servo not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	ids, err := s.bus.Rescan(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	writeJSON(w, http.StatusOK, map[string][]int{"ids": out})
}

type goalRequest struct {
	Position *int     `json:"position"`
	Degrees  *float64 `json:"degrees"`
	Speed    int      `json:"speed"`
}

func (s *Server) handleGoal(w http.ResponseWriter, r *http.Request) {
	id, ok := servoID(w, r)
	if !ok {
		return
	}
	var req goalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var pos int
	switch {
	case req.Position != nil:
		pos = *req.Position
	case req.Degrees != nil:
		p, err := dxl.DegreesToAngle(*req.Degrees)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		pos = p
	default:
		http.Error(w, "position or degrees required", http.StatusBadRequest)
		return
	}
	if err := s.bus.SetGoal(r.Context(), id, pos, req.Speed); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type switchRequest struct {
	On bool `json:"on"`
}

func (s *Server) handleSwitch(set func(Bus, context.Context, byte, bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := servoID(w, r)
		if !ok {
			return
		}
		var req switchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := set(s.bus, r.Context(), id, req.On); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// limited rejects bus commands beyond the configured rate with 429.
func (s *Server) limited(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "too many commands", http.StatusTooManyRequests)
			return
		}
		h(w, r)
	}
}

func servoID(w http.ResponseWriter, r *http.Request) (byte, bool) {
	n, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || n < 0 || n > dxl.MaxServoID {
		http.Error(w, "invalid servo id", http.StatusBadRequest)
		return 0, false
	}
	return byte(n), true
}

// statusFor maps bus errors to HTTP status codes.
func statusFor(err error) int {
	var de *dxl.DeviceError
	switch {
	case errors.Is(err, monitor.ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, monitor.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, dxl.ErrByteRange), errors.Is(err, dxl.ErrInvalidID), errors.Is(err, dxl.ErrParamCount):
		return http.StatusBadRequest
	case errors.As(err, &de):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
