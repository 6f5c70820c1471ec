package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/goax12/internal/config"
	"github.com/shaunagostinho/goax12/internal/dxl"
	"github.com/shaunagostinho/goax12/internal/logging"
	"github.com/shaunagostinho/goax12/internal/metrics"
	"github.com/shaunagostinho/goax12/internal/monitor"
	"github.com/shaunagostinho/goax12/internal/recorder"
	"github.com/shaunagostinho/goax12/internal/server"
	"github.com/shaunagostinho/goax12/internal/sim"
	"github.com/shaunagostinho/goax12/internal/telemetry"
	"github.com/shaunagostinho/goax12/web"
)

func main() {
	configPath := flag.String("config", "/etc/goax12/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against simulated servos")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "goax12: %v\n", err)
		os.Exit(1)
	}
	if *demo {
		cfg.Bus.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "goax12: logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("goax12 starting", zap.String("config", cfg.Path()), zap.String("bus", cfg.Bus.Type))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("exited", zap.Error(err))
		os.Exit(1)
	}
	log.Info("shut down")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	reg := metrics.NewRegistry()
	m := metrics.NewBusMetrics(reg)

	bus := cfg.BusSettings()
	open := func() (*dxl.Connection, error) {
		opts := []dxl.Option{dxl.WithLogger(log.Named("dxl")), dxl.WithObserver(m)}
		if bus.Type == "demo" {
			ids := make([]byte, len(bus.DemoIDs))
			for i, id := range bus.DemoIDs {
				ids[i] = byte(id)
			}
			return dxl.New(sim.NewBus(ids...), bus.Config, opts...), nil
		}
		return dxl.Open(bus.Config, opts...)
	}

	conn, err := connectWithRetry(ctx, log, open, 10)
	if err != nil {
		return err
	}
	defer conn.Close()

	// The poller is the only user of conn and must be gone before it closes.
	ctx, cancel := context.WithCancel(ctx)
	poller := monitor.New(conn, cfg.Monitor, log.Named("monitor"), m)
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		poller.Run(ctx)
	}()
	defer func() {
		cancel()
		<-pollerDone
	}()

	rec := recorder.New(cfg.Recorder, log.Named("recorder"))
	defer rec.Close()
	sinks := []server.Sink{rec}

	if cfg.MQTT.Enabled {
		pub, err := telemetry.Connect(cfg.MQTT, log.Named("mqtt"))
		if err != nil {
			// Carry on without telemetry.
			log.Warn("mqtt disabled", zap.Error(err))
		} else {
			defer pub.Close()
			sinks = append(sinks, pub)
		}
	}

	srv := server.New(cfg, poller, web.FS, log.Named("server"), reg, m, sinks...)
	return srv.Run(ctx)
}

// connectWithRetry calls open with exponential backoff. It starts at 1s and
// doubles each attempt up to 60s, logging every failure at Warn for the
// first maxAttempts and at Debug after that.
func connectWithRetry(ctx context.Context, log *zap.Logger, open func() (*dxl.Connection, error), maxAttempts int) (*dxl.Connection, error) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		conn, err := open()
		if err == nil {
			log.Info("bus connected", zap.Int("attempt", attempt+1))
			return conn, nil
		}
		attempt++
		if attempt <= maxAttempts {
			log.Warn("bus connect failed", zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err))
		} else {
			log.Debug("bus connect failed", zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
