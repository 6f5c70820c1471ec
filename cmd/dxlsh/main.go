// Command dxlsh is an interactive console for a Dynamixel AX-12 bus.
//
//	dxlsh -port /dev/ttyUSB0 scan
//	dxlsh -demo -json get 1 present_position
//	dxlsh -port /dev/ttyUSB0          # interactive
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/shaunagostinho/goax12/internal/config"
	"github.com/shaunagostinho/goax12/internal/dxl"
	"github.com/shaunagostinho/goax12/internal/logging"
	"github.com/shaunagostinho/goax12/internal/shell"
	"github.com/shaunagostinho/goax12/internal/sim"
)

func main() {
	configPath := flag.String("config", "/etc/goax12/config.yaml", "Path to config file")
	port := flag.String("port", "", "Serial port (overrides the config file)")
	baud := flag.Int("baud", 0, "Baud rate (overrides the config file)")
	demo := flag.Bool("demo", false, "Use simulated servos")
	evalOnly := flag.Bool("e", false, "Evaluation only, no interactive shell")
	outputJSON := flag.Bool("json", false, "Print output in JSON")
	verbose := flag.Bool("v", false, "Trace frames on stderr")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	bus := cfg.BusSettings()
	switch {
	case *demo:
		bus.Type = "demo"
	case *port != "":
		bus.Type = "serial"
		bus.PortPath = *port
	}
	if *baud > 0 {
		bus.BaudRate = *baud
	}

	logCfg := config.LoggingConfig{Level: "warn", Format: "console"}
	if *verbose {
		logCfg.Level = "debug"
	}
	log, err := logging.New(logCfg)
	if err != nil {
		fatal(err)
	}
	defer log.Sync()

	var conn *dxl.Connection
	opts := []dxl.Option{dxl.WithLogger(log.Named("dxl"))}
	if bus.Type == "demo" {
		ids := make([]byte, len(bus.DemoIDs))
		for i, id := range bus.DemoIDs {
			ids[i] = byte(id)
		}
		conn = dxl.New(sim.NewBus(ids...), bus.Config, opts...)
	} else if conn, err = dxl.Open(bus.Config, opts...); err != nil {
		fatal(err)
	}
	defer conn.Close()

	sh := shell.New(conn, !*evalOnly, *outputJSON)
	if err := sh.Run(flag.Args()...); err != nil {
		log.Error("command failed", zap.Error(err))
		conn.Close()
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "dxlsh: %v\n", err)
	os.Exit(1)
}
