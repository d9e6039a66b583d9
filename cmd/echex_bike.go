package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lowaak/smart-trainer/echex-bike/internal/bridge"
	"github.com/lowaak/smart-trainer/echex-bike/internal/bt"
	"github.com/lowaak/smart-trainer/echex-bike/internal/config"
	"github.com/lowaak/smart-trainer/echex-bike/internal/dashboard"
	"github.com/lowaak/smart-trainer/echex-bike/internal/logging"
	"github.com/lowaak/smart-trainer/echex-bike/internal/trainer"

	"github.com/rivo/tview"
	"github.com/spf13/pflag"
	"tinygo.org/x/bluetooth"
)

const redisConnectTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	must("load configuration", err)

	// the dashboard owns the terminal, stderr mirroring is headless only
	if !cfg.Headless {
		cfg.Log.Stderr = false
	}
	logger := logging.New(cfg.Log)
	defer logger.Close()
	logger.Printf("Starting ECHEX bike session (simulate=%v, headless=%v)", cfg.Simulate, cfg.Headless)
	if cfg.ConfigFile != "" {
		logger.Printf("Using config file %s", cfg.ConfigFile)
	}

	model := trainer.NewSessionModel(logger.Logger, logger.Lines.Lines())
	defer model.Shutdown()

	adapter, shutdownAdapter := newAdapter(cfg, logger.Logger)
	defer shutdownAdapter()

	engine := trainer.NewSessionEngine(adapter, model, logger.Logger, trainer.SessionEngineConfig{
		AutoConnect: cfg.AutoConnect,
	})

	if cfg.Redis.Enabled {
		b, err := newBridge(cfg.Redis, model, logger.Logger)
		if err != nil {
			// the bridge is optional, the session runs without it
			logger.Printf("Bridge disabled: %v", err)
		} else {
			b.Start()
			defer b.Shutdown()
		}
	}

	engine.Start()
	defer engine.Shutdown()

	if cfg.Headless {
		stop := make(chan struct{})
		handleSignals(logger, func() { close(stop) })
		<-stop
		return
	}
	runDashboard(engine, model, logger)
}

func newAdapter(cfg *config.Config, logger *log.Logger) (bt.Adapter, func()) {
	if cfg.Simulate {
		adapter := bt.NewSimAdapter(logger, bt.AdapterPoweredOn)
		bike := bt.NewSimPeripheral(logger, bt.SimPeripheralConfig{
			ID:          "SIM-ECHEX-3",
			Name:        "ECHEX-3 Simulator",
			AutoRespond: true,
			RPM:         uint8(cfg.Sim.RPM),
			Resistance:  uint8(cfg.Sim.Resistance),
		})
		adapter.AddPeripheral(bike)
		if cfg.Sim.HTTPPort == 0 {
			return adapter, func() {}
		}
		server := bt.NewSimControlServer(logger, adapter, bike, cfg.Sim.HTTPPort)
		server.Start()
		return adapter, server.Shutdown
	}

	manager := bt.NewBTManager(bluetooth.DefaultAdapter, logger)
	if err := manager.Enable(); err != nil {
		// the engine sees an unusable adapter state and never scans
		logger.Printf("Bluetooth unavailable: %s", bt.Describe(err))
	}
	return manager, manager.Shutdown
}

func newBridge(cfg config.RedisConfig, model *trainer.SessionModel, logger *log.Logger) (*bridge.Bridge, error) {
	encoder, err := bridge.NewEncoder(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()
	sink, err := bridge.NewRedisSink(ctx, cfg.Addr, cfg.Password, cfg.DB)
	if err != nil {
		return nil, err
	}
	logger.Printf("Connected to Redis at %s", cfg.Addr)
	return bridge.New(model, sink, encoder, bridge.Config{Key: cfg.Key, Channel: cfg.Channel}, logger), nil
}

func runDashboard(engine *trainer.SessionEngine, model *trainer.SessionModel, logger *logging.Logger) {
	app := tview.NewApplication()
	controller := dashboard.NewController(engine, model, logger.Logger)
	view := dashboard.NewTviewView(logger.Logger, app)
	d := dashboard.New(view, model, controller, logger.Logger)
	defer d.Shutdown()

	handleSignals(logger, app.Stop)

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "dashboard: %v\n", err)
	}
}

// handleSignals rotates the log file on SIGHUP and calls stop once on
// SIGINT or SIGTERM
func handleSignals(logger *logging.Logger, stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		defer signal.Stop(sigCh)
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				if err := logger.Rotate(); err != nil {
					logger.Printf("Log rotation failed: %v", err)
				} else {
					logger.Println("Log file rotated")
				}
				continue
			}
			logger.Printf("Received %v, shutting down...", sig)
			stop()
			return
		}
	}()
}

func must(action string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to %s: %v\n", action, err)
		os.Exit(1)
	}
}
