package trainer

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/echex-bike/internal/bt"
	"github.com/lowaak/smart-trainer/echex-bike/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/echex-bike/internal/protocol"
)

// SessionEngineConfig holds the optional parts of a SessionEngine
type SessionEngineConfig struct {
	Permissions bt.Permissions
	Timing      protocol.Timing

	// AutoConnect connects to the active device as soon as it is first set
	AutoConnect bool

	// StatusHandlers receive every connection status event after the
	// telemetry runner
	StatusHandlers []StatusHandler
}

// SessionEngine wires the adapter monitor, scanner, connection supervisor
// and telemetry runner into one task tree. It is the only entry point for
// the UI layer.
type SessionEngine struct {
	adapter    bt.Adapter
	model      *SessionModel
	monitor    *AdapterMonitor
	scanner    *Scanner
	supervisor *ConnectionSupervisor
	telemetry  *TelemetryRunner
	config     SessionEngineConfig
	logger     *log.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

func NewSessionEngine(adapter bt.Adapter, model *SessionModel, logger *log.Logger, config SessionEngineConfig) *SessionEngine {
	if adapter == nil {
		panic("SessionEngine: adapter cannot be nil")
	}
	if model == nil {
		panic("SessionEngine: model cannot be nil")
	}
	if logger == nil {
		panic("SessionEngine: logger cannot be nil")
	}
	if config.Timing == (protocol.Timing{}) {
		config.Timing = protocol.DefaultTiming()
	}

	ctx, cancel := context.WithCancel(context.Background())
	telemetry := NewTelemetryRunner(ctx, model, logger, config.Timing)
	handlers := append([]StatusHandler{telemetry}, config.StatusHandlers...)

	return &SessionEngine{
		adapter:    adapter,
		model:      model,
		monitor:    NewAdapterMonitor(adapter, model, logger),
		scanner:    NewScanner(adapter, config.Permissions, model, logger),
		supervisor: NewConnectionSupervisor(model, logger, handlers...),
		telemetry:  telemetry,
		config:     config,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (e *SessionEngine) Model() *SessionModel {
	return e.model
}

// Start launches the engine's tasks. It may only be called once.
func (e *SessionEngine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.logger.Println("SessionEngine: starting")

	// listeners are registered before the tasks so no state change is missed
	adapterCh := make(chan bt.AdapterState, 1)
	connectionCh := make(chan ConnectionState, 1)
	devicesCh := make(chan DeviceList, 1)
	unregisterAdapter := e.model.ListenToAdapterState(adapterCh)
	unregisterConnection := e.model.ListenToConnectionState(connectionCh)
	unregisterDevices := e.model.ListenToDevices(devicesCh)

	go_func_utils.SafeGoWG(e.logger, &e.wg, func() { e.monitor.Run(e.ctx) })
	go_func_utils.SafeGoWG(e.logger, &e.wg, func() { e.supervisor.Run(e.ctx) })
	go_func_utils.SafeGoWG(e.logger, &e.wg, func() {
		defer unregisterAdapter()
		defer unregisterConnection()
		defer unregisterDevices()
		e.evaluateLoop(e.ctx, adapterCh, connectionCh, devicesCh)
	})
}

// evaluateLoop re-runs the scanner's eligibility check on every adapter or
// connection state change. The channel values only signal a change; the
// current states are read from the model so a dropped notification can
// never leave the scanner on a stale decision.
func (e *SessionEngine) evaluateLoop(ctx context.Context, adapterCh <-chan bt.AdapterState, connectionCh <-chan ConnectionState, devicesCh <-chan DeviceList) {
	defer e.scanner.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-adapterCh:
		case <-connectionCh:
		case <-devicesCh:
			e.onDevicesChanged()
			continue
		}
		e.scanner.Evaluate(ctx, e.model.AdapterState(), e.model.ConnectionState())
	}
}

// onDevicesChanged auto connects when an active device is known. Like the
// scanner check it reads the model, not the notified list.
func (e *SessionEngine) onDevicesChanged() {
	if !e.config.AutoConnect {
		return
	}
	if _, ok := e.model.ActiveDevice(); !ok {
		return
	}
	e.autoConnect()
}

func (e *SessionEngine) autoConnect() {
	err := e.ConnectActive()
	if err == nil {
		e.logger.Println("SessionEngine: auto connecting to active device")
		return
	}
	if !errors.Is(err, ErrBusy) && !errors.Is(err, ErrNoActiveDevice) {
		e.logger.Printf("SessionEngine: auto connect: %v", err)
	}
}

// Shutdown cancels every task, tears down a live connection and waits
func (e *SessionEngine) Shutdown() {
	e.logger.Println("SessionEngine: shutting down")
	e.cancel()
	e.wg.Wait()
	e.telemetry.Stop()
	e.logger.Println("SessionEngine: shutdown complete")
}

// Connect requests a connection to a discovered device
func (e *SessionEngine) Connect(deviceID string) error {
	d, ok := e.model.Device(deviceID)
	if !ok {
		return ErrUnknownDevice
	}
	return e.supervisor.RequestConnect(d)
}

// ConnectActive requests a connection to the active device
func (e *SessionEngine) ConnectActive() error {
	d, ok := e.model.ActiveDevice()
	if !ok {
		return ErrNoActiveDevice
	}
	return e.supervisor.RequestConnect(d)
}

func (e *SessionEngine) Disconnect() error {
	return e.supervisor.RequestDisconnect()
}

func (e *SessionEngine) ClearSession() {
	e.logger.Println("SessionEngine: clearing session")
	e.model.ClearSession()
}

func (e *SessionEngine) ClearActiveDevice() {
	e.model.ClearActiveDevice()
}
