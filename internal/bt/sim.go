package bt

import (
	"context"
	"encoding/hex"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/echex-bike/internal/events"
	"github.com/lowaak/smart-trainer/echex-bike/internal/protocol"
)

// SimAdapter is an Adapter with no radio behind it. It backs --simulate and
// the engine tests.
type SimAdapter struct {
	logger      *log.Logger
	stateEvent  *events.CallbackEvent[AdapterState]
	mu          sync.Mutex
	peripherals []*SimPeripheral
	scanSub     *events.Subscription[ScanEvent]
	scanStarts  int
	scanErr     error
}

// Verify SimAdapter implements Adapter
var _ Adapter = (*SimAdapter)(nil)

func NewSimAdapter(logger *log.Logger, initial AdapterState) *SimAdapter {
	if logger == nil {
		panic("SimAdapter: logger cannot be nil")
	}
	a := &SimAdapter{
		logger:     logger,
		stateEvent: events.NewCallbackEvent[AdapterState](true),
	}
	a.stateEvent.Notify(initial)
	return a
}

func (a *SimAdapter) StateChanges() *events.Subscription[AdapterState] {
	return events.Subscribe(a.stateEvent)
}

func (a *SimAdapter) SetState(state AdapterState) {
	a.logger.Printf("SimAdapter: state -> %v", state)
	a.stateEvent.Notify(state)
}

// AddPeripheral makes p visible to scans. A running scan sees it at once.
func (a *SimAdapter) AddPeripheral(p *SimPeripheral) {
	a.mu.Lock()
	a.peripherals = append(a.peripherals, p)
	sub := a.scanSub
	a.mu.Unlock()
	if sub != nil {
		sub.Push(ScanEvent{Device: p})
	}
}

// Advertise repeats p's advertisement to a running scan
func (a *SimAdapter) Advertise(p *SimPeripheral) {
	a.mu.Lock()
	sub := a.scanSub
	a.mu.Unlock()
	if sub != nil {
		sub.Push(ScanEvent{Device: p})
	}
}

// EmitScanError reports err on the running scan's stream
func (a *SimAdapter) EmitScanError(err error) {
	a.mu.Lock()
	sub := a.scanSub
	a.mu.Unlock()
	if sub != nil {
		sub.Push(ScanEvent{Err: err})
	}
}

// FailNextScan makes the next StartScan return err
func (a *SimAdapter) FailNextScan(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanErr = err
}

func (a *SimAdapter) StartScan() (*events.Subscription[ScanEvent], error) {
	a.mu.Lock()
	if a.scanSub != nil {
		a.mu.Unlock()
		return nil, ErrScanInProgress
	}
	if a.scanErr != nil {
		err := a.scanErr
		a.scanErr = nil
		a.mu.Unlock()
		return nil, &Error{Op: "scan", Err: err}
	}
	var sub *events.Subscription[ScanEvent]
	sub = events.NewSubscription[ScanEvent](func() {
		a.mu.Lock()
		if a.scanSub == sub {
			a.scanSub = nil
		}
		a.mu.Unlock()
		a.logger.Println("SimAdapter: scan stopped")
	})
	a.scanSub = sub
	a.scanStarts++
	peripherals := append([]*SimPeripheral(nil), a.peripherals...)
	a.mu.Unlock()

	a.logger.Println("SimAdapter: scan started")
	for _, p := range peripherals {
		sub.Push(ScanEvent{Device: p})
	}
	return sub, nil
}

func (a *SimAdapter) IsScanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanSub != nil
}

// ScanStarts counts successful StartScan calls
func (a *SimAdapter) ScanStarts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanStarts
}

// SimPeripheralConfig holds configuration for creating a simulated bike
type SimPeripheralConfig struct {
	ID   string
	Name string

	// AutoRespond answers every poll frame with a telemetry frame on
	// notify B, a noise frame on notify A, and a resistance frame every
	// ResistanceEvery polls
	AutoRespond     bool
	RPM             uint8
	Resistance      uint8
	ResistanceEvery int

	ConnectDelay time.Duration
}

// WrittenValue records a value written to a characteristic
type WrittenValue struct {
	Timestamp          time.Time `json:"timestamp"`
	CharacteristicUUID string    `json:"characteristicUuid"`
	Data               []byte    `json:"data"`
	DataHex            string    `json:"dataHex"`
}

// SimPeripheral is a simulated ECHEX bike
type SimPeripheral struct {
	logger *log.Logger
	config SimPeripheralConfig

	mu              sync.Mutex
	connected       bool
	discovered      bool
	connectErr      error
	discoverErr     error
	cancelErr       error
	calls           []string
	writes          []WrittenValue
	activeMonitors  int
	monitorsAtClose []int
	onCancel        func()

	notifyEvents    map[string]*events.CallbackEvent[Notification]
	disconnectEvent *events.CallbackEvent[error]

	// ride state
	rpm        uint8
	resistance uint8
	elapsed    uint16
	distance   float64
	polls      int
}

// Verify SimPeripheral implements Peripheral
var _ Peripheral = (*SimPeripheral)(nil)

func NewSimPeripheral(logger *log.Logger, config SimPeripheralConfig) *SimPeripheral {
	if logger == nil {
		panic("SimPeripheral: logger cannot be nil")
	}
	if config.ResistanceEvery <= 0 {
		config.ResistanceEvery = 5
	}
	return &SimPeripheral{
		logger: logger,
		config: config,
		notifyEvents: map[string]*events.CallbackEvent[Notification]{
			protocol.CharUUIDNotifyA: events.NewCallbackEvent[Notification](false),
			protocol.CharUUIDNotifyB: events.NewCallbackEvent[Notification](false),
		},
		disconnectEvent: events.NewCallbackEvent[error](false),
		rpm:             config.RPM,
		resistance:      config.Resistance,
	}
}

func (p *SimPeripheral) ID() string   { return p.config.ID }
func (p *SimPeripheral) Name() string { return p.config.Name }

func (p *SimPeripheral) record(call string) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
}

// FailConnect makes every Connect fail with err until cleared with nil
func (p *SimPeripheral) FailConnect(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
}

// FailDiscover makes every DiscoverServices fail with err until cleared with nil
func (p *SimPeripheral) FailDiscover(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoverErr = err
}

// OnCancel installs a hook that runs inside CancelConnection before it returns
func (p *SimPeripheral) OnCancel(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCancel = fn
}

func (p *SimPeripheral) Connect(ctx context.Context) error {
	p.record("connect")
	if p.config.ConnectDelay > 0 {
		select {
		case <-time.After(p.config.ConnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectErr != nil {
		return &Error{Op: "connect " + p.config.ID, ATTCode: 133, HasATT: true, Reason: "GATT_ERROR", Err: p.connectErr}
	}
	p.connected = true
	p.discovered = false
	p.logger.Printf("SimPeripheral [%s]: connected", p.config.Name)
	return nil
}

func (p *SimPeripheral) DiscoverServices(ctx context.Context, serviceUUID string, characteristicUUIDs []string) error {
	p.record("discover")
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return ErrNotConnected
	}
	if p.discoverErr != nil {
		return &Error{Op: "discover services", Err: p.discoverErr}
	}
	if serviceUUID != protocol.ServiceUUID {
		return &Error{Op: "discover services", Reason: "service " + serviceUUID + " not found"}
	}
	p.discovered = true
	return nil
}

func (p *SimPeripheral) CancelConnection(ctx context.Context) error {
	p.record("cancel")
	p.mu.Lock()
	p.monitorsAtClose = append(p.monitorsAtClose, p.activeMonitors)
	p.connected = false
	p.discovered = false
	hook := p.onCancel
	err := p.cancelErr
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	p.logger.Printf("SimPeripheral [%s]: connection cancelled", p.config.Name)
	return err
}

// TriggerRemoteDisconnect drops the link as if the bike went away
func (p *SimPeripheral) TriggerRemoteDisconnect(err error) {
	p.mu.Lock()
	p.monitorsAtClose = append(p.monitorsAtClose, p.activeMonitors)
	p.connected = false
	p.discovered = false
	p.mu.Unlock()
	p.logger.Printf("SimPeripheral [%s]: remote disconnect (%v)", p.config.Name, err)
	p.disconnectEvent.Notify(err)
}

func (p *SimPeripheral) OnDisconnected() *events.Subscription[error] {
	return events.Subscribe(p.disconnectEvent)
}

func (p *SimPeripheral) WriteWithoutResponse(serviceUUID, characteristicUUID string, data []byte) error {
	p.mu.Lock()
	if !p.connected || !p.discovered {
		p.mu.Unlock()
		return ErrNotConnected
	}
	if characteristicUUID != protocol.CharUUIDWrite {
		p.mu.Unlock()
		return ErrUnknownCharacteristic
	}
	value := append([]byte(nil), data...)
	p.writes = append(p.writes, WrittenValue{
		Timestamp:          time.Now(),
		CharacteristicUUID: characteristicUUID,
		Data:               value,
		DataHex:            hex.EncodeToString(value),
	})
	autoRespond := p.config.AutoRespond
	p.mu.Unlock()

	if autoRespond && len(data) >= 2 && data[0] == protocol.CommandStart && data[1] == protocol.OpCodePoll {
		p.respondToPoll()
	}
	return nil
}

func (p *SimPeripheral) respondToPoll() {
	p.mu.Lock()
	p.polls++
	p.elapsed++
	speed := protocol.SpeedMph(p.rpm)
	p.distance += speed / 3600 * protocol.DistanceRawPerMile()
	telemetry := protocol.EncodeTelemetry(p.elapsed, int32(p.distance), p.rpm)
	var resistance []byte
	if p.polls%p.config.ResistanceEvery == 1 {
		resistance = protocol.EncodeResistance(p.resistance)
	}
	p.mu.Unlock()

	p.EmitNotification(protocol.CharUUIDNotifyA, []byte{0xF0, 0xB0, 0x01, 0x01, 0xA2})
	if resistance != nil {
		p.EmitNotification(protocol.CharUUIDNotifyB, resistance)
	}
	p.EmitNotification(protocol.CharUUIDNotifyB, telemetry)
}

// SetRide changes the simulated cadence and resistance level
func (p *SimPeripheral) SetRide(rpm, resistance uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rpm = rpm
	p.resistance = resistance
}

func (p *SimPeripheral) Monitor(serviceUUID, characteristicUUID string) (*events.Subscription[Notification], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected || !p.discovered {
		return nil, ErrNotConnected
	}
	event, ok := p.notifyEvents[characteristicUUID]
	if !ok || serviceUUID != protocol.ServiceUUID {
		return nil, ErrUnknownCharacteristic
	}

	var unregister func()
	var unregisterMu sync.Mutex
	sub := events.NewSubscription[Notification](func() {
		unregisterMu.Lock()
		unregister()
		unregisterMu.Unlock()
		p.mu.Lock()
		p.activeMonitors--
		p.mu.Unlock()
	})
	unregisterMu.Lock()
	unregister = event.Listen(func(n Notification) {
		sub.Push(n)
	})
	unregisterMu.Unlock()
	p.activeMonitors++
	return sub, nil
}

// EmitNotification delivers value to every open monitor of characteristicUUID
func (p *SimPeripheral) EmitNotification(characteristicUUID string, value []byte) {
	event, ok := p.notifyEvents[characteristicUUID]
	if !ok {
		return
	}
	event.Notify(Notification{Value: append([]byte(nil), value...)})
}

// Calls returns the platform operations invoked so far, in order
func (p *SimPeripheral) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *SimPeripheral) Writes() []WrittenValue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]WrittenValue(nil), p.writes...)
}

func (p *SimPeripheral) ActiveMonitors() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeMonitors
}

// MonitorsAtClose returns the number of open monitors at each cancel or
// remote disconnect
func (p *SimPeripheral) MonitorsAtClose() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.monitorsAtClose...)
}

func (p *SimPeripheral) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// SimState is the simulated bike as reported by the control server
type SimState struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Connected  bool   `json:"connected"`
	RPM        uint8  `json:"rpm"`
	Resistance uint8  `json:"resistance"`
	Elapsed    uint16 `json:"elapsed"`
	Polls      int    `json:"polls"`
}

func (p *SimPeripheral) State() SimState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return SimState{
		ID:         p.config.ID,
		Name:       p.config.Name,
		Connected:  p.connected,
		RPM:        p.rpm,
		Resistance: p.resistance,
		Elapsed:    p.elapsed,
		Polls:      p.polls,
	}
}
