package trainer

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/echex-bike/internal/bt"
	"github.com/lowaak/smart-trainer/echex-bike/internal/events"
	"github.com/lowaak/smart-trainer/echex-bike/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/echex-bike/internal/protocol"
)

const maxLogLines = 1000

// SessionModel is the session state owned by the engine. Consumers read it
// through snapshots or the Listen* streams; it is only changed through the
// narrow setters below.
type SessionModel struct {
	logEvent             *events.ChannelEvent[string]
	adapterStateEvent    *events.ChannelEvent[bt.AdapterState]
	connectionStateEvent *events.ChannelEvent[ConnectionState]
	connectionEvent      *events.ChannelEvent[ConnectionEvent]
	devicesEvent         *events.ChannelEvent[DeviceList]
	readingEvent         *events.ChannelEvent[ReadingUpdate]

	mu              sync.RWMutex
	adapterState    bt.AdapterState
	connectionState ConnectionState
	devices         []DiscoveredDevice
	deviceIndex     map[string]int
	active          *DiscoveredDevice
	readings        []protocol.Reading // newest first

	logLines []string // newest first
	logMu    sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *log.Logger
}

func NewSessionModel(logger *log.Logger, uiLogChan <-chan string) *SessionModel {
	if logger == nil {
		panic("SessionModel: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &SessionModel{
		logEvent:             events.NewChannelEvent[string](false),
		adapterStateEvent:    events.NewChannelEvent[bt.AdapterState](true),
		connectionStateEvent: events.NewChannelEvent[ConnectionState](true),
		connectionEvent:      events.NewChannelEvent[ConnectionEvent](true),
		devicesEvent:         events.NewChannelEvent[DeviceList](true),
		readingEvent:         events.NewChannelEvent[ReadingUpdate](true),
		adapterState:         bt.AdapterUnknown,
		connectionState:      Disconnected,
		deviceIndex:          make(map[string]int),
		readings:             []protocol.Reading{{}},
		logLines:             make([]string, 0, maxLogLines),
		ctx:                  ctx,
		cancel:               cancel,
		logger:               logger,
	}
	m.adapterStateEvent.Notify(m.adapterState)
	m.connectionStateEvent.Notify(m.connectionState)
	m.devicesEvent.Notify(DeviceList{})
	m.readingEvent.Notify(ReadingUpdate{Count: 1})

	// uiLogChan is optional so tests can run without a log pipeline
	if uiLogChan != nil {
		go_func_utils.SafeGoWG(m.logger, &m.wg, func() { m.readFromLogChannel(ctx, uiLogChan) })
	}
	return m
}

// Shutdown stops all goroutines and waits for them to finish
func (m *SessionModel) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

func (m *SessionModel) readFromLogChannel(ctx context.Context, logChan <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-logChan:
			if !ok {
				return
			}
			m.AppendLog(line)
		}
	}
}

// AppendLog prepends a line to the session log and notifies listeners
func (m *SessionModel) AppendLog(line string) {
	m.logMu.Lock()
	m.logLines = append(m.logLines, "")
	copy(m.logLines[1:], m.logLines)
	m.logLines[0] = line
	if len(m.logLines) > maxLogLines {
		m.logLines = m.logLines[:maxLogLines]
	}
	m.logMu.Unlock()

	m.logEvent.Notify(line)
}

// LogLines returns up to n lines, newest first
func (m *SessionModel) LogLines(n int) []string {
	m.logMu.RLock()
	defer m.logMu.RUnlock()

	if n <= 0 {
		return []string{}
	}
	if n > len(m.logLines) {
		n = len(m.logLines)
	}
	result := make([]string, n)
	copy(result, m.logLines[:n])
	return result
}

func (m *SessionModel) ListenToLog(ch chan<- string) func() {
	return m.logEvent.Listen(ch)
}

func (m *SessionModel) SetAdapterState(state bt.AdapterState) {
	m.mu.Lock()
	if m.adapterState == state {
		m.mu.Unlock()
		return
	}
	m.adapterState = state
	m.mu.Unlock()

	m.AppendLog(fmt.Sprintf("BLE state changed: %v", state))
	m.adapterStateEvent.Notify(state)
}

func (m *SessionModel) AdapterState() bt.AdapterState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.adapterState
}

func (m *SessionModel) ListenToAdapterState(ch chan<- bt.AdapterState) func() {
	return m.adapterStateEvent.Listen(ch)
}

// SetConnectionState is only called by the ConnectionSupervisor
func (m *SessionModel) SetConnectionState(state ConnectionState) {
	m.mu.Lock()
	if m.connectionState == state {
		m.mu.Unlock()
		return
	}
	m.connectionState = state
	m.mu.Unlock()

	m.AppendLog(fmt.Sprintf("Connection state changed: %v", state))
	m.connectionStateEvent.Notify(state)
}

func (m *SessionModel) ConnectionState() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectionState
}

func (m *SessionModel) ListenToConnectionState(ch chan<- ConnectionState) func() {
	return m.connectionStateEvent.Listen(ch)
}

// PublishConnectionEvent forwards a supervisor status event to outside
// consumers such as the bridge
func (m *SessionModel) PublishConnectionEvent(ev ConnectionEvent) {
	m.connectionEvent.Notify(ev)
}

func (m *SessionModel) ListenToConnectionEvents(ch chan<- ConnectionEvent) func() {
	return m.connectionEvent.Listen(ch)
}

// ConnectedDevice returns the device of the live connection epoch
func (m *SessionModel) ConnectedDevice() (DiscoveredDevice, bool) {
	ev, ok := m.connectionEvent.Last()
	if !ok || ev.Status != Connected {
		return DiscoveredDevice{}, false
	}
	return ev.Device, true
}

// ListenToChanges signals ch whenever the adapter state, connection state,
// connection events, device list or readings change. Signals coalesce, so
// receivers read the current values back from the model.
func (m *SessionModel) ListenToChanges(ch chan<- struct{}) func() {
	unregister := []func(){
		m.adapterStateEvent.ListenSignal(ch),
		m.connectionStateEvent.ListenSignal(ch),
		m.connectionEvent.ListenSignal(ch),
		m.devicesEvent.ListenSignal(ch),
		m.readingEvent.ListenSignal(ch),
	}
	return func() {
		for _, u := range unregister {
			u()
		}
	}
}

// ListenToLogChanges signals ch whenever a log line is appended
func (m *SessionModel) ListenToLogChanges(ch chan<- struct{}) func() {
	return m.logEvent.ListenSignal(ch)
}

// AddDiscoveredDevice inserts d if its id is new. The first device ever
// added becomes the active device and stays active until cleared.
// Returns false when the id was already known.
func (m *SessionModel) AddDiscoveredDevice(d DiscoveredDevice) bool {
	m.mu.Lock()
	if _, ok := m.deviceIndex[d.ID]; ok {
		m.mu.Unlock()
		return false
	}
	m.deviceIndex[d.ID] = len(m.devices)
	m.devices = append(m.devices, d)
	if m.active == nil {
		active := d
		m.active = &active
	}
	list := m.deviceListLocked()
	m.mu.Unlock()

	m.AppendLog(fmt.Sprintf("devices found: %d", len(list.Devices)))
	m.devicesEvent.Notify(list)
	return true
}

func (m *SessionModel) deviceListLocked() DeviceList {
	list := DeviceList{Devices: make([]DiscoveredDevice, len(m.devices))}
	copy(list.Devices, m.devices)
	if m.active != nil {
		active := *m.active
		list.Active = &active
	}
	return list
}

func (m *SessionModel) Devices() DeviceList {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deviceListLocked()
}

func (m *SessionModel) Device(id string) (DiscoveredDevice, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.deviceIndex[id]
	if !ok {
		return DiscoveredDevice{}, false
	}
	return m.devices[i], true
}

func (m *SessionModel) ActiveDevice() (DiscoveredDevice, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return DiscoveredDevice{}, false
	}
	return *m.active, true
}

// ClearActiveDevice forgets the active device. The next newly discovered
// id becomes active; already known devices do not.
func (m *SessionModel) ClearActiveDevice() {
	m.mu.Lock()
	m.active = nil
	list := m.deviceListLocked()
	m.mu.Unlock()

	m.devicesEvent.Notify(list)
}

func (m *SessionModel) ListenToDevices(ch chan<- DeviceList) func() {
	return m.devicesEvent.Listen(ch)
}

// ApplyFrame decodes a notify B frame against the head reading. Telemetry
// prepends a new reading, resistance replaces the head with an updated
// copy. Unclassified frames change nothing.
func (m *SessionModel) ApplyFrame(frame []byte) (protocol.Update, error) {
	m.mu.Lock()
	update, err := protocol.Apply(m.readings[0], frame)
	if err != nil || update.Kind == protocol.Unclassified {
		m.mu.Unlock()
		return update, err
	}
	if update.Appended {
		m.readings = append(m.readings, protocol.Reading{})
		copy(m.readings[1:], m.readings)
	}
	m.readings[0] = update.Reading
	count := len(m.readings)
	m.mu.Unlock()

	m.readingEvent.Notify(ReadingUpdate{Reading: update.Reading, Appended: update.Appended, Count: count})
	return update, nil
}

// Head returns the newest reading
func (m *SessionModel) Head() protocol.Reading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readings[0]
}

// ReadingCount returns the length of the reading sequence
func (m *SessionModel) ReadingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.readings)
}

// Readings returns a copy of the session, newest first
func (m *SessionModel) Readings() []protocol.Reading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]protocol.Reading, len(m.readings))
	copy(result, m.readings)
	return result
}

// ClearSession resets the session to a single zero reading
func (m *SessionModel) ClearSession() {
	m.mu.Lock()
	m.readings = []protocol.Reading{{}}
	m.mu.Unlock()

	m.readingEvent.Notify(ReadingUpdate{Cleared: true, Count: 1})
}

func (m *SessionModel) ListenToReadings(ch chan<- ReadingUpdate) func() {
	return m.readingEvent.Listen(ch)
}
