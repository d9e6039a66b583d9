package dashboard

import (
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/lowaak/smart-trainer/echex-bike/internal/bt"
	"github.com/lowaak/smart-trainer/echex-bike/internal/protocol"
	"github.com/lowaak/smart-trainer/echex-bike/internal/trainer"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeView struct {
	mu       sync.Mutex
	logLines []string
	devices  []string
	active   int
	status   Status
	reading  protocol.Reading
	count    int
	draws    int
	stopped  bool
}

func (v *fakeView) Initialize(*Controller)            {}
func (v *fakeView) SetupKeyboardHandlers(*Controller) {}
func (v *fakeView) Run() error                        { return nil }
func (v *fakeView) GetLogViewHeight() int             { return 3 }

func (v *fakeView) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = true
}

func (v *fakeView) Draw() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.draws++
	return nil
}

func (v *fakeView) ClearLogView() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.logLines = nil
}

func (v *fakeView) WriteLogLine(line string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.logLines = append(v.logLines, line)
	return nil
}

func (v *fakeView) SetDeviceList(items []string, active int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.devices = items
	v.active = active
}

func (v *fakeView) SetStatus(status Status) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.status = status
}

func (v *fakeView) UpdateReading(reading protocol.Reading, count int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reading = reading
	v.count = count
}

type viewState struct {
	logLines []string
	devices  []string
	active   int
	status   Status
	reading  protocol.Reading
	count    int
	stopped  bool
}

func (v *fakeView) snapshot() viewState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return viewState{
		logLines: append([]string(nil), v.logLines...),
		devices:  append([]string(nil), v.devices...),
		active:   v.active,
		status:   v.status,
		reading:  v.reading,
		count:    v.count,
		stopped:  v.stopped,
	}
}

type fakeCommands struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *fakeCommands) record(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return c.err
}

func (c *fakeCommands) Connect(id string) error { return c.record("connect " + id) }
func (c *fakeCommands) ConnectActive() error    { return c.record("connect active") }
func (c *fakeCommands) Disconnect() error       { return c.record("disconnect") }
func (c *fakeCommands) ClearSession()           { _ = c.record("clear session") }
func (c *fakeCommands) ClearActiveDevice()      { _ = c.record("clear active") }

func (c *fakeCommands) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestController_MapsCommands(t *testing.T) {
	logger := discardLogger()
	model := trainer.NewSessionModel(logger, nil)
	defer model.Shutdown()
	model.AddDiscoveredDevice(trainer.DiscoveredDevice{ID: "AA", Name: "ECHEX-3 AA"})
	model.AddDiscoveredDevice(trainer.DiscoveredDevice{ID: "BB", Name: "ECHEX-3 BB"})

	commands := &fakeCommands{err: trainer.ErrBusy}
	controller := NewController(commands, model, logger)

	controller.DeviceSelected(1)
	controller.DeviceSelected(5)
	controller.ConnectActive()
	controller.Disconnect()
	controller.ClearSession()
	controller.ClearActiveDevice()

	assert.Equal(t, []string{"connect BB", "connect active", "disconnect", "clear session", "clear active"}, commands.Calls())
}

func TestDashboard_FollowsModel(t *testing.T) {
	logger := discardLogger()
	model := trainer.NewSessionModel(logger, nil)
	defer model.Shutdown()

	view := &fakeView{}
	controller := NewController(&fakeCommands{}, model, logger)
	d := New(view, model, controller, logger)
	defer d.Shutdown()

	model.SetAdapterState(bt.AdapterPoweredOn)
	model.AddDiscoveredDevice(trainer.DiscoveredDevice{ID: "AA", Name: "ECHEX-3 AA"})
	model.SetConnectionState(trainer.Connected)
	model.PublishConnectionEvent(trainer.ConnectionEvent{
		Status: trainer.Connected,
		Device: trainer.DiscoveredDevice{ID: "AA", Name: "ECHEX-3 AA"},
		Epoch:  ulid.Make(),
	})
	_, err := model.ApplyFrame(protocol.EncodeTelemetry(90, 100, 43))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := view.snapshot()
		return s.status.Device != "" && s.count == 2 && len(s.devices) == 1 && s.status.Connection == "CONNECTED"
	}, time.Second, 5*time.Millisecond)

	s := view.snapshot()
	assert.Equal(t, Status{Adapter: "PoweredOn", Connection: "CONNECTED", Device: "ECHEX-3 AA (AA)"}, s.status)
	assert.Equal(t, []string{"ECHEX-3 AA (AA)"}, s.devices)
	assert.Equal(t, 0, s.active)
	assert.Equal(t, uint32(90), s.reading.TimerSeconds)

	// newest log line first, limited to the view height
	model.AppendLog("latest")
	require.Eventually(t, func() bool {
		lines := view.snapshot().logLines
		return len(lines) == 3 && lines[0] == "latest\n"
	}, time.Second, 5*time.Millisecond)
}

func TestDashboard_CatchesUpWithBurstOfChanges(t *testing.T) {
	logger := discardLogger()
	model := trainer.NewSessionModel(logger, nil)
	defer model.Shutdown()

	view := &fakeView{}
	controller := NewController(&fakeCommands{}, model, logger)
	d := New(view, model, controller, logger)
	defer d.Shutdown()

	aa := trainer.DiscoveredDevice{ID: "AA", Name: "ECHEX-3 AA"}
	epoch := ulid.Make()
	model.SetAdapterState(bt.AdapterPoweredOn)
	model.SetConnectionState(trainer.Connecting)
	model.SetConnectionState(trainer.Discovering)
	model.SetConnectionState(trainer.Connected)
	model.PublishConnectionEvent(trainer.ConnectionEvent{Status: trainer.Connected, Device: aa, Epoch: epoch})
	model.AddDiscoveredDevice(aa)
	model.AddDiscoveredDevice(trainer.DiscoveredDevice{ID: "BB", Name: "ECHEX-3 BB"})

	require.Eventually(t, func() bool {
		s := view.snapshot()
		return len(s.devices) == 2 && s.status == Status{Adapter: "PoweredOn", Connection: "CONNECTED", Device: "ECHEX-3 AA (AA)"}
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, view.snapshot().active)

	model.SetConnectionState(trainer.Disconnecting)
	model.PublishConnectionEvent(trainer.ConnectionEvent{Status: trainer.Disconnected, Device: aa, Epoch: epoch})
	model.SetConnectionState(trainer.Disconnected)
	model.ClearActiveDevice()

	require.Eventually(t, func() bool {
		s := view.snapshot()
		return s.status == Status{Adapter: "PoweredOn", Connection: "DISCONNECTED"} && s.active == -1
	}, time.Second, 5*time.Millisecond)
}

func TestDashboard_EscapeStopsView(t *testing.T) {
	logger := discardLogger()
	model := trainer.NewSessionModel(logger, nil)
	defer model.Shutdown()

	view := &fakeView{}
	controller := NewController(&fakeCommands{}, model, logger)
	d := New(view, model, controller, logger)
	defer d.Shutdown()

	controller.OnEscapeKey()
	require.Eventually(t, func() bool { return view.snapshot().stopped }, time.Second, 5*time.Millisecond)
}
