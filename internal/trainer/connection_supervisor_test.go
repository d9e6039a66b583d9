package trainer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/lowaak/smart-trainer/echex-bike/internal/go_func_utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type supervisorFixture struct {
	model      *SessionModel
	supervisor *ConnectionSupervisor
	handler    *recordingHandler
	states     func() []ConnectionState
	logs       *syncBuffer
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func newSupervisorFixture(t *testing.T, extra ...StatusHandler) *supervisorFixture {
	logger, logs := newTestLogger()
	model := NewSessionModel(logger, nil)
	handler := &recordingHandler{}
	handlers := append([]StatusHandler{handler}, extra...)
	f := &supervisorFixture{
		model:      model,
		supervisor: NewConnectionSupervisor(model, logger, handlers...),
		handler:    handler,
		logs:       logs,
	}
	states, stopStates := recordStates(model)
	f.states = states

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go_func_utils.SafeGoWG(logger, &f.wg, func() { f.supervisor.Run(ctx) })

	t.Cleanup(func() {
		f.cancel()
		f.wg.Wait()
		stopStates()
		model.Shutdown()
	})
	return f
}

func TestConnectionSupervisor_ConnectAndUserDisconnect(t *testing.T) {
	f := newSupervisorFixture(t)
	logger, _ := newTestLogger()
	bike := newBike(logger, "AA")

	assert.ErrorIs(t, f.supervisor.RequestDisconnect(), ErrNotConnected)
	require.NoError(t, f.supervisor.RequestConnect(deviceFor(bike)))
	waitFor(t, func() bool { return len(f.handler.Events()) == 1 }, "connected")

	assert.ErrorIs(t, f.supervisor.RequestConnect(deviceFor(bike)), ErrBusy)
	require.Equal(t, []ConnectionState{Connected}, f.handler.Statuses())
	epoch := f.handler.Events()[0].Epoch
	assert.NotZero(t, epoch)

	var statusesAtCancel []ConnectionState
	bike.OnCancel(func() { statusesAtCancel = f.handler.Statuses() })

	require.NoError(t, f.supervisor.RequestDisconnect())
	waitFor(t, func() bool { return f.model.ConnectionState() == Disconnected }, "disconnected")

	// consumers learn about the disconnect before the link is cancelled
	assert.Equal(t, []ConnectionState{Connected, Disconnected}, statusesAtCancel)
	assert.Equal(t, epoch, f.handler.Events()[1].Epoch)
	assert.Equal(t, []string{"connect", "discover", "cancel"}, bike.Calls())
	assert.False(t, bike.IsConnected())

	waitFor(t, func() bool { return len(f.states()) == 6 }, "all states recorded")
	assert.Equal(t, []ConnectionState{Disconnected, Connecting, Discovering, Connected, Disconnecting, Disconnected}, f.states())
	assert.True(t, f.logs.Contains("disconnected by user..."))

	// idle again, a new epoch may start
	require.NoError(t, f.supervisor.RequestConnect(deviceFor(bike)))
	waitFor(t, func() bool { return len(f.handler.Events()) == 3 }, "second epoch")
	assert.NotEqual(t, epoch, f.handler.Events()[2].Epoch)
}

func TestConnectionSupervisor_ConnectFailure(t *testing.T) {
	f := newSupervisorFixture(t)
	logger, _ := newTestLogger()
	bike := newBike(logger, "AA")
	bike.FailConnect(errors.New("refused"))

	require.NoError(t, f.supervisor.RequestConnect(deviceFor(bike)))
	waitFor(t, func() bool { return len(f.states()) == 3 }, "back to disconnected")

	assert.Equal(t, []ConnectionState{Disconnected, Connecting, Disconnected}, f.states())
	assert.Empty(t, f.handler.Events())
	assert.True(t, f.logs.Contains("ATT: 133, reason: GATT_ERROR"))
	assert.True(t, f.logs.Contains("connect AA"))

	waitFor(t, func() bool { return f.supervisor.RequestConnect(deviceFor(bike)) == nil }, "accepts a retry")
}

func TestConnectionSupervisor_DiscoverFailureCancelsLink(t *testing.T) {
	f := newSupervisorFixture(t)
	logger, _ := newTestLogger()
	bike := newBike(logger, "AA")
	bike.FailDiscover(errors.New("no services"))

	require.NoError(t, f.supervisor.RequestConnect(deviceFor(bike)))
	waitFor(t, func() bool { return len(f.states()) == 4 }, "back to disconnected")

	assert.Equal(t, []ConnectionState{Disconnected, Connecting, Discovering, Disconnected}, f.states())
	assert.Empty(t, f.handler.Events())
	assert.Equal(t, []string{"connect", "discover", "cancel"}, bike.Calls())
	assert.False(t, bike.IsConnected())
	assert.True(t, f.logs.Contains("discover services: no services"))
}

func TestConnectionSupervisor_RemoteDisconnect(t *testing.T) {
	f := newSupervisorFixture(t)
	logger, _ := newTestLogger()
	bike := newBike(logger, "AA")

	require.NoError(t, f.supervisor.RequestConnect(deviceFor(bike)))
	waitFor(t, func() bool { return len(f.handler.Events()) == 1 }, "connected")

	bike.TriggerRemoteDisconnect(errors.New("link lost"))
	waitFor(t, func() bool { return len(f.handler.Events()) == 2 }, "disconnect published")
	waitFor(t, func() bool { return f.model.ConnectionState() == Disconnected }, "disconnected")

	assert.Equal(t, []ConnectionState{Connected, Disconnected}, f.handler.Statuses())
	assert.True(t, f.logs.Contains("disconnected by device..."))
	assert.True(t, f.logs.Contains("ERROR: link lost"))
	// the link is already gone, nothing to cancel
	assert.Equal(t, []string{"connect", "discover"}, bike.Calls())
}

func TestConnectionSupervisor_ShutdownWhileConnected(t *testing.T) {
	f := newSupervisorFixture(t)
	logger, _ := newTestLogger()
	bike := newBike(logger, "AA")

	require.NoError(t, f.supervisor.RequestConnect(deviceFor(bike)))
	waitFor(t, func() bool { return len(f.handler.Events()) == 1 }, "connected")

	f.cancel()
	f.wg.Wait()

	assert.Equal(t, []ConnectionState{Connected, Disconnected}, f.handler.Statuses())
	assert.Equal(t, Disconnected, f.model.ConnectionState())
	assert.False(t, bike.IsConnected())
}

func TestConnectionSupervisor_RejectsDeviceWithoutPeripheral(t *testing.T) {
	f := newSupervisorFixture(t)
	assert.ErrorIs(t, f.supervisor.RequestConnect(DiscoveredDevice{ID: "AA"}), ErrUnknownDevice)
}
