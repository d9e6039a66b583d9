package trainer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lowaak/smart-trainer/echex-bike/internal/bt"
	"github.com/lowaak/smart-trainer/echex-bike/internal/protocol"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectedBike(t *testing.T, id string) *bt.SimPeripheral {
	logger, _ := newTestLogger()
	bike := newBike(logger, id)
	ctx := context.Background()
	require.NoError(t, bike.Connect(ctx))
	require.NoError(t, bike.DiscoverServices(ctx, protocol.ServiceUUID, protocol.AllCharacteristicUUIDs))
	return bike
}

func TestRunTelemetry_HandshakeThenPolls(t *testing.T) {
	logger, _ := newTestLogger()
	model := NewSessionModel(logger, nil)
	defer model.Shutdown()
	bike := connectedBike(t, "AA")

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- RunTelemetry(ctx, bike, model, logger, fastTiming) }()

	handshake := fastTiming.Handshake()
	waitFor(t, func() bool { return len(bike.Writes()) >= len(handshake)+2 }, "two polls")
	waitFor(t, func() bool { return len(model.Readings()) >= 3 }, "readings appended")
	assert.Equal(t, 2, bike.ActiveMonitors())

	cancel()
	assert.ErrorIs(t, <-result, context.Canceled)
	assert.Equal(t, 0, bike.ActiveMonitors())

	writes := bike.Writes()
	for i, step := range handshake {
		assert.Equal(t, protocol.FormatHex(step.Frame), writes[i].DataHex, "handshake frame %d", i)
	}
	assert.Equal(t, protocol.FormatHex(protocol.PollCommand(1)), writes[len(handshake)].DataHex)
	assert.Equal(t, protocol.FormatHex(protocol.PollCommand(2)), writes[len(handshake)+1].DataHex)

	head := model.Head()
	assert.Equal(t, uint8(43), head.RPM)
	assert.Equal(t, uint8(3), head.Resistance)
	assert.InDelta(t, 10.0, head.SpeedMph, 0.001)
}

func TestRunTelemetry_CancelDuringHandshake(t *testing.T) {
	logger, _ := newTestLogger()
	model := NewSessionModel(logger, nil)
	defer model.Shutdown()
	bike := connectedBike(t, "AA")

	slow := protocol.Timing{
		HandshakeInitialDelay: time.Millisecond,
		HandshakeStepDelay:    time.Hour,
		PollInterval:          time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- RunTelemetry(ctx, bike, model, logger, slow) }()

	waitFor(t, func() bool { return len(bike.Writes()) == 1 }, "first handshake frame")
	cancel()
	assert.ErrorIs(t, <-result, context.Canceled)

	assert.Equal(t, 0, bike.ActiveMonitors())
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, bike.Writes(), 1)
	assert.Equal(t, []protocol.Reading{{}}, model.Readings())
}

func TestRunTelemetry_WriteFailureEndsLoop(t *testing.T) {
	logger, _ := newTestLogger()
	model := NewSessionModel(logger, nil)
	defer model.Shutdown()
	bike := connectedBike(t, "AA")

	result := make(chan error, 1)
	go func() { result <- RunTelemetry(context.Background(), bike, model, logger, fastTiming) }()

	waitFor(t, func() bool { return len(bike.Writes()) >= 1 }, "handshake started")
	bike.TriggerRemoteDisconnect(errors.New("link lost"))

	select {
	case err := <-result:
		assert.ErrorIs(t, err, bt.ErrNotConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for telemetry loop to end")
	}
	assert.Equal(t, 0, bike.ActiveMonitors())
}

func TestRunTelemetry_IgnoresNoiseAndShortFrames(t *testing.T) {
	logger, logs := newTestLogger()
	model := NewSessionModel(logger, nil)
	defer model.Shutdown()

	bike := bt.NewSimPeripheral(logger, bt.SimPeripheralConfig{ID: "AA", Name: "ECHEX-3 AA"})
	ctx := context.Background()
	require.NoError(t, bike.Connect(ctx))
	require.NoError(t, bike.DiscoverServices(ctx, protocol.ServiceUUID, protocol.AllCharacteristicUUIDs))

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = RunTelemetry(loopCtx, bike, model, logger, fastTiming) }()
	waitFor(t, func() bool { return bike.ActiveMonitors() == 2 }, "monitors open")

	bike.EmitNotification(protocol.CharUUIDNotifyA, protocol.EncodeTelemetry(5, 10, 40))
	bike.EmitNotification(protocol.CharUUIDNotifyB, []byte{0xF0, 0xB0, 0x01, 0x01, 0xA2})
	bike.EmitNotification(protocol.CharUUIDNotifyB, []byte{0xF0, 0xD1, 0x02})
	bike.EmitNotification(protocol.CharUUIDNotifyB, protocol.EncodeResistance(7))

	waitFor(t, func() bool { return model.Head().Resistance == 7 }, "resistance applied")
	assert.Len(t, model.Readings(), 1)
	assert.True(t, logs.Contains(protocol.ErrShortFrame.Error()))
}

func TestTelemetryRunner_FollowsStatusEvents(t *testing.T) {
	logger, _ := newTestLogger()
	model := NewSessionModel(logger, nil)
	defer model.Shutdown()
	bike := connectedBike(t, "AA")

	runner := NewTelemetryRunner(context.Background(), model, logger, fastTiming)
	defer runner.Stop()

	first := ulid.Make()
	runner.HandleStatus(ConnectionEvent{Status: Connected, Device: deviceFor(bike), Epoch: first})
	epoch, ok := runner.Running()
	require.True(t, ok)
	assert.Equal(t, first, epoch)
	waitFor(t, func() bool { return bike.ActiveMonitors() == 2 }, "monitors open")

	second := ulid.Make()
	runner.HandleStatus(ConnectionEvent{Status: Connected, Device: deviceFor(bike), Epoch: second})
	epoch, ok = runner.Running()
	require.True(t, ok)
	assert.Equal(t, second, epoch)

	runner.HandleStatus(ConnectionEvent{Status: Disconnected, Device: deviceFor(bike), Epoch: second})
	_, ok = runner.Running()
	assert.False(t, ok)
	// the loop has released its monitors by the time HandleStatus returns
	assert.Equal(t, 0, bike.ActiveMonitors())
}
