package bridge

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/lowaak/smart-trainer/echex-bike/internal/protocol"
	"github.com/lowaak/smart-trainer/echex-bike/internal/trainer"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stored struct {
	key     string
	fields  map[string]any
	channel string
	payload []byte
}

type fakeSink struct {
	mu     sync.Mutex
	stored []stored
	err    error
	closed bool
}

func (s *fakeSink) Store(ctx context.Context, key string, fields map[string]any, channel string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, stored{key, fields, channel, payload})
	return s.err
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) all() []stored {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stored(nil), s.stored...)
}

func decodeAll(t *testing.T, enc Encoder, items []stored) []Message {
	var result []Message
	for _, item := range items {
		var m Message
		require.NoError(t, enc.Decode(item.payload, &m))
		result = append(result, m)
	}
	return result
}

func TestEncoders(t *testing.T) {
	reading := protocol.Reading{Resistance: 3, TimerSeconds: 65, RPM: 43, SpeedMph: 10, Watts: 12.5}
	m := newMessage(MessageReading, time.UnixMilli(1700000000000))
	m.Reading = &reading
	m.Count = 2

	for _, name := range []string{"json", "cbor"} {
		enc, err := NewEncoder(name)
		require.NoError(t, err)
		assert.Equal(t, name, enc.Name())

		data, err := enc.Encode(m)
		require.NoError(t, err)
		var got Message
		require.NoError(t, enc.Decode(data, &got))
		assert.Equal(t, m, got, name)
	}

	_, err := NewEncoder("xml")
	assert.Error(t, err)
}

func TestMessageIDsSortByTime(t *testing.T) {
	first := newMessage(MessageStatus, time.UnixMilli(1000))
	second := newMessage(MessageStatus, time.UnixMilli(2000))
	assert.Less(t, first.ID, second.ID)
	id, err := ulid.Parse(second.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), id.Time())
}

func TestBridge_PublishesStatusAndReadings(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	model := trainer.NewSessionModel(logger, nil)
	defer model.Shutdown()

	sink := &fakeSink{}
	enc, err := NewEncoder("cbor")
	require.NoError(t, err)
	b := New(model, sink, enc, Config{Key: "bike", Channel: "bike-events"}, logger)
	b.Start()

	// the current session head is replayed on start
	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)

	epoch := ulid.Make()
	model.PublishConnectionEvent(trainer.ConnectionEvent{
		Status: trainer.Connected,
		Device: trainer.DiscoveredDevice{ID: "AA", Name: "ECHEX-3 AA"},
		Epoch:  epoch,
	})
	require.Eventually(t, func() bool { return len(sink.all()) == 2 }, time.Second, 5*time.Millisecond)

	_, err = model.ApplyFrame(protocol.EncodeTelemetry(61, 100, 43))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sink.all()) == 3 }, time.Second, 5*time.Millisecond)

	model.ClearSession()
	require.Eventually(t, func() bool { return len(sink.all()) == 4 }, time.Second, 5*time.Millisecond)

	b.Shutdown()
	assert.True(t, sink.closed)

	items := sink.all()
	for _, item := range items {
		assert.Equal(t, "bike", item.key)
		assert.Equal(t, "bike-events", item.channel)
	}
	messages := decodeAll(t, enc, items)

	assert.Equal(t, MessageReading, messages[0].Type)
	assert.Empty(t, messages[0].Session)

	assert.Equal(t, MessageStatus, messages[1].Type)
	assert.Equal(t, "CONNECTED", messages[1].Status)
	assert.Equal(t, epoch.String(), messages[1].Session)
	assert.Equal(t, "CONNECTED", items[1].fields["status"])

	assert.Equal(t, MessageReading, messages[2].Type)
	assert.Equal(t, epoch.String(), messages[2].Session)
	assert.Equal(t, "AA", messages[2].Device)
	assert.Equal(t, "0:01:01", messages[2].Elapsed)
	require.NotNil(t, messages[2].Reading)
	assert.Equal(t, uint8(43), messages[2].Reading.RPM)
	assert.Equal(t, 2, items[2].fields["count"])

	assert.Equal(t, MessageCleared, messages[3].Type)
	assert.Equal(t, 1, messages[3].Count)
}

func TestBridge_SinkErrorsAreLogged(t *testing.T) {
	buf := &lockedBuffer{}
	logger := log.New(buf, "", 0)
	model := trainer.NewSessionModel(logger, nil)
	defer model.Shutdown()

	sink := &fakeSink{err: errors.New("connection refused")}
	enc, err := NewEncoder("json")
	require.NoError(t, err)
	b := New(model, sink, enc, Config{Key: "bike", Channel: "bike"}, logger)
	b.Start()
	defer b.Shutdown()

	require.Eventually(t, func() bool { return buf.Contains("Bridge: store reading: connection refused") }, time.Second, 5*time.Millisecond)
}
