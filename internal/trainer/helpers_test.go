package trainer

import (
	"bytes"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lowaak/smart-trainer/echex-bike/internal/bt"
	"github.com/lowaak/smart-trainer/echex-bike/internal/protocol"
)

var fastTiming = protocol.Timing{
	HandshakeInitialDelay: 5 * time.Millisecond,
	HandshakeStepDelay:    time.Millisecond,
	PollInterval:          10 * time.Millisecond,
}

// syncBuffer collects log output from several goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(b.buf.String(), s)
}

func newTestLogger() (*log.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return log.New(buf, "", 0), buf
}

type recordingHandler struct {
	mu     sync.Mutex
	events []ConnectionEvent
}

func (h *recordingHandler) HandleStatus(ev ConnectionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) Events() []ConnectionEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ConnectionEvent(nil), h.events...)
}

func (h *recordingHandler) Statuses() []ConnectionState {
	var result []ConnectionState
	for _, ev := range h.Events() {
		result = append(result, ev.Status)
	}
	return result
}

// recordStates collects every connection state published by the model
func recordStates(model *SessionModel) (func() []ConnectionState, func()) {
	ch := make(chan ConnectionState, 64)
	unregister := model.ListenToConnectionState(ch)
	var mu sync.Mutex
	var states []ConnectionState
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case s := <-ch:
				mu.Lock()
				states = append(states, s)
				mu.Unlock()
			case <-quit:
				return
			}
		}
	}()
	get := func() []ConnectionState {
		mu.Lock()
		defer mu.Unlock()
		return append([]ConnectionState(nil), states...)
	}
	stop := func() {
		unregister()
		close(quit)
		<-done
	}
	return get, stop
}

func newBike(logger *log.Logger, id string) *bt.SimPeripheral {
	return bt.NewSimPeripheral(logger, bt.SimPeripheralConfig{
		ID:          id,
		Name:        "ECHEX-3 " + id,
		AutoRespond: true,
		RPM:         43,
		Resistance:  3,
	})
}

func deviceFor(p *bt.SimPeripheral) DiscoveredDevice {
	return DiscoveredDevice{ID: p.ID(), Name: p.Name(), Peripheral: p}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %s", msg)
}
