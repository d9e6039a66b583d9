package trainer

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/lowaak/smart-trainer/echex-bike/internal/bt"
	"github.com/lowaak/smart-trainer/echex-bike/internal/protocol"

	"github.com/oklog/ulid/v2"
)

// StatusHandler consumes connection status events. HandleStatus is called
// synchronously by the supervisor; when it returns the handler has finished
// reacting to the event.
type StatusHandler interface {
	HandleStatus(ev ConnectionEvent)
}

const teardownTimeout = 5 * time.Second

// ConnectionSupervisor owns the connection state machine for one device at
// a time:
//
//	Disconnected -> Connecting -> Discovering -> Connected -> Disconnecting -> Disconnected
//
// Any failure while connecting or discovering goes straight back to
// Disconnected.
type ConnectionSupervisor struct {
	model         *SessionModel
	handlers      []StatusHandler
	logger        *log.Logger
	connectReq    chan DiscoveredDevice
	disconnectReq chan struct{}
	busy          atomic.Bool
}

func NewConnectionSupervisor(model *SessionModel, logger *log.Logger, handlers ...StatusHandler) *ConnectionSupervisor {
	if model == nil || logger == nil {
		panic("ConnectionSupervisor: model and logger must be non nil")
	}
	return &ConnectionSupervisor{
		model:         model,
		handlers:      handlers,
		logger:        logger,
		connectReq:    make(chan DiscoveredDevice, 1),
		disconnectReq: make(chan struct{}, 1),
	}
}

// RequestConnect queues a connect to d. It is only accepted while idle.
func (s *ConnectionSupervisor) RequestConnect(d DiscoveredDevice) error {
	if d.Peripheral == nil {
		return ErrUnknownDevice
	}
	if s.model.ConnectionState() != Disconnected || !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	s.connectReq <- d
	return nil
}

// RequestDisconnect asks the connected epoch to end. It is only accepted
// while Connected.
func (s *ConnectionSupervisor) RequestDisconnect() error {
	if s.model.ConnectionState() != Connected {
		return ErrNotConnected
	}
	select {
	case s.disconnectReq <- struct{}{}:
	default:
		// already requested
	}
	return nil
}

// Run serves connect requests until ctx ends
func (s *ConnectionSupervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-s.connectReq:
			s.runConnection(ctx, d)
		}
	}
}

func (s *ConnectionSupervisor) publish(ev ConnectionEvent) {
	for _, h := range s.handlers {
		h.HandleStatus(ev)
	}
	s.model.PublishConnectionEvent(ev)
}

func (s *ConnectionSupervisor) drainDisconnectRequests() {
	for {
		select {
		case <-s.disconnectReq:
		default:
			return
		}
	}
}

func (s *ConnectionSupervisor) fail(err error) {
	s.logger.Printf("ConnectionSupervisor: %s", bt.Describe(err))
}

// runConnection runs one connection epoch. The disconnect notification
// stream is closed and the state returns to Disconnected on every exit path.
func (s *ConnectionSupervisor) runConnection(ctx context.Context, d DiscoveredDevice) {
	p := d.Peripheral
	disconnects := p.OnDisconnected()
	defer func() {
		disconnects.Close()
		s.busy.Store(false)
		s.model.SetConnectionState(Disconnected)
	}()
	s.drainDisconnectRequests()

	s.logger.Printf("ConnectionSupervisor: connecting to %s (%s)", d.Name, d.ID)
	s.model.SetConnectionState(Connecting)
	if err := p.Connect(ctx); err != nil {
		s.fail(&ConnectError{Stage: StageConnect, DeviceID: d.ID, Err: err})
		return
	}

	s.model.SetConnectionState(Discovering)
	if err := p.DiscoverServices(ctx, protocol.ServiceUUID, protocol.AllCharacteristicUUIDs); err != nil {
		s.fail(&ConnectError{Stage: StageDiscover, DeviceID: d.ID, Err: err})
		s.cancelConnection(p)
		return
	}

	s.model.SetConnectionState(Connected)
	epoch := ulid.Make()
	s.logger.Printf("ConnectionSupervisor: connected to %s, epoch %s", d.ID, epoch)
	s.publish(ConnectionEvent{Status: Connected, Device: d, Epoch: epoch})

	disconnected := ConnectionEvent{Status: Disconnected, Device: d, Epoch: epoch}
	select {
	case <-s.disconnectReq:
		s.logger.Printf("ConnectionSupervisor: disconnected by user...")
		s.model.SetConnectionState(Disconnecting)
		s.publish(disconnected)
		s.cancelConnection(p)

	case err := <-disconnects.C():
		s.logger.Printf("ConnectionSupervisor: disconnected by device...")
		if err != nil {
			s.fail(err)
		}
		s.model.SetConnectionState(Disconnecting)
		s.publish(disconnected)

	case <-ctx.Done():
		s.logger.Printf("ConnectionSupervisor: shutting down connection to %s", d.ID)
		s.model.SetConnectionState(Disconnecting)
		s.publish(disconnected)
		s.cancelConnection(p)
	}
}

func (s *ConnectionSupervisor) cancelConnection(p bt.Peripheral) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := p.CancelConnection(ctx); err != nil {
		s.fail(err)
	}
}
