package bt

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/lowaak/smart-trainer/echex-bike/internal/events"
	"github.com/lowaak/smart-trainer/echex-bike/internal/safe_map"
	"tinygo.org/x/bluetooth"
)

// Verify btDeviceImpl implements Peripheral
var _ Peripheral = (*btDeviceImpl)(nil)

type btDeviceImpl struct {
	adapter              *bluetooth.Adapter
	address              bluetooth.Address
	localName            string
	connectedDevice      *bluetooth.Device // nil when not connected
	userCancelled        bool
	mu                   sync.RWMutex
	bleMu                sync.Mutex // Serializes BLE characteristic operations (notifications, writes)
	logger               *log.Logger
	characteristicByUuid *safe_map.SafeMap[string, *bluetooth.DeviceCharacteristic]
	disconnectEvent      *events.CallbackEvent[error]
}

func newBtDeviceImpl(logger *log.Logger, adapter *bluetooth.Adapter, address bluetooth.Address) *btDeviceImpl {
	if logger == nil {
		panic("logger must be non nil")
	}
	return &btDeviceImpl{
		adapter:              adapter,
		address:              address,
		localName:            "Unknown",
		logger:               logger,
		characteristicByUuid: safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic](),
		disconnectEvent:      events.NewCallbackEvent[error](false),
	}
}

func (b *btDeviceImpl) ID() string {
	return b.address.String()
}

func (b *btDeviceImpl) Name() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.localName
}

func (b *btDeviceImpl) setLocalName(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.localName = name
}

func (b *btDeviceImpl) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice != nil
}

func (b *btDeviceImpl) getConnectedDevice() *bluetooth.Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice
}

type connectResult struct {
	device bluetooth.Device
	err    error
}

// Connect blocks until the link is up or ctx ends. A connect that completes
// after ctx ended is torn down again.
func (b *btDeviceImpl) Connect(ctx context.Context) error {
	b.logger.Printf("BTDevice: connecting to %s", b.ID())

	resultCh := make(chan connectResult, 1)
	go func() {
		device, err := b.adapter.Connect(b.address, bluetooth.ConnectionParams{})
		resultCh <- connectResult{device: device, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return &Error{Op: "connect " + b.ID(), Err: res.err}
		}
		b.mu.Lock()
		b.connectedDevice = &res.device
		b.userCancelled = false
		b.mu.Unlock()
		b.characteristicByUuid.Clear()
		return nil
	case <-ctx.Done():
		go func() {
			if res := <-resultCh; res.err == nil {
				if err := res.device.Disconnect(); err != nil {
					b.logger.Printf("BTDevice: disconnect after cancelled connect: %v", err)
				}
			}
		}()
		return ctx.Err()
	}
}

// DiscoverServices discovers one service and the listed characteristics and
// caches them for Monitor and WriteWithoutResponse
func (b *btDeviceImpl) DiscoverServices(ctx context.Context, serviceUuidStr string, characteristicUuidStrs []string) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	device := b.getConnectedDevice()
	if device == nil {
		return ErrNotConnected
	}

	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return fmt.Errorf("invalid service UUID %q: %w", serviceUuidStr, err)
	}
	charUuids := make([]bluetooth.UUID, 0, len(characteristicUuidStrs))
	for _, s := range characteristicUuidStrs {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("invalid characteristic UUID %q: %w", s, err)
		}
		charUuids = append(charUuids, u)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	b.logger.Printf("BTDevice: discovering service %s", serviceUuidStr)
	services, err := device.DiscoverServices([]bluetooth.UUID{serviceUuid})
	if err != nil {
		return &Error{Op: "discover services", Err: err}
	}
	if len(services) == 0 {
		return &Error{Op: "discover services", Reason: fmt.Sprintf("service %s not found", serviceUuidStr)}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	chars, err := services[0].DiscoverCharacteristics(charUuids)
	if err != nil {
		return &Error{Op: "discover characteristics", Err: err}
	}
	for i := range chars {
		char := &chars[i]
		b.characteristicByUuid.Store(charKey(serviceUuid, char.UUID()), char)
		b.logger.Printf("BTDevice: cached characteristic %s", char.UUID().String())
	}
	for _, u := range charUuids {
		if _, ok := b.characteristicByUuid.Load(charKey(serviceUuid, u)); !ok {
			return &Error{Op: "discover characteristics", Reason: fmt.Sprintf("characteristic %s not found", u.String())}
		}
	}
	return nil
}

func charKey(serviceUuid, charUuid bluetooth.UUID) string {
	return fmt.Sprintf("%s_%s", serviceUuid.String(), charUuid.String())
}

func (b *btDeviceImpl) getDeviceCharacteristic(serviceUuidStr, characteristicUuidStr string) (*bluetooth.DeviceCharacteristic, error) {
	if !b.IsConnected() {
		return nil, ErrNotConnected
	}
	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUuidStr, err)
	}
	characteristicUuid, err := bluetooth.ParseUUID(characteristicUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", characteristicUuidStr, err)
	}
	char, ok := b.characteristicByUuid.Load(charKey(serviceUuid, characteristicUuid))
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", serviceUuidStr, characteristicUuidStr, ErrUnknownCharacteristic)
	}
	return char, nil
}

func (b *btDeviceImpl) WriteWithoutResponse(serviceUuidStr, characteristicUuidStr string, data []byte) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	char, err := b.getDeviceCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	if _, err := char.WriteWithoutResponse(data); err != nil {
		return &Error{Op: "write " + characteristicUuidStr, Err: err}
	}
	return nil
}

// Monitor enables notifications on a characteristic. Closing the returned
// subscription disables them.
func (b *btDeviceImpl) Monitor(serviceUuidStr, characteristicUuidStr string) (*events.Subscription[Notification], error) {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	char, err := b.getDeviceCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return nil, err
	}

	var enabled atomic.Bool
	sub := events.NewSubscription[Notification](func() {
		if !enabled.Load() || !b.IsConnected() {
			return
		}
		b.bleMu.Lock()
		defer b.bleMu.Unlock()
		// Pass nil callback to disable notifications
		if err := char.EnableNotifications(nil); err != nil {
			b.logger.Printf("BTDevice: disable notifications on %s: %v", characteristicUuidStr, err)
		}
	})

	err = char.EnableNotifications(func(buf []byte) {
		value := make([]byte, len(buf))
		copy(value, buf)
		sub.Push(Notification{Value: value})
	})
	if err != nil {
		sub.Close()
		return nil, &Error{Op: "monitor " + characteristicUuidStr, Err: err}
	}
	enabled.Store(true)
	b.logger.Printf("BTDevice: notifications enabled for %s", characteristicUuidStr)
	return sub, nil
}

func (b *btDeviceImpl) OnDisconnected() *events.Subscription[error] {
	return events.Subscribe(b.disconnectEvent)
}

func (b *btDeviceImpl) CancelConnection(ctx context.Context) error {
	b.mu.Lock()
	b.userCancelled = true
	b.mu.Unlock()
	return b.disconnect()
}

func (b *btDeviceImpl) disconnect() error {
	b.mu.Lock()
	device := b.connectedDevice
	b.connectedDevice = nil
	b.mu.Unlock()
	b.characteristicByUuid.Clear()

	if device == nil {
		return nil
	}
	if err := device.Disconnect(); err != nil {
		return &Error{Op: "disconnect " + b.ID(), Err: err}
	}
	return nil
}

// handleDisconnect is called from the adapter's connect handler
func (b *btDeviceImpl) handleDisconnect() {
	b.mu.Lock()
	wasConnected := b.connectedDevice != nil
	userCancelled := b.userCancelled
	b.connectedDevice = nil
	b.mu.Unlock()
	b.characteristicByUuid.Clear()

	if wasConnected && !userCancelled {
		b.disconnectEvent.Notify(nil)
	}
}
