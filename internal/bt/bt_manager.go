package bt

import (
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/echex-bike/internal/events"
	"github.com/lowaak/smart-trainer/echex-bike/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/echex-bike/internal/safe_map"

	"tinygo.org/x/bluetooth"
)

// Verify BTManager implements Adapter
var _ Adapter = (*BTManager)(nil)

// BTManager is the Adapter backed by the host radio
type BTManager struct {
	adapter          *bluetooth.Adapter
	devicesByAddress *safe_map.SafeMap[string, *btDeviceImpl]
	stateEvent       *events.CallbackEvent[AdapterState]
	mu               sync.Mutex
	scanSub          *events.Subscription[ScanEvent]
	wg               sync.WaitGroup
	logger           *log.Logger
}

func NewBTManager(adapter *bluetooth.Adapter, logger *log.Logger) *BTManager {
	if adapter == nil {
		panic("BTManager: adapter cannot be nil")
	}
	if logger == nil {
		panic("BTManager: logger cannot be nil")
	}
	m := &BTManager{
		adapter:          adapter,
		devicesByAddress: safe_map.NewSafeMap[string, *btDeviceImpl](),
		stateEvent:       events.NewCallbackEvent[AdapterState](true),
		logger:           logger,
	}
	m.stateEvent.Notify(AdapterUnknown)
	return m
}

// Enable powers up the radio and installs the connection handler. tinygo
// has no adapter state stream, so a successful enable is reported as
// PoweredOn and a failure as Unsupported, which leaves scanning gated off.
func (m *BTManager) Enable() error {
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addressStr := device.Address.String()
		d, ok := m.devicesByAddress.Load(addressStr)
		if !ok {
			m.logger.Printf("BTManager: connect handler for unknown device %s (connected=%v)", addressStr, connected)
			return
		}
		if connected {
			m.logger.Printf("BTManager: device connected: %s", addressStr)
			return
		}
		m.logger.Printf("BTManager: device disconnected: %s", addressStr)
		d.handleDisconnect()
	})

	m.stateEvent.Notify(AdapterResetting)
	if err := m.adapter.Enable(); err != nil {
		m.logger.Printf("BTManager: enable failed: %v", err)
		m.stateEvent.Notify(AdapterUnsupported)
		return &Error{Op: "enable adapter", Err: err}
	}
	m.stateEvent.Notify(AdapterPoweredOn)
	return nil
}

func (m *BTManager) StateChanges() *events.Subscription[AdapterState] {
	return events.Subscribe(m.stateEvent)
}

func (m *BTManager) peripheral(result bluetooth.ScanResult) *btDeviceImpl {
	addressStr := result.Address.String()
	d, ok := m.devicesByAddress.Load(addressStr)
	if !ok {
		var loaded bool
		d, loaded = m.devicesByAddress.LoadOrStore(addressStr, newBtDeviceImpl(m.logger, m.adapter, result.Address))
		if !loaded {
			m.logger.Printf("BTManager: new device %s (%s) [RSSI: %d]", result.LocalName(), addressStr, result.RSSI)
		}
	}
	if name := result.LocalName(); name != "" {
		d.setLocalName(name)
	}
	return d
}

// StartScan runs adapter.Scan on its own goroutine. Closing the returned
// subscription stops the scan and waits for that goroutine to exit.
func (m *BTManager) StartScan() (*events.Subscription[ScanEvent], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scanSub != nil {
		return nil, ErrScanInProgress
	}

	done := make(chan struct{})
	var sub *events.Subscription[ScanEvent]
	sub = events.NewSubscription[ScanEvent](func() {
		if err := m.adapter.StopScan(); err != nil {
			m.logger.Printf("BTManager: stop scan: %v", err)
		}
		<-done
		m.mu.Lock()
		if m.scanSub == sub {
			m.scanSub = nil
		}
		m.mu.Unlock()
	})
	m.scanSub = sub

	m.logger.Println("BTManager: starting scan")
	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		defer close(done)
		defer m.logger.Printf("BTManager: exiting scan loop")

		err := m.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			select {
			case <-sub.Done():
				return
			default:
			}
			sub.Push(ScanEvent{Device: m.peripheral(result)})
		})
		if err != nil {
			sub.Push(ScanEvent{Err: &Error{Op: "scan", Err: err}})
		}
	})
	return sub, nil
}

// Shutdown cancels any connected peripheral, stops scanning and waits
// for the scan goroutine
func (m *BTManager) Shutdown() {
	m.logger.Println("BTManager: shutting down")
	m.devicesByAddress.Range(func(address string, d *btDeviceImpl) bool {
		if d.IsConnected() {
			if err := d.disconnect(); err != nil {
				m.logger.Printf("BTManager: error disconnecting from %s: %v", address, err)
			}
		}
		return true
	})

	m.mu.Lock()
	sub := m.scanSub
	m.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
	m.wg.Wait()
	m.logger.Printf("BTManager: shutdown complete, %d devices seen", m.devicesByAddress.Len())
}
