package bt

import (
	"context"
	"errors"
	"fmt"

	"github.com/lowaak/smart-trainer/echex-bike/internal/events"
)

type AdapterState int

const (
	AdapterUnknown AdapterState = iota
	AdapterResetting
	AdapterUnsupported
	AdapterUnauthorized
	AdapterPoweredOff
	AdapterPoweredOn
)

func (s AdapterState) String() string {
	switch s {
	case AdapterResetting:
		return "Resetting"
	case AdapterUnsupported:
		return "Unsupported"
	case AdapterUnauthorized:
		return "Unauthorized"
	case AdapterPoweredOff:
		return "PoweredOff"
	case AdapterPoweredOn:
		return "PoweredOn"
	default:
		return "Unknown"
	}
}

// ScanEvent is one result of a discovery stream. Exactly one of Device and
// Err is set.
type ScanEvent struct {
	Device Peripheral
	Err    error
}

// Notification is one value from a characteristic notification stream
type Notification struct {
	Value []byte
	Err   error
}

// Adapter is the local radio
type Adapter interface {
	// StateChanges streams adapter states, starting with the current one.
	// Closing the subscription unsubscribes.
	StateChanges() *events.Subscription[AdapterState]

	// StartScan opens a discovery stream. Closing the subscription stops
	// discovery. Only one scan may be open at a time.
	StartScan() (*events.Subscription[ScanEvent], error)
}

// Peripheral is a remote device seen by a scan
type Peripheral interface {
	ID() string
	Name() string

	Connect(ctx context.Context) error
	DiscoverServices(ctx context.Context, serviceUUID string, characteristicUUIDs []string) error
	CancelConnection(ctx context.Context) error

	// OnDisconnected streams platform initiated disconnects. The value is the
	// platform error, if any.
	OnDisconnected() *events.Subscription[error]

	WriteWithoutResponse(serviceUUID, characteristicUUID string, data []byte) error
	Monitor(serviceUUID, characteristicUUID string) (*events.Subscription[Notification], error)
}

// Permissions is the platform permission primitive used before scanning
type Permissions interface {
	// Required reports whether the platform needs a location class grant to scan
	Required() bool
	RequestLocation(ctx context.Context) (granted bool, err error)
}

// NoPermissions is used on platforms where scanning needs no grant
type NoPermissions struct{}

func (NoPermissions) Required() bool { return false }

func (NoPermissions) RequestLocation(context.Context) (bool, error) { return true, nil }

var (
	ErrNotConnected          = errors.New("peripheral not connected")
	ErrScanInProgress        = errors.New("scan already in progress")
	ErrUnknownCharacteristic = errors.New("characteristic not discovered")
)

// Error is a platform failure with the codes the radio stack reports
type Error struct {
	Op      string
	ATTCode int
	HasATT  bool
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Describe renders err as a single log line including the platform codes
// when err carries them
func Describe(err error) string {
	att := "null"
	reason := "null"
	var btErr *Error
	if errors.As(err, &btErr) {
		if btErr.HasATT {
			att = fmt.Sprintf("%d", btErr.ATTCode)
		}
		if btErr.Reason != "" {
			reason = btErr.Reason
		}
	}
	return fmt.Sprintf("ERROR: %v, ATT: %s, reason: %s", err, att, reason)
}
