package trainer

import (
	"github.com/lowaak/smart-trainer/echex-bike/internal/bt"
	"github.com/lowaak/smart-trainer/echex-bike/internal/protocol"

	"github.com/oklog/ulid/v2"
)

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Discovering
	Connected
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Discovering:
		return "DISCOVERING"
	case Connected:
		return "CONNECTED"
	case Disconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// DiscoveredDevice is a bike found by a scan. Peripheral is the platform
// handle used to connect.
type DiscoveredDevice struct {
	ID         string
	Name       string
	Peripheral bt.Peripheral
}

// DeviceList is the discovered set in discovery order plus the active device
type DeviceList struct {
	Devices []DiscoveredDevice
	Active  *DiscoveredDevice
}

// ReadingUpdate is published for every change to the reading sequence.
// Appended is false for resistance-only updates of the head reading and
// Cleared is set when the session was reset.
type ReadingUpdate struct {
	Reading  protocol.Reading
	Appended bool
	Cleared  bool
	Count    int
}

// ConnectionEvent is the status handed from the ConnectionSupervisor to its
// consumers. Epoch identifies one connection for its whole lifetime.
type ConnectionEvent struct {
	Status ConnectionState
	Device DiscoveredDevice
	Epoch  ulid.ULID
}
