package trainer

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied   = errors.New("location permission denied")
	ErrAdapterUnavailable = errors.New("bluetooth adapter unavailable")
	ErrUnknownDevice      = errors.New("unknown device")
	ErrBusy               = errors.New("connection already in progress")
	ErrNotConnected       = errors.New("not connected")
	ErrNoActiveDevice     = errors.New("no active device")
)

type ConnectStage string

const (
	StageConnect  ConnectStage = "connect"
	StageDiscover ConnectStage = "discover"
)

// ConnectError is a failure while bringing a connection up
type ConnectError struct {
	Stage    ConnectStage
	DeviceID string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.DeviceID, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
