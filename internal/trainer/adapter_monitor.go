package trainer

import (
	"context"
	"log"

	"github.com/lowaak/smart-trainer/echex-bike/internal/bt"
)

// AdapterMonitor copies the adapter state stream into the session model
type AdapterMonitor struct {
	adapter bt.Adapter
	model   *SessionModel
	logger  *log.Logger
}

func NewAdapterMonitor(adapter bt.Adapter, model *SessionModel, logger *log.Logger) *AdapterMonitor {
	if adapter == nil || model == nil || logger == nil {
		panic("AdapterMonitor: adapter, model and logger must be non nil")
	}
	return &AdapterMonitor{adapter: adapter, model: model, logger: logger}
}

// Run forwards states until ctx ends. The subscription is closed on every
// exit path.
func (a *AdapterMonitor) Run(ctx context.Context) {
	sub := a.adapter.StateChanges()
	defer sub.Close()

	for {
		state, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if state != bt.AdapterPoweredOn {
			a.logger.Printf("AdapterMonitor: %v: adapter is %v", ErrAdapterUnavailable, state)
		}
		a.model.SetAdapterState(state)
	}
}
