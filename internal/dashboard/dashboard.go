package dashboard

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/echex-bike/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/echex-bike/internal/trainer"
)

const resizePollInterval = 100 * time.Millisecond

// Dashboard keeps a ViewImpl in sync with the session model
type Dashboard struct {
	view       ViewImpl
	model      *trainer.SessionModel
	controller *Controller
	logger     *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(view ViewImpl, model *trainer.SessionModel, controller *Controller, logger *log.Logger) *Dashboard {
	if view == nil {
		panic("Dashboard: view cannot be nil")
	}
	if model == nil {
		panic("Dashboard: model cannot be nil")
	}
	if controller == nil {
		panic("Dashboard: controller cannot be nil")
	}
	if logger == nil {
		panic("Dashboard: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dashboard{
		view:       view,
		model:      model,
		controller: controller,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	view.Initialize(controller)
	view.SetupKeyboardHandlers(controller)

	go_func_utils.SafeGoWG(logger, &d.wg, d.monitorLogResize)
	d.updateLogDisplay()
	d.setupEventListeners()
	return d
}

// listen runs refresh once per signal on ch until the dashboard shuts
// down. Signals carry no state, refresh reads it from the model.
func (d *Dashboard) listen(register func(chan<- struct{}) func(), refresh func()) {
	ch := make(chan struct{}, 1)
	unregister := register(ch)
	go_func_utils.SafeGoWG(d.logger, &d.wg, func() {
		defer unregister()
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ch:
				refresh()
				d.draw()
			}
		}
	})
}

func (d *Dashboard) setupEventListeners() {
	d.listen(d.model.ListenToLogChanges, d.updateLogDisplay)
	d.listen(d.model.ListenToChanges, d.refresh)

	// close requests do not redraw
	closeCh := make(chan struct{}, 1)
	unregisterClose := d.controller.ListenToClose(closeCh)
	go_func_utils.SafeGoWG(d.logger, &d.wg, func() {
		defer unregisterClose()
		select {
		case <-d.ctx.Done():
		case <-closeCh:
			d.view.Stop()
		}
	})
}

// refresh copies the current session state into the view
func (d *Dashboard) refresh() {
	list := d.model.Devices()
	items := make([]string, 0, len(list.Devices))
	active := -1
	for i, dev := range list.Devices {
		items = append(items, formatDevice(dev))
		if list.Active != nil && list.Active.ID == dev.ID {
			active = i
		}
	}
	d.view.SetDeviceList(items, active)

	status := Status{
		Adapter:    d.model.AdapterState().String(),
		Connection: d.model.ConnectionState().String(),
	}
	if dev, ok := d.model.ConnectedDevice(); ok {
		status.Device = formatDevice(dev)
	}
	d.view.SetStatus(status)

	d.view.UpdateReading(d.model.Head(), d.model.ReadingCount())
}

func (d *Dashboard) draw() {
	if err := d.view.Draw(); err != nil {
		d.logger.Printf("Dashboard: error drawing: %v", err)
	}
}

// updateLogDisplay shows the newest lines that fit, newest on top
func (d *Dashboard) updateLogDisplay() {
	height := d.view.GetLogViewHeight()
	if height <= 0 {
		return
	}
	d.view.ClearLogView()
	for _, line := range d.model.LogLines(height) {
		if err := d.view.WriteLogLine(line + "\n"); err != nil {
			d.logger.Printf("Dashboard: error writing to log view: %v", err)
		}
	}
}

func (d *Dashboard) monitorLogResize() {
	var lastHeight int
	ticker := time.NewTicker(resizePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			height := d.view.GetLogViewHeight()
			if height != lastHeight && height > 0 {
				lastHeight = height
				d.updateLogDisplay()
				d.draw()
			}
		}
	}
}

// Run blocks until the view exits
func (d *Dashboard) Run() error {
	return d.view.Run()
}

func (d *Dashboard) Shutdown() {
	d.logger.Println("Dashboard: shutting down")
	d.cancel()
	d.wg.Wait()
	d.logger.Println("Dashboard: shutdown complete")
}

func formatDevice(d trainer.DiscoveredDevice) string {
	return fmt.Sprintf("%s (%s)", d.Name, d.ID)
}
