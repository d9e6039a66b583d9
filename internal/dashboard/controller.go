package dashboard

import (
	"errors"
	"log"

	"github.com/lowaak/smart-trainer/echex-bike/internal/events"
	"github.com/lowaak/smart-trainer/echex-bike/internal/trainer"
)

// Commands is the part of the session engine the dashboard drives
type Commands interface {
	Connect(deviceID string) error
	ConnectActive() error
	Disconnect() error
	ClearSession()
	ClearActiveDevice()
}

// Verify SessionEngine implements Commands
var _ Commands = (*trainer.SessionEngine)(nil)

// Controller turns key presses and list selections into engine commands
type Controller struct {
	commands   Commands
	model      *trainer.SessionModel
	logger     *log.Logger
	closeEvent *events.ChannelEvent[struct{}]
}

func NewController(commands Commands, model *trainer.SessionModel, logger *log.Logger) *Controller {
	if commands == nil {
		panic("Controller: commands cannot be nil")
	}
	if model == nil {
		panic("Controller: model cannot be nil")
	}
	if logger == nil {
		panic("Controller: logger cannot be nil")
	}
	return &Controller{
		commands:   commands,
		model:      model,
		logger:     logger,
		closeEvent: events.NewChannelEvent[struct{}](true),
	}
}

// DeviceSelected connects to the device shown at index of the device list
func (c *Controller) DeviceSelected(index int) {
	devices := c.model.Devices().Devices
	if index < 0 || index >= len(devices) {
		c.logger.Printf("UI: index %d out of range (have %d devices)", index, len(devices))
		return
	}
	d := devices[index]
	c.logger.Printf("UI: connecting to %s (%s)", d.Name, d.ID)
	c.report("connect", c.commands.Connect(d.ID))
}

func (c *Controller) ConnectActive() {
	c.report("connect", c.commands.ConnectActive())
}

func (c *Controller) Disconnect() {
	c.report("disconnect", c.commands.Disconnect())
}

func (c *Controller) ClearSession() {
	c.commands.ClearSession()
}

func (c *Controller) ClearActiveDevice() {
	c.logger.Printf("UI: clearing active device")
	c.commands.ClearActiveDevice()
}

// OnEscapeKey asks the dashboard to close
func (c *Controller) OnEscapeKey() {
	c.closeEvent.Notify(struct{}{})
}

func (c *Controller) ListenToClose(ch chan<- struct{}) func() {
	return c.closeEvent.Listen(ch)
}

func (c *Controller) report(command string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, trainer.ErrBusy), errors.Is(err, trainer.ErrNotConnected), errors.Is(err, trainer.ErrNoActiveDevice):
		c.logger.Printf("UI: %s ignored: %v", command, err)
	default:
		c.logger.Printf("UI: %s failed: %v", command, err)
	}
}
