package dashboard

import (
	"github.com/lowaak/smart-trainer/echex-bike/internal/protocol"
)

// ViewImpl is the framework specific part of the dashboard
type ViewImpl interface {
	// Initialize builds the widgets. controller handles widget events.
	Initialize(controller *Controller)

	SetupKeyboardHandlers(controller *Controller)

	// Run blocks until the UI exits
	Run() error
	Stop()
	Draw() error

	GetLogViewHeight() int
	ClearLogView()
	WriteLogLine(line string) error

	// SetDeviceList shows the discovered bikes. active is the index of the
	// active device or -1.
	SetDeviceList(items []string, active int)

	SetStatus(status Status)

	UpdateReading(reading protocol.Reading, count int)
}

// Status is the header line of the dashboard
type Status struct {
	Adapter    string
	Connection string
	Device     string
}
