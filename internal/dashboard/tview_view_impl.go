package dashboard

import (
	"fmt"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/echex-bike/internal/protocol"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const keyHelp = "[yellow]Enter[white] Connect  |  [yellow]A[white] Connect active  |  [yellow]D[white] Disconnect\n" +
	"[yellow]C[white] Clear session  |  [yellow]X[white] Clear active  |  [yellow]Tab[white] Focus  |  [yellow]Esc[white] Quit"

// TviewViewImpl implements ViewImpl with tview
type TviewViewImpl struct {
	logger *log.Logger
	app    *tview.Application

	mainFlex    *tview.Flex
	statusText  *tview.TextView
	deviceList  *tview.List
	readingText *tview.TextView
	logView     *tview.TextView
	tabWidgets  []*tview.Box

	// guards the list against a selection racing a refresh
	listMu sync.Mutex
}

// Verify TviewViewImpl implements ViewImpl
var _ ViewImpl = (*TviewViewImpl)(nil)

func NewTviewView(logger *log.Logger, app *tview.Application) *TviewViewImpl {
	if logger == nil || app == nil {
		panic("TviewViewImpl: logger and app must be non nil")
	}
	return &TviewViewImpl{logger: logger, app: app}
}

func (ui *TviewViewImpl) Initialize(controller *Controller) {
	// no SetChangedFunc with app.Draw, the dashboard draws after every update
	ui.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)
	ui.logView.SetBorder(true).SetTitle(" Log (newest first) ")

	help := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText(keyHelp)

	ui.statusText = tview.NewTextView().SetDynamicColors(true)
	ui.statusText.SetBorder(true).SetTitle(" Status ")
	ui.SetStatus(Status{})

	ui.deviceList = tview.NewList().
		ShowSecondaryText(false).
		SetSelectedFunc(func(index int, mainText, secondaryText string, shortcut rune) {
			ui.logger.Printf("UI: device selected: index=%d, text=%s", index, mainText)
			controller.DeviceSelected(index)
		})
	ui.deviceList.SetBorder(true).SetTitle(" ECHEX bikes (Enter to connect) ")

	ui.readingText = tview.NewTextView().SetDynamicColors(true)
	ui.readingText.SetBorder(true).SetTitle(" Telemetry ")
	ui.UpdateReading(protocol.Reading{}, 1)

	ui.tabWidgets = []*tview.Box{ui.deviceList.Box, ui.readingText.Box, ui.logView.Box}

	left := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(help, 2, 0, false).
		AddItem(ui.statusText, 5, 0, false).
		AddItem(ui.deviceList, 0, 1, true).
		AddItem(ui.readingText, 0, 2, false)

	ui.mainFlex = tview.NewFlex().
		AddItem(left, 0, 1, true).
		AddItem(ui.logView, 0, 1, false)
}

func (ui *TviewViewImpl) SetupKeyboardHandlers(controller *Controller) {
	ui.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyTab:
			ui.focusNext()
			return nil
		case tcell.KeyEscape:
			controller.OnEscapeKey()
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'a':
				controller.ConnectActive()
				return nil
			case 'd':
				controller.Disconnect()
				return nil
			case 'c':
				controller.ClearSession()
				return nil
			case 'x':
				controller.ClearActiveDevice()
				return nil
			}
		}
		return event
	})
}

func (ui *TviewViewImpl) focusNext() {
	for i, w := range ui.tabWidgets {
		if w.HasFocus() {
			ui.app.SetFocus(ui.tabWidgets[(i+1)%len(ui.tabWidgets)])
			return
		}
	}
	ui.app.SetFocus(ui.tabWidgets[0])
}

func (ui *TviewViewImpl) Run() error {
	// SetRoot must come before SetFocus or the focus is reset
	ui.app.SetRoot(ui.mainFlex, true)
	ui.app.SetFocus(ui.deviceList)
	return ui.app.Run()
}

func (ui *TviewViewImpl) Stop() {
	ui.app.Stop()
}

func (ui *TviewViewImpl) Draw() error {
	ui.app.Draw()
	return nil
}

func (ui *TviewViewImpl) GetLogViewHeight() int {
	_, _, _, height := ui.logView.GetInnerRect()
	return height
}

func (ui *TviewViewImpl) ClearLogView() {
	ui.logView.Clear()
}

func (ui *TviewViewImpl) WriteLogLine(line string) error {
	_, err := fmt.Fprint(ui.logView, tview.Escape(line))
	return err
}

// SetDeviceList keeps the current selection when the same row is still listed
func (ui *TviewViewImpl) SetDeviceList(items []string, active int) {
	ui.listMu.Lock()
	defer ui.listMu.Unlock()

	var selected string
	if current := ui.deviceList.GetCurrentItem(); current < ui.deviceList.GetItemCount() {
		selected, _ = ui.deviceList.GetItemText(current)
	}

	ui.deviceList.Clear()
	selectedIdx := -1
	for i, item := range items {
		text := item
		if i == active {
			text = "* " + item
		}
		if text == selected {
			selectedIdx = i
		}
		ui.deviceList.AddItem(text, "", 0, nil)
	}
	if selectedIdx > -1 {
		ui.deviceList.SetCurrentItem(selectedIdx)
	}
}

func (ui *TviewViewImpl) SetStatus(status Status) {
	device := status.Device
	if device == "" {
		device = "[gray]none[white]"
	}
	ui.statusText.SetText(fmt.Sprintf(
		" Bluetooth:  [yellow]%s[white]\n Connection: [yellow]%s[white]\n Bike:       %s",
		orUnknown(status.Adapter), orUnknown(status.Connection), device))
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func (ui *TviewViewImpl) UpdateReading(reading protocol.Reading, count int) {
	text := "\n"
	text += fmt.Sprintf("  Timer:       [yellow]%s[white]\n\n", protocol.FormatElapsed(reading.TimerSeconds))
	text += fmt.Sprintf("  Speed:       [yellow]%.1f[white] mph\n", reading.SpeedMph)
	text += fmt.Sprintf("  Cadence:     [yellow]%d[white] rpm\n", reading.RPM)
	text += fmt.Sprintf("  Resistance:  [yellow]%d[white]\n", reading.Resistance)
	text += fmt.Sprintf("  Power:       [yellow]%.0f[white] W\n\n", reading.Watts)
	text += fmt.Sprintf("  Distance:    [yellow]%.2f[white] mi\n", reading.DistanceMiles)
	text += fmt.Sprintf("  Calories:    [yellow]%.1f[white]\n\n", reading.Calories)
	text += fmt.Sprintf("  [gray]%d samples[white]\n", count)
	ui.readingText.SetText(text)
}
