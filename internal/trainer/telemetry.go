package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/echex-bike/internal/bt"
	"github.com/lowaak/smart-trainer/echex-bike/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/echex-bike/internal/protocol"

	"github.com/oklog/ulid/v2"
)

var errStreamClosed = errors.New("notification stream closed")

// TelemetryRunner keeps at most one telemetry loop alive. Every status
// event cancels the running loop and waits for its cleanup; a Connected
// event then starts a new loop for that epoch.
type TelemetryRunner struct {
	model  *SessionModel
	logger *log.Logger
	timing protocol.Timing

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	epoch  ulid.ULID
	wg     sync.WaitGroup
}

// Verify TelemetryRunner implements StatusHandler
var _ StatusHandler = (*TelemetryRunner)(nil)

func NewTelemetryRunner(ctx context.Context, model *SessionModel, logger *log.Logger, timing protocol.Timing) *TelemetryRunner {
	if model == nil || logger == nil {
		panic("TelemetryRunner: model and logger must be non nil")
	}
	return &TelemetryRunner{
		model:  model,
		logger: logger,
		timing: timing,
		ctx:    ctx,
	}
}

func (r *TelemetryRunner) HandleStatus(ev ConnectionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()
	if ev.Status != Connected || ev.Device.Peripheral == nil {
		return
	}

	loopCtx, cancel := context.WithCancel(r.ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.epoch = ev.Epoch
	p := ev.Device.Peripheral
	go_func_utils.SafeGoWG(r.logger, &r.wg, func() {
		defer close(done)
		err := RunTelemetry(loopCtx, p, r.model, r.logger, r.timing)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Printf("TelemetryLoop: epoch %s ended: %s", ev.Epoch, bt.Describe(err))
		}
	})
}

func (r *TelemetryRunner) stopLocked() {
	if r.done == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil
	r.epoch = ulid.ULID{}
}

// Running returns the epoch of the live loop, if any
func (r *TelemetryRunner) Running() (ulid.ULID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		return ulid.ULID{}, false
	}
	select {
	case <-r.done:
		return ulid.ULID{}, false
	default:
		return r.epoch, true
	}
}

// Stop cancels any live loop and waits for it
func (r *TelemetryRunner) Stop() {
	r.mu.Lock()
	r.stopLocked()
	r.mu.Unlock()
	r.wg.Wait()
}

// RunTelemetry runs one telemetry loop against a connected peripheral: it
// subscribes to both notify characteristics, sends the handshake, then polls
// once per interval while decoding notify B frames into the model. It only
// returns on error or when ctx ends; the poll timer and both subscriptions
// are released on every exit path.
func RunTelemetry(ctx context.Context, p bt.Peripheral, model *SessionModel, logger *log.Logger, timing protocol.Timing) error {
	notifyA, err := p.Monitor(protocol.ServiceUUID, protocol.CharUUIDNotifyA)
	if err != nil {
		return fmt.Errorf("monitor notify A: %w", err)
	}
	defer notifyA.Close()

	notifyB, err := p.Monitor(protocol.ServiceUUID, protocol.CharUUIDNotifyB)
	if err != nil {
		return fmt.Errorf("monitor notify B: %w", err)
	}
	defer notifyB.Close()

	if err := handshake(ctx, p, timing, logger); err != nil {
		return err
	}

	ticker := time.NewTicker(timing.PollInterval)
	defer ticker.Stop()
	seq := protocol.NewSequence()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			frame := protocol.PollCommand(seq.Next())
			if err := p.WriteWithoutResponse(protocol.ServiceUUID, protocol.CharUUIDWrite, frame); err != nil {
				return fmt.Errorf("poll %s: %w", protocol.FormatHex(frame), err)
			}

		case n, ok := <-notifyA.C():
			if !ok {
				return errStreamClosed
			}
			if n.Err != nil {
				logger.Printf("TelemetryLoop: notify A: %s", bt.Describe(n.Err))
			}

		case n, ok := <-notifyB.C():
			if !ok {
				return errStreamClosed
			}
			if n.Err != nil {
				logger.Printf("TelemetryLoop: notify B: %s", bt.Describe(n.Err))
				continue
			}
			if _, err := model.ApplyFrame(n.Value); err != nil {
				logger.Printf("TelemetryLoop: %v", err)
			}
		}
	}
}

func handshake(ctx context.Context, p bt.Peripheral, timing protocol.Timing, logger *log.Logger) error {
	for i, step := range timing.Handshake() {
		if err := sleepCtx(ctx, step.Delay); err != nil {
			return err
		}
		if err := p.WriteWithoutResponse(protocol.ServiceUUID, protocol.CharUUIDWrite, step.Frame); err != nil {
			return fmt.Errorf("handshake frame %d (%s): %w", i, protocol.FormatHex(step.Frame), err)
		}
	}
	logger.Printf("TelemetryLoop: handshake complete")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
