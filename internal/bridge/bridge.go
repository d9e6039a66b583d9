package bridge

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/echex-bike/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/echex-bike/internal/protocol"
	"github.com/lowaak/smart-trainer/echex-bike/internal/trainer"
)

const (
	storeTimeout = 2 * time.Second
	queueSize    = 64
)

// Config names where the bridge writes
type Config struct {
	Key     string
	Channel string
}

// Bridge forwards session readings and connection events to a Sink. It
// never writes to the session; a failing sink only costs log lines.
type Bridge struct {
	model   *trainer.SessionModel
	sink    Sink
	encoder Encoder
	config  Config
	logger  *log.Logger
	now     func() time.Time

	mu      sync.Mutex
	session string
	device  string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(model *trainer.SessionModel, sink Sink, encoder Encoder, config Config, logger *log.Logger) *Bridge {
	if model == nil || sink == nil || encoder == nil || logger == nil {
		panic("Bridge: model, sink, encoder and logger must be non nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		model:   model,
		sink:    sink,
		encoder: encoder,
		config:  config,
		logger:  logger,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the session and publishes until Shutdown
func (b *Bridge) Start() {
	readings := make(chan trainer.ReadingUpdate, queueSize)
	connections := make(chan trainer.ConnectionEvent, queueSize)
	unregisterReadings := b.model.ListenToReadings(readings)
	unregisterConnections := b.model.ListenToConnectionEvents(connections)

	b.logger.Printf("Bridge: publishing %s messages to %q", b.encoder.Name(), b.config.Channel)
	go_func_utils.SafeGoWG(b.logger, &b.wg, func() {
		defer unregisterReadings()
		defer unregisterConnections()
		for {
			select {
			case <-b.ctx.Done():
				return
			case ev := <-connections:
				b.publishStatus(ev)
			case update := <-readings:
				b.publishReading(update)
			}
		}
	})
}

func (b *Bridge) Shutdown() {
	b.cancel()
	b.wg.Wait()
	if err := b.sink.Close(); err != nil {
		b.logger.Printf("Bridge: close sink: %v", err)
	}
}

func (b *Bridge) publishStatus(ev trainer.ConnectionEvent) {
	b.mu.Lock()
	b.session = ev.Epoch.String()
	b.device = ev.Device.ID
	b.mu.Unlock()

	m := newMessage(MessageStatus, b.now())
	m.Session = ev.Epoch.String()
	m.Device = ev.Device.ID
	m.Status = ev.Status.String()
	b.store(m, map[string]any{
		"status":  m.Status,
		"session": m.Session,
		"device":  m.Device,
	})
}

func (b *Bridge) publishReading(update trainer.ReadingUpdate) {
	b.mu.Lock()
	session, device := b.session, b.device
	b.mu.Unlock()

	if update.Cleared {
		m := newMessage(MessageCleared, b.now())
		m.Session = session
		m.Device = device
		m.Count = update.Count
		b.store(m, map[string]any{"count": m.Count})
		return
	}

	reading := update.Reading
	m := newMessage(MessageReading, b.now())
	m.Session = session
	m.Device = device
	m.Reading = &reading
	m.Elapsed = protocol.FormatElapsed(reading.TimerSeconds)
	m.Count = update.Count
	b.store(m, map[string]any{
		"count":      m.Count,
		"resistance": reading.Resistance,
		"rpm":        reading.RPM,
		"speed":      reading.SpeedMph,
		"distance":   reading.DistanceMiles,
		"calories":   reading.Calories,
		"watts":      reading.Watts,
		"timer":      m.Elapsed,
	})
}

func (b *Bridge) store(m Message, fields map[string]any) {
	payload, err := b.encoder.Encode(m)
	if err != nil {
		b.logger.Printf("Bridge: encode %s: %v", m.Type, err)
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, storeTimeout)
	defer cancel()
	if err := b.sink.Store(ctx, b.config.Key, fields, b.config.Channel, payload); err != nil {
		b.logger.Printf("Bridge: store %s: %v", m.Type, err)
	}
}
