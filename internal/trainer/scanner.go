package trainer

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/lowaak/smart-trainer/echex-bike/internal/bt"
	"github.com/lowaak/smart-trainer/echex-bike/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/echex-bike/internal/protocol"
)

// IsScanEligible reports whether discovery may run for the given states
func IsScanEligible(adapterState bt.AdapterState, connectionState ConnectionState) bool {
	if adapterState != bt.AdapterPoweredOn {
		return false
	}
	return connectionState == Disconnected || connectionState == Disconnecting
}

type scanKey struct {
	adapterState    bt.AdapterState
	connectionState ConnectionState
}

// Scanner starts and stops one discovery task according to Evaluate
type Scanner struct {
	adapter     bt.Adapter
	permissions bt.Permissions
	model       *SessionModel
	logger      *log.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastKey scanKey
	wg      sync.WaitGroup
}

func NewScanner(adapter bt.Adapter, permissions bt.Permissions, model *SessionModel, logger *log.Logger) *Scanner {
	if adapter == nil || model == nil || logger == nil {
		panic("Scanner: adapter, model and logger must be non nil")
	}
	if permissions == nil {
		permissions = bt.NoPermissions{}
	}
	return &Scanner{
		adapter:     adapter,
		permissions: permissions,
		model:       model,
		logger:      logger,
	}
}

// Evaluate starts a scan task when the states allow it and none exists,
// and cancels the running task when they no longer do. A task that ended
// by itself, e.g. on a denied permission, is not restarted until the
// states change.
func (s *Scanner) Evaluate(ctx context.Context, adapterState bt.AdapterState, connectionState ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scanKey{adapterState, connectionState}
	if !IsScanEligible(adapterState, connectionState) {
		s.stopLocked()
		s.lastKey = key
		return
	}

	if s.done != nil {
		select {
		case <-s.done:
			// ended by itself
			if s.lastKey == key {
				return
			}
			s.cancel()
			s.done = nil
		default:
			s.lastKey = key
			return
		}
	}
	s.lastKey = key

	taskCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go_func_utils.SafeGoWG(s.logger, &s.wg, func() {
		defer close(done)
		s.scan(taskCtx)
	})
}

func (s *Scanner) stopLocked() {
	if s.done == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

// IsRunning reports whether a scan task is alive
func (s *Scanner) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Stop cancels the running task and waits for its cleanup
func (s *Scanner) Stop() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scanner) scan(ctx context.Context) {
	if s.permissions.Required() {
		s.logger.Printf("Scanner: checking permissions...")
		granted, err := s.permissions.RequestLocation(ctx)
		if err != nil {
			s.logger.Printf("Scanner: permission request failed: %s", bt.Describe(err))
			return
		}
		if !granted {
			s.logger.Printf("Scanner: %v, aborting", ErrPermissionDenied)
			return
		}
	}

	sub, err := s.adapter.StartScan()
	if err != nil {
		s.logger.Printf("Scanner: %s", bt.Describe(err))
		return
	}
	defer func() {
		sub.Close()
		s.logger.Printf("Scanner: scanning stopped")
	}()
	s.logger.Printf("Scanner: scanning started for %q", protocol.DeviceNameFilter)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ev.Err != nil {
				s.logger.Printf("Scanner: %s", bt.Describe(ev.Err))
				continue
			}
			s.handleDevice(ev.Device)
		}
	}
}

func (s *Scanner) handleDevice(p bt.Peripheral) {
	if p == nil || !strings.Contains(p.Name(), protocol.DeviceNameFilter) {
		return
	}
	added := s.model.AddDiscoveredDevice(DiscoveredDevice{
		ID:         p.ID(),
		Name:       p.Name(),
		Peripheral: p,
	})
	if added {
		s.logger.Printf("Scanner: found %s (%s)", p.Name(), p.ID())
	}
}
