package bt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// SimControlServer exposes a simulated bike over HTTP so a rider can be
// faked from a browser or curl while the engine runs in --simulate mode
type SimControlServer struct {
	logger     *log.Logger
	adapter    *SimAdapter
	peripheral *SimPeripheral
	server     *http.Server
	wg         sync.WaitGroup
}

func NewSimControlServer(logger *log.Logger, adapter *SimAdapter, peripheral *SimPeripheral, port int) *SimControlServer {
	if logger == nil {
		panic("SimControlServer: logger cannot be nil")
	}
	s := &SimControlServer{
		logger:     logger,
		adapter:    adapter,
		peripheral: peripheral,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.handleGetState)
	mux.HandleFunc("/api/set", s.handleSetValues)
	mux.HandleFunc("/api/writes", s.handleGetWrites)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/adapter", s.handleAdapter)
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routes, for tests
func (s *SimControlServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *SimControlServer) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("SimControlServer: listening on http://localhost%s", s.server.Addr)
		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("SimControlServer: server error: %v", err)
		}
	}()
}

func (s *SimControlServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Printf("SimControlServer: error shutting down: %v", err)
	}
	s.wg.Wait()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *SimControlServer) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.peripheral.State())
}

func parseUint8(r *http.Request, key string, current uint8) (uint8, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return current, nil
	}
	v, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return uint8(v), nil
}

func (s *SimControlServer) handleSetValues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	state := s.peripheral.State()
	rpm, err := parseUint8(r, "rpm", state.RPM)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resistance, err := parseUint8(r, "resistance", state.Resistance)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.peripheral.SetRide(rpm, resistance)
	writeJSON(w, s.peripheral.State())
}

func (s *SimControlServer) handleGetWrites(w http.ResponseWriter, r *http.Request) {
	writes := s.peripheral.Writes()
	// Keep only last 100 writes
	if len(writes) > 100 {
		writes = writes[len(writes)-100:]
	}
	writeJSON(w, writes)
}

func (s *SimControlServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var err error
	if reason := r.URL.Query().Get("reason"); reason != "" {
		err = &Error{Op: "link lost", Reason: reason}
	}
	s.peripheral.TriggerRemoteDisconnect(err)
	w.WriteHeader(http.StatusOK)
}

var adapterStatesByName = map[string]AdapterState{
	"Unknown":      AdapterUnknown,
	"Resetting":    AdapterResetting,
	"Unsupported":  AdapterUnsupported,
	"Unauthorized": AdapterUnauthorized,
	"PoweredOff":   AdapterPoweredOff,
	"PoweredOn":    AdapterPoweredOn,
}

func (s *SimControlServer) handleAdapter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	state, ok := adapterStatesByName[r.URL.Query().Get("state")]
	if !ok {
		http.Error(w, "unknown adapter state", http.StatusBadRequest)
		return
	}
	s.adapter.SetState(state)
	w.WriteHeader(http.StatusOK)
}
