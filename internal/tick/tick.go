// Package tick provides the logical clock every timeout in the control plane
// is measured against. The service runs in one of two modes: manual, where
// only Advance moves the tick, and interval, where a background goroutine
// advances it on a fixed period. Handlers registered with OnTick fire
// synchronously, in registration order, on every advance.
package tick

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode selects how the clock advances.
type Mode string

const (
	// ModeManual advances only through Advance.
	ModeManual Mode = "manual"
	// ModeInterval advances once per configured interval while started.
	ModeInterval Mode = "interval"
)

// Handler observes tick advances. Handlers must not call Advance themselves.
type Handler = func(tick int64)

type registration struct {
	id string
	fn Handler
}

// Service is the logical clock. It is safe for concurrent use; handlers run
// under the service lock so a single advance is observed atomically.
type Service struct {
	mu       sync.Mutex
	tick     int64
	handlers []registration
	mode     Mode
	interval time.Duration
	stop     chan struct{}
	stopped  bool
	logger   *slog.Logger
}

// NewService creates a tick service. interval is only consulted in
// ModeInterval; it defaults to one second when unset.
func NewService(mode Mode, interval time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if mode == "" {
		mode = ModeManual
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Service{
		mode:     mode,
		interval: interval,
		logger:   logger,
	}
}

// Current returns the current tick.
func (s *Service) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// Advance moves the clock forward by steps, invoking handlers once per step.
// It returns the tick after the advance. steps <= 0 is a no-op.
func (s *Service) Advance(steps int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < steps; i++ {
		if s.stopped {
			break
		}
		s.tick++
		s.fireLocked(s.tick)
	}
	return s.tick
}

// fireLocked invokes handlers in registration order. A panicking handler is
// logged and suppressed; it does not abort the remaining handlers or rewind
// the tick.
func (s *Service) fireLocked(tick int64) {
	for _, reg := range s.handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("tick handler panicked",
						"handler_id", reg.id,
						"tick", tick,
						"panic", fmt.Sprint(r),
					)
				}
			}()
			reg.fn(tick)
		}()
	}
}

// OnTick registers a handler and returns its registration id.
func (s *Service) OnTick(fn Handler) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.handlers = append(s.handlers, registration{id: id, fn: fn})
	return id
}

// RemoveOnTick unregisters a handler. Unknown ids are a no-op.
func (s *Service) RemoveOnTick(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, reg := range s.handlers {
		if reg.id == id {
			s.handlers = append(s.handlers[:i], s.handlers[i+1:]...)
			return
		}
	}
}

// Start begins the interval loop. In manual mode it is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeInterval || s.stop != nil || s.stopped {
		return
	}
	s.stop = make(chan struct{})
	go s.run(s.stop)
}

func (s *Service) run(stop chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Advance(1)
		}
	}
}

// Stop cancels the interval loop and prevents any further handler
// invocations, including from late Advance calls.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}
