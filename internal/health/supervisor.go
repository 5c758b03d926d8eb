package health

import (
	"sync"

	"codeberg.org/mutker/meterreader/internal/logger"
)

// Reinitializer rebuilds the reader's dependent state after a sustained run
// of unhealthy cycles. It may record new faults; they are discarded once it
// returns.
type Reinitializer interface {
	Reinitialize()
}

// ReinitializerFunc adapts a function to Reinitializer.
type ReinitializerFunc func()

func (f ReinitializerFunc) Reinitialize() { f() }

// Observer is notified of every fault transition. Used for metrics.
type Observer interface {
	FaultRaised(f Fault)
	FaultHealed(f Fault)
	Reinitialized()
}

// Supervisor owns the health register and the error streak. All methods are
// safe for concurrent use.
type Supervisor struct {
	mu        sync.Mutex
	mask      Mask
	details   map[Fault]string
	streak    int
	threshold int
	reinit    Reinitializer
	observer  Observer
	logger    logger.Logger
}

// NewSupervisor returns a supervisor that reinitializes once the streak
// exceeds threshold.
func NewSupervisor(threshold int, log logger.Logger) *Supervisor {
	if log == nil {
		log = logger.New("health")
	}
	return &Supervisor{
		details:   make(map[Fault]string),
		threshold: threshold,
		logger:    log,
	}
}

// SetReinitializer registers the action run by Tick on escalation.
func (s *Supervisor) SetReinitializer(r Reinitializer) {
	s.mu.Lock()
	s.reinit = r
	s.mu.Unlock()
}

// SetObserver registers a transition observer.
func (s *Supervisor) SetObserver(o Observer) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

// SetThreshold changes the streak threshold, e.g. after a document reload.
func (s *Supervisor) SetThreshold(threshold int) {
	s.mu.Lock()
	s.threshold = threshold
	s.mu.Unlock()
}

// SetFault sets f and records detail for diagnostics.
func (s *Supervisor) SetFault(f Fault, detail string) {
	s.mu.Lock()
	raised := !s.mask.Has(f)
	s.mask = s.mask.Set(f)
	s.details[f] = detail
	obs := s.observer
	s.mu.Unlock()

	s.logger.Warn().
		Str("fault", f.String()).
		Str("detail", detail).
		Bool("new", raised).
		Msg("Fault set")

	if raised && obs != nil {
		obs.FaultRaised(f)
	}
}

// ClearFault clears f if it is set. It returns true when f was set, i.e. the
// fault just healed.
func (s *Supervisor) ClearFault(f Fault) bool {
	s.mu.Lock()
	if !s.mask.Has(f) {
		s.mu.Unlock()
		return false
	}
	s.mask = s.mask.Clear(f)
	delete(s.details, f)
	obs := s.observer
	s.mu.Unlock()

	s.logger.Info().Str("fault", f.String()).Msg("Fault healed")

	if obs != nil {
		obs.FaultHealed(f)
	}
	return true
}

// Healthy reports whether the register is zero.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mask.Healthy()
}

// Mask returns a snapshot of the register.
func (s *Supervisor) Mask() Mask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mask
}

// Details returns the recorded detail of every set fault.
func (s *Supervisor) Details() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.details))
	for f, d := range s.details {
		out[f.String()] = d
	}
	return out
}

// Streak returns the number of consecutive unhealthy cycles.
func (s *Supervisor) Streak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streak
}

// Tick records the outcome of a cycle. When the streak exceeds the
// threshold it runs the reinitializer and then resets the streak and the
// register, whatever faults the reinitialization itself recorded. It
// reports whether reinitialization ran.
func (s *Supervisor) Tick(outcomeHealthy bool) bool {
	s.mu.Lock()
	if outcomeHealthy {
		s.streak = 0
		s.mu.Unlock()
		return false
	}

	s.streak++
	if s.streak <= s.threshold {
		s.mu.Unlock()
		return false
	}

	streak := s.streak
	reinit := s.reinit
	obs := s.observer
	s.mu.Unlock()

	s.logger.Warn().
		Int("streak", streak).
		Msg("Error streak exceeded threshold, reinitializing")

	if reinit != nil {
		reinit.Reinitialize()
	}

	s.mu.Lock()
	s.streak = 0
	s.mask = 0
	s.details = make(map[Fault]string)
	s.mu.Unlock()

	if obs != nil {
		obs.Reinitialized()
	}

	return true
}
