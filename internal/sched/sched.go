package sched

import (
	"github.com/jetkvm/vrr/internal/logging"
	"github.com/rs/zerolog"
)

// Policy is a Linux scheduling class.
type Policy int

const (
	PolicyNormal Policy = iota
	PolicyFIFO
	PolicyRR
)

func (p Policy) String() string {
	switch p {
	case PolicyNormal:
		return "normal"
	case PolicyFIFO:
		return "fifo"
	case PolicyRR:
		return "rr"
	default:
		return "unknown"
	}
}

const (
	// ControllerPriority is the SCHED_FIFO priority of the refresh rate control goroutine.
	ControllerPriority = 2

	minNiceValue = -20
	maxNiceValue = 19
)

// Scheduler manages OS thread priorities for latency sensitive goroutines
type Scheduler struct {
	logger  zerolog.Logger
	enabled bool
}

// New creates a scheduler. A nil logger selects the "sched" subsystem logger.
func New(logger *zerolog.Logger) *Scheduler {
	if logger == nil {
		logger = logging.GetSubsystemLogger("sched")
	}
	return &Scheduler{
		logger:  *logger,
		enabled: true,
	}
}

// Disable turns SetThreadPriority into a no-op (useful for testing)
func (s *Scheduler) Disable() {
	s.enabled = false
}

func (s *Scheduler) Enabled() bool {
	return s.enabled
}

// niceFromRealtime maps a real-time priority onto a nice value.
// RT priority 80 -> nice -10, RT priority 40 -> nice 0.
func niceFromRealtime(rtPriority int) int {
	nice := (40 - rtPriority) / 4
	if nice < minNiceValue {
		nice = minNiceValue
	}
	if nice > maxNiceValue {
		nice = maxNiceValue
	}
	return nice
}
