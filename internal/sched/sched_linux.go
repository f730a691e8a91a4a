//go:build linux

package sched

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

func (p Policy) unixPolicy() uint32 {
	switch p {
	case PolicyFIFO:
		return unix.SCHED_FIFO
	case PolicyRR:
		return unix.SCHED_RR
	default:
		return unix.SCHED_NORMAL
	}
}

// SetThreadPriority applies policy and priority to the calling goroutine's OS thread.
// The goroutine stays locked to that thread for the rest of its life.
// When a real-time class is refused (no CAP_SYS_NICE) it falls back to a nice value.
func (s *Scheduler) SetThreadPriority(priority int, policy Policy) error {
	if !s.enabled {
		return nil
	}

	runtime.LockOSThread()
	tid := unix.Gettid()

	attr := &unix.SchedAttr{
		Policy: policy.unixPolicy(),
	}
	if policy != PolicyNormal {
		attr.Priority = uint32(priority)
	}

	if err := unix.SchedSetAttr(tid, attr, 0); err != nil {
		if policy != PolicyNormal {
			s.logger.Warn().Err(err).Int("tid", tid).Str("policy", policy.String()).Msg("failed to set real-time priority, falling back to nice")
			return s.setNicePriority(tid, priority)
		}
		return fmt.Errorf("sched_setattr(%d): %w", tid, err)
	}

	s.logger.Debug().Int("tid", tid).Int("priority", priority).Str("policy", policy.String()).Msg("thread priority set")
	return nil
}

func (s *Scheduler) setNicePriority(tid int, rtPriority int) error {
	nice := niceFromRealtime(rtPriority)
	if err := unix.Setpriority(unix.PRIO_PROCESS, tid, nice); err != nil {
		s.logger.Warn().Err(err).Int("nice", nice).Msg("failed to set nice priority")
		return fmt.Errorf("setpriority(%d, %d): %w", tid, nice, err)
	}
	s.logger.Debug().Int("tid", tid).Int("nice", nice).Msg("nice priority set as fallback")
	return nil
}
