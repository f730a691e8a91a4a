//go:build !linux

package sched

// SetThreadPriority is a no-op outside Linux.
func (s *Scheduler) SetThreadPriority(priority int, policy Policy) error {
	if s.enabled {
		s.logger.Debug().Int("priority", priority).Str("policy", policy.String()).Msg("thread priorities are only supported on Linux")
	}
	return nil
}
