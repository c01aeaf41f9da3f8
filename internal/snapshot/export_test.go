package snapshot

import "time"

// SetClock replaces the scheduler's time source.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }
