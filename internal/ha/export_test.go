package ha

import "time"

// SetClock replaces the manager clock.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}
