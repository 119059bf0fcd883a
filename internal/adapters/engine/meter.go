package engine

import "sync"

// levelMeter accumulates RFC 6464 audio levels between observer ticks.
type levelMeter struct {
	mu    sync.Mutex
	sum   int
	count int
}

// add records a level in dBov, 0 being the loudest and -127 silence.
func (m *levelMeter) add(dBov int8) {
	m.mu.Lock()
	m.sum += int(dBov)
	m.count++
	m.mu.Unlock()
}

// drain returns the average level since the last drain.
func (m *levelMeter) drain() (avg int8, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count == 0 {
		return -127, 0
	}
	avg, n = int8(m.sum/m.count), m.count
	m.sum, m.count = 0, 0
	return avg, n
}
