package engine

import (
	"errors"
	"sync"
)

var ErrNoPortAvailable = errors.New("no rtc port available")

// portAllocator hands out ports of [min, max] round-robin.
type portAllocator struct {
	mu   sync.Mutex
	min  uint16
	max  uint16
	next uint16
	used map[uint16]struct{}
}

func newPortAllocator(min, max uint16) *portAllocator {
	if max < min {
		min, max = max, min
	}
	return &portAllocator{min: min, max: max, next: min, used: make(map[uint16]struct{})}
}

func (a *portAllocator) alloc() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := int(a.max-a.min) + 1
	for range size {
		p := a.next
		if a.next == a.max {
			a.next = a.min
		} else {
			a.next++
		}
		if _, taken := a.used[p]; !taken {
			a.used[p] = struct{}{}
			return p, nil
		}
	}
	return 0, ErrNoPortAvailable
}

func (a *portAllocator) release(p uint16) {
	a.mu.Lock()
	delete(a.used, p)
	a.mu.Unlock()
}

func (a *portAllocator) inUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}
