package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"golang.org/x/time/rate"
)

const minThrottleBurst = 1500

// throttle emulates a constrained network shared by all workers of a pool.
type throttle struct {
	mu       sync.RWMutex
	active   bool
	uplink   *rate.Limiter
	downlink *rate.Limiter
	rtt      time.Duration
}

func bitrateLimiter(bps uint32) *rate.Limiter {
	bytesPerSec := int(bps / 8)
	return rate.NewLimiter(rate.Limit(bytesPerSec), max(bytesPerSec, minThrottleBurst))
}

func (t *throttle) start(opts core.ThrottleOptions) error {
	if opts.Uplink == 0 || opts.Downlink == 0 {
		return errors.New("engine: throttle bitrate must be positive")
	}
	if opts.RTT < 0 {
		return errors.New("engine: throttle rtt must not be negative")
	}
	t.mu.Lock()
	t.active = true
	t.uplink = bitrateLimiter(opts.Uplink)
	t.downlink = bitrateLimiter(opts.Downlink)
	t.rtt = opts.RTT
	t.mu.Unlock()
	return nil
}

func (t *throttle) stop() {
	t.mu.Lock()
	t.active = false
	t.uplink, t.downlink, t.rtt = nil, nil, 0
	t.mu.Unlock()
}

func (t *throttle) allowUp(n int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.active || t.uplink.AllowN(time.Now(), n)
}

func (t *throttle) allowDown(n int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.active || t.downlink.AllowN(time.Now(), n)
}

// delay is the one-way latency added to egress packets.
func (t *throttle) delay() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.active {
		return 0
	}
	return t.rtt / 2
}

func (p *WorkerPool) StartThrottle(_ context.Context, opts core.ThrottleOptions) error {
	return p.throttle.start(opts)
}

func (p *WorkerPool) StopThrottle(_ context.Context) error {
	p.throttle.stop()
	return nil
}
