// Package engine is an in-process media engine. It keeps the full router,
// transport, producer and consumer model and forwards RTP between producers
// and consumers, but it does not open sockets: the network side feeds packets
// through Producer.WriteRTP and drains them through Consumer.ReadRTP.
package engine

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("engine: object closed")

var (
	_ core.WorkerPool         = (*WorkerPool)(nil)
	_ core.NetworkThrottler   = (*WorkerPool)(nil)
	_ core.Worker             = (*Worker)(nil)
	_ core.Router             = (*Router)(nil)
	_ core.Transport          = (*Transport)(nil)
	_ core.Producer           = (*Producer)(nil)
	_ core.Consumer           = (*Consumer)(nil)
	_ core.DataProducer       = (*DataProducer)(nil)
	_ core.DataConsumer       = (*DataConsumer)(nil)
	_ core.AudioLevelObserver = (*AudioLevelObserver)(nil)
)

type Settings struct {
	NumWorkers int
	RtcMinPort uint16
	RtcMaxPort uint16
}

type WorkerPool struct {
	mu       sync.Mutex
	workers  []*Worker
	next     int
	throttle *throttle
}

func NewWorkerPool(s Settings) (*WorkerPool, error) {
	if s.NumWorkers <= 0 {
		s.NumWorkers = runtime.NumCPU()
	}
	if s.RtcMinPort == 0 || s.RtcMaxPort == 0 {
		return nil, fmt.Errorf("engine: rtc port range %d-%d is invalid", s.RtcMinPort, s.RtcMaxPort)
	}
	pool := &WorkerPool{throttle: &throttle{}}

	// Port ranges are split evenly so workers never compete for a port.
	span := (int(s.RtcMaxPort) - int(s.RtcMinPort) + 1) / s.NumWorkers
	if span < 1 {
		return nil, fmt.Errorf("engine: rtc port range too small for %d workers", s.NumWorkers)
	}
	for i := range s.NumWorkers {
		lo := int(s.RtcMinPort) + i*span
		hi := lo + span - 1
		if i == s.NumWorkers-1 {
			hi = int(s.RtcMaxPort)
		}
		w, err := newWorker(i, uint16(lo), uint16(hi), pool.throttle)
		if err != nil {
			return nil, err
		}
		pool.workers = append(pool.workers, w)
	}
	log.Info().Str("module", "engine").Int("workers", len(pool.workers)).Msg("worker pool started")
	return pool, nil
}

// NextWorker picks workers round-robin.
func (p *WorkerPool) NextWorker() core.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.workers[p.next]
	p.next = (p.next + 1) % len(p.workers)
	return w
}

func (p *WorkerPool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Worker(nil), p.workers...)
}

// LogResourceUsage logs worker usage every interval until ctx is done.
func (p *WorkerPool) LogResourceUsage(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			log.Info().
				Str("module", "engine").
				Uint64("heap_alloc", ms.HeapAlloc).
				Int("goroutines", runtime.NumGoroutine()).
				Msg("process resource usage")
			for _, w := range p.Workers() {
				u := w.Usage()
				w.logger.Info().
					Int("routers", u.Routers).
					Int("transports", u.Transports).
					Int("producers", u.Producers).
					Int("consumers", u.Consumers).
					Int("ports", u.Ports).
					Msg("worker resource usage")
			}
		}
	}
}

func (p *WorkerPool) Close() {
	for _, w := range p.Workers() {
		w.Close()
	}
}

type WorkerUsage struct {
	Routers    int
	Transports int
	Producers  int
	Consumers  int
	Ports      int
}

type Worker struct {
	id           int
	logger       zerolog.Logger
	fingerprints []webrtc.DTLSFingerprint
	ports        *portAllocator
	throttle     *throttle

	mu      sync.Mutex
	routers map[string]*Router
}

func newWorker(id int, minPort, maxPort uint16, t *throttle) (*Worker, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("engine: generate key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("engine: generate certificate: %w", err)
	}
	fps, err := cert.GetFingerprints()
	if err != nil {
		return nil, fmt.Errorf("engine: certificate fingerprints: %w", err)
	}
	return &Worker{
		id: id,
		logger: log.With().
			Str("module", "engine.worker").
			Int("worker", id).
			Logger(),
		fingerprints: fps,
		ports:        newPortAllocator(minPort, maxPort),
		throttle:     t,
		routers:      make(map[string]*Router),
	}, nil
}

func (w *Worker) CreateRouter(_ context.Context, codecs []core.RtpCodecCapability) (core.Router, error) {
	caps, err := routerCapabilities(codecs)
	if err != nil {
		return nil, err
	}
	r := newRouter(uuid.NewString(), w, caps)

	w.mu.Lock()
	w.routers[r.id] = r
	w.mu.Unlock()

	w.logger.Debug().Str("router", r.id).Msg("router created")
	return r, nil
}

func (w *Worker) removeRouter(id string) {
	w.mu.Lock()
	delete(w.routers, id)
	w.mu.Unlock()
}

func (w *Worker) Usage() WorkerUsage {
	w.mu.Lock()
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()

	u := WorkerUsage{Routers: len(routers), Ports: w.ports.inUse()}
	for _, r := range routers {
		t, p, c := r.counts()
		u.Transports += t
		u.Producers += p
		u.Consumers += c
	}
	return u
}

func (w *Worker) Close() {
	w.mu.Lock()
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()
	for _, r := range routers {
		r.Close()
	}
}
