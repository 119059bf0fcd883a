package engine

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog"
)

// AudioLevelObserver samples the audio level of its producers every interval.
type AudioLevelObserver struct {
	router *Router
	opts   core.AudioLevelObserverOptions
	logger zerolog.Logger
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	silent    bool
	producers map[string]*Producer

	onVolumes listeners[[]core.AudioLevelVolume]
	onSilence event
}

func newAudioLevelObserver(r *Router, opts core.AudioLevelObserverOptions) *AudioLevelObserver {
	return &AudioLevelObserver{
		router: r,
		opts:   opts,
		logger: r.logger.With().
			Str("module", "engine.observer").
			Logger(),
		silent:    true,
		producers: make(map[string]*Producer),
	}
}

func (o *AudioLevelObserver) start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	go func() {
		ticker := time.NewTicker(o.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.evaluate()
			}
		}
	}()
}

func (o *AudioLevelObserver) AddProducer(_ context.Context, producerID string) error {
	p, ok := o.router.producer(producerID)
	if !ok {
		return fmt.Errorf("engine: producer %q not found", producerID)
	}
	if p.Kind() != domain.MediaKindAudio {
		return fmt.Errorf("engine: producer %q is not audio", producerID)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	o.producers[producerID] = p
	return nil
}

func (o *AudioLevelObserver) RemoveProducer(_ context.Context, producerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.producers[producerID]; !ok {
		return fmt.Errorf("engine: producer %q not observed", producerID)
	}
	delete(o.producers, producerID)
	return nil
}

func (o *AudioLevelObserver) drop(producerID string) {
	o.mu.Lock()
	delete(o.producers, producerID)
	o.mu.Unlock()
}

// evaluate emits volumes, loudest first, or a single silence event when the
// last interval had nothing above the threshold.
func (o *AudioLevelObserver) evaluate() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	producers := mapValues(o.producers)
	o.mu.Unlock()

	var volumes []core.AudioLevelVolume
	for _, p := range producers {
		avg, n := p.meter.drain()
		if n == 0 || p.Paused() || avg < o.opts.Threshold {
			continue
		}
		volumes = append(volumes, core.AudioLevelVolume{Producer: p, Volume: avg})
	}
	slices.SortFunc(volumes, func(a, b core.AudioLevelVolume) int {
		return cmp.Compare(b.Volume, a.Volume)
	})
	if len(volumes) > o.opts.MaxEntries {
		volumes = volumes[:o.opts.MaxEntries]
	}

	o.mu.Lock()
	wasSilent := o.silent
	o.silent = len(volumes) == 0
	o.mu.Unlock()

	switch {
	case len(volumes) > 0:
		o.onVolumes.emit(volumes)
	case !wasSilent:
		o.onSilence.fire()
	}
}

func (o *AudioLevelObserver) OnVolumes(fn func([]core.AudioLevelVolume)) { o.onVolumes.add(fn) }
func (o *AudioLevelObserver) OnSilence(fn func())                        { o.onSilence.on(fn) }

func (o *AudioLevelObserver) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.producers = make(map[string]*Producer)
	o.mu.Unlock()

	if o.cancel != nil {
		o.cancel()
	}
	o.router.removeObserver(o)
	o.onVolumes.reset()
	o.onSilence.reset()
}
