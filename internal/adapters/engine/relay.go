package engine

import (
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

type trackState int32

const (
	trackOk trackState = iota
	trackMuted
	trackDelete
)

// outTrack is the relay side of one consumer.
type outTrack struct {
	consumer *Consumer
	state    atomic.Int32 // trackOk by default
}

func (ot *outTrack) getState() trackState { return trackState(ot.state.Load()) }
func (ot *outTrack) markOk()              { ot.state.CompareAndSwap(int32(trackMuted), int32(trackOk)) }
func (ot *outTrack) markMuted()           { ot.state.CompareAndSwap(int32(trackOk), int32(trackMuted)) }
func (ot *outTrack) markDelete()          { ot.state.Store(int32(trackDelete)) }

// relay fans the packets of one producer out to its consumers.
type relay struct {
	logger *zerolog.Logger

	mu  sync.RWMutex
	out map[string]*outTrack
}

func newRelay(logger *zerolog.Logger) *relay {
	return &relay{logger: logger, out: make(map[string]*outTrack)}
}

func (r *relay) forward(pkt *rtp.Packet, encodingIdx int) {
	r.mu.RLock()
	snapshot := maps.Clone(r.out)
	r.mu.RUnlock()

	var dirty []string
	for id, ot := range snapshot {
		switch ot.getState() {
		case trackDelete:
			dirty = append(dirty, id)
		case trackMuted:
		case trackOk:
			if err := ot.consumer.send(pkt, encodingIdx); err != nil {
				r.logger.Debug().
					Err(err).
					Str("consumer", id).
					Msg("relay send failed, dropping out track")
				ot.markDelete()
				dirty = append(dirty, id)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *relay) cleanupDeleted(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		if ot, ok := r.out[id]; ok && ot.getState() == trackDelete {
			delete(r.out, id)
		}
	}
}

func (r *relay) add(id string, ot *outTrack) {
	r.mu.Lock()
	r.out[id] = ot
	r.mu.Unlock()
}

func (r *relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.out {
		ot.markDelete()
	}
}

func (r *relay) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.out)
}
