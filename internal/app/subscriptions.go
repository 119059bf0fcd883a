package app

import (
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/metrics"
)

type engineEvent string

const (
	evTransportClose    engineEvent = "transportclose"
	evProducerClose     engineEvent = "producerclose"
	evProducerPause     engineEvent = "producerpause"
	evProducerResume    engineEvent = "producerresume"
	evScore             engineEvent = "score"
	evLayersChange      engineEvent = "layerschange"
	evDataProducerClose engineEvent = "dataproducerclose"
)

// route says what an engine event does to the owning peer session: drop the
// resource from its map and/or send a notification to the peer.
type route struct {
	notify string
	remove bool
}

var consumerRoutes = map[engineEvent]route{
	evTransportClose: {remove: true},
	evProducerClose:  {notify: "consumerClosed", remove: true},
	evProducerPause:  {notify: "consumerPaused"},
	evProducerResume: {notify: "consumerResumed"},
	evScore:          {notify: "consumerScore"},
	evLayersChange:   {notify: "consumerLayersChanged"},
}

var producerRoutes = map[engineEvent]route{
	evTransportClose: {remove: true},
	evScore:          {notify: "producerScore"},
}

var dataConsumerRoutes = map[engineEvent]route{
	evTransportClose:    {remove: true},
	evDataProducerClose: {notify: "dataConsumerClosed", remove: true},
}

var dataProducerRoutes = map[engineEvent]route{
	evTransportClose: {remove: true},
}

func (r *Room) bindConsumer(peer *peerSession, c core.Consumer) {
	id := c.ID()
	apply := func(ev engineEvent, payload any) {
		rt := consumerRoutes[ev]
		if rt.remove && !r.removeConsumer(peer, id) {
			return
		}
		if rt.notify != "" {
			r.notify(peer, rt.notify, payload)
		}
	}
	ref := consumerRef{ConsumerID: id}

	c.OnTransportClose(func() { apply(evTransportClose, ref) })
	c.OnProducerClose(func() { apply(evProducerClose, ref) })
	c.OnProducerPause(func() { apply(evProducerPause, ref) })
	c.OnProducerResume(func() { apply(evProducerResume, ref) })
	c.OnScore(func(s core.ConsumerScore) {
		apply(evScore, consumerScoreNotification{ConsumerID: id, Score: s})
	})
	c.OnLayersChange(func(l *core.ConsumerLayers) {
		n := consumerLayersNotification{ConsumerID: id}
		if l != nil {
			spatial := l.SpatialLayer
			n.SpatialLayer, n.TemporalLayer = &spatial, l.TemporalLayer
		}
		apply(evLayersChange, n)
	})
}

func (r *Room) bindProducer(peer *peerSession, p core.Producer) {
	id := p.ID()
	apply := func(ev engineEvent, payload any) {
		rt := producerRoutes[ev]
		if rt.remove {
			if _, ok := r.removeProducer(peer, id); !ok {
				return
			}
		}
		if rt.notify != "" {
			r.notify(peer, rt.notify, payload)
		}
	}

	p.OnTransportClose(func() { apply(evTransportClose, nil) })
	p.OnScore(func(s []core.ProducerScore) {
		apply(evScore, producerScoreNotification{ProducerID: id, Score: s})
	})
	p.OnVideoOrientationChange(func(o core.VideoOrientation) {
		peer.logger.Debug().
			Str("producer", id).
			Bool("camera", o.Camera).
			Bool("flip", o.Flip).
			Int("rotation", o.Rotation).
			Msg("producer video orientation changed")
	})
}

func (r *Room) bindDataConsumer(peer *peerSession, dc core.DataConsumer) {
	id := dc.ID()
	apply := func(ev engineEvent) {
		rt := dataConsumerRoutes[ev]
		if rt.remove && !r.removeDataConsumer(peer, id) {
			return
		}
		if rt.notify != "" {
			r.notify(peer, rt.notify, dataConsumerRef{DataConsumerID: id})
		}
	}
	dc.OnTransportClose(func() { apply(evTransportClose) })
	dc.OnDataProducerClose(func() { apply(evDataProducerClose) })
}

func (r *Room) bindDataProducer(peer *peerSession, dp core.DataProducer) {
	id := dp.ID()
	dp.OnTransportClose(func() {
		if dataProducerRoutes[evTransportClose].remove {
			r.mu.Lock()
			delete(peer.dataProducers, id)
			r.mu.Unlock()
		}
	})
}

func (r *Room) bindTransport(peer *peerSession, t core.Transport) {
	id := t.ID()
	t.OnClose(func() {
		r.mu.Lock()
		_, ok := peer.transports[id]
		delete(peer.transports, id)
		r.mu.Unlock()
		if ok {
			metrics.Transports.Dec()
		}
	})
	t.OnDtlsStateChange(func(s core.DtlsState) {
		if s == core.DtlsStateFailed || s == core.DtlsStateClosed {
			peer.logger.Warn().Str("transport", id).Str("dtls_state", string(s)).Msg("transport dtls state changed")
		}
	})
	t.OnSctpStateChange(func(s core.SctpState) {
		peer.logger.Debug().Str("transport", id).Str("sctp_state", string(s)).Msg("transport sctp state changed")
	})
}

func (r *Room) removeConsumer(peer *peerSession, id string) bool {
	r.mu.Lock()
	c, ok := peer.consumers[id]
	if ok {
		delete(peer.consumers, id)
		delete(peer.consumedProducers, c.ProducerID())
	}
	r.mu.Unlock()
	if ok {
		metrics.Consumers.WithLabelValues(string(c.Kind())).Dec()
	}
	return ok
}

func (r *Room) removeProducer(peer *peerSession, id string) (core.Producer, bool) {
	r.mu.Lock()
	p, ok := peer.producers[id]
	delete(peer.producers, id)
	r.mu.Unlock()
	if ok {
		metrics.Producers.WithLabelValues(string(p.Kind())).Dec()
	}
	return p, ok
}

func (r *Room) removeDataConsumer(peer *peerSession, id string) bool {
	r.mu.Lock()
	dc, ok := peer.dataConsumers[id]
	if ok {
		delete(peer.dataConsumers, id)
		delete(peer.consumedDataProducers, dc.DataProducerID())
	}
	r.mu.Unlock()
	return ok
}
