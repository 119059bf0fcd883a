package app

import (
	"context"
	"fmt"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/metrics"
)

// chatLabel marks data producers that are fanned out to the other peers.
const chatLabel = "chat"

type producerSource struct {
	owner    *peerSession
	producer core.Producer
}

type dataProducerSource struct {
	owner    *peerSession
	producer core.DataProducer
}

func (r *Room) handleJoin(ctx context.Context, peer *peerSession, data []byte, accept func(any)) error {
	req, err := decode[joinRequest](data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if peer.closed {
		r.mu.Unlock()
		return domain.ErrPeerClosed
	}
	if peer.joined {
		r.mu.Unlock()
		return domain.ErrAlreadyJoined
	}
	peer.joined = true
	peer.displayName = domain.ClampDisplayName(req.DisplayName)
	peer.device = req.Device
	peer.rtpCaps = req.RtpCapabilities
	peer.sctpCaps = req.SctpCapabilities

	// The joined flag and the producer snapshot are taken together so a
	// concurrent produce offers to this peer exactly once.
	others := r.joinedPeersLocked(peer)
	infos := make([]domain.PeerInfo, 0, len(others))
	var producers []producerSource
	var dataProducers []dataProducerSource
	for _, o := range others {
		infos = append(infos, o.info())
		for _, p := range o.producers {
			producers = append(producers, producerSource{owner: o, producer: p})
		}
		for _, dp := range o.dataProducers {
			if dp.Label() == chatLabel {
				dataProducers = append(dataProducers, dataProducerSource{owner: o, producer: dp})
			}
		}
	}
	self := peer.info()
	r.mu.Unlock()

	accept(joinResponse{Peers: infos})
	peer.logger.Info().Str("display_name", self.DisplayName).Int("peers", len(infos)).Msg("peer joined")
	r.publish(core.PeerJoined, peer.id)

	r.fanOut(func(spawn func(func())) {
		for _, src := range producers {
			spawn(func() { r.createConsumer(ctx, peer, src.owner, src.producer) })
		}
		for _, src := range dataProducers {
			spawn(func() { r.createDataConsumer(ctx, peer, src.owner, src.producer) })
		}
	})

	for _, o := range others {
		r.notify(o, "newPeer", self)
	}
	return nil
}

func (r *Room) handleProduce(ctx context.Context, peer *peerSession, data []byte, accept func(any)) error {
	req, err := decode[produceRequest](data)
	if err != nil {
		return err
	}
	if !req.Kind.Valid() {
		return fmt.Errorf("%w: invalid kind %q", domain.ErrBadRequest, req.Kind)
	}
	t, err := r.producingTransport(peer, req.TransportID)
	if err != nil {
		return err
	}

	appData := req.AppData.Clone()
	appData["peerId"] = string(peer.id)
	producer, err := t.Produce(ctx, core.ProducerOptions{
		Kind:          req.Kind,
		RtpParameters: req.RtpParameters,
		AppData:       appData,
	})
	if err != nil {
		return engineError("produce", err)
	}
	r.bindProducer(peer, producer)

	// Storing the producer and snapshotting the joined peers happen together,
	// see handleJoin.
	r.mu.Lock()
	if peer.closed || producer.Closed() {
		r.mu.Unlock()
		producer.Close()
		return domain.ErrPeerClosed
	}
	peer.producers[producer.ID()] = producer
	targets := r.joinedPeersLocked(peer)
	r.mu.Unlock()
	metrics.Producers.WithLabelValues(string(producer.Kind())).Inc()

	accept(idResponse{ID: producer.ID()})
	peer.logger.Info().
		Str("producer", producer.ID()).
		Str("kind", string(producer.Kind())).
		Msg("producer created")

	r.fanOut(func(spawn func(func())) {
		for _, target := range targets {
			spawn(func() { r.createConsumer(ctx, target, peer, producer) })
		}
	})

	if producer.Kind() == domain.MediaKindAudio {
		if err := r.observer.AddProducer(ctx, producer.ID()); err != nil {
			peer.logger.Warn().Err(err).Str("producer", producer.ID()).Msg("audio level observer rejected producer")
		}
	}
	return nil
}

func (r *Room) handleCloseProducer(_ context.Context, peer *peerSession, data []byte, _ func(any)) error {
	req, err := decode[producerRef](data)
	if err != nil {
		return err
	}
	if _, err := r.peerProducer(peer, req.ProducerID); err != nil {
		return err
	}
	if p, ok := r.removeProducer(peer, req.ProducerID); ok {
		p.Close()
	}
	return nil
}

func (r *Room) handlePauseProducer(ctx context.Context, peer *peerSession, data []byte, _ func(any)) error {
	req, err := decode[producerRef](data)
	if err != nil {
		return err
	}
	p, err := r.peerProducer(peer, req.ProducerID)
	if err != nil {
		return err
	}
	if err := p.Pause(ctx); err != nil {
		return engineError("pause producer", err)
	}
	return nil
}

func (r *Room) handleResumeProducer(ctx context.Context, peer *peerSession, data []byte, _ func(any)) error {
	req, err := decode[producerRef](data)
	if err != nil {
		return err
	}
	p, err := r.peerProducer(peer, req.ProducerID)
	if err != nil {
		return err
	}
	if err := p.Resume(ctx); err != nil {
		return engineError("resume producer", err)
	}
	return nil
}

func (r *Room) handleGetProducerStats(ctx context.Context, peer *peerSession, data []byte, accept func(any)) error {
	req, err := decode[producerRef](data)
	if err != nil {
		return err
	}
	p, err := r.peerProducer(peer, req.ProducerID)
	if err != nil {
		return err
	}
	stats, err := p.GetStats(ctx)
	if err != nil {
		return engineError("producer stats", err)
	}
	accept(stats)
	return nil
}

func (r *Room) handlePauseConsumer(ctx context.Context, peer *peerSession, data []byte, _ func(any)) error {
	req, err := decode[consumerRef](data)
	if err != nil {
		return err
	}
	c, err := r.peerConsumer(peer, req.ConsumerID)
	if err != nil {
		return err
	}
	if err := c.Pause(ctx); err != nil {
		return engineError("pause consumer", err)
	}
	return nil
}

func (r *Room) handleResumeConsumer(ctx context.Context, peer *peerSession, data []byte, _ func(any)) error {
	req, err := decode[consumerRef](data)
	if err != nil {
		return err
	}
	c, err := r.peerConsumer(peer, req.ConsumerID)
	if err != nil {
		return err
	}
	if err := c.Resume(ctx); err != nil {
		return engineError("resume consumer", err)
	}
	return nil
}

func (r *Room) handleSetConsumerPreferredLayers(ctx context.Context, peer *peerSession, data []byte, _ func(any)) error {
	req, err := decode[preferredLayersRequest](data)
	if err != nil {
		return err
	}
	c, err := r.peerConsumer(peer, req.ConsumerID)
	if err != nil {
		return err
	}
	layers := core.ConsumerLayers{SpatialLayer: req.SpatialLayer, TemporalLayer: req.TemporalLayer}
	if err := c.SetPreferredLayers(ctx, layers); err != nil {
		return engineError("set preferred layers", err)
	}
	return nil
}

func (r *Room) handleSetConsumerPriority(ctx context.Context, peer *peerSession, data []byte, _ func(any)) error {
	req, err := decode[priorityRequest](data)
	if err != nil {
		return err
	}
	c, err := r.peerConsumer(peer, req.ConsumerID)
	if err != nil {
		return err
	}
	if err := c.SetPriority(ctx, req.Priority); err != nil {
		return engineError("set priority", err)
	}
	return nil
}

func (r *Room) handleRequestConsumerKeyFrame(ctx context.Context, peer *peerSession, data []byte, _ func(any)) error {
	req, err := decode[consumerRef](data)
	if err != nil {
		return err
	}
	c, err := r.peerConsumer(peer, req.ConsumerID)
	if err != nil {
		return err
	}
	if err := c.RequestKeyFrame(ctx); err != nil {
		return engineError("request key frame", err)
	}
	return nil
}

func (r *Room) handleGetConsumerStats(ctx context.Context, peer *peerSession, data []byte, accept func(any)) error {
	req, err := decode[consumerRef](data)
	if err != nil {
		return err
	}
	c, err := r.peerConsumer(peer, req.ConsumerID)
	if err != nil {
		return err
	}
	stats, err := c.GetStats(ctx)
	if err != nil {
		return engineError("consumer stats", err)
	}
	accept(stats)
	return nil
}

// joinedPeerTransport resolves a transport of a joined peer.
func (r *Room) joinedPeerTransport(peer *peerSession, id string) (core.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !peer.joined {
		return nil, domain.ErrNotJoined
	}
	t, ok := peer.transports[id]
	if !ok {
		return nil, fmt.Errorf("%w: transport %q", domain.ErrNotFound, id)
	}
	return t, nil
}

// producingTransport is joinedPeerTransport restricted to transports created
// with appData.producing set. Incoming media only ever uses the consuming one.
func (r *Room) producingTransport(peer *peerSession, id string) (core.Transport, error) {
	t, err := r.joinedPeerTransport(peer, id)
	if err != nil {
		return nil, err
	}
	if !t.AppData().Bool("producing") {
		return nil, fmt.Errorf("%w: transport %q is not a producing transport", domain.ErrBadRequest, id)
	}
	return t, nil
}

func (r *Room) peerProducer(peer *peerSession, id string) (core.Producer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !peer.joined {
		return nil, domain.ErrNotJoined
	}
	p, ok := peer.producers[id]
	if !ok {
		return nil, fmt.Errorf("%w: producer %q", domain.ErrNotFound, id)
	}
	return p, nil
}

func (r *Room) peerConsumer(peer *peerSession, id string) (core.Consumer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !peer.joined {
		return nil, domain.ErrNotJoined
	}
	c, ok := peer.consumers[id]
	if !ok {
		return nil, fmt.Errorf("%w: consumer %q", domain.ErrNotFound, id)
	}
	return c, nil
}
