package app

import (
	"context"
	"fmt"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

func (r *Room) handleProduceData(ctx context.Context, peer *peerSession, data []byte, accept func(any)) error {
	req, err := decode[produceDataRequest](data)
	if err != nil {
		return err
	}
	t, err := r.producingTransport(peer, req.TransportID)
	if err != nil {
		return err
	}

	appData := req.AppData.Clone()
	appData["peerId"] = string(peer.id)
	dp, err := t.ProduceData(ctx, core.DataProducerOptions{
		SctpStreamParameters: req.SctpStreamParameters,
		Label:                req.Label,
		Protocol:             req.Protocol,
		AppData:              appData,
	})
	if err != nil {
		return engineError("produce data", err)
	}
	r.bindDataProducer(peer, dp)

	r.mu.Lock()
	if peer.closed || dp.Closed() {
		r.mu.Unlock()
		dp.Close()
		return domain.ErrPeerClosed
	}
	peer.dataProducers[dp.ID()] = dp
	var targets []*peerSession
	if dp.Label() == chatLabel {
		targets = r.joinedPeersLocked(peer)
	}
	r.mu.Unlock()

	accept(idResponse{ID: dp.ID()})
	peer.logger.Info().Str("data_producer", dp.ID()).Str("label", dp.Label()).Msg("data producer created")

	r.fanOut(func(spawn func(func())) {
		for _, target := range targets {
			spawn(func() { r.createDataConsumer(ctx, target, peer, dp) })
		}
	})
	return nil
}

func (r *Room) handleGetDataProducerStats(ctx context.Context, peer *peerSession, data []byte, accept func(any)) error {
	req, err := decode[dataProducerRef](data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	dp, ok := peer.dataProducers[req.DataProducerID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: data producer %q", domain.ErrNotFound, req.DataProducerID)
	}
	stats, err := dp.GetStats(ctx)
	if err != nil {
		return engineError("data producer stats", err)
	}
	accept(stats)
	return nil
}

func (r *Room) handleGetDataConsumerStats(ctx context.Context, peer *peerSession, data []byte, accept func(any)) error {
	req, err := decode[dataConsumerRef](data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	dc, ok := peer.dataConsumers[req.DataConsumerID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: data consumer %q", domain.ErrNotFound, req.DataConsumerID)
	}
	stats, err := dc.GetStats(ctx)
	if err != nil {
		return engineError("data consumer stats", err)
	}
	accept(stats)
	return nil
}
