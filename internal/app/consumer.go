package app

import (
	"context"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/metrics"
	"github.com/sourcegraph/conc"
)

// fanOut runs the tasks spawned by plan concurrently in the background.
// Each task is independent; a panicking task is logged, not propagated.
func (r *Room) fanOut(plan func(spawn func(func()))) {
	var wg conc.WaitGroup
	plan(wg.Go)
	go func() {
		if rec := wg.WaitAndRecover(); rec != nil {
			r.logger.Error().Err(rec.AsError()).Msg("consumer fan-out panicked")
		}
	}()
}

// createConsumer offers producer to consumerPeer. The consumer is created
// paused and resumed only after the client acknowledged the offer.
func (r *Room) createConsumer(ctx context.Context, consumerPeer, owner *peerSession, producer core.Producer) {
	logger := consumerPeer.logger.With().Str("producer", producer.ID()).Logger()

	r.mu.Lock()
	caps := consumerPeer.rtpCaps
	r.mu.Unlock()
	if caps == nil || !r.router.CanConsume(producer.ID(), *caps) {
		return
	}

	r.mu.Lock()
	if consumerPeer.closed {
		r.mu.Unlock()
		return
	}
	if _, dup := consumerPeer.consumedProducers[producer.ID()]; dup {
		r.mu.Unlock()
		logger.Debug().Msg("producer already consumed, skipping")
		return
	}
	transport := consumerPeer.consumingTransport()
	if transport == nil {
		r.mu.Unlock()
		logger.Warn().Msg("createConsumer: no consuming transport")
		return
	}
	consumerPeer.consumedProducers[producer.ID()] = struct{}{}
	r.mu.Unlock()

	consumer, err := transport.Consume(ctx, core.ConsumerOptions{
		ProducerID:      producer.ID(),
		RtpCapabilities: *caps,
		Paused:          true,
	})
	if err != nil {
		r.releaseProducerReservation(consumerPeer, producer.ID())
		logger.Warn().Err(err).Msg("createConsumer: consume failed")
		return
	}
	r.bindConsumer(consumerPeer, consumer)

	r.mu.Lock()
	if consumerPeer.closed || consumer.Closed() {
		delete(consumerPeer.consumedProducers, producer.ID())
		r.mu.Unlock()
		consumer.Close()
		return
	}
	consumerPeer.consumers[consumer.ID()] = consumer
	r.mu.Unlock()
	metrics.Consumers.WithLabelValues(string(consumer.Kind())).Inc()

	logger = logger.With().Str("consumer", consumer.ID()).Logger()
	_, err = consumerPeer.channel.Request(ctx, "newConsumer", newConsumerRequest{
		PeerID:         owner.id,
		ProducerID:     producer.ID(),
		ID:             consumer.ID(),
		Kind:           consumer.Kind(),
		RtpParameters:  consumer.RtpParameters(),
		Type:           consumer.Type(),
		AppData:        producer.AppData(),
		ProducerPaused: consumer.ProducerPaused(),
	})
	if err != nil {
		// The consumer stays registered and paused until a cascade closes it.
		metrics.ConsumerOffers.WithLabelValues("consumer", metrics.OutcomeRejected).Inc()
		logger.Warn().Err(err).Msg("newConsumer offer failed")
		return
	}
	metrics.ConsumerOffers.WithLabelValues("consumer", metrics.OutcomeAccepted).Inc()

	if err := consumer.Resume(ctx); err != nil {
		logger.Warn().Err(err).Msg("resume after offer failed")
		return
	}
	r.notify(consumerPeer, "consumerScore", consumerScoreNotification{
		ConsumerID: consumer.ID(),
		Score:      consumer.Score(),
	})
}

// createDataConsumer offers a data producer to consumerPeer if it negotiated SCTP.
func (r *Room) createDataConsumer(ctx context.Context, consumerPeer, owner *peerSession, dataProducer core.DataProducer) {
	logger := consumerPeer.logger.With().Str("data_producer", dataProducer.ID()).Logger()

	r.mu.Lock()
	if consumerPeer.closed || consumerPeer.sctpCaps == nil {
		r.mu.Unlock()
		return
	}
	if _, dup := consumerPeer.consumedDataProducers[dataProducer.ID()]; dup {
		r.mu.Unlock()
		return
	}
	transport := consumerPeer.consumingTransport()
	if transport == nil {
		r.mu.Unlock()
		logger.Warn().Msg("createDataConsumer: no consuming transport")
		return
	}
	consumerPeer.consumedDataProducers[dataProducer.ID()] = struct{}{}
	r.mu.Unlock()

	dc, err := transport.ConsumeData(ctx, core.DataConsumerOptions{DataProducerID: dataProducer.ID()})
	if err != nil {
		r.mu.Lock()
		delete(consumerPeer.consumedDataProducers, dataProducer.ID())
		r.mu.Unlock()
		logger.Warn().Err(err).Msg("createDataConsumer: consumeData failed")
		return
	}
	r.bindDataConsumer(consumerPeer, dc)

	r.mu.Lock()
	if consumerPeer.closed || dc.Closed() {
		delete(consumerPeer.consumedDataProducers, dataProducer.ID())
		r.mu.Unlock()
		dc.Close()
		return
	}
	consumerPeer.dataConsumers[dc.ID()] = dc
	r.mu.Unlock()

	var peerID *domain.PeerID
	if owner != nil {
		peerID = &owner.id
	}
	_, err = consumerPeer.channel.Request(ctx, "newDataConsumer", newDataConsumerRequest{
		PeerID:               peerID,
		DataProducerID:       dataProducer.ID(),
		ID:                   dc.ID(),
		SctpStreamParameters: dc.SctpStreamParameters(),
		Label:                dc.Label(),
		Protocol:             dc.Protocol(),
		AppData:              dataProducer.AppData(),
	})
	if err != nil {
		metrics.ConsumerOffers.WithLabelValues("data_consumer", metrics.OutcomeRejected).Inc()
		logger.Warn().Err(err).Str("data_consumer", dc.ID()).Msg("newDataConsumer offer failed")
		return
	}
	metrics.ConsumerOffers.WithLabelValues("data_consumer", metrics.OutcomeAccepted).Inc()
}

func (r *Room) releaseProducerReservation(peer *peerSession, producerID string) {
	r.mu.Lock()
	delete(peer.consumedProducers, producerID)
	r.mu.Unlock()
}
