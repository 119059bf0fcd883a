package app

import (
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog"
)

// peerSession is the state of one connected peer. Every field below channel
// is guarded by the owning Room's mu.
type peerSession struct {
	id      domain.PeerID
	channel core.PeerChannel
	logger  zerolog.Logger

	joined      bool
	closed      bool
	displayName string
	device      domain.Device
	rtpCaps     *core.RtpCapabilities
	sctpCaps    *core.SctpCapabilities

	transports    map[string]core.Transport
	producers     map[string]core.Producer
	consumers     map[string]core.Consumer
	dataProducers map[string]core.DataProducer
	dataConsumers map[string]core.DataConsumer

	// Producer ids this peer consumes or is about to consume.
	consumedProducers     map[string]struct{}
	consumedDataProducers map[string]struct{}
}

func newPeerSession(ch core.PeerChannel, roomLogger zerolog.Logger) *peerSession {
	return &peerSession{
		id:      ch.ID(),
		channel: ch,
		logger: roomLogger.With().
			Str("peer", string(ch.ID())).
			Logger(),
		transports:            make(map[string]core.Transport),
		producers:             make(map[string]core.Producer),
		consumers:             make(map[string]core.Consumer),
		dataProducers:         make(map[string]core.DataProducer),
		dataConsumers:         make(map[string]core.DataConsumer),
		consumedProducers:     make(map[string]struct{}),
		consumedDataProducers: make(map[string]struct{}),
	}
}

func (p *peerSession) info() domain.PeerInfo {
	return domain.PeerInfo{ID: p.id, DisplayName: p.displayName, Device: p.device}
}

// consumingTransport returns the transport flagged for receiving media.
func (p *peerSession) consumingTransport() core.Transport {
	for _, t := range p.transports {
		if t.AppData().Bool("consuming") {
			return t
		}
	}
	return nil
}
