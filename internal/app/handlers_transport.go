package app

import (
	"context"
	"fmt"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/metrics"
	"github.com/pion/webrtc/v4"
)

func (r *Room) handleGetRouterRtpCapabilities(_ context.Context, _ *peerSession, _ []byte, accept func(any)) error {
	accept(r.router.RtpCapabilities())
	return nil
}

// handleCreateWebRtcTransport does not require the peer to have joined.
func (r *Room) handleCreateWebRtcTransport(ctx context.Context, peer *peerSession, data []byte, accept func(any)) error {
	req, err := decode[createTransportRequest](data)
	if err != nil {
		return err
	}

	opts := r.opts.Transport
	opts.AppData = core.AppData{"producing": req.Producing, "consuming": req.Consuming}
	if req.ForceTcp {
		opts.EnableUDP = false
		opts.EnableTCP = true
	}
	if req.SctpCapabilities != nil {
		opts.EnableSctp = true
		opts.NumSctpStreams = req.SctpCapabilities.NumStreams
	}

	t, err := r.router.CreateWebRtcTransport(ctx, opts)
	if err != nil {
		return engineError("create transport", err)
	}
	r.bindTransport(peer, t)

	r.mu.Lock()
	if peer.closed || t.Closed() {
		r.mu.Unlock()
		t.Close()
		return domain.ErrPeerClosed
	}
	peer.transports[t.ID()] = t
	r.mu.Unlock()
	metrics.Transports.Inc()

	accept(transportResponse{
		ID:             t.ID(),
		IceParameters:  t.IceParameters(),
		IceCandidates:  toIceCandidates(t.IceCandidates()),
		DtlsParameters: t.DtlsParameters(),
		SctpParameters: t.SctpParameters(),
	})

	if r.opts.MaxIncomingBitrate > 0 {
		if err := t.SetMaxIncomingBitrate(ctx, r.opts.MaxIncomingBitrate); err != nil {
			peer.logger.Debug().Err(err).Str("transport", t.ID()).Msg("setMaxIncomingBitrate failed")
		}
	}
	return nil
}

func (r *Room) handleConnectWebRtcTransport(ctx context.Context, peer *peerSession, data []byte, _ func(any)) error {
	req, err := decode[connectTransportRequest](data)
	if err != nil {
		return err
	}
	t, err := r.peerTransport(peer, req.TransportID)
	if err != nil {
		return err
	}
	if err := t.Connect(ctx, req.DtlsParameters); err != nil {
		return engineError("connect transport", err)
	}
	return nil
}

func (r *Room) handleRestartIce(ctx context.Context, peer *peerSession, data []byte, accept func(any)) error {
	req, err := decode[transportRef](data)
	if err != nil {
		return err
	}
	t, err := r.peerTransport(peer, req.TransportID)
	if err != nil {
		return err
	}
	ice, err := t.RestartIce(ctx)
	if err != nil {
		return engineError("restart ice", err)
	}
	accept(ice)
	return nil
}

func (r *Room) handleGetTransportStats(ctx context.Context, peer *peerSession, data []byte, accept func(any)) error {
	req, err := decode[transportRef](data)
	if err != nil {
		return err
	}
	t, err := r.peerTransport(peer, req.TransportID)
	if err != nil {
		return err
	}
	stats, err := t.GetStats(ctx)
	if err != nil {
		return engineError("transport stats", err)
	}
	accept(stats)
	return nil
}

func (r *Room) peerTransport(peer *peerSession, id string) (core.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := peer.transports[id]
	if !ok {
		return nil, fmt.Errorf("%w: transport %q", domain.ErrNotFound, id)
	}
	return t, nil
}

func toIceCandidates(in []webrtc.ICECandidate) []iceCandidate {
	out := make([]iceCandidate, 0, len(in))
	for _, c := range in {
		out = append(out, iceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Address:    c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return out
}
