package app

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

const defaultThrottleBitrate = 1_000_000

var errThrottleUnavailable = errors.New("network throttle not available")

func (r *Room) handleApplyNetworkThrottle(ctx context.Context, peer *peerSession, data []byte, _ func(any)) error {
	req, err := decode[throttleRequest](data)
	if err != nil {
		return err
	}
	if !r.opts.Policy.AllowThrottle(peer.id, req.Secret) {
		return domain.ErrForbidden
	}
	if r.opts.Throttler == nil {
		return errThrottleUnavailable
	}

	opts := core.ThrottleOptions{Uplink: defaultThrottleBitrate, Downlink: defaultThrottleBitrate}
	if req.Uplink != nil {
		opts.Uplink = *req.Uplink
	}
	if req.Downlink != nil {
		opts.Downlink = *req.Downlink
	}
	if req.RTT != nil {
		opts.RTT = time.Duration(*req.RTT) * time.Millisecond
	}
	if err := r.opts.Throttler.StartThrottle(ctx, opts); err != nil {
		return engineError("apply network throttle", err)
	}
	peer.logger.Warn().
		Uint32("uplink", opts.Uplink).
		Uint32("downlink", opts.Downlink).
		Dur("rtt", opts.RTT).
		Msg("network throttle applied")
	return nil
}

func (r *Room) handleResetNetworkThrottle(ctx context.Context, peer *peerSession, data []byte, _ func(any)) error {
	req, err := decodeOptional[resetThrottleRequest](data)
	if err != nil {
		return err
	}
	if !r.opts.Policy.AllowThrottle(peer.id, req.Secret) {
		return domain.ErrForbidden
	}
	if r.opts.Throttler == nil {
		return errThrottleUnavailable
	}
	if err := r.opts.Throttler.StopThrottle(ctx); err != nil {
		return engineError("reset network throttle", err)
	}
	peer.logger.Warn().Msg("network throttle reset")
	return nil
}
