package app

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/metrics"
	"github.com/goccy/go-json"
)

// handlerFunc serves one request method. Returning nil without calling accept
// accepts the request with an empty payload.
type handlerFunc func(r *Room, ctx context.Context, peer *peerSession, data []byte, accept func(any)) error

var handlers map[string]handlerFunc

func init() {
	handlers = map[string]handlerFunc{
		"getRouterRtpCapabilities":   (*Room).handleGetRouterRtpCapabilities,
		"join":                       (*Room).handleJoin,
		"createWebRtcTransport":      (*Room).handleCreateWebRtcTransport,
		"connectWebRtcTransport":     (*Room).handleConnectWebRtcTransport,
		"restartIce":                 (*Room).handleRestartIce,
		"produce":                    (*Room).handleProduce,
		"closeProducer":              (*Room).handleCloseProducer,
		"pauseProducer":              (*Room).handlePauseProducer,
		"resumeProducer":             (*Room).handleResumeProducer,
		"pauseConsumer":              (*Room).handlePauseConsumer,
		"resumeConsumer":             (*Room).handleResumeConsumer,
		"setConsumerPreferredLayers": (*Room).handleSetConsumerPreferredLayers,
		"setConsumerPriority":        (*Room).handleSetConsumerPriority,
		"requestConsumerKeyFrame":    (*Room).handleRequestConsumerKeyFrame,
		"produceData":                (*Room).handleProduceData,
		"getTransportStats":          (*Room).handleGetTransportStats,
		"getProducerStats":           (*Room).handleGetProducerStats,
		"getConsumerStats":           (*Room).handleGetConsumerStats,
		"getDataProducerStats":       (*Room).handleGetDataProducerStats,
		"getDataConsumerStats":       (*Room).handleGetDataConsumerStats,
		"applyNetworkThrottle":       (*Room).handleApplyNetworkThrottle,
		"resetNetworkThrottle":       (*Room).handleResetNetworkThrottle,
	}
}

// handleRequest resolves req exactly once.
func (r *Room) handleRequest(peer *peerSession, req core.Request) {
	start := time.Now()
	method := req.Method()

	accepted := false
	accept := func(data any) {
		if accepted {
			return
		}
		accepted = true
		req.Accept(data)
	}

	var err error
	if h, ok := handlers[method]; ok {
		err = h(r, r.ctx, peer, req.Data(), accept)
	} else {
		err = fmt.Errorf("%w: %q", domain.ErrUnknownMethod, method)
		method = "unknown"
	}

	outcome := metrics.OutcomeAccepted
	switch {
	case err != nil && accepted:
		outcome = metrics.OutcomeFailed
		peer.logger.Error().Err(err).Str("method", method).Msg("request failed after accept")
	case err != nil:
		outcome = metrics.OutcomeRejected
		code := domain.ErrorCode(err)
		ev := peer.logger.Warn()
		if code >= 500 {
			ev = peer.logger.Error()
		}
		ev.Err(err).Str("method", method).Int("code", code).Msg("request rejected")
		req.Reject(code, err.Error())
	case !accepted:
		accept(nil)
	}
	metrics.Requests.WithLabelValues(method, outcome).Inc()
	metrics.RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func decode[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, fmt.Errorf("%w: missing request data", domain.ErrBadRequest)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	return v, nil
}

// decodeOptional accepts an empty payload as the zero value.
func decodeOptional[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	return decode[T](data)
}

func engineError(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}
