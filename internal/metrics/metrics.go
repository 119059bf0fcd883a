// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "huddle"

var (
	Rooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms",
		Help:      "Open rooms.",
	})
	Peers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers",
		Help:      "Connected peers, joined or not.",
	})
	Transports = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "transports",
		Help:      "Open WebRTC transports.",
	})
	Producers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "producers",
		Help:      "Open producers by kind.",
	}, []string{"kind"})
	Consumers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "consumers",
		Help:      "Open consumers by kind.",
	}, []string{"kind"})

	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signal",
		Name:      "requests_total",
		Help:      "Signaling requests by method and outcome.",
	}, []string{"method", "outcome"})
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "signal",
		Name:      "request_duration_seconds",
		Help:      "Time from request receipt to accept or reject.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
	ConsumerOffers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consumer_offers_total",
		Help:      "newConsumer and newDataConsumer offers by outcome.",
	}, []string{"type", "outcome"})
)

const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)
