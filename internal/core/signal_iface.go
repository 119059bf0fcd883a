package core

import (
	"context"

	"github.com/dkeye/Huddle/internal/domain"
)

// Request is one inbound signaling request.
// Exactly one of Accept or Reject takes effect; later calls are ignored.
type Request interface {
	Method() string
	Data() []byte
	Accept(data any)
	Reject(code int, reason string)
}

// PeerChannel abstracts the per-peer signaling transport.
// Owned by the adapter; the room only closes it on shutdown.
type PeerChannel interface {
	ID() domain.PeerID
	// OnRequest must be set before the channel starts reading.
	OnRequest(func(Request))
	// OnClose handlers run once; registering after close runs the handler immediately.
	OnClose(func())
	// Notify enqueues a one-way message without waiting for delivery.
	Notify(method string, data any) error
	// Request sends a request and waits for the client's response payload.
	Request(ctx context.Context, method string, data any) ([]byte, error)
	Close()
}
