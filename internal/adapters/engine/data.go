package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/rs/zerolog"
)

type DataProducer struct {
	id        string
	transport *Transport
	label     string
	protocol  string
	stream    *core.SctpStreamParameters
	appData   core.AppData
	logger    zerolog.Logger

	messages atomic.Uint64
	bytes    atomic.Uint64

	mu        sync.Mutex
	closed    bool
	consumers map[string]*DataConsumer

	onTransportClose event
}

func (d *DataProducer) ID() string            { return d.id }
func (d *DataProducer) Label() string         { return d.label }
func (d *DataProducer) Protocol() string      { return d.protocol }
func (d *DataProducer) AppData() core.AppData { return d.appData }

func (d *DataProducer) SctpStreamParameters() *core.SctpStreamParameters {
	s := *d.stream
	return &s
}

func (d *DataProducer) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Send delivers one SCTP message to every data consumer of the producer.
func (d *DataProducer) Send(msg []byte) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	consumers := mapValues(d.consumers)
	d.mu.Unlock()

	d.messages.Add(1)
	d.bytes.Add(uint64(len(msg)))
	for _, c := range consumers {
		c.deliver(msg)
	}
	return nil
}

func (d *DataProducer) GetStats(_ context.Context) ([]core.Stat, error) {
	if d.Closed() {
		return nil, ErrClosed
	}
	return []core.Stat{{
		Type:        "data-producer",
		Timestamp:   time.Now().UnixMilli(),
		Label:       d.label,
		PacketCount: d.messages.Load(),
		ByteCount:   d.bytes.Load(),
	}}, nil
}

func (d *DataProducer) Close() { d.close(false) }

func (d *DataProducer) transportClosed() { d.close(true) }

func (d *DataProducer) close(byTransport bool) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	consumers := mapValues(d.consumers)
	d.consumers = make(map[string]*DataConsumer)
	d.mu.Unlock()

	if !byTransport {
		d.transport.removeDataProducer(d.id)
	}
	d.transport.router.removeDataProducer(d.id)
	for _, c := range consumers {
		c.dataProducerClosed()
	}
	if byTransport {
		d.onTransportClose.fire()
	}
	d.onTransportClose.reset()
	d.logger.Debug().Msg("data producer closed")
}

func (d *DataProducer) OnTransportClose(fn func()) { d.onTransportClose.on(fn) }

func (d *DataProducer) addConsumer(c *DataConsumer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.consumers[c.id] = c
	return nil
}

func (d *DataProducer) removeConsumer(id string) {
	d.mu.Lock()
	delete(d.consumers, id)
	d.mu.Unlock()
}

type DataConsumer struct {
	id        string
	transport *Transport
	producer  *DataProducer
	stream    *core.SctpStreamParameters
	appData   core.AppData
	logger    zerolog.Logger

	closed   atomic.Bool
	messages chan []byte
	done     chan struct{}
	sent     atomic.Uint64
	bytes    atomic.Uint64

	onTransportClose    event
	onDataProducerClose event
}

func (d *DataConsumer) ID() string             { return d.id }
func (d *DataConsumer) DataProducerID() string { return d.producer.id }
func (d *DataConsumer) Label() string          { return d.producer.label }
func (d *DataConsumer) Protocol() string       { return d.producer.protocol }
func (d *DataConsumer) AppData() core.AppData  { return d.appData }
func (d *DataConsumer) Closed() bool           { return d.closed.Load() }

func (d *DataConsumer) SctpStreamParameters() *core.SctpStreamParameters {
	s := *d.stream
	return &s
}

func (d *DataConsumer) deliver(msg []byte) {
	select {
	case <-d.done:
	case d.messages <- msg:
		d.sent.Add(1)
		d.bytes.Add(uint64(len(msg)))
	default:
		d.logger.Debug().Msg("data consumer buffer full, dropping message")
	}
}

// ReadMessage returns the next message to put on the SCTP stream.
func (d *DataConsumer) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-d.messages:
		return msg, nil
	case <-d.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *DataConsumer) GetStats(_ context.Context) ([]core.Stat, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	return []core.Stat{{
		Type:        "data-consumer",
		Timestamp:   time.Now().UnixMilli(),
		Label:       d.producer.label,
		PacketCount: d.sent.Load(),
		ByteCount:   d.bytes.Load(),
	}}, nil
}

func (d *DataConsumer) Close() { d.close(closeExplicit) }

func (d *DataConsumer) transportClosed() { d.close(closeByTransport) }

func (d *DataConsumer) dataProducerClosed() { d.close(closeByProducer) }

func (d *DataConsumer) close(reason closeReason) {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	close(d.done)
	if reason != closeByProducer {
		d.producer.removeConsumer(d.id)
	}
	if reason != closeByTransport {
		d.transport.removeDataConsumer(d.id)
	}
	switch reason {
	case closeByTransport:
		d.onTransportClose.fire()
	case closeByProducer:
		d.onDataProducerClose.fire()
	}
	d.onTransportClose.reset()
	d.onDataProducerClose.reset()
}

func (d *DataConsumer) OnTransportClose(fn func())    { d.onTransportClose.on(fn) }
func (d *DataConsumer) OnDataProducerClose(fn func()) { d.onDataProducerClose.on(fn) }
