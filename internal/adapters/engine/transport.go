package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Transport struct {
	id      string
	router  *Router
	appData core.AppData
	port    uint16
	logger  zerolog.Logger

	mu            sync.Mutex
	closed        bool
	ice           webrtc.ICEParameters
	candidates    []webrtc.ICECandidate
	localDtls     core.DtlsParameters
	remoteDtls    *core.DtlsParameters
	dtlsState     core.DtlsState
	sctp          *core.SctpParameters
	sctpState     core.SctpState
	maxIncoming   uint32
	ingress       *rate.Limiter
	nextMid       int
	nextStreamID  uint16
	producers     map[string]*Producer
	consumers     map[string]*Consumer
	dataProducers map[string]*DataProducer
	dataConsumers map[string]*DataConsumer

	onClose     event
	onDtlsState listeners[core.DtlsState]
	onSctpState listeners[core.SctpState]
}

func (t *Transport) ID() string            { return t.id }
func (t *Transport) AppData() core.AppData { return t.appData }

func (t *Transport) IceParameters() webrtc.ICEParameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ice
}

func (t *Transport) IceCandidates() []webrtc.ICECandidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidate(nil), t.candidates...)
}

func (t *Transport) DtlsParameters() core.DtlsParameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localDtls
}

func (t *Transport) SctpParameters() *core.SctpParameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sctp == nil {
		return nil
	}
	s := *t.sctp
	return &s
}

func (t *Transport) DtlsState() core.DtlsState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dtlsState
}

// Connect records the remote DTLS parameters. A repeated call replaces them
// without another state transition.
func (t *Transport) Connect(_ context.Context, remote core.DtlsParameters) error {
	if len(remote.Fingerprints) == 0 {
		return errors.New("engine: dtls parameters without fingerprints")
	}
	switch remote.Role {
	case "", "auto", "client", "server":
	default:
		return fmt.Errorf("engine: invalid dtls role %q", remote.Role)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	r := remote
	t.remoteDtls = &r
	if t.dtlsState != core.DtlsStateNew {
		t.mu.Unlock()
		return nil
	}
	// The local side takes the role the remote left free.
	switch remote.Role {
	case "client":
		t.localDtls.Role = "server"
	default:
		t.localDtls.Role = "client"
	}
	t.dtlsState = core.DtlsStateConnected
	hasSctp := t.sctp != nil
	if hasSctp {
		t.sctpState = core.SctpStateConnected
	}
	t.mu.Unlock()

	t.onDtlsState.emit(core.DtlsStateConnecting)
	t.onDtlsState.emit(core.DtlsStateConnected)
	if hasSctp {
		t.onSctpState.emit(core.SctpStateConnected)
	}
	return nil
}

func (t *Transport) RestartIce(_ context.Context) (webrtc.ICEParameters, error) {
	ice, err := newIceParameters()
	if err != nil {
		return webrtc.ICEParameters{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return webrtc.ICEParameters{}, ErrClosed
	}
	t.ice = ice
	return ice, nil
}

func (t *Transport) SetMaxIncomingBitrate(_ context.Context, bitrate uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.maxIncoming = bitrate
	if bitrate == 0 {
		t.ingress = nil
		return nil
	}
	t.ingress = bitrateLimiter(bitrate)
	return nil
}

// allowIngress applies the max incoming bitrate to n bytes of producer input.
func (t *Transport) allowIngress(n int) bool {
	t.mu.Lock()
	lim := t.ingress
	t.mu.Unlock()
	return lim == nil || lim.AllowN(time.Now(), n)
}

func (t *Transport) Produce(_ context.Context, opts core.ProducerOptions) (core.Producer, error) {
	if !opts.Kind.Valid() {
		return nil, fmt.Errorf("engine: invalid kind %q", opts.Kind)
	}
	if len(opts.RtpParameters.Codecs) == 0 {
		return nil, errors.New("engine: rtpParameters without codecs")
	}
	if _, _, ok := matchCodec(opts.RtpParameters, t.router.caps); !ok {
		return nil, errors.New("engine: no producer codec is supported by the router")
	}

	p := newProducer(t, opts)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	if err := t.router.addProducer(p); err != nil {
		t.removeProducer(p.id)
		return nil, err
	}
	p.logger.Debug().Str("kind", string(p.kind)).Msg("producer created")
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts core.ConsumerOptions) (core.Consumer, error) {
	p, ok := t.router.producer(opts.ProducerID)
	if !ok {
		return nil, fmt.Errorf("engine: producer %q not found", opts.ProducerID)
	}
	params, ptMap, err := consumerParameters(p, opts.RtpCapabilities)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	params.Mid = strconv.Itoa(t.nextMid)
	t.nextMid++
	c := newConsumer(t, p, params, ptMap, opts)
	t.consumers[c.id] = c
	t.mu.Unlock()

	if err := p.addConsumer(c); err != nil {
		t.removeConsumer(c.id)
		return nil, err
	}
	c.logger.Debug().Bool("paused", opts.Paused).Msg("consumer created")
	return c, nil
}

func (t *Transport) ProduceData(_ context.Context, opts core.DataProducerOptions) (core.DataProducer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.sctp == nil {
		t.mu.Unlock()
		return nil, errors.New("engine: sctp not enabled on transport")
	}
	if opts.SctpStreamParameters == nil {
		t.mu.Unlock()
		return nil, errors.New("engine: missing sctpStreamParameters")
	}
	if opts.SctpStreamParameters.StreamID >= t.sctp.MIS {
		t.mu.Unlock()
		return nil, fmt.Errorf("engine: sctp stream id %d out of range", opts.SctpStreamParameters.StreamID)
	}
	ssp := *opts.SctpStreamParameters
	dp := &DataProducer{
		id:        uuid.NewString(),
		transport: t,
		label:     opts.Label,
		protocol:  opts.Protocol,
		stream:    &ssp,
		appData:   opts.AppData.Clone(),
		consumers: make(map[string]*DataConsumer),
	}
	dp.logger = t.logger.With().
		Str("module", "engine.dataproducer").
		Str("data_producer", dp.id).
		Logger()
	t.dataProducers[dp.id] = dp
	t.mu.Unlock()

	if err := t.router.addDataProducer(dp); err != nil {
		t.removeDataProducer(dp.id)
		return nil, err
	}
	return dp, nil
}

func (t *Transport) ConsumeData(_ context.Context, opts core.DataConsumerOptions) (core.DataConsumer, error) {
	dp, ok := t.router.dataProducer(opts.DataProducerID)
	if !ok {
		return nil, fmt.Errorf("engine: data producer %q not found", opts.DataProducerID)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.sctp == nil {
		t.mu.Unlock()
		return nil, errors.New("engine: sctp not enabled on transport")
	}
	if t.nextStreamID >= t.sctp.OS {
		t.mu.Unlock()
		return nil, errors.New("engine: no sctp stream available")
	}
	stream := *dp.SctpStreamParameters()
	stream.StreamID = t.nextStreamID
	t.nextStreamID++
	dc := &DataConsumer{
		id:        uuid.NewString(),
		transport: t,
		producer:  dp,
		stream:    &stream,
		appData:   opts.AppData.Clone(),
		messages:  make(chan []byte, egressBuffer),
		done:      make(chan struct{}),
	}
	dc.logger = t.logger.With().
		Str("module", "engine.dataconsumer").
		Str("data_consumer", dc.id).
		Logger()
	t.dataConsumers[dc.id] = dc
	t.mu.Unlock()

	if err := dp.addConsumer(dc); err != nil {
		t.removeDataConsumer(dc.id)
		return nil, err
	}
	return dc, nil
}

func (t *Transport) GetStats(_ context.Context) ([]core.Stat, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	st := core.Stat{
		Type:      "webrtc-transport",
		Timestamp: time.Now().UnixMilli(),
		ID:        t.id,
		DtlsState: t.dtlsState,
		SctpState: t.sctpState,
		Bitrate:   t.maxIncoming,
	}
	for _, p := range t.producers {
		pkts, bytes := p.counters()
		st.PacketCount += pkts
		st.ByteCount += bytes
	}
	for _, c := range t.consumers {
		pkts, bytes := c.counters()
		st.PacketCount += pkts
		st.ByteCount += bytes
	}
	return []core.Stat{st}, nil
}

// Close closes the transport and every producer and consumer on it.
// Children emit their transportclose event; OnClose handlers run last.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := mapValues(t.producers)
	consumers := mapValues(t.consumers)
	dataProducers := mapValues(t.dataProducers)
	dataConsumers := mapValues(t.dataConsumers)
	t.producers = make(map[string]*Producer)
	t.consumers = make(map[string]*Consumer)
	t.dataProducers = make(map[string]*DataProducer)
	t.dataConsumers = make(map[string]*DataConsumer)
	wasConnected := t.dtlsState == core.DtlsStateConnected
	t.dtlsState = core.DtlsStateClosed
	if t.sctp != nil {
		t.sctpState = core.SctpStateClosed
	}
	t.mu.Unlock()

	for _, c := range consumers {
		c.transportClosed()
	}
	for _, p := range producers {
		p.transportClosed()
	}
	for _, dc := range dataConsumers {
		dc.transportClosed()
	}
	for _, dp := range dataProducers {
		dp.transportClosed()
	}

	t.router.removeTransport(t.id)
	t.router.worker.ports.release(t.port)
	if wasConnected {
		t.onDtlsState.emit(core.DtlsStateClosed)
	}
	t.onClose.fire()
	t.onDtlsState.reset()
	t.onSctpState.reset()
	t.onClose.reset()
	t.logger.Debug().Msg("transport closed")
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) OnClose(fn func())                         { t.onClose.on(fn) }
func (t *Transport) OnDtlsStateChange(fn func(core.DtlsState)) { t.onDtlsState.add(fn) }
func (t *Transport) OnSctpStateChange(fn func(core.SctpState)) { t.onSctpState.add(fn) }

func (t *Transport) removeProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *Transport) removeConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

func (t *Transport) removeDataProducer(id string) {
	t.mu.Lock()
	delete(t.dataProducers, id)
	t.mu.Unlock()
}

func (t *Transport) removeDataConsumer(id string) {
	t.mu.Lock()
	delete(t.dataConsumers, id)
	t.mu.Unlock()
}

func (t *Transport) consumerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.consumers)
}

func mapValues[K comparable, V any](m map[K]V) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
