package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/google/uuid"
	"github.com/pion/randutil"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const scoreInterval = time.Second

type Router struct {
	id     string
	worker *Worker
	caps   core.RtpCapabilities
	logger zerolog.Logger
	cancel context.CancelFunc

	mu            sync.RWMutex
	closed        bool
	transports    map[string]*Transport
	producers     map[string]*Producer
	dataProducers map[string]*DataProducer
	observers     map[*AudioLevelObserver]struct{}
}

func newRouter(id string, w *Worker, caps core.RtpCapabilities) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		id:     id,
		worker: w,
		caps:   caps,
		logger: w.logger.With().
			Str("module", "engine.router").
			Str("router", id).
			Logger(),
		cancel:        cancel,
		transports:    make(map[string]*Transport),
		producers:     make(map[string]*Producer),
		dataProducers: make(map[string]*DataProducer),
		observers:     make(map[*AudioLevelObserver]struct{}),
	}
	go r.scoreLoop(ctx)
	return r
}

func (r *Router) ID() string { return r.id }

func (r *Router) RtpCapabilities() core.RtpCapabilities { return r.caps }

func (r *Router) CanConsume(producerID string, caps core.RtpCapabilities) bool {
	p, ok := r.producer(producerID)
	if !ok {
		r.logger.Debug().Str("producer", producerID).Msg("canConsume: unknown producer")
		return false
	}
	return canConsume(p.RtpParameters(), caps)
}

func (r *Router) CreateWebRtcTransport(_ context.Context, opts core.WebRtcTransportOptions) (core.Transport, error) {
	if !opts.EnableUDP && !opts.EnableTCP {
		return nil, fmt.Errorf("engine: transport needs udp or tcp enabled")
	}
	port, err := r.worker.ports.alloc()
	if err != nil {
		return nil, err
	}
	ice, err := newIceParameters()
	if err != nil {
		r.worker.ports.release(port)
		return nil, err
	}

	t := &Transport{
		id:        uuid.NewString(),
		router:    r,
		appData:   opts.AppData.Clone(),
		port:      port,
		ice:       ice,
		dtlsState: core.DtlsStateNew,
		localDtls: core.DtlsParameters{
			Role:         "auto",
			Fingerprints: append([]webrtc.DTLSFingerprint(nil), r.worker.fingerprints...),
		},
		candidates:    hostCandidates(opts, port),
		producers:     make(map[string]*Producer),
		consumers:     make(map[string]*Consumer),
		dataProducers: make(map[string]*DataProducer),
		dataConsumers: make(map[string]*DataConsumer),
	}
	if opts.EnableSctp {
		t.sctp = &core.SctpParameters{
			Port:           5000,
			OS:             opts.NumSctpStreams.OS,
			MIS:            opts.NumSctpStreams.MIS,
			MaxMessageSize: opts.MaxSctpMessageSize,
		}
		t.sctpState = core.SctpStateNew
	}
	t.logger = r.logger.With().
		Str("module", "engine.transport").
		Str("transport", t.id).
		Logger()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.worker.ports.release(port)
		return nil, ErrClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()

	t.logger.Debug().Uint16("port", port).Msg("transport created")
	return t, nil
}

func (r *Router) CreateAudioLevelObserver(_ context.Context, opts core.AudioLevelObserverOptions) (core.AudioLevelObserver, error) {
	if opts.MaxEntries <= 0 {
		return nil, fmt.Errorf("engine: observer maxEntries must be positive")
	}
	if opts.Interval < 250*time.Millisecond {
		opts.Interval = 250 * time.Millisecond
	}
	o := newAudioLevelObserver(r, opts)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.observers[o] = struct{}{}
	r.mu.Unlock()

	o.start()
	return o, nil
}

// Close closes every transport and observer of the router.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	observers := make([]*AudioLevelObserver, 0, len(r.observers))
	for o := range r.observers {
		observers = append(observers, o)
	}
	r.mu.Unlock()

	r.cancel()
	for _, t := range transports {
		t.Close()
	}
	for _, o := range observers {
		o.Close()
	}
	r.worker.removeRouter(r.id)
	r.logger.Debug().Msg("router closed")
}

func (r *Router) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) dataProducer(id string) (*DataProducer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.dataProducers[id]
	return p, ok
}

func (r *Router) addProducer(p *Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.producers[p.id] = p
	return nil
}

func (r *Router) addDataProducer(p *DataProducer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.dataProducers[p.id] = p
	return nil
}

// removeProducer drops p from the index and from every observer.
func (r *Router) removeProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	observers := make([]*AudioLevelObserver, 0, len(r.observers))
	for o := range r.observers {
		observers = append(observers, o)
	}
	r.mu.Unlock()
	for _, o := range observers {
		o.drop(id)
	}
}

func (r *Router) removeDataProducer(id string) {
	r.mu.Lock()
	delete(r.dataProducers, id)
	r.mu.Unlock()
}

func (r *Router) removeTransport(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *Router) removeObserver(o *AudioLevelObserver) {
	r.mu.Lock()
	delete(r.observers, o)
	r.mu.Unlock()
}

func (r *Router) counts() (transports, producers, consumers int) {
	r.mu.RLock()
	ts := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		ts = append(ts, t)
	}
	producers = len(r.producers)
	r.mu.RUnlock()
	for _, t := range ts {
		consumers += t.consumerCount()
	}
	return len(ts), producers, consumers
}

func (r *Router) scoreLoop(ctx context.Context) {
	ticker := time.NewTicker(scoreInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.RLock()
			ps := make([]*Producer, 0, len(r.producers))
			for _, p := range r.producers {
				ps = append(ps, p)
			}
			r.mu.RUnlock()
			for _, p := range ps {
				p.refreshScore()
			}
		}
	}
}

const iceChars = "abcdefghijklmnopqrstuvwxyz0123456789"

func newIceParameters() (webrtc.ICEParameters, error) {
	ufrag, err := randutil.GenerateCryptoRandomString(16, iceChars)
	if err != nil {
		return webrtc.ICEParameters{}, fmt.Errorf("engine: ice ufrag: %w", err)
	}
	pwd, err := randutil.GenerateCryptoRandomString(32, iceChars)
	if err != nil {
		return webrtc.ICEParameters{}, fmt.Errorf("engine: ice password: %w", err)
	}
	return webrtc.ICEParameters{UsernameFragment: ufrag, Password: pwd, ICELite: true}, nil
}

func hostCandidates(opts core.WebRtcTransportOptions, port uint16) []webrtc.ICECandidate {
	addr := opts.ListenIP
	if opts.AnnouncedIP != "" {
		addr = opts.AnnouncedIP
	}
	udpPriority, tcpPriority := uint32(1076558079), uint32(1076302079)
	if !opts.PreferUDP {
		udpPriority, tcpPriority = tcpPriority, udpPriority
	}

	var out []webrtc.ICECandidate
	if opts.EnableUDP {
		out = append(out, webrtc.ICECandidate{
			Foundation: "udpcandidate",
			Priority:   udpPriority,
			Address:    addr,
			Protocol:   webrtc.ICEProtocolUDP,
			Port:       port,
			Typ:        webrtc.ICECandidateTypeHost,
			Component:  1,
		})
	}
	if opts.EnableTCP {
		out = append(out, webrtc.ICECandidate{
			Foundation: "tcpcandidate",
			Priority:   tcpPriority,
			Address:    addr,
			Protocol:   webrtc.ICEProtocolTCP,
			Port:       port,
			Typ:        webrtc.ICECandidateTypeHost,
			Component:  1,
			TCPType:    "passive",
		})
	}
	return out
}
