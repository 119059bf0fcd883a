package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/randutil"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

const egressBuffer = 256

var ssrcGen = randutil.NewMathRandomGenerator()

type Consumer struct {
	id        string
	kind      domain.MediaKind
	typ       string
	params    core.RtpParameters
	appData   core.AppData
	transport *Transport
	producer  *Producer
	logger    zerolog.Logger

	ssrc  uint32
	ptMap map[uint8]uint8
	track *outTrack

	paused         atomic.Bool
	producerPaused atomic.Bool
	closed         atomic.Bool
	egress         chan *rtp.Packet
	done           chan struct{}

	packets  atomic.Uint64
	bytes    atomic.Uint64
	dropped  atomic.Uint64
	winSent  atomic.Uint32
	winDrops atomic.Uint32

	mu        sync.Mutex
	preferred *core.ConsumerLayers
	current   *core.ConsumerLayers
	priority  uint8
	score     core.ConsumerScore

	onTransportClose event
	onProducerClose  event
	onProducerPause  event
	onProducerResume event
	onScore          listeners[core.ConsumerScore]
	onLayers         listeners[*core.ConsumerLayers]
}

// consumerParameters derives what the consumer sends from the producer
// parameters and the remote capabilities. ptMap rewrites payload types.
func consumerParameters(p *Producer, caps core.RtpCapabilities) (core.RtpParameters, map[uint8]uint8, error) {
	pc, cc, ok := matchCodec(p.params, caps)
	if !ok {
		return core.RtpParameters{}, nil, errors.New("engine: capabilities cannot consume producer")
	}
	codec := pc
	codec.PayloadType = cc.PreferredPayloadType
	if cc.RtcpFeedback != nil {
		codec.RtcpFeedback = cc.RtcpFeedback
	}
	ptMap := map[uint8]uint8{pc.PayloadType: codec.PayloadType}
	params := core.RtpParameters{
		Codecs:           []core.RtpCodecParameters{codec},
		HeaderExtensions: consumerHeaderExtensions(p.params.HeaderExtensions, caps, p.kind),
		Rtcp:             core.RtcpParameters{Cname: p.params.Rtcp.Cname, ReducedSize: true},
	}
	enc := core.RtpEncodingParameters{Ssrc: ssrcGen.Uint32()}
	if rtx, ok := rtxFor(caps, codec.PayloadType); ok {
		params.Codecs = append(params.Codecs, core.RtpCodecParameters{
			MimeType:    rtx.MimeType,
			PayloadType: rtx.PreferredPayloadType,
			ClockRate:   rtx.ClockRate,
			Parameters:  map[string]any{"apt": codec.PayloadType},
		})
		enc.Rtx = &core.RtxParameters{Ssrc: ssrcGen.Uint32()}
	}
	if n := len(p.params.Encodings); n > 1 {
		enc.ScalabilityMode = fmt.Sprintf("L%dT1", n)
	}
	params.Encodings = []core.RtpEncodingParameters{enc}
	return params, ptMap, nil
}

func newConsumer(t *Transport, p *Producer, params core.RtpParameters, ptMap map[uint8]uint8, opts core.ConsumerOptions) *Consumer {
	c := &Consumer{
		id:        uuid.NewString(),
		kind:      p.kind,
		typ:       p.typ,
		params:    params,
		appData:   opts.AppData.Clone(),
		transport: t,
		producer:  p,
		ssrc:      params.Encodings[0].Ssrc,
		ptMap:     ptMap,
		egress:    make(chan *rtp.Packet, egressBuffer),
		done:      make(chan struct{}),
		priority:  1,
	}
	c.track = &outTrack{consumer: c}
	c.paused.Store(opts.Paused)
	c.producerPaused.Store(p.Paused())
	if opts.Paused {
		c.track.markMuted()
	}
	if n := len(p.params.Encodings); n > 1 {
		c.current = &core.ConsumerLayers{SpatialLayer: uint8(n - 1)}
	}
	scores := p.Score()
	c.score = core.ConsumerScore{Score: 10, ProducerScores: make([]uint8, len(scores))}
	for i, s := range scores {
		c.score.ProducerScores[i] = s.Score
	}
	c.score.ProducerScore = c.producerScoreLocked()
	c.logger = t.logger.With().
		Str("module", "engine.consumer").
		Str("consumer", c.id).
		Str("producer", p.id).
		Logger()
	return c
}

func (c *Consumer) ID() string                        { return c.id }
func (c *Consumer) ProducerID() string                { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind            { return c.kind }
func (c *Consumer) Type() string                      { return c.typ }
func (c *Consumer) RtpParameters() core.RtpParameters { return c.params }
func (c *Consumer) AppData() core.AppData             { return c.appData }
func (c *Consumer) Paused() bool                      { return c.paused.Load() }
func (c *Consumer) ProducerPaused() bool              { return c.producerPaused.Load() }
func (c *Consumer) Closed() bool                      { return c.closed.Load() }

func (c *Consumer) Score() core.ConsumerScore {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.score
	s.ProducerScores = append([]uint8(nil), c.score.ProducerScores...)
	return s
}

func (c *Consumer) PreferredLayers() *core.ConsumerLayers {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.preferred == nil {
		return nil
	}
	l := *c.preferred
	return &l
}

func (c *Consumer) CurrentLayers() *core.ConsumerLayers {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	l := *c.current
	return &l
}

func (c *Consumer) Priority() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.priority
}

// send is called by the producer relay for every forwarded packet.
func (c *Consumer) send(pkt *rtp.Packet, encodingIdx int) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()
	if current != nil && int(current.SpatialLayer) != encodingIdx {
		return nil
	}

	th := c.transport.router.worker.throttle
	if !th.allowDown(pkt.MarshalSize()) {
		c.dropped.Add(1)
		c.winDrops.Add(1)
		return nil
	}
	out := pkt.Clone()
	out.SSRC = c.ssrc
	if pt, ok := c.ptMap[pkt.PayloadType]; ok {
		out.PayloadType = pt
	}
	if d := th.delay(); d > 0 {
		time.AfterFunc(d, func() { c.enqueue(out) })
		return nil
	}
	c.enqueue(out)
	return nil
}

func (c *Consumer) enqueue(pkt *rtp.Packet) {
	select {
	case <-c.done:
	case c.egress <- pkt:
		c.packets.Add(1)
		c.bytes.Add(uint64(pkt.MarshalSize()))
		c.winSent.Add(1)
	default:
		c.dropped.Add(1)
		c.winDrops.Add(1)
	}
}

// ReadRTP returns the next packet to put on the wire for this consumer.
func (c *Consumer) ReadRTP(ctx context.Context) (*rtp.Packet, error) {
	select {
	case pkt := <-c.egress:
		return pkt, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Consumer) Pause(_ context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.paused.Store(true)
	c.track.markMuted()
	return nil
}

func (c *Consumer) Resume(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.paused.CompareAndSwap(true, false) {
		return nil
	}
	c.track.markOk()
	return c.RequestKeyFrame(ctx)
}

func (c *Consumer) SetPreferredLayers(ctx context.Context, layers core.ConsumerLayers) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	pref := layers
	c.preferred = &pref
	if c.current == nil {
		c.mu.Unlock()
		return nil
	}
	spatial := min(int(layers.SpatialLayer), len(c.producer.params.Encodings)-1)
	next := core.ConsumerLayers{SpatialLayer: uint8(spatial), TemporalLayer: layers.TemporalLayer}
	changed := next.SpatialLayer != c.current.SpatialLayer
	c.current = &next
	c.mu.Unlock()

	if changed {
		c.onLayers.emit(&next)
		return c.RequestKeyFrame(ctx)
	}
	return nil
}

func (c *Consumer) SetPriority(_ context.Context, priority uint8) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if priority < 1 {
		return errors.New("engine: priority must be in 1..255")
	}
	c.mu.Lock()
	c.priority = priority
	c.mu.Unlock()
	return nil
}

// RequestKeyFrame asks the producer side for a PLI on the forwarded encoding.
func (c *Consumer) RequestKeyFrame(_ context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.kind != domain.MediaKindVideo {
		return nil
	}
	idx := 0
	if l := c.CurrentLayers(); l != nil {
		idx = int(l.SpatialLayer)
	}
	c.producer.sendRTCP(&rtcp.PictureLossIndication{
		SenderSSRC: c.ssrc,
		MediaSSRC:  c.producer.ssrcAt(idx),
	})
	return nil
}

func (c *Consumer) GetStats(_ context.Context) ([]core.Stat, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	packets, bytes := c.counters()
	st := core.Stat{
		Type:        "outbound-rtp",
		Timestamp:   time.Now().UnixMilli(),
		Kind:        c.kind,
		Ssrc:        c.ssrc,
		PacketCount: packets,
		ByteCount:   bytes,
		Dropped:     c.dropped.Load(),
		Score:       c.Score().Score,
	}
	if len(c.params.Codecs) > 0 {
		st.MimeType = c.params.Codecs[0].MimeType
	}
	return []core.Stat{st}, nil
}

func (c *Consumer) counters() (packets, bytes uint64) {
	return c.packets.Load(), c.bytes.Load()
}

func (c *Consumer) setProducerPaused(paused bool) {
	if c.closed.Load() || !c.producerPaused.CompareAndSwap(!paused, paused) {
		return
	}
	if paused {
		c.onProducerPause.fire()
		return
	}
	c.onProducerResume.fire()
}

// refreshScore combines the producer scores with egress losses of the window.
func (c *Consumer) refreshScore(producerScores []uint8) {
	if c.closed.Load() {
		return
	}
	sent, drops := c.winSent.Swap(0), c.winDrops.Swap(0)
	own := uint8(10)
	if total := sent + drops; total > 0 {
		own = uint8(float64(sent)/float64(total)*10 + 0.5)
	}

	c.mu.Lock()
	prev := c.score
	c.score.Score = own
	c.score.ProducerScores = producerScores
	c.score.ProducerScore = c.producerScoreLocked()
	next := c.score
	c.mu.Unlock()

	if prev.Score != next.Score || prev.ProducerScore != next.ProducerScore {
		next.ProducerScores = append([]uint8(nil), producerScores...)
		c.onScore.emit(next)
	}
}

// producerScoreLocked is the score of the forwarded encoding. c.mu must be held.
func (c *Consumer) producerScoreLocked() uint8 {
	idx := 0
	if c.current != nil {
		idx = int(c.current.SpatialLayer)
	}
	if idx < len(c.score.ProducerScores) {
		return c.score.ProducerScores[idx]
	}
	return 0
}

func (c *Consumer) Close() { c.close(closeExplicit) }

func (c *Consumer) transportClosed() { c.close(closeByTransport) }

func (c *Consumer) producerClosed() { c.close(closeByProducer) }

type closeReason int

const (
	closeExplicit closeReason = iota
	closeByTransport
	closeByProducer
)

func (c *Consumer) close(reason closeReason) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	c.track.markDelete()
	if reason != closeByProducer {
		c.producer.removeConsumer(c.id)
	}
	if reason != closeByTransport {
		c.transport.removeConsumer(c.id)
	}
	switch reason {
	case closeByTransport:
		c.onTransportClose.fire()
	case closeByProducer:
		c.onProducerClose.fire()
	}
	c.onTransportClose.reset()
	c.onProducerClose.reset()
	c.onProducerPause.reset()
	c.onProducerResume.reset()
	c.onScore.reset()
	c.onLayers.reset()
	c.logger.Debug().Int("reason", int(reason)).Msg("consumer closed")
}

func (c *Consumer) OnTransportClose(fn func())                   { c.onTransportClose.on(fn) }
func (c *Consumer) OnProducerClose(fn func())                    { c.onProducerClose.on(fn) }
func (c *Consumer) OnProducerPause(fn func())                    { c.onProducerPause.on(fn) }
func (c *Consumer) OnProducerResume(fn func())                   { c.onProducerResume.on(fn) }
func (c *Consumer) OnScore(fn func(core.ConsumerScore))          { c.onScore.add(fn) }
func (c *Consumer) OnLayersChange(fn func(*core.ConsumerLayers)) { c.onLayers.add(fn) }
