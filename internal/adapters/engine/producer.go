package engine

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

const rtcpBuffer = 32

type Producer struct {
	id        string
	kind      domain.MediaKind
	typ       string
	params    core.RtpParameters
	appData   core.AppData
	transport *Transport
	logger    zerolog.Logger

	levelID       uint8
	orientationID uint8

	relay  *relay
	meter  levelMeter
	paused atomic.Bool
	rtcp   chan rtcp.Packet
	done   chan struct{}

	packets atomic.Uint64
	bytes   atomic.Uint64
	dropped atomic.Uint64

	mu          sync.Mutex
	closed      bool
	consumers   map[string]*Consumer
	windows     []seqWindow
	score       []core.ProducerScore
	orientation core.VideoOrientation

	onTransportClose event
	onScore          listeners[[]core.ProducerScore]
	onOrientation    listeners[core.VideoOrientation]
}

// seqWindow counts received versus expected packets of one encoding.
type seqWindow struct {
	started  bool
	lastSeq  uint16
	expected uint32
	received uint32
}

func (w *seqWindow) record(seq uint16) {
	w.received++
	if !w.started {
		w.started, w.lastSeq, w.expected = true, seq, 1
		return
	}
	if diff := seq - w.lastSeq; diff > 0 && diff < 0x8000 {
		w.expected += uint32(diff)
		w.lastSeq = seq
	}
}

// score maps the delivery ratio to 0..10 and resets the window.
func (w *seqWindow) take() uint8 {
	defer func() { w.expected, w.received = 0, 0 }()
	if w.expected == 0 {
		return 0
	}
	ratio := min(float64(w.received)/float64(w.expected), 1)
	return uint8(ratio*10 + 0.5)
}

func newProducer(t *Transport, opts core.ProducerOptions) *Producer {
	encodings := opts.RtpParameters.Encodings
	if len(encodings) == 0 {
		encodings = []core.RtpEncodingParameters{{}}
	}
	typ := "simple"
	if len(encodings) > 1 {
		typ = "simulcast"
	}
	p := &Producer{
		id:            uuid.NewString(),
		kind:          opts.Kind,
		typ:           typ,
		params:        opts.RtpParameters,
		appData:       opts.AppData.Clone(),
		transport:     t,
		levelID:       extensionID(opts.RtpParameters.HeaderExtensions, AudioLevelURI),
		orientationID: extensionID(opts.RtpParameters.HeaderExtensions, videoOrientationURI),
		rtcp:          make(chan rtcp.Packet, rtcpBuffer),
		done:          make(chan struct{}),
		consumers:     make(map[string]*Consumer),
		windows:       make([]seqWindow, len(encodings)),
		score:         make([]core.ProducerScore, len(encodings)),
	}
	p.params.Encodings = encodings
	for i, e := range encodings {
		p.score[i] = core.ProducerScore{EncodingIdx: i, Ssrc: e.Ssrc, Rid: e.Rid}
	}
	p.paused.Store(opts.Paused)
	p.logger = t.logger.With().
		Str("module", "engine.producer").
		Str("producer", p.id).
		Logger()
	p.relay = newRelay(&p.logger)
	return p
}

func (p *Producer) ID() string                        { return p.id }
func (p *Producer) Kind() domain.MediaKind            { return p.kind }
func (p *Producer) Type() string                      { return p.typ }
func (p *Producer) RtpParameters() core.RtpParameters { return p.params }
func (p *Producer) AppData() core.AppData             { return p.appData }
func (p *Producer) Paused() bool                      { return p.paused.Load() }

func (p *Producer) Score() []core.ProducerScore {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.score)
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) encodingIndex(ssrc uint32) int {
	for i, e := range p.params.Encodings {
		if e.Ssrc == ssrc {
			return i
		}
	}
	if len(p.params.Encodings) == 1 {
		return 0
	}
	return -1
}

// WriteRTP is the ingress of the producer. Packets over the transport or
// throttle budget are dropped silently, like a lossy network would.
func (p *Producer) WriteRTP(pkt *rtp.Packet) error {
	if p.Closed() {
		return ErrClosed
	}
	size := pkt.MarshalSize()
	if !p.transport.router.worker.throttle.allowUp(size) || !p.transport.allowIngress(size) {
		p.dropped.Add(1)
		return nil
	}
	idx := p.encodingIndex(pkt.SSRC)
	if idx < 0 {
		p.dropped.Add(1)
		return nil
	}
	p.packets.Add(1)
	p.bytes.Add(uint64(size))

	p.mu.Lock()
	p.windows[idx].record(pkt.SequenceNumber)
	p.mu.Unlock()

	if p.levelID != 0 {
		if raw := pkt.GetExtension(p.levelID); raw != nil {
			var ext rtp.AudioLevelExtension
			if err := ext.Unmarshal(raw); err == nil {
				p.meter.add(-int8(ext.Level))
			}
		}
	}
	if p.orientationID != 0 {
		if raw := pkt.GetExtension(p.orientationID); len(raw) > 0 {
			p.updateOrientation(raw[0])
		}
	}

	if p.paused.Load() {
		return nil
	}
	p.relay.forward(pkt, idx)
	return nil
}

// updateOrientation decodes the CVO byte: camera and flip bits, then rotation.
func (p *Producer) updateOrientation(b byte) {
	o := core.VideoOrientation{
		Camera:   b&0x08 != 0,
		Flip:     b&0x04 != 0,
		Rotation: int(b&0x03) * 90,
	}
	p.mu.Lock()
	changed := o != p.orientation
	p.orientation = o
	p.mu.Unlock()
	if changed {
		p.onOrientation.emit(o)
	}
}

// ReadRTCP returns the next feedback packet for the sender, such as a PLI.
func (p *Producer) ReadRTCP(ctx context.Context) (rtcp.Packet, error) {
	select {
	case pkt := <-p.rtcp:
		return pkt, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Producer) sendRTCP(pkt rtcp.Packet) {
	select {
	case <-p.done:
	case p.rtcp <- pkt:
	default:
		p.logger.Debug().Msg("rtcp buffer full, dropping feedback")
	}
}

func (p *Producer) ssrcAt(idx int) uint32 {
	if idx < 0 || idx >= len(p.params.Encodings) {
		return 0
	}
	return p.params.Encodings[idx].Ssrc
}

func (p *Producer) Pause(_ context.Context) error {
	if p.Closed() {
		return ErrClosed
	}
	if !p.paused.CompareAndSwap(false, true) {
		return nil
	}
	for _, c := range p.consumerList() {
		c.setProducerPaused(true)
	}
	return nil
}

func (p *Producer) Resume(_ context.Context) error {
	if p.Closed() {
		return ErrClosed
	}
	if !p.paused.CompareAndSwap(true, false) {
		return nil
	}
	for _, c := range p.consumerList() {
		c.setProducerPaused(false)
	}
	return nil
}

func (p *Producer) GetStats(_ context.Context) ([]core.Stat, error) {
	if p.Closed() {
		return nil, ErrClosed
	}
	score := p.Score()
	now := time.Now().UnixMilli()
	stats := make([]core.Stat, 0, len(p.params.Encodings))
	for i, e := range p.params.Encodings {
		st := core.Stat{
			Type:      "inbound-rtp",
			Timestamp: now,
			Kind:      p.kind,
			Ssrc:      e.Ssrc,
			Score:     score[i].Score,
		}
		if len(p.params.Codecs) > 0 {
			st.MimeType = p.params.Codecs[0].MimeType
		}
		if i == 0 {
			st.PacketCount, st.ByteCount = p.counters()
			st.Dropped = p.dropped.Load()
		}
		stats = append(stats, st)
	}
	return stats, nil
}

func (p *Producer) counters() (packets, bytes uint64) {
	return p.packets.Load(), p.bytes.Load()
}

func (p *Producer) Close() { p.close(false) }

func (p *Producer) transportClosed() { p.close(true) }

func (p *Producer) close(byTransport bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	consumers := mapValues(p.consumers)
	p.consumers = make(map[string]*Consumer)
	p.mu.Unlock()

	close(p.done)
	p.relay.markAllDelete()
	if !byTransport {
		p.transport.removeProducer(p.id)
	}
	p.transport.router.removeProducer(p.id)
	for _, c := range consumers {
		c.producerClosed()
	}
	if byTransport {
		p.onTransportClose.fire()
	}
	p.onTransportClose.reset()
	p.onScore.reset()
	p.onOrientation.reset()
	p.logger.Debug().Bool("by_transport", byTransport).Msg("producer closed")
}

func (p *Producer) OnTransportClose(fn func()) {
	p.onTransportClose.on(fn)
}

func (p *Producer) OnScore(fn func([]core.ProducerScore)) {
	p.onScore.add(fn)
}

func (p *Producer) OnVideoOrientationChange(fn func(core.VideoOrientation)) {
	p.onOrientation.add(fn)
}

func (p *Producer) addConsumer(c *Consumer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.consumers[c.id] = c
	p.relay.add(c.id, c.track)
	return nil
}

func (p *Producer) removeConsumer(id string) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

func (p *Producer) consumerList() []*Consumer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return mapValues(p.consumers)
}

// refreshScore closes the current score window and propagates changes.
func (p *Producer) refreshScore() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	changed := false
	for i := range p.windows {
		s := p.windows[i].take()
		if p.score[i].Score != s {
			p.score[i].Score = s
			changed = true
		}
	}
	score := slices.Clone(p.score)
	consumers := mapValues(p.consumers)
	p.mu.Unlock()

	if changed {
		p.onScore.emit(score)
	}
	scores := make([]uint8, len(score))
	for i, s := range score {
		scores[i] = s.Score
	}
	for _, c := range consumers {
		c.refreshScore(scores)
	}
}
