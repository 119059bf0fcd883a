package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var testCodecs = []core.RtpCodecCapability{
	{Kind: domain.MediaKindAudio, MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
	{Kind: domain.MediaKindVideo, MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
}

func newTestRouter(t *testing.T) (*WorkerPool, *Router) {
	t.Helper()
	pool, err := NewWorkerPool(Settings{NumWorkers: 1, RtcMinPort: 40000, RtcMaxPort: 40009})
	if err != nil {
		t.Fatalf("NewWorkerPool: %v", err)
	}
	r, err := pool.NextWorker().CreateRouter(context.Background(), testCodecs)
	if err != nil {
		t.Fatalf("CreateRouter: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool, r.(*Router)
}

func newTestTransport(t *testing.T, r *Router, sctp bool) *Transport {
	t.Helper()
	tr, err := r.CreateWebRtcTransport(context.Background(), core.WebRtcTransportOptions{
		ListenIP:       "127.0.0.1",
		EnableUDP:      true,
		EnableTCP:      true,
		PreferUDP:      true,
		EnableSctp:     sctp,
		NumSctpStreams: core.NumSctpStreams{OS: 16, MIS: 16},
	})
	if err != nil {
		t.Fatalf("CreateWebRtcTransport: %v", err)
	}
	return tr.(*Transport)
}

func audioParams(ssrc uint32) core.RtpParameters {
	return core.RtpParameters{
		Codecs: []core.RtpCodecParameters{
			{MimeType: webrtc.MimeTypeOpus, PayloadType: 111, ClockRate: 48000, Channels: 2},
		},
		HeaderExtensions: []core.RtpHeaderExtensionParameters{{URI: AudioLevelURI, ID: 1}},
		Encodings:        []core.RtpEncodingParameters{{Ssrc: ssrc}},
		Rtcp:             core.RtcpParameters{Cname: "test"},
	}
}

func videoParams(ssrcs ...uint32) core.RtpParameters {
	p := core.RtpParameters{
		Codecs: []core.RtpCodecParameters{
			{MimeType: webrtc.MimeTypeVP8, PayloadType: 96, ClockRate: 90000},
		},
	}
	for _, s := range ssrcs {
		p.Encodings = append(p.Encodings, core.RtpEncodingParameters{Ssrc: s})
	}
	return p
}

func produce(t *testing.T, tr *Transport, kind domain.MediaKind, params core.RtpParameters) *Producer {
	t.Helper()
	p, err := tr.Produce(context.Background(), core.ProducerOptions{Kind: kind, RtpParameters: params})
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	return p.(*Producer)
}

func consume(t *testing.T, tr *Transport, r *Router, producerID string, paused bool) *Consumer {
	t.Helper()
	c, err := tr.Consume(context.Background(), core.ConsumerOptions{
		ProducerID:      producerID,
		RtpCapabilities: r.RtpCapabilities(),
		Paused:          paused,
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	return c.(*Consumer)
}

func TestRouterCapabilities(t *testing.T) {
	_, r := newTestRouter(t)
	caps := r.RtpCapabilities()

	if len(caps.Codecs) != 3 {
		t.Fatalf("expected opus, vp8 and rtx, got %d codecs", len(caps.Codecs))
	}
	if caps.Codecs[0].PreferredPayloadType != 100 || caps.Codecs[1].PreferredPayloadType != 101 {
		t.Fatalf("unexpected payload types %d, %d", caps.Codecs[0].PreferredPayloadType, caps.Codecs[1].PreferredPayloadType)
	}
	rtx := caps.Codecs[2]
	if rtx.MimeType != mimeTypeRTX || rtx.Parameters["apt"] != uint8(101) {
		t.Fatalf("unexpected rtx codec %+v", rtx)
	}
}

func TestRouterCapabilitiesRejectsKindMismatch(t *testing.T) {
	_, err := routerCapabilities([]core.RtpCodecCapability{
		{Kind: domain.MediaKindAudio, MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
	})
	if err == nil {
		t.Fatal("expected error for video mime with audio kind")
	}
}

func TestCanConsume(t *testing.T) {
	_, r := newTestRouter(t)
	tr := newTestTransport(t, r, false)
	p := produce(t, tr, domain.MediaKindAudio, audioParams(1111))

	if !r.CanConsume(p.ID(), r.RtpCapabilities()) {
		t.Fatal("router caps should consume opus producer")
	}
	videoOnly := core.RtpCapabilities{Codecs: []core.RtpCodecCapability{testCodecs[1]}}
	if r.CanConsume(p.ID(), videoOnly) {
		t.Fatal("video-only caps should not consume audio producer")
	}
	if r.CanConsume("missing", r.RtpCapabilities()) {
		t.Fatal("unknown producer should not be consumable")
	}
}

func TestTransportParameters(t *testing.T) {
	_, r := newTestRouter(t)
	tr := newTestTransport(t, r, true)

	if len(tr.IceCandidates()) != 2 {
		t.Fatalf("expected udp and tcp candidates, got %d", len(tr.IceCandidates()))
	}
	if tr.IceCandidates()[0].Protocol != webrtc.ICEProtocolUDP {
		t.Fatal("udp candidate should come first")
	}
	if len(tr.DtlsParameters().Fingerprints) == 0 {
		t.Fatal("expected dtls fingerprints")
	}
	if sp := tr.SctpParameters(); sp == nil || sp.OS != 16 {
		t.Fatalf("unexpected sctp parameters %+v", sp)
	}

	before := tr.IceParameters()
	after, err := tr.RestartIce(context.Background())
	if err != nil {
		t.Fatalf("RestartIce: %v", err)
	}
	if before.UsernameFragment == after.UsernameFragment || before.Password == after.Password {
		t.Fatal("restartIce should rotate credentials")
	}
}

func TestTransportConnect(t *testing.T) {
	_, r := newTestRouter(t)
	tr := newTestTransport(t, r, false)

	var states []core.DtlsState
	tr.OnDtlsStateChange(func(s core.DtlsState) { states = append(states, s) })

	if err := tr.Connect(context.Background(), core.DtlsParameters{}); err == nil {
		t.Fatal("expected error without fingerprints")
	}
	remote := core.DtlsParameters{
		Role:         "client",
		Fingerprints: []webrtc.DTLSFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}},
	}
	if err := tr.Connect(context.Background(), remote); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := tr.Connect(context.Background(), remote); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if tr.DtlsState() != core.DtlsStateConnected {
		t.Fatalf("unexpected state %q", tr.DtlsState())
	}
	if len(states) != 2 {
		t.Fatalf("expected connecting and connected, got %v", states)
	}
	if tr.DtlsParameters().Role != "server" {
		t.Fatalf("local role should be server, got %q", tr.DtlsParameters().Role)
	}
}

func TestTransportCloseCascades(t *testing.T) {
	_, r := newTestRouter(t)
	send := newTestTransport(t, r, false)
	recv := newTestTransport(t, r, false)

	p := produce(t, send, domain.MediaKindAudio, audioParams(1111))
	c := consume(t, recv, r, p.ID(), true)

	producerTransportClosed := false
	consumerProducerClosed := false
	transportClosed := false
	p.OnTransportClose(func() { producerTransportClosed = true })
	c.OnProducerClose(func() { consumerProducerClosed = true })
	send.OnClose(func() { transportClosed = true })

	send.Close()

	if !producerTransportClosed || !consumerProducerClosed || !transportClosed {
		t.Fatalf("cascade incomplete: producer=%v consumer=%v transport=%v",
			producerTransportClosed, consumerProducerClosed, transportClosed)
	}
	if !p.Closed() || !c.Closed() {
		t.Fatal("producer and consumer should be closed")
	}
	if _, ok := r.producer(p.ID()); ok {
		t.Fatal("router should forget closed producer")
	}
	if recv.consumerCount() != 0 {
		t.Fatal("consumer should be removed from its transport")
	}
}

func TestRouterCloseClosesTransports(t *testing.T) {
	_, r := newTestRouter(t)
	tr := newTestTransport(t, r, false)
	p := produce(t, tr, domain.MediaKindAudio, audioParams(1111))

	r.Close()
	r.Close()

	if !r.Closed() || !tr.Closed() || !p.Closed() {
		t.Fatal("router close should cascade")
	}
	if _, err := r.CreateWebRtcTransport(context.Background(), core.WebRtcTransportOptions{EnableUDP: true}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if r.worker.ports.inUse() != 0 {
		t.Fatal("ports should be released")
	}
}

func TestConsumerForwardsOnlyWhenResumed(t *testing.T) {
	_, r := newTestRouter(t)
	send := newTestTransport(t, r, false)
	recv := newTestTransport(t, r, false)

	p := produce(t, send, domain.MediaKindAudio, audioParams(1111))
	c := consume(t, recv, r, p.ID(), true)

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: 1, SSRC: 1111}, Payload: []byte{1, 2, 3}}
	if err := p.WriteRTP(pkt); err != nil {
		t.Fatalf("WriteRTP: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.ReadRTP(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("paused consumer should not receive packets, got %v", err)
	}

	if err := c.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	pkt.SequenceNumber = 2
	if err := p.WriteRTP(pkt); err != nil {
		t.Fatalf("WriteRTP: %v", err)
	}
	got, err := c.ReadRTP(context.Background())
	if err != nil {
		t.Fatalf("ReadRTP: %v", err)
	}
	if got.SSRC != c.ssrc {
		t.Fatalf("ssrc not rewritten: %d", got.SSRC)
	}
	if got.PayloadType != c.RtpParameters().Codecs[0].PayloadType {
		t.Fatalf("payload type not rewritten: %d", got.PayloadType)
	}
	if pkt.SSRC != 1111 {
		t.Fatal("source packet must not be modified")
	}
}

func TestProducerPauseEvents(t *testing.T) {
	_, r := newTestRouter(t)
	send := newTestTransport(t, r, false)
	recv := newTestTransport(t, r, false)

	p := produce(t, send, domain.MediaKindAudio, audioParams(1111))
	c := consume(t, recv, r, p.ID(), false)

	var events []string
	c.OnProducerPause(func() { events = append(events, "pause") })
	c.OnProducerResume(func() { events = append(events, "resume") })

	ctx := context.Background()
	_ = p.Pause(ctx)
	_ = p.Pause(ctx)
	if !c.ProducerPaused() {
		t.Fatal("consumer should see producer paused")
	}
	_ = p.Resume(ctx)

	if len(events) != 2 || events[0] != "pause" || events[1] != "resume" {
		t.Fatalf("unexpected events %v", events)
	}
}

func TestRequestKeyFrameSendsPLI(t *testing.T) {
	_, r := newTestRouter(t)
	send := newTestTransport(t, r, false)
	recv := newTestTransport(t, r, false)

	p := produce(t, send, domain.MediaKindVideo, videoParams(2222))
	c := consume(t, recv, r, p.ID(), false)

	if err := c.RequestKeyFrame(context.Background()); err != nil {
		t.Fatalf("RequestKeyFrame: %v", err)
	}
	pkt, err := p.ReadRTCP(context.Background())
	if err != nil {
		t.Fatalf("ReadRTCP: %v", err)
	}
	pli, ok := pkt.(*rtcp.PictureLossIndication)
	if !ok {
		t.Fatalf("expected PLI, got %T", pkt)
	}
	if pli.MediaSSRC != 2222 || pli.SenderSSRC != c.ssrc {
		t.Fatalf("unexpected PLI %+v", pli)
	}
}

func TestSimulcastPreferredLayers(t *testing.T) {
	_, r := newTestRouter(t)
	send := newTestTransport(t, r, false)
	recv := newTestTransport(t, r, false)

	p := produce(t, send, domain.MediaKindVideo, videoParams(1, 2, 3))
	c := consume(t, recv, r, p.ID(), false)

	if c.Type() != "simulcast" || c.CurrentLayers().SpatialLayer != 2 {
		t.Fatalf("expected simulcast on top layer, got %s %+v", c.Type(), c.CurrentLayers())
	}
	var changes []*core.ConsumerLayers
	c.OnLayersChange(func(l *core.ConsumerLayers) { changes = append(changes, l) })

	if err := c.SetPreferredLayers(context.Background(), core.ConsumerLayers{SpatialLayer: 0}); err != nil {
		t.Fatalf("SetPreferredLayers: %v", err)
	}
	if len(changes) != 1 || changes[0].SpatialLayer != 0 {
		t.Fatalf("unexpected layer changes %v", changes)
	}

	high := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 96, SSRC: 3}}
	low := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 96, SSRC: 1}}
	_ = p.WriteRTP(high)
	_ = p.WriteRTP(low)

	got, err := c.ReadRTP(context.Background())
	if err != nil {
		t.Fatalf("ReadRTP: %v", err)
	}
	if len(c.egress) != 0 || got == nil {
		t.Fatal("only the selected layer should be forwarded")
	}
}

func TestSetPriorityRejectsZero(t *testing.T) {
	_, r := newTestRouter(t)
	send := newTestTransport(t, r, false)
	p := produce(t, send, domain.MediaKindAudio, audioParams(1))
	c := consume(t, send, r, p.ID(), false)

	if err := c.SetPriority(context.Background(), 0); err == nil {
		t.Fatal("priority 0 should be rejected")
	}
	if err := c.SetPriority(context.Background(), 5); err != nil || c.Priority() != 5 {
		t.Fatalf("SetPriority: %v, priority %d", err, c.Priority())
	}
}

func TestDataProducerFanOut(t *testing.T) {
	_, r := newTestRouter(t)
	send := newTestTransport(t, r, true)
	recv := newTestTransport(t, r, true)

	dp, err := send.ProduceData(context.Background(), core.DataProducerOptions{
		SctpStreamParameters: &core.SctpStreamParameters{StreamID: 0},
		Label:                "chat",
	})
	if err != nil {
		t.Fatalf("ProduceData: %v", err)
	}
	dc, err := recv.ConsumeData(context.Background(), core.DataConsumerOptions{DataProducerID: dp.ID()})
	if err != nil {
		t.Fatalf("ConsumeData: %v", err)
	}
	if dc.Label() != "chat" {
		t.Fatalf("unexpected label %q", dc.Label())
	}

	if err := dp.(*DataProducer).Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, err := dc.(*DataConsumer).ReadMessage(context.Background())
	if err != nil || string(msg) != "hello" {
		t.Fatalf("ReadMessage: %q, %v", msg, err)
	}

	closed := false
	dc.OnDataProducerClose(func() { closed = true })
	dp.Close()
	if !closed || !dc.Closed() {
		t.Fatal("data consumer should close with its producer")
	}
}

func TestProduceDataRequiresSctp(t *testing.T) {
	_, r := newTestRouter(t)
	tr := newTestTransport(t, r, false)
	_, err := tr.ProduceData(context.Background(), core.DataProducerOptions{
		SctpStreamParameters: &core.SctpStreamParameters{},
	})
	if err == nil {
		t.Fatal("expected error on transport without sctp")
	}
}

func TestThrottleDropsIngress(t *testing.T) {
	pool, r := newTestRouter(t)
	send := newTestTransport(t, r, false)
	p := produce(t, send, domain.MediaKindAudio, audioParams(1111))

	ctx := context.Background()
	if err := pool.StartThrottle(ctx, core.ThrottleOptions{Uplink: 8 * minThrottleBurst, Downlink: 1000000}); err != nil {
		t.Fatalf("StartThrottle: %v", err)
	}
	payload := make([]byte, 1000)
	for i := range 5 {
		_ = p.WriteRTP(&rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: uint16(i), SSRC: 1111}, Payload: payload})
	}
	if p.dropped.Load() == 0 {
		t.Fatal("throttle should drop packets over the uplink budget")
	}

	_ = pool.StopThrottle(ctx)
	before := p.dropped.Load()
	_ = p.WriteRTP(&rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 9, SSRC: 1111}, Payload: payload})
	if p.dropped.Load() != before {
		t.Fatal("stopped throttle should not drop")
	}

	if err := pool.StartThrottle(ctx, core.ThrottleOptions{}); err == nil {
		t.Fatal("zero bitrate should be rejected")
	}
}

func TestPortAllocator(t *testing.T) {
	a := newPortAllocator(10, 11)
	p1, _ := a.alloc()
	p2, _ := a.alloc()
	if p1 == p2 {
		t.Fatal("ports must be distinct")
	}
	if _, err := a.alloc(); !errors.Is(err, ErrNoPortAvailable) {
		t.Fatalf("expected ErrNoPortAvailable, got %v", err)
	}
	a.release(p1)
	if p, err := a.alloc(); err != nil || p != p1 {
		t.Fatalf("expected released port %d, got %d (%v)", p1, p, err)
	}
}

func TestWorkerPoolRoundRobin(t *testing.T) {
	pool, err := NewWorkerPool(Settings{NumWorkers: 3, RtcMinPort: 40000, RtcMaxPort: 40029})
	if err != nil {
		t.Fatalf("NewWorkerPool: %v", err)
	}
	first := pool.NextWorker()
	pool.NextWorker()
	pool.NextWorker()
	if pool.NextWorker() != first {
		t.Fatal("round-robin should wrap around")
	}
}
