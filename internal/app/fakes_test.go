package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/adapters/engine"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"
)

type sentMessage struct {
	method string
	data   any
}

type fakeChannel struct {
	id domain.PeerID

	mu            sync.Mutex
	onRequest     func(core.Request)
	onClose       []func()
	closed        bool
	notifications []sentMessage
	requests      []sentMessage
	respond       func(method string, data any) error
}

func newFakeChannel(id domain.PeerID) *fakeChannel {
	return &fakeChannel{id: id}
}

func (c *fakeChannel) ID() domain.PeerID { return c.id }

func (c *fakeChannel) OnRequest(fn func(core.Request)) {
	c.mu.Lock()
	c.onRequest = fn
	c.mu.Unlock()
}

func (c *fakeChannel) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

func (c *fakeChannel) Notify(method string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrPeerClosed
	}
	c.notifications = append(c.notifications, sentMessage{method, data})
	return nil
}

func (c *fakeChannel) Request(_ context.Context, method string, data any) ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.ErrPeerClosed
	}
	c.requests = append(c.requests, sentMessage{method, data})
	respond := c.respond
	c.mu.Unlock()

	if respond != nil {
		if err := respond(method, data); err != nil {
			return nil, err
		}
	}
	return []byte("{}"), nil
}

func (c *fakeChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fns := c.onClose
	c.onClose = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) setRespond(fn func(method string, data any) error) {
	c.mu.Lock()
	c.respond = fn
	c.mu.Unlock()
}

func (c *fakeChannel) notified(method string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, m := range c.notifications {
		if m.method == method {
			out = append(out, m.data)
		}
	}
	return out
}

func (c *fakeChannel) requested(method string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, m := range c.requests {
		if m.method == method {
			out = append(out, m.data)
		}
	}
	return out
}

// call runs one request through the room synchronously.
func (c *fakeChannel) call(t *testing.T, method string, data any) *fakeRequest {
	t.Helper()
	var raw []byte
	if data != nil {
		var err error
		if raw, err = json.Marshal(data); err != nil {
			t.Fatalf("marshal %s: %v", method, err)
		}
	}
	req := &fakeRequest{method: method, data: raw, done: make(chan struct{})}
	c.mu.Lock()
	fn := c.onRequest
	c.mu.Unlock()
	fn(req)
	select {
	case <-req.done:
	default:
		t.Fatalf("%s was neither accepted nor rejected", method)
	}
	return req
}

type fakeRequest struct {
	method string
	data   []byte
	done   chan struct{}
	once   sync.Once

	ok      bool
	payload any
	code    int
	reason  string
}

func (r *fakeRequest) Method() string { return r.method }
func (r *fakeRequest) Data() []byte   { return r.data }

func (r *fakeRequest) Accept(data any) {
	r.once.Do(func() {
		r.ok, r.payload = true, data
		close(r.done)
	})
}

func (r *fakeRequest) Reject(code int, reason string) {
	r.once.Do(func() {
		r.code, r.reason = code, reason
		close(r.done)
	})
}

type fakeObserver struct {
	mu        sync.Mutex
	producers []string
	volumes   func([]core.AudioLevelVolume)
	silence   func()
	closed    bool
}

func (o *fakeObserver) AddProducer(_ context.Context, id string) error {
	o.mu.Lock()
	o.producers = append(o.producers, id)
	o.mu.Unlock()
	return nil
}

func (o *fakeObserver) RemoveProducer(context.Context, string) error { return nil }
func (o *fakeObserver) OnVolumes(fn func([]core.AudioLevelVolume))   { o.volumes = fn }
func (o *fakeObserver) OnSilence(fn func())                          { o.silence = fn }

func (o *fakeObserver) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

func (o *fakeObserver) observed() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.producers...)
}

type fakeThrottler struct {
	mu      sync.Mutex
	active  bool
	applied core.ThrottleOptions
}

func (f *fakeThrottler) StartThrottle(_ context.Context, opts core.ThrottleOptions) error {
	f.mu.Lock()
	f.active, f.applied = true, opts
	f.mu.Unlock()
	return nil
}

func (f *fakeThrottler) StopThrottle(context.Context) error {
	f.mu.Lock()
	f.active = false
	f.mu.Unlock()
	return nil
}

var testCodecs = []core.RtpCodecCapability{
	{Kind: domain.MediaKindAudio, MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
	{Kind: domain.MediaKindVideo, MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
}

const testSecret = "s3cret"

func testRoomOptions(th core.NetworkThrottler) RoomOptions {
	return RoomOptions{
		MediaCodecs: testCodecs,
		Transport: core.WebRtcTransportOptions{
			ListenIP:  "127.0.0.1",
			EnableUDP: true,
			EnableTCP: true,
			PreferUDP: true,
		},
		MaxIncomingBitrate: 1500000,
		Observer:           core.AudioLevelObserverOptions{MaxEntries: 1, Threshold: -80, Interval: 800 * time.Millisecond},
		Throttler:          th,
		Policy:             SecretPolicy{Secret: testSecret},
	}
}

func newTestPool(t *testing.T) *engine.WorkerPool {
	t.Helper()
	pool, err := engine.NewWorkerPool(engine.Settings{NumWorkers: 1, RtcMinPort: 41000, RtcMaxPort: 41099})
	if err != nil {
		t.Fatalf("NewWorkerPool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

type testEnv struct {
	room      *Room
	observer  *fakeObserver
	throttler *fakeThrottler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	pool := newTestPool(t)
	router, err := pool.NextWorker().CreateRouter(context.Background(), testCodecs)
	if err != nil {
		t.Fatalf("CreateRouter: %v", err)
	}
	env := &testEnv{observer: &fakeObserver{}, throttler: &fakeThrottler{}}
	env.room = NewRoom("test", router, env.observer, testRoomOptions(env.throttler))
	t.Cleanup(env.room.Close)
	return env
}

func (e *testEnv) connect(t *testing.T, id domain.PeerID) *fakeChannel {
	t.Helper()
	ch := newFakeChannel(id)
	if err := e.room.HandleConnection(ch); err != nil {
		t.Fatalf("HandleConnection(%s): %v", id, err)
	}
	return ch
}

// peer does not lock room.mu; callers that need consistency hold it already.
func (e *testEnv) peer(id domain.PeerID) *peerSession {
	return e.room.peers[id]
}

func (e *testEnv) join(t *testing.T, ch *fakeChannel, sctp bool) *fakeRequest {
	t.Helper()
	caps := e.room.router.RtpCapabilities()
	body := map[string]any{
		"displayName":     "peer " + string(ch.id),
		"device":          domain.Device{Flag: "test", Name: "go"},
		"rtpCapabilities": caps,
	}
	if sctp {
		body["sctpCapabilities"] = core.SctpCapabilities{NumStreams: core.NumSctpStreams{OS: 1024, MIS: 1024}}
	}
	req := ch.call(t, "join", body)
	if !req.ok {
		t.Fatalf("join %s rejected: %d %s", ch.id, req.code, req.reason)
	}
	return req
}

func (e *testEnv) createTransport(t *testing.T, ch *fakeChannel, producing, consuming, sctp bool) string {
	t.Helper()
	body := map[string]any{"producing": producing, "consuming": consuming}
	if sctp {
		body["sctpCapabilities"] = core.SctpCapabilities{NumStreams: core.NumSctpStreams{OS: 1024, MIS: 1024}}
	}
	req := ch.call(t, "createWebRtcTransport", body)
	if !req.ok {
		t.Fatalf("createWebRtcTransport rejected: %d %s", req.code, req.reason)
	}
	return req.payload.(transportResponse).ID
}

func audioProduceBody(transportID string, ssrc uint32) map[string]any {
	return map[string]any{
		"transportId": transportID,
		"kind":        "audio",
		"rtpParameters": core.RtpParameters{
			Codecs: []core.RtpCodecParameters{
				{MimeType: webrtc.MimeTypeOpus, PayloadType: 111, ClockRate: 48000, Channels: 2},
			},
			Encodings: []core.RtpEncodingParameters{{Ssrc: ssrc}},
			Rtcp:      core.RtcpParameters{Cname: "test"},
		},
		"appData": map[string]any{"source": "mic"},
	}
}

func videoProduceBody(transportID string, ssrcs ...uint32) map[string]any {
	params := core.RtpParameters{
		Codecs: []core.RtpCodecParameters{
			{MimeType: webrtc.MimeTypeVP8, PayloadType: 96, ClockRate: 90000},
		},
		Rtcp: core.RtcpParameters{Cname: "test"},
	}
	for _, ssrc := range ssrcs {
		params.Encodings = append(params.Encodings, core.RtpEncodingParameters{Ssrc: ssrc})
	}
	return map[string]any{
		"transportId":   transportID,
		"kind":          "video",
		"rtpParameters": params,
		"appData":       map[string]any{"source": "webcam"},
	}
}

func (e *testEnv) produceAudio(t *testing.T, ch *fakeChannel, transportID string) string {
	t.Helper()
	req := ch.call(t, "produce", audioProduceBody(transportID, 1234))
	if !req.ok {
		t.Fatalf("produce rejected: %d %s", req.code, req.reason)
	}
	return req.payload.(idResponse).ID
}

// pair connects a sending peer a and a receiving peer b, publishes body on a
// and waits until b has accepted the consumer offer.
func (e *testEnv) pair(t *testing.T, body func(transportID string) map[string]any) (a, b *fakeChannel, producerID, consumerID string) {
	t.Helper()
	a = e.connect(t, "a")
	b = e.connect(t, "b")
	sendID := e.createTransport(t, a, true, false, false)
	e.createTransport(t, b, false, true, false)
	e.join(t, a, false)
	e.join(t, b, false)

	req := a.call(t, "produce", body(sendID))
	if !req.ok {
		t.Fatalf("produce rejected: %d %s", req.code, req.reason)
	}
	producerID = req.payload.(idResponse).ID
	waitFor(t, "consumerScore on b", func() bool { return len(b.notified("consumerScore")) >= 1 })
	consumerID = b.requested("newConsumer")[0].(newConsumerRequest).ID
	return a, b, producerID, consumerID
}

func (e *testEnv) consumer(id domain.PeerID, consumerID string) (core.Consumer, bool) {
	e.room.mu.Lock()
	defer e.room.mu.Unlock()
	c, ok := e.room.peers[id].consumers[consumerID]
	return c, ok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
