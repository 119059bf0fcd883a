package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type RoomOptions struct {
	MediaCodecs        []core.RtpCodecCapability
	Transport          core.WebRtcTransportOptions
	MaxIncomingBitrate uint32
	Observer           core.AudioLevelObserverOptions
	Throttler          core.NetworkThrottler
	Policy             Policy
	Events             core.EventSink
}

// Room owns a router, its audio level observer and the connected peers.
// All peer session state is mutated under mu; engine and channel calls are
// made without it.
type Room struct {
	id       domain.RoomID
	router   core.Router
	observer core.AudioLevelObserver
	opts     RoomOptions
	logger   zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	teardown sync.Once

	mu      sync.Mutex
	closed  bool
	peers   map[domain.PeerID]*peerSession
	onClose []func()
}

// CreateRoom creates the router and the audio level observer of a new room.
func CreateRoom(ctx context.Context, id domain.RoomID, worker core.Worker, opts RoomOptions) (*Room, error) {
	router, err := worker.CreateRouter(ctx, opts.MediaCodecs)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	observer, err := router.CreateAudioLevelObserver(ctx, opts.Observer)
	if err != nil {
		router.Close()
		return nil, fmt.Errorf("create audio level observer: %w", err)
	}
	return NewRoom(id, router, observer, opts), nil
}

func NewRoom(id domain.RoomID, router core.Router, observer core.AudioLevelObserver, opts RoomOptions) *Room {
	if opts.Policy == nil {
		opts.Policy = SecretPolicy{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		id:       id,
		router:   router,
		observer: observer,
		opts:     opts,
		logger: log.With().
			Str("module", "app.room").
			Str("room", string(id)).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[domain.PeerID]*peerSession),
	}
	observer.OnVolumes(r.handleVolumes)
	observer.OnSilence(r.handleSilence)

	metrics.Rooms.Inc()
	r.publish(core.RoomCreated, "")
	r.logger.Info().Str("router", router.ID()).Msg("room created")
	return r
}

func (r *Room) ID() domain.RoomID { return r.id }

// HandleConnection registers a new peer session for ch. A session with the
// same peer id is replaced and its channel closed.
func (r *Room) HandleConnection(ch core.PeerChannel) error {
	peer := newPeerSession(ch, r.logger)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.ErrRoomClosed
	}
	old := r.peers[peer.id]
	r.peers[peer.id] = peer
	r.mu.Unlock()

	metrics.Peers.Inc()
	if old != nil {
		peer.logger.Warn().Msg("peer already connected, closing previous session")
		old.channel.Close()
	}

	ch.OnRequest(func(req core.Request) { r.handleRequest(peer, req) })
	ch.OnClose(func() { r.handlePeerClose(peer) })
	peer.logger.Info().Msg("peer connected")
	return nil
}

func (r *Room) handlePeerClose(peer *peerSession) {
	r.mu.Lock()
	if peer.closed {
		r.mu.Unlock()
		return
	}
	peer.closed = true
	if r.peers[peer.id] == peer {
		delete(r.peers, peer.id)
	}
	wasJoined := peer.joined
	others := r.joinedPeersLocked(peer)
	transports := mapValues(peer.transports)
	last := len(r.peers) == 0 && !r.closed
	if last {
		r.closed = true
	}
	r.mu.Unlock()

	metrics.Peers.Dec()
	peer.logger.Info().Bool("joined", wasJoined).Msg("peer closed")

	if wasJoined {
		for _, o := range others {
			r.notify(o, "peerClosed", peerClosedNotification{PeerID: peer.id})
		}
		r.publish(core.PeerLeft, peer.id)
	}
	for _, t := range transports {
		t.Close()
	}
	if last {
		r.logger.Info().Msg("last peer left, closing room")
		r.teardown.Do(r.release)
	}
}

// Close closes every peer channel, then the observer and the router.
func (r *Room) Close() {
	r.mu.Lock()
	r.closed = true
	peers := mapValues(r.peers)
	r.mu.Unlock()

	for _, p := range peers {
		p.channel.Close()
	}
	r.teardown.Do(r.release)
}

func (r *Room) release() {
	r.observer.Close()
	r.router.Close()
	r.cancel()

	r.mu.Lock()
	callbacks := r.onClose
	r.onClose = nil
	r.mu.Unlock()

	metrics.Rooms.Dec()
	for _, fn := range callbacks {
		fn()
	}
	r.publish(core.RoomClosed, "")
	r.logger.Info().Msg("room closed")
}

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// OnClose registers fn to run once the room has released its resources.
func (r *Room) OnClose(fn func()) {
	r.mu.Lock()
	if r.ctx.Err() == nil {
		r.onClose = append(r.onClose, fn)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	fn()
}

func (r *Room) Info() core.RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := core.RoomInfo{ID: r.id, PeerCount: len(r.peers), JoinedPeers: []domain.PeerInfo{}}
	for _, p := range r.peers {
		if p.joined {
			info.JoinedPeers = append(info.JoinedPeers, p.info())
		}
	}
	slices.SortFunc(info.JoinedPeers, func(a, b domain.PeerInfo) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return info
}

// joinedPeersLocked returns joined peers other than except. r.mu must be held.
func (r *Room) joinedPeersLocked(except *peerSession) []*peerSession {
	out := make([]*peerSession, 0, len(r.peers))
	for _, p := range r.peers {
		if p != except && p.joined && !p.closed {
			out = append(out, p)
		}
	}
	return out
}

func (r *Room) joinedPeers(except *peerSession) []*peerSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joinedPeersLocked(except)
}

// notify is fire-and-forget; a failure never rolls back room state.
func (r *Room) notify(peer *peerSession, method string, data any) {
	err := peer.channel.Notify(method, data)
	if err == nil {
		return
	}
	peer.logger.Debug().Err(err).Str("method", method).Msg("notification not delivered")
	if !errors.Is(err, domain.ErrBackpressure) {
		return
	}
	if r.opts.Policy.OnBackPressure(r.id, peer.id) == KickMember {
		peer.logger.Warn().Msg("peer too slow, closing channel")
		go peer.channel.Close()
	}
}

func (r *Room) publish(t core.RoomEventType, peer domain.PeerID) {
	if r.opts.Events == nil {
		return
	}
	r.opts.Events.Publish(core.RoomEvent{Type: t, RoomID: r.id, PeerID: peer, At: time.Now()})
}

func mapValues[K comparable, V any](m map[K]V) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
