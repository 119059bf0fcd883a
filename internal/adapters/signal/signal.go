package signal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/go4org/hashtriemap"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var ErrBackpressure = fmt.Errorf("signal: %w", domain.ErrBackpressure)

type Settings struct {
	SendQueue      int
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64

	// RequestRate is the sustained number of client requests per second.
	RequestRate  float64
	RequestBurst int

	// ConnectLimit websocket upgrades are allowed per peer id within ConnectWindow.
	ConnectLimit  int
	ConnectWindow time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		SendQueue:      256,
		RequestTimeout: 20 * time.Second,
		WriteTimeout:   5 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 1 << 20,
		RequestRate:    50,
		RequestBurst:   100,
		ConnectLimit:   10,
		ConnectWindow:  10 * time.Second,
	}
}

// Peer is one protoo websocket connection. It implements core.PeerChannel.
type Peer struct {
	id       domain.PeerID
	conn     *websocket.Conn
	send     chan []byte
	settings Settings
	limiter  *rate.Limiter
	logger   zerolog.Logger

	pending  hashtriemap.HashTrieMap[uint32, chan reply]
	nextID   atomic.Uint32
	requests chan func()

	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	onRequest func(core.Request)
	onClose   []func()
}

var _ core.PeerChannel = (*Peer)(nil)

func NewPeer(id domain.PeerID, conn *websocket.Conn, settings Settings) *Peer {
	return &Peer{
		id:       id,
		conn:     conn,
		send:     make(chan []byte, settings.SendQueue),
		settings: settings,
		limiter:  rate.NewLimiter(rate.Limit(settings.RequestRate), settings.RequestBurst),
		requests: make(chan func(), max(settings.RequestBurst, 1)),
		logger: log.With().
			Str("module", "signal").
			Str("peer", string(id)).
			Logger(),
		done: make(chan struct{}),
	}
}

func (p *Peer) ID() domain.PeerID { return p.id }

func (p *Peer) OnRequest(fn func(core.Request)) {
	p.mu.Lock()
	p.onRequest = fn
	p.mu.Unlock()
}

// OnClose registers fn to run once when the peer closes. It runs at once if
// the peer is already closed.
func (p *Peer) OnClose(fn func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fn()
		return
	}
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

func (p *Peer) Notify(method string, data any) error {
	return p.trySend(notificationMessage{Notification: true, Method: method, Data: data})
}

// Request sends a request to the client and waits for its response. A client
// rejection is returned as *domain.RequestError.
func (p *Peer) Request(ctx context.Context, method string, data any) ([]byte, error) {
	id := p.nextID.Add(1)
	ch := make(chan reply, 1)
	p.pending.Store(id, ch)
	defer p.pending.Delete(id)

	if err := p.trySend(requestMessage{Request: true, ID: id, Method: method, Data: data}); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.settings.RequestTimeout)
	defer cancel()
	select {
	case r := <-ch:
		if !r.ok {
			return nil, &domain.RequestError{Code: r.code, Reason: r.reason}
		}
		return r.data, nil
	case <-p.done:
		return nil, domain.ErrPeerClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("signal: request %s: %w", method, ctx.Err())
	}
}

func (p *Peer) trySend(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("signal: marshal: %w", err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return domain.ErrPeerClosed
	}
	select {
	case p.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	close(p.send)
	fns := p.onClose
	p.onClose = nil
	p.mu.Unlock()

	p.logger.Info().Msg("peer connection closed")
	for _, fn := range fns {
		fn()
	}
}

// request is an inbound client request. It is answered exactly once.
type request struct {
	peer   *Peer
	id     uint32
	method string
	data   []byte
	once   sync.Once
}

func (r *request) Method() string { return r.method }
func (r *request) Data() []byte   { return r.data }

func (r *request) Accept(data any) {
	r.once.Do(func() {
		r.peer.respond(responseMessage{Response: true, ID: r.id, OK: true, Data: data})
	})
}

func (r *request) Reject(code int, reason string) {
	r.once.Do(func() {
		r.peer.respond(responseMessage{Response: true, ID: r.id, ErrorCode: code, ErrorReason: reason})
	})
}

func (p *Peer) respond(msg responseMessage) {
	if err := p.trySend(msg); err != nil {
		p.logger.Debug().Err(err).Uint32("id", msg.ID).Msg("response not delivered")
	}
}
