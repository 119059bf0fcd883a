package signal

import (
	"context"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// Run pumps the connection until either side closes it or ctx is done.
// Client requests are handled one at a time in the order they were read,
// so a slow handler delays the requests queued behind it.
func (p *Peer) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.writePump(ctx)
	go p.servePump(ctx)
	p.readPump(ctx)
}

func (p *Peer) servePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case serve := <-p.requests:
			serve()
		}
	}
}

func (p *Peer) writePump(ctx context.Context) {
	ping := time.NewTicker(p.settings.PingInterval)
	defer func() {
		ping.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-p.send:
			if err := p.conn.SetWriteDeadline(time.Now().Add(p.settings.WriteTimeout)); err != nil {
				p.logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.logger.Error().Err(err).Msg("writePump write error")
				return
			}
		case <-ping.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.settings.WriteTimeout)); err != nil {
				p.logger.Debug().Err(err).Msg("writePump ping failed")
				return
			}
		}
	}
}

func (p *Peer) readPump(ctx context.Context) {
	defer func() {
		p.logger.Info().Msg("readPump closing")
		p.Close()
	}()

	pongWait := 2 * p.settings.PingInterval
	p.conn.SetReadLimit(p.settings.MaxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		p.handleMessage(data)
	}
}

func (p *Peer) handleMessage(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		p.logger.Warn().Err(err).Msg("bad json")
		return
	}

	switch {
	case msg.Request:
		p.handleRequest(msg)
	case msg.Response:
		p.handleResponse(msg)
	case msg.Notification:
		p.logger.Debug().Str("method", msg.Method).Msg("client notification ignored")
	default:
		p.logger.Warn().Msg("unknown message")
	}
}

func (p *Peer) handleRequest(msg inboundMessage) {
	req := &request{peer: p, id: msg.ID, method: msg.Method, data: msg.Data}
	if !p.limiter.Allow() {
		req.Reject(domain.ErrorCode(domain.ErrRateLimited), domain.ErrRateLimited.Error())
		return
	}

	p.mu.RLock()
	fn := p.onRequest
	p.mu.RUnlock()
	if fn == nil {
		req.Reject(domain.ErrorCode(domain.ErrPeerClosed), "peer not attached to a room")
		return
	}
	select {
	case p.requests <- func() { fn(req) }:
	default:
		req.Reject(domain.ErrorCode(domain.ErrRateLimited), "request queue full")
	}
}

func (p *Peer) handleResponse(msg inboundMessage) {
	ch, ok := p.pending.LoadAndDelete(msg.ID)
	if !ok {
		p.logger.Debug().Uint32("id", msg.ID).Msg("response for unknown request")
		return
	}
	ch <- reply{ok: msg.OK, data: msg.Data, code: msg.ErrorCode, reason: msg.ErrorReason}
}
