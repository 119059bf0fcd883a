package signal

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Admitter attaches a peer channel to a room, creating the room on demand.
type Admitter interface {
	Admit(ctx context.Context, id domain.RoomID, ch core.PeerChannel) (*app.Room, error)
}

type SignalWSController struct {
	ctx      context.Context
	rooms    Admitter
	settings Settings
	connects *ConnectLimiter
	upgrader websocket.Upgrader
}

// NewSignalWSController serves protoo connections. Peers live until their
// socket closes or ctx is done.
func NewSignalWSController(ctx context.Context, rooms Admitter, settings Settings) *SignalWSController {
	return &SignalWSController{
		ctx:      ctx,
		rooms:    rooms,
		settings: settings,
		connects: NewConnectLimiter(settings.ConnectLimit, settings.ConnectWindow),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
	}
}

// HandleSignal upgrades GET /api/ws/signal?roomId=&peerId=. Without peerId the
// client token cookie identifies the peer.
func (ctl *SignalWSController) HandleSignal(c *gin.Context) {
	roomID := domain.RoomID(c.Query("roomId"))
	if roomID == "" {
		roomID = domain.DefaultRoomID
	}
	raw := c.Query("peerId")
	if raw == "" {
		raw = c.GetString("client_token")
	}
	peerID, err := domain.NewPeerID(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !ctl.connects.Allow(peerID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": domain.ErrRateLimited.Error()})
		return
	}

	logger := log.With().Str("module", "signal").Str("room", string(roomID)).Str("peer", string(peerID)).Logger()
	logger.Info().Msg("new WS connection")

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}

	peer := NewPeer(peerID, ws, ctl.settings)
	if _, err := ctl.rooms.Admit(ctl.ctx, roomID, peer); err != nil {
		logger.Error().Err(err).Msg("admit peer")
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(ctl.settings.WriteTimeout))
		peer.Close()
		_ = ws.Close()
		return
	}
	go peer.Run(ctl.ctx)
}
