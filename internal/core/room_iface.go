package core

import (
	"time"

	"github.com/dkeye/Huddle/internal/domain"
)

type RoomInfo struct {
	ID          domain.RoomID     `json:"id"`
	PeerCount   int               `json:"peerCount"`
	JoinedPeers []domain.PeerInfo `json:"joinedPeers"`
}

type RoomEventType string

const (
	RoomCreated RoomEventType = "roomCreated"
	RoomClosed  RoomEventType = "roomClosed"
	PeerJoined  RoomEventType = "peerJoined"
	PeerLeft    RoomEventType = "peerClosed"
)

type RoomEvent struct {
	Type   RoomEventType `json:"type"`
	RoomID domain.RoomID `json:"roomId"`
	PeerID domain.PeerID `json:"peerId,omitempty"`
	At     time.Time     `json:"at"`
}

// EventSink receives room lifecycle events. Publish must not block.
type EventSink interface {
	Publish(ev RoomEvent)
}
