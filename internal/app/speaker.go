package app

import (
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

func (r *Room) handleVolumes(volumes []core.AudioLevelVolume) {
	if len(volumes) == 0 {
		return
	}
	loudest := volumes[0]
	peerID := domain.PeerID(loudest.Producer.AppData().String("peerId"))
	volume := loudest.Volume
	r.broadcast("activeSpeaker", activeSpeakerNotification{PeerID: &peerID, Volume: &volume})
}

func (r *Room) handleSilence() {
	r.broadcast("activeSpeaker", activeSpeakerNotification{})
}

// broadcast notifies every joined peer.
func (r *Room) broadcast(method string, data any) {
	for _, p := range r.joinedPeers(nil) {
		r.notify(p, method, data)
	}
}
