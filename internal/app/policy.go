package app

import (
	"crypto/subtle"

	"github.com/dkeye/Huddle/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
)

// Policy decides on privileged requests and on peers that cannot keep up.
type Policy interface {
	OnBackPressure(room domain.RoomID, peer domain.PeerID) BackpressureAction
	AllowThrottle(peer domain.PeerID, secret string) bool
}

// SecretPolicy grants network throttling to requests carrying the shared secret.
// An empty secret disables throttling entirely.
type SecretPolicy struct {
	Secret        string
	KickSlowPeers bool
}

func (p SecretPolicy) OnBackPressure(domain.RoomID, domain.PeerID) BackpressureAction {
	if p.KickSlowPeers {
		return KickMember
	}
	return NoAction
}

func (p SecretPolicy) AllowThrottle(_ domain.PeerID, secret string) bool {
	if p.Secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(p.Secret), []byte(secret)) == 1
}
