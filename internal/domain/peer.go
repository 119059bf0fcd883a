// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"unicode/utf8"
)

const (
	MaxPeerIDLen      = 64
	MaxDisplayNameLen = 64
)

var (
	ErrPeerIDEmpty   = errors.New("peer id empty")
	ErrPeerIDTooLong = errors.New("peer id too long")
)

type PeerID string

// NewPeerID validates an externally assigned peer identity.
func NewPeerID(raw string) (PeerID, error) {
	if len(raw) == 0 {
		return "", ErrPeerIDEmpty
	}
	if len(raw) > MaxPeerIDLen {
		return "", ErrPeerIDTooLong
	}
	return PeerID(raw), nil
}

// Device describes the client software a peer joined with.
type Device struct {
	Flag    string `json:"flag,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// PeerInfo is the public view of a joined peer sent to the others.
type PeerInfo struct {
	ID          PeerID `json:"id"`
	DisplayName string `json:"displayName"`
	Device      Device `json:"device"`
}

// ClampDisplayName cuts a client supplied name to MaxDisplayNameLen runes.
func ClampDisplayName(name string) string {
	if utf8.RuneCountInString(name) <= MaxDisplayNameLen {
		return name
	}
	r := []rune(name)
	return string(r[:MaxDisplayNameLen])
}
