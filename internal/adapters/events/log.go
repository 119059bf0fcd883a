package events

import (
	"github.com/dkeye/Huddle/internal/core"
	"github.com/rs/zerolog/log"
)

// LogSink writes room events to the global logger. It is used when no broker
// is configured.
type LogSink struct{}

func (LogSink) Publish(ev core.RoomEvent) {
	e := log.Info().Str("module", "events").Str("type", string(ev.Type)).Str("room", string(ev.RoomID))
	if ev.PeerID != "" {
		e = e.Str("peer", string(ev.PeerID))
	}
	e.Time("at", ev.At).Msg("room event")
}

// Multi fans every event out to all sinks.
type Multi []core.EventSink

func (m Multi) Publish(ev core.RoomEvent) {
	for _, s := range m {
		s.Publish(ev)
	}
}
