package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/goccy/go-json"
	"github.com/streadway/amqp"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []amqp.Publishing
	keys []string
	err  error
	gate chan struct{}
}

func (f *fakePublisher) Publish(_, key string, _, _ bool, msg amqp.Publishing) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	f.keys = append(f.keys, key)
	return f.err
}

func (f *fakePublisher) published() []amqp.Publishing {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]amqp.Publishing(nil), f.msgs...)
}

func TestAMQPSinkPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	sink := newAMQPSink(pub, "huddle.events", 8)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	sink.Publish(core.RoomEvent{Type: core.PeerJoined, RoomID: "r1", PeerID: "alice", At: at})
	sink.Publish(core.RoomEvent{Type: core.RoomClosed, RoomID: "r1", At: at})
	sink.Close()

	msgs := pub.published()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if pub.keys[0] != "huddle.events" || msgs[0].ContentType != "application/json" || msgs[0].Type != "peerJoined" {
		t.Fatalf("unexpected publishing %+v", msgs[0])
	}
	var ev core.RoomEvent
	if err := json.Unmarshal(msgs[0].Body, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.RoomID != "r1" || ev.PeerID != "alice" || !ev.At.Equal(at) {
		t.Fatalf("unexpected event %+v", ev)
	}
	if string(msgs[1].Body) == "" || msgs[1].Type != "roomClosed" {
		t.Fatalf("unexpected second message %+v", msgs[1])
	}
}

func TestAMQPSinkDropsWhenFull(t *testing.T) {
	pub := &fakePublisher{gate: make(chan struct{})}
	sink := newAMQPSink(pub, "q", 1)

	for range 5 {
		sink.Publish(core.RoomEvent{Type: core.RoomCreated, RoomID: "r"})
	}
	close(pub.gate)
	sink.Close()

	// One event is held by the publisher, one fits the buffer.
	if n := len(pub.published()); n < 1 || n > 2 {
		t.Fatalf("expected overflow to be dropped, got %d messages", n)
	}
}

func TestAMQPSinkSurvivesPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("channel closed")}
	sink := newAMQPSink(pub, "q", 4)
	sink.Publish(core.RoomEvent{Type: core.RoomCreated, RoomID: "a"})
	sink.Publish(core.RoomEvent{Type: core.RoomCreated, RoomID: "b"})
	sink.Close()
	sink.Publish(core.RoomEvent{Type: core.RoomCreated, RoomID: "c"})

	if n := len(pub.published()); n != 2 {
		t.Fatalf("expected both events attempted, got %d", n)
	}
}

type recordingSink struct{ got []core.RoomEvent }

func (r *recordingSink) Publish(ev core.RoomEvent) { r.got = append(r.got, ev) }

func TestMultiFansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	Multi{a, LogSink{}, b}.Publish(core.RoomEvent{Type: core.RoomCreated, RoomID: "r"})
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatal("every sink should receive the event")
	}
}
