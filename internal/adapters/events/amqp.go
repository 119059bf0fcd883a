// Package events ships room lifecycle events out of the process.
package events

import (
	"sync"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

// publisher is the part of *amqp.Channel the sink needs.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes room events as JSON to a queue. Publish only enqueues;
// a full buffer drops the event.
type AMQPSink struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	pub    publisher
	queue  string
	events chan core.RoomEvent
	done   chan struct{}
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

var _ core.EventSink = (*AMQPSink)(nil)

// DialAMQP connects to the broker at url and declares queue.
func DialAMQP(url, queue string, buffer int) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	q, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	s := newAMQPSink(ch, q.Name, buffer)
	s.conn, s.ch = conn, ch
	go s.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	return s, nil
}

func newAMQPSink(pub publisher, queue string, buffer int) *AMQPSink {
	s := &AMQPSink{
		pub:    pub,
		queue:  queue,
		events: make(chan core.RoomEvent, buffer),
		done:   make(chan struct{}),
		logger: log.With().Str("module", "events.amqp").Str("queue", queue).Logger(),
	}
	go s.run()
	return s
}

func (s *AMQPSink) Publish(ev core.RoomEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn().Str("type", string(ev.Type)).Str("room", string(ev.RoomID)).Msg("event buffer full, dropping")
	}
}

func (s *AMQPSink) run() {
	defer close(s.done)
	for ev := range s.events {
		body, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error().Err(err).Msg("marshal event")
			continue
		}
		err = s.pub.Publish(
			"",      // exchange
			s.queue, // routing key
			false,   // mandatory
			false,   // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    ev.At,
				Type:         string(ev.Type),
				Body:         body,
			},
		)
		if err != nil {
			s.logger.Error().Err(err).Str("type", string(ev.Type)).Msg("publish event")
		}
	}
}

func (s *AMQPSink) watch(closed <-chan *amqp.Error) {
	if err, ok := <-closed; ok && err != nil {
		s.logger.Error().Str("reason", err.Reason).Int("code", err.Code).Msg("broker connection lost")
	}
}

// Close flushes queued events and closes the broker connection.
func (s *AMQPSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	<-s.done
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
}
