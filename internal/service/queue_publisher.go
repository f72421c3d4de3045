package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/escrow-reservation/internal/queue"
)

const (
	publisherDialTimeout = 2 * time.Second
	publisherRedialDelay = 5 * time.Second
)

// AMQPPublisher publishes lifecycle events to the reservation events queue.
// The connection is opened lazily and reopened after a failed publish.  A
// failed dial is not retried for publisherRedialDelay; publishes in that
// window fail at once instead of waiting on the broker.
type AMQPPublisher struct {
	url   string
	queue string
	log   *slog.Logger
	dial  func(url string, cfg amqp.Config) (*amqp.Connection, error)
	now   func() time.Time

	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	retryAt time.Time
}

// NewAMQPPublisher returns a publisher for url.  No connection is made
// until the first event.
func NewAMQPPublisher(url string, log *slog.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		url:   url,
		queue: queue.ReservationEventsQueue,
		log:   log,
		dial:  amqp.DialConfig,
		now:   time.Now,
	}
}

// Publish sends ev as a persistent JSON message via the default exchange.
func (p *AMQPPublisher) Publish(ctx context.Context, ev queue.ReservationEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureChannel(); err != nil {
		return err
	}
	err = p.ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			MessageId:    ev.ReservationID + ":" + ev.Status,
			Body:         body,
		})
	if err != nil {
		p.reset()
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	return nil
}

// ensureChannel dials and declares the queue when no channel is open.
// Callers hold p.mu.
func (p *AMQPPublisher) ensureChannel() error {
	if p.ch != nil {
		return nil
	}
	if now := p.now(); now.Before(p.retryAt) {
		return fmt.Errorf("rabbitmq unavailable, next dial in %s", p.retryAt.Sub(now).Round(time.Millisecond))
	}
	conn, err := p.dial(p.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(publisherDialTimeout),
	})
	if err != nil {
		p.retryAt = p.now().Add(publisherRedialDelay)
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	// durable so events survive broker restarts
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("rabbitmq queue declare: %w", err)
	}
	p.conn, p.ch = conn, ch
	p.log.Debug("rabbitmq publisher connected", "queue", p.queue)
	return nil
}

// reset drops the current connection.  Callers hold p.mu.
func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

// Close releases the broker connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}
