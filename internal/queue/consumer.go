package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AuditConsumer reads reservation.events and appends one line per event
// to an audit log file.
type AuditConsumer struct {
	url  string
	path string
	log  *slog.Logger

	mu sync.Mutex // serializes writes to path
}

// NewAuditConsumer returns a consumer for the broker at url writing to
// path, e.g. logs/reservations.log.
func NewAuditConsumer(url, path string, log *slog.Logger) *AuditConsumer {
	if log == nil {
		log = slog.Default()
	}
	return &AuditConsumer{url: url, path: path, log: log.With("component", "audit-consumer")}
}

// Run connects to the broker and consumes until ctx is cancelled.  Lost
// connections are re-dialled with exponential backoff.
func (a *AuditConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(a.url)
		if err != nil {
			a.log.Warn("dial broker failed", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second

		err = a.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.log.Warn("consume loop ended; reconnecting", "error", err)
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (a *AuditConsumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		a.log.Warn("set QoS failed", "error", err)
	}
	if _, err := ch.QueueDeclare(ReservationEventsQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, ReservationEventsQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := a.Handle(d.Body); err != nil {
				a.log.Error("handle message failed", "message_id", d.MessageId, "error", err)
				_ = d.Nack(false, false) // dropped rather than requeued to avoid a hot loop
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Handle decodes one message body and appends it to the audit log.
func (a *AuditConsumer) Handle(body []byte) error {
	var ev ReservationEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.ReservationID == "" || ev.Status == "" {
		return errors.New("event without reservation id or status")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	return WriteAuditLine(f, ev)
}

// WriteAuditLine renders ev as one human-readable line.
func WriteAuditLine(w io.Writer, ev ReservationEvent) error {
	line := fmt.Sprintf("[%s] Reservation %s | reservation_id=%s | escrow=%s | provider_id=%s | client=%s | appointment=%s | amount=%s",
		ev.OccurredAt, ev.Status, ev.ReservationID, ev.EscrowAddress, ev.ProviderID, ev.ClientIdentity, ev.AppointmentTime, ev.Amount)
	if ev.RefundAmount != "" {
		line += " | refund=" + ev.RefundAmount
	}
	if ev.ProviderFee != "" {
		line += " | provider_fee=" + ev.ProviderFee
	}
	if ev.PlatformCommission != "" {
		line += " | commission=" + ev.PlatformCommission
	}
	if ev.SettlementTxRef != "" {
		line += " | tx=" + ev.SettlementTxRef
	}
	_, err := fmt.Fprintf(w, "%s | source=%s\n", line, ev.Source)
	if err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// sleep waits d or until ctx ends, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
