package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/escrow-reservation/internal/queue"
)

func TestPublisherBacksOffAfterFailedDial(t *testing.T) {
	clk := &clock{t: start}
	dials := 0
	p := NewAMQPPublisher("amqp://broker:5672/", slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.now = clk.Now
	p.dial = func(_ string, cfg amqp.Config) (*amqp.Connection, error) {
		dials++
		if cfg.Dial == nil {
			t.Fatal("dial without a connect timeout")
		}
		return nil, errors.New("connection refused")
	}
	ev := queue.ReservationEvent{ReservationID: "r1", Status: "CONFIRMED"}

	if err := p.Publish(context.Background(), ev); err == nil {
		t.Fatal("expected dial error")
	}
	// within the redial delay nothing reaches the broker
	clk.Set(start.Add(publisherRedialDelay - time.Second))
	if err := p.Publish(context.Background(), ev); err == nil {
		t.Fatal("expected error while backing off")
	}
	if dials != 1 {
		t.Fatalf("dials = %d, want 1", dials)
	}

	clk.Set(start.Add(publisherRedialDelay))
	_ = p.Publish(context.Background(), ev)
	if dials != 2 {
		t.Fatalf("dials after delay = %d, want 2", dials)
	}
}
