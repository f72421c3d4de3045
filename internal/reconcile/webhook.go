package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/iliyamo/escrow-reservation/internal/ledger"
	"github.com/iliyamo/escrow-reservation/internal/service"
)

// EventTransaction is the generic event type sent by transaction
// notification providers.  It carries no program event of its own.
const EventTransaction = "TRANSACTION"

// WebhookEvent is one webhook delivery.
type WebhookEvent struct {
	EventType      string `json:"eventType"`
	TransactionRef string `json:"transactionRef"`
	EscrowAddress  string `json:"escrowAddress,omitempty"`
}

// HandleWebhook runs a delivery through the same verify-then-transition
// path as the log feed.  A TRANSACTION delivery applies whatever events
// the referenced transaction logged, and confirms the PENDING reservation
// it funds when it logged none.
func (s *Service) HandleWebhook(ctx context.Context, ev WebhookEvent) ([]Outcome, error) {
	ev.EventType = strings.TrimSpace(ev.EventType)
	ev.TransactionRef = strings.TrimSpace(ev.TransactionRef)
	ev.EscrowAddress = strings.TrimSpace(ev.EscrowAddress)
	if ev.EventType == "" || ev.TransactionRef == "" {
		return nil, fmt.Errorf("%w: eventType and transactionRef are required", service.ErrValidation)
	}

	if !strings.EqualFold(ev.EventType, EventTransaction) {
		k, ok := ParseKind(ev.EventType)
		if !ok {
			return nil, fmt.Errorf("%w: unknown event type %q", service.ErrValidation, ev.EventType)
		}
		o, err := s.Process(ctx, Event{Kind: k, TxRef: ev.TransactionRef, EscrowAddress: ev.EscrowAddress})
		if err != nil {
			return nil, err
		}
		return []Outcome{o}, nil
	}

	tx, err := s.fetch(ctx, ev.TransactionRef)
	if err != nil {
		return nil, err
	}
	if tx.Failed {
		return nil, fmt.Errorf("%w: %s failed on the ledger", service.ErrVerificationFailed, ev.TransactionRef)
	}
	r, err := s.locate(ctx, Event{TxRef: ev.TransactionRef, EscrowAddress: ev.EscrowAddress})
	if errors.Is(err, service.ErrNotFound) {
		return s.applyUnaddressed(ctx, tx)
	}
	if err != nil {
		return nil, err
	}
	return s.applyTransaction(ctx, tx, r)
}

// applyUnaddressed handles a TRANSACTION delivery that names no known
// reservation: only structured events, which carry their own address, can
// be applied.
func (s *Service) applyUnaddressed(ctx context.Context, tx *ledger.Transaction) ([]Outcome, error) {
	var out []Outcome
	for _, e := range (AnchorDecoder{}).Decode(batchOf(tx)) {
		o, err := s.process(ctx, e, tx)
		if err != nil {
			return out, err
		}
		out = append(out, o)
	}
	if len(out) == 0 {
		out = append(out, Outcome{Kind: EventTransaction, TxRef: tx.Signature, Result: OutcomeIgnored, Reason: "reservation not found"})
	}
	return out, nil
}
