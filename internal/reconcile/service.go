// Package reconcile keeps reservations in step with the escrow program.
// It consumes the ledger's log feed, accepts webhook deliveries and runs
// manual syncs; all three decode ledger events and replay them through the
// reservation state machine as the ledger actor.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/escrow-reservation/internal/ledger"
	"github.com/iliyamo/escrow-reservation/internal/model"
	"github.com/iliyamo/escrow-reservation/internal/service"
	"github.com/iliyamo/escrow-reservation/internal/ttlstore"
)

const (
	DefaultWorkers       = 8
	DefaultDedupeTTL     = 24 * time.Hour
	DefaultVerifyTimeout = 5 * time.Second

	dedupePrefix = "ledger:evt:"
)

// Outcome statuses reported for a processed event.
const (
	OutcomeApplied   = "applied"
	OutcomeReplayed  = "replayed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
)

// Applier is the part of the reservation service the reconciler drives.
type Applier interface {
	Confirm(ctx context.Context, actor service.Actor, req service.TransitionRequest) (*service.Result, error)
	Cancel(ctx context.Context, actor service.Actor, req service.TransitionRequest) (*service.Result, error)
	Complete(ctx context.Context, actor service.Actor, req service.TransitionRequest) (*service.Result, error)
	MarkNoShow(ctx context.Context, actor service.Actor, req service.TransitionRequest) (*service.Result, error)
}

// Locator finds the reservation an event refers to.
type Locator interface {
	GetByID(ctx context.Context, id string) (*model.Reservation, error)
	GetByEscrowAddress(ctx context.Context, addr string) (*model.Reservation, error)
	GetBySettlementRef(ctx context.Context, ref string) (*model.Reservation, error)
}

// Outcome reports what happened to one event.
type Outcome struct {
	Kind          string                  `json:"kind"`
	TxRef         string                  `json:"transactionRef"`
	Result        string                  `json:"result"`
	ReservationID string                  `json:"reservationId,omitempty"`
	Status        model.ReservationStatus `json:"status,omitempty"`
	Reason        string                  `json:"reason,omitempty"`
}

// Service is the ledger reconciler.
type Service struct {
	ledger        ledger.Client
	programID     string
	reservations  Locator
	applier       Applier
	dedupe        ttlstore.Store
	decoder       Decoder
	log           *slog.Logger
	verifyTimeout time.Duration
	dedupeTTL     time.Duration
	workers       int

	mu  sync.Mutex
	sub *Subscription
}

// Subscription is the handle of a running feed consumer.
type Subscription struct {
	feed    ledger.Subscription
	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped bool
}

// New builds a reconciler for programID.  The remaining settings start
// from their defaults.
func New(client ledger.Client, programID string, reservations Locator, applier Applier, dedupe ttlstore.Store) *Service {
	return &Service{
		ledger:        client,
		programID:     programID,
		reservations:  reservations,
		applier:       applier,
		dedupe:        dedupe,
		decoder:       DefaultDecoder(),
		log:           slog.Default().With("component", "reconcile"),
		verifyTimeout: DefaultVerifyTimeout,
		dedupeTTL:     DefaultDedupeTTL,
		workers:       DefaultWorkers,
	}
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.log = l.With("component", "reconcile")
	return s
}

func (s *Service) WithDecoder(d Decoder) *Service {
	s.decoder = d
	return s
}

func (s *Service) WithVerifyTimeout(d time.Duration) *Service {
	if d > 0 {
		s.verifyTimeout = d
	}
	return s
}

// WithWorkers bounds how many batches are processed at once.
func (s *Service) WithWorkers(n int) *Service {
	if n > 0 {
		s.workers = n
	}
	return s
}

// Start opens the log subscription.  While a subscription is active it is
// returned again instead of opening a second one.
func (s *Service) Start(ctx context.Context) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return s.sub, nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(subCtx)
	g.SetLimit(s.workers)
	sub := &Subscription{cancel: cancel, group: g}

	feed, err := s.ledger.Subscribe(subCtx, s.programID, func(b ledger.LogBatch) {
		g.Go(func() error {
			s.HandleBatch(gctx, b)
			return nil
		})
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to program logs: %w", err)
	}
	sub.feed = feed
	s.sub = sub
	s.log.Info("ledger subscription started", "program_id", s.programID, "workers", s.workers)
	return sub, nil
}

// Stop closes sub and waits for in-flight batches.  Stopping a nil or
// already stopped subscription does nothing.
func (s *Service) Stop(sub *Subscription) error {
	s.mu.Lock()
	if sub == nil || sub.stopped {
		s.mu.Unlock()
		return nil
	}
	sub.stopped = true
	if s.sub == sub {
		s.sub = nil
	}
	s.mu.Unlock()

	err := sub.feed.Unsubscribe()
	_ = sub.group.Wait()
	sub.cancel()
	s.log.Info("ledger subscription stopped")
	return err
}

// HandleBatch decodes one feed delivery and processes its events in order.
// Failures are logged; they never stop the feed.
func (s *Service) HandleBatch(ctx context.Context, b ledger.LogBatch) []Outcome {
	if b.Failed || b.Signature == "" {
		return nil
	}
	var out []Outcome
	for _, ev := range s.decoder.Decode(b) {
		o, err := s.Process(ctx, ev)
		if err != nil {
			s.log.Warn("ledger event not applied", "tx", ev.TxRef, "kind", ev.Kind.String(), "error", err)
			continue
		}
		out = append(out, o)
	}
	return out
}

// Process runs one event through claim, verify, locate and apply.
func (s *Service) Process(ctx context.Context, ev Event) (Outcome, error) {
	return s.process(ctx, ev, nil)
}

// process is Process with an optional transaction already fetched by the
// caller.
func (s *Service) process(ctx context.Context, ev Event, tx *ledger.Transaction) (Outcome, error) {
	o := Outcome{Kind: ev.Kind.String(), TxRef: ev.TxRef}
	if ev.TxRef == "" {
		return o, fmt.Errorf("%w: transaction reference required", service.ErrValidation)
	}

	key := dedupePrefix + ev.TxRef + ":" + ev.Kind.String() + ":" + ev.EscrowAddress
	claimed, err := s.claim(ctx, key)
	if err != nil {
		return o, err
	}
	if !claimed {
		o.Result = OutcomeDuplicate
		return o, nil
	}
	release := func() {
		if err := s.dedupe.Delete(context.WithoutCancel(ctx), key); err != nil {
			s.log.Warn("release dedupe claim", "key", key, "error", err)
		}
	}

	if tx == nil {
		if tx, err = s.fetch(ctx, ev.TxRef); err != nil {
			release()
			return o, err
		}
	}
	if tx.Failed {
		release()
		return o, fmt.Errorf("%w: %s failed on the ledger", service.ErrVerificationFailed, ev.TxRef)
	}

	r, err := s.locate(ctx, ev)
	if errors.Is(err, service.ErrNotFound) {
		release()
		o.Result, o.Reason = OutcomeIgnored, "reservation not found"
		s.log.Info("ledger event for unknown reservation", "tx", ev.TxRef, "kind", o.Kind, "escrow", ev.EscrowAddress)
		return o, nil
	}
	if err != nil {
		release()
		return o, err
	}
	o.ReservationID = r.ID

	req := service.TransitionRequest{ReservationID: r.ID, SettlementTxRef: ev.TxRef}
	if tx.BlockTime != nil {
		req.At = *tx.BlockTime
	}
	res, err := s.apply(ctx, ev.Kind, req)
	switch {
	case errors.Is(err, service.ErrInvalidState), errors.Is(err, service.ErrUnauthorized):
		o.Result, o.Reason, o.Status = OutcomeIgnored, err.Error(), r.Status
		s.log.Info("ledger event not permitted", "reservation_id", r.ID, "kind", o.Kind, "status", r.Status)
		return o, nil
	case err != nil:
		release()
		return o, err
	}
	o.Status = res.Reservation.Status
	o.Result = OutcomeApplied
	if res.Replayed {
		o.Result = OutcomeReplayed
	}
	return o, nil
}

// claim takes the dedupe key.  A store outage falls through to the state
// machine, which rejects repeated transitions by itself.
func (s *Service) claim(ctx context.Context, key string) (bool, error) {
	if s.dedupe == nil {
		return true, nil
	}
	ok, err := s.dedupe.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), s.dedupeTTL)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		s.log.Warn("dedupe store unavailable", "error", err)
		return true, nil
	}
	return ok, nil
}

// fetch loads ref within the verify timeout.  Unknown refs and timeouts
// are verification failures.
func (s *Service) fetch(ctx context.Context, ref string) (*ledger.Transaction, error) {
	vctx, cancel := context.WithTimeout(ctx, s.verifyTimeout)
	defer cancel()
	tx, err := s.ledger.GetTransaction(vctx, ref)
	if err != nil {
		if vctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: timed out", service.ErrVerificationFailed, ref)
		}
		return nil, fmt.Errorf("%w: %v", service.ErrExternalService, err)
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: %s is not confirmed", service.ErrVerificationFailed, ref)
	}
	return tx, nil
}

func (s *Service) locate(ctx context.Context, ev Event) (*model.Reservation, error) {
	if ev.EscrowAddress != "" {
		r, err := s.reservations.GetByEscrowAddress(ctx, ev.EscrowAddress)
		if err == nil || !errors.Is(err, service.ErrNotFound) {
			return r, err
		}
	}
	return s.reservations.GetBySettlementRef(ctx, ev.TxRef)
}

func (s *Service) apply(ctx context.Context, k Kind, req service.TransitionRequest) (*service.Result, error) {
	switch k {
	case KindCreated:
		return s.applier.Confirm(ctx, service.LedgerActor, req)
	case KindCancelled:
		return s.applier.Cancel(ctx, service.LedgerActor, req)
	case KindCompleted:
		return s.applier.Complete(ctx, service.LedgerActor, req)
	case KindNoShow:
		return s.applier.MarkNoShow(ctx, service.LedgerActor, req)
	}
	return nil, fmt.Errorf("%w: unknown event kind %d", service.ErrValidation, k)
}

// Sync pulls ref from the ledger and applies the events it carries to the
// reservation id.  An empty ref falls back to the reservation's stored
// settlement reference.  A verified transaction without decodable events
// confirms a PENDING reservation.
func (s *Service) Sync(ctx context.Context, id, ref string) ([]Outcome, error) {
	r, err := s.reservations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ref == "" && r.SettlementTxRef != nil {
		ref = *r.SettlementTxRef
	}
	if ref == "" {
		return nil, fmt.Errorf("%w: transaction reference required", service.ErrValidation)
	}
	tx, err := s.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.applyTransaction(ctx, tx, r)
}

// applyTransaction processes the events of tx that concern r.  With no
// events, a PENDING r is confirmed by tx.
func (s *Service) applyTransaction(ctx context.Context, tx *ledger.Transaction, r *model.Reservation) ([]Outcome, error) {
	var events []Event
	for _, ev := range s.decoder.Decode(batchOf(tx)) {
		if ev.EscrowAddress != "" && ev.EscrowAddress != r.EscrowAddress {
			continue
		}
		ev.EscrowAddress = r.EscrowAddress
		events = append(events, ev)
	}
	if len(events) == 0 && r.Status == model.StatusPending {
		events = append(events, Event{Kind: KindCreated, TxRef: tx.Signature, EscrowAddress: r.EscrowAddress})
	}
	if len(events) == 0 {
		return []Outcome{{TxRef: tx.Signature, Result: OutcomeIgnored, ReservationID: r.ID, Status: r.Status, Reason: "no reservation events"}}, nil
	}
	out := make([]Outcome, 0, len(events))
	for _, ev := range events {
		o, err := s.process(ctx, ev, tx)
		if err != nil {
			return out, err
		}
		out = append(out, o)
	}
	return out, nil
}

func batchOf(tx *ledger.Transaction) ledger.LogBatch {
	return ledger.LogBatch{Signature: tx.Signature, Slot: tx.Slot, Failed: tx.Failed, Logs: tx.Logs}
}
