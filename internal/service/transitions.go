package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/iliyamo/escrow-reservation/internal/model"
	"github.com/iliyamo/escrow-reservation/internal/queue"
	"github.com/iliyamo/escrow-reservation/internal/settlement"
)

type party int

const (
	partyClient party = iota
	partyProvider
)

// operation is one row of the transition table.
type operation struct {
	name     string
	from     model.ReservationStatus
	to       model.ReservationStatus
	party    party
	needsRef bool
}

var (
	opConfirm  = operation{name: "confirm", from: model.StatusPending, to: model.StatusConfirmed, party: partyClient, needsRef: true}
	opCancel   = operation{name: "cancel", from: model.StatusConfirmed, to: model.StatusCancelled, party: partyClient}
	opComplete = operation{name: "complete", from: model.StatusConfirmed, to: model.StatusCompleted, party: partyProvider}
	opNoShow   = operation{name: "no-show", from: model.StatusConfirmed, to: model.StatusNoShow, party: partyProvider}
)

// TransitionRequest addresses one reservation.  SettlementTxRef is
// required for confirm and optional otherwise; when present it is
// verified before anything changes and stored with the transition.  At is
// only honoured for the ledger actor, which passes the block time of the
// settling transaction.
type TransitionRequest struct {
	ReservationID   string
	SettlementTxRef string
	At              time.Time
}

// Result is the outcome of a transition.  Split is set for cancellations,
// completions and no-shows that were applied by this call.  Replayed marks
// a ledger replay of a transition that had already been applied.
type Result struct {
	Reservation *model.Reservation
	Split       *settlement.Split
	Replayed    bool
}

// Confirm moves a PENDING reservation to CONFIRMED once its funding
// transaction verifies.
func (s *ReservationService) Confirm(ctx context.Context, actor Actor, req TransitionRequest) (*Result, error) {
	return s.apply(ctx, actor, opConfirm, req)
}

// Cancel cancels a CONFIRMED reservation on behalf of its client and
// settles the refund according to the cancellation tiers.
func (s *ReservationService) Cancel(ctx context.Context, actor Actor, req TransitionRequest) (*Result, error) {
	return s.apply(ctx, actor, opCancel, req)
}

// Complete releases the escrow to the provider once the appointment has
// started.
func (s *ReservationService) Complete(ctx context.Context, actor Actor, req TransitionRequest) (*Result, error) {
	return s.apply(ctx, actor, opComplete, req)
}

// MarkNoShow releases the escrow to the provider when the client did not
// show up within NoShowGrace of the appointment.
func (s *ReservationService) MarkNoShow(ctx context.Context, actor Actor, req TransitionRequest) (*Result, error) {
	return s.apply(ctx, actor, opNoShow, req)
}

func (s *ReservationService) apply(ctx context.Context, actor Actor, op operation, req TransitionRequest) (*Result, error) {
	if req.ReservationID == "" {
		return nil, fmt.Errorf("%w: reservation id required", ErrValidation)
	}
	// unknown ids never get a lock entry
	if _, err := s.reservations.GetByID(ctx, req.ReservationID); err != nil {
		return nil, fmt.Errorf("reservation %s: %w", req.ReservationID, err)
	}
	mu := s.reservationLock(req.ReservationID)
	mu.Lock()
	defer mu.Unlock()

	r, err := s.reservations.GetByID(ctx, req.ReservationID)
	if err != nil {
		return nil, fmt.Errorf("reservation %s: %w", req.ReservationID, err)
	}

	now := s.now()
	at := now
	from := op.from
	if actor.Ledger {
		if r.Status == op.to {
			return &Result{Reservation: r, Replayed: true}, nil
		}
		// The escrow program only settles funded accounts, so a settling
		// event seen before the funding event confirms implicitly.
		if r.Status == model.StatusPending && op.from == model.StatusConfirmed {
			from = model.StatusPending
		}
		if r.Status != from {
			return nil, invalidState(op, r.Status)
		}
		if !req.At.IsZero() {
			at = req.At.UTC()
		}
	} else {
		if err := s.authorize(ctx, actor, op.party, r); err != nil {
			return nil, err
		}
		if r.Status != op.from {
			return nil, invalidState(op, r.Status)
		}
		if err := timeGuard(op, r, now); err != nil {
			return nil, err
		}
		if op.needsRef && req.SettlementTxRef == "" {
			return nil, fmt.Errorf("%w: settlement transaction reference required", ErrValidation)
		}
		if req.SettlementTxRef != "" {
			if err := s.verify(ctx, req.SettlementTxRef); err != nil {
				return nil, err
			}
		}
	}

	t, split := s.plan(op, r, at, now)
	if req.SettlementTxRef != "" {
		ref := req.SettlementTxRef
		t.SettlementTxRef = &ref
	}

	ok, err := s.reservations.UpdateIf(ctx, r.ID, from, t)
	if err != nil {
		return nil, err
	}
	if !ok {
		// another instance moved the row since we read it
		cur, err := s.reservations.GetByID(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if actor.Ledger && cur.Status == op.to {
			return &Result{Reservation: cur, Replayed: true}, nil
		}
		return nil, invalidState(op, cur.Status)
	}
	t.Apply(r)
	if r.Status.Terminal() {
		// UpdateIf guards anything that still races on the old entry
		s.locks.Delete(r.ID)
	}

	attrs := []any{"reservation_id", r.ID, "op", op.name, "status", r.Status, "source", actor.source()}
	if split != nil {
		attrs = append(attrs,
			"refund", split.RefundAmount, "provider_fee", split.ProviderFee,
			"commission", split.PlatformCommission)
	}
	s.log.Info("reservation transitioned", attrs...)
	s.publish(ctx, r, actor.source())
	return &Result{Reservation: r, Split: split}, nil
}

// plan computes the fields written with the transition.  at is the moment
// the transition takes effect on the ledger; now stamps the row.
func (s *ReservationService) plan(op operation, r *model.Reservation, at, now time.Time) (model.Transition, *settlement.Split) {
	t := model.Transition{Status: op.to, At: now}
	var split settlement.Split
	switch op.to {
	case model.StatusCancelled:
		split = s.engine.Cancellation(r.Amount, r.AppointmentTime, at)
		t.CancelledAt = &at
	case model.StatusCompleted, model.StatusNoShow:
		split = s.engine.Completion(r.Amount)
		t.CompletedAt = &at
		t.EarningsCredit = split.ProviderFee
	default:
		return t, nil
	}
	t.RefundAmount = uint64Ptr(split.RefundAmount)
	t.ProviderFee = uint64Ptr(split.ProviderFee)
	t.PlatformCommission = uint64Ptr(split.PlatformCommission)
	return t, &split
}

func (s *ReservationService) authorize(ctx context.Context, actor Actor, p party, r *model.Reservation) error {
	if actor.Wallet == "" {
		return fmt.Errorf("%w: caller identity missing", ErrUnauthorized)
	}
	switch p {
	case partyClient:
		if r.ClientIdentity != actor.Wallet {
			return fmt.Errorf("%w: caller is not the client of this reservation", ErrUnauthorized)
		}
	case partyProvider:
		provider, err := s.catalog.GetProvider(ctx, r.ProviderID)
		if err != nil {
			return fmt.Errorf("provider %s: %w", r.ProviderID, err)
		}
		if provider.WalletAddress != actor.Wallet {
			return fmt.Errorf("%w: caller is not the provider of this reservation", ErrUnauthorized)
		}
	}
	return nil
}

func timeGuard(op operation, r *model.Reservation, now time.Time) error {
	switch op.to {
	case model.StatusCompleted:
		if now.Before(r.AppointmentTime) {
			return fmt.Errorf("%w: cannot complete before the appointment starts", ErrInvalidState)
		}
	case model.StatusNoShow:
		if now.Before(r.AppointmentTime.Add(NoShowGrace)) {
			return fmt.Errorf("%w: no-show can be marked %s after the appointment starts", ErrInvalidState, NoShowGrace)
		}
	}
	return nil
}

func invalidState(op operation, status model.ReservationStatus) error {
	return fmt.Errorf("%w: cannot %s a %s reservation", ErrInvalidState, op.name, status)
}

// publish hands the event to the broker.  Failures are logged only; the
// transition is already durable.
func (s *ReservationService) publish(ctx context.Context, r *model.Reservation, source string) {
	if s.events == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := s.events.Publish(pctx, NewReservationEvent(r, source, s.now())); err != nil {
		s.log.Warn("publish reservation event failed", "reservation_id", r.ID, "err", err)
	}
}

// NewReservationEvent snapshots r into a queue payload.
func NewReservationEvent(r *model.Reservation, source string, at time.Time) queue.ReservationEvent {
	ev := queue.ReservationEvent{
		ReservationID:   r.ID,
		EscrowAddress:   r.EscrowAddress,
		Status:          string(r.Status),
		ProviderID:      r.ProviderID,
		ClientIdentity:  r.ClientIdentity,
		AppointmentTime: r.AppointmentTime.UTC().Format(time.RFC3339),
		Amount:          strconv.FormatUint(r.Amount, 10),
		RefundAmount:    formatAmount(r.RefundAmount),
		ProviderFee:     formatAmount(r.ProviderFee),
		Source:          source,
		OccurredAt:      at.UTC().Format(time.RFC3339),
	}
	ev.PlatformCommission = formatAmount(r.PlatformCommission)
	if r.SettlementTxRef != nil {
		ev.SettlementTxRef = *r.SettlementTxRef
	}
	return ev
}

func formatAmount(v *uint64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatUint(*v, 10)
}

func uint64Ptr(v uint64) *uint64 { return &v }
