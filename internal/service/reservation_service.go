// Package service holds the reservation lifecycle: creation against the
// provider's availability, the escrow-backed state machine and the
// lifecycle events it emits.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/escrow-reservation/internal/escrow"
	"github.com/iliyamo/escrow-reservation/internal/model"
	"github.com/iliyamo/escrow-reservation/internal/queue"
	"github.com/iliyamo/escrow-reservation/internal/settlement"
	"github.com/iliyamo/escrow-reservation/internal/slots"
)

// DefaultVerifyTimeout bounds a single ledger verification.
const DefaultVerifyTimeout = 5 * time.Second

// NoShowGrace is how long after the appointment start a provider must wait
// before marking a client as absent.
const NoShowGrace = 15 * time.Minute

// CatalogStore exposes the provider data owned by the catalog.
type CatalogStore interface {
	GetProvider(ctx context.Context, id string) (*model.Provider, error)
	GetService(ctx context.Context, id string) (*model.Service, error)
	ListWindows(ctx context.Context, providerID string) ([]model.AvailabilityWindow, error)
}

// ReservationStore persists reservations.  An empty status filter lists
// every status.
type ReservationStore interface {
	// Create inserts r unless a reservation with the same escrow address
	// exists, in which case that one is returned with created == false.
	// A reservation overlapping an active booking of the same provider
	// fails with ErrConflict.
	Create(ctx context.Context, r *model.Reservation) (stored *model.Reservation, created bool, err error)
	GetByID(ctx context.Context, id string) (*model.Reservation, error)
	GetByEscrowAddress(ctx context.Context, addr string) (*model.Reservation, error)
	GetBySettlementRef(ctx context.Context, ref string) (*model.Reservation, error)
	ListByClient(ctx context.Context, client string, status model.ReservationStatus) ([]model.Reservation, error)
	ListByProvider(ctx context.Context, providerID string, status model.ReservationStatus) ([]model.Reservation, error)
	ListActiveByProviderBetween(ctx context.Context, providerID string, from, to time.Time) ([]model.Reservation, error)
	// UpdateIf applies t only while the stored status equals expected and
	// credits t.EarningsCredit to the provider in the same unit of work.
	// It reports whether the row was updated.
	UpdateIf(ctx context.Context, id string, expected model.ReservationStatus, t model.Transition) (bool, error)
}

// Verifier confirms settlement transactions on the ledger.
type Verifier interface {
	Verify(ctx context.Context, ref string) (bool, error)
}

// EventPublisher receives a lifecycle event after every applied transition.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.ReservationEvent) error
}

// Actor identifies who drives an operation.  API callers carry their
// wallet; the ledger actor replays transitions the escrow program has
// already enforced.
type Actor struct {
	Wallet string
	Ledger bool
}

// Caller returns the actor for an authenticated wallet.
func Caller(wallet string) Actor { return Actor{Wallet: wallet} }

// LedgerActor is the actor used by reconciliation.
var LedgerActor = Actor{Ledger: true}

func (a Actor) source() string {
	if a.Ledger {
		return queue.SourceLedger
	}
	return queue.SourceAPI
}

// ReservationService implements the reservation state machine.
type ReservationService struct {
	catalog       CatalogStore
	reservations  ReservationStore
	deriver       *escrow.Deriver
	engine        *settlement.Engine
	verifier      Verifier
	events        EventPublisher
	log           *slog.Logger
	verifyTimeout time.Duration
	now           func() time.Time
	locks         sync.Map // per-reservation transition locks
}

// NewReservationService wires the mandatory collaborators.  Optional ones
// are attached with the With* methods.
func NewReservationService(catalog CatalogStore, reservations ReservationStore, deriver *escrow.Deriver, engine *settlement.Engine) *ReservationService {
	return &ReservationService{
		catalog:       catalog,
		reservations:  reservations,
		deriver:       deriver,
		engine:        engine,
		log:           slog.Default(),
		verifyTimeout: DefaultVerifyTimeout,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// WithVerifier sets the ledger verifier used for settlement references.
func (s *ReservationService) WithVerifier(v Verifier) *ReservationService {
	s.verifier = v
	return s
}

// WithPublisher sets the lifecycle event sink.
func (s *ReservationService) WithPublisher(p EventPublisher) *ReservationService {
	s.events = p
	return s
}

func (s *ReservationService) WithLogger(l *slog.Logger) *ReservationService {
	s.log = l.With("component", "reservations")
	return s
}

// WithVerifyTimeout overrides DefaultVerifyTimeout.
func (s *ReservationService) WithVerifyTimeout(d time.Duration) *ReservationService {
	if d > 0 {
		s.verifyTimeout = d
	}
	return s
}

// WithClock replaces the wall clock, mainly for tests.
func (s *ReservationService) WithClock(now func() time.Time) *ReservationService {
	s.now = now
	return s
}

// reservationLock returns the mutex serializing transitions of one
// reservation inside this process.
func (s *ReservationService) reservationLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CreateRequest describes a new booking.  SettlementTxRef is optional;
// when set it must verify on the ledger and the reservation starts out
// CONFIRMED.
type CreateRequest struct {
	ProviderID      string
	ServiceID       string
	AppointmentTime time.Time
	SettlementTxRef string
}

// Create books a slot for the calling client.  Calling it again for the
// same client, provider and appointment returns the reservation created
// the first time.
func (s *ReservationService) Create(ctx context.Context, actor Actor, req CreateRequest) (*model.Reservation, error) {
	if actor.Ledger || actor.Wallet == "" {
		return nil, fmt.Errorf("%w: client identity required", ErrValidation)
	}
	if req.ProviderID == "" || req.ServiceID == "" || req.AppointmentTime.IsZero() {
		return nil, fmt.Errorf("%w: providerId, serviceId and appointmentTime are required", ErrValidation)
	}
	now := s.now()
	appt := req.AppointmentTime.UTC().Truncate(time.Second)
	if !appt.After(now) {
		return nil, fmt.Errorf("%w: appointment time must be in the future", ErrValidation)
	}

	provider, svc, err := s.lookup(ctx, req.ProviderID, req.ServiceID)
	if err != nil {
		return nil, err
	}

	addr, err := s.deriver.ReservationAddress(actor.Wallet, provider.WalletAddress, appt.Unix())
	if err != nil {
		if errors.Is(err, escrow.ErrInvalidKey) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, err
	}
	existing, err := s.reservations.GetByEscrowAddress(ctx, addr)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	if err := s.checkSlot(ctx, provider, svc, appt, now); err != nil {
		return nil, err
	}

	r := &model.Reservation{
		ID:              uuid.NewString(),
		EscrowAddress:   addr,
		ClientIdentity:  actor.Wallet,
		ProviderID:      provider.ID,
		ServiceID:       svc.ID,
		AppointmentTime: appt,
		DurationMinutes: svc.DurationMinutes,
		Amount:          svc.PriceAmount,
		Status:          model.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.SettlementTxRef != "" {
		if err := s.verify(ctx, req.SettlementTxRef); err != nil {
			return nil, err
		}
		ref := req.SettlementTxRef
		r.SettlementTxRef = &ref
		r.Status = model.StatusConfirmed
	}

	stored, created, err := s.reservations.Create(ctx, r)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: slot no longer available", ErrConflict)
		}
		return nil, err
	}
	if created {
		s.log.Info("reservation created",
			"reservation_id", stored.ID, "escrow", stored.EscrowAddress,
			"provider_id", stored.ProviderID, "status", stored.Status)
		s.publish(ctx, stored, actor.source())
	}
	return stored, nil
}

// Get returns a reservation to its client or its owning provider.
func (s *ReservationService) Get(ctx context.Context, actor Actor, id string) (*model.Reservation, error) {
	r, err := s.reservations.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reservation %s: %w", id, err)
	}
	if actor.Ledger || r.ClientIdentity == actor.Wallet {
		return r, nil
	}
	if err := s.authorize(ctx, actor, partyProvider, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ListMine lists the caller's own reservations, newest first.
func (s *ReservationService) ListMine(ctx context.Context, actor Actor, status model.ReservationStatus) ([]model.Reservation, error) {
	if actor.Wallet == "" {
		return nil, fmt.Errorf("%w: client identity required", ErrValidation)
	}
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	return s.reservations.ListByClient(ctx, actor.Wallet, status)
}

// ListForProvider lists the reservations of a provider owned by the caller.
func (s *ReservationService) ListForProvider(ctx context.Context, actor Actor, providerID string, status model.ReservationStatus) ([]model.Reservation, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	p, err := s.catalog.GetProvider(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", providerID, err)
	}
	if p.WalletAddress != actor.Wallet {
		return nil, fmt.Errorf("%w: not the provider owner", ErrUnauthorized)
	}
	return s.reservations.ListByProvider(ctx, providerID, status)
}

// AvailableSlots returns the slots of serviceID at providerID on date
// (YYYY-MM-DD, interpreted in the provider's timezone).
func (s *ReservationService) AvailableSlots(ctx context.Context, providerID, serviceID, date string) ([]slots.Slot, error) {
	provider, svc, err := s.lookup(ctx, providerID, serviceID)
	if err != nil {
		return nil, err
	}
	day, err := time.ParseInLocation("2006-01-02", date, provider.Location())
	if err != nil {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrValidation)
	}
	return s.daySlots(ctx, provider, svc, day, s.now())
}

// lookup loads a provider and one of its active services.
func (s *ReservationService) lookup(ctx context.Context, providerID, serviceID string) (*model.Provider, *model.Service, error) {
	provider, err := s.catalog.GetProvider(ctx, providerID)
	if err != nil {
		return nil, nil, fmt.Errorf("provider %s: %w", providerID, err)
	}
	svc, err := s.catalog.GetService(ctx, serviceID)
	if err != nil {
		return nil, nil, fmt.Errorf("service %s: %w", serviceID, err)
	}
	if svc.ProviderID != provider.ID {
		return nil, nil, fmt.Errorf("%w: service %s is not offered by provider %s", ErrValidation, serviceID, providerID)
	}
	if !svc.Active {
		return nil, nil, fmt.Errorf("%w: service %s is not active", ErrValidation, serviceID)
	}
	return provider, svc, nil
}

func (s *ReservationService) daySlots(ctx context.Context, p *model.Provider, svc *model.Service, day, now time.Time) ([]slots.Slot, error) {
	windows, err := s.catalog.ListWindows(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	loc := p.Location()
	y, m, d := day.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	// bookings from the neighbouring days can spill into this one
	active, err := s.reservations.ListActiveByProviderBetween(ctx, p.ID, start.Add(-24*time.Hour), start.Add(48*time.Hour))
	if err != nil {
		return nil, err
	}
	booked := make([]slots.Booked, 0, len(active))
	for _, r := range active {
		booked = append(booked, slots.Booked{Start: r.AppointmentTime, DurationMinutes: r.DurationMinutes})
	}
	out, err := slots.Calculate(slots.Input{
		Windows:         windows,
		DurationMinutes: svc.DurationMinutes,
		Date:            start,
		Location:        loc,
		Booked:          booked,
		Now:             now,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return out, nil
}

// checkSlot requires appt to be an offered, still available slot.
func (s *ReservationService) checkSlot(ctx context.Context, p *model.Provider, svc *model.Service, appt, now time.Time) error {
	list, err := s.daySlots(ctx, p, svc, appt, now)
	if err != nil {
		return err
	}
	for _, sl := range list {
		if !sl.Start.Equal(appt) {
			continue
		}
		if !sl.Available {
			return fmt.Errorf("%w: slot not available", ErrConflict)
		}
		return nil
	}
	return fmt.Errorf("%w: appointment does not match an offered slot", ErrValidation)
}

// verify checks ref on the ledger within the configured timeout.  An
// unconfirmed ref or a timeout is a verification failure; any other
// ledger error means the ledger could not be asked.
func (s *ReservationService) verify(ctx context.Context, ref string) error {
	if s.verifier == nil {
		return fmt.Errorf("%w: ledger verifier not configured", ErrExternalService)
	}
	vctx, cancel := context.WithTimeout(ctx, s.verifyTimeout)
	defer cancel()
	ok, err := s.verifier.Verify(vctx, ref)
	if err != nil {
		if vctx.Err() != nil {
			return fmt.Errorf("%w: %s: timed out", ErrVerificationFailed, ref)
		}
		return fmt.Errorf("%w: %v", ErrExternalService, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s is not confirmed", ErrVerificationFailed, ref)
	}
	return nil
}
