package reconcile

import (
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/iliyamo/escrow-reservation/internal/escrow"
	"github.com/iliyamo/escrow-reservation/internal/ledger"
	"github.com/iliyamo/escrow-reservation/internal/model"
	"github.com/iliyamo/escrow-reservation/internal/repository"
	"github.com/iliyamo/escrow-reservation/internal/service"
	"github.com/iliyamo/escrow-reservation/internal/settlement"
	"github.com/iliyamo/escrow-reservation/internal/ttlstore"
)

func key(label string) string {
	return escrow.PublicKey(sha256.Sum256([]byte(label))).String()
}

var (
	clientWallet   = key("client")
	providerWallet = key("provider-owner")
	programID      = key("escrow-program")

	start       = time.Date(2030, 1, 6, 4, 0, 0, 0, time.UTC)
	appointment = time.Date(2030, 1, 7, 10, 0, 0, 0, time.UTC)
)

type fakeLedger struct {
	mu      sync.Mutex
	txs     map[string]*ledger.Transaction
	block   bool
	onBatch func(ledger.LogBatch)
	subs    int
	unsubs  int
}

func (f *fakeLedger) put(sig string, at time.Time, logs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bt := at
	f.txs[sig] = &ledger.Transaction{Signature: sig, Slot: 1, BlockTime: &bt, Logs: logs}
}

func (f *fakeLedger) Verify(ctx context.Context, ref string) (bool, error) {
	tx, err := f.GetTransaction(ctx, ref)
	return tx != nil && !tx.Failed, err
}

func (f *fakeLedger) GetTransaction(ctx context.Context, ref string) (*ledger.Transaction, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txs[ref], nil
}

func (f *fakeLedger) Subscribe(_ context.Context, _ string, onBatch func(ledger.LogBatch)) (ledger.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs++
	f.onBatch = onBatch
	return feed{f}, nil
}

func (f *fakeLedger) Ping(context.Context) error { return nil }

func (f *fakeLedger) deliver(b ledger.LogBatch) {
	f.mu.Lock()
	fn := f.onBatch
	f.mu.Unlock()
	fn(b)
}

type feed struct{ f *fakeLedger }

func (s feed) Unsubscribe() error {
	s.f.mu.Lock()
	s.f.unsubs++
	s.f.mu.Unlock()
	return nil
}

type fixture struct {
	rec    *Service
	svc    *service.ReservationService
	store  *repository.MemoryStore
	ledger *fakeLedger
	dedupe *ttlstore.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	store.PutProvider(model.Provider{ID: "p1", Name: "Salon", WalletAddress: providerWallet, Timezone: "UTC"})
	store.PutService(model.Service{ID: "s1", ProviderID: "p1", Name: "Cut", PriceAmount: 100_000_000, DurationMinutes: 30, Active: true})
	var windows []model.AvailabilityWindow
	for d := 0; d < 7; d++ {
		windows = append(windows, model.AvailabilityWindow{ProviderID: "p1", DayOfWeek: d, StartTime: "09:00", EndTime: "17:00", Active: true})
	}
	store.PutWindows("p1", windows)

	deriver, err := escrow.NewDeriver(programID)
	if err != nil {
		t.Fatalf("deriver: %v", err)
	}
	engine, err := settlement.New(settlement.DefaultUnitRate, settlement.DefaultCommissionBps)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	fl := &fakeLedger{txs: map[string]*ledger.Transaction{}}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.NewReservationService(store, store, deriver, engine).
		WithVerifier(fl).
		WithLogger(quiet).
		WithClock(func() time.Time { return start })
	dedupe := ttlstore.NewMemoryStore(1000, time.Hour)
	rec := New(fl, programID, store, svc, dedupe).
		WithLogger(quiet).
		WithVerifyTimeout(50 * time.Millisecond)
	return &fixture{rec: rec, svc: svc, store: store, ledger: fl, dedupe: dedupe}
}

func (f *fixture) pending(t *testing.T) *model.Reservation {
	t.Helper()
	r, err := f.svc.Create(context.Background(), service.Caller(clientWallet), service.CreateRequest{
		ProviderID: "p1", ServiceID: "s1", AppointmentTime: appointment,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return r
}

func (f *fixture) status(t *testing.T, id string) *model.Reservation {
	t.Helper()
	r, err := f.store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return r
}

func anchorAccount(t *testing.T, addr string) []byte {
	t.Helper()
	pk, err := escrow.ParsePublicKey(addr)
	if err != nil {
		t.Fatalf("parse %s: %v", addr, err)
	}
	return pk.Bytes()
}

func TestHandleBatchAppliesLifecycleFromFeed(t *testing.T) {
	f := newFixture(t)
	r := f.pending(t)
	acct := anchorAccount(t, r.EscrowAddress)
	ctx := context.Background()

	f.ledger.put("sig-create", start, programData("ReservationCreated", acct))
	out := f.rec.HandleBatch(ctx, ledger.LogBatch{Signature: "sig-create", Logs: []string{programData("ReservationCreated", acct)}})
	if len(out) != 1 || out[0].Result != OutcomeApplied || out[0].Status != model.StatusConfirmed {
		t.Fatalf("create outcome = %+v", out)
	}

	// cancelled on the ledger 30h before the appointment
	f.ledger.put("sig-cancel", start, programData("ReservationCancelled", acct))
	out = f.rec.HandleBatch(ctx, ledger.LogBatch{Signature: "sig-cancel", Logs: []string{programData("ReservationCancelled", acct)}})
	if len(out) != 1 || out[0].Result != OutcomeApplied {
		t.Fatalf("cancel outcome = %+v", out)
	}
	got := f.status(t, r.ID)
	if got.Status != model.StatusCancelled || got.RefundAmount == nil || *got.RefundAmount != 80_000_000 {
		t.Fatalf("reservation after cancel = %+v", got)
	}
	if got.CancelledAt == nil || !got.CancelledAt.Equal(start) {
		t.Fatalf("cancelled at = %v, want block time %v", got.CancelledAt, start)
	}

	// redelivery of the same transaction is claimed already
	out = f.rec.HandleBatch(ctx, ledger.LogBatch{Signature: "sig-cancel", Logs: []string{programData("ReservationCancelled", acct)}})
	if len(out) != 1 || out[0].Result != OutcomeDuplicate {
		t.Fatalf("redelivery outcome = %+v", out)
	}
}

func TestHandleBatchIgnoresFailedTransactions(t *testing.T) {
	f := newFixture(t)
	r := f.pending(t)
	acct := anchorAccount(t, r.EscrowAddress)

	out := f.rec.HandleBatch(context.Background(), ledger.LogBatch{Signature: "sig-x", Failed: true, Logs: []string{programData("ReservationCreated", acct)}})
	if len(out) != 0 {
		t.Fatalf("outcomes = %+v, want none", out)
	}
	if got := f.status(t, r.ID); got.Status != model.StatusPending {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestUnverifiedEventReleasesClaim(t *testing.T) {
	f := newFixture(t)
	r := f.pending(t)
	ev := Event{Kind: KindCreated, TxRef: "sig-late", EscrowAddress: r.EscrowAddress}
	ctx := context.Background()

	if _, err := f.rec.Process(ctx, ev); !errors.Is(err, service.ErrVerificationFailed) {
		t.Fatalf("err = %v, want ErrVerificationFailed", err)
	}

	// the transaction confirms later; the next delivery goes through
	f.ledger.put("sig-late", start)
	o, err := f.rec.Process(ctx, ev)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if o.Result != OutcomeApplied || o.Status != model.StatusConfirmed {
		t.Fatalf("outcome = %+v", o)
	}
}

func TestVerifyTimeoutIsVerificationFailure(t *testing.T) {
	f := newFixture(t)
	r := f.pending(t)
	f.ledger.block = true

	_, err := f.rec.Process(context.Background(), Event{Kind: KindCreated, TxRef: "sig-slow", EscrowAddress: r.EscrowAddress})
	if !errors.Is(err, service.ErrVerificationFailed) {
		t.Fatalf("err = %v, want ErrVerificationFailed", err)
	}
}

func TestEventForUnknownReservationIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.ledger.put("sig-orphan", start)
	ev := Event{Kind: KindCancelled, TxRef: "sig-orphan"}

	for i := 0; i < 2; i++ {
		o, err := f.rec.Process(context.Background(), ev)
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if o.Result != OutcomeIgnored {
			t.Fatalf("attempt %d outcome = %+v", i, o)
		}
	}
}

func TestNotPermittedTransitionIsNoop(t *testing.T) {
	f := newFixture(t)
	r := f.pending(t)
	ctx := context.Background()
	f.ledger.put("sig-cancel", start)
	if _, err := f.rec.Process(ctx, Event{Kind: KindCancelled, TxRef: "sig-cancel", EscrowAddress: r.EscrowAddress}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	f.ledger.put("sig-complete", appointment)
	o, err := f.rec.Process(ctx, Event{Kind: KindCompleted, TxRef: "sig-complete", EscrowAddress: r.EscrowAddress})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if o.Result != OutcomeIgnored || o.Status != model.StatusCancelled {
		t.Fatalf("outcome = %+v", o)
	}
}

func TestCancelBeforeCreateSettlesReservation(t *testing.T) {
	f := newFixture(t)
	r := f.pending(t)
	acct := anchorAccount(t, r.EscrowAddress)
	ctx := context.Background()
	create := ledger.LogBatch{Signature: "sig-create", Logs: []string{programData("ReservationCreated", acct)}}
	cancel := ledger.LogBatch{Signature: "sig-cancel", Logs: []string{programData("ReservationCancelled", acct)}}
	f.ledger.put("sig-create", start.Add(-time.Minute), create.Logs...)
	f.ledger.put("sig-cancel", start, cancel.Logs...)

	out := f.rec.HandleBatch(ctx, cancel)
	if len(out) != 1 || out[0].Result != OutcomeApplied || out[0].Status != model.StatusCancelled {
		t.Fatalf("cancel outcome = %+v", out)
	}
	out = f.rec.HandleBatch(ctx, create)
	if len(out) != 1 || out[0].Result != OutcomeIgnored {
		t.Fatalf("late create outcome = %+v", out)
	}

	got := f.status(t, r.ID)
	if got.Status != model.StatusCancelled || got.RefundAmount == nil || *got.RefundAmount != 80_000_000 {
		t.Fatalf("reservation = %+v", got)
	}
	if got.SettlementTxRef == nil || *got.SettlementTxRef != "sig-cancel" {
		t.Fatalf("settlement ref = %v", got.SettlementTxRef)
	}
	if _, err := f.svc.Complete(ctx, service.Caller(providerWallet), service.TransitionRequest{ReservationID: r.ID}); !errors.Is(err, service.ErrInvalidState) {
		t.Fatalf("provider complete err = %v, want ErrInvalidState", err)
	}
}

func TestSyncConfirmsPendingFromFundingTransaction(t *testing.T) {
	f := newFixture(t)
	r := f.pending(t)
	f.ledger.put("sig-fund", start, "Program log: Instruction: CreateReservation")

	out, err := f.rec.Sync(context.Background(), r.ID, "sig-fund")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(out) != 1 || out[0].Result != OutcomeApplied || out[0].Status != model.StatusConfirmed {
		t.Fatalf("outcomes = %+v", out)
	}

	// syncing again reuses the stored reference and changes nothing
	out, err = f.rec.Sync(context.Background(), r.ID, "")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(out) != 1 || out[0].Result != OutcomeIgnored {
		t.Fatalf("second outcomes = %+v", out)
	}
}

func TestSyncTextMarkersApplyToTargetReservation(t *testing.T) {
	f := newFixture(t)
	r := f.pending(t)
	f.ledger.put("sig-fund", start)
	if _, err := f.rec.Sync(context.Background(), r.ID, "sig-fund"); err != nil {
		t.Fatalf("confirm sync: %v", err)
	}

	f.ledger.put("sig-noshow", appointment.Add(time.Hour), "Program log: ReservationNoShow")
	out, err := f.rec.Sync(context.Background(), r.ID, "sig-noshow")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(out) != 1 || out[0].Status != model.StatusNoShow {
		t.Fatalf("outcomes = %+v", out)
	}
	got := f.status(t, r.ID)
	if got.ProviderFee == nil || got.PlatformCommission == nil || *got.ProviderFee+*got.PlatformCommission != r.Amount {
		t.Fatalf("no-show split = %+v", got)
	}
}

func TestSyncRequiresReference(t *testing.T) {
	f := newFixture(t)
	r := f.pending(t)
	if _, err := f.rec.Sync(context.Background(), r.ID, ""); !errors.Is(err, service.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if _, err := f.rec.Sync(context.Background(), "missing", "sig"); !errors.Is(err, service.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestWebhookTransactionConfirmsPending(t *testing.T) {
	f := newFixture(t)
	r := f.pending(t)
	f.ledger.put("sig-fund", start)

	out, err := f.rec.HandleWebhook(context.Background(), WebhookEvent{EventType: "TRANSACTION", TransactionRef: "sig-fund", EscrowAddress: r.EscrowAddress})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if len(out) != 1 || out[0].Status != model.StatusConfirmed {
		t.Fatalf("outcomes = %+v", out)
	}
}

func TestWebhookNamedEvent(t *testing.T) {
	f := newFixture(t)
	r := f.pending(t)
	f.ledger.put("sig-fund", start)

	out, err := f.rec.HandleWebhook(context.Background(), WebhookEvent{EventType: "ReservationCreated", TransactionRef: "sig-fund", EscrowAddress: r.EscrowAddress})
	if err != nil || len(out) != 1 || out[0].Result != OutcomeApplied {
		t.Fatalf("webhook = %+v, %v", out, err)
	}

	if _, err := f.rec.HandleWebhook(context.Background(), WebhookEvent{EventType: "Refunded", TransactionRef: "sig-fund"}); !errors.Is(err, service.ErrValidation) {
		t.Fatalf("unknown type err = %v", err)
	}
	if _, err := f.rec.HandleWebhook(context.Background(), WebhookEvent{EventType: "TRANSACTION"}); !errors.Is(err, service.ErrValidation) {
		t.Fatalf("missing ref err = %v", err)
	}
}

func TestWebhookTransactionWithoutReservation(t *testing.T) {
	f := newFixture(t)
	f.ledger.put("sig-other", start)

	out, err := f.rec.HandleWebhook(context.Background(), WebhookEvent{EventType: "TRANSACTION", TransactionRef: "sig-other"})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if len(out) != 1 || out[0].Result != OutcomeIgnored {
		t.Fatalf("outcomes = %+v", out)
	}
}

func TestStartIsIdempotentAndStopDrains(t *testing.T) {
	f := newFixture(t)
	r := f.pending(t)
	acct := anchorAccount(t, r.EscrowAddress)
	f.ledger.put("sig-create", start)

	sub, err := f.rec.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	again, err := f.rec.Start(context.Background())
	if err != nil || again != sub {
		t.Fatalf("second start = %p, %v; want %p", again, err, sub)
	}
	if f.ledger.subs != 1 {
		t.Fatalf("subscribe calls = %d", f.ledger.subs)
	}

	f.ledger.deliver(ledger.LogBatch{Signature: "sig-create", Logs: []string{programData("ReservationCreated", acct)}})

	if err := f.rec.Stop(sub); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := f.rec.Stop(sub); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if f.ledger.unsubs != 1 {
		t.Fatalf("unsubscribe calls = %d", f.ledger.unsubs)
	}
	if got := f.status(t, r.ID); got.Status != model.StatusConfirmed {
		t.Fatalf("status after drain = %s", got.Status)
	}

	// a stopped reconciler can be started again
	next, err := f.rec.Start(context.Background())
	if err != nil || next == sub {
		t.Fatalf("restart = %p, %v", next, err)
	}
	_ = f.rec.Stop(next)
}
