package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iliyamo/escrow-reservation/internal/model"
)

func seededMemory() *MemoryStore {
	m := NewMemoryStore()
	m.PutProvider(model.Provider{ID: "p1", WalletAddress: "Owner111"})
	return m
}

func TestMemoryCreateOverlapAndIdempotence(t *testing.T) {
	ctx := context.Background()
	m := seededMemory()

	first := newReservation()
	if _, created, err := m.Create(ctx, first); err != nil || !created {
		t.Fatalf("first create = %v, %v", created, err)
	}

	again := newReservation()
	again.ID = "r-dup"
	stored, created, err := m.Create(ctx, again)
	if err != nil || created || stored.ID != "r1" {
		t.Fatalf("same escrow: stored=%v created=%v err=%v", stored, created, err)
	}

	overlapping := newReservation()
	overlapping.ID = "r2"
	overlapping.EscrowAddress = "Escrow222"
	overlapping.AppointmentTime = appt.Add(15 * time.Minute)
	if _, _, err := m.Create(ctx, overlapping); !errors.Is(err, ErrConflict) {
		t.Fatalf("overlap err = %v, want ErrConflict", err)
	}

	adjacent := newReservation()
	adjacent.ID = "r3"
	adjacent.EscrowAddress = "Escrow333"
	adjacent.AppointmentTime = appt.Add(30 * time.Minute)
	if _, created, err := m.Create(ctx, adjacent); err != nil || !created {
		t.Fatalf("adjacent create = %v, %v", created, err)
	}
}

func TestMemoryUpdateIf(t *testing.T) {
	ctx := context.Background()
	m := seededMemory()
	r := newReservation()
	r.Status = model.StatusConfirmed
	_, _, _ = m.Create(ctx, r)

	fee := uint64(97)
	tr := model.Transition{Status: model.StatusCompleted, ProviderFee: &fee, EarningsCredit: fee, At: time.Now()}
	ok, err := m.UpdateIf(ctx, "r1", model.StatusConfirmed, tr)
	if err != nil || !ok {
		t.Fatalf("first update = %v, %v", ok, err)
	}
	ok, err = m.UpdateIf(ctx, "r1", model.StatusConfirmed, tr)
	if err != nil || ok {
		t.Fatalf("second update = %v, %v; want false", ok, err)
	}
	p, _ := m.GetProvider(ctx, "p1")
	if p.TotalEarnings != 97 {
		t.Fatalf("earnings = %d, want 97", p.TotalEarnings)
	}

	// a terminal reservation frees the slot
	next := newReservation()
	next.ID = "r2"
	next.EscrowAddress = "Escrow222"
	if _, created, err := m.Create(ctx, next); err != nil || !created {
		t.Fatalf("rebook after completion = %v, %v", created, err)
	}
}

func TestMemoryLookups(t *testing.T) {
	ctx := context.Background()
	m := seededMemory()
	r := newReservation()
	ref := "sig-9"
	r.SettlementTxRef = &ref
	_, _, _ = m.Create(ctx, r)

	if got, err := m.GetBySettlementRef(ctx, "sig-9"); err != nil || got.ID != "r1" {
		t.Fatalf("by ref = %v, %v", got, err)
	}
	if _, err := m.GetByEscrowAddress(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing escrow err = %v", err)
	}
	active, _ := m.ListActiveByProviderBetween(ctx, "p1", appt.Add(-time.Hour), appt.Add(time.Hour))
	if len(active) != 1 {
		t.Fatalf("active = %d, want 1", len(active))
	}
	active, _ = m.ListActiveByProviderBetween(ctx, "p1", appt.Add(time.Minute), appt.Add(time.Hour))
	if len(active) != 0 {
		t.Fatalf("active after start = %d, want 0", len(active))
	}
	mine, _ := m.ListByClient(ctx, "Client111", model.StatusConfirmed)
	if len(mine) != 0 {
		t.Fatalf("confirmed = %d, want 0", len(mine))
	}
}
