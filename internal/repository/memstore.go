package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/escrow-reservation/internal/model"
	"github.com/iliyamo/escrow-reservation/internal/slots"
)

// MemoryStore keeps the catalog and reservations in process.  It satisfies
// the same contracts as CatalogRepo and ReservationRepo and is used with
// STORAGE=memory and in tests.  One mutex guards everything, which gives
// Create the same serialization the MySQL provider row lock gives.
type MemoryStore struct {
	mu           sync.Mutex
	providers    map[string]model.Provider
	services     map[string]model.Service
	windows      map[string][]model.AvailabilityWindow
	reservations map[string]model.Reservation
	byEscrow     map[string]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers:    map[string]model.Provider{},
		services:     map[string]model.Service{},
		windows:      map[string][]model.AvailabilityWindow{},
		reservations: map[string]model.Reservation{},
		byEscrow:     map[string]string{},
	}
}

// CatalogSeed is the JSON layout accepted by LoadCatalogFile.
type CatalogSeed struct {
	Providers []model.Provider           `json:"providers"`
	Services  []model.Service            `json:"services"`
	Windows   []model.AvailabilityWindow `json:"windows"`
}

// LoadCatalogFile seeds the catalog from a JSON file.
func (m *MemoryStore) LoadCatalogFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var seed CatalogSeed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse catalog %s: %w", path, err)
	}
	for _, p := range seed.Providers {
		m.PutProvider(p)
	}
	for _, s := range seed.Services {
		m.PutService(s)
	}
	byProvider := map[string][]model.AvailabilityWindow{}
	for _, w := range seed.Windows {
		byProvider[w.ProviderID] = append(byProvider[w.ProviderID], w)
	}
	for id, ws := range byProvider {
		m.PutWindows(id, ws)
	}
	return nil
}

func (m *MemoryStore) PutProvider(p model.Provider) {
	m.mu.Lock()
	m.providers[p.ID] = p
	m.mu.Unlock()
}

func (m *MemoryStore) PutService(s model.Service) {
	m.mu.Lock()
	m.services[s.ID] = s
	m.mu.Unlock()
}

// PutWindows replaces the availability windows of a provider.
func (m *MemoryStore) PutWindows(providerID string, ws []model.AvailabilityWindow) {
	m.mu.Lock()
	m.windows[providerID] = append([]model.AvailabilityWindow(nil), ws...)
	m.mu.Unlock()
}

func (m *MemoryStore) GetProvider(_ context.Context, id string) (*model.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) GetService(_ context.Context, id string) (*model.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) ListWindows(_ context.Context, providerID string) ([]model.AvailabilityWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AvailabilityWindow(nil), m.windows[providerID]...), nil
}

func (m *MemoryStore) Create(_ context.Context, r *model.Reservation) (*model.Reservation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[r.ProviderID]; !ok {
		return nil, false, ErrNotFound
	}
	if id, ok := m.byEscrow[r.EscrowAddress]; ok {
		existing := m.reservations[id]
		return &existing, false, nil
	}
	for _, other := range m.reservations {
		if other.ProviderID != r.ProviderID || !other.Status.Active() {
			continue
		}
		if slots.Overlaps(r.AppointmentTime, r.End(), other.AppointmentTime, other.End()) {
			return nil, false, fmt.Errorf("%w: overlaps reservation %s", ErrConflict, other.ID)
		}
	}
	m.reservations[r.ID] = *r
	m.byEscrow[r.EscrowAddress] = r.ID
	stored := *r
	return &stored, true, nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*model.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryStore) GetByEscrowAddress(_ context.Context, addr string) (*model.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEscrow[addr]
	if !ok {
		return nil, ErrNotFound
	}
	r := m.reservations[id]
	return &r, nil
}

func (m *MemoryStore) GetBySettlementRef(_ context.Context, ref string) (*model.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reservations {
		if r.SettlementTxRef != nil && *r.SettlementTxRef == ref {
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByClient(_ context.Context, client string, status model.ReservationStatus) ([]model.Reservation, error) {
	return m.list(func(r model.Reservation) bool {
		return r.ClientIdentity == client && (status == "" || r.Status == status)
	}, byCreatedDesc), nil
}

func (m *MemoryStore) ListByProvider(_ context.Context, providerID string, status model.ReservationStatus) ([]model.Reservation, error) {
	return m.list(func(r model.Reservation) bool {
		return r.ProviderID == providerID && (status == "" || r.Status == status)
	}, byCreatedDesc), nil
}

func (m *MemoryStore) ListActiveByProviderBetween(_ context.Context, providerID string, from, to time.Time) ([]model.Reservation, error) {
	return m.list(func(r model.Reservation) bool {
		return r.ProviderID == providerID && r.Status.Active() &&
			!r.AppointmentTime.Before(from) && r.AppointmentTime.Before(to)
	}, byAppointmentAsc), nil
}

func (m *MemoryStore) UpdateIf(_ context.Context, id string, expected model.ReservationStatus, t model.Transition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != expected {
		return false, nil
	}
	t.Apply(&r)
	m.reservations[id] = r
	if t.EarningsCredit > 0 {
		p := m.providers[r.ProviderID]
		p.TotalEarnings += t.EarningsCredit
		m.providers[r.ProviderID] = p
	}
	return true, nil
}

func (m *MemoryStore) list(keep func(model.Reservation) bool, less func(a, b model.Reservation) bool) []model.Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Reservation{}
	for _, r := range m.reservations {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func byCreatedDesc(a, b model.Reservation) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func byAppointmentAsc(a, b model.Reservation) bool {
	return a.AppointmentTime.Before(b.AppointmentTime)
}
