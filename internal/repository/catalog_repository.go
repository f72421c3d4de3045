package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/escrow-reservation/internal/model"
)

// CatalogRepo reads providers, services and availability windows.  The
// catalog is maintained by another system; this service only reads it and
// credits provider earnings through ReservationRepo.UpdateIf.
type CatalogRepo struct {
	db *sql.DB
}

// NewCatalogRepo returns a new CatalogRepo bound to the given database.
func NewCatalogRepo(db *sql.DB) *CatalogRepo { return &CatalogRepo{db: db} }

// GetProvider returns ErrNotFound when no provider has the given id.
func (r *CatalogRepo) GetProvider(ctx context.Context, id string) (*model.Provider, error) {
	const q = `SELECT id, name, wallet_address, timezone, total_earnings, created_at FROM providers WHERE id = ?`
	var p model.Provider
	err := r.db.QueryRowContext(ctx, q, id).Scan(&p.ID, &p.Name, &p.WalletAddress, &p.Timezone, &p.TotalEarnings, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetService returns ErrNotFound when no service has the given id.
func (r *CatalogRepo) GetService(ctx context.Context, id string) (*model.Service, error) {
	const q = `SELECT id, provider_id, name, price_amount, duration_minutes, active FROM services WHERE id = ?`
	var s model.Service
	err := r.db.QueryRowContext(ctx, q, id).Scan(&s.ID, &s.ProviderID, &s.Name, &s.PriceAmount, &s.DurationMinutes, &s.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListWindows returns every window of the provider ordered by weekday.
func (r *CatalogRepo) ListWindows(ctx context.Context, providerID string) ([]model.AvailabilityWindow, error) {
	const q = `SELECT provider_id, day_of_week, start_time, end_time, active
	           FROM availability_windows WHERE provider_id = ? ORDER BY day_of_week, start_time`
	rows, err := r.db.QueryContext(ctx, q, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.AvailabilityWindow{}
	for rows.Next() {
		var w model.AvailabilityWindow
		if err := rows.Scan(&w.ProviderID, &w.DayOfWeek, &w.StartTime, &w.EndTime, &w.Active); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
