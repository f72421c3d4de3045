package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/escrow-reservation/internal/model"
)

// ReservationRepo persists reservations in MySQL.  All timestamps are
// stored in UTC.
type ReservationRepo struct {
	db *sql.DB
}

// NewReservationRepo returns a new ReservationRepo bound to the given database.
func NewReservationRepo(db *sql.DB) *ReservationRepo { return &ReservationRepo{db: db} }

const reservationColumns = `id, escrow_address, settlement_tx_ref, client_identity, provider_id, service_id,
       appointment_time, duration_minutes, amount, refund_amount, provider_fee, platform_commission,
       status, cancelled_at, completed_at, created_at, updated_at`

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*model.Reservation, error) {
	var (
		r                        model.Reservation
		ref                      sql.NullString
		status                   string
		refund, fee, commission  sql.Null[uint64]
		cancelledAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.EscrowAddress, &ref, &r.ClientIdentity, &r.ProviderID, &r.ServiceID,
		&r.AppointmentTime, &r.DurationMinutes, &r.Amount, &refund, &fee, &commission,
		&status, &cancelledAt, &completedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Status = model.ReservationStatus(status)
	if ref.Valid {
		r.SettlementTxRef = &ref.String
	}
	r.RefundAmount = nullUint(refund)
	r.ProviderFee = nullUint(fee)
	r.PlatformCommission = nullUint(commission)
	if cancelledAt.Valid {
		t := cancelledAt.Time.UTC()
		r.CancelledAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		r.CompletedAt = &t
	}
	r.AppointmentTime = r.AppointmentTime.UTC()
	return &r, nil
}

func nullUint(v sql.Null[uint64]) *uint64 {
	if !v.Valid {
		return nil
	}
	n := v.V
	return &n
}

func scanReservations(rows *sql.Rows) ([]model.Reservation, error) {
	defer rows.Close()
	out := []model.Reservation{}
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Create inserts res.  The provider row is locked for the duration of the
// transaction so concurrent bookings of one provider are serialized and
// the overlap check below cannot race another insert.
func (r *ReservationRepo) Create(ctx context.Context, res *model.Reservation) (*model.Reservation, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var providerID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM providers WHERE id = ? FOR UPDATE`, res.ProviderID).Scan(&providerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}

	existing, err := scanReservation(tx.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE escrow_address = ?`, res.EscrowAddress))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	// half-open overlap with any active booking of the provider
	const overlapQ = `SELECT COUNT(*) FROM reservations
	                  WHERE provider_id = ? AND status IN ('PENDING','CONFIRMED')
	                    AND appointment_time < ?
	                    AND DATE_ADD(appointment_time, INTERVAL duration_minutes MINUTE) > ?`
	var overlapping int
	if err := tx.QueryRowContext(ctx, overlapQ, res.ProviderID, res.End(), res.AppointmentTime).Scan(&overlapping); err != nil {
		return nil, false, err
	}
	if overlapping > 0 {
		return nil, false, fmt.Errorf("%w: slot overlaps an active reservation", ErrConflict)
	}

	const ins = `INSERT INTO reservations
	    (id, escrow_address, settlement_tx_ref, client_identity, provider_id, service_id,
	     appointment_time, duration_minutes, amount, status, created_at, updated_at)
	    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, ins,
		res.ID, res.EscrowAddress, res.SettlementTxRef, res.ClientIdentity, res.ProviderID, res.ServiceID,
		res.AppointmentTime, res.DurationMinutes, res.Amount, string(res.Status), res.CreatedAt, res.UpdatedAt)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
			return nil, false, fmt.Errorf("%w: %s", ErrConflict, me.Message)
		}
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	committed = true
	stored := *res
	return &stored, true, nil
}

func (r *ReservationRepo) GetByID(ctx context.Context, id string) (*model.Reservation, error) {
	return scanReservation(r.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id))
}

func (r *ReservationRepo) GetByEscrowAddress(ctx context.Context, addr string) (*model.Reservation, error) {
	return scanReservation(r.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE escrow_address = ?`, addr))
}

func (r *ReservationRepo) GetBySettlementRef(ctx context.Context, ref string) (*model.Reservation, error) {
	return scanReservation(r.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE settlement_tx_ref = ? LIMIT 1`, ref))
}

// ListByClient returns the client's reservations, newest first.  An empty
// status returns all of them.
func (r *ReservationRepo) ListByClient(ctx context.Context, client string, status model.ReservationStatus) ([]model.Reservation, error) {
	return r.listBy(ctx, "client_identity", client, status)
}

// ListByProvider returns a provider's reservations, newest first.
func (r *ReservationRepo) ListByProvider(ctx context.Context, providerID string, status model.ReservationStatus) ([]model.Reservation, error) {
	return r.listBy(ctx, "provider_id", providerID, status)
}

func (r *ReservationRepo) listBy(ctx context.Context, column, value string, status model.ReservationStatus) ([]model.Reservation, error) {
	q := `SELECT ` + reservationColumns + ` FROM reservations WHERE ` + column + ` = ?`
	args := []any{value}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, id`
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanReservations(rows)
}

// ListActiveByProviderBetween returns PENDING and CONFIRMED reservations
// of a provider whose appointment falls in [from, to), earliest first.
func (r *ReservationRepo) ListActiveByProviderBetween(ctx context.Context, providerID string, from, to time.Time) ([]model.Reservation, error) {
	const q = `SELECT ` + reservationColumns + ` FROM reservations
	           WHERE provider_id = ? AND status IN ('PENDING','CONFIRMED')
	             AND appointment_time >= ? AND appointment_time < ?
	           ORDER BY appointment_time`
	rows, err := r.db.QueryContext(ctx, q, providerID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	return scanReservations(rows)
}

// UpdateIf applies t when the stored status still equals expected.  The
// earnings credit is added to the owning provider in the same transaction
// so a reader never sees one without the other.
func (r *ReservationRepo) UpdateIf(ctx context.Context, id string, expected model.ReservationStatus, t model.Transition) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	const upd = `UPDATE reservations SET
	    status = ?,
	    settlement_tx_ref = COALESCE(?, settlement_tx_ref),
	    refund_amount = COALESCE(?, refund_amount),
	    provider_fee = COALESCE(?, provider_fee),
	    platform_commission = COALESCE(?, platform_commission),
	    cancelled_at = COALESCE(?, cancelled_at),
	    completed_at = COALESCE(?, completed_at),
	    updated_at = ?
	    WHERE id = ? AND status = ?`
	res, err := tx.ExecContext(ctx, upd,
		string(t.Status), t.SettlementTxRef, t.RefundAmount, t.ProviderFee, t.PlatformCommission,
		t.CancelledAt, t.CompletedAt, t.At, id, string(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if t.EarningsCredit > 0 {
		const credit = `UPDATE providers p JOIN reservations r ON r.provider_id = p.id
		                SET p.total_earnings = p.total_earnings + ?
		                WHERE r.id = ?`
		if _, err := tx.ExecContext(ctx, credit, t.EarningsCredit, id); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}
