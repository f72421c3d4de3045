package model

import "time"

// ReservationStatus is the lifecycle state of a reservation.  Values are
// stored verbatim in reservations.status.
type ReservationStatus string

const (
	StatusPending   ReservationStatus = "PENDING"
	StatusConfirmed ReservationStatus = "CONFIRMED"
	StatusCancelled ReservationStatus = "CANCELLED"
	StatusCompleted ReservationStatus = "COMPLETED"
	StatusNoShow    ReservationStatus = "NO_SHOW"
)

// Terminal reports whether no further transition may leave the status.
func (s ReservationStatus) Terminal() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusNoShow:
		return true
	}
	return false
}

// Active reports whether a reservation in this status still occupies its slot.
func (s ReservationStatus) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

// Valid reports whether s is one of the known statuses.
func (s ReservationStatus) Valid() bool {
	return s.Active() || s.Terminal()
}

// Reservation records a client's booking of a provider's service at a
// given appointment time, paid through an escrow account on the
// settlement ledger.
//
// Fields:
//
//	ID                 – UUID primary key.
//	EscrowAddress      – derived ledger address of the escrow account.
//	SettlementTxRef    – last verified ledger transaction, if any.
//	ClientIdentity     – wallet of the paying client.
//	ProviderID         – provider owning the slot.
//	ServiceID          – booked service.
//	AppointmentTime    – start of the slot (UTC).
//	DurationMinutes    – service duration copied at creation.
//	Amount             – escrowed amount in native units, copied from the
//	                     service price at creation.
//	RefundAmount       – amount returned to the client (terminal only).
//	ProviderFee        – amount paid to the provider (terminal only).
//	PlatformCommission – platform share (terminal only).
//	Status             – lifecycle state.
//	CancelledAt        – set when the reservation is cancelled.
//	CompletedAt        – set on completion or no-show.
type Reservation struct {
	ID                 string            `json:"id"`
	EscrowAddress      string            `json:"escrowAddress"`
	SettlementTxRef    *string           `json:"settlementTxRef,omitempty"`
	ClientIdentity     string            `json:"clientIdentity"`
	ProviderID         string            `json:"providerId"`
	ServiceID          string            `json:"serviceId"`
	AppointmentTime    time.Time         `json:"appointmentTime"`
	DurationMinutes    int               `json:"durationMinutes"`
	Amount             uint64            `json:"amount,string"`
	RefundAmount       *uint64           `json:"refundAmount,omitempty,string"`
	ProviderFee        *uint64           `json:"providerFee,omitempty,string"`
	PlatformCommission *uint64           `json:"platformCommission,omitempty,string"`
	Status             ReservationStatus `json:"status"`
	CancelledAt        *time.Time        `json:"cancelledAt,omitempty"`
	CompletedAt        *time.Time        `json:"completedAt,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// End returns the exclusive end of the reserved interval.
func (r *Reservation) End() time.Time {
	return r.AppointmentTime.Add(time.Duration(r.DurationMinutes) * time.Minute)
}

// Transition carries the fields written together with a status change.
// Nil pointers leave the stored column untouched.  EarningsCredit is added
// to the owning provider's total earnings in the same unit of work.
type Transition struct {
	Status             ReservationStatus
	SettlementTxRef    *string
	RefundAmount       *uint64
	ProviderFee        *uint64
	PlatformCommission *uint64
	CancelledAt        *time.Time
	CompletedAt        *time.Time
	EarningsCredit     uint64
	At                 time.Time
}

// Apply copies the transition onto r.
func (t Transition) Apply(r *Reservation) {
	r.Status = t.Status
	if t.SettlementTxRef != nil {
		ref := *t.SettlementTxRef
		r.SettlementTxRef = &ref
	}
	if t.RefundAmount != nil {
		r.RefundAmount = t.RefundAmount
	}
	if t.ProviderFee != nil {
		r.ProviderFee = t.ProviderFee
	}
	if t.PlatformCommission != nil {
		r.PlatformCommission = t.PlatformCommission
	}
	if t.CancelledAt != nil {
		r.CancelledAt = t.CancelledAt
	}
	if t.CompletedAt != nil {
		r.CompletedAt = t.CompletedAt
	}
	r.UpdatedAt = t.At
}
