// Package queue defines the reservation lifecycle payloads exchanged over
// the message broker and the consumer that records them.
package queue

// ReservationEventsQueue is the durable queue lifecycle events are
// published to.
const ReservationEventsQueue = "reservation.events"

// Event sources.
const (
	SourceAPI    = "api"
	SourceLedger = "ledger"
)

// ReservationEvent is published after every applied reservation
// transition.  It carries enough of the reservation for downstream
// consumers to log, notify or aggregate without querying the primary
// database.  Money fields are decimal strings in native ledger units.
type ReservationEvent struct {
	ReservationID      string `json:"reservation_id"`
	EscrowAddress      string `json:"escrow_address"`
	Status             string `json:"status"`
	ProviderID         string `json:"provider_id"`
	ClientIdentity     string `json:"client_identity"`
	AppointmentTime    string `json:"appointment_time"`
	Amount             string `json:"amount"`
	RefundAmount       string `json:"refund_amount,omitempty"`
	ProviderFee        string `json:"provider_fee,omitempty"`
	PlatformCommission string `json:"platform_commission,omitempty"`
	SettlementTxRef    string `json:"settlement_tx_ref,omitempty"`
	Source             string `json:"source"`
	OccurredAt         string `json:"occurred_at"`
}
