// Package settlement computes how an escrowed amount is split between the
// client, the provider and the platform when a reservation ends.  All
// arithmetic is integer-only on native ledger units; products are taken at
// 128 bits so large amounts cannot overflow before the division.
package settlement

import (
	"errors"
	"math"
	"math/bits"
	"time"
)

// Defaults mirror the deployed escrow program.
const (
	DefaultUnitRate      uint64 = 50_000_000 // native units per fiat unit
	DefaultCommissionBps uint64 = 300
	bpsDenominator       uint64 = 10_000
)

// ErrInvalidRate is returned by New for a commission above 100%.
var ErrInvalidRate = errors.New("commission bps must be between 0 and 10000")

// Tier is one row of the cancellation policy.  A tier applies when the
// time left until the appointment is strictly greater than Above.
type Tier struct {
	Above     time.Duration
	RefundPct uint64
	FixedFee  uint64 // fiat-equivalent units
}

// CancellationTiers is ordered from the most to the least generous tier.
// The last tier catches everything at or past the appointment.
var CancellationTiers = []Tier{
	{Above: 48 * time.Hour, RefundPct: 100, FixedFee: 0},
	{Above: 24 * time.Hour, RefundPct: 80, FixedFee: 2},
	{Above: 0, RefundPct: 50, FixedFee: 5},
	{Above: time.Duration(math.MinInt64), RefundPct: 0, FixedFee: 10},
}

// TierFor returns the tier for the given time until the appointment.
func TierFor(until time.Duration) Tier {
	for _, t := range CancellationTiers {
		if until > t.Above {
			return t
		}
	}
	return CancellationTiers[len(CancellationTiers)-1]
}

// Split is the outcome of a settlement.  RefundAmount, ProviderFee and
// PlatformCommission always add up to the settled amount.  The remaining
// fields explain how a cancellation split was reached.
type Split struct {
	Amount             uint64        `json:"amount,string"`
	RefundAmount       uint64        `json:"refundAmount,string"`
	ProviderFee        uint64        `json:"providerFee,string"`
	PlatformCommission uint64        `json:"platformCommission,string"`
	RefundPct          uint64        `json:"refundPercentage"`
	BaseRefund         uint64        `json:"baseRefund,string"`
	FeeNative          uint64        `json:"feeNative,string"`
	Residual           uint64        `json:"residual,string"`
	Until              time.Duration `json:"-"`
}

// HoursUntil reports the cancellation lead time in whole hours, truncated
// toward zero.
func (s Split) HoursUntil() int64 { return int64(s.Until / time.Hour) }

// Engine applies the platform's fee policy.
type Engine struct {
	unitRate      uint64
	commissionBps uint64
}

// New returns an engine converting fixed fees at unitRate native units per
// fiat unit and charging commissionBps basis points.
func New(unitRate, commissionBps uint64) (*Engine, error) {
	if commissionBps > bpsDenominator {
		return nil, ErrInvalidRate
	}
	return &Engine{unitRate: unitRate, commissionBps: commissionBps}, nil
}

// CommissionBps returns the configured platform rate.
func (e *Engine) CommissionBps() uint64 { return e.commissionBps }

// Cancellation splits amount for a cancellation at instant at.  The fixed
// fee is capped at what is left after the base refund, and whatever the
// fee does not consume goes back to the client with the refund.
func (e *Engine) Cancellation(amount uint64, appointment, at time.Time) Split {
	until := appointment.Sub(at)
	tier := TierFor(until)

	baseRefund := mulDiv(amount, tier.RefundPct, 100)
	feeNative := satMul(tier.FixedFee, e.unitRate)
	if rest := amount - baseRefund; feeNative > rest {
		feeNative = rest
	}
	commission := mulDiv(feeNative, e.commissionBps, bpsDenominator)
	residual := amount - baseRefund - feeNative

	return Split{
		Amount:             amount,
		RefundAmount:       baseRefund + residual,
		ProviderFee:        feeNative - commission,
		PlatformCommission: commission,
		RefundPct:          tier.RefundPct,
		BaseRefund:         baseRefund,
		FeeNative:          feeNative,
		Residual:           residual,
		Until:              until,
	}
}

// Completion splits amount for a completed or no-show reservation: the
// platform takes its commission and the provider the rest.
func (e *Engine) Completion(amount uint64) Split {
	commission := mulDiv(amount, e.commissionBps, bpsDenominator)
	return Split{
		Amount:             amount,
		ProviderFee:        amount - commission,
		PlatformCommission: commission,
	}
}

// mulDiv returns floor(a*b/c) for b <= c.
func mulDiv(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	q, _ := bits.Div64(hi, lo, c)
	return q
}

func satMul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}
