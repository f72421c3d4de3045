package model

import "time"

// Provider offers services that clients can reserve.  WalletAddress is
// the owner identity on the settlement ledger; the provider escrow address
// is derived from it.  TotalEarnings accumulates the provider fee of every
// completed or no-show reservation.
type Provider struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	WalletAddress string    `json:"walletAddress"`
	Timezone      string    `json:"timezone"`
	TotalEarnings uint64    `json:"totalEarnings,string"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Location resolves the provider's timezone, falling back to UTC.
func (p *Provider) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Service is a bookable offering of a provider.  PriceAmount is in the
// ledger's native unit.
type Service struct {
	ID              string `json:"id"`
	ProviderID      string `json:"providerId"`
	Name            string `json:"name"`
	PriceAmount     uint64 `json:"priceAmount,string"`
	DurationMinutes int    `json:"durationMinutes"`
	Active          bool   `json:"active"`
}

// AvailabilityWindow is one weekly opening of a provider.  DayOfWeek
// follows time.Weekday (0 = Sunday); StartTime and EndTime are "HH:MM".
type AvailabilityWindow struct {
	ProviderID string `json:"providerId"`
	DayOfWeek  int    `json:"dayOfWeek"`
	StartTime  string `json:"startTime"`
	EndTime    string `json:"endTime"`
	Active     bool   `json:"active"`
}
