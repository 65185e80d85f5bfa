package domain

import "time"

// Reservation is a payment intent created on initiate and consumed once the
// payment is confirmed on chain.
type Reservation struct {
	ReferenceID   string    `json:"referenceId"`
	Token         Asset     `json:"token"`
	Amount        string    `json:"amount"`
	Recipient     string    `json:"recipient"`
	MethodSummary string    `json:"methodSummary"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Expired reports whether the reservation is older than ttl at now.
// A non-positive ttl never expires.
func (r Reservation) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(r.CreatedAt) >= ttl
}
