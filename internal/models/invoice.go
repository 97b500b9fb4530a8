package models

import "time"

// Receipt is what the client app attaches when confirming payment.
type Receipt struct {
	Method string  `json:"method,omitempty"`
	Tip    float64 `json:"tip,omitempty"`
	Note   string  `json:"note,omitempty"`
}

type Invoice struct {
	ID         string    `json:"id"`
	TripID     string    `json:"trip_id"`
	ClientID   string    `json:"client_id"`
	DriverID   string    `json:"driver_id"`
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency"`
	Method     string    `json:"method,omitempty"`
	PaymentRef string    `json:"payment_ref,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
