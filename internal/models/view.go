package models

import "time"

// TripView is the wire shape of a trip. It is decoupled from storage field
// names so the schema can change without breaking clients.
type TripView struct {
	ID          string           `json:"id"`
	Status      TripStatus       `json:"status"`
	Category    TripCategory     `json:"category"`
	ClientID    string           `json:"client_id"`
	ClientName  string           `json:"client_name,omitempty"`
	DriverID    string           `json:"driver_id,omitempty"`
	DriverName  string           `json:"driver_name,omitempty"`
	Origin      Place            `json:"origin"`
	Destination Place            `json:"destination"`
	Tier        *Tier            `json:"tier,omitempty"`
	Price       float64          `json:"price"`
	CurrentFare float64          `json:"current_fare,omitempty"`
	FinalPrice  *float64         `json:"final_price,omitempty"`
	Delivery    *DeliveryDetails `json:"delivery,omitempty"`
	CancelledBy ParticipantRole  `json:"cancelled_by,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	AcceptedAt  *time.Time       `json:"accepted_at,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	CancelledAt *time.Time       `json:"cancelled_at,omitempty"`
}

func FormatTrip(d TripDetails) TripView {
	v := TripView{
		ID:          d.ID,
		Status:      d.Status,
		Category:    d.Category,
		ClientID:    d.ClientID,
		ClientName:  d.ClientName,
		DriverID:    d.DriverID,
		DriverName:  d.DriverName,
		Origin:      d.Origin,
		Destination: d.Destination,
		Tier:        d.Tier,
		Price:       d.EstimatedFare,
		CurrentFare: d.CurrentFare,
		FinalPrice:  d.FinalFare,
		CancelledBy: d.CancelledBy,
		CreatedAt:   d.CreatedAt,
		AcceptedAt:  d.AcceptedAt,
		StartedAt:   d.StartedAt,
		CompletedAt: d.CompletedAt,
		CancelledAt: d.CancelledAt,
	}
	if d.Category == CategoryDelivery {
		v.Delivery = d.Delivery
	}
	return v
}

func FormatTrips(ds []TripDetails) []TripView {
	out := make([]TripView, 0, len(ds))
	for _, d := range ds {
		out = append(out, FormatTrip(d))
	}
	return out
}
