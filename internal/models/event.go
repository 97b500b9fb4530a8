package models

import "time"

// TripEvent records one applied lifecycle step for downstream consumers.
type TripEvent struct {
	TripID   string          `json:"trip_id"`
	Status   TripStatus      `json:"status"`
	Actor    ParticipantRole `json:"actor"`
	ActorID  string          `json:"actor_id,omitempty"`
	ClientID string          `json:"client_id"`
	DriverID string          `json:"driver_id,omitempty"`
	Fare     float64         `json:"fare,omitempty"`
	At       time.Time       `json:"at"`
}
