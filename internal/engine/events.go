package engine

import (
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Outbound realtime event names.
const (
	EventNewTripAvailable     = "new_trip_available"
	EventTripTaken            = "trip_taken"
	EventTripAccepted         = "trip_accepted"
	EventTripCancelled        = "trip_cancelled"
	EventTripCancelledConfirm = "trip_cancelled_confirmed"
	EventTripCancelledGlobal  = "trip_cancelled_global"
	EventTripTimeout          = "trip_timeout"
	EventRideStarted          = "ride_started"
	EventRideFinished         = "ride_finished"
	EventTripUpdate           = "trip_update"
	EventPaymentConfirmed     = "payment_confirmed"
	EventRestoreRide          = "restore_ride"
	EventRestoreTrip          = "restore_trip"
	EventPendingTrips         = "pending_trips"
	EventLoginStatus          = "login_status"
	EventDriverLocation       = "driver_location"
)

const timeoutMessage = "No driver accepted your request in time. Please try again."

type DriverInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type TripRef struct {
	TripID string `json:"tripId"`
}

type TakenPayload struct {
	TripID     string `json:"tripId"`
	AcceptedBy string `json:"acceptedBy"`
}

type AcceptedPayload struct {
	TripID string          `json:"tripId"`
	Driver DriverInfo      `json:"driver"`
	Trip   models.TripView `json:"trip"`
}

type CancelledPayload struct {
	TripID      string                 `json:"tripId"`
	CancelledBy models.ParticipantRole `json:"cancelledBy"`
}

type TimeoutPayload struct {
	TripID  string `json:"tripId"`
	Message string `json:"message"`
}

type StartedPayload struct {
	TripID    string    `json:"tripId"`
	StartedAt time.Time `json:"startedAt"`
}

type ProgressPayload struct {
	TripID      string       `json:"tripId"`
	CurrentFare float64      `json:"currentFare"`
	Coords      models.Coord `json:"coords"`
}

type FinishedPayload struct {
	TripID      string          `json:"tripId"`
	FinalFare   float64         `json:"finalFare"`
	CompletedAt time.Time       `json:"completedAt"`
	Trip        models.TripView `json:"trip"`
}

type PaymentPayload struct {
	TripID    string         `json:"tripId"`
	InvoiceID string         `json:"invoiceId"`
	Amount    float64        `json:"amount"`
	Currency  string         `json:"currency"`
	Receipt   models.Receipt `json:"receipt"`
}

type LoginStatus struct {
	IsOnline bool `json:"isOnline"`
}
