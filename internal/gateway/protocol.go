package gateway

import (
	"encoding/json"

	"github.com/example/ride-dispatch/internal/models"
)

// Inbound event names.
const (
	EventJoin           = "join"
	EventRequestTrip    = "request_trip"
	EventAcceptTrip     = "accept_trip"
	EventCancelTrip     = "cancel_trip"
	EventStartRide      = "start_ride"
	EventFinishRide     = "finish_ride"
	EventTripProgress   = "trip_progress"
	EventUpdateLocation = "update_location"
	EventConfirmPayment = "confirm_payment"
	EventToggleOnline   = "toggle_online"
)

// envelope is one inbound frame. AckID is echoed on the acknowledgment.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	AckID string          `json:"ackId,omitempty"`
}

type ack struct {
	Event   string `json:"event"`
	AckID   string `json:"ackId,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type errorFrame struct {
	Event string `json:"event"`
	Data  struct {
		Event string `json:"event"`
		Error string `json:"error"`
	} `json:"data"`
}

type joinPayload struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

type placePayload struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

func (p placePayload) place() models.Place {
	return models.Place{Address: p.Address, Coord: models.Coord{Lat: p.Lat, Lng: p.Lng}}
}

type requestTripPayload struct {
	ClientID    string                  `json:"clientId"`
	Origin      placePayload            `json:"origin"`
	Destination placePayload            `json:"destination"`
	Category    string                  `json:"category"`
	TierID      string                  `json:"tierId"`
	Price       float64                 `json:"price"`
	Delivery    *models.DeliveryDetails `json:"delivery,omitempty"`
}

type acceptTripPayload struct {
	TripID     string `json:"tripId"`
	DriverID   string `json:"driverId"`
	ClientID   string `json:"clientId"`
	DriverName string `json:"driverName"`
}

type cancelTripPayload struct {
	TripID string `json:"tripId"`
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

type tripPayload struct {
	TripID   string `json:"tripId"`
	ClientID string `json:"clientId"`
}

type finishRidePayload struct {
	TripID    string  `json:"tripId"`
	ClientID  string  `json:"clientId"`
	FinalFare float64 `json:"finalFare"`
}

type progressPayload struct {
	TripID      string       `json:"tripId"`
	ClientID    string       `json:"clientId"`
	CurrentFare float64      `json:"currentFare"`
	Coords      models.Coord `json:"coords"`
}

type locationPayload struct {
	DriverID       string  `json:"driverId"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	ActiveClientID string  `json:"activeClientId"`
	TripID         string  `json:"tripId"`
}

type paymentPayload struct {
	TripID      string         `json:"tripId"`
	ClientID    string         `json:"clientId"`
	ReceiptData models.Receipt `json:"receiptData"`
}

type togglePayload struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

type requestTripResult struct {
	TripID string          `json:"tripId"`
	Trip   models.TripView `json:"trip"`
}

type joinResult struct {
	UserID string                 `json:"userId"`
	Role   models.ParticipantRole `json:"role"`
}
