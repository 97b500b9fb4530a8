package models

import (
	"fmt"
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is an address with its coordinates, as entered by the client.
type Place struct {
	Address string `json:"address"`
	Coord
}

type TripStatus string

const (
	StatusRequested TripStatus = "requested"
	StatusAccepted  TripStatus = "accepted"
	StatusOngoing   TripStatus = "ongoing"
	StatusCompleted TripStatus = "completed"
	StatusCancelled TripStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s TripStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether a driver is currently working the trip.
func (s TripStatus) Active() bool {
	return s == StatusAccepted || s == StatusOngoing
}

func ParseStatus(v string) (TripStatus, error) {
	s := TripStatus(strings.ToLower(strings.TrimSpace(v)))
	switch s {
	case StatusRequested, StatusAccepted, StatusOngoing, StatusCompleted, StatusCancelled:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrBadPayload, v)
}

// transitionSources lists, for every target status, the statuses it may be reached from.
var transitionSources = map[TripStatus][]TripStatus{
	StatusAccepted:  {StatusRequested},
	StatusOngoing:   {StatusAccepted},
	StatusCompleted: {StatusOngoing},
	StatusCancelled: {StatusRequested, StatusAccepted},
}

// SourcesFor returns the statuses from which to is a legal transition.
func SourcesFor(to TripStatus) []TripStatus {
	return transitionSources[to]
}

func CanTransition(from, to TripStatus) bool {
	for _, s := range transitionSources[to] {
		if s == from {
			return true
		}
	}
	return false
}

type TripCategory string

const (
	CategoryRide     TripCategory = "ride"
	CategoryDelivery TripCategory = "delivery"
)

func ParseCategory(v string) (TripCategory, error) {
	switch c := TripCategory(strings.ToLower(strings.TrimSpace(v))); c {
	case CategoryRide, CategoryDelivery:
		return c, nil
	case "":
		return CategoryRide, nil
	}
	return "", fmt.Errorf("%w: unknown category %q", ErrBadPayload, v)
}

// DeliveryDetails is only carried by trips of CategoryDelivery.
type DeliveryDetails struct {
	RecipientName  string  `json:"recipient_name,omitempty"`
	RecipientPhone string  `json:"recipient_phone,omitempty"`
	PackageType    string  `json:"package_type,omitempty"`
	WeightKg       float64 `json:"weight_kg,omitempty"`
	Instructions   string  `json:"instructions,omitempty"`
}

type ParticipantRole string

const (
	RoleClient ParticipantRole = "client"
	RoleDriver ParticipantRole = "driver"
	RoleSystem ParticipantRole = "system"
)

func ParseRole(v string) (ParticipantRole, error) {
	switch r := ParticipantRole(strings.ToLower(strings.TrimSpace(v))); r {
	case RoleClient, RoleDriver:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrBadPayload, v)
}

// Trip is the persisted record. An empty DriverID means no driver holds the trip.
type Trip struct {
	ID            string
	ClientID      string
	DriverID      string
	Origin        Place
	Destination   Place
	Category      TripCategory
	TierID        string
	EstimatedFare float64
	CurrentFare   float64
	FinalFare     *float64
	Delivery      *DeliveryDetails
	Status        TripStatus
	CancelledBy   ParticipantRole
	CreatedAt     time.Time
	AcceptedAt    *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CancelledAt   *time.Time
}

// ChargeableFare is the final fare when known, else the estimate.
func (t Trip) ChargeableFare() float64 {
	if t.FinalFare != nil {
		return *t.FinalFare
	}
	return t.EstimatedFare
}

type Tier struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	BaseFare  float64 `json:"base_fare"`
	PerKmFare float64 `json:"per_km_fare"`
}

// TripDetails is a trip joined with the display data the UI needs.
type TripDetails struct {
	Trip
	ClientName string
	DriverName string
	Tier       *Tier
}

type HistoryFilter struct {
	ParticipantID string
	Role          ParticipantRole
	Status        TripStatus
	Month         int
	Year          int
	Limit         int
	Offset        int
}

type DailyStat struct {
	Day     int     `json:"day"`
	Trips   int     `json:"trips"`
	Revenue float64 `json:"revenue"`
}

type TripStats struct {
	Year    int         `json:"year"`
	Month   int         `json:"month"`
	Trips   int         `json:"trips"`
	Revenue float64     `json:"revenue"`
	Daily   []DailyStat `json:"daily"`
}

type Position struct {
	DriverID   string    `json:"driver_id"`
	Coord      Coord     `json:"coord"`
	RecordedAt time.Time `json:"recorded_at"`
}
