package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Place is a coordinate plus the human-readable address shown to riders.
type Place struct {
	Coord   Coord  `json:"coord"`
	Address string `json:"address"`
}

// PositionSample is one driver telemetry reading.
type PositionSample struct {
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	HeadingDeg float64   `json:"heading_deg"`
	SpeedMps   float64   `json:"speed_mps"`
	At         time.Time `json:"at"`
}

func (p PositionSample) Coord() Coord { return Coord{Lat: p.Lat, Lon: p.Lon} }

type PaymentMethod string

const (
	PayCard PaymentMethod = "card"
	PayPeer PaymentMethod = "peer_transfer"
	PayCash PaymentMethod = "cash"
)

// Ride is one transportation transaction from request to terminal state.
// Terminal rides are never deleted; history, earnings and receipts read them.
type Ride struct {
	ID          string `json:"id"`
	Status      Status `json:"status"`
	RiderID     string `json:"rider_id"`
	RiderName   string `json:"rider_name"`
	RiderPhone  string `json:"rider_phone"`
	Pickup      Place  `json:"pickup"`
	Destination Place  `json:"destination"`

	ScheduledAt      *time.Time `json:"scheduled_at,omitempty"`
	EstimatedFare    int64      `json:"estimated_fare_cents"`
	DistanceMeters   float64    `json:"distance_meters"`
	EstimatedSeconds float64    `json:"estimated_seconds"`

	// DriverID empty means unassigned. At most one driver at a time.
	DriverID       string          `json:"driver_id,omitempty"`
	DriverPosition *PositionSample `json:"driver_position,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	// TimeoutAt is the persisted decision-window deadline; countdown
	// recovery after a restart derives remaining time from it.
	TimeoutAt *time.Time `json:"timeout_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`

	PaymentMethod PaymentMethod `json:"payment_method"`
	CancelReason  string        `json:"cancel_reason,omitempty"`
	Reviewed      bool          `json:"reviewed"`
}

// Waypoint is where the driver is heading for the ride's current leg:
// pickup until the trip starts, destination afterwards.
func (r *Ride) Waypoint() Coord {
	if r.Status == StatusInProgress {
		return r.Destination.Coord
	}
	return r.Pickup.Coord
}

type Vehicle struct {
	Make  string `json:"make"`
	Model string `json:"model"`
	Color string `json:"color"`
	Plate string `json:"plate"`
}

// Descriptor is the short human-readable form used in notifications.
func (v Vehicle) Descriptor() string {
	s := v.Color + " " + v.Make + " " + v.Model
	if v.Plate != "" {
		s += " (" + v.Plate + ")"
	}
	return s
}

type Driver struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Phone       string          `json:"phone"`
	Online      bool            `json:"online"`
	Position    *PositionSample `json:"position,omitempty"`
	RatingAvg   float64         `json:"rating_avg"`
	RatingCount int             `json:"rating_count"`
	Vehicle     Vehicle         `json:"vehicle"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type PaymentStatus string

const (
	// card rail
	PaymentRequested  PaymentStatus = "requested"
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentCaptured   PaymentStatus = "captured"
	PaymentCancelled  PaymentStatus = "cancelled"
	// peer-transfer and cash rails start here
	PaymentPending PaymentStatus = "pending"
	// peer-transfer: settlement happens outside our visibility,
	// request_sent is as far as the record ever moves.
	PaymentRequestSent PaymentStatus = "request_sent"
	// cash rail
	PaymentCollectedInPerson PaymentStatus = "collected_in_person"
)

// PaymentRecord tracks one ride's money across the settlement rails.
// Exactly one record per ride.
type PaymentRecord struct {
	RideID                string        `json:"ride_id"`
	Method                PaymentMethod `json:"method"`
	Status                PaymentStatus `json:"status"`
	AuthRef               string        `json:"auth_ref,omitempty"`
	ClientSecret          string        `json:"client_secret,omitempty"`
	AuthorizedAmountCents int64         `json:"authorized_amount_cents"`
	CapturedAmountCents   int64         `json:"captured_amount_cents"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

// MatchOffer is what a driver sees on the offer channel.
type MatchOffer struct {
	RideID         string    `json:"ride_id"`
	Pickup         Place     `json:"pickup"`
	Destination    Place     `json:"destination"`
	EstimatedFare  int64     `json:"estimated_fare_cents"`
	DistanceMeters float64   `json:"distance_meters"`
	PickupETASec   float64   `json:"pickup_eta_seconds"`
	ExpiresAt      time.Time `json:"expires_at"`
}
