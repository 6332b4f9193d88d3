package models

import (
	"slices"
	"sort"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Address struct {
	Name       string `json:"name"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
}

// Origin is where a ride starts. Address text and coordinates are fixed at creation.
type Origin struct {
	Address   Address `json:"address"`
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
}

func (o Origin) Coord() Coord { return Coord{Lat: o.Latitude, Lon: o.Longitude} }

// RideDraft is the input accepted by a store when creating a ride.
type RideDraft struct {
	OwnerID       string    `json:"owner_id" validate:"required"`
	GroupID       string    `json:"group_id" validate:"required"`
	Origin        Origin    `json:"origin"`
	DepartureTime time.Time `json:"departure_time"`
	TotalSeats    int       `json:"total_seats" validate:"gt=0"`
}

// Ride is a carpool trip offer. AvailableSeats and JoinedUsers change only
// through reservation transitions; Version increases on every mutation.
type Ride struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	GroupID        string    `json:"group_id"`
	Origin         Origin    `json:"origin"`
	DepartureTime  time.Time `json:"departure_time"`
	TotalSeats     int       `json:"total_seats"`
	AvailableSeats int       `json:"available_seats"`
	JoinedUsers    []string  `json:"joined_users"`
	Version        uint64    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewRide builds the initial state for a validated draft.
func NewRide(id string, d RideDraft, now time.Time) Ride {
	return Ride{
		ID:             id,
		OwnerID:        d.OwnerID,
		GroupID:        d.GroupID,
		Origin:         d.Origin,
		DepartureTime:  d.DepartureTime.UTC(),
		TotalSeats:     d.TotalSeats,
		AvailableSeats: d.TotalSeats,
		JoinedUsers:    []string{},
		Version:        1,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
}

func (r Ride) HasJoined(userID string) bool {
	return slices.Contains(r.JoinedUsers, userID)
}

// Clone returns a copy that shares no memory with r.
func (r Ride) Clone() Ride {
	c := r
	c.JoinedUsers = append([]string{}, r.JoinedUsers...)
	return c
}

// AddPassenger records userID as joined and takes one seat.
func (r *Ride) AddPassenger(userID string) {
	r.JoinedUsers = append(r.JoinedUsers, userID)
	sort.Strings(r.JoinedUsers)
	r.AvailableSeats--
}

// RemovePassenger drops userID and frees its seat.
func (r *Ride) RemovePassenger(userID string) {
	r.JoinedUsers = slices.DeleteFunc(r.JoinedUsers, func(u string) bool { return u == userID })
	r.AvailableSeats++
}

// CheckInvariants reports the first violated seat/membership invariant.
func (r Ride) CheckInvariants() error {
	if r.TotalSeats <= 0 {
		return &InvariantError{RideID: r.ID, Reason: "total seats must be positive"}
	}
	if r.AvailableSeats < 0 || r.AvailableSeats > r.TotalSeats {
		return &InvariantError{RideID: r.ID, Reason: "available seats out of range"}
	}
	if r.HasJoined(r.OwnerID) {
		return &InvariantError{RideID: r.ID, Reason: "owner listed as passenger"}
	}
	seen := make(map[string]struct{}, len(r.JoinedUsers))
	for _, u := range r.JoinedUsers {
		if _, dup := seen[u]; dup {
			return &InvariantError{RideID: r.ID, Reason: "duplicate passenger " + u}
		}
		seen[u] = struct{}{}
	}
	if len(r.JoinedUsers)+r.AvailableSeats != r.TotalSeats {
		return &InvariantError{RideID: r.ID, Reason: "joined users and available seats do not add up"}
	}
	return nil
}

// Group is an organisational partition with a reference site.
type Group struct {
	ID               string  `json:"id"`
	OrganisationName string  `json:"organisation_name"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
}

func (g Group) Coord() Coord { return Coord{Lat: g.Latitude, Lon: g.Longitude} }

type Member struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	GroupID     string `json:"group_id"`
}

// Marker is what the map surface needs to draw one pin.
type Marker struct {
	ID                   string  `json:"id"`
	Latitude             float64 `json:"latitude"`
	Longitude            float64 `json:"longitude"`
	PinColor             string  `json:"pin_color"`
	Title                string  `json:"title"`
	Description          string  `json:"description,omitempty"`
	Kind                 string  `json:"kind"` // ride | site
	AvailableSeats       int     `json:"available_seats,omitempty"`
	DistanceToSiteMeters float64 `json:"distance_to_site_m,omitempty"`
}

// RideDetails is a ride together with its owner's display name and the
// expected drive time from its origin to the group site.
type RideDetails struct {
	Ride               Ride    `json:"ride"`
	OwnerName          string  `json:"owner_name"`
	Joined             bool    `json:"joined"`
	Owned              bool    `json:"owned"`
	DriveToSiteSeconds float64 `json:"drive_to_site_s,omitempty"`
}
