package storage

import (
	"context"
	"sort"
	"time"

	"github.com/example/ridesaver/internal/models"
)

// Mutation changes a ride in place. It runs against a private copy; the
// result is written only if the stored version is still the expected one.
type Mutation func(r *models.Ride) error

// RideStore is the authoritative, group-partitioned ride storage. It is the
// only component that writes seat counts and join sets.
type RideStore interface {
	GetRidesForGroup(ctx context.Context, groupID string) ([]models.Ride, error)
	GetRide(ctx context.Context, id string) (models.Ride, error)
	CreateRide(ctx context.Context, d models.RideDraft) (models.Ride, error)
	// ApplyTransition fails with models.ErrConcurrentModification when the
	// stored version differs from expectedVersion.
	ApplyTransition(ctx context.Context, id string, expectedVersion uint64, m Mutation) (models.Ride, error)
	// DeleteRide removes a ride owned by requesterID. An expectedVersion of 0
	// skips the version check.
	DeleteRide(ctx context.Context, id, requesterID string, expectedVersion uint64) error
}

// DirectoryStore holds group metadata and user membership.
type DirectoryStore interface {
	GetMember(ctx context.Context, userID string) (models.Member, error)
	// PutMember creates or updates a member. It fails with
	// models.ErrPermission when the user already belongs to another group;
	// the check and the write are one atomic step.
	PutMember(ctx context.Context, m models.Member) error
	GetGroup(ctx context.Context, groupID string) (models.Group, error)
	PutGroup(ctx context.Context, g models.Group) error
}

// Backend is everything a persistence engine provides to the service.
type Backend interface {
	RideStore
	DirectoryStore
	Close() error
}

// nextState applies m to a copy of cur and stamps the new version. Identity,
// origin and capacity are restored from cur whatever m did to them.
func nextState(cur models.Ride, m Mutation, now time.Time) (models.Ride, error) {
	next := cur.Clone()
	if err := m(&next); err != nil {
		return models.Ride{}, err
	}
	next.ID = cur.ID
	next.OwnerID = cur.OwnerID
	next.GroupID = cur.GroupID
	next.Origin = cur.Origin
	next.TotalSeats = cur.TotalSeats
	next.CreatedAt = cur.CreatedAt
	next.DepartureTime = next.DepartureTime.UTC()
	if err := next.CheckInvariants(); err != nil {
		return models.Ride{}, err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = now.UTC()
	return next, nil
}

// checkDelete enforces ownership and the optional version guard.
func checkDelete(cur models.Ride, requesterID string, expectedVersion uint64) error {
	if cur.OwnerID != requesterID {
		return models.ErrPermission
	}
	if expectedVersion != 0 && cur.Version != expectedVersion {
		return models.ErrConcurrentModification
	}
	return nil
}

// checkEnrol refuses to move an existing member to another group.
func checkEnrol(cur, next models.Member) error {
	if cur.GroupID != next.GroupID {
		return models.ErrPermission
	}
	return nil
}

// maxEnrolAttempts bounds retries of a member upsert that lost a commit race.
// One lost race means the member now exists, so the next attempt decides.
const maxEnrolAttempts = 3

// sortRides gives listings a stable order: departure first, then id.
func sortRides(rides []models.Ride) {
	sort.Slice(rides, func(i, j int) bool {
		if !rides[i].DepartureTime.Equal(rides[j].DepartureTime) {
			return rides[i].DepartureTime.Before(rides[j].DepartureTime)
		}
		return rides[i].ID < rides[j].ID
	})
}
