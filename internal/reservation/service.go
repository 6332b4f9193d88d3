package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ridesaver/internal/directory"
	"github.com/example/ridesaver/internal/eta"
	"github.com/example/ridesaver/internal/events"
	"github.com/example/ridesaver/internal/geo"
	"github.com/example/ridesaver/internal/models"
	"github.com/example/ridesaver/internal/observability"
	"github.com/example/ridesaver/internal/session"
	"github.com/example/ridesaver/internal/storage"
)

const publishTimeout = 2 * time.Second

// Service enforces the join/leave state machine and seat bookkeeping on top
// of a RideStore. Every write is a compare-and-swap against the version that
// was read, retried a bounded number of times.
type Service struct {
	Store     storage.RideStore
	Directory *directory.Directory
	Events    events.Publisher // optional
	Index     geo.Index        // optional, backs NearbyRides
	ETA       eta.Estimator    // optional, naive estimate when nil
	Logger    *slog.Logger
	Config    Config
}

func New(store storage.RideStore, dir *directory.Directory, cfg Config) *Service {
	return &Service{Store: store, Directory: dir, Config: cfg}
}

// CreateRideInput is what a caller supplies; owner and group come from the
// session and the directory.
type CreateRideInput struct {
	Origin        models.Origin `json:"origin"`
	DepartureTime time.Time     `json:"departure_time"`
	TotalSeats    int           `json:"total_seats"`
}

type NearbyRide struct {
	Ride      models.Ride `json:"ride"`
	DistanceM float64     `json:"distance_m"`
}

func (s *Service) JoinRide(ctx context.Context, rideID string) (models.Ride, error) {
	return s.transition(ctx, "join", events.RideJoined, rideID, canJoin, func(sess session.Session, r *models.Ride) {
		r.AddPassenger(sess.UserID)
	})
}

func (s *Service) LeaveRide(ctx context.Context, rideID string) (models.Ride, error) {
	return s.transition(ctx, "leave", events.RideLeft, rideID, canLeave, func(sess session.Session, r *models.Ride) {
		r.RemovePassenger(sess.UserID)
	})
}

// RescheduleRide moves the departure of a ride owned by the caller.
func (s *Service) RescheduleRide(ctx context.Context, rideID string, departure time.Time) (models.Ride, error) {
	if departure.IsZero() {
		ve := &models.ValidationError{}
		ve.Add("departure_time", "must be a valid point in time")
		return models.Ride{}, ve
	}
	return s.transition(ctx, "reschedule", events.RideRescheduled, rideID, isOwner, func(_ session.Session, r *models.Ride) {
		r.DepartureTime = departure.UTC()
	})
}

func canJoin(sess session.Session, r models.Ride) error {
	switch {
	case r.OwnerID == sess.UserID:
		return models.ErrSelfJoin
	case r.HasJoined(sess.UserID):
		return models.ErrAlreadyJoined
	case r.AvailableSeats <= 0:
		return models.ErrNoSeatsAvailable
	}
	return nil
}

func canLeave(sess session.Session, r models.Ride) error {
	if !r.HasJoined(sess.UserID) {
		return models.ErrNotJoined
	}
	return nil
}

func isOwner(sess session.Session, r models.Ride) error {
	if r.OwnerID != sess.UserID {
		return models.ErrPermission
	}
	return nil
}

// transition reads the ride, checks guard against what was read and writes
// apply's result conditionally on the version read. The guard runs again
// inside the mutation so it always judges the state being replaced.
func (s *Service) transition(ctx context.Context, op string, kind events.Kind, rideID string,
	guard func(session.Session, models.Ride) error, apply func(session.Session, *models.Ride)) (models.Ride, error) {
	var (
		sess session.Session
		out  models.Ride
	)
	err := s.run(ctx, op, func(ctx context.Context) error {
		var (
			groupID string
			err     error
		)
		sess, groupID, err = s.caller(ctx)
		if err != nil {
			return err
		}
		return s.retry(ctx, op, func(ctx context.Context) error {
			cur, err := s.visibleRide(ctx, rideID, groupID)
			if err != nil {
				return err
			}
			if err := guard(sess, cur); err != nil {
				return err
			}
			next, err := s.Store.ApplyTransition(ctx, rideID, cur.Version, func(r *models.Ride) error {
				if err := guard(sess, *r); err != nil {
					return err
				}
				apply(sess, r)
				return nil
			})
			if err != nil {
				return err
			}
			out = next
			return nil
		})
	})
	if err != nil {
		return models.Ride{}, err
	}
	s.logger().Debug("ride transition", "op", op, "ride_id", out.ID, "user_id", sess.UserID, "version", out.Version, "available_seats", out.AvailableSeats)
	s.publish(ctx, events.New(kind, sess.UserID, out))
	return out, nil
}

func (s *Service) CreateRide(ctx context.Context, in CreateRideInput) (models.Ride, error) {
	var (
		sess session.Session
		out  models.Ride
	)
	err := s.run(ctx, "create", func(ctx context.Context) error {
		var (
			groupID string
			err     error
		)
		sess, groupID, err = s.caller(ctx)
		if err != nil {
			return err
		}
		out, err = s.Store.CreateRide(ctx, models.RideDraft{
			OwnerID:       sess.UserID,
			GroupID:       groupID,
			Origin:        in.Origin,
			DepartureTime: in.DepartureTime,
			TotalSeats:    in.TotalSeats,
		})
		return err
	})
	if err != nil {
		return models.Ride{}, err
	}
	s.logger().Debug("ride created", "ride_id", out.ID, "group_id", out.GroupID, "owner_id", out.OwnerID)
	s.publish(ctx, events.New(events.RideCreated, sess.UserID, out))
	return out, nil
}

// CancelRide deletes a ride owned by the caller. A ride with passengers is
// only deleted when force is set; the evicted passengers are reported in the
// cancellation event.
func (s *Service) CancelRide(ctx context.Context, rideID string, force bool) error {
	var (
		sess session.Session
		last models.Ride
	)
	err := s.run(ctx, "cancel", func(ctx context.Context) error {
		var (
			groupID string
			err     error
		)
		sess, groupID, err = s.caller(ctx)
		if err != nil {
			return err
		}
		return s.retry(ctx, "cancel", func(ctx context.Context) error {
			cur, err := s.visibleRide(ctx, rideID, groupID)
			if err != nil {
				return err
			}
			if err := isOwner(sess, cur); err != nil {
				return err
			}
			if len(cur.JoinedUsers) > 0 && !force {
				return models.ErrRideHasPassengers
			}
			if err := s.Store.DeleteRide(ctx, rideID, sess.UserID, cur.Version); err != nil {
				return err
			}
			last = cur
			return nil
		})
	})
	if err != nil {
		return err
	}
	ev := events.New(events.RideCancelled, sess.UserID, last)
	ev.Evicted = last.JoinedUsers
	if len(ev.Evicted) > 0 {
		s.logger().Info("ride cancelled with passengers", "ride_id", rideID, "evicted", ev.Evicted)
	}
	s.publish(ctx, ev)
	return nil
}

// ListRides returns the rides of the caller's group that are open, owned by
// the caller or joined by the caller.
func (s *Service) ListRides(ctx context.Context) ([]models.Ride, error) {
	var out []models.Ride
	err := s.run(ctx, "list", func(ctx context.Context) error {
		sess, groupID, err := s.caller(ctx)
		if err != nil {
			return err
		}
		out, err = s.listVisible(ctx, sess, groupID)
		return err
	})
	return out, err
}

func (s *Service) listVisible(ctx context.Context, sess session.Session, groupID string) ([]models.Ride, error) {
	all, err := s.Store.GetRidesForGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Ride, 0, len(all))
	for _, r := range all {
		if listed(sess, r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func listed(sess session.Session, r models.Ride) bool {
	return r.AvailableSeats > 0 || r.OwnerID == sess.UserID || r.HasJoined(sess.UserID)
}

// RideDetails returns a visible ride with its owner's display name.
func (s *Service) RideDetails(ctx context.Context, rideID string) (models.RideDetails, error) {
	var out models.RideDetails
	err := s.run(ctx, "details", func(ctx context.Context) error {
		sess, groupID, err := s.caller(ctx)
		if err != nil {
			return err
		}
		r, err := s.visibleRide(ctx, rideID, groupID)
		if err != nil {
			return err
		}
		out = models.RideDetails{
			Ride:      r,
			OwnerName: s.Directory.DisplayName(ctx, r.OwnerID),
			Joined:    r.HasJoined(sess.UserID),
			Owned:     r.OwnerID == sess.UserID,
		}
		g, err := s.Directory.GetGroup(ctx, groupID)
		if err != nil {
			s.logger().Debug("ride details without site", "ride_id", r.ID, "group_id", groupID, "error", err)
			return nil
		}
		secs, err := s.estimator().EstimateSeconds(ctx, r.Origin.Coord(), g.Coord())
		if err != nil {
			s.logger().Debug("drive time estimate failed", "ride_id", r.ID, "error", err)
			return nil
		}
		out.DriveToSiteSeconds = secs
		return nil
	})
	return out, err
}

// NearbyRides lists open rides of the caller's group starting within
// radiusM of a point, closest first. Without an index the group's rides are
// scanned directly.
func (s *Service) NearbyRides(ctx context.Context, lat, lon, radiusM float64, limit int) ([]NearbyRide, error) {
	var out []NearbyRide
	err := s.run(ctx, "nearby", func(ctx context.Context) error {
		sess, groupID, err := s.caller(ctx)
		if err != nil {
			return err
		}
		idx := s.Index
		if idx == nil {
			idx, err = s.scanIndex(ctx, sess, groupID)
			if err != nil {
				return err
			}
		}
		pins, err := idx.Nearby(ctx, groupID, lat, lon, radiusM, limit)
		if err != nil {
			return err
		}
		out = make([]NearbyRide, 0, len(pins))
		for _, p := range pins {
			r, err := s.visibleRide(ctx, p.RideID, groupID)
			if errors.Is(err, models.ErrNotFound) {
				continue // index lags behind the store
			}
			if err != nil {
				return err
			}
			if r.AvailableSeats <= 0 {
				continue
			}
			out = append(out, NearbyRide{Ride: r, DistanceM: p.DistM})
		}
		return nil
	})
	return out, err
}

func (s *Service) scanIndex(ctx context.Context, sess session.Session, groupID string) (geo.Index, error) {
	rides, err := s.listVisible(ctx, sess, groupID)
	if err != nil {
		return nil, err
	}
	idx := geo.NewMemoryIndex()
	for _, r := range rides {
		if err := geo.Apply(ctx, idx, events.New(events.RideCreated, sess.UserID, r)); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// caller resolves the session and the caller's group. A user without a
// group may not touch rides at all.
func (s *Service) caller(ctx context.Context) (session.Session, string, error) {
	sess, err := session.Require(ctx)
	if err != nil {
		return session.Session{}, "", err
	}
	groupID, err := s.Directory.ResolveGroup(ctx, sess.UserID)
	if errors.Is(err, models.ErrNotFound) {
		return session.Session{}, "", fmt.Errorf("user %s has no group: %w", sess.UserID, models.ErrPermission)
	}
	if err != nil {
		return session.Session{}, "", err
	}
	return sess, groupID, nil
}

// visibleRide hides rides of other groups behind ErrNotFound.
func (s *Service) visibleRide(ctx context.Context, rideID, groupID string) (models.Ride, error) {
	r, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if r.GroupID != groupID {
		return models.Ride{}, models.ErrNotFound
	}
	return r, nil
}

// retry reruns attempt while it loses version races.
func (s *Service) retry(ctx context.Context, op string, attempt func(context.Context) error) error {
	cfg := s.Config.withDefaults()
	for i := 1; i <= cfg.MaxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := attempt(ctx)
		if !errors.Is(err, models.ErrConcurrentModification) {
			return err
		}
		if i < cfg.MaxAttempts {
			observability.ReservationRetries.WithLabelValues(op).Inc()
		}
	}
	s.logger().Warn("reservation retries exhausted", "op", op, "attempts", cfg.MaxAttempts)
	return models.ErrReservationConflict
}

// run bounds fn by the operation timeout and records its outcome.
func (s *Service) run(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.Config.withDefaults().OperationTimeout)
	defer cancel()
	err := asTimeout(ctx, fn(ctx))
	observability.ReservationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	observability.ReservationOps.WithLabelValues(op, outcome(err)).Inc()
	return err
}

func asTimeout(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.ErrTimeout
	}
	// drivers report an aborted query in their own words
	if ctx.Err() != nil && !isDomainError(err) {
		return models.ErrTimeout
	}
	return err
}

var domainErrors = []error{
	models.ErrNotFound, models.ErrPermission, models.ErrUnauthenticated,
	models.ErrSelfJoin, models.ErrAlreadyJoined, models.ErrNotJoined,
	models.ErrNoSeatsAvailable, models.ErrRideHasPassengers,
	models.ErrReservationConflict, models.ErrTimeout,
}

func isDomainError(err error) bool {
	if models.IsValidation(err) {
		return true
	}
	var ie *models.InvariantError
	if errors.As(err, &ie) {
		return true
	}
	for _, d := range domainErrors {
		if errors.Is(err, d) {
			return true
		}
	}
	return false
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrReservationConflict):
		return "conflict"
	case errors.Is(err, models.ErrTimeout):
		return "timeout"
	case isDomainError(err):
		return "rejected"
	default:
		return "error"
	}
}

// publish hands ev to the event sinks. Failures are logged, never returned:
// the transition is already committed.
func (s *Service) publish(ctx context.Context, ev events.RideEvent) {
	if s.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.Events.Publish(ctx, ev); err != nil {
		s.logger().Warn("publish ride event failed", "kind", ev.Kind, "ride_id", ev.RideID, "error", err)
	}
}

func (s *Service) estimator() eta.Estimator {
	if s.ETA == nil {
		return eta.Naive{}
	}
	return s.ETA
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
