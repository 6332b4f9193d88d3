package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/ridesaver/internal/models"
)

const rideColumns = `id, owner_id, group_id, address_name, address_city, address_postal_code,
	latitude, longitude, departure_time, total_seats, available_seats, joined_users,
	version, created_at, updated_at`

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresStoreFromDB(db), nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate executes a schema script such as migrations/001_create_rides.sql.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	if _, err := p.db.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(s rowScanner) (models.Ride, error) {
	var r models.Ride
	var joined pq.StringArray
	err := s.Scan(&r.ID, &r.OwnerID, &r.GroupID,
		&r.Origin.Address.Name, &r.Origin.Address.City, &r.Origin.Address.PostalCode,
		&r.Origin.Latitude, &r.Origin.Longitude, &r.DepartureTime,
		&r.TotalSeats, &r.AvailableSeats, &joined, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return models.Ride{}, err
	}
	r.JoinedUsers = append([]string{}, joined...)
	r.DepartureTime = r.DepartureTime.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func (p *PostgresStore) GetRidesForGroup(ctx context.Context, groupID string) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE group_id = $1 ORDER BY departure_time, id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query rides for group: %w", err)
	}
	defer rows.Close()
	out := make([]models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ride: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, models.ErrNotFound
	}
	if err != nil {
		return models.Ride{}, fmt.Errorf("query ride by id: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, d models.RideDraft) (models.Ride, error) {
	if err := ValidateDraft(d); err != nil {
		return models.Ride{}, err
	}
	r := models.NewRide(uuid.NewString(), d, p.now())
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		r.ID, r.OwnerID, r.GroupID, r.Origin.Address.Name, r.Origin.Address.City, r.Origin.Address.PostalCode,
		r.Origin.Latitude, r.Origin.Longitude, r.DepartureTime, r.TotalSeats, r.AvailableSeats,
		pq.Array(r.JoinedUsers), r.Version, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return models.Ride{}, fmt.Errorf("insert ride: %w", err)
	}
	return r, nil
}

// ApplyTransition writes with UPDATE ... WHERE version = expected, so the
// read-compute-write cycle is a compare-and-swap even across processes.
func (p *PostgresStore) ApplyTransition(ctx context.Context, id string, expectedVersion uint64, fn Mutation) (models.Ride, error) {
	cur, err := p.GetRide(ctx, id)
	if err != nil {
		return models.Ride{}, err
	}
	if cur.Version != expectedVersion {
		return models.Ride{}, models.ErrConcurrentModification
	}
	next, err := nextState(cur, fn, p.now())
	if err != nil {
		return models.Ride{}, err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE rides
		SET departure_time = $1, available_seats = $2, joined_users = $3, version = $4, updated_at = $5
		WHERE id = $6 AND version = $7`,
		next.DepartureTime, next.AvailableSeats, pq.Array(next.JoinedUsers), next.Version, next.UpdatedAt,
		id, expectedVersion)
	if err != nil {
		return models.Ride{}, fmt.Errorf("update ride: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Ride{}, fmt.Errorf("update ride: %w", err)
	}
	if n == 0 {
		return models.Ride{}, models.ErrConcurrentModification
	}
	return next, nil
}

func (p *PostgresStore) DeleteRide(ctx context.Context, id, requesterID string, expectedVersion uint64) error {
	cur, err := p.GetRide(ctx, id)
	if err != nil {
		return err
	}
	if err := checkDelete(cur, requesterID, expectedVersion); err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM rides WHERE id = $1 AND owner_id = $2 AND version = $3`,
		id, requesterID, cur.Version)
	if err != nil {
		return fmt.Errorf("delete ride: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete ride: %w", err)
	}
	if n == 0 {
		return models.ErrConcurrentModification
	}
	return nil
}

func (p *PostgresStore) GetMember(ctx context.Context, userID string) (models.Member, error) {
	var m models.Member
	err := p.db.QueryRowContext(ctx,
		`SELECT user_id, display_name, email, group_id FROM members WHERE user_id = $1`, userID).
		Scan(&m.UserID, &m.DisplayName, &m.Email, &m.GroupID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Member{}, models.ErrNotFound
	}
	if err != nil {
		return models.Member{}, fmt.Errorf("query member: %w", err)
	}
	return m, nil
}

func (p *PostgresStore) PutMember(ctx context.Context, m models.Member) error {
	res, err := p.db.ExecContext(ctx, `INSERT INTO members(user_id, display_name, email, group_id)
		VALUES($1,$2,$3,$4)
		ON CONFLICT (user_id) DO UPDATE SET display_name = EXCLUDED.display_name, email = EXCLUDED.email
		WHERE members.group_id = EXCLUDED.group_id`,
		m.UserID, m.DisplayName, m.Email, m.GroupID)
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	// the row exists under another group
	if n == 0 {
		return models.ErrPermission
	}
	return nil
}

func (p *PostgresStore) GetGroup(ctx context.Context, groupID string) (models.Group, error) {
	var g models.Group
	err := p.db.QueryRowContext(ctx,
		`SELECT id, organisation_name, latitude, longitude FROM groups WHERE id = $1`, groupID).
		Scan(&g.ID, &g.OrganisationName, &g.Latitude, &g.Longitude)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Group{}, models.ErrNotFound
	}
	if err != nil {
		return models.Group{}, fmt.Errorf("query group: %w", err)
	}
	return g, nil
}

func (p *PostgresStore) PutGroup(ctx context.Context, g models.Group) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO groups(id, organisation_name, latitude, longitude)
		VALUES($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET organisation_name = EXCLUDED.organisation_name, latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude`,
		g.ID, g.OrganisationName, g.Latitude, g.Longitude)
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }
