package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/example/ridesaver/internal/models"
)

var rideCols = []string{"id", "owner_id", "group_id", "address_name", "address_city", "address_postal_code",
	"latitude", "longitude", "departure_time", "total_seats", "available_seats", "joined_users",
	"version", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func rideRow(version int64, joined string, available int) *sqlmock.Rows {
	ts := time.Date(2026, 11, 2, 7, 30, 0, 0, time.UTC)
	return sqlmock.NewRows(rideCols).AddRow("r1", "owner", "g1", "Solbjerg Plads 3", "Frederiksberg", "2000",
		55.681, 12.53, ts, 2, available, joined, version, ts, ts)
}

var selectRide = regexp.QuoteMeta(`FROM rides WHERE id = $1`)

func TestPostgresGetRideNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(selectRide).WithArgs("r1").WillReturnRows(sqlmock.NewRows(rideCols))
	if _, err := s.GetRide(context.Background(), "r1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresApplyTransitionStaleReadSkipsUpdate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(selectRide).WithArgs("r1").WillReturnRows(rideRow(3, "{}", 2))
	_, err := s.ApplyTransition(context.Background(), "r1", 2, func(r *models.Ride) error {
		r.AddPassenger("u1")
		return nil
	})
	if !errors.Is(err, models.ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresApplyTransitionLostRace(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(selectRide).WithArgs("r1").WillReturnRows(rideRow(2, "{}", 2))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE rides`)).
		WithArgs(sqlmock.AnyArg(), 1, sqlmock.AnyArg(), 3, sqlmock.AnyArg(), "r1", 2).
		WillReturnResult(sqlmock.NewResult(0, 0))
	_, err := s.ApplyTransition(context.Background(), "r1", 2, func(r *models.Ride) error {
		r.AddPassenger("u1")
		return nil
	})
	if !errors.Is(err, models.ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresApplyTransitionWrites(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(selectRide).WithArgs("r1").WillReturnRows(rideRow(2, "{u1}", 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE rides`)).
		WithArgs(sqlmock.AnyArg(), 2, sqlmock.AnyArg(), 3, sqlmock.AnyArg(), "r1", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	r, err := s.ApplyTransition(context.Background(), "r1", 2, func(r *models.Ride) error {
		r.RemovePassenger("u1")
		return nil
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if r.Version != 3 || r.AvailableSeats != 2 || len(r.JoinedUsers) != 0 {
		t.Fatalf("unexpected ride %+v", r)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresDeleteRequiresOwner(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(selectRide).WithArgs("r1").WillReturnRows(rideRow(1, "{}", 2))
	if err := s.DeleteRide(context.Background(), "r1", "someone", 0); !errors.Is(err, models.ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresCreateRideValidatesBeforeInsert(t *testing.T) {
	s, mock := newMockStore(t)
	_, err := s.CreateRide(context.Background(), models.RideDraft{OwnerID: "o", GroupID: "g"})
	if !models.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresPutMemberKeepsGroup(t *testing.T) {
	s, mock := newMockStore(t)
	upsert := regexp.QuoteMeta(`WHERE members.group_id = EXCLUDED.group_id`)
	mock.ExpectExec(upsert).WithArgs("u1", "Ada", "", "g1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(upsert).WithArgs("u1", "Ada", "", "g2").WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	if err := s.PutMember(ctx, models.Member{UserID: "u1", DisplayName: "Ada", GroupID: "g1"}); err != nil {
		t.Fatalf("put member: %v", err)
	}
	if err := s.PutMember(ctx, models.Member{UserID: "u1", DisplayName: "Ada", GroupID: "g2"}); !errors.Is(err, models.ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
