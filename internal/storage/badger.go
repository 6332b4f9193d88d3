package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/example/ridesaver/internal/models"
)

// BadgerStore is an embedded single-node backend. Badger transactions detect
// write conflicts on commit, which maps onto ErrConcurrentModification.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

// NewBadgerStore opens (or creates) a store in dir. An empty dir keeps
// everything in memory.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db, now: time.Now}, nil
}

func badgerRideKey(id string) []byte { return []byte("ride/" + id) }

func badgerGroupIndexPrefix(groupID string) []byte { return []byte("group-rides/" + groupID + "/") }

func badgerGroupIndexKey(groupID, id string) []byte {
	return append(badgerGroupIndexPrefix(groupID), id...)
}

func badgerMemberKey(userID string) []byte { return []byte("member/" + userID) }

func badgerGroupKey(groupID string) []byte { return []byte("group/" + groupID) }

func getBadgerJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setBadgerJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

func conflictErr(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return models.ErrConcurrentModification
	}
	return err
}

func (b *BadgerStore) GetRidesForGroup(ctx context.Context, groupID string) ([]models.Ride, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]models.Ride, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := badgerGroupIndexPrefix(groupID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			var r models.Ride
			err := getBadgerJSON(txn, badgerRideKey(id), &r)
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list group rides: %w", err)
	}
	sortRides(out)
	return out, nil
}

func (b *BadgerStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	if err := ctx.Err(); err != nil {
		return models.Ride{}, err
	}
	var r models.Ride
	err := b.db.View(func(txn *badger.Txn) error {
		return getBadgerJSON(txn, badgerRideKey(id), &r)
	})
	if err != nil {
		return models.Ride{}, err
	}
	return r, nil
}

func (b *BadgerStore) CreateRide(ctx context.Context, d models.RideDraft) (models.Ride, error) {
	if err := ValidateDraft(d); err != nil {
		return models.Ride{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.Ride{}, err
	}
	r := models.NewRide(uuid.NewString(), d, b.now())
	err := b.db.Update(func(txn *badger.Txn) error {
		if err := setBadgerJSON(txn, badgerRideKey(r.ID), r); err != nil {
			return err
		}
		return txn.Set(badgerGroupIndexKey(r.GroupID, r.ID), nil)
	})
	if err != nil {
		return models.Ride{}, fmt.Errorf("store ride: %w", err)
	}
	return r, nil
}

func (b *BadgerStore) ApplyTransition(ctx context.Context, id string, expectedVersion uint64, fn Mutation) (models.Ride, error) {
	if err := ctx.Err(); err != nil {
		return models.Ride{}, err
	}
	var next models.Ride
	err := b.db.Update(func(txn *badger.Txn) error {
		var cur models.Ride
		if err := getBadgerJSON(txn, badgerRideKey(id), &cur); err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return models.ErrConcurrentModification
		}
		var err error
		next, err = nextState(cur, fn, b.now())
		if err != nil {
			return err
		}
		return setBadgerJSON(txn, badgerRideKey(id), next)
	})
	if err != nil {
		return models.Ride{}, conflictErr(err)
	}
	return next, nil
}

func (b *BadgerStore) DeleteRide(ctx context.Context, id, requesterID string, expectedVersion uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		var cur models.Ride
		if err := getBadgerJSON(txn, badgerRideKey(id), &cur); err != nil {
			return err
		}
		if err := checkDelete(cur, requesterID, expectedVersion); err != nil {
			return err
		}
		if err := txn.Delete(badgerRideKey(id)); err != nil {
			return err
		}
		return txn.Delete(badgerGroupIndexKey(cur.GroupID, id))
	})
	return conflictErr(err)
}

func (b *BadgerStore) GetMember(ctx context.Context, userID string) (models.Member, error) {
	if err := ctx.Err(); err != nil {
		return models.Member{}, err
	}
	var m models.Member
	err := b.db.View(func(txn *badger.Txn) error {
		return getBadgerJSON(txn, badgerMemberKey(userID), &m)
	})
	return m, err
}

func (b *BadgerStore) PutMember(ctx context.Context, m models.Member) error {
	key := badgerMemberKey(m.UserID)
	for i := 0; i < maxEnrolAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.db.Update(func(txn *badger.Txn) error {
			var cur models.Member
			err := getBadgerJSON(txn, key, &cur)
			switch {
			case errors.Is(err, models.ErrNotFound):
			case err != nil:
				return err
			default:
				if err := checkEnrol(cur, m); err != nil {
					return err
				}
			}
			return setBadgerJSON(txn, key, m)
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return models.ErrConcurrentModification
}

func (b *BadgerStore) GetGroup(ctx context.Context, groupID string) (models.Group, error) {
	if err := ctx.Err(); err != nil {
		return models.Group{}, err
	}
	var g models.Group
	err := b.db.View(func(txn *badger.Txn) error {
		return getBadgerJSON(txn, badgerGroupKey(groupID), &g)
	})
	return g, err
}

func (b *BadgerStore) PutGroup(ctx context.Context, g models.Group) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return setBadgerJSON(txn, badgerGroupKey(g.ID), g)
	})
}

func (b *BadgerStore) Close() error { return b.db.Close() }
