package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/ridesaver/internal/models"
)

// RedisStore keeps each ride as a JSON document under ride:{id}, a
// per-group id set under group:{gid}:rides and group metadata under
// groupmeta:{gid}. Conditional writes use WATCH/MULTI/EXEC on the ride or
// member key.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(addr, password string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisStoreFromClient(c)
}

func NewRedisStoreFromClient(c *redis.Client) *RedisStore {
	return &RedisStore{client: c, now: time.Now}
}

func rideKey(id string) string { return "ride:" + id }

func groupRidesKey(groupID string) string { return "group:" + groupID + ":rides" }

func groupKey(groupID string) string { return "groupmeta:" + groupID }

func memberKey(userID string) string { return "member:" + userID }

// Ping reports whether redis is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) GetRidesForGroup(ctx context.Context, groupID string) ([]models.Ride, error) {
	ids, err := r.client.SMembers(ctx, groupRidesKey(groupID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list group rides: %w", err)
	}
	out := make([]models.Ride, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, rideKey(id))
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load group rides: %w", err)
	}
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			// index entry outlived its ride
			continue
		}
		var ride models.Ride
		if err := json.Unmarshal([]byte(s), &ride); err != nil {
			return nil, fmt.Errorf("decode ride: %w", err)
		}
		out = append(out, ride)
	}
	sortRides(out)
	return out, nil
}

func (r *RedisStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	return getRideJSON(ctx, r.client, id)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getRideJSON(ctx context.Context, c stringGetter, id string) (models.Ride, error) {
	b, err := c.Get(ctx, rideKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Ride{}, models.ErrNotFound
	}
	if err != nil {
		return models.Ride{}, fmt.Errorf("get ride: %w", err)
	}
	var ride models.Ride
	if err := json.Unmarshal(b, &ride); err != nil {
		return models.Ride{}, fmt.Errorf("decode ride: %w", err)
	}
	return ride, nil
}

func (r *RedisStore) CreateRide(ctx context.Context, d models.RideDraft) (models.Ride, error) {
	if err := ValidateDraft(d); err != nil {
		return models.Ride{}, err
	}
	ride := models.NewRide(uuid.NewString(), d, r.now())
	b, err := json.Marshal(ride)
	if err != nil {
		return models.Ride{}, err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, rideKey(ride.ID), b, 0)
		p.SAdd(ctx, groupRidesKey(ride.GroupID), ride.ID)
		return nil
	})
	if err != nil {
		return models.Ride{}, fmt.Errorf("store ride: %w", err)
	}
	return ride, nil
}

func (r *RedisStore) ApplyTransition(ctx context.Context, id string, expectedVersion uint64, fn Mutation) (models.Ride, error) {
	var next models.Ride
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := getRideJSON(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return models.ErrConcurrentModification
		}
		next, err = nextState(cur, fn, r.now())
		if err != nil {
			return err
		}
		b, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, rideKey(id), b, 0)
			return nil
		})
		return err
	}, rideKey(id))
	if errors.Is(err, redis.TxFailedErr) {
		return models.Ride{}, models.ErrConcurrentModification
	}
	if err != nil {
		return models.Ride{}, err
	}
	return next, nil
}

func (r *RedisStore) DeleteRide(ctx context.Context, id, requesterID string, expectedVersion uint64) error {
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := getRideJSON(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkDelete(cur, requesterID, expectedVersion); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, rideKey(id))
			p.SRem(ctx, groupRidesKey(cur.GroupID), id)
			return nil
		})
		return err
	}, rideKey(id))
	if errors.Is(err, redis.TxFailedErr) {
		return models.ErrConcurrentModification
	}
	return err
}

func (r *RedisStore) GetMember(ctx context.Context, userID string) (models.Member, error) {
	var m models.Member
	if err := r.getJSON(ctx, memberKey(userID), &m); err != nil {
		return models.Member{}, err
	}
	return m, nil
}

func (r *RedisStore) PutMember(ctx context.Context, m models.Member) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	key := memberKey(m.UserID)
	for i := 0; i < maxEnrolAttempts; i++ {
		err = r.client.Watch(ctx, func(tx *redis.Tx) error {
			var cur models.Member
			raw, err := tx.Get(ctx, key).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return fmt.Errorf("get %s: %w", key, err)
			default:
				if err := json.Unmarshal(raw, &cur); err != nil {
					return err
				}
				if err := checkEnrol(cur, m); err != nil {
					return err
				}
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, b, 0)
				return nil
			})
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return models.ErrConcurrentModification
}

func (r *RedisStore) GetGroup(ctx context.Context, groupID string) (models.Group, error) {
	var g models.Group
	if err := r.getJSON(ctx, groupKey(groupID), &g); err != nil {
		return models.Group{}, err
	}
	return g, nil
}

func (r *RedisStore) PutGroup(ctx context.Context, g models.Group) error {
	return r.setJSON(ctx, groupKey(g.ID), g)
}

func (r *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return json.Unmarshal(b, v)
}

func (r *RedisStore) setJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, key, b, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Close() error { return r.client.Close() }
