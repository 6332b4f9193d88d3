package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridesaver/internal/models"
)

type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]models.Ride
	groups  map[string]models.Group
	members map[string]models.Member
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]models.Ride),
		groups:  make(map[string]models.Group),
		members: make(map[string]models.Member),
		now:     time.Now,
	}
}

func (m *MemoryStore) GetRidesForGroup(ctx context.Context, groupID string) ([]models.Ride, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Ride, 0)
	for _, r := range m.rides {
		if r.GroupID == groupID {
			out = append(out, r.Clone())
		}
	}
	sortRides(out)
	return out, nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	if err := ctx.Err(); err != nil {
		return models.Ride{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, models.ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) CreateRide(ctx context.Context, d models.RideDraft) (models.Ride, error) {
	if err := ValidateDraft(d); err != nil {
		return models.Ride{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.Ride{}, err
	}
	r := models.NewRide(uuid.NewString(), d, m.now())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r
	return r.Clone(), nil
}

func (m *MemoryStore) ApplyTransition(ctx context.Context, id string, expectedVersion uint64, fn Mutation) (models.Ride, error) {
	if err := ctx.Err(); err != nil {
		return models.Ride{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[id]
	if !ok {
		return models.Ride{}, models.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return models.Ride{}, models.ErrConcurrentModification
	}
	next, err := nextState(cur, fn, m.now())
	if err != nil {
		return models.Ride{}, err
	}
	m.rides[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) DeleteRide(ctx context.Context, id, requesterID string, expectedVersion uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[id]
	if !ok {
		return models.ErrNotFound
	}
	if err := checkDelete(cur, requesterID, expectedVersion); err != nil {
		return err
	}
	delete(m.rides, id)
	return nil
}

func (m *MemoryStore) GetMember(ctx context.Context, userID string) (models.Member, error) {
	if err := ctx.Err(); err != nil {
		return models.Member{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.members[userID]
	if !ok {
		return models.Member{}, models.ErrNotFound
	}
	return mem, nil
}

func (m *MemoryStore) PutMember(ctx context.Context, mem models.Member) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.members[mem.UserID]; ok {
		if err := checkEnrol(cur, mem); err != nil {
			return err
		}
	}
	m.members[mem.UserID] = mem
	return nil
}

func (m *MemoryStore) GetGroup(ctx context.Context, groupID string) (models.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return models.Group{}, models.ErrNotFound
	}
	return g, nil
}

func (m *MemoryStore) PutGroup(ctx context.Context, g models.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.ID] = g
	return nil
}

func (m *MemoryStore) Close() error { return nil }
