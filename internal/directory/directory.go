package directory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/ridesaver/internal/models"
	"github.com/example/ridesaver/internal/storage"
)

// Directory resolves identities to groups. Lookups are read-mostly, so
// groups and members are served from a TTL cache in front of the backend.
type Directory struct {
	store   storage.DirectoryStore
	groups  *cache[models.Group]
	members *cache[models.Member]
}

func New(store storage.DirectoryStore, ttl time.Duration) *Directory {
	return &Directory{
		store:   store,
		groups:  newCache[models.Group](ttl),
		members: newCache[models.Member](ttl),
	}
}

// ResolveGroup returns the group id of userID.
func (d *Directory) ResolveGroup(ctx context.Context, userID string) (string, error) {
	m, err := d.Member(ctx, userID)
	if err != nil {
		return "", err
	}
	return m.GroupID, nil
}

func (d *Directory) Member(ctx context.Context, userID string) (models.Member, error) {
	if m, ok := d.members.get(userID); ok {
		return m, nil
	}
	m, err := d.store.GetMember(ctx, userID)
	if err != nil {
		return models.Member{}, err
	}
	d.members.set(userID, m)
	return m, nil
}

func (d *Directory) GetGroup(ctx context.Context, groupID string) (models.Group, error) {
	if g, ok := d.groups.get(groupID); ok {
		return g, nil
	}
	g, err := d.store.GetGroup(ctx, groupID)
	if err != nil {
		return models.Group{}, err
	}
	d.groups.set(groupID, g)
	return g, nil
}

// DisplayName falls back to the user id when the member is unknown.
func (d *Directory) DisplayName(ctx context.Context, userID string) string {
	m, err := d.Member(ctx, userID)
	if err != nil || m.DisplayName == "" {
		return userID
	}
	return m.DisplayName
}

// Register records a new member in an existing group. Moving an existing
// member to another group is an administrative operation and is refused.
func (d *Directory) Register(ctx context.Context, m models.Member) (models.Member, error) {
	m.DisplayName = strings.TrimSpace(m.DisplayName)
	ve := &models.ValidationError{}
	if m.UserID == "" {
		ve.Add("user_id", "is required")
	}
	if m.DisplayName == "" {
		ve.Add("display_name", "is required")
	}
	if m.GroupID == "" {
		ve.Add("group_id", "is required")
	}
	if err := ve.OrNil(); err != nil {
		return models.Member{}, err
	}
	if _, err := d.GetGroup(ctx, m.GroupID); err != nil {
		return models.Member{}, fmt.Errorf("group %s: %w", m.GroupID, err)
	}
	if err := d.store.PutMember(ctx, m); err != nil {
		return models.Member{}, err
	}
	d.members.set(m.UserID, m)
	return m, nil
}

// PutGroup creates or updates group metadata; used for seeding.
func (d *Directory) PutGroup(ctx context.Context, g models.Group) error {
	ve := &models.ValidationError{}
	if g.ID == "" {
		ve.Add("id", "is required")
	}
	if g.Latitude < -90 || g.Latitude > 90 {
		ve.Add("latitude", "must be between -90 and 90")
	}
	if g.Longitude < -180 || g.Longitude > 180 {
		ve.Add("longitude", "must be between -180 and 180")
	}
	if err := ve.OrNil(); err != nil {
		return err
	}
	if err := d.store.PutGroup(ctx, g); err != nil {
		return err
	}
	d.groups.set(g.ID, g)
	return nil
}
