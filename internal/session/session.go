package session

import (
	"context"

	"github.com/example/ridesaver/internal/models"
)

// Session identifies the calling user. It travels in the request context
// instead of living in process-wide state.
type Session struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

type contextKey struct{}

func With(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

func From(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(contextKey{}).(Session)
	return s, ok && s.UserID != ""
}

// Require returns the session or models.ErrUnauthenticated.
func Require(ctx context.Context) (Session, error) {
	s, ok := From(ctx)
	if !ok {
		return Session{}, models.ErrUnauthenticated
	}
	return s, nil
}
