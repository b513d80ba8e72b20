package store

import (
	"context"
	"errors"
	"iter"
	"strings"

	"festival-live-backend/internal/model"
)

var (
	// ErrNotFound is returned by lookups that match no subscription.
	ErrNotFound = errors.New("subscription not found")
	// ErrInvalidSubscription is returned when endpoint or keys are missing.
	ErrInvalidSubscription = errors.New("subscription requires endpoint, p256dh and auth")
)

// Store is the persistent registry of push subscriptions.
//
// Endpoints are unique, and at most one subscription exists per user.
// Remove and MarkGone are idempotent.
type Store interface {
	Upsert(ctx context.Context, sub model.PushSubscription, identity model.Identity) error
	Remove(ctx context.Context, endpoint string) error
	MarkGone(ctx context.Context, endpoint string) error
	FindByEndpoint(ctx context.Context, endpoint string) (*model.PushSubscription, error)
	FindByUser(ctx context.Context, userID string) (*model.PushSubscription, error)
	FindAnonymousByEndpoint(ctx context.Context, endpoint string) (*model.PushSubscription, error)
	// AllActive lazily pages through every subscription ordered by endpoint.
	// Each call starts a fresh iteration.
	AllActive(ctx context.Context) iter.Seq2[model.PushSubscription, error]
	Count(ctx context.Context) (int64, error)
}

// prepare validates sub and binds it to identity. Anonymous identities
// always produce an anonymous record, whatever UserID the caller passed.
func prepare(sub model.PushSubscription, identity model.Identity) (model.PushSubscription, error) {
	sub.Endpoint = strings.TrimSpace(sub.Endpoint)
	if sub.Endpoint == "" || sub.P256DH == "" || sub.Auth == "" {
		return sub, ErrInvalidSubscription
	}
	if identity.IsAnonymous() {
		sub.UserID = nil
	} else {
		userID := identity.UserID
		sub.UserID = &userID
	}
	return sub, nil
}

var (
	_ Store = (*GormStore)(nil)
	_ Store = (*MongoStore)(nil)
)
