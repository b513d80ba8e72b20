package store

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"festival-live-backend/internal/model"
)

// GormStore implements Store on a relational database through GORM.
type GormStore struct {
	db    *gorm.DB
	locks userLocks
	opts  storeOptions
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB, opts ...Option) *GormStore {
	return &GormStore{db: db, opts: newOptions(opts)}
}

// Upsert registers sub for identity. For a user identity any other
// subscription owned by that user is removed in the same transaction. An
// anonymous upsert of an endpoint already linked to a user leaves the link.
func (s *GormStore) Upsert(ctx context.Context, sub model.PushSubscription, identity model.Identity) error {
	sub, err := prepare(sub, identity)
	if err != nil {
		return err
	}
	sub.CreatedAt = s.opts.now().UTC()

	if sub.UserID != nil {
		unlock := s.locks.lock(*sub.UserID)
		defer unlock()
	}

	err = s.upsert(ctx, sub)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Another instance registered the same user concurrently; its row is
		// committed now, so a second pass replaces it.
		err = s.upsert(ctx, sub)
	}
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (s *GormStore) upsert(ctx context.Context, sub model.PushSubscription) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if sub.UserID != nil {
			if err := tx.Where("user_id = ? AND endpoint <> ?", *sub.UserID, sub.Endpoint).
				Delete(&model.PushSubscription{}).Error; err != nil {
				return err
			}
		}
		// An anonymous re-registration refreshes the keys but keeps any owner.
		columns := []string{"p256dh", "auth", "created_at"}
		if sub.UserID != nil {
			columns = append(columns, "user_id")
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns(columns),
		}).Create(&sub).Error
	})
}

// Remove deletes the subscription with endpoint. Absent endpoints are not an error.
func (s *GormStore) Remove(ctx context.Context, endpoint string) error {
	if err := s.db.WithContext(ctx).Where("endpoint = ?", endpoint).
		Delete(&model.PushSubscription{}).Error; err != nil {
		return fmt.Errorf("remove subscription: %w", err)
	}
	return nil
}

// MarkGone purges a subscription the push service reported as permanently invalid.
func (s *GormStore) MarkGone(ctx context.Context, endpoint string) error {
	return s.Remove(ctx, endpoint)
}

func (s *GormStore) FindByEndpoint(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	return s.take(ctx, "endpoint = ?", endpoint)
}

func (s *GormStore) FindByUser(ctx context.Context, userID string) (*model.PushSubscription, error) {
	return s.take(ctx, "user_id = ?", userID)
}

func (s *GormStore) FindAnonymousByEndpoint(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	return s.take(ctx, "endpoint = ? AND user_id IS NULL", endpoint)
}

func (s *GormStore) take(ctx context.Context, query string, args ...any) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	err := s.db.WithContext(ctx).Where(query, args...).Take(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find subscription: %w", err)
	}
	return &sub, nil
}

// AllActive pages through subscriptions by endpoint so no lock or cursor is
// held between pages; rows inserted behind the cursor are picked up by the
// next iteration.
func (s *GormStore) AllActive(ctx context.Context) iter.Seq2[model.PushSubscription, error] {
	return func(yield func(model.PushSubscription, error) bool) {
		var after string
		for first := true; ; first = false {
			var page []model.PushSubscription
			q := s.db.WithContext(ctx).Order("endpoint").Limit(s.opts.pageSize)
			if !first {
				q = q.Where("endpoint > ?", after)
			}
			if err := q.Find(&page).Error; err != nil {
				yield(model.PushSubscription{}, fmt.Errorf("list subscriptions: %w", err))
				return
			}
			for _, sub := range page {
				if !yield(sub, nil) {
					return
				}
			}
			if len(page) < s.opts.pageSize {
				return
			}
			after = page[len(page)-1].Endpoint
		}
	}
}

func (s *GormStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.PushSubscription{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return n, nil
}
