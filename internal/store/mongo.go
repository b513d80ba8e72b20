package store

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"festival-live-backend/internal/model"
)

// SubscriptionsCollection holds one document per push endpoint.
const SubscriptionsCollection = "push_subscriptions"

// MongoStore implements Store on a MongoDB collection.
type MongoStore struct {
	collection *mongo.Collection
	locks      userLocks
	opts       storeOptions
}

// NewMongoStore creates the store and ensures its indexes: unique on
// endpoint, and unique on user_id for documents that carry one.
func NewMongoStore(ctx context.Context, db *mongo.Database, opts ...Option) (*MongoStore, error) {
	s := &MongoStore{
		collection: db.Collection(SubscriptionsCollection),
		opts:       newOptions(opts),
	}

	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "endpoint", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"user_id": bson.M{"$type": "string"}}),
		},
	}
	if _, err := s.collection.Indexes().CreateMany(ctx, indexModels); err != nil {
		return nil, fmt.Errorf("create subscription indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) Upsert(ctx context.Context, sub model.PushSubscription, identity model.Identity) error {
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
	if mongo.IsDuplicateKeyError(err) {
		err = s.upsert(ctx, sub)
	}
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (s *MongoStore) upsert(ctx context.Context, sub model.PushSubscription) error {
	if sub.UserID != nil {
		if _, err := s.collection.DeleteMany(ctx, bson.M{
			"user_id":  *sub.UserID,
			"endpoint": bson.M{"$ne": sub.Endpoint},
		}); err != nil {
			return err
		}
	}
	if sub.UserID != nil {
		_, err := s.collection.ReplaceOne(ctx, bson.M{"endpoint": sub.Endpoint}, sub, options.Replace().SetUpsert(true))
		return err
	}
	// anonymous: refresh keys, keep any owner
	_, err := s.collection.UpdateOne(ctx, bson.M{"endpoint": sub.Endpoint}, bson.M{
		"$set": bson.M{"p256dh": sub.P256DH, "auth": sub.Auth, "created_at": sub.CreatedAt},
	}, options.Update().SetUpsert(true))
	return err
}

func (s *MongoStore) Remove(ctx context.Context, endpoint string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"endpoint": endpoint}); err != nil {
		return fmt.Errorf("remove subscription: %w", err)
	}
	return nil
}

func (s *MongoStore) MarkGone(ctx context.Context, endpoint string) error {
	return s.Remove(ctx, endpoint)
}

func (s *MongoStore) FindByEndpoint(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	return s.findOne(ctx, bson.M{"endpoint": endpoint})
}

func (s *MongoStore) FindByUser(ctx context.Context, userID string) (*model.PushSubscription, error) {
	return s.findOne(ctx, bson.M{"user_id": userID})
}

// FindAnonymousByEndpoint matches documents whose user_id is missing or null.
func (s *MongoStore) FindAnonymousByEndpoint(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	return s.findOne(ctx, bson.M{"endpoint": endpoint, "user_id": nil})
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	err := s.collection.FindOne(ctx, filter).Decode(&sub)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find subscription: %w", err)
	}
	return &sub, nil
}

func (s *MongoStore) AllActive(ctx context.Context) iter.Seq2[model.PushSubscription, error] {
	return func(yield func(model.PushSubscription, error) bool) {
		filter := bson.M{}
		for {
			findOpts := options.Find().
				SetSort(bson.D{{Key: "endpoint", Value: 1}}).
				SetLimit(int64(s.opts.pageSize))
			cursor, err := s.collection.Find(ctx, filter, findOpts)
			if err != nil {
				yield(model.PushSubscription{}, fmt.Errorf("list subscriptions: %w", err))
				return
			}
			var page []model.PushSubscription
			if err := cursor.All(ctx, &page); err != nil {
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
			filter = bson.M{"endpoint": bson.M{"$gt": page[len(page)-1].Endpoint}}
		}
	}
}

func (s *MongoStore) Count(ctx context.Context) (int64, error) {
	n, err := s.collection.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return n, nil
}
