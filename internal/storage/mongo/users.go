package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	guard "github.com/eugener/aiguard/internal"
	"github.com/google/uuid"
)

func (s *Store) CreateUser(ctx context.Context, u *guard.User) error {
	u.Email = strings.ToLower(u.Email)
	if _, err := s.users.InsertOne(ctx, u); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: email %s", guard.ErrConflict, u.Email)
		}
		return fmt.Errorf("%w: create user: %v", guard.ErrDatabase, err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*guard.User, error) {
	return s.findUser(ctx, bson.D{{Key: "_id", Value: id}})
}

func (s *Store) GetUserByExternalID(ctx context.Context, externalID string) (*guard.User, error) {
	return s.findUser(ctx, bson.D{{Key: "externalId", Value: externalID}})
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*guard.User, error) {
	return s.findUser(ctx, bson.D{
		{Key: "email", Value: strings.ToLower(email)},
		{Key: "status", Value: bson.D{{Key: "$ne", Value: guard.UserDeleted}}},
	})
}

func (s *Store) findUser(ctx context.Context, filter bson.D) (*guard.User, error) {
	var u guard.User
	if err := s.users.FindOne(ctx, filter).Decode(&u); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, guard.ErrNotFound
		}
		return nil, fmt.Errorf("%w: find user: %v", guard.ErrDatabase, err)
	}
	return &u, nil
}

func (s *Store) UpdateUser(ctx context.Context, u *guard.User) error {
	u.Email = strings.ToLower(u.Email)
	u.UpdatedAt = time.Now().UTC()
	res, err := s.users.ReplaceOne(ctx, bson.D{{Key: "_id", Value: u.ID}}, u)
	if err != nil {
		return fmt.Errorf("%w: update user: %v", guard.ErrDatabase, err)
	}
	if res.MatchedCount == 0 {
		return guard.ErrNotFound
	}
	return nil
}

// UpsertExternalUser creates or refreshes a user keyed by external uid. The
// refresh path updates only the profile fields the verifier supplies.
func (s *Store) UpsertExternalUser(ctx context.Context, externalID, email, displayName string) (*guard.User, error) {
	now := time.Now().UTC()
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "updatedAt", Value: now},
		}},
		{Key: "$setOnInsert", Value: bson.D{
			{Key: "_id", Value: uuid.Must(uuid.NewV7()).String()},
			{Key: "externalId", Value: externalID},
			{Key: "email", Value: strings.ToLower(email)},
			{Key: "displayName", Value: displayName},
			{Key: "status", Value: guard.UserActive},
			{Key: "createdAt", Value: now},
		}},
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var u guard.User
	err := s.users.FindOneAndUpdate(ctx, bson.D{{Key: "externalId", Value: externalID}}, update, opts).Decode(&u)
	if err != nil {
		return nil, fmt.Errorf("%w: upsert external user: %v", guard.ErrDatabase, err)
	}
	return &u, nil
}

func (s *Store) TouchLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.users.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "lastLoginAt", Value: at}}}},
	)
	if err != nil {
		return fmt.Errorf("%w: touch login: %v", guard.ErrDatabase, err)
	}
	return nil
}
