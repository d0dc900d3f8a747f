package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	guard "github.com/eugener/aiguard/internal"
)

func (s *Store) CreateToken(ctx context.Context, t *guard.PersonalAccessToken) error {
	if _, err := s.tokens.InsertOne(ctx, t); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: token name %q", guard.ErrConflict, t.Name)
		}
		return fmt.Errorf("%w: create token: %v", guard.ErrDatabase, err)
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, id string) (*guard.PersonalAccessToken, error) {
	var t guard.PersonalAccessToken
	if err := s.tokens.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&t); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, guard.ErrNotFound
		}
		return nil, fmt.Errorf("%w: find token: %v", guard.ErrDatabase, err)
	}
	return &t, nil
}

func (s *Store) ListTokens(ctx context.Context, userID string) ([]*guard.PersonalAccessToken, error) {
	cur, err := s.tokens.Find(ctx, bson.D{{Key: "userId", Value: userID}})
	if err != nil {
		return nil, fmt.Errorf("%w: list tokens: %v", guard.ErrDatabase, err)
	}
	var out []*guard.PersonalAccessToken
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("%w: decode tokens: %v", guard.ErrDatabase, err)
	}
	return out, nil
}

// ReplaceTokenSecret rotates a token in place: Mongo _id is immutable, so the
// old document is removed and re-inserted under the new identifier with the
// new hash, preserving everything else.
func (s *Store) ReplaceTokenSecret(ctx context.Context, oldID, newID, newHash string) error {
	old, err := s.GetToken(ctx, oldID)
	if err != nil {
		return err
	}
	fresh := *old
	fresh.ID = newID
	fresh.TokenHash = newHash
	fresh.UpdatedAt = time.Now().UTC()

	if _, err := s.tokens.InsertOne(ctx, &fresh); err != nil {
		return fmt.Errorf("%w: rotate token insert: %v", guard.ErrDatabase, err)
	}
	if _, err := s.tokens.DeleteOne(ctx, bson.D{{Key: "_id", Value: oldID}}); err != nil {
		return fmt.Errorf("%w: rotate token delete: %v", guard.ErrDatabase, err)
	}
	return nil
}

func (s *Store) RevokeToken(ctx context.Context, id string) error {
	res, err := s.tokens.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "revoked", Value: true},
			{Key: "updatedAt", Value: time.Now().UTC()},
		}}},
	)
	if err != nil {
		return fmt.Errorf("%w: revoke token: %v", guard.ErrDatabase, err)
	}
	if res.MatchedCount == 0 {
		return guard.ErrNotFound
	}
	return nil
}

func (s *Store) RevokeUserTokens(ctx context.Context, userID string) error {
	_, err := s.tokens.UpdateMany(ctx,
		bson.D{{Key: "userId", Value: userID}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "revoked", Value: true},
			{Key: "updatedAt", Value: time.Now().UTC()},
		}}},
	)
	if err != nil {
		return fmt.Errorf("%w: revoke user tokens: %v", guard.ErrDatabase, err)
	}
	return nil
}

func (s *Store) TouchTokenUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.tokens.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "lastUsedAt", Value: at}}}},
	)
	if err != nil {
		return fmt.Errorf("%w: touch token: %v", guard.ErrDatabase, err)
	}
	return nil
}
