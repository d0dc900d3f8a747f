package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	guard "github.com/eugener/aiguard/internal"
	"github.com/eugener/aiguard/internal/storage"
)

func (s *Store) CreateProject(ctx context.Context, p *guard.Project) error {
	if _, err := s.projects.InsertOne(ctx, p); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: project %s", guard.ErrConflict, p.ID)
		}
		return fmt.Errorf("%w: create project: %v", guard.ErrDatabase, err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*guard.Project, error) {
	var p guard.Project
	if err := s.projects.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&p); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, guard.ErrNotFound
		}
		return nil, fmt.Errorf("%w: find project: %v", guard.ErrDatabase, err)
	}
	return &p, nil
}

func (s *Store) ListProjectsForUser(ctx context.Context, userID string) ([]*guard.Project, error) {
	cur, err := s.projects.Find(ctx, bson.D{{Key: "members.userId", Value: userID}})
	if err != nil {
		return nil, fmt.Errorf("%w: list projects: %v", guard.ErrDatabase, err)
	}
	var out []*guard.Project
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("%w: decode projects: %v", guard.ErrDatabase, err)
	}
	return out, nil
}

func (s *Store) UpdateSettings(ctx context.Context, id string, settings guard.ProjectSettings) error {
	res, err := s.projects.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "settings", Value: settings},
			{Key: "updatedAt", Value: time.Now().UTC()},
		}}},
	)
	if err != nil {
		return fmt.Errorf("%w: update settings: %v", guard.ErrDatabase, err)
	}
	if res.MatchedCount == 0 {
		return guard.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.projects.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return fmt.Errorf("%w: delete project: %v", guard.ErrDatabase, err)
	}
	if res.DeletedCount == 0 {
		return guard.ErrNotFound
	}
	return nil
}

func (s *Store) AddMember(ctx context.Context, projectID string, m guard.ProjectMember) error {
	// $push guarded by a filter excluding existing membership keeps the
	// operation atomic without a transaction.
	res, err := s.projects.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: projectID},
			{Key: "members.userId", Value: bson.D{{Key: "$ne", Value: m.UserID}}},
		},
		bson.D{
			{Key: "$push", Value: bson.D{{Key: "members", Value: m}}},
			{Key: "$set", Value: bson.D{{Key: "updatedAt", Value: time.Now().UTC()}}},
		},
	)
	if err != nil {
		return fmt.Errorf("%w: add member: %v", guard.ErrDatabase, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: member already present or project missing", guard.ErrConflict)
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, projectID, userID string) error {
	res, err := s.projects.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: projectID}},
		bson.D{
			{Key: "$pull", Value: bson.D{{Key: "members", Value: bson.D{{Key: "userId", Value: userID}}}}},
			{Key: "$set", Value: bson.D{{Key: "updatedAt", Value: time.Now().UTC()}}},
		},
	)
	if err != nil {
		return fmt.Errorf("%w: remove member: %v", guard.ErrDatabase, err)
	}
	if res.MatchedCount == 0 {
		return guard.ErrNotFound
	}
	return nil
}

func (s *Store) AddCredential(ctx context.Context, projectID string, c guard.ProviderCredential) error {
	res, err := s.projects.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: projectID}},
		bson.D{
			{Key: "$push", Value: bson.D{{Key: "credentials", Value: c}}},
			{Key: "$set", Value: bson.D{{Key: "updatedAt", Value: time.Now().UTC()}}},
		},
	)
	if err != nil {
		return fmt.Errorf("%w: add credential: %v", guard.ErrDatabase, err)
	}
	if res.MatchedCount == 0 {
		return guard.ErrNotFound
	}
	return nil
}

func (s *Store) RemoveCredential(ctx context.Context, projectID, keyID string) error {
	res, err := s.projects.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: projectID}},
		bson.D{
			{Key: "$pull", Value: bson.D{{Key: "credentials", Value: bson.D{{Key: "keyId", Value: keyID}}}}},
			{Key: "$set", Value: bson.D{{Key: "updatedAt", Value: time.Now().UTC()}}},
		},
	)
	if err != nil {
		return fmt.Errorf("%w: remove credential: %v", guard.ErrDatabase, err)
	}
	if res.MatchedCount == 0 {
		return guard.ErrNotFound
	}
	return nil
}

// IncrementUsage moves all three buckets in one server-side $inc. Racing
// increments are both applied by the server; nothing here reads the counters.
func (s *Store) IncrementUsage(ctx context.Context, projectID string, d storage.UsageDelta) error {
	inc := bson.D{}
	for _, bucket := range []string{"total", "currentMonth", "currentDay"} {
		inc = append(inc,
			bson.E{Key: "usage." + bucket + ".requests", Value: d.Requests},
			bson.E{Key: "usage." + bucket + ".tokens", Value: d.Tokens},
			bson.E{Key: "usage." + bucket + ".cost", Value: d.Cost},
		)
	}
	res, err := s.projects.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: projectID}},
		bson.D{
			{Key: "$inc", Value: inc},
			{Key: "$set", Value: bson.D{{Key: "usage.lastUpdated", Value: time.Now().UTC()}}},
		},
	)
	if err != nil {
		return fmt.Errorf("%w: increment usage: %v", guard.ErrDatabase, err)
	}
	if res.MatchedCount == 0 {
		return guard.ErrNotFound
	}
	return nil
}

func (s *Store) ResetDailyUsage(ctx context.Context) error {
	return s.resetBucket(ctx, "currentDay")
}

func (s *Store) ResetMonthlyUsage(ctx context.Context) error {
	return s.resetBucket(ctx, "currentMonth")
}

func (s *Store) resetBucket(ctx context.Context, bucket string) error {
	_, err := s.projects.UpdateMany(ctx, bson.D{},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "usage." + bucket, Value: guard.UsageBucket{}},
			{Key: "usage.lastUpdated", Value: time.Now().UTC()},
		}}},
	)
	if err != nil {
		return fmt.Errorf("%w: reset %s: %v", guard.ErrDatabase, bucket, err)
	}
	return nil
}
