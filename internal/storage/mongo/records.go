package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	guard "github.com/eugener/aiguard/internal"
)

func (s *Store) InsertUsage(ctx context.Context, records []guard.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]any, len(records))
	for i := range records {
		docs[i] = records[i]
	}
	if _, err := s.usage.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false)); err != nil {
		return fmt.Errorf("%w: insert usage: %v", guard.ErrDatabase, err)
	}
	return nil
}

func (s *Store) ListProjectUsage(ctx context.Context, projectID string, since time.Time, limit int) ([]*guard.UsageRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	cur, err := s.usage.Find(ctx,
		bson.D{
			{Key: "projectId", Value: projectID},
			{Key: "timestamp", Value: bson.D{{Key: "$gte", Value: since}}},
		},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list usage: %v", guard.ErrDatabase, err)
	}
	var out []*guard.UsageRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("%w: decode usage: %v", guard.ErrDatabase, err)
	}
	return out, nil
}

func (s *Store) InsertAudit(ctx context.Context, entries []guard.AuditLog) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]any, len(entries))
	for i := range entries {
		docs[i] = entries[i]
	}
	if _, err := s.audit.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false)); err != nil {
		return fmt.Errorf("%w: insert audit: %v", guard.ErrDatabase, err)
	}
	return nil
}
