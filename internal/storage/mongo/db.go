// Package mongo implements the storage contracts on MongoDB. Projects embed
// their credential list and usage counters; counter movement is always a
// server-side $inc. Usage records and audit logs carry TTL indexes.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const recordTTL = 90 * 24 * time.Hour

// Store implements storage.Store on a MongoDB database.
type Store struct {
	client   *mongo.Client
	users    *mongo.Collection
	tokens   *mongo.Collection
	projects *mongo.Collection
	usage    *mongo.Collection
	audit    *mongo.Collection
}

// New connects to MongoDB, ensures indexes, and returns a Store.
func New(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}

	db := client.Database(dbName)
	s := &Store{
		client:   client,
		users:    db.Collection("users"),
		tokens:   db.Collection("personalaccesstokens"),
		projects: db.Collection("projects"),
		usage:    db.Collection("usagerecords"),
		audit:    db.Collection("auditlogs"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ttlSeconds := int32(recordTTL / time.Second)

	specs := []struct {
		coll   *mongo.Collection
		models []mongo.IndexModel
	}{
		{s.users, []mongo.IndexModel{
			{
				// Email unique among non-deleted users.
				Keys: bson.D{{Key: "email", Value: 1}},
				Options: options.Index().SetUnique(true).SetPartialFilterExpression(
					bson.D{{Key: "status", Value: bson.D{{Key: "$ne", Value: "deleted"}}}},
				),
			},
			{
				Keys: bson.D{{Key: "externalId", Value: 1}},
				Options: options.Index().SetUnique(true).SetPartialFilterExpression(
					bson.D{{Key: "externalId", Value: bson.D{{Key: "$exists", Value: true}}}},
				),
			},
		}},
		{s.tokens, []mongo.IndexModel{
			{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "userId", Value: 1}}},
		}},
		{s.projects, []mongo.IndexModel{
			{Keys: bson.D{{Key: "ownerId", Value: 1}}},
			{Keys: bson.D{{Key: "members.userId", Value: 1}}},
		}},
		{s.usage, []mongo.IndexModel{
			{Keys: bson.D{{Key: "timestamp", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(ttlSeconds)},
			{Keys: bson.D{{Key: "projectId", Value: 1}, {Key: "timestamp", Value: -1}}},
		}},
		{s.audit, []mongo.IndexModel{
			{Keys: bson.D{{Key: "timestamp", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(ttlSeconds)},
			{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "timestamp", Value: -1}}},
		}},
	}

	for _, spec := range specs {
		if _, err := spec.coll.Indexes().CreateMany(ctx, spec.models); err != nil {
			return fmt.Errorf("mongo: ensure indexes on %s: %w", spec.coll.Name(), err)
		}
	}
	return nil
}

// Ping verifies connectivity against the primary.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
