// Package mongolog implements audit.Log against MongoDB, using ordered
// inserts into a capped collection for the durability-before-response
// guarantee in spec §8 property 3.
package mongolog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/cartorch/orchestrator/internal/model"
)

// Log appends AuditRecords as documents in a MongoDB collection.
type Log struct {
	coll *mongo.Collection
}

// Open returns a Log writing to database.collection. If the collection does
// not already exist, it is created as a capped collection sized maxBytes so
// the journal self-bounds in long-running deployments; pass maxBytes <= 0 to
// skip capping (e.g. when the collection already exists uncapped).
func Open(ctx context.Context, client *mongo.Client, database, collection string, maxBytes int64) (*Log, error) {
	db := client.Database(database)
	if maxBytes > 0 {
		capped := true
		opts := options.CreateCollection().SetCapped(capped).SetSizeInBytes(maxBytes)
		if err := db.CreateCollection(ctx, collection, opts); err != nil {
			// NamespaceExists (48) is fine; any other error is fatal to startup.
			var cmdErr mongo.CommandError
			if !(errors.As(err, &cmdErr) && cmdErr.Code == 48) {
				return nil, fmt.Errorf("mongolog: create collection: %w", err)
			}
		}
	}
	return &Log{coll: db.Collection(collection)}, nil
}

// Append implements audit.Log. MongoDB write-concern "majority" (the driver
// default) acknowledges durability to the replica set before InsertOne
// returns, satisfying the before-response guarantee.
func (l *Log) Append(ctx context.Context, record model.AuditRecord) error {
	doc := bson.M{
		"_id":        record.ID,
		"ts":         record.Timestamp,
		"run_id":     record.RunID,
		"session_id": record.SessionID,
		"actor":      record.Actor,
		"action":     record.Action,
		"detail":     record.Detail,
	}
	if _, err := l.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongolog: insert: %w", err)
	}
	return nil
}

// Scan reads records in insertion order using natural ($natural) sort.
func (l *Log) Scan(ctx context.Context, fn func(model.AuditRecord) error) error {
	opts := options.Find().SetSort(bson.D{{Key: "$natural", Value: 1}})
	cur, err := l.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return fmt.Errorf("mongolog: find: %w", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc struct {
			ID        string         `bson:"_id"`
			Timestamp time.Time      `bson:"ts"`
			RunID     string         `bson:"run_id"`
			SessionID string         `bson:"session_id"`
			Actor     string         `bson:"actor"`
			Action    string         `bson:"action"`
			Detail    map[string]any `bson:"detail"`
		}
		if err := cur.Decode(&doc); err != nil {
			return fmt.Errorf("mongolog: decode: %w", err)
		}
		rec := model.AuditRecord{
			ID:        doc.ID,
			Timestamp: doc.Timestamp,
			RunID:     doc.RunID,
			SessionID: doc.SessionID,
			Actor:     doc.Actor,
			Action:    doc.Action,
			Detail:    doc.Detail,
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return cur.Err()
}
