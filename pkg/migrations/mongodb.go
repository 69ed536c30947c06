package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"courier/internal/constants"
)

// EnsureArchiveIndexes creates the archive collection indexes. The
// collection itself is created on first insert.
func EnsureArchiveIndexes(ctx context.Context, db *mongo.Database) error {
	collection := db.Collection(constants.ArchiveCollection)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "seq", Value: 1}},
			Options: options.Index().SetName("idx_archive_seq").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "event_id", Value: 1}},
			Options: options.Index().SetName("idx_archive_event_id").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "bus", Value: 1}, {Key: "accepted_at", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetName("idx_archive_bus_accepted_seq"),
		},
		{
			Keys:    bson.D{{Key: "accepted_at", Value: 1}},
			Options: options.Index().SetName("idx_archive_accepted_at"),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}
	return nil
}
