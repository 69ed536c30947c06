package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"courier/internal/constants"
	"courier/pkg/metrics"
	"courier/pkg/models"
)

// recordDocument keeps the envelope as JSON so attribute scalar types and
// the raw payload round-trip exactly.
type recordDocument struct {
	Seq        int64     `bson:"seq"`
	Bus        string    `bson:"bus"`
	EventID    string    `bson:"event_id"`
	AcceptedAt time.Time `bson:"accepted_at"`
	Envelope   string    `bson:"envelope"`
}

type MongoStore struct {
	collection *mongo.Collection
	counters   *mongo.Collection
}

// counterID names the sequence document in the counters collection.
const counterID = "archive_records"

// NewMongoStore expects the indexes from migrations.EnsureArchiveIndexes;
// the unique event_id index makes Append idempotent.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		collection: db.Collection(constants.ArchiveCollection),
		counters:   db.Collection(constants.ArchiveCounterCollection),
	}
}

// reserve allocates n consecutive sequence numbers and returns the first.
// The counter document is shared by every writer of the database.
func (s *MongoStore) reserve(ctx context.Context, n int) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": counterID},
		bson.M{"$inc": bson.M{"seq": int64(n)}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to reserve sequence: %w", err)
	}
	return counter.Seq - int64(n) + 1, nil
}

func observeMongo(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.IncDatabaseQuery("archive", "mongodb", op, status)
	metrics.ObserveDatabaseQueryDuration("archive", "mongodb", op, time.Since(start))
}

func (s *MongoStore) Append(ctx context.Context, records []Record) (err error) {
	if len(records) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { observeMongo("append", start, err) }()

	first, err := s.reserve(ctx, len(records))
	if err != nil {
		return err
	}

	// A duplicate event id leaves a gap in the sequence; Scan only needs
	// the order.
	docs := make([]interface{}, 0, len(records))
	for i, r := range records {
		data, err := models.MarshalEnvelope(r.Envelope)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", r.Envelope.ID, err)
		}
		docs = append(docs, recordDocument{
			Seq:        first + int64(i),
			Bus:        r.Bus,
			EventID:    r.Envelope.ID,
			AcceptedAt: r.AcceptedAt.UTC(),
			Envelope:   string(data),
		})
	}

	_, err = s.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !onlyDuplicates(err) {
		return fmt.Errorf("failed to insert records: %w", err)
	}
	return nil
}

func onlyDuplicates(err error) bool {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) {
		return mongo.IsDuplicateKeyError(err)
	}
	if bwe.WriteConcernError != nil {
		return false
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != 11000 {
			return false
		}
	}
	return true
}

func (s *MongoStore) Scan(ctx context.Context, q Query) (records []Record, err error) {
	start := time.Now()
	defer func() { observeMongo("scan", start, err) }()

	filter := bson.M{"seq": bson.M{"$gt": q.AfterSeq}}
	if q.Bus != "" {
		filter["bus"] = q.Bus
	}
	accepted := bson.M{}
	if !q.From.IsZero() {
		accepted["$gte"] = q.From.UTC()
	}
	if !q.To.IsZero() {
		accepted["$lt"] = q.To.UTC()
	}
	if len(accepted) > 0 {
		filter["accepted_at"] = accepted
	}

	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find records: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []recordDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}

	records = make([]Record, 0, len(docs))
	for _, d := range docs {
		env, err := models.UnmarshalEnvelope([]byte(d.Envelope))
		if err != nil {
			return nil, fmt.Errorf("record %d: invalid envelope: %w", d.Seq, err)
		}
		records = append(records, Record{Seq: d.Seq, Bus: d.Bus, AcceptedAt: d.AcceptedAt.UTC(), Envelope: env})
	}
	return records, nil
}

func (s *MongoStore) Purge(ctx context.Context, before time.Time) (n int64, err error) {
	start := time.Now()
	defer func() { observeMongo("purge", start, err) }()

	res, err := s.collection.DeleteMany(ctx, bson.M{"accepted_at": bson.M{"$lt": before.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("failed to purge records: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) MaxSeq(ctx context.Context) (int64, error) {
	var doc recordDocument
	opts := options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})
	err := s.collection.FindOne(ctx, bson.M{}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read max seq: %w", err)
	}
	return doc.Seq, nil
}

// Close leaves the client to its owner.
func (s *MongoStore) Close() error {
	return nil
}
