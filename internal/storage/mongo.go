package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// DefaultDatabase is used when the connection URI does not name one.
const DefaultDatabase = "water_tank_db"

const (
	channelsCollection = "channels"
	dataCollection     = "data"
)

// MongoStore persists channels and entries in MongoDB. Entries are stored
// as flat documents with tank_id, timestamp and one key per field, so the
// collection can be queried directly by dashboards.
type MongoStore struct {
	client   *mongo.Client
	channels *mongo.Collection
	data     *mongo.Collection
	logger   *logrus.Logger
}

type channelDoc struct {
	ChannelName string   `bson:"channel_name"`
	APIKey      string   `bson:"api_key,omitempty"`
	Fields      []string `bson:"fields"`
}

// NewMongoStore connects to MongoDB and prepares the channel and data
// collections
func NewMongoStore(ctx context.Context, uri, dbName string, logger *logrus.Logger) (*MongoStore, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongodb uri is required")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	if dbName == "" {
		dbName = DefaultDatabase
	}
	db := client.Database(dbName)

	store := &MongoStore{
		client:   client,
		channels: db.Collection(channelsCollection),
		data:     db.Collection(dataCollection),
		logger:   logger,
	}

	if err := store.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"database": dbName,
	}).Info("Connected to MongoDB")

	return store, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.channels.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "channel_name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}

	_, err = s.data.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "tank_id", Value: 1},
			{Key: "timestamp", Value: 1},
		},
	})
	return err
}

// CreateChannel inserts a channel document. The unique index on
// channel_name rejects duplicates.
func (s *MongoStore) CreateChannel(ctx context.Context, ch Channel) error {
	doc := channelDoc{
		ChannelName: ch.Name,
		APIKey:      ch.APIKey,
		Fields:      ch.Fields,
	}

	if _, err := s.channels.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrChannelExists
		}
		return fmt.Errorf("failed to insert channel: %w", err)
	}
	return nil
}

// GetChannel returns a channel by name
func (s *MongoStore) GetChannel(ctx context.Context, name string) (*Channel, error) {
	var doc channelDoc
	err := s.channels.FindOne(ctx, bson.M{"channel_name": name}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query channel: %w", err)
	}

	return &Channel{
		Name:   doc.ChannelName,
		APIKey: doc.APIKey,
		Fields: doc.Fields,
	}, nil
}

// ListChannels returns up to limit channels without their API keys
func (s *MongoStore) ListChannels(ctx context.Context, limit int64) ([]Channel, error) {
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}

	findOpts := options.Find().
		SetLimit(limit).
		SetProjection(bson.M{"_id": 0, "channel_name": 1, "fields": 1})

	cursor, err := s.channels.Find(ctx, bson.M{}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	var docs []channelDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode channels: %w", err)
	}

	channels := make([]Channel, 0, len(docs))
	for _, doc := range docs {
		channels = append(channels, Channel{
			Name:   doc.ChannelName,
			Fields: doc.Fields,
		})
	}
	return channels, nil
}

// UpdateChannelFields replaces the field list of a channel
func (s *MongoStore) UpdateChannelFields(ctx context.Context, name string, fields []string) error {
	result, err := s.channels.UpdateOne(ctx,
		bson.M{"channel_name": name},
		bson.M{"$set": bson.M{"fields": fields}})
	if err != nil {
		return fmt.Errorf("failed to update channel fields: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// DeleteChannel removes a channel document
func (s *MongoStore) DeleteChannel(ctx context.Context, name string) error {
	result, err := s.channels.DeleteOne(ctx, bson.M{"channel_name": name})
	if err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// InsertEntry stores a telemetry record as a flat document
func (s *MongoStore) InsertEntry(ctx context.Context, e Entry) error {
	doc := bson.M{
		"_id":       e.ID,
		"tank_id":   e.ChannelName,
		"timestamp": e.Timestamp,
	}
	for k, v := range e.Fields {
		doc[k] = v
	}

	if _, err := s.data.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

// QueryEntries returns the entries of a channel, oldest first unless
// opts.Descending is set
func (s *MongoStore) QueryEntries(ctx context.Context, channel string, opts QueryOptions) ([]Entry, error) {
	filter := bson.M{"tank_id": channel}
	if opts.StartTime != nil || opts.EndTime != nil {
		timeRange := bson.M{}
		if opts.StartTime != nil {
			timeRange["$gte"] = *opts.StartTime
		}
		if opts.EndTime != nil {
			timeRange["$lte"] = *opts.EndTime
		}
		filter["timestamp"] = timeRange
	}

	order := 1
	if opts.Descending {
		order = -1
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: order}})
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}
	if len(opts.Fields) > 0 {
		projection := bson.M{"_id": 0, "timestamp": 1}
		for _, f := range opts.Fields {
			projection[f] = 1
		}
		findOpts.SetProjection(projection)
	}

	cursor, err := s.data.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode entries: %w", err)
	}

	entries := make([]Entry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, entryFromDoc(doc))
	}
	return entries, nil
}

// LatestEntry returns the most recent entry of a channel
func (s *MongoStore) LatestEntry(ctx context.Context, channel string) (*Entry, error) {
	findOpts := options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}})

	var doc bson.M
	err := s.data.FindOne(ctx, bson.M{"tank_id": channel}, findOpts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNoData
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest entry: %w", err)
	}

	entry := entryFromDoc(doc)
	return &entry, nil
}

// DeleteEntries removes all entries of a channel and returns the count
func (s *MongoStore) DeleteEntries(ctx context.Context, channel string) (int64, error) {
	result, err := s.data.DeleteMany(ctx, bson.M{"tank_id": channel})
	if err != nil {
		return 0, fmt.Errorf("failed to delete entries: %w", err)
	}
	return result.DeletedCount, nil
}

// SetFieldValue writes value into field on every entry of a channel. Used
// to backfill removed fields with "N/A".
func (s *MongoStore) SetFieldValue(ctx context.Context, channel, field string, value interface{}) (int64, error) {
	result, err := s.data.UpdateMany(ctx,
		bson.M{"tank_id": channel},
		bson.M{"$set": bson.M{field: value}})
	if err != nil {
		return 0, fmt.Errorf("failed to set field value: %w", err)
	}
	return result.ModifiedCount, nil
}

// ChannelsMissingFields returns the names of channel documents that lack a
// fields list
func (s *MongoStore) ChannelsMissingFields(ctx context.Context) ([]string, error) {
	cursor, err := s.channels.Find(ctx, bson.M{"fields": bson.M{"$exists": false}})
	if err != nil {
		return nil, fmt.Errorf("failed to scan channels: %w", err)
	}

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode channels: %w", err)
	}

	var names []string
	for _, doc := range docs {
		if name, ok := doc["channel_name"].(string); ok {
			names = append(names, name)
		} else if name, ok := doc["name"].(string); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// CountLegacyNameKeys counts channel documents still keyed by the legacy
// "name" field
func (s *MongoStore) CountLegacyNameKeys(ctx context.Context) (int64, error) {
	count, err := s.channels.CountDocuments(ctx,
		bson.M{"channel_name": bson.M{"$exists": false}, "name": bson.M{"$exists": true}})
	if err != nil {
		return 0, fmt.Errorf("failed to count legacy channels: %w", err)
	}
	return count, nil
}

// RenameLegacyNameKey renames the legacy "name" key to "channel_name" on
// channel documents written by early deployments
func (s *MongoStore) RenameLegacyNameKey(ctx context.Context) (int64, error) {
	result, err := s.channels.UpdateMany(ctx,
		bson.M{"channel_name": bson.M{"$exists": false}, "name": bson.M{"$exists": true}},
		bson.M{"$rename": bson.M{"name": "channel_name"}})
	if err != nil {
		return 0, fmt.Errorf("failed to rename legacy name key: %w", err)
	}
	return result.ModifiedCount, nil
}

// Ping verifies the MongoDB connection
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects from MongoDB
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func entryFromDoc(doc bson.M) Entry {
	e := Entry{Fields: make(map[string]interface{})}
	for k, v := range doc {
		switch k {
		case "_id":
			switch id := v.(type) {
			case string:
				e.ID = id
			case primitive.ObjectID:
				e.ID = id.Hex()
			}
		case "tank_id":
			if name, ok := v.(string); ok {
				e.ChannelName = name
			}
		case "timestamp":
			switch ts := v.(type) {
			case primitive.DateTime:
				e.Timestamp = ts.Time().UTC()
			case time.Time:
				e.Timestamp = ts.UTC()
			}
		default:
			e.Fields[k] = v
		}
	}
	return e
}
