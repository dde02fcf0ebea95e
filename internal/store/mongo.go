package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/signagehq/voicerelay/internal/tenant"
)

// Collection names
const (
	organizationsCollection = "organizations"
	screensCollection       = "screens"
)

// MongoStore reads tenant documents from MongoDB.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore connects to uri and verifies the connection.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongodb uri is required")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return &MongoStore{client: client, db: client.Database(database)}, nil
}

// GetTenant implements tenant.Store.
func (s *MongoStore) GetTenant(ctx context.Context, tenantID string) (tenant.Document, error) {
	var raw bson.M
	err := s.db.Collection(organizationsCollection).FindOne(ctx, bson.M{"_id": tenantID}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, tenant.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toDocument(raw), nil
}

// ListContent implements tenant.Store.
func (s *MongoStore) ListContent(ctx context.Context, tenantID string) ([]tenant.Document, error) {
	cursor, err := s.db.Collection(screensCollection).Find(ctx, bson.M{"orgId": tenantID})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var screens []tenant.Document
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, err
		}
		screens = append(screens, toDocument(raw))
	}
	return screens, cursor.Err()
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func toDocument(m bson.M) tenant.Document {
	doc := make(tenant.Document, len(m))
	for k, v := range m {
		doc[k] = normalize(v)
	}
	return doc
}

// normalize converts driver types into the plain maps, slices and times the
// tenant mapping understands.
func normalize(v any) any {
	switch t := v.(type) {
	case bson.M:
		return map[string]any(toDocument(t))
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0).UTC()
	case primitive.ObjectID:
		return t.Hex()
	}
	return v
}
