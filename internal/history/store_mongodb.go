package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"llmchat/internal/conversation"
)

const mongoCollection = "chat_history"

// mongoHistory is the stored document; the slot key is the _id
type mongoHistory struct {
	ID           string               `bson:"_id"`
	SavedAt      time.Time            `bson:"saved_at"`
	MessageCount int                  `bson:"message_count"`
	History      conversation.History `bson:"history"`
}

// MongoDBStore keeps saved conversations in the chat_history collection.
type MongoDBStore struct {
	collection *mongo.Collection
	key        string
}

// NewMongoDBStore creates a store over database.
func NewMongoDBStore(database *mongo.Database, key string) (*MongoDBStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}
	if key == "" {
		key = DefaultKey
	}
	return &MongoDBStore{collection: database.Collection(mongoCollection), key: key}, nil
}

func (s *MongoDBStore) Save(ctx context.Context, h *conversation.History) error {
	doc := mongoHistory{
		ID:           s.key,
		SavedAt:      time.Now().UTC(),
		MessageCount: len(h.Messages),
		History:      *h,
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.D{{Key: "_id", Value: s.key}}, doc, opts); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

func (s *MongoDBStore) Load(ctx context.Context) (*conversation.History, error) {
	var doc mongoHistory
	err := s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: s.key}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", conversation.ErrInvalidHistory, err)
	}
	if err := doc.History.Validate(); err != nil {
		return nil, err
	}
	return &doc.History, nil
}

func (s *MongoDBStore) Clear(ctx context.Context) error {
	if _, err := s.collection.DeleteOne(ctx, bson.D{{Key: "_id", Value: s.key}}); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

// Close is a no-op; the client belongs to the storage layer.
func (s *MongoDBStore) Close() error {
	return nil
}
