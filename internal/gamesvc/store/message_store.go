package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/stoneplay/stone-services/internal/gamesvc/models"
)

const messageRetention = 7 * 24 * time.Hour

// MessageStore keeps in-game chat in mongo. A TTL index on expires_at lets
// old game chatter age out without a cleanup job.
type MessageStore struct {
	coll *mongo.Collection
}

func NewMessageStore(db *mongo.Database) (*MessageStore, error) {
	coll := db.Collection("messages")

	indexModel := mongo.IndexModel{
		Keys:    bson.M{"expires_at": 1},
		Options: options.Index().SetExpireAfterSeconds(0),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := coll.Indexes().CreateOne(ctx, indexModel); err != nil {
		return nil, fmt.Errorf("failed to create TTL index for messages: %w", err)
	}

	return &MessageStore{coll: coll}, nil
}

func (s *MessageStore) CreateMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.ExpiresAt = msg.CreatedAt.Add(messageRetention)

	res, err := s.coll.InsertOne(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	if oid, ok := res.InsertedID.(interface{ Hex() string }); ok {
		msg.ID = oid.Hex()
	}

	return &msg, nil
}

func (s *MessageStore) GetGameMessages(ctx context.Context, gameID int64, limit int64) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}

	opts := options.Find().
		SetSort(bson.M{"created_at": 1}).
		SetLimit(limit)

	cur, err := s.coll.Find(ctx, bson.M{"game_id": gameID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get game messages: %w", err)
	}
	defer cur.Close(ctx)

	var msgs []*models.Message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("failed to decode game messages: %w", err)
	}

	return msgs, nil
}
