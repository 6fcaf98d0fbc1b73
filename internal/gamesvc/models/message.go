package models

import "time"

// Message is an in-game chat message. Stored in mongo with a TTL index on
// ExpiresAt so old game chatter ages out on its own.
type Message struct {
	ID        string    `json:"id" bson:"_id,omitempty"`
	GameID    int64     `json:"game_id" bson:"game_id"`
	UserID    int64     `json:"user_id" bson:"user_id"`
	Name      string    `json:"name" bson:"name"`
	Content   string    `json:"content" bson:"content"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	ExpiresAt time.Time `json:"-" bson:"expires_at"`
}
