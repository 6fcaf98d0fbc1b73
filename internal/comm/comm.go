package comm

import (
	"encoding/json"
	"time"

	"github.com/stoneplay/stone-services/internal/gamesvc/models"
)

// Event is the envelope pushed to websocket clients and relayed over NATS.
// Payload is one of the typed payload structs below, selected by Type.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// server -> client event types
const (
	EventPlayerJoined = "player_joined"
	EventPlayerLeft   = "player_left"
	EventChatMessage  = "chat_message"
	EventGameUpdate   = "game_update"
	EventGameEnded    = "game_ended"
	EventError        = "error"
)

// client -> server message types
const (
	ClientJoinGame    = "join_game"
	ClientRollStone   = "roll_stone"
	ClientChatMessage = "chat_message"
	ClientLeaveGame   = "leave_game"
)

// NewEvent marshals payload into an Event envelope.
func NewEvent(eventType string, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{Type: eventType, Payload: data}, nil
}

// ClientMessage is what web clients send over the socket.
type ClientMessage struct {
	Type    string          `json:"type"`
	GameID  int64           `json:"gameId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ChatPayload struct {
	Content string `json:"content"`
}

type PlayerJoined struct {
	GameID    int64  `json:"game_id"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name"`
	TurnOrder int    `json:"turn_order"`
}

type PlayerLeft struct {
	GameID int64 `json:"game_id"`
	UserID int64 `json:"user_id"`
}

type ChatMessage struct {
	GameID  int64     `json:"game_id"`
	UserID  int64     `json:"user_id"`
	Name    string    `json:"name"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sent_at"`
}

// GameUpdate carries the full game snapshot after every committed transition.
type GameUpdate struct {
	Game                *models.Game         `json:"game"`
	Players             []*models.GamePlayer `json:"players"`
	CurrentTurnPlayerID int64                `json:"current_turn_player_id"`
	RollingStoneNumber  *int                 `json:"rolling_stone_number,omitempty"`
	RolledPlayerID      *int64               `json:"rolled_player_id,omitempty"`
	TimeRemaining       int                  `json:"time_remaining"`
}

type GameEnded struct {
	Game          *models.Game         `json:"game"`
	Players       []*models.GamePlayer `json:"players"`
	WinnerIDs     []int64              `json:"winner_ids"`
	WinningNumber int                  `json:"winning_number"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// lifecycle messages published on NATS for sibling services

type GameLifecycle struct {
	GameID    int64     `json:"game_id"`
	Status    string    `json:"status"`
	Stake     string    `json:"stake"`
	Currency  string    `json:"currency"`
	WinnerIDs []int64   `json:"winner_ids,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type MatchMade struct {
	GameID    int64     `json:"game_id"`
	UserIDs   []int64   `json:"user_ids"`
	Stake     string    `json:"stake"`
	Currency  string    `json:"currency"`
	VoiceChat bool      `json:"voice_chat"`
	Timestamp time.Time `json:"timestamp"`
}
