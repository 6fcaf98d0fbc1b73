package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type GamePlayer struct {
	ID           int64           `json:"id"`         // Primary key
	GameID       int64           `json:"game_id"`    // FK to games(id)
	UserID       int64           `json:"user_id"`    // FK to users(user_id)
	TurnOrder    int             `json:"turn_order"` // 1-based, unique and contiguous per game
	RolledNumber *int            `json:"rolled_number"`
	HasRolled    bool            `json:"has_rolled"`
	IsWinner     bool            `json:"is_winner"`
	WinShare     decimal.Decimal `json:"win_share"`  // this player's portion of the net pot
	IsHouse      bool            `json:"is_house"`   // house-controlled opponent
	CreatedAt    time.Time       `json:"created_at"` // Timestamp
	UpdatedAt    time.Time       `json:"updated_at"` // Timestamp
}
