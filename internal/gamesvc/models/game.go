package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Game statuses. Transitions are monotonic: waiting -> in_progress -> completed,
// or waiting -> expired. A completed or expired game is immutable.
const (
	GameStatusWaiting    = "waiting"
	GameStatusInProgress = "in_progress"
	GameStatusCompleted  = "completed"
	GameStatusExpired    = "expired"
)

type Game struct {
	ID            int64           `json:"id"` // Primary key
	Stake         decimal.Decimal `json:"stake"`
	Currency      string          `json:"currency"`
	MaxPlayers    int             `json:"max_players"` // 2..10
	Status        string          `json:"status"`
	CommissionPct decimal.Decimal `json:"commission_pct"` // stake-tier dependent, 5 or 10
	WinnerIDs     []int64         `json:"winner_ids"`     // empty until settled
	WinningNumber *int            `json:"winning_number"`
	IsHouseGame   bool            `json:"is_house_game"`
	VoiceChat     bool            `json:"voice_chat"`
	CreatedAt     time.Time       `json:"created_at"` // Timestamp
	EndedAt       *time.Time      `json:"ended_at"`
	UpdatedAt     time.Time       `json:"updated_at"` // Timestamp
}

// Pot is the total staked amount for the given player count.
func (g *Game) Pot(playerCount int) decimal.Decimal {
	return g.Stake.Mul(decimal.NewFromInt(int64(playerCount)))
}

// IsFinal reports whether the game can no longer be mutated.
func (g *Game) IsFinal() bool {
	return g.Status == GameStatusCompleted || g.Status == GameStatusExpired
}
