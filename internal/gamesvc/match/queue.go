package match

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Player is one waiting entry in the matchmaking queue. It lives only in
// memory: removed when matched or withdrawn, never persisted.
type Player struct {
	UserID            int64           `json:"user_id"`
	Stake             decimal.Decimal `json:"stake"`
	Currency          string          `json:"currency"`
	JoinedAt          time.Time       `json:"joined_at"`
	SkillLevel        int             `json:"skill_level"` // 0..100, from historical win rate
	PreferredGameSize int             `json:"preferred_game_size"`
}

// QueueStats is the snapshot returned to operations dashboards.
type QueueStats struct {
	Count              int            `json:"count"`
	ByCurrency         map[string]int `json:"by_currency"`
	ByStakeRange       map[string]int `json:"by_stake_range"`
	LongestWaitSeconds int            `json:"longest_wait_seconds"`
}

// Enqueue adds a user to the waiting queue. Skill level is derived from the
// user's completed-game win rate; a player with no history starts at 50.
func (s *Scheduler) Enqueue(ctx context.Context, userID int64, stake decimal.Decimal, currency string, preferredGameSize int) (*Player, error) {
	if stake.Sign() <= 0 {
		return nil, fmt.Errorf("match: stake must be positive")
	}
	if currency == "" {
		return nil, fmt.Errorf("match: currency is required")
	}
	if preferredGameSize != 0 && (preferredGameSize < 2 || preferredGameSize > 10) {
		return nil, fmt.Errorf("match: preferred game size must be between 2 and 10")
	}

	balance, err := s.store.GetUserBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(stake) {
		return nil, fmt.Errorf("match: insufficient balance: have %s, need %s", balance, stake)
	}

	skill := 50
	if played, won, err := s.store.GetUserWinRate(ctx, userID); err == nil && played > 0 {
		skill = won * 100 / played
	}

	p := &Player{
		UserID:            userID,
		Stake:             stake,
		Currency:          currency,
		JoinedAt:          s.now(),
		SkillLevel:        skill,
		PreferredGameSize: preferredGameSize,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queue[userID]; ok {
		return nil, fmt.Errorf("match: user %d is already queued", userID)
	}
	s.queue[userID] = p

	return p, nil
}

// Dequeue withdraws a user from the queue. Returns false when the user was
// not waiting.
func (s *Scheduler) Dequeue(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queue[userID]; !ok {
		return false
	}
	delete(s.queue, userID)
	return true
}

// Stats summarizes the current queue.
func (s *Scheduler) Stats() QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := QueueStats{
		Count:        len(s.queue),
		ByCurrency:   make(map[string]int),
		ByStakeRange: make(map[string]int),
	}

	now := s.now()
	for _, p := range s.queue {
		stats.ByCurrency[p.Currency]++
		stats.ByStakeRange[stakeRange(p.Stake)]++
		if wait := int(now.Sub(p.JoinedAt).Seconds()); wait > stats.LongestWaitSeconds {
			stats.LongestWaitSeconds = wait
		}
	}

	return stats
}

func stakeRange(stake decimal.Decimal) string {
	switch {
	case stake.LessThan(decimal.NewFromInt(1000)):
		return "<1000"
	case stake.LessThan(decimal.NewFromInt(10000)):
		return "1000-9999"
	case stake.LessThan(decimal.NewFromInt(50000)):
		return "10000-49999"
	default:
		return ">=50000"
	}
}
