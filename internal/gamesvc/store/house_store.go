package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// HouseStore persists the admin-tunable house state: the promotional
// multiplier and the per-day win counter that bounds house exposure.
type HouseStore struct {
	db *pgxpool.Pool
}

func NewHouseStore(db *pgxpool.Pool) *HouseStore {
	return &HouseStore{db: db}
}

// GetPromoMultiplier returns the active promo multiplier (0 when off) and the
// time it was last changed.
func (s *HouseStore) GetPromoMultiplier(ctx context.Context) (int, time.Time, error) {
	var promo int
	var changedAt time.Time
	err := s.db.QueryRow(ctx, `
		SELECT promo_multiplier, promo_changed_at
		FROM house_settings
		WHERE id = 1
	`).Scan(&promo, &changedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, time.Time{}, nil
		}
		return 0, time.Time{}, fmt.Errorf("failed to get promo multiplier: %w", err)
	}
	return promo, changedAt, nil
}

// SetPromoMultiplier stores the new promo value and its change time. The
// once-per-calendar-month rule is enforced by the economics layer before this
// write.
func (s *HouseStore) SetPromoMultiplier(ctx context.Context, value int, changedAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO house_settings (id, promo_multiplier, promo_changed_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE
		SET promo_multiplier = EXCLUDED.promo_multiplier,
		    promo_changed_at = EXCLUDED.promo_changed_at
	`, value, changedAt)
	if err != nil {
		return fmt.Errorf("failed to set promo multiplier: %w", err)
	}
	return nil
}

// GetDailyWinCount returns how many house-session wins were recorded for the
// given day (UTC date).
func (s *HouseStore) GetDailyWinCount(ctx context.Context, day time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(win_count, 0)
		FROM house_daily
		WHERE day = $1
	`, day.UTC().Truncate(24*time.Hour)).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get daily win count: %w", err)
	}
	return count, nil
}

func (s *HouseStore) IncrementDailyWinCount(ctx context.Context, day time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO house_daily (day, win_count)
		VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE
		SET win_count = house_daily.win_count + 1
	`, day.UTC().Truncate(24*time.Hour))
	if err != nil {
		return fmt.Errorf("failed to increment daily win count: %w", err)
	}
	return nil
}
