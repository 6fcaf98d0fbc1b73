package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/stoneplay/stone-services/internal/gamesvc/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type GamePlayerStore struct {
	db *pgxpool.Pool
}

func NewGamePlayerStore(db *pgxpool.Pool) *GamePlayerStore {
	return &GamePlayerStore{db: db}
}

const gamePlayerColumns = `id, game_id, user_id, turn_order, rolled_number, has_rolled, is_winner, win_share, is_house, created_at, updated_at`

func scanGamePlayer(row pgx.Row) (*models.GamePlayer, error) {
	gp := &models.GamePlayer{}
	err := row.Scan(
		&gp.ID,
		&gp.GameID,
		&gp.UserID,
		&gp.TurnOrder,
		&gp.RolledNumber,
		&gp.HasRolled,
		&gp.IsWinner,
		&gp.WinShare,
		&gp.IsHouse,
		&gp.CreatedAt,
		&gp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return gp, nil
}

// GetPlayersByGameID returns the game's players in turn order.
func (s *GamePlayerStore) GetPlayersByGameID(ctx context.Context, gameID int64) ([]*models.GamePlayer, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+gamePlayerColumns+`
		FROM game_players
		WHERE game_id = $1
		ORDER BY turn_order
	`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var players []*models.GamePlayer
	for rows.Next() {
		gp, err := scanGamePlayer(rows)
		if err != nil {
			return nil, err
		}
		players = append(players, gp)
	}

	return players, rows.Err()
}

func (s *GamePlayerStore) GetGamePlayer(ctx context.Context, gameID, userID int64) (*models.GamePlayer, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+gamePlayerColumns+`
		FROM game_players
		WHERE game_id = $1 AND user_id = $2
	`, gameID, userID)

	gp, err := scanGamePlayer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get game player: %w", err)
	}
	return gp, nil
}

// CreateGamePlayer registers a user in a waiting game and assigns the next
// turn order in the same statement. It fails with an error if:
// - The game is not in waiting status (locked game row enforces this).
// - The user has already joined the game (unique_game_user constraint).
// - The game is already full (seat subquery against max_players).
// Returns the created GamePlayer on success, or an error on failure.
func (s *GamePlayerStore) CreateGamePlayer(ctx context.Context, gameID, userID int64, isHouse bool) (*models.GamePlayer, error) {
	if gameID <= 0 {
		return nil, fmt.Errorf("invalid game ID: %d", gameID)
	}
	if userID <= 0 {
		return nil, fmt.Errorf("invalid user ID: %d", userID)
	}

	// CTE locks the game row, enforces status='waiting' and a free seat;
	// turn_order is the current seat count + 1, so values stay unique and
	// contiguous from 1.
	const query = `
WITH locked_game AS (
  SELECT id, max_players
  FROM games
  WHERE id = $1
    AND status = 'waiting'
  FOR UPDATE
),
seat AS (
  SELECT COUNT(*) AS taken
  FROM game_players
  WHERE game_id = $1
)
INSERT INTO game_players (game_id, user_id, turn_order, is_house)
SELECT lg.id, $2, seat.taken + 1, $3
FROM locked_game lg, seat
WHERE seat.taken < lg.max_players
RETURNING ` + gamePlayerColumns + `;
`
	row := s.db.QueryRow(ctx, query, gameID, userID, isHouse)
	gp, err := scanGamePlayer(row)
	if err != nil {
		// zero rows means the game isn't waiting, doesn't exist, or is full
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("cannot join game %d: not waiting, full, or not found", gameID)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return nil, fmt.Errorf("user %d has already joined game %d", userID, gameID)
			case "23503":
				return nil, fmt.Errorf("invalid reference: %s", pgErr.Message)
			}
		}
		return nil, fmt.Errorf("failed to create game player: %w", err)
	}

	return gp, nil
}

// UpdateGamePlayerRoll records a roll. The has_rolled guard makes a second
// roll for the same player a no-op error instead of an overwrite.
func (s *GamePlayerStore) UpdateGamePlayerRoll(ctx context.Context, gameID, userID int64, rolled int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE game_players
		SET rolled_number = $3, has_rolled = true, updated_at = now()
		WHERE game_id = $1 AND user_id = $2 AND has_rolled = false
	`, gameID, userID, rolled)
	if err != nil {
		return fmt.Errorf("failed to record roll: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("player %d in game %d has already rolled or does not exist", userID, gameID)
	}
	return nil
}

func (s *GamePlayerStore) MarkGamePlayerResult(ctx context.Context, gameID, userID int64, isWinner bool, winShare decimal.Decimal) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE game_players
		SET is_winner = $3, win_share = $4, updated_at = now()
		WHERE game_id = $1 AND user_id = $2
	`, gameID, userID, isWinner, winShare)
	if err != nil {
		return fmt.Errorf("failed to mark game player result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("player %d not found in game %d", userID, gameID)
	}
	return nil
}

// GetUserWinRate returns completed-game counts used to derive matchmaking
// skill level.
func (s *GamePlayerStore) GetUserWinRate(ctx context.Context, userID int64) (played int, won int, err error) {
	err = s.db.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE gp.is_winner)
		FROM game_players gp
		JOIN games g ON g.id = gp.game_id
		WHERE gp.user_id = $1 AND g.status = 'completed'
	`, userID).Scan(&played, &won)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get win rate for user %d: %w", userID, err)
	}
	return played, won, nil
}
