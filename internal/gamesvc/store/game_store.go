package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stoneplay/stone-services/internal/gamesvc/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type GameStore struct {
	db *pgxpool.Pool
}

func NewGameStore(db *pgxpool.Pool) *GameStore {
	return &GameStore{db: db}
}

const gameColumns = `id, stake, currency, max_players, status, commission_pct, winner_ids, winning_number, is_house_game, voice_chat, created_at, ended_at, updated_at`

func scanGame(row pgx.Row) (*models.Game, error) {
	game := &models.Game{}
	err := row.Scan(
		&game.ID,
		&game.Stake,
		&game.Currency,
		&game.MaxPlayers,
		&game.Status,
		&game.CommissionPct,
		&game.WinnerIDs,
		&game.WinningNumber,
		&game.IsHouseGame,
		&game.VoiceChat,
		&game.CreatedAt,
		&game.EndedAt,
		&game.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return game, nil
}

func (s *GameStore) CreateGame(ctx context.Context, stake decimal.Decimal, currency string, maxPlayers int, commissionPct decimal.Decimal, isHouseGame, voiceChat bool) (*models.Game, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO games (stake, currency, max_players, status, commission_pct, is_house_game, voice_chat)
		VALUES ($1, $2, $3, 'waiting', $4, $5, $6)
		RETURNING `+gameColumns,
		stake, currency, maxPlayers, commissionPct, isHouseGame, voiceChat)

	game, err := scanGame(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create game: %w", err)
	}
	return game, nil
}

func (s *GameStore) GetGameByID(ctx context.Context, gameID int64) (*models.Game, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+gameColumns+`
		FROM games
		WHERE id = $1
	`, gameID)

	game, err := scanGame(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Game not found
		}
		return nil, fmt.Errorf("failed to get game by ID: %w", err)
	}

	return game, nil
}

// UpdateGameStatus advances the game's status. The WHERE clause enforces the
// monotonic transition table; zero rows affected means the transition was
// stale and the caller lost a race.
func (s *GameStore) UpdateGameStatus(ctx context.Context, gameID int64, from, to string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE games
		SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
	`, gameID, from, to)
	if err != nil {
		return fmt.Errorf("failed to update game status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("game %d is not in status %q", gameID, from)
	}
	return nil
}

func (s *GameStore) UpdateGameWinners(ctx context.Context, gameID int64, winnerIDs []int64, winningNumber int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE games
		SET winner_ids = $2, winning_number = $3, updated_at = now()
		WHERE id = $1 AND status = 'in_progress'
	`, gameID, winnerIDs, winningNumber)
	if err != nil {
		return fmt.Errorf("failed to update game winners: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("game %d is not in progress", gameID)
	}
	return nil
}

// EndGame finalizes the game into completed or expired. The fromStatus guard
// keeps transitions monotonic: the expiration sweep passes waiting, settlement
// passes in_progress, and a game that moved on since the caller last read it
// matches zero rows. Final states are terminal; a second call is a no-op error
// the caller may ignore.
func (s *GameStore) EndGame(ctx context.Context, gameID int64, fromStatus, status string, endedAt time.Time) error {
	if status != models.GameStatusCompleted && status != models.GameStatusExpired {
		return fmt.Errorf("invalid final status %q", status)
	}
	if fromStatus != models.GameStatusWaiting && fromStatus != models.GameStatusInProgress {
		return fmt.Errorf("invalid from status %q", fromStatus)
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE games
		SET status = $2, ended_at = $3, updated_at = now()
		WHERE id = $1 AND status = $4
	`, gameID, status, endedAt, fromStatus)
	if err != nil {
		return fmt.Errorf("failed to end game: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("game %d is no longer %s", gameID, fromStatus)
	}
	return nil
}

// GetStaleWaitingGames lists waiting games created before the cutoff, for the
// expiration sweep.
func (s *GameStore) GetStaleWaitingGames(ctx context.Context, cutoff time.Time) ([]*models.Game, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+gameColumns+`
		FROM games
		WHERE status = 'waiting' AND created_at < $1
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var games []*models.Game
	for rows.Next() {
		game, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		games = append(games, game)
	}

	return games, rows.Err()
}
