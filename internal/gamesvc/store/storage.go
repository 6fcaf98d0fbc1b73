package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/stoneplay/stone-services/internal/gamesvc/models"
)

// Storage aggregates the individual stores into the single contract the
// session manager, house economics and matchmaking consume. Each of those
// packages declares its own narrow interface; *Storage satisfies all of them.
type Storage struct {
	Users        *UserStore
	Games        *GameStore
	Players      *GamePlayerStore
	Transactions *TransactionStore
	Currency     *CurrencyStore
	House        *HouseStore
	Messages     *MessageStore
}

func NewStorage(pool *pgxpool.Pool, mongoDB *mongo.Database) (*Storage, error) {
	messages, err := NewMessageStore(mongoDB)
	if err != nil {
		return nil, err
	}

	return &Storage{
		Users:        NewUserStore(pool),
		Games:        NewGameStore(pool),
		Players:      NewGamePlayerStore(pool),
		Transactions: NewTransactionStore(pool),
		Currency:     NewCurrencyStore(pool),
		House:        NewHouseStore(pool),
		Messages:     messages,
	}, nil
}

// users

func (s *Storage) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	return s.Users.GetByID(ctx, userID)
}

func (s *Storage) CreateUser(ctx context.Context, user models.User) (int64, error) {
	return s.Users.CreateUser(ctx, user)
}

func (s *Storage) UpdateUserProfile(ctx context.Context, user models.User) error {
	return s.Users.UpdateProfile(ctx, user)
}

// balances and transactions

func (s *Storage) GetUserBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return s.Transactions.GetBalanceByUserID(ctx, userID)
}

func (s *Storage) ApplyBalanceChange(ctx context.Context, userID int64, amount decimal.Decimal, ttype, currency string, gameID *int64) (*models.Transaction, error) {
	return s.Transactions.ApplyBalanceChange(ctx, userID, amount, ttype, currency, gameID)
}

func (s *Storage) CreateTransaction(ctx context.Context, tx models.Transaction) (*models.Transaction, error) {
	return s.Transactions.CreateTransaction(ctx, tx)
}

func (s *Storage) GetTransaction(ctx context.Context, tref string) (*models.Transaction, error) {
	return s.Transactions.GetTransaction(ctx, tref)
}

func (s *Storage) GetUserTransactions(ctx context.Context, userID int64, limit int) ([]*models.Transaction, error) {
	return s.Transactions.GetUserTransactions(ctx, userID, limit)
}

func (s *Storage) UpdateTransactionStatus(ctx context.Context, tref, status string) error {
	return s.Transactions.UpdateTransactionStatus(ctx, tref, status)
}

// games

func (s *Storage) CreateGame(ctx context.Context, stake decimal.Decimal, currency string, maxPlayers int, commissionPct decimal.Decimal, isHouseGame, voiceChat bool) (*models.Game, error) {
	return s.Games.CreateGame(ctx, stake, currency, maxPlayers, commissionPct, isHouseGame, voiceChat)
}

func (s *Storage) GetGame(ctx context.Context, gameID int64) (*models.Game, error) {
	return s.Games.GetGameByID(ctx, gameID)
}

func (s *Storage) UpdateGameStatus(ctx context.Context, gameID int64, from, to string) error {
	return s.Games.UpdateGameStatus(ctx, gameID, from, to)
}

func (s *Storage) UpdateGameWinners(ctx context.Context, gameID int64, winnerIDs []int64, winningNumber int) error {
	return s.Games.UpdateGameWinners(ctx, gameID, winnerIDs, winningNumber)
}

func (s *Storage) EndGame(ctx context.Context, gameID int64, fromStatus, status string, endedAt time.Time) error {
	return s.Games.EndGame(ctx, gameID, fromStatus, status, endedAt)
}

func (s *Storage) GetStaleWaitingGames(ctx context.Context, cutoff time.Time) ([]*models.Game, error) {
	return s.Games.GetStaleWaitingGames(ctx, cutoff)
}

// game players

func (s *Storage) CreateGamePlayer(ctx context.Context, gameID, userID int64, isHouse bool) (*models.GamePlayer, error) {
	return s.Players.CreateGamePlayer(ctx, gameID, userID, isHouse)
}

func (s *Storage) GetGamePlayers(ctx context.Context, gameID int64) ([]*models.GamePlayer, error) {
	return s.Players.GetPlayersByGameID(ctx, gameID)
}

func (s *Storage) GetGamePlayer(ctx context.Context, gameID, userID int64) (*models.GamePlayer, error) {
	return s.Players.GetGamePlayer(ctx, gameID, userID)
}

func (s *Storage) UpdateGamePlayerRoll(ctx context.Context, gameID, userID int64, rolled int) error {
	return s.Players.UpdateGamePlayerRoll(ctx, gameID, userID, rolled)
}

func (s *Storage) MarkGamePlayerResult(ctx context.Context, gameID, userID int64, isWinner bool, winShare decimal.Decimal) error {
	return s.Players.MarkGamePlayerResult(ctx, gameID, userID, isWinner, winShare)
}

func (s *Storage) GetUserWinRate(ctx context.Context, userID int64) (played int, won int, err error) {
	return s.Players.GetUserWinRate(ctx, userID)
}

// messages

func (s *Storage) CreateMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	return s.Messages.CreateMessage(ctx, msg)
}

func (s *Storage) GetGameMessages(ctx context.Context, gameID int64, limit int64) ([]*models.Message, error) {
	return s.Messages.GetGameMessages(ctx, gameID, limit)
}

// currency

func (s *Storage) ConvertCurrency(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, decimal.Decimal, error) {
	return s.Currency.ConvertCurrency(ctx, amount, from, to)
}

// house settings

func (s *Storage) GetPromoMultiplier(ctx context.Context) (int, time.Time, error) {
	return s.House.GetPromoMultiplier(ctx)
}

func (s *Storage) SetPromoMultiplier(ctx context.Context, value int, changedAt time.Time) error {
	return s.House.SetPromoMultiplier(ctx, value, changedAt)
}

func (s *Storage) GetDailyWinCount(ctx context.Context, day time.Time) (int, error) {
	return s.House.GetDailyWinCount(ctx, day)
}

func (s *Storage) IncrementDailyWinCount(ctx context.Context, day time.Time) error {
	return s.House.IncrementDailyWinCount(ctx, day)
}
