package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stoneplay/stone-services/internal/gamesvc/models"
)

// TransactionStore owns the transactions ledger. A user's balance is never a
// mutable column: it is the sum of completed credit rows minus completed debit
// rows, so every balance movement leaves its own audit record.
type TransactionStore struct {
	db *pgxpool.Pool
}

func NewTransactionStore(db *pgxpool.Pool) *TransactionStore {
	return &TransactionStore{db: db}
}

const txColumns = `id, user_id, amount, ttype, status, tref, currency, game_id, created_at, updated_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	t := &models.Transaction{}
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.Amount,
		&t.TType,
		&t.Status,
		&t.TRef,
		&t.Currency,
		&t.GameID,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetBalanceByUserID computes the user's balance from completed ledger rows.
func (s *TransactionStore) GetBalanceByUserID(ctx context.Context, userId int64) (decimal.Decimal, error) {
	var credits, debits decimal.Decimal

	err := s.db.QueryRow(ctx, `
        SELECT
            COALESCE(SUM(amount) FILTER (WHERE ttype IN ('winnings', 'deposit', 'refund', 'commission')), 0),
            COALESCE(SUM(amount) FILTER (WHERE ttype IN ('stake', 'withdrawal')), 0)
        FROM transactions
        WHERE user_id = $1 AND status = 'completed'
    `, userId).Scan(&credits, &debits)

	if err != nil {
		return decimal.Zero, err
	}

	return credits.Sub(debits), nil
}

// ApplyBalanceChange is the single paired balance-mutation + ledger-write
// primitive. It inserts one completed transaction row; the balance moves by
// exactly that row. Amount must be positive, direction comes from ttype.
func (s *TransactionStore) ApplyBalanceChange(ctx context.Context, userID int64, amount decimal.Decimal, ttype, currency string, gameID *int64) (*models.Transaction, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("transaction amount must be positive, got %s", amount)
	}

	tref := uuid.New().String()
	row := s.db.QueryRow(ctx, `
        INSERT INTO transactions (user_id, amount, ttype, status, tref, currency, game_id)
        VALUES ($1, $2, $3, 'completed', $4, $5, $6)
        RETURNING `+txColumns, userID, amount, ttype, tref, currency, gameID)

	t, err := scanTransaction(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("duplicate transaction reference %s", tref)
		}
		return nil, fmt.Errorf("failed to apply balance change: %w", err)
	}

	return t, nil
}

// CreateTransaction inserts a pending ledger row, used by deposit/withdrawal
// flows that settle asynchronously.
func (s *TransactionStore) CreateTransaction(ctx context.Context, tx models.Transaction) (*models.Transaction, error) {
	if tx.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("transaction amount must be positive, got %s", tx.Amount)
	}
	if tx.TRef == "" {
		tx.TRef = uuid.New().String()
	}
	if tx.Status == "" {
		tx.Status = models.TxStatusPending
	}

	row := s.db.QueryRow(ctx, `
        INSERT INTO transactions (user_id, amount, ttype, status, tref, currency, game_id)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING `+txColumns,
		tx.UserID, tx.Amount, tx.TType, tx.Status, tx.TRef, tx.Currency, tx.GameID)

	t, err := scanTransaction(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	return t, nil
}

func (s *TransactionStore) GetTransaction(ctx context.Context, tref string) (*models.Transaction, error) {
	row := s.db.QueryRow(ctx, `
        SELECT `+txColumns+`
        FROM transactions
        WHERE tref = $1
    `, tref)

	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

func (s *TransactionStore) GetUserTransactions(ctx context.Context, userID int64, limit int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
        SELECT `+txColumns+`
        FROM transactions
        WHERE user_id = $1
        ORDER BY created_at DESC
        LIMIT $2
    `, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}

	return txs, rows.Err()
}

// UpdateTransactionStatus moves a pending row to completed or failed. A row
// that already left pending is never touched again.
func (s *TransactionStore) UpdateTransactionStatus(ctx context.Context, tref, status string) error {
	tag, err := s.db.Exec(ctx, `
        UPDATE transactions
        SET status = $2, updated_at = now()
        WHERE tref = $1 AND status = 'pending'
    `, tref, status)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s not pending or not found", tref)
	}
	return nil
}
