package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// CurrencyStore reads the currency_rates table. Rates are maintained by an
// external sourcing job; this service only consumes them.
type CurrencyStore struct {
	db *pgxpool.Pool
}

func NewCurrencyStore(db *pgxpool.Pool) *CurrencyStore {
	return &CurrencyStore{db: db}
}

// ConvertCurrency converts amount from one currency to another and returns
// the converted amount with the rate used. Identity conversion never touches
// the database.
func (s *CurrencyStore) ConvertCurrency(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, decimal.Decimal, error) {
	if from == to {
		return amount, decimal.NewFromInt(1), nil
	}

	var rate decimal.Decimal
	err := s.db.QueryRow(ctx, `
		SELECT rate
		FROM currency_rates
		WHERE from_currency = $1 AND to_currency = $2
	`, from, to).Scan(&rate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, decimal.Zero, fmt.Errorf("no rate for %s -> %s", from, to)
		}
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to get currency rate: %w", err)
	}

	return amount.Mul(rate), rate, nil
}
