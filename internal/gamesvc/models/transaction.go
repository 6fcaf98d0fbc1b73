package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types. Amount is always positive; the sign of the balance
// movement is implied by the type.
const (
	TxTypeStake      = "stake"
	TxTypeWinnings   = "winnings"
	TxTypeCommission = "commission"
	TxTypeDeposit    = "deposit"
	TxTypeWithdrawal = "withdrawal"
	TxTypeRefund     = "refund"
)

const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
)

// Transaction is an immutable ledger entry. Every balance mutation on a user
// is paired with exactly one Transaction recording it.
type Transaction struct {
	ID        int64           `json:"id"` // Primary key
	UserID    int64           `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	TType     string          `json:"ttype"`
	Status    string          `json:"status"`
	TRef      string          `json:"tref"` // globally unique reference
	Currency  string          `json:"currency"`
	GameID    *int64          `json:"game_id"` // set for stake/winnings/commission/refund
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// IsCredit reports whether this transaction increases the user's balance.
func (t *Transaction) IsCredit() bool {
	switch t.TType {
	case TxTypeWinnings, TxTypeDeposit, TxTypeRefund, TxTypeCommission:
		return true
	}
	return false
}
