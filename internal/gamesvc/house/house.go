package house

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/stoneplay/stone-services/internal/gamesvc/config"
	"github.com/stoneplay/stone-services/internal/gamesvc/models"
	"github.com/stoneplay/stone-services/internal/gamesvc/stone"
)

// Payout tiers. The rolled stone picks the tier; the win/lose draw is a
// separate, independent Bernoulli draw.
const (
	TierBase   = "base"
	TierDouble = "double"
	TierTriple = "triple"
)

var (
	ErrStakeOutOfRange = errors.New("house: stake outside the permitted band")
	ErrDailyCeilingHit = errors.New("house: daily win ceiling reached")
	ErrPromoThisMonth  = errors.New("house: promo multiplier already changed this calendar month")
	ErrInvalidPromo    = errors.New("house: promo multiplier must be 0, 2 or 3")
)

// Storage is the slice of the storage contract the economics module needs.
type Storage interface {
	ConvertCurrency(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, decimal.Decimal, error)
	ApplyBalanceChange(ctx context.Context, userID int64, amount decimal.Decimal, ttype, currency string, gameID *int64) (*models.Transaction, error)
	GetPromoMultiplier(ctx context.Context) (int, time.Time, error)
	SetPromoMultiplier(ctx context.Context, value int, changedAt time.Time) error
	GetDailyWinCount(ctx context.Context, day time.Time) (int, error)
	IncrementDailyWinCount(ctx context.Context, day time.Time) error
}

// Payout is the settlement breakdown for one house session.
type Payout struct {
	Won    bool
	Tier   string
	Gross  decimal.Decimal // payout before fee
	Fee    decimal.Decimal // platform fee on the gross (notional on a loss)
	Player decimal.Decimal // credited to the player
	House  decimal.Decimal // credited to the house ledger (double/triple split)
}

// Economics decides win/lose for house sessions, prices the payout tiers and
// enforces the platform's risk controls.
type Economics struct {
	cfg     config.Settings
	gen     *stone.Generator
	storage Storage
	now     func() time.Time
}

func New(cfg config.Settings, gen *stone.Generator, storage Storage) *Economics {
	return &Economics{
		cfg:     cfg,
		gen:     gen,
		storage: storage,
		now:     time.Now,
	}
}

// DecideOutcome draws the win/lose result for a house session. The draw is
// independent of whatever stone the player rolls afterwards.
func (e *Economics) DecideOutcome() (bool, error) {
	n, err := e.gen.NextInt(1, 100)
	if err != nil {
		return false, err
	}
	return n <= e.cfg.HouseWinProbability, nil
}

// TierForStone maps a rolled stone to its payout tier.
func TierForStone(rolled int) string {
	switch {
	case rolled == stone.DoubleStone:
		return TierDouble
	case stone.IsTripleStone(rolled):
		return TierTriple
	default:
		return TierBase
	}
}

// ComputePayout prices one house-session outcome. The promo multiplier
// compounds onto double/triple tiers only; the base tier always pays the flat
// base multiplier. On double/triple wins the net (gross minus fee) is split
// between player and house per PlayerSharePct.
func (e *Economics) ComputePayout(stake decimal.Decimal, rolledStone int, didWin bool, promo int) Payout {
	tier := TierForStone(rolledStone)
	hundred := decimal.NewFromInt(100)

	if !didWin {
		// payout is zero; the platform fee is still notionally accrued on
		// the stake for reporting.
		return Payout{
			Won:    false,
			Tier:   tier,
			Gross:  decimal.Zero,
			Fee:    stake.Mul(e.cfg.HouseFeePct).Div(hundred),
			Player: decimal.Zero,
			House:  decimal.Zero,
		}
	}

	multiplier := e.cfg.BaseMultiplier
	switch tier {
	case TierDouble:
		multiplier = e.cfg.DoubleMultiplier
	case TierTriple:
		multiplier = e.cfg.TripleMultiplier
	}

	gross := stake.Mul(decimal.NewFromInt(multiplier))
	if promo > 1 && tier != TierBase {
		gross = gross.Mul(decimal.NewFromInt(int64(promo)))
	}

	fee := gross.Mul(e.cfg.HouseFeePct).Div(hundred)
	net := gross.Sub(fee)

	p := Payout{Won: true, Tier: tier, Gross: gross, Fee: fee}
	if tier == TierBase {
		p.Player = net
		return p
	}

	p.Player = net.Mul(e.cfg.PlayerSharePct).Div(hundred)
	p.House = net.Sub(p.Player)
	return p
}

// ValidateStake gates house-session creation: the stake, normalized to the
// base currency, must sit inside the admin band, and the daily win-count
// ceiling bounds house exposure no matter how many sessions are attempted.
func (e *Economics) ValidateStake(ctx context.Context, stake decimal.Decimal, currency string) error {
	normalized, _, err := e.storage.ConvertCurrency(ctx, stake, currency, e.cfg.BaseCurrency)
	if err != nil {
		return fmt.Errorf("house: currency normalization failed: %w", err)
	}

	if normalized.LessThan(e.cfg.HouseMinStake) || normalized.GreaterThan(e.cfg.HouseMaxStake) {
		return fmt.Errorf("%w: %s %s", ErrStakeOutOfRange, stake, currency)
	}

	wins, err := e.storage.GetDailyWinCount(ctx, e.now())
	if err != nil {
		return fmt.Errorf("house: daily win count unavailable: %w", err)
	}
	if wins >= e.cfg.DailyWinCeiling {
		return ErrDailyCeilingHit
	}

	return nil
}

// Settle applies the monetary outcome of a finished house session: the player
// credit, the house ledger credits and their paired transactions. There is no
// cross-call rollback primitive in the storage contract; if a later write
// fails after an earlier one committed, the partial progress is logged for
// manual reconciliation and the error is returned.
func (e *Economics) Settle(ctx context.Context, game *models.Game, humanID int64, rolledStone int, didWin bool) (*Payout, error) {
	promo, _, err := e.storage.GetPromoMultiplier(ctx)
	if err != nil {
		return nil, fmt.Errorf("house: promo lookup failed: %w", err)
	}

	p := e.ComputePayout(game.Stake, rolledStone, didWin, promo)

	if !p.Won {
		// the player's stake was debited at session creation; on a loss it
		// becomes house revenue.
		if _, err := e.storage.ApplyBalanceChange(ctx, config.HouseUserID, game.Stake, models.TxTypeWinnings, game.Currency, &game.ID); err != nil {
			return nil, fmt.Errorf("house: crediting lost stake failed: %w", err)
		}
		return &p, nil
	}

	if _, err := e.storage.ApplyBalanceChange(ctx, humanID, p.Player, models.TxTypeWinnings, game.Currency, &game.ID); err != nil {
		return nil, fmt.Errorf("house: player payout failed: %w", err)
	}

	houseCredit := p.Fee.Add(p.House)
	if houseCredit.Sign() > 0 {
		if _, err := e.storage.ApplyBalanceChange(ctx, config.HouseUserID, houseCredit, models.TxTypeCommission, game.Currency, &game.ID); err != nil {
			log.Errorf("house: player %d paid %s for game %d but house credit %s failed, manual reconciliation needed: %v",
				humanID, p.Player, game.ID, houseCredit, err)
			return nil, fmt.Errorf("house: house credit failed: %w", err)
		}
	}

	if err := e.storage.IncrementDailyWinCount(ctx, e.now()); err != nil {
		// the money already moved; losing the counter increment only loosens
		// today's ceiling by one, so log and carry on.
		log.Errorf("house: daily win count increment failed for game %d: %v", game.ID, err)
	}

	return &p, nil
}

// SetPromoMultiplier is the admin toggle for the promotional multiplier. At
// most one change per calendar month; permitted values are 0 (off), 2 and 3.
func (e *Economics) SetPromoMultiplier(ctx context.Context, value int) error {
	if value != 0 && value != 2 && value != 3 {
		return ErrInvalidPromo
	}

	_, changedAt, err := e.storage.GetPromoMultiplier(ctx)
	if err != nil {
		return fmt.Errorf("house: promo lookup failed: %w", err)
	}

	now := e.now()
	if !changedAt.IsZero() && changedAt.Year() == now.Year() && changedAt.Month() == now.Month() {
		return ErrPromoThisMonth
	}

	return e.storage.SetPromoMultiplier(ctx, value, now)
}
