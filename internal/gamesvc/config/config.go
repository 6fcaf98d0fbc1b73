package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// HouseUserID is the reserved ledger account that collects commission and the
// house share of double/triple payouts.
const HouseUserID int64 = 9000000000

// Settings carries the gamesvc tunables. Everything has a default so the
// service runs with an empty env in development.
type Settings struct {
	TurnTimer        time.Duration // per-turn roll window in multiplayer games
	MinStake         decimal.Decimal
	HighStakeLevel   decimal.Decimal // at/above: 10% commission and voice chat
	CommissionLowPct decimal.Decimal
	CommissionHiPct  decimal.Decimal
	BaseCurrency     string

	// house-opponent economics
	HouseWinProbability int // percent
	BaseMultiplier      int64
	DoubleMultiplier    int64
	TripleMultiplier    int64
	HouseFeePct         decimal.Decimal
	PlayerSharePct      decimal.Decimal // double/triple tiers only
	HouseMinStake       decimal.Decimal // in base currency
	HouseMaxStake       decimal.Decimal // in base currency
	DailyWinCeiling     int

	// schedulers
	MatchTick      time.Duration
	WaitingGameTTL time.Duration
}

func Load() Settings {
	return Settings{
		TurnTimer:        envDuration("TURN_TIMER_SECONDS", 30),
		MinStake:         envDecimal("MIN_STAKE", "1000"),
		HighStakeLevel:   envDecimal("HIGH_STAKE_LEVEL", "50000"),
		CommissionLowPct: envDecimal("COMMISSION_LOW_PCT", "5"),
		CommissionHiPct:  envDecimal("COMMISSION_HIGH_PCT", "10"),
		BaseCurrency:     envString("BASE_CURRENCY", "ETB"),

		HouseWinProbability: envInt("HOUSE_WIN_PROBABILITY", 45),
		BaseMultiplier:      int64(envInt("HOUSE_BASE_MULTIPLIER", 2)),
		DoubleMultiplier:    int64(envInt("HOUSE_DOUBLE_MULTIPLIER", 2)),
		TripleMultiplier:    int64(envInt("HOUSE_TRIPLE_MULTIPLIER", 3)),
		HouseFeePct:         envDecimal("HOUSE_FEE_PCT", "5"),
		PlayerSharePct:      envDecimal("HOUSE_PLAYER_SHARE_PCT", "80"),
		HouseMinStake:       envDecimal("HOUSE_MIN_STAKE", "1000"),
		HouseMaxStake:       envDecimal("HOUSE_MAX_STAKE", "100000"),
		DailyWinCeiling:     envInt("HOUSE_DAILY_WIN_CEILING", 500),

		MatchTick:      envDuration("MATCH_TICK_SECONDS", 10),
		WaitingGameTTL: envDuration("WAITING_GAME_TTL_SECONDS", 900),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, defSeconds int) time.Duration {
	return time.Duration(envInt(key, defSeconds)) * time.Second
}

func envDecimal(key, def string) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	d, _ := decimal.NewFromString(def)
	return d
}
