package match

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/stoneplay/stone-services/internal/comm"
	"github.com/stoneplay/stone-services/internal/gamesvc/config"
	"github.com/stoneplay/stone-services/internal/gamesvc/models"
)

// ranking weights and caps
const (
	stakeWeight = 0.5
	skillWeight = 0.3
	waitWeight  = 0.2

	maxWaitBenefit = 5 * time.Minute
	stakeBand      = 0.2 // candidates must stake within 20% of the anchor
)

// Storage is the slice of the storage contract matchmaking consumes. The
// scheduler and the session manager never share in-process state; matched
// games materialize through these calls only.
type Storage interface {
	GetUserBalance(ctx context.Context, userID int64) (decimal.Decimal, error)
	GetUserWinRate(ctx context.Context, userID int64) (played int, won int, err error)
	ApplyBalanceChange(ctx context.Context, userID int64, amount decimal.Decimal, ttype, currency string, gameID *int64) (*models.Transaction, error)
	CreateGame(ctx context.Context, stake decimal.Decimal, currency string, maxPlayers int, commissionPct decimal.Decimal, isHouseGame, voiceChat bool) (*models.Game, error)
	CreateGamePlayer(ctx context.Context, gameID, userID int64, isHouse bool) (*models.GamePlayer, error)
}

// Publisher announces materialized matches on NATS so the game service can
// adopt them. May be nil in tests.
type Publisher interface {
	PublishMatchMade(ev comm.MatchMade)
}

// MatchResult reports one attempted match from a pass. A failed
// materialization carries Err; its players are not re-enqueued automatically.
type MatchResult struct {
	GameID    int64
	UserIDs   []int64
	Stake     decimal.Decimal
	Currency  string
	VoiceChat bool
	Err       error
}

// Scheduler owns the waiting queue and runs the periodic matching pass.
type Scheduler struct {
	cfg   config.Settings
	store Storage
	pub   Publisher

	mu    sync.Mutex // guards queue
	queue map[int64]*Player

	passMu sync.Mutex // serializes matching passes
	now    func() time.Time
}

func NewScheduler(cfg config.Settings, store Storage, pub Publisher) *Scheduler {
	return &Scheduler{
		cfg:   cfg,
		store: store,
		pub:   pub,
		queue: make(map[int64]*Player),
		now:   time.Now,
	}
}

// RunMatchingPass pairs waiting players by stake, currency and skill. Passes
// never overlap: a pass completes (or fails) before the next may begin.
// Oldest players anchor first; each anchor collects the best-scoring
// candidates inside the stake band until its preferred group size is filled.
func (s *Scheduler) RunMatchingPass(ctx context.Context) []MatchResult {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	waiting := s.snapshot()
	matched := make(map[int64]bool)
	var results []MatchResult

	for _, anchor := range waiting {
		if matched[anchor.UserID] {
			continue
		}

		pool := make([]*Player, 0, len(waiting))
		for _, c := range waiting {
			if c.UserID == anchor.UserID || matched[c.UserID] {
				continue
			}
			if !compatible(anchor, c) {
				continue
			}
			pool = append(pool, c)
		}
		if len(pool) == 0 {
			continue
		}

		target := anchor.PreferredGameSize
		if target < 2 {
			target = 2
		}

		members := []*Player{anchor}
		for len(members) < target && len(pool) > 0 {
			best := s.pickBest(anchor, pool)
			members = append(members, pool[best])
			pool = append(pool[:best], pool[best+1:]...)
		}

		for _, mem := range members {
			matched[mem.UserID] = true
		}
		s.removeAll(members)

		results = append(results, s.materialize(ctx, anchor, members))
	}

	return results
}

// snapshot copies the queue ordered by join time ascending, so the oldest
// waiting player gets matching priority. User id breaks exact-time ties to
// keep passes deterministic.
func (s *Scheduler) snapshot() []*Player {
	s.mu.Lock()
	defer s.mu.Unlock()

	waiting := make([]*Player, 0, len(s.queue))
	for _, p := range s.queue {
		waiting = append(waiting, p)
	}
	sort.Slice(waiting, func(i, j int) bool {
		if !waiting[i].JoinedAt.Equal(waiting[j].JoinedAt) {
			return waiting[i].JoinedAt.Before(waiting[j].JoinedAt)
		}
		return waiting[i].UserID < waiting[j].UserID
	})
	return waiting
}

func (s *Scheduler) removeAll(members []*Player) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mem := range members {
		delete(s.queue, mem.UserID)
	}
}

// compatible applies the hard filters: same currency, stake within the band.
func compatible(anchor, c *Player) bool {
	if c.Currency != anchor.Currency {
		return false
	}
	band := anchor.Stake.Mul(decimal.NewFromFloat(stakeBand))
	diff := c.Stake.Sub(anchor.Stake).Abs()
	return diff.LessThanOrEqual(band)
}

// pickBest returns the index of the top-ranked candidate. The pool arrives in
// queue order, and the strict greater-than comparison keeps ties deterministic
// in favor of the earlier-queued candidate.
func (s *Scheduler) pickBest(anchor *Player, pool []*Player) int {
	best := 0
	bestScore := s.score(anchor, pool[0])
	for i := 1; i < len(pool); i++ {
		if sc := s.score(anchor, pool[i]); sc > bestScore {
			best = i
			bestScore = sc
		}
	}
	return best
}

// score ranks a candidate against the anchor: 0.5 stake similarity, 0.3 skill
// similarity, 0.2 wait time (benefit capped at five minutes).
func (s *Scheduler) score(anchor, c *Player) float64 {
	stakeDiff, _ := c.Stake.Sub(anchor.Stake).Abs().Div(anchor.Stake).Float64()
	stakeSim := 1 - stakeDiff
	if stakeSim < 0 {
		stakeSim = 0
	}

	skillDiff := float64(anchor.SkillLevel-c.SkillLevel) / 100
	if skillDiff < 0 {
		skillDiff = -skillDiff
	}
	skillSim := 1 - skillDiff

	wait := s.now().Sub(c.JoinedAt)
	if wait > maxWaitBenefit {
		wait = maxWaitBenefit
	}
	waitFactor := float64(wait) / float64(maxWaitBenefit)

	return stakeWeight*stakeSim + skillWeight*skillSim + waitWeight*waitFactor
}

// materialize creates the matched game and seats every member, debiting their
// stakes. A storage failure is reported on the result; queue state for other
// pending players is unaffected.
func (s *Scheduler) materialize(ctx context.Context, anchor *Player, members []*Player) MatchResult {
	userIDs := make([]int64, 0, len(members))
	for _, mem := range members {
		userIDs = append(userIDs, mem.UserID)
	}

	result := MatchResult{
		UserIDs:  userIDs,
		Stake:    anchor.Stake,
		Currency: anchor.Currency,
	}

	commission := s.cfg.CommissionLowPct
	voiceChat := false
	if anchor.Stake.GreaterThanOrEqual(s.cfg.HighStakeLevel) {
		commission = s.cfg.CommissionHiPct
		voiceChat = true
	}
	result.VoiceChat = voiceChat

	game, err := s.store.CreateGame(ctx, anchor.Stake, anchor.Currency, len(members), commission, false, voiceChat)
	if err != nil {
		result.Err = err
		log.Errorf("match: creating game for players %v failed: %v", userIDs, err)
		return result
	}
	result.GameID = game.ID

	for _, mem := range members {
		if _, err := s.store.CreateGamePlayer(ctx, game.ID, mem.UserID, false); err != nil {
			result.Err = err
			log.Errorf("match: seating player %d in game %d failed: %v", mem.UserID, game.ID, err)
			return result
		}
		if _, err := s.store.ApplyBalanceChange(ctx, mem.UserID, anchor.Stake, models.TxTypeStake, anchor.Currency, &game.ID); err != nil {
			result.Err = err
			log.Errorf("match: staking player %d in game %d failed: %v", mem.UserID, game.ID, err)
			return result
		}
	}

	if s.pub != nil {
		s.pub.PublishMatchMade(comm.MatchMade{
			GameID:    game.ID,
			UserIDs:   userIDs,
			Stake:     anchor.Stake.String(),
			Currency:  anchor.Currency,
			VoiceChat: voiceChat,
			Timestamp: s.now(),
		})
	}

	log.Infof("match: game %d created for players %v at stake %s %s", game.ID, userIDs, anchor.Stake, anchor.Currency)
	return result
}
