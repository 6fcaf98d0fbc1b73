package session

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/stoneplay/stone-services/internal/comm"
	"github.com/stoneplay/stone-services/internal/gamesvc/models"
)

// settleLocked finalizes a game once every player has rolled. The caller
// holds g.mu and the roll path has already cleared the turn timer, so no
// timeout can fire into a settled game.
//
// The storage contract has no cross-call transaction, so the credits, the
// winner marks and the final status are separate writes. The game's
// externally-visible status changes last; a failure before that point leaves
// the game in_progress and logs the partial progress for manual
// reconciliation.
func (m *Manager) settleLocked(ctx context.Context, g *liveGame, game *models.Game, players []*models.GamePlayer) error {
	if game.IsHouseGame {
		return m.settleHouseLocked(ctx, g, game, players)
	}

	maxRoll := 0
	for _, p := range players {
		if p.RolledNumber != nil && *p.RolledNumber > maxRoll {
			maxRoll = *p.RolledNumber
		}
	}

	var winners []*models.GamePlayer
	for _, p := range players {
		if p.RolledNumber != nil && *p.RolledNumber == maxRoll {
			winners = append(winners, p)
		}
	}

	hundred := decimal.NewFromInt(100)
	pot := game.Pot(len(players))
	commission := pot.Mul(game.CommissionPct).Div(hundred)
	net := pot.Sub(commission)

	// ties split the net pot equally; sub-cent remainders go to the first
	// winner in turn order so no value is created or destroyed
	count := decimal.NewFromInt(int64(len(winners)))
	share := net.Div(count).RoundDown(2)
	remainder := net.Sub(share.Mul(count))

	winnerIDs := make([]int64, 0, len(winners))
	for i, w := range winners {
		amount := share
		if i == 0 {
			amount = amount.Add(remainder)
		}
		if _, err := m.store.ApplyBalanceChange(ctx, w.UserID, amount, models.TxTypeWinnings, game.Currency, &game.ID); err != nil {
			log.Errorf("settlement of game %d: winner %d credit failed after %d of %d payouts, manual reconciliation needed: %v",
				game.ID, w.UserID, i, len(winners), err)
			return err
		}
		if err := m.store.MarkGamePlayerResult(ctx, game.ID, w.UserID, true, amount); err != nil {
			return err
		}
		w.IsWinner = true
		w.WinShare = amount
		winnerIDs = append(winnerIDs, w.UserID)
	}

	for _, p := range players {
		if !p.IsWinner {
			if err := m.store.MarkGamePlayerResult(ctx, game.ID, p.UserID, false, decimal.Zero); err != nil {
				return err
			}
		}
	}

	if _, err := m.store.ApplyBalanceChange(ctx, houseLedgerID, commission, models.TxTypeCommission, game.Currency, &game.ID); err != nil {
		log.Errorf("settlement of game %d: commission credit %s failed after winner payouts, manual reconciliation needed: %v",
			game.ID, commission, err)
		return err
	}

	if err := m.store.UpdateGameWinners(ctx, game.ID, winnerIDs, maxRoll); err != nil {
		return err
	}

	return m.finalizeLocked(ctx, g, game, players, winnerIDs, maxRoll)
}

// settleHouseLocked settles a session against the house: the win/lose draw is
// independent of the stones rolled, while the human's rolled stone picks the
// payout tier.
func (m *Manager) settleHouseLocked(ctx context.Context, g *liveGame, game *models.Game, players []*models.GamePlayer) error {
	var human, houseP *models.GamePlayer
	for _, p := range players {
		if p.IsHouse {
			houseP = p
		} else {
			human = p
		}
	}
	if human == nil || houseP == nil || human.RolledNumber == nil {
		return rejectf("game %d has no settleable house matchup", game.ID)
	}

	didWin, err := m.econ.DecideOutcome()
	if err != nil {
		return err
	}

	payout, err := m.econ.Settle(ctx, game, human.UserID, *human.RolledNumber, didWin)
	if err != nil {
		return err
	}

	winner := houseP
	winShare := game.Stake
	if didWin {
		winner = human
		winShare = payout.Player
	}
	loser := human
	if didWin {
		loser = houseP
	}

	if err := m.store.MarkGamePlayerResult(ctx, game.ID, winner.UserID, true, winShare); err != nil {
		return err
	}
	if err := m.store.MarkGamePlayerResult(ctx, game.ID, loser.UserID, false, decimal.Zero); err != nil {
		return err
	}
	winner.IsWinner = true
	winner.WinShare = winShare

	winningNumber := 0
	if winner.RolledNumber != nil {
		winningNumber = *winner.RolledNumber
	}
	winnerIDs := []int64{winner.UserID}

	if err := m.store.UpdateGameWinners(ctx, game.ID, winnerIDs, winningNumber); err != nil {
		return err
	}

	log.Infof("house game %d settled: human %d %s, tier %s, payout %s",
		game.ID, human.UserID, map[bool]string{true: "won", false: "lost"}[didWin], payout.Tier, payout.Player)

	return m.finalizeLocked(ctx, g, game, players, winnerIDs, winningNumber)
}

func (m *Manager) finalizeLocked(ctx context.Context, g *liveGame, game *models.Game, players []*models.GamePlayer, winnerIDs []int64, winningNumber int) error {
	now := time.Now()
	if err := m.store.EndGame(ctx, game.ID, models.GameStatusInProgress, models.GameStatusCompleted, now); err != nil {
		return err
	}
	game.Status = models.GameStatusCompleted
	game.WinnerIDs = winnerIDs
	game.WinningNumber = &winningNumber
	game.EndedAt = &now

	m.broadcastLocked(g, comm.EventGameEnded, comm.GameEnded{
		Game:          game,
		Players:       players,
		WinnerIDs:     winnerIDs,
		WinningNumber: winningNumber,
	})

	if m.pub != nil {
		m.pub.PublishGameFinished(comm.GameLifecycle{
			GameID:    game.ID,
			Status:    game.Status,
			Stake:     game.Stake.String(),
			Currency:  game.Currency,
			WinnerIDs: winnerIDs,
			Timestamp: now,
		})
	}

	return nil
}

// ExpireStaleGames cancels waiting games older than the configured window and
// refunds every stake. It is idempotent: the EndGame status guard makes a
// repeat sweep (or a racing sweep) a no-op per game. The control service
// invokes this on a ticker.
func (m *Manager) ExpireStaleGames(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.cfg.WaitingGameTTL)
	stale, err := m.store.GetStaleWaitingGames(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, game := range stale {
		g := m.getLive(game.ID)
		g.mu.Lock()

		now := time.Now()
		if err := m.store.EndGame(ctx, game.ID, models.GameStatusWaiting, models.GameStatusExpired, now); err != nil {
			// filled to in_progress, or finalized by a racing sweep
			g.mu.Unlock()
			continue
		}
		m.clearTimerLocked(g)
		game.Status = models.GameStatusExpired
		game.EndedAt = &now

		players, err := m.store.GetGamePlayers(ctx, game.ID)
		if err != nil {
			log.Errorf("expiring game %d: loading players for refund failed, manual reconciliation needed: %v", game.ID, err)
			g.mu.Unlock()
			continue
		}
		for _, p := range players {
			if p.IsHouse {
				continue
			}
			if _, err := m.store.ApplyBalanceChange(ctx, p.UserID, game.Stake, models.TxTypeRefund, game.Currency, &game.ID); err != nil {
				log.Errorf("expiring game %d: refund for user %d failed, manual reconciliation needed: %v", game.ID, p.UserID, err)
			}
		}

		m.broadcastLocked(g, comm.EventGameEnded, comm.GameEnded{
			Game:    game,
			Players: players,
		})
		g.mu.Unlock()
		m.dropLive(game.ID)
		expired++
	}

	return expired, nil
}
