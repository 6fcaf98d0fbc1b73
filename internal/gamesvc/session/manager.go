package session

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/stoneplay/stone-services/internal/comm"
	"github.com/stoneplay/stone-services/internal/gamesvc/config"
	"github.com/stoneplay/stone-services/internal/gamesvc/house"
	"github.com/stoneplay/stone-services/internal/gamesvc/models"
	"github.com/stoneplay/stone-services/internal/gamesvc/stone"
)

// houseLedgerID is the reserved account that collects commission.
const houseLedgerID = config.HouseUserID

// Storage is the slice of the storage contract the session manager consumes.
// None of these calls are assumed transactional across each other; the one
// atomic primitive is ApplyBalanceChange, which pairs a balance mutation with
// its ledger row.
type Storage interface {
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	GetUserBalance(ctx context.Context, userID int64) (decimal.Decimal, error)
	ApplyBalanceChange(ctx context.Context, userID int64, amount decimal.Decimal, ttype, currency string, gameID *int64) (*models.Transaction, error)

	CreateGame(ctx context.Context, stake decimal.Decimal, currency string, maxPlayers int, commissionPct decimal.Decimal, isHouseGame, voiceChat bool) (*models.Game, error)
	GetGame(ctx context.Context, gameID int64) (*models.Game, error)
	UpdateGameStatus(ctx context.Context, gameID int64, from, to string) error
	UpdateGameWinners(ctx context.Context, gameID int64, winnerIDs []int64, winningNumber int) error
	EndGame(ctx context.Context, gameID int64, fromStatus, status string, endedAt time.Time) error
	GetStaleWaitingGames(ctx context.Context, cutoff time.Time) ([]*models.Game, error)

	CreateGamePlayer(ctx context.Context, gameID, userID int64, isHouse bool) (*models.GamePlayer, error)
	GetGamePlayers(ctx context.Context, gameID int64) ([]*models.GamePlayer, error)
	GetGamePlayer(ctx context.Context, gameID, userID int64) (*models.GamePlayer, error)
	UpdateGamePlayerRoll(ctx context.Context, gameID, userID int64, rolled int) error
	MarkGamePlayerResult(ctx context.Context, gameID, userID int64, isWinner bool, winShare decimal.Decimal) error

	CreateMessage(ctx context.Context, msg models.Message) (*models.Message, error)
}

// Publisher pushes lifecycle events onto NATS for sibling services. May be
// nil when the manager runs without a broker (tests).
type Publisher interface {
	PublishGameCreated(ev comm.GameLifecycle)
	PublishGameFinished(ev comm.GameLifecycle)
}

// GameSpec is the caller's request to open a session.
type GameSpec struct {
	Stake      decimal.Decimal `json:"stake"`
	Currency   string          `json:"currency"`
	MaxPlayers int             `json:"max_players"`
	HouseGame  bool            `json:"house_game"`
}

// liveGame is the in-process state for one game: its connection registry and
// turn timer. All access goes through mu, so roll requests, timeout firings
// and settlement for the same game are mutually exclusive while different
// games proceed in parallel.
type liveGame struct {
	mu       sync.Mutex
	id       int64
	reg      *registry
	timer    *time.Timer
	timerGen uint64
	deadline time.Time
}

// Manager owns the per-game state machines: create/join/roll transitions,
// turn timers with auto-roll, broadcast fan-out and settlement.
type Manager struct {
	cfg   config.Settings
	gen   *stone.Generator
	store Storage
	econ  *house.Economics
	pub   Publisher

	mu   sync.Mutex
	live map[int64]*liveGame
}

func NewManager(cfg config.Settings, gen *stone.Generator, store Storage, econ *house.Economics, pub Publisher) *Manager {
	return &Manager{
		cfg:   cfg,
		gen:   gen,
		store: store,
		econ:  econ,
		pub:   pub,
		live:  make(map[int64]*liveGame),
	}
}

func (m *Manager) getLive(gameID int64) *liveGame {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.live[gameID]
	if !ok {
		g = &liveGame{id: gameID, reg: newRegistry()}
		m.live[gameID] = g
	}
	return g
}

func (m *Manager) dropLive(gameID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, gameID)
}

// CreateGame opens a session, seats the creator as player 1 and debits their
// stake. House sessions synthesize the house opponent and go straight to
// in_progress; they never run a turn timer.
func (m *Manager) CreateGame(ctx context.Context, spec GameSpec, creatorID int64) (*models.Game, error) {
	if spec.MaxPlayers < 2 || spec.MaxPlayers > 10 {
		return nil, rejectf("max players must be between 2 and 10, got %d", spec.MaxPlayers)
	}
	if spec.Stake.LessThan(m.cfg.MinStake) {
		return nil, rejectf("stake %s is below the minimum %s", spec.Stake, m.cfg.MinStake)
	}
	if spec.Currency == "" {
		return nil, rejectf("currency is required")
	}
	if spec.HouseGame && spec.MaxPlayers != 2 {
		return nil, rejectf("house sessions seat exactly two players")
	}

	user, err := m.store.GetUser(ctx, creatorID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, rejectf("user %d not found", creatorID)
	}

	balance, err := m.store.GetUserBalance(ctx, creatorID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(spec.Stake) {
		return nil, rejectf("insufficient balance: have %s, need %s", balance, spec.Stake)
	}

	if spec.HouseGame {
		if err := m.econ.ValidateStake(ctx, spec.Stake, spec.Currency); err != nil {
			return nil, err
		}
	}

	commission := m.cfg.CommissionLowPct
	voiceChat := false
	if spec.Stake.GreaterThanOrEqual(m.cfg.HighStakeLevel) {
		commission = m.cfg.CommissionHiPct
		voiceChat = true
	}

	game, err := m.store.CreateGame(ctx, spec.Stake, spec.Currency, spec.MaxPlayers, commission, spec.HouseGame, voiceChat)
	if err != nil {
		return nil, err
	}

	g := m.getLive(game.ID)
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := m.store.CreateGamePlayer(ctx, game.ID, creatorID, false); err != nil {
		return nil, err
	}
	if _, err := m.store.ApplyBalanceChange(ctx, creatorID, game.Stake, models.TxTypeStake, game.Currency, &game.ID); err != nil {
		log.Errorf("creating game %d: stake debit for user %d failed after seating, manual reconciliation needed: %v", game.ID, creatorID, err)
		return nil, err
	}

	if spec.HouseGame {
		if _, err := m.store.CreateGamePlayer(ctx, game.ID, config.HouseUserID, true); err != nil {
			return nil, err
		}
		if err := m.store.UpdateGameStatus(ctx, game.ID, models.GameStatusWaiting, models.GameStatusInProgress); err != nil {
			return nil, err
		}
		game.Status = models.GameStatusInProgress
	}

	if m.pub != nil {
		m.pub.PublishGameCreated(comm.GameLifecycle{
			GameID:    game.ID,
			Status:    game.Status,
			Stake:     game.Stake.String(),
			Currency:  game.Currency,
			Timestamp: time.Now(),
		})
	}

	return game, nil
}

// JoinGame seats a user in a waiting multiplayer game, debits their stake and
// broadcasts the join. When the last seat fills the game transitions to
// in_progress and the first player's turn timer starts.
func (m *Manager) JoinGame(ctx context.Context, gameID, userID int64) (*models.GamePlayer, error) {
	g := m.getLive(gameID)
	g.mu.Lock()
	defer g.mu.Unlock()

	game, err := m.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if game == nil {
		return nil, ErrGameNotFound
	}
	if game.IsHouseGame {
		return nil, rejectf("game %d plays against the house and cannot be joined", gameID)
	}
	if game.Status != models.GameStatusWaiting {
		return nil, rejectf("game %d is not accepting players (status %s)", gameID, game.Status)
	}

	players, err := m.store.GetGamePlayers(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if len(players) >= game.MaxPlayers {
		return nil, rejectf("game %d is full", gameID)
	}
	for _, p := range players {
		if p.UserID == userID {
			return nil, rejectf("user %d already joined game %d", userID, gameID)
		}
	}

	balance, err := m.store.GetUserBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(game.Stake) {
		return nil, rejectf("insufficient balance: have %s, need %s", balance, game.Stake)
	}

	gp, err := m.store.CreateGamePlayer(ctx, gameID, userID, false)
	if err != nil {
		return nil, rejectf("cannot join game %d: %v", gameID, err)
	}
	if _, err := m.store.ApplyBalanceChange(ctx, userID, game.Stake, models.TxTypeStake, game.Currency, &gameID); err != nil {
		log.Errorf("joining game %d: stake debit for user %d failed after seating, manual reconciliation needed: %v", gameID, userID, err)
		return nil, err
	}
	players = append(players, gp)

	name := ""
	if user, err := m.store.GetUser(ctx, userID); err == nil && user != nil {
		name = user.Name
	}
	m.broadcastLocked(g, comm.EventPlayerJoined, comm.PlayerJoined{
		GameID:    gameID,
		UserID:    userID,
		Name:      name,
		TurnOrder: gp.TurnOrder,
	})

	if len(players) == game.MaxPlayers {
		if err := m.store.UpdateGameStatus(ctx, gameID, models.GameStatusWaiting, models.GameStatusInProgress); err != nil {
			return nil, err
		}
		game.Status = models.GameStatusInProgress
		m.startTimerLocked(g)
	}

	m.broadcastSnapshotLocked(g, game, players, nil, nil)

	return gp, nil
}

// RollStone draws a stone for the current turn-order player. Strict turn
// order applies; the one exception is a house session, where the human player
// triggers the house's roll on its behalf (the house never holds a live
// connection) and the roll is recorded against the house player.
func (m *Manager) RollStone(ctx context.Context, gameID, userID int64) error {
	g := m.getLive(gameID)
	g.mu.Lock()
	defer g.mu.Unlock()

	game, err := m.store.GetGame(ctx, gameID)
	if err != nil {
		return err
	}
	if game == nil {
		return ErrGameNotFound
	}
	if game.Status != models.GameStatusInProgress {
		return turnViolationf("game %d is not active (status %s)", gameID, game.Status)
	}

	players, err := m.store.GetGamePlayers(ctx, gameID)
	if err != nil {
		return err
	}

	var caller *models.GamePlayer
	for _, p := range players {
		if p.UserID == userID && !p.IsHouse {
			caller = p
		}
	}
	if caller == nil {
		return rejectf("user %d is not a player in game %d", userID, gameID)
	}

	current := firstUnresolved(players)
	if current == nil {
		return turnViolationf("game %d has no pending turns", gameID)
	}

	if current.UserID != userID {
		// human-proxy exception: the human may roll for the house
		if !(game.IsHouseGame && current.IsHouse) {
			if caller.HasRolled {
				return turnViolationf("user %d already rolled in game %d", userID, gameID)
			}
			return turnViolationf("it is not user %d's turn in game %d", userID, gameID)
		}
	}

	return m.rollLocked(ctx, g, game, players, current)
}

// rollLocked records a stone for the current player and advances the game.
// The caller holds g.mu. The turn timer is cleared before any storage write,
// so a concurrent timeout firing for the same player is provably stale.
func (m *Manager) rollLocked(ctx context.Context, g *liveGame, game *models.Game, players []*models.GamePlayer, current *models.GamePlayer) error {
	rolled, err := m.gen.NextStone()
	if err != nil {
		// no outcome can be produced without entropy; the operation fails
		return err
	}

	m.clearTimerLocked(g)

	if err := m.store.UpdateGamePlayerRoll(ctx, game.ID, current.UserID, rolled); err != nil {
		return turnViolationf("roll for player %d rejected: %v", current.UserID, err)
	}
	current.RolledNumber = &rolled
	current.HasRolled = true

	next := firstUnresolved(players)
	if next == nil {
		return m.settleLocked(ctx, g, game, players)
	}

	if !game.IsHouseGame {
		m.startTimerLocked(g)
	}
	rolledBy := current.UserID
	m.broadcastSnapshotLocked(g, game, players, &rolled, &rolledBy)

	return nil
}

// startTimerLocked arms the auto-roll timer for the current turn. The
// generation counter binds the firing to this arming; any transition bumps
// the generation, so a stale firing is a no-op.
func (m *Manager) startTimerLocked(g *liveGame) {
	g.timerGen++
	gen := g.timerGen
	g.deadline = time.Now().Add(m.cfg.TurnTimer)
	g.timer = time.AfterFunc(m.cfg.TurnTimer, func() {
		m.autoRoll(g.id, gen)
	})
}

func (m *Manager) clearTimerLocked(g *liveGame) {
	g.timerGen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.deadline = time.Time{}
}

// autoRoll fires when a turn timer elapses: the manager rolls on the idle
// player's behalf through the same path as a normal roll, so a multiplayer
// game can never stall on an unresponsive player.
func (m *Manager) autoRoll(gameID int64, gen uint64) {
	g := m.getLive(gameID)
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.timerGen != gen {
		return // a roll or settlement beat the timer
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	game, err := m.store.GetGame(ctx, gameID)
	if err != nil || game == nil || game.Status != models.GameStatusInProgress {
		m.clearTimerLocked(g)
		return
	}
	players, err := m.store.GetGamePlayers(ctx, gameID)
	if err != nil {
		log.Errorf("auto-roll: loading players for game %d failed: %v", gameID, err)
		return
	}
	current := firstUnresolved(players)
	if current == nil {
		m.clearTimerLocked(g)
		return
	}

	log.Infof("turn timer elapsed for game %d, rolling for player %d", gameID, current.UserID)
	if err := m.rollLocked(ctx, g, game, players, current); err != nil {
		log.Errorf("auto-roll for game %d player %d failed: %v", gameID, current.UserID, err)
	}
}

// firstUnresolved returns the lowest turn-order player who has not rolled.
// Players arrive sorted by turn order from storage.
func firstUnresolved(players []*models.GamePlayer) *models.GamePlayer {
	for _, p := range players {
		if !p.HasRolled {
			return p
		}
	}
	return nil
}

// AdoptMatchedGame activates a game the matchmaking scheduler materialized
// with every seat already taken: it transitions the game to in_progress and
// arms the first player's turn timer. Idempotent; the status guard rejects a
// second adoption.
func (m *Manager) AdoptMatchedGame(ctx context.Context, gameID int64) error {
	g := m.getLive(gameID)
	g.mu.Lock()
	defer g.mu.Unlock()

	game, err := m.store.GetGame(ctx, gameID)
	if err != nil {
		return err
	}
	if game == nil {
		return ErrGameNotFound
	}
	if game.Status != models.GameStatusWaiting {
		return nil
	}

	players, err := m.store.GetGamePlayers(ctx, gameID)
	if err != nil {
		return err
	}
	if len(players) < game.MaxPlayers {
		return rejectf("matched game %d has %d of %d players", gameID, len(players), game.MaxPlayers)
	}

	if err := m.store.UpdateGameStatus(ctx, gameID, models.GameStatusWaiting, models.GameStatusInProgress); err != nil {
		return err
	}
	game.Status = models.GameStatusInProgress
	m.startTimerLocked(g)
	m.broadcastSnapshotLocked(g, game, players, nil, nil)

	return nil
}

// Subscribe registers a live connection for a game's events and immediately
// sends it the current snapshot. Re-subscribing replaces the prior entry.
func (m *Manager) Subscribe(ctx context.Context, gameID int64, c Conn) error {
	game, err := m.store.GetGame(ctx, gameID)
	if err != nil {
		return err
	}
	if game == nil {
		return ErrGameNotFound
	}

	g := m.getLive(gameID)
	g.mu.Lock()
	defer g.mu.Unlock()

	g.reg.add(c)

	players, err := m.store.GetGamePlayers(ctx, gameID)
	if err != nil {
		return err
	}
	if ev := m.snapshotLocked(g, game, players, nil, nil); ev != nil {
		c.Send(ev)
	}
	return nil
}

// Leave drops one connection from the game and tells the room. Only the
// registry's current connection for that user is removed, so a replaced
// socket tearing down late cannot evict its replacement.
func (m *Manager) Leave(gameID int64, c Conn) {
	g := m.getLive(gameID)
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.reg.remove(c) {
		m.broadcastLocked(g, comm.EventPlayerLeft, comm.PlayerLeft{GameID: gameID, UserID: c.UserID()})
	}
}

// SendErrorTo surfaces an asynchronous failure to the initiating connection
// only; errors are never broadcast to the whole game.
func (m *Manager) SendErrorTo(gameID, userID int64, code, message string) {
	g := m.getLive(gameID)
	g.mu.Lock()
	defer g.mu.Unlock()

	ev, err := comm.NewEvent(comm.EventError, comm.ErrorPayload{Code: code, Message: message})
	if err != nil {
		log.Errorf("unable to marshal error event: %v", err)
		return
	}
	g.reg.sendTo(userID, ev)
}

// SendChatMessage persists a chat line and fans it out to the room.
func (m *Manager) SendChatMessage(ctx context.Context, gameID, userID int64, content string) error {
	if content == "" || len(content) > 500 {
		return rejectf("chat message must be 1-500 characters")
	}

	g := m.getLive(gameID)
	g.mu.Lock()
	defer g.mu.Unlock()

	gp, err := m.store.GetGamePlayer(ctx, gameID, userID)
	if err != nil {
		return err
	}
	if gp == nil {
		return rejectf("user %d is not a player in game %d", userID, gameID)
	}

	name := ""
	if user, err := m.store.GetUser(ctx, userID); err == nil && user != nil {
		name = user.Name
	}

	msg, err := m.store.CreateMessage(ctx, models.Message{
		GameID:  gameID,
		UserID:  userID,
		Name:    name,
		Content: content,
	})
	if err != nil {
		return err
	}

	m.broadcastLocked(g, comm.EventChatMessage, comm.ChatMessage{
		GameID:  gameID,
		UserID:  userID,
		Name:    name,
		Content: msg.Content,
		SentAt:  msg.CreatedAt,
	})
	return nil
}

func (m *Manager) broadcastLocked(g *liveGame, eventType string, payload interface{}) {
	ev, err := comm.NewEvent(eventType, payload)
	if err != nil {
		log.Errorf("unable to marshal %s event for game %d: %v", eventType, g.id, err)
		return
	}
	g.reg.broadcast(ev)
}

func (m *Manager) snapshotLocked(g *liveGame, game *models.Game, players []*models.GamePlayer, rolling *int, rolledBy *int64) *comm.Event {
	var currentID int64
	if game.Status == models.GameStatusInProgress {
		if current := firstUnresolved(players); current != nil {
			currentID = current.UserID
		}
	}

	remaining := 0
	if !g.deadline.IsZero() {
		if secs := int(time.Until(g.deadline).Seconds()); secs > 0 {
			remaining = secs
		}
	}

	ev, err := comm.NewEvent(comm.EventGameUpdate, comm.GameUpdate{
		Game:                game,
		Players:             players,
		CurrentTurnPlayerID: currentID,
		RollingStoneNumber:  rolling,
		RolledPlayerID:      rolledBy,
		TimeRemaining:       remaining,
	})
	if err != nil {
		log.Errorf("unable to marshal game update for game %d: %v", game.ID, err)
		return nil
	}
	return ev
}

func (m *Manager) broadcastSnapshotLocked(g *liveGame, game *models.Game, players []*models.GamePlayer, rolling *int, rolledBy *int64) {
	if ev := m.snapshotLocked(g, game, players, rolling, rolledBy); ev != nil {
		g.reg.broadcast(ev)
	}
}
