package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
	log "github.com/sirupsen/logrus"

	"github.com/stoneplay/stone-services/internal/gamesvc/house"
	"github.com/stoneplay/stone-services/internal/gamesvc/session"
	"github.com/stoneplay/stone-services/internal/gamesvc/store"
)

type Handler struct {
	tokenAuth *jwtauth.JWTAuth
	manager   *session.Manager
	econ      *house.Economics
	storage   *store.Storage
}

type Response struct {
	Message string      `json:"message"`
	Code    int         `json:"code"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error,omitempty"`
}

func NewHandler(manager *session.Manager, econ *house.Economics, storage *store.Storage) *Handler {
	return &Handler{
		manager: manager,
		econ:    econ,
		storage: storage,
	}
}

func (h *Handler) CreateResponse(w http.ResponseWriter, rsp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rsp.Code)
	if err := json.NewEncoder(w).Encode(rsp); err != nil {
		log.Errorf("Failed to encode response: %v", err)
	}
}

func (h *Handler) rejectError(w http.ResponseWriter, err error) {
	var vErr *session.ValidationError
	var tErr *session.TurnViolationError

	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrGameNotFound):
		code = http.StatusNotFound
	case errors.As(err, &vErr):
		code = http.StatusBadRequest
	case errors.As(err, &tErr):
		code = http.StatusConflict
	case errors.Is(err, house.ErrStakeOutOfRange),
		errors.Is(err, house.ErrDailyCeilingHit),
		errors.Is(err, house.ErrInvalidPromo),
		errors.Is(err, house.ErrPromoThisMonth):
		code = http.StatusBadRequest
	default:
		log.Errorf("request failed: %v", err)
	}

	h.CreateResponse(w, Response{Code: code, Error: err.Error()})
}

// userID pulls the authenticated user from the JWT claims.
func (h *Handler) userID(r *http.Request) (int64, bool) {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err != nil {
		return 0, false
	}
	raw, ok := claims["user_id"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case json.Number:
		id, err := v.Int64()
		return id, err == nil
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		return id, err == nil
	}
	return 0, false
}

func gameIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "gameID"), 10, 64)
}

// CreateGameHandler opens a new session for the authenticated user.
func (h *Handler) CreateGameHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(r)
	if !ok {
		h.CreateResponse(w, Response{Code: http.StatusUnauthorized, Error: "missing user identity"})
		return
	}

	var spec session.GameSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		h.CreateResponse(w, Response{Code: http.StatusBadRequest, Error: "invalid request body"})
		return
	}

	game, err := h.manager.CreateGame(r.Context(), spec, userID)
	if err != nil {
		h.rejectError(w, err)
		return
	}

	h.CreateResponse(w, Response{Message: "game created", Code: http.StatusCreated, Data: game})
}

func (h *Handler) JoinGameHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(r)
	if !ok {
		h.CreateResponse(w, Response{Code: http.StatusUnauthorized, Error: "missing user identity"})
		return
	}
	gameID, err := gameIDParam(r)
	if err != nil {
		h.CreateResponse(w, Response{Code: http.StatusBadRequest, Error: "invalid game id"})
		return
	}

	gp, err := h.manager.JoinGame(r.Context(), gameID, userID)
	if err != nil {
		h.rejectError(w, err)
		return
	}

	h.CreateResponse(w, Response{Message: "joined", Code: http.StatusOK, Data: gp})
}

// RollStoneHandler triggers a roll; the result is observed through the
// game_update broadcast, not the HTTP response.
func (h *Handler) RollStoneHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(r)
	if !ok {
		h.CreateResponse(w, Response{Code: http.StatusUnauthorized, Error: "missing user identity"})
		return
	}
	gameID, err := gameIDParam(r)
	if err != nil {
		h.CreateResponse(w, Response{Code: http.StatusBadRequest, Error: "invalid game id"})
		return
	}

	if err := h.manager.RollStone(r.Context(), gameID, userID); err != nil {
		h.rejectError(w, err)
		return
	}

	h.CreateResponse(w, Response{Message: "rolled", Code: http.StatusAccepted})
}

func (h *Handler) SendChatHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(r)
	if !ok {
		h.CreateResponse(w, Response{Code: http.StatusUnauthorized, Error: "missing user identity"})
		return
	}
	gameID, err := gameIDParam(r)
	if err != nil {
		h.CreateResponse(w, Response{Code: http.StatusBadRequest, Error: "invalid game id"})
		return
	}

	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.CreateResponse(w, Response{Code: http.StatusBadRequest, Error: "invalid request body"})
		return
	}

	if err := h.manager.SendChatMessage(r.Context(), gameID, userID, body.Content); err != nil {
		h.rejectError(w, err)
		return
	}

	h.CreateResponse(w, Response{Message: "sent", Code: http.StatusOK})
}

func (h *Handler) GetGameHandler(w http.ResponseWriter, r *http.Request) {
	gameID, err := gameIDParam(r)
	if err != nil {
		h.CreateResponse(w, Response{Code: http.StatusBadRequest, Error: "invalid game id"})
		return
	}

	game, err := h.storage.GetGame(r.Context(), gameID)
	if err != nil {
		h.rejectError(w, err)
		return
	}
	if game == nil {
		h.CreateResponse(w, Response{Code: http.StatusNotFound, Error: "game not found"})
		return
	}

	players, err := h.storage.GetGamePlayers(r.Context(), gameID)
	if err != nil {
		h.rejectError(w, err)
		return
	}

	h.CreateResponse(w, Response{Code: http.StatusOK, Data: map[string]interface{}{
		"game":    game,
		"players": players,
	}})
}

func (h *Handler) GetGameMessagesHandler(w http.ResponseWriter, r *http.Request) {
	gameID, err := gameIDParam(r)
	if err != nil {
		h.CreateResponse(w, Response{Code: http.StatusBadRequest, Error: "invalid game id"})
		return
	}

	msgs, err := h.storage.GetGameMessages(r.Context(), gameID, 100)
	if err != nil {
		h.rejectError(w, err)
		return
	}

	h.CreateResponse(w, Response{Code: http.StatusOK, Data: msgs})
}

func (h *Handler) GetTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(r)
	if !ok {
		h.CreateResponse(w, Response{Code: http.StatusUnauthorized, Error: "missing user identity"})
		return
	}

	txs, err := h.storage.GetUserTransactions(r.Context(), userID, 50)
	if err != nil {
		h.rejectError(w, err)
		return
	}

	h.CreateResponse(w, Response{Code: http.StatusOK, Data: txs})
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(r)
	if !ok {
		h.CreateResponse(w, Response{Code: http.StatusUnauthorized, Error: "missing user identity"})
		return
	}

	balance, err := h.storage.GetUserBalance(r.Context(), userID)
	if err != nil {
		h.rejectError(w, err)
		return
	}

	h.CreateResponse(w, Response{Code: http.StatusOK, Data: map[string]string{
		"balance": balance.StringFixed(2),
	}})
}

// SetPromoHandler is the admin toggle for the promotional multiplier.
func (h *Handler) SetPromoHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Multiplier int `json:"multiplier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.CreateResponse(w, Response{Code: http.StatusBadRequest, Error: "invalid request body"})
		return
	}

	if err := h.econ.SetPromoMultiplier(r.Context(), body.Multiplier); err != nil {
		h.rejectError(w, err)
		return
	}

	h.CreateResponse(w, Response{Message: "promo multiplier updated", Code: http.StatusOK})
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	rsp := Response{
		Message: "game service is running at port " + os.Getenv("GAME_SERVICE_PORT"),
		Code:    200,
		Data:    nil,
	}
	if err := json.NewEncoder(w).Encode(rsp); err != nil {
		log.Errorf("Failed to encode health response: %v", err)
	}
}
