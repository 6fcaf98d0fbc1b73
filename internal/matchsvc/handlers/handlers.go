package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/stoneplay/stone-services/internal/gamesvc/match"
)

type Handler struct {
	tokenAuth *jwtauth.JWTAuth
	scheduler *match.Scheduler
}

type Response struct {
	Message string      `json:"message"`
	Code    int         `json:"code"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error,omitempty"`
}

func NewHandler(scheduler *match.Scheduler) *Handler {
	return &Handler{scheduler: scheduler}
}

func (h *Handler) CreateResponse(w http.ResponseWriter, rsp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rsp.Code)
	if err := json.NewEncoder(w).Encode(rsp); err != nil {
		log.Errorf("Failed to encode response: %v", err)
	}
}

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

func (h *Handler) EnqueueHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(r)
	if !ok {
		h.CreateResponse(w, Response{Code: http.StatusUnauthorized, Error: "missing user identity"})
		return
	}

	var body struct {
		Stake             decimal.Decimal `json:"stake"`
		Currency          string          `json:"currency"`
		PreferredGameSize int             `json:"preferred_game_size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.CreateResponse(w, Response{Code: http.StatusBadRequest, Error: "invalid request body"})
		return
	}

	player, err := h.scheduler.Enqueue(r.Context(), userID, body.Stake, body.Currency, body.PreferredGameSize)
	if err != nil {
		h.CreateResponse(w, Response{Code: http.StatusBadRequest, Error: err.Error()})
		return
	}

	h.CreateResponse(w, Response{Message: "queued", Code: http.StatusCreated, Data: player})
}

func (h *Handler) DequeueHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(r)
	if !ok {
		h.CreateResponse(w, Response{Code: http.StatusUnauthorized, Error: "missing user identity"})
		return
	}

	if !h.scheduler.Dequeue(userID) {
		h.CreateResponse(w, Response{Code: http.StatusNotFound, Error: "not in queue"})
		return
	}

	h.CreateResponse(w, Response{Message: "left queue", Code: http.StatusOK})
}

func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	h.CreateResponse(w, Response{Code: http.StatusOK, Data: h.scheduler.Stats()})
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	rsp := Response{
		Message: "match service is running at port " + os.Getenv("MATCH_SERVICE_PORT"),
		Code:    200,
	}
	if err := json.NewEncoder(w).Encode(rsp); err != nil {
		log.Errorf("Failed to encode health response: %v", err)
	}
}

func (h *Handler) SetRoutes(r *chi.Mux) {
	r.Route("/v1", func(r chi.Router) {

		r.Get("/health", h.HealthHandler)

		// Secure routes
		r.Group(func(r chi.Router) {
			r.Use(jwtauth.Verifier(h.tokenAuth))
			r.Use(jwtauth.Authenticator)

			r.Post("/matchmaking/queue", h.EnqueueHandler)
			r.Delete("/matchmaking/queue", h.DequeueHandler)
			r.Get("/matchmaking/stats", h.StatsHandler)
		})
	})
}

func (h *Handler) InitAuth() {
	var jwtKey = os.Getenv("JWT_SECRET_KEY")
	h.tokenAuth = jwtauth.New("HS256", []byte(jwtKey), nil)

	expirationTime := time.Now().Add(7 * 24 * time.Hour).Unix()

	_, tokenString, _ := h.tokenAuth.Encode(map[string]interface{}{
		"user_id": 9000101,
		"exp":     expirationTime,
	})

	// For debugging only, comment it out in production
	log.Infof("DEBUG: JWT for testing expires soon : %s", tokenString)
}
