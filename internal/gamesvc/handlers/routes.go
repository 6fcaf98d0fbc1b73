package handlers

import (
	"os"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
	log "github.com/sirupsen/logrus"

	"github.com/stoneplay/stone-services/internal/gamesvc/ws"
)

func (h *Handler) SetRoutes(r *chi.Mux, hub *ws.Hub) {
	r.Route("/v1", func(r chi.Router) {

		// public routes
		r.Get("/health", h.HealthHandler)
		r.Get("/ws", hub.HandleWebSocket)

		// Secure routes
		r.Group(func(r chi.Router) {
			r.Use(jwtauth.Verifier(h.tokenAuth))
			r.Use(jwtauth.Authenticator)

			r.Post("/games", h.CreateGameHandler)
			r.Get("/games/{gameID}", h.GetGameHandler)
			r.Get("/games/{gameID}/messages", h.GetGameMessagesHandler)
			r.Post("/games/{gameID}/join", h.JoinGameHandler)
			r.Post("/games/{gameID}/roll", h.RollStoneHandler)
			r.Post("/games/{gameID}/chat", h.SendChatHandler)

			r.Get("/balance", h.GetBalanceHandler)
			r.Get("/transactions", h.GetTransactionsHandler)

			r.Post("/admin/promo", h.SetPromoHandler)
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
