package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/httprate"
	log "github.com/sirupsen/logrus"

	appcfg "github.com/stoneplay/stone-services/configs"
	"github.com/stoneplay/stone-services/internal/comm"
	"github.com/stoneplay/stone-services/internal/gamesvc/broker"
	"github.com/stoneplay/stone-services/internal/gamesvc/config"
	"github.com/stoneplay/stone-services/internal/gamesvc/db"
	"github.com/stoneplay/stone-services/internal/gamesvc/handlers"
	"github.com/stoneplay/stone-services/internal/gamesvc/house"
	"github.com/stoneplay/stone-services/internal/gamesvc/session"
	"github.com/stoneplay/stone-services/internal/gamesvc/stone"
	"github.com/stoneplay/stone-services/internal/gamesvc/store"
	"github.com/stoneplay/stone-services/internal/gamesvc/ws"
	natscli "github.com/stoneplay/stone-services/internal/nats"
)

const SERVICE_NAME = "game"

var instanceId string

func init() {
	instanceId = appcfg.CreateUniqueInstance(SERVICE_NAME)
	appcfg.Logging(SERVICE_NAME + "_service_" + instanceId)
	appcfg.LoadEnv(SERVICE_NAME)
}

func main() {
	settings := config.Load()

	// pg connection
	dbpool, err := db.Connect()
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer db.ClosePool()
	log.Printf("pg connection established successfully")

	// mongo holds the game chat history
	mongoDB, cancelMongo, err := db.ConnectMongo()
	if err != nil {
		log.Fatalf("Failed to connect to mongo: %v", err)
	}
	defer cancelMongo()
	log.Printf("mongo connection established successfully")

	storage, err := store.NewStorage(dbpool, mongoDB)
	if err != nil {
		log.Fatalf("Failed to init storage: %v", err)
	}

	// Connect to NATS
	n, err := natscli.Connect()
	if err != nil {
		log.Errorf("Error: unable to connect to NATS server %v", err)
		os.Exit(0)
	}
	defer n.Conn.Close()
	log.Printf("NATS connection established successfully %s", n.Url)

	b := broker.NewBroker(n.Conn)

	gen := stone.NewGenerator()
	econ := house.New(settings, gen, storage)
	manager := session.NewManager(settings, gen, storage, econ, b)

	// matched games arrive over NATS and get their turn timer here
	sub, err := b.SubscribeMatchMade(func(ev comm.MatchMade) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := manager.AdoptMatchedGame(ctx, ev.GameID); err != nil {
			log.Errorf("adopt matched game %d: %v", ev.GameID, err)
		}
	})
	if err != nil {
		log.Errorf("Error: unable to subscribe to queue %v", err)
		os.Exit(0)
	}

	hub := ws.NewHub(manager)

	// Setup router
	r := chi.NewRouter()
	c := appcfg.CORS()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(appcfg.CustomLoggerMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(c.Handler)

	// to protect the service api from any over requests
	rateLimitStr := os.Getenv("RATE_LIMIT")
	rateLimit, err := strconv.Atoi(rateLimitStr)
	if err != nil {
		log.Fatalf("Invalid RATE_LIMIT value: %v", err)
	}
	r.Use(httprate.LimitByIP(rateLimit, 1*time.Minute))

	// Init handlers and routes
	h := handlers.NewHandler(manager, econ, storage)
	h.InitAuth()
	h.SetRoutes(r, hub)

	// Create server with timeout settings
	server := &http.Server{
		Addr:         ":" + os.Getenv("GAME_SERVICE_PORT"),
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe(): %v", err)
		}
	}()
	log.Infof("%s service running at port %s", SERVICE_NAME, server.Addr)

	// Wait for interrupt signal to gracefully shutdown the server
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("%s service shutdown Failed:%+v", SERVICE_NAME, err)
	}
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}
