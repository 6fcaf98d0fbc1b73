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
	"github.com/stoneplay/stone-services/internal/gamesvc/broker"
	"github.com/stoneplay/stone-services/internal/gamesvc/config"
	"github.com/stoneplay/stone-services/internal/gamesvc/db"
	"github.com/stoneplay/stone-services/internal/gamesvc/match"
	"github.com/stoneplay/stone-services/internal/gamesvc/store"
	"github.com/stoneplay/stone-services/internal/matchsvc/handlers"
	natscli "github.com/stoneplay/stone-services/internal/nats"
)

const SERVICE_NAME = "match"

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

	mongoDB, cancelMongo, err := db.ConnectMongo()
	if err != nil {
		log.Fatalf("Failed to connect to mongo: %v", err)
	}
	defer cancelMongo()

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
	scheduler := match.NewScheduler(settings, storage, b)

	// matching pass loop
	passCtx, stopPasses := context.WithCancel(context.Background())
	defer stopPasses()
	go func() {
		ticker := time.NewTicker(settings.MatchTick)
		defer ticker.Stop()
		for {
			select {
			case <-passCtx.Done():
				return
			case <-ticker.C:
				results := scheduler.RunMatchingPass(passCtx)
				for _, res := range results {
					if res.Err != nil {
						log.Errorf("match attempt for users %v failed: %v", res.UserIDs, res.Err)
						continue
					}
					log.Infof("matched game %d users %v stake %s %s",
						res.GameID, res.UserIDs, res.Stake.StringFixed(2), res.Currency)
				}
			}
		}
	}()

	// Setup router
	r := chi.NewRouter()
	c := appcfg.CORS()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(appcfg.CustomLoggerMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(c.Handler)

	rateLimitStr := os.Getenv("RATE_LIMIT")
	rateLimit, err := strconv.Atoi(rateLimitStr)
	if err != nil {
		log.Fatalf("Invalid RATE_LIMIT value: %v", err)
	}
	r.Use(httprate.LimitByIP(rateLimit, 1*time.Minute))

	h := handlers.NewHandler(scheduler)
	h.InitAuth()
	h.SetRoutes(r)

	server := &http.Server{
		Addr:         ":" + os.Getenv("MATCH_SERVICE_PORT"),
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe(): %v", err)
		}
	}()
	log.Infof("%s service running at port %s", SERVICE_NAME, server.Addr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	stopPasses()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("%s service shutdown Failed:%+v", SERVICE_NAME, err)
	}
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}
