package main

import (
	"context"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	appcfg "github.com/stoneplay/stone-services/configs"
	"github.com/stoneplay/stone-services/internal/gamesvc/broker"
	"github.com/stoneplay/stone-services/internal/gamesvc/config"
	"github.com/stoneplay/stone-services/internal/gamesvc/db"
	"github.com/stoneplay/stone-services/internal/gamesvc/house"
	"github.com/stoneplay/stone-services/internal/gamesvc/session"
	"github.com/stoneplay/stone-services/internal/gamesvc/stone"
	"github.com/stoneplay/stone-services/internal/gamesvc/store"
	natscli "github.com/stoneplay/stone-services/internal/nats"
)

const SERVICE_NAME = "ctl"

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
	gen := stone.NewGenerator()
	econ := house.New(settings, gen, storage)
	manager := session.NewManager(settings, gen, storage, econ, b)

	ctx := context.Background()
	ticker := time.NewTicker(settings.MatchTick)
	defer ticker.Stop()

	for range ticker.C {
		expired, err := manager.ExpireStaleGames(ctx)
		if err != nil {
			log.Printf("expire stale games error: %v", err)
			continue
		}
		if expired > 0 {
			log.Infof("expired %d stale waiting games", expired)
		}
	}
}
