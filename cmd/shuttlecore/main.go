package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"shuttlecore/config"
	"shuttlecore/engine"
	"shuttlecore/locstate"
	"shuttlecore/logging"
	"shuttlecore/messaging"
	"shuttlecore/protocol"
	"shuttlecore/store"
	"shuttlecore/topology"
	"shuttlecore/www"
)

var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "shuttlecore.yaml", "path to config file")
	mock := flag.Bool("mock", false, "run against the built-in shuttle and lift simulators")
	flag.Parse()

	if *showVersion {
		fmt.Println("shuttlecore", Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *mock {
		cfg.UseMock = true
	}
	logging.Setup(cfg.Log)

	// Database
	db, err := store.Open(&cfg.Database)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	log.Printf("shuttlecore: database open (%s)", cfg.Database.Driver)

	// Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("shuttlecore: redis not available (%v), running without cache", err)
	} else {
		log.Printf("shuttlecore: redis connected (%s)", cfg.Redis.Address)
	}
	cancel()
	defer redisClient.Close()

	// Rack map and inventory
	graph, err := topology.LoadMap(cfg.MapPath)
	if err != nil {
		log.Fatalf("load map: %v", err)
	}
	log.Printf("shuttlecore: map %s loaded (%d nodes, storeys %v)", cfg.MapPath, len(graph.Nodes()), graph.Storeys())

	locs := locstate.NewManager(db, locstate.NewRedisStore(redisClient))
	seeded, err := db.EnsureLocations(graph)
	if err != nil {
		log.Fatalf("seed locations: %v", err)
	}
	if seeded {
		log.Printf("shuttlecore: location table seeded from map")
	}
	if err := locs.SyncRedisFromSQL(); err != nil {
		log.Printf("shuttlecore: redis sync from SQL: %v", err)
	}

	// Messaging client
	var msgClient *messaging.Client
	var connectivity engine.Connectivity
	if cfg.Messaging.Backend != "" {
		msgClient = messaging.NewClient(&cfg.Messaging)
		if err := msgClient.Connect(); err != nil {
			log.Printf("shuttlecore: messaging connect failed (%v)", err)
		} else {
			log.Printf("shuttlecore: messaging connected (%s)", cfg.Messaging.Backend)
		}
		defer msgClient.Close()
		connectivity = msgClient
	}

	// Engine
	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: *configPath,
		DB:         db,
		Graph:      graph,
		Locations:  locs,
		MsgClient:  connectivity,
	})
	if err := eng.Start(context.Background()); err != nil {
		log.Fatalf("start engine: %v", err)
	}
	defer eng.Stop()

	if msgClient != nil {
		// Operation requests from the host
		reqHandler := messaging.NewRequestHandler(db, eng, cfg.Messaging.StationID, cfg.Messaging.ResultsTopic)
		defer reqHandler.Stop()
		ingestor := protocol.NewIngestor(reqHandler, protocol.StationFilter(cfg.Messaging.StationID))
		if err := msgClient.Subscribe(cfg.Messaging.RequestsTopic, ingestor.HandleRaw); err != nil {
			log.Printf("shuttlecore: protocol ingestor subscribe failed: %v", err)
		} else {
			log.Printf("shuttlecore: protocol ingestor listening on %s", cfg.Messaging.RequestsTopic)
		}

		// Outbox drainer (events and results to the host)
		drainer := messaging.NewOutboxDrainer(db, msgClient, cfg.Messaging.OutboxDrainInterval)
		drainer.Start()
		defer drainer.Stop()
	}

	// Web server
	handler, stopWeb := www.NewRouter(eng)

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		log.Printf("shuttlecore: web server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("web server: %v", err)
		}
	}()

	log.Printf("shuttlecore: ready (mock=%v)", cfg.UseMock)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("shuttlecore: shutting down...")
	stopWeb()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	log.Printf("shuttlecore: stopped")
}
