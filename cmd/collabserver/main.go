package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quicknotes/collab/internal/api"
	"github.com/quicknotes/collab/internal/auth"
	"github.com/quicknotes/collab/internal/collab"
	"github.com/quicknotes/collab/internal/config"
	"github.com/quicknotes/collab/internal/feed"
	"github.com/quicknotes/collab/internal/messaging"
	"github.com/quicknotes/collab/internal/metrics"
	"github.com/quicknotes/collab/internal/presence"
	"github.com/quicknotes/collab/internal/ratelimit"
	"github.com/quicknotes/collab/internal/room"
	"github.com/quicknotes/collab/internal/session"
	"github.com/quicknotes/collab/internal/store"
	"github.com/quicknotes/collab/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Document store ---
	var docs store.DocumentStore
	var pg *store.PostgresStore
	switch cfg.Store {
	case config.StorePostgres:
		pg, err = store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		docs = pg
	default:
		docs = store.NewMemoryStore()
	}

	deps := collab.Deps{Store: docs, Rooms: room.NewRegistry(0)}
	opt := collab.DefaultOptions()
	opt.ServerName = cfg.ServerName
	opt.CommitRule = ratelimit.RuleCommit.WithLimit(cfg.CommitRateLimit)

	// --- Redis: sessions, presence mirror, rate limits ---
	var (
		sessionStore *session.Store
		mirror       *presence.Mirror
		limiter      *ratelimit.Limiter
		wsSessions   ws.SessionStore
	)
	if cfg.RedisAddr != "" {
		sessionStore, err = session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		if n, err := sessionStore.PurgeServer(ctx); err != nil {
			log.Printf("session purge failed: %v", err)
		} else if n > 0 {
			log.Printf("purged %d stale sessions from a previous run", n)
		}
		rdb := sessionStore.Client()
		mirror = presence.NewMirror(rdb, cfg.PresenceTTL)
		limiter = ratelimit.NewLimiter(rdb)

		wsSessions = sessionStore
		deps.Sessions = sessionStore
		deps.Presence = mirror
		deps.Limiter = limiter
		go presence.StartSweeper(ctx, mirror, cfg.PresenceTTL/5)
	}

	// --- NATS relay ---
	var natsClient *messaging.NATSClient
	if cfg.NATS.URL != "" {
		natsClient, err = messaging.NewNATSClient(cfg.NATS)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		deps.Relay = natsClient
	}

	// --- Kafka activity feed ---
	var feedDispatcher *feed.Dispatcher
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := feed.NewProducer(cfg.KafkaBrokers, "collab-"+cfg.ServerName)
		if err != nil {
			log.Fatalf("failed to connect to Kafka: %v", err)
		}
		defer producer.Close()
		feedDispatcher = feed.NewDispatcher(producer, cfg.KafkaTopic, cfg.Feed)
		deps.Feed = feedDispatcher
	}

	svc := collab.NewService(deps, opt)
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)

	log.Printf("Collaborative notes server starting")
	log.Printf("  listen_addr:       %s", cfg.Server.ListenAddr)
	log.Printf("  worker_pool:       %d", cfg.Server.WorkerPoolSize)
	log.Printf("  max_connections:   %d", cfg.Server.MaxConnections)
	log.Printf("  read_timeout:      %s", cfg.Server.ReadTimeout)
	log.Printf("  write_timeout:     %s", cfg.Server.WriteTimeout)
	log.Printf("  store:             %s", cfg.Store)
	log.Printf("  nats_url:          %s", orOff(cfg.NATS.URL))
	log.Printf("  redis_addr:        %s", orOff(cfg.RedisAddr))
	log.Printf("  kafka_brokers:     %s", orOff(strings.Join(cfg.KafkaBrokers, ",")))
	log.Printf("  cors_origins:      %s", orOff(strings.Join(cfg.CORSOrigins, ",")))
	log.Printf("  server_name:       %s", cfg.ServerName)
	log.Printf("  presence_ttl:      %s", cfg.PresenceTTL)
	log.Printf("  commit_rate_limit: %d/%s", opt.CommitRule.Limit, opt.CommitRule.Window)
	if cfg.JWTSecret == config.Default().JWTSecret {
		log.Printf("WARNING: JWT_SECRET is the development default")
	}

	// --- Event channel ---
	dispatcher := ws.NewMessageDispatcher(nil)
	ws.RegisterNoteHandlers(dispatcher, svc)

	server := ws.NewServer(cfg.Server, wsSessions, issuer, dispatcher.Dispatch)
	dispatcher.SetServer(server)
	if limiter != nil {
		server.SetLimiter(limiter)
	}
	server.SetOnDisconnect(ws.DisconnectHandler(svc))

	// --- Request channel and metrics ---
	gin.SetMode(gin.ReleaseMode)
	server.Mount("/api/", api.NewRouter(svc, issuer, cfg.CORSOrigins...))
	server.Mount("/metrics", metrics.Handler())

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		log.Printf("  live rooms: %d", deps.Rooms.Count())
		if natsClient != nil {
			log.Printf("  relayed notes: %d", natsClient.Subscribed())
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		stop()
		if feedDispatcher != nil {
			feedDispatcher.Close()
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if sessionStore != nil {
			if err := sessionStore.Close(); err != nil {
				log.Printf("session store close error: %v", err)
			}
		}
		if pg != nil {
			if err := pg.Close(); err != nil {
				log.Printf("postgres close error: %v", err)
			}
		}
		time.Sleep(100 * time.Millisecond)
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func orOff(v string) string {
	if v == "" {
		return "(disabled)"
	}
	return v
}
