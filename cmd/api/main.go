// The api binary serves the REST facade plus the tenant websocket stream.
// Discovery work itself runs in the worker binary; this process only
// validates, persists and enqueues.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/umbrix/backend/internal/api"
	"github.com/umbrix/backend/internal/audit"
	"github.com/umbrix/backend/internal/config"
	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/crypto"
	"github.com/umbrix/backend/internal/detect"
	"github.com/umbrix/backend/internal/events"
	"github.com/umbrix/backend/internal/feedback"
	"github.com/umbrix/backend/internal/identity"
	"github.com/umbrix/backend/internal/infra"
	"github.com/umbrix/backend/internal/jobs"
	"github.com/umbrix/backend/internal/middleware"
	"github.com/umbrix/backend/internal/multitenancy"
	"github.com/umbrix/backend/internal/platform"
	"github.com/umbrix/backend/internal/repo"
	"github.com/umbrix/backend/internal/security"
	"github.com/umbrix/backend/internal/stream"
	"github.com/umbrix/backend/internal/vault"
)

func main() {
	_ = godotenv.Load()
	logger := log.New(log.Writer(), "[API] ", log.LstdFlags)

	cfg := loadConfig(logger)
	orgs := loadTenants(logger)

	store := openStore(logger, cfg)

	rds, err := infra.NewGoRedisAdapterFromURL(cfg.Broker.RedisURL)
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}
	defer rds.Close()

	broker := jobs.NewBroker(rds.Client())
	scheduler := jobs.NewScheduler(broker)
	scheduler.Start()
	defer scheduler.Stop()

	trail := audit.NewTrail(audit.TrailConfig{Store: audit.NewInMemoryStore()})

	cipher, err := crypto.NewCipherFromEnv()
	if err != nil {
		logger.Fatalf("vault cipher: %v", err)
	}
	var backing vault.Store = vault.NewMemoryStore()
	if dsn := cfg.Database.VaultPostgresDSN; dsn != "" {
		backing, err = vault.NewPostgresStore(dsn)
		if err != nil {
			logger.Fatalf("vault store: %v", err)
		}
	}
	v, err := vault.New(vault.Config{
		Cipher:  cipher,
		Backing: backing,
		Trail:   trail,
		Leases:  rds,
	})
	if err != nil {
		logger.Fatalf("vault: %v", err)
	}

	flows := platform.NewFlows(cfg)
	for _, pf := range core.Platforms() {
		if flows.Supports(pf) {
			v.RegisterRefresher(pf, flows.RefreshToken)
		}
	}

	caller := platform.NewCaller(nil, nil)
	registry := platform.NewRegistry()
	registry.Register(platform.NewSlackConnector(caller))
	registry.Register(platform.NewGoogleConnector(caller, flows))
	registry.Register(platform.NewMicrosoftConnector(caller, flows))
	registry.Register(platform.NewJiraConnector(caller, flows))
	registry.Register(platform.NewGeminiConnector(caller, flows))
	registry.Register(platform.NewChatGPTConnector(caller))
	registry.Register(platform.NewClaudeConnector(caller))

	local, err := events.NewBus(events.BusConfig{
		SendBuffer:    cfg.Realtime.SendBuffer,
		CoalesceAbove: cfg.Realtime.CoalesceAbove,
	})
	if err != nil {
		logger.Fatalf("event bus: %v", err)
	}
	defer local.Close()

	// Cross-instance fanout so the worker's events reach sessions held here.
	var bus events.Publisher = local
	var feed stream.Subscriber = local
	if cfg.Cloud.ProjectID != "" && cfg.Cloud.PubSubTopic != "" {
		ps, perr := events.NewPubSubBus(local, cfg.Cloud.ProjectID, cfg.Cloud.PubSubTopic)
		if perr != nil {
			logger.Fatalf("pubsub bus: %v", perr)
		}
		bus = ps
	} else {
		rb := events.NewRedisBus(local, rds, "")
		bus = rb
		feed = rb
	}

	hub := stream.NewHub(feed, stream.Options{
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
		PingPeriod:     time.Duration(cfg.Realtime.PingSeconds) * time.Second,
	})
	defer hub.Close()

	tokens := identity.NewTokenService(identity.TokenServiceConfig{
		Secret:         cfg.Server.JWTSecret,
		PreviousSecret: cfg.Server.JWTPrevSecret,
		TTL:            time.Duration(cfg.Server.TokenTTLHours) * time.Hour,
	})

	configs := detect.NewConfigCache(store, detect.DefaultThresholds(), time.Minute)

	srv := api.NewServer(api.Deps{
		Config:   cfg,
		Store:    store,
		Vault:    v,
		Flows:    flows,
		Registry: registry,
		States: security.NewStateBroker(security.StateBrokerConfig{
			HMACSecret: cfg.Server.StateSecret,
			TTL:        time.Duration(cfg.OAuth.StateTTLSeconds) * time.Second,
			Leases:     rds,
		}),
		Broker:    broker,
		Scheduler: scheduler,
		Feedback:  feedback.NewService(store, configs),
		Auth:      middleware.NewAuthenticator(orgs, tokens),
		Trail:     trail,
		Bus:       bus,
		Hub:       hub,
	})

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		if err != nil {
			logger.Fatalf("server: %v", err)
		}
	case sig := <-stop:
		logger.Printf("received %s, draining", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}
}

func loadConfig(logger *log.Logger) *config.Config {
	path := os.Getenv("UMBRIX_CONFIG")
	if path == "" {
		path = "config/config.yaml"
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		logger.Printf("config %s unreadable (%v), using defaults", path, err)
		return config.Default()
	}
	return cfg
}

func loadTenants(logger *log.Logger) *multitenancy.OrganizationManager {
	path := os.Getenv("UMBRIX_TENANTS")
	if path == "" {
		path = "config/tenants.yaml"
	}
	store, err := multitenancy.LoadTenantsFile(path)
	if err != nil {
		logger.Printf("tenants %s unreadable (%v), starting with an empty registry", path, err)
		store = multitenancy.NewInMemoryOrganizationStore()
	}
	return multitenancy.NewOrganizationManager(store)
}

func openStore(logger *log.Logger, cfg *config.Config) repo.Store {
	if cfg.Database.SupabaseURL == "" {
		logger.Printf("no database configured, using the in-memory store")
		return repo.NewMemoryStore()
	}
	sc, err := repo.NewSupabaseClient(cfg.Database.SupabaseURL, cfg.Database.SupabaseKey)
	if err != nil {
		logger.Fatalf("supabase: %v", err)
	}
	return repo.NewSupabaseStore(sc)
}
