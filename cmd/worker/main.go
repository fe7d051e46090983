// The worker binary drains the job queues: discovery runs, risk assessments
// and notification fan-out. It shares the Redis broker and the event stream
// with the api binary but serves no tenant traffic of its own.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/umbrix/backend/internal/archive"
	"github.com/umbrix/backend/internal/audit"
	"github.com/umbrix/backend/internal/config"
	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/crypto"
	"github.com/umbrix/backend/internal/detect"
	"github.com/umbrix/backend/internal/discovery"
	"github.com/umbrix/backend/internal/events"
	"github.com/umbrix/backend/internal/feedback"
	"github.com/umbrix/backend/internal/infra"
	"github.com/umbrix/backend/internal/jobs"
	"github.com/umbrix/backend/internal/notify"
	"github.com/umbrix/backend/internal/platform"
	"github.com/umbrix/backend/internal/repo"
	"github.com/umbrix/backend/internal/risk"
	"github.com/umbrix/backend/internal/vault"
)

func main() {
	_ = godotenv.Load()
	logger := log.New(log.Writer(), "[Umbrix] ", log.LstdFlags)

	cfg := loadConfig(logger)
	store := openStore(logger, cfg)

	rds, err := infra.NewGoRedisAdapterFromURL(cfg.Broker.RedisURL)
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}
	defer rds.Close()
	broker := jobs.NewBroker(rds.Client(),
		jobs.WithStallPolicy(cfg.StalledInterval(), cfg.Broker.MaxStalledCount))

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
	v, err := vault.New(vault.Config{Cipher: cipher, Backing: backing, Trail: trail, Leases: rds})
	if err != nil {
		logger.Fatalf("vault: %v", err)
	}

	flows := platform.NewFlows(cfg)
	for _, pf := range core.Platforms() {
		if flows.Supports(pf) {
			v.RegisterRefresher(pf, flows.RefreshToken)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	caller := platform.NewCaller(nil, nil)
	claude := platform.NewClaudeConnector(caller)
	if cfg.Archive.MinioEndpoint != "" {
		bundles, aerr := archive.NewMinioStore(ctx,
			cfg.Archive.MinioEndpoint, cfg.Archive.MinioAccessKey,
			cfg.Archive.MinioSecretKey, cfg.Archive.MinioBucket, cfg.Archive.MinioUseTLS)
		if aerr != nil {
			logger.Fatalf("archive store: %v", aerr)
		}
		claude.Archiver = bundles
	}

	registry := platform.NewRegistry()
	registry.Register(platform.NewSlackConnector(caller))
	registry.Register(platform.NewGoogleConnector(caller, flows))
	registry.Register(platform.NewMicrosoftConnector(caller, flows))
	registry.Register(platform.NewJiraConnector(caller, flows))
	registry.Register(platform.NewGeminiConnector(caller, flows))
	registry.Register(platform.NewChatGPTConnector(caller))
	registry.Register(claude)

	local, err := events.NewBus(events.BusConfig{
		SendBuffer:    cfg.Realtime.SendBuffer,
		CoalesceAbove: cfg.Realtime.CoalesceAbove,
	})
	if err != nil {
		logger.Fatalf("event bus: %v", err)
	}
	defer local.Close()

	var bus events.Publisher
	if cfg.Cloud.ProjectID != "" && cfg.Cloud.PubSubTopic != "" {
		ps, perr := events.NewPubSubBus(local, cfg.Cloud.ProjectID, cfg.Cloud.PubSubTopic)
		if perr != nil {
			logger.Fatalf("pubsub bus: %v", perr)
		}
		bus = ps
	} else {
		bus = events.NewRedisBus(local, rds, "")
	}

	configs := detect.NewConfigCache(store, detectorDefaults(cfg), time.Minute)
	classifier := detect.NewClassifier(detect.DefaultPatterns(),
		cfg.Detectors.AIConfidenceCap, cfg.Detectors.AIConfidenceFloor)

	pipeline := discovery.NewPipeline(store, registry, v, classifier, configs, bus, rds, broker, discovery.Options{
		PageSize:       cfg.Discovery.PageSize,
		StalenessAfter: time.Duration(cfg.Discovery.StalenessDays) * 24 * time.Hour,
	})

	var ledger risk.Ledger = risk.NewMemoryLedger()
	if cfg.Cloud.SpannerDatabase != "" {
		ledger, err = risk.NewSpannerLedger(ctx, cfg.Cloud.SpannerDatabase)
		if err != nil {
			logger.Fatalf("risk ledger: %v", err)
		}
	}
	riskHandler := discovery.NewRiskHandler(store, risk.NewEngine(ledger), bus, broker)

	notifier := buildNotifier(logger, cfg, bus)
	defer notifier.Shutdown()

	pool := jobs.NewPool(broker)
	pool.Register(jobs.QueueDiscovery, pipeline.Handler(), cfg.Broker.DiscoveryConcurrency, cfg.RunTimeout())
	pool.Register(jobs.QueueRisk, riskHandler.Handler(), cfg.Broker.RiskConcurrency, 5*time.Minute)
	pool.Register(jobs.QueueNotifications, notifier.Handler(), cfg.Broker.NotificationConcurrency, time.Minute)
	pool.Run(ctx)

	scheduler := jobs.NewScheduler(broker)
	registerHousekeeping(scheduler, logger, broker, v, bus)
	scheduler.Start()
	defer scheduler.Stop()

	tunerClient, closeTuner, err := feedback.DialTuner(ctx, cfg.Tuner.Address, cfg.Tuner.SPIFFESocket)
	if err != nil {
		logger.Fatalf("tuner: %v", err)
	}
	defer closeTuner()
	tuner := feedback.NewTuner(feedback.NewService(store, configs), store, tunerClient, configs, bus,
		time.Duration(cfg.Tuner.IntervalMinutes)*time.Minute)
	go tuner.Run(ctx)

	go serveOps(logger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Printf("received %s, draining", sig)
	cancel()
	pool.Shutdown()
}

// buildNotifier assembles the notification service: subscription registry,
// global on-call feed and the delivery path (Cloud Tasks when configured,
// in-process pool otherwise).
func buildNotifier(logger *log.Logger, cfg *config.Config, bus events.Publisher) *notify.Service {
	registry := notify.NewRegistry()
	if cfg.Notify.OnCallEndpoint != "" {
		if err := registry.Register(&notify.Subscription{
			URL:    cfg.Notify.OnCallEndpoint,
			Secret: cfg.Notify.SigningSecret,
			Levels: []events.NotificationLevel{events.LevelWarning, events.LevelCritical},
		}); err != nil {
			logger.Fatalf("on-call subscription: %v", err)
		}
	}

	var emitter notify.Emitter
	if cfg.Cloud.ProjectID != "" && cfg.Cloud.TasksQueue != "" {
		cd, err := notify.NewCloudDispatcher(registry,
			cfg.Cloud.ProjectID, cfg.Cloud.Location, cfg.Cloud.TasksQueue, 2)
		if err != nil {
			logger.Fatalf("cloud dispatcher: %v", err)
		}
		emitter = cd
	} else {
		emitter = notify.NewDispatcher(registry, 4)
	}
	return notify.NewService(emitter, bus)
}

// registerHousekeeping wires the recurring sweeps: queue depth metrics,
// delayed-job promotion and credential expiry warnings.
func registerHousekeeping(s *jobs.Scheduler, logger *log.Logger, broker *jobs.Broker, v *vault.Vault, bus events.Publisher) {
	mustTask(logger, s, "queue-depths", "@every 30s", func(ctx context.Context) {
		if _, err := broker.Depths(ctx); err != nil {
			logger.Printf("queue depth sweep: %v", err)
		}
	})
	mustTask(logger, s, "promote-delayed", "@every 15s", func(ctx context.Context) {
		for _, queue := range jobs.Queues() {
			if err := broker.PromoteDelayed(ctx, queue); err != nil {
				logger.Printf("promote %s: %v", queue, err)
			}
		}
	})
	mustTask(logger, s, "credential-expiry", "@every 1h", func(ctx context.Context) {
		notices, err := v.CheckExpiration(ctx)
		if err != nil {
			logger.Printf("credential expiry sweep: %v", err)
			return
		}
		for _, n := range notices {
			evt := events.NewSystemNotification(n.OrganizationID, events.LevelWarning,
				"A platform credential is about to expire and needs reauthorization",
				"Credential expiring", map[string]interface{}{
					"connectionId": n.ConnectionID,
					"platform":     n.Platform,
					"expiresAt":    n.ExpiresAt,
				})
			if err := bus.Publish(ctx, evt); err != nil {
				logger.Printf("expiry notification: %v", err)
			}
		}
	})
}

func mustTask(logger *log.Logger, s *jobs.Scheduler, name, spec string, fn func(ctx context.Context)) {
	if err := s.RegisterTask(name, spec, fn); err != nil {
		logger.Fatalf("schedule %s: %v", name, err)
	}
}

// serveOps exposes liveness and metrics for the scrape loop.
func serveOps(logger *log.Logger) {
	port := os.Getenv("UMBRIX_OPS_PORT")
	if port == "" {
		port = "9090"
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		logger.Printf("ops server: %v", err)
	}
}

// detectorDefaults overlays the deployment's detector settings on the shipped
// defaults. Per-tenant overrides live in the store and win at run time.
func detectorDefaults(cfg *config.Config) detect.Thresholds {
	th := detect.DefaultThresholds()
	if cfg.Detectors.VelocityEventsPerMinute > 0 {
		th.VelocityEventsPerMinute = cfg.Detectors.VelocityEventsPerMinute
	}
	if cfg.Detectors.BatchOperationSize > 0 {
		th.BatchOperationSize = cfg.Detectors.BatchOperationSize
	}
	if cfg.Detectors.BatchWindowSeconds > 0 {
		th.BatchWindowSeconds = cfg.Detectors.BatchWindowSeconds
	}
	if cfg.Detectors.BusinessHoursStart > 0 {
		th.BusinessHoursStart = cfg.Detectors.BusinessHoursStart
	}
	if cfg.Detectors.BusinessHoursEnd > 0 {
		th.BusinessHoursEnd = cfg.Detectors.BusinessHoursEnd
	}
	return th
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
