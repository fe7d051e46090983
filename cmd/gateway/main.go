// The gateway binary serves only the realtime edges: the websocket hub and
// the socket.io bridge. It subscribes to the shared Redis event channel, so
// any number of gateway replicas can sit behind a load balancer while the
// api and worker binaries publish from anywhere.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/umbrix/backend/internal/config"
	"github.com/umbrix/backend/internal/events"
	"github.com/umbrix/backend/internal/identity"
	"github.com/umbrix/backend/internal/infra"
	"github.com/umbrix/backend/internal/middleware"
	"github.com/umbrix/backend/internal/multitenancy"
	"github.com/umbrix/backend/internal/stream"
)

func main() {
	_ = godotenv.Load()
	logger := log.New(log.Writer(), "[Gateway] ", log.LstdFlags)

	cfg := loadConfig(logger)

	rds, err := infra.NewGoRedisAdapterFromURL(cfg.Broker.RedisURL)
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}
	defer rds.Close()

	local, err := events.NewBus(events.BusConfig{
		SendBuffer:    cfg.Realtime.SendBuffer,
		CoalesceAbove: cfg.Realtime.CoalesceAbove,
	})
	if err != nil {
		logger.Fatalf("event bus: %v", err)
	}
	defer local.Close()
	feed := events.NewRedisBus(local, rds, "")

	auth := buildAuthenticator(logger, cfg)

	hub := stream.NewHub(feed, stream.Options{
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
		PingPeriod:     time.Duration(cfg.Realtime.PingSeconds) * time.Second,
	})
	bridge := stream.NewSocketIOBridge(feed, func(r *http.Request) (string, error) {
		organizationID, _, rerr := auth.Resolve(r)
		return organizationID, rerr
	})
	go func() {
		if serr := bridge.Serve(); serr != nil {
			logger.Printf("socket.io: %v", serr)
		}
	}()
	defer bridge.Close()

	r := mux.NewRouter()
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(cfg.Realtime.AllowedOrigins))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.PathPrefix("/socket.io/").Handler(bridge.Handler())
	r.NewRoute().Path("/ws").Handler(auth.Middleware(hub))

	port := os.Getenv("UMBRIX_GATEWAY_PORT")
	if port == "" {
		port = "8090"
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		logger.Fatalf("serve: %v", err)
	case sig := <-stop:
		logger.Printf("received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}
}

// buildAuthenticator loads the tenant registry and token service the edge
// checks socket handshakes against. The gateway never mints tokens; it only
// verifies what the api issued.
func buildAuthenticator(logger *log.Logger, cfg *config.Config) *middleware.Authenticator {
	path := os.Getenv("UMBRIX_TENANTS")
	if path == "" {
		path = "config/tenants.yaml"
	}
	orgStore, err := multitenancy.LoadTenantsFile(path)
	if err != nil {
		logger.Printf("tenants file %s unreadable (%v), starting with an empty registry", path, err)
		orgStore = multitenancy.NewInMemoryOrganizationStore()
	}
	orgs := multitenancy.NewOrganizationManager(orgStore)
	tokens := identity.NewTokenService(identity.TokenServiceConfig{
		Secret:         cfg.Server.JWTSecret,
		PreviousSecret: cfg.Server.JWTPrevSecret,
		TTL:            time.Duration(cfg.Server.TokenTTLHours) * time.Hour,
	})
	return middleware.NewAuthenticator(orgs, tokens)
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
