package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Database  DatabaseConfig  `yaml:"database"`
	Vault     VaultConfig     `yaml:"vault"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Detectors DetectorsConfig `yaml:"detectors"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Notify    NotifyConfig    `yaml:"notify"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Tuner     TunerConfig     `yaml:"tuner"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
	// Signing secrets come from the environment in production.
	JWTSecret     string `yaml:"jwt_secret"`
	JWTPrevSecret string `yaml:"jwt_prev_secret"`
	StateSecret   string `yaml:"state_secret"`
	TokenTTLHours int    `yaml:"token_ttl_hours"`
}

type BrokerConfig struct {
	RedisURL string `yaml:"redis_url"`
	// Per-queue worker caps.
	DiscoveryConcurrency    int `yaml:"discovery_concurrency"`
	RiskConcurrency         int `yaml:"risk_concurrency"`
	NotificationConcurrency int `yaml:"notification_concurrency"`
	StalledIntervalSeconds  int `yaml:"stalled_interval_seconds"`
	MaxStalledCount         int `yaml:"max_stalled_count"`
}

type DatabaseConfig struct {
	SupabaseURL string `yaml:"supabase_url"`
	SupabaseKey string `yaml:"supabase_key"`
	// Credential vault uses a dedicated direct-SQL role, not the REST layer.
	VaultPostgresDSN string `yaml:"vault_postgres_dsn"`
}

type VaultConfig struct {
	RefreshBufferSeconds int `yaml:"refresh_buffer_seconds"`
}

type DiscoveryConfig struct {
	DefaultIntervalHours int `yaml:"default_interval_hours"`
	RunTimeoutMinutes    int `yaml:"run_timeout_minutes"`
	ExportPollBudgetSecs int `yaml:"export_poll_budget_seconds"`
	StalenessDays        int `yaml:"staleness_days"`
	PageSize             int `yaml:"page_size"`
}

type DetectorsConfig struct {
	VelocityEventsPerMinute float64 `yaml:"velocity_events_per_minute"`
	BatchOperationSize      float64 `yaml:"batch_operation_size"`
	BatchWindowSeconds      float64 `yaml:"batch_window_seconds"`
	BusinessHoursStart      int     `yaml:"business_hours_start"`
	BusinessHoursEnd        int     `yaml:"business_hours_end"`
	AIConfidenceCap         float64 `yaml:"ai_confidence_cap"`
	AIConfidenceFloor       float64 `yaml:"ai_confidence_floor"`
}

// OAuthApp holds one platform's OAuth client registration.
type OAuthApp struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

type OAuthConfig struct {
	Slack     OAuthApp `yaml:"slack"`
	Google    OAuthApp `yaml:"google"`
	Microsoft OAuthApp `yaml:"microsoft"`
	Jira      OAuthApp `yaml:"jira"`
	ChatGPT   OAuthApp `yaml:"chatgpt"`
	Claude    OAuthApp `yaml:"claude"`
	Gemini    OAuthApp `yaml:"gemini"`
	// StateTTLSeconds bounds how long an OAuth state token stays valid.
	StateTTLSeconds int `yaml:"state_ttl_seconds"`
}

type RealtimeConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	SendBuffer     int      `yaml:"send_buffer"`
	CoalesceAbove  int      `yaml:"coalesce_above"`
	PingSeconds    int      `yaml:"ping_seconds"`
}

type NotifyConfig struct {
	OnCallEndpoint string `yaml:"oncall_endpoint"`
	SigningSecret  string `yaml:"signing_secret"`
}

type ArchiveConfig struct {
	MinioEndpoint  string `yaml:"minio_endpoint"`
	MinioAccessKey string `yaml:"minio_access_key"`
	MinioSecretKey string `yaml:"minio_secret_key"`
	MinioBucket    string `yaml:"minio_bucket"`
	MinioUseTLS    bool   `yaml:"minio_use_tls"`
}

type CloudConfig struct {
	ProjectID       string `yaml:"project_id"`
	Location        string `yaml:"location"`
	TasksQueue      string `yaml:"tasks_queue"`
	PubSubTopic     string `yaml:"pubsub_topic"`
	SpannerDatabase string `yaml:"spanner_database"`
}

type TunerConfig struct {
	Address         string `yaml:"address"`
	SPIFFESocket    string `yaml:"spiffe_socket"`
	IntervalMinutes int    `yaml:"interval_minutes"`
}

// LoadConfig reads the master YAML config from path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	cfg.applyEnv()

	return &cfg, nil
}

// Default returns a config usable without any file, for tests and dev.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.TokenTTLHours == 0 {
		c.Server.TokenTTLHours = 12
	}
	if c.Broker.DiscoveryConcurrency == 0 {
		c.Broker.DiscoveryConcurrency = 4
	}
	if c.Broker.RiskConcurrency == 0 {
		c.Broker.RiskConcurrency = 8
	}
	if c.Broker.NotificationConcurrency == 0 {
		c.Broker.NotificationConcurrency = 8
	}
	if c.Broker.StalledIntervalSeconds == 0 {
		c.Broker.StalledIntervalSeconds = 30
	}
	if c.Broker.MaxStalledCount == 0 {
		c.Broker.MaxStalledCount = 2
	}
	if c.Vault.RefreshBufferSeconds == 0 {
		c.Vault.RefreshBufferSeconds = 300
	}
	if c.Discovery.DefaultIntervalHours == 0 {
		c.Discovery.DefaultIntervalHours = 24
	}
	if c.Discovery.RunTimeoutMinutes == 0 {
		c.Discovery.RunTimeoutMinutes = 30
	}
	if c.Discovery.ExportPollBudgetSecs == 0 {
		c.Discovery.ExportPollBudgetSecs = 60
	}
	if c.Discovery.StalenessDays == 0 {
		c.Discovery.StalenessDays = 30
	}
	if c.Discovery.PageSize == 0 {
		c.Discovery.PageSize = 100
	}
	if c.Detectors.VelocityEventsPerMinute == 0 {
		c.Detectors.VelocityEventsPerMinute = 60
	}
	if c.Detectors.BatchOperationSize == 0 {
		c.Detectors.BatchOperationSize = 50
	}
	if c.Detectors.BatchWindowSeconds == 0 {
		c.Detectors.BatchWindowSeconds = 30
	}
	if c.Detectors.BusinessHoursStart == 0 {
		c.Detectors.BusinessHoursStart = 8
	}
	if c.Detectors.BusinessHoursEnd == 0 {
		c.Detectors.BusinessHoursEnd = 18
	}
	if c.Detectors.AIConfidenceCap == 0 {
		c.Detectors.AIConfidenceCap = 0.98
	}
	if c.Detectors.AIConfidenceFloor == 0 {
		c.Detectors.AIConfidenceFloor = 0.3
	}
	if c.OAuth.StateTTLSeconds == 0 {
		c.OAuth.StateTTLSeconds = 600
	}
	if c.Realtime.SendBuffer == 0 {
		c.Realtime.SendBuffer = 256
	}
	if c.Realtime.CoalesceAbove == 0 {
		c.Realtime.CoalesceAbove = 64
	}
	if c.Realtime.PingSeconds == 0 {
		c.Realtime.PingSeconds = 30
	}
	if c.Tuner.IntervalMinutes == 0 {
		c.Tuner.IntervalMinutes = 60
	}
}

// applyEnv lets environment variables override file values. Secrets should
// come from the environment, never from checked-in YAML.
func (c *Config) applyEnv() {
	envStr(&c.Server.Port, "PORT")
	envStr(&c.Server.Env, "UMBRIX_ENV")
	envStr(&c.Server.JWTSecret, "UMBRIX_JWT_SECRET")
	envStr(&c.Server.JWTPrevSecret, "UMBRIX_JWT_PREV_SECRET")
	envStr(&c.Server.StateSecret, "UMBRIX_STATE_SECRET")
	envStr(&c.Broker.RedisURL, "UMBRIX_REDIS_URL")
	envStr(&c.Database.SupabaseURL, "SUPABASE_URL")
	envStr(&c.Database.SupabaseKey, "SUPABASE_SERVICE_KEY")
	envStr(&c.Database.VaultPostgresDSN, "UMBRIX_VAULT_DSN")
	envInt(&c.Vault.RefreshBufferSeconds, "UMBRIX_REFRESH_BUFFER_SECONDS")
	envInt(&c.Discovery.DefaultIntervalHours, "UMBRIX_DISCOVERY_INTERVAL_HOURS")
	envStr(&c.Cloud.ProjectID, "GOOGLE_CLOUD_PROJECT")
	envStr(&c.Cloud.Location, "GOOGLE_CLOUD_LOCATION")
	envStr(&c.Cloud.TasksQueue, "UMBRIX_TASKS_QUEUE")
	envStr(&c.Cloud.PubSubTopic, "UMBRIX_PUBSUB_TOPIC")
	envStr(&c.Cloud.SpannerDatabase, "UMBRIX_SPANNER_DATABASE")
	envStr(&c.Archive.MinioEndpoint, "MINIO_ENDPOINT")
	envStr(&c.Archive.MinioAccessKey, "MINIO_ACCESS_KEY")
	envStr(&c.Archive.MinioSecretKey, "MINIO_SECRET_KEY")
	envStr(&c.Archive.MinioBucket, "UMBRIX_ARCHIVE_BUCKET")
	envStr(&c.Notify.OnCallEndpoint, "UMBRIX_ONCALL_ENDPOINT")
	envStr(&c.Notify.SigningSecret, "UMBRIX_ONCALL_SECRET")
	envStr(&c.Tuner.Address, "UMBRIX_TUNER_ADDR")
	envStr(&c.Tuner.SPIFFESocket, "SPIFFE_ENDPOINT_SOCKET")

	envStr(&c.OAuth.Slack.ClientID, "SLACK_CLIENT_ID")
	envStr(&c.OAuth.Slack.ClientSecret, "SLACK_CLIENT_SECRET")
	envStr(&c.OAuth.Google.ClientID, "GOOGLE_CLIENT_ID")
	envStr(&c.OAuth.Google.ClientSecret, "GOOGLE_CLIENT_SECRET")
	envStr(&c.OAuth.Microsoft.ClientID, "MICROSOFT_CLIENT_ID")
	envStr(&c.OAuth.Microsoft.ClientSecret, "MICROSOFT_CLIENT_SECRET")
	envStr(&c.OAuth.Jira.ClientID, "JIRA_CLIENT_ID")
	envStr(&c.OAuth.Jira.ClientSecret, "JIRA_CLIENT_SECRET")
	envStr(&c.OAuth.ChatGPT.ClientID, "CHATGPT_CLIENT_ID")
	envStr(&c.OAuth.ChatGPT.ClientSecret, "CHATGPT_CLIENT_SECRET")
	envStr(&c.OAuth.Claude.ClientID, "CLAUDE_CLIENT_ID")
	envStr(&c.OAuth.Claude.ClientSecret, "CLAUDE_CLIENT_SECRET")
	envStr(&c.OAuth.Gemini.ClientID, "GEMINI_CLIENT_ID")
	envStr(&c.OAuth.Gemini.ClientSecret, "GEMINI_CLIENT_SECRET")
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// RunTimeout returns the per-run hard deadline.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.Discovery.RunTimeoutMinutes) * time.Minute
}

// StalledInterval returns the heartbeat silence threshold.
func (c *Config) StalledInterval() time.Duration {
	return time.Duration(c.Broker.StalledIntervalSeconds) * time.Second
}

// RefreshBuffer returns the credential refresh lead window.
func (c *Config) RefreshBuffer() time.Duration {
	return time.Duration(c.Vault.RefreshBufferSeconds) * time.Second
}

// OAuthFor returns the registration for one platform.
func (c *Config) OAuthFor(platform string) (OAuthApp, error) {
	switch platform {
	case "slack":
		return c.OAuth.Slack, nil
	case "google":
		return c.OAuth.Google, nil
	case "microsoft":
		return c.OAuth.Microsoft, nil
	case "jira":
		return c.OAuth.Jira, nil
	case "chatgpt":
		return c.OAuth.ChatGPT, nil
	case "claude":
		return c.OAuth.Claude, nil
	case "gemini":
		return c.OAuth.Gemini, nil
	}
	return OAuthApp{}, fmt.Errorf("no oauth registration for platform %q", platform)
}
