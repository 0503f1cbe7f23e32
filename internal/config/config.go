package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/banking/txmonitor/internal/domain"
)

// Config holds all configuration for the transaction monitoring engine
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	State      StateConfig      `mapstructure:"state"`
	Rules      RulesConfig      `mapstructure:"rules"`
	Scoring    ScoringConfig    `mapstructure:"scoring"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Cases      CasesConfig      `mapstructure:"cases"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Geo        GeoConfig        `mapstructure:"geo"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Security   SecurityConfig   `mapstructure:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxRequestSize  int64         `mapstructure:"max_request_size"`
}

// DatabaseConfig holds PostgreSQL configuration. An empty host keeps cases in memory.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DSN returns the pgx connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode, d.MaxOpenConns)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KafkaConfig holds Kafka configuration. No brokers disables the streaming path.
type KafkaConfig struct {
	Brokers          []string `mapstructure:"brokers"`
	Version          string   `mapstructure:"version"`
	ConsumerGroup    string   `mapstructure:"consumer_group"`
	TransactionTopic string   `mapstructure:"transaction_topic"`
	DecisionsTopic   string   `mapstructure:"decisions_topic"`
	CaseEventsTopic  string   `mapstructure:"case_events_topic"`
}

// Enabled returns true if brokers are configured
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// StateConfig holds entity window store configuration
type StateConfig struct {
	Backend             string                   `mapstructure:"backend"` // memory | redis
	Windows             map[string]time.Duration `mapstructure:"windows"`
	MaxEntriesPerEntity int                      `mapstructure:"max_entries_per_entity"`
	SweepInterval       time.Duration            `mapstructure:"sweep_interval"`
}

// WindowSpecs returns the configured windows ordered by duration
func (s StateConfig) WindowSpecs() []domain.WindowSpec {
	specs := make([]domain.WindowSpec, 0, len(s.Windows))
	for name, d := range s.Windows {
		specs = append(specs, domain.WindowSpec{Name: name, Duration: d})
	}
	sort.Slice(specs, func(i, j int) bool {
		if specs[i].Duration == specs[j].Duration {
			return specs[i].Name < specs[j].Name
		}
		return specs[i].Duration < specs[j].Duration
	})
	return specs
}

// RulesConfig holds rule-set source configuration
type RulesConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

// ScoringConfig holds aggregation policy
type ScoringConfig struct {
	ReviewThreshold float64 `mapstructure:"review_threshold"`
	BlockThreshold  float64 `mapstructure:"block_threshold"`
	BlendMode       string  `mapstructure:"blend_mode"`   // max | weighted
	BlendFactor     float64 `mapstructure:"blend_factor"` // rule share when weighted
}

// ClassifierConfig holds external model configuration
type ClassifierConfig struct {
	Endpoint           string        `mapstructure:"endpoint"`
	Timeout            time.Duration `mapstructure:"timeout"`
	BreakerMaxFailures uint32        `mapstructure:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout"`
}

// CasesConfig holds alert correlation and lifecycle policy
type CasesConfig struct {
	CorrelationWindow  time.Duration `mapstructure:"correlation_window"`
	DismissTTL         time.Duration `mapstructure:"dismiss_ttl"` // 0 disables auto-dismiss
	DismissInterval    time.Duration `mapstructure:"dismiss_interval"`
	AutoEscalateBlocks bool          `mapstructure:"auto_escalate_blocks"`
	NotifyQueueSize    int           `mapstructure:"notify_queue_size"`
}

// PipelineConfig holds ingestion concurrency settings
type PipelineConfig struct {
	Partitions    int           `mapstructure:"partitions"`
	QueueDepth    int           `mapstructure:"queue_depth"`
	LatencyBudget time.Duration `mapstructure:"latency_budget"`
	ReplayCache   int           `mapstructure:"replay_cache"`
}

// GeoConfig holds country risk configuration
type GeoConfig struct {
	CountryDBPath       string         `mapstructure:"country_db_path"`
	HighRiskCountries   []string       `mapstructure:"high_risk_countries"`
	SanctionedCountries []string       `mapstructure:"sanctioned_countries"`
	CountryRatings      map[string]int `mapstructure:"country_ratings"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName   string  `mapstructure:"service_name"`
	Environment   string  `mapstructure:"environment"`
	OTLPEndpoint  string  `mapstructure:"otlp_endpoint"`
	SamplingRatio float64 `mapstructure:"sampling_ratio"`
	Debug         bool    `mapstructure:"debug"`

	// LogFile mirrors logs into a rotated file when set
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days"`
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	JWTSecret      string   `mapstructure:"jwt_secret"`
	JWTIssuer      string   `mapstructure:"jwt_issuer"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load loads configuration from environment and config files
func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("TXMONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/txmonitor")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Config file not found, use defaults + env
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// normalize undoes viper's key lowercasing for country codes
func (c *Config) normalize() {
	ratings := make(map[string]int, len(c.Geo.CountryRatings))
	for k, v := range c.Geo.CountryRatings {
		ratings[strings.ToUpper(k)] = v
	}
	c.Geo.CountryRatings = ratings
	c.Geo.HighRiskCountries = upper(c.Geo.HighRiskCountries)
	c.Geo.SanctionedCountries = upper(c.Geo.SanctionedCountries)
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch {
	case c.Scoring.ReviewThreshold <= 0 || c.Scoring.ReviewThreshold > 100:
		return fmt.Errorf("scoring.review_threshold must be in (0,100], got %v", c.Scoring.ReviewThreshold)
	case c.Scoring.BlockThreshold < c.Scoring.ReviewThreshold || c.Scoring.BlockThreshold > 100:
		return fmt.Errorf("scoring.block_threshold must be in [review_threshold,100], got %v", c.Scoring.BlockThreshold)
	case c.Scoring.BlendMode != "max" && c.Scoring.BlendMode != "weighted":
		return fmt.Errorf("scoring.blend_mode must be max or weighted, got %q", c.Scoring.BlendMode)
	case len(c.State.Windows) == 0:
		return fmt.Errorf("state.windows must define at least one window")
	case c.State.Backend != "memory" && c.State.Backend != "redis":
		return fmt.Errorf("state.backend must be memory or redis, got %q", c.State.Backend)
	case c.Classifier.Timeout <= 0:
		return fmt.Errorf("classifier.timeout must be positive")
	case c.Pipeline.Partitions <= 0:
		return fmt.Errorf("pipeline.partitions must be positive")
	}
	for name, d := range c.State.Windows {
		if d <= 0 {
			return fmt.Errorf("state.windows.%s must be positive", name)
		}
	}
	return nil
}

func upper(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToUpper(strings.TrimSpace(s)))
	}
	return out
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.metrics_port", 9095)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_request_size", 1048576) // 1MB

	// Database defaults (empty host = in-memory case store)
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.database", "txmonitor")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.conn_max_idle_time", "5m")

	// Redis defaults (optimized for low latency)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.min_idle_conns", 20)
	v.SetDefault("redis.max_retries", 1)
	v.SetDefault("redis.dial_timeout", "2s")
	v.SetDefault("redis.read_timeout", "50ms")
	v.SetDefault("redis.write_timeout", "50ms")
	v.SetDefault("redis.key_prefix", "txmonitor")

	// Kafka defaults
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.version", "2.8.0")
	v.SetDefault("kafka.consumer_group", "txmonitor-group")
	v.SetDefault("kafka.transaction_topic", "banking.transactions.created")
	v.SetDefault("kafka.decisions_topic", "banking.txmonitor.decisions")
	v.SetDefault("kafka.case_events_topic", "banking.txmonitor.cases")

	// Window state defaults
	v.SetDefault("state.backend", "memory")
	v.SetDefault("state.windows", map[string]string{
		"1h":  "1h",
		"24h": "24h",
		"7d":  "168h",
	})
	v.SetDefault("state.max_entries_per_entity", 5000)
	v.SetDefault("state.sweep_interval", "5m")

	// Rules defaults
	v.SetDefault("rules.path", "./configs/rules.yaml")
	v.SetDefault("rules.watch", true)

	// Scoring defaults
	v.SetDefault("scoring.review_threshold", 50.0)
	v.SetDefault("scoring.block_threshold", 90.0)
	v.SetDefault("scoring.blend_mode", "max")
	v.SetDefault("scoring.blend_factor", 0.6)

	// Classifier defaults
	v.SetDefault("classifier.endpoint", "")
	v.SetDefault("classifier.timeout", "15ms")
	v.SetDefault("classifier.breaker_max_failures", 5)
	v.SetDefault("classifier.breaker_open_timeout", "10s")

	// Case defaults
	v.SetDefault("cases.correlation_window", "1h")
	v.SetDefault("cases.dismiss_ttl", "0s")
	v.SetDefault("cases.dismiss_interval", "1m")
	v.SetDefault("cases.auto_escalate_blocks", true)
	v.SetDefault("cases.notify_queue_size", 1024)

	// Pipeline defaults
	v.SetDefault("pipeline.partitions", 64)
	v.SetDefault("pipeline.queue_depth", 256)
	v.SetDefault("pipeline.latency_budget", "50ms")
	v.SetDefault("pipeline.replay_cache", 100000)

	// Geo defaults
	v.SetDefault("geo.country_db_path", "")
	v.SetDefault("geo.high_risk_countries", []string{
		"AF", "MM", "VE", "YE", "HT", "SS", "ML", "NG",
	})
	v.SetDefault("geo.sanctioned_countries", []string{
		"IR", "KP", "SY", "CU", "RU", "BY",
	})
	v.SetDefault("geo.country_ratings", map[string]int{})

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "txmonitor")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.sampling_ratio", 0.1)
	v.SetDefault("telemetry.debug", false)
	v.SetDefault("telemetry.log_file", "")
	v.SetDefault("telemetry.log_max_size_mb", 100)
	v.SetDefault("telemetry.log_max_backups", 3)
	v.SetDefault("telemetry.log_max_age_days", 7)

	// Security defaults
	v.SetDefault("security.jwt_secret", "")
	v.SetDefault("security.jwt_issuer", "")
	v.SetDefault("security.allowed_origins", []string{"*"})
}
