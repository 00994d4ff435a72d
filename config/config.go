package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mohammad-safakhou/lexresearch/internal/retry"
)

// Config holds the whole service configuration.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Ranking   RankingConfig   `mapstructure:"ranking"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address     string   `mapstructure:"address"`
	JWTSecret   string   `mapstructure:"jwt_secret"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	DocsPath    string   `mapstructure:"docs_path"`
}

func (s ServerConfig) Normalize() ServerConfig {
	s.Address = strings.TrimSpace(s.Address)
	if s.Address == "" {
		s.Address = ":10001"
	} else if !strings.Contains(s.Address, ":") {
		s.Address = ":" + s.Address
	}
	return s
}

// LLMConfig lists the named model providers.
type LLMConfig struct {
	DefaultProvider string                 `mapstructure:"default_provider"`
	Providers       map[string]LLMProvider `mapstructure:"providers"`
}

// LLMProvider configures one named provider.
type LLMProvider struct {
	Type              string        `mapstructure:"type"` // openai, groq, anthropic, gemini
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	Temperature       float64       `mapstructure:"temperature"`
	CostPer1MInput    float64       `mapstructure:"cost_per_1m_input"`
	CostPer1MOutput   float64       `mapstructure:"cost_per_1m_output"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

func (l LLMConfig) Validate() error {
	if len(l.Providers) == 0 {
		return fmt.Errorf("llm.providers must configure at least one provider")
	}
	for name, p := range l.Providers {
		if strings.TrimSpace(p.Model) == "" {
			return fmt.Errorf("llm.providers.%s.model required", name)
		}
		if p.CostPer1MInput < 0 || p.CostPer1MOutput < 0 {
			return fmt.Errorf("llm.providers.%s costs cannot be negative", name)
		}
	}
	if l.DefaultProvider != "" {
		if _, ok := l.Providers[l.DefaultProvider]; !ok {
			return fmt.Errorf("llm.default_provider %q is not configured", l.DefaultProvider)
		}
	}
	return nil
}

// AgentConfig bounds a single research run.
type AgentConfig struct {
	MaxIterations   int           `mapstructure:"max_iterations"`
	ModelTimeout    time.Duration `mapstructure:"model_timeout"`
	ToolTimeout     time.Duration `mapstructure:"tool_timeout"`
	MaxExtractBatch int           `mapstructure:"max_extract_batch"`
	Retry           retry.Policy  `mapstructure:"retry"`
	// Zero disables the corresponding limit.
	MaxCost   float64 `mapstructure:"max_cost"`
	MaxTokens int64   `mapstructure:"max_tokens"`
}

func (a AgentConfig) Normalize() AgentConfig {
	if a.MaxIterations <= 0 {
		a.MaxIterations = 25
	}
	if a.ModelTimeout <= 0 {
		a.ModelTimeout = 90 * time.Second
	}
	if a.ToolTimeout <= 0 {
		a.ToolTimeout = 30 * time.Second
	}
	if a.MaxExtractBatch <= 0 {
		a.MaxExtractBatch = 3
	}
	a.Retry = a.Retry.Normalize()
	return a
}

func (a AgentConfig) Validate() error {
	if a.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be > 0")
	}
	if a.MaxCost < 0 {
		return fmt.Errorf("agent.max_cost cannot be negative")
	}
	if a.MaxTokens < 0 {
		return fmt.Errorf("agent.max_tokens cannot be negative")
	}
	if err := a.Retry.Validate(); err != nil {
		return fmt.Errorf("agent.%w", err)
	}
	return nil
}

// ToolsConfig points at the legal data service.
type ToolsConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	// Command launches the service as a subprocess speaking MCP over stdio.
	Command           []string      `mapstructure:"command"`
	Timeout           time.Duration `mapstructure:"timeout"`
	Retry             retry.Policy  `mapstructure:"retry"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Cache             CacheConfig   `mapstructure:"cache"`
	ExtractLocally    bool          `mapstructure:"extract_locally"`
	ExtractMaxChars   int           `mapstructure:"extract_max_chars"`
}

// CacheConfig controls the Redis tool-result cache.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	Prefix  string        `mapstructure:"prefix"`
}

func (t ToolsConfig) Normalize() ToolsConfig {
	if t.Timeout <= 0 {
		t.Timeout = 60 * time.Second
	}
	t.Retry = t.Retry.Normalize()
	if t.Cache.TTL <= 0 {
		t.Cache.TTL = time.Hour
	}
	if t.Cache.Prefix == "" {
		t.Cache.Prefix = "lexresearch:tools:"
	}
	return t
}

func (t ToolsConfig) Validate() error {
	if strings.TrimSpace(t.Endpoint) == "" && len(t.Command) == 0 {
		return fmt.Errorf("tools.endpoint or tools.command required")
	}
	if t.Endpoint != "" {
		u, err := url.Parse(t.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("tools.endpoint must be an absolute URL")
		}
	}
	if t.RequestsPerSecond < 0 {
		return fmt.Errorf("tools.requests_per_second cannot be negative")
	}
	return nil
}

// Dispatcher modes.
const (
	DispatcherInline = "inline"
	DispatcherRedis  = "redis"
)

// JobsConfig controls the job lifecycle and the processing path.
type JobsConfig struct {
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
	Retention         time.Duration `mapstructure:"retention"`
	ReaperSchedule    string        `mapstructure:"reaper_schedule"`
	// StaleAfter is how old an unfinished job must be before the reaper
	// fails it.
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	Dispatcher   string        `mapstructure:"dispatcher"`
	Stream       string        `mapstructure:"stream"`
	Group        string        `mapstructure:"group"`
	Concurrency  int           `mapstructure:"concurrency"`
	ClaimIdle    time.Duration `mapstructure:"claim_idle"`
	StreamMaxLen int64         `mapstructure:"stream_max_len"`
}

func (j JobsConfig) Normalize() JobsConfig {
	if j.ProcessingTimeout <= 0 {
		j.ProcessingTimeout = 14 * time.Minute
	}
	if j.Retention <= 0 {
		j.Retention = 24 * time.Hour
	}
	if j.ReaperSchedule == "" {
		j.ReaperSchedule = "*/5 * * * *"
	}
	if j.StaleAfter <= 0 {
		j.StaleAfter = j.ProcessingTimeout + 5*time.Minute
	}
	j.Dispatcher = strings.ToLower(strings.TrimSpace(j.Dispatcher))
	if j.Dispatcher == "" {
		j.Dispatcher = DispatcherInline
	}
	if j.Stream == "" {
		j.Stream = "jobs.created"
	}
	if j.Group == "" {
		j.Group = "job-workers"
	}
	if j.Concurrency <= 0 {
		j.Concurrency = 4
	}
	if j.ClaimIdle <= 0 {
		j.ClaimIdle = time.Minute
	}
	return j
}

func (j JobsConfig) Validate() error {
	switch j.Dispatcher {
	case DispatcherInline, DispatcherRedis:
	default:
		return fmt.Errorf("jobs.dispatcher must be %q or %q", DispatcherInline, DispatcherRedis)
	}
	if j.StaleAfter <= j.ProcessingTimeout {
		return fmt.Errorf("jobs.stale_after must exceed jobs.processing_timeout")
	}
	if j.Retention < j.StaleAfter {
		return fmt.Errorf("jobs.retention must be at least jobs.stale_after")
	}
	return nil
}

// TelemetryConfig toggles the metrics endpoint and otel export.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPath  string `mapstructure:"metrics_path"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Normalize() TelemetryConfig {
	if t.MetricsPath == "" {
		t.MetricsPath = "/metrics"
	}
	if t.ServiceName == "" {
		t.ServiceName = "lexresearch"
	}
	return t
}

func (t TelemetryConfig) Validate() error {
	if !strings.HasPrefix(t.MetricsPath, "/") {
		return fmt.Errorf("telemetry.metrics_path must start with /")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether Redis is configured at all.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return r.Host + ":" + port
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// Enabled reports whether Postgres is configured at all.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.URL) != "" || strings.TrimSpace(p.Host) != ""
}

func (p PostgresConfig) Validate() error {
	if !p.Enabled() || strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN returns URL or builds one from the discrete fields.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port, ssl := p.Port, p.SSLMode
	if port == "" {
		port = "5432"
	}
	if ssl == "" {
		ssl = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     p.Host + ":" + port,
		Path:     "/" + p.DBName,
		RawQuery: "sslmode=" + ssl,
	}
	return u.String()
}

// Normalize fills defaults in every section.
func (c *Config) Normalize() {
	c.Server = c.Server.Normalize()
	c.Agent = c.Agent.Normalize()
	c.Ranking = c.Ranking.Normalize()
	c.Tools = c.Tools.Normalize()
	c.Jobs = c.Jobs.Normalize()
	c.Telemetry = c.Telemetry.Normalize()
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	validators := []func() error{
		c.LLM.Validate,
		c.Agent.Validate,
		c.Ranking.Validate,
		c.Tools.Validate,
		c.Jobs.Validate,
		c.Telemetry.Validate,
		c.Storage.Postgres.Validate,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	if c.Jobs.Dispatcher == DispatcherRedis && !c.Storage.Redis.Enabled() {
		return fmt.Errorf("jobs.dispatcher redis requires storage.redis.host")
	}
	if c.Jobs.Dispatcher == DispatcherRedis && !c.Storage.Postgres.Enabled() {
		return fmt.Errorf("jobs.dispatcher redis requires storage.postgres so workers share job state")
	}
	if c.Tools.Cache.Enabled && !c.Storage.Redis.Enabled() {
		return fmt.Errorf("tools.cache requires storage.redis.host")
	}
	return nil
}

// Load reads path (or searches the default locations), applies
// LEXRESEARCH_* environment overrides, then normalises and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("LEXRESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig is Load that panics on failure.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":10001")
	v.SetDefault("llm.default_provider", "openai")
	v.SetDefault("agent.max_iterations", 25)
	v.SetDefault("agent.model_timeout", "90s")
	v.SetDefault("agent.tool_timeout", "30s")
	v.SetDefault("agent.max_extract_batch", 3)
	v.SetDefault("agent.retry.max_attempts", 3)
	v.SetDefault("agent.retry.initial_backoff", "500ms")
	v.SetDefault("agent.retry.max_backoff", "8s")
	v.SetDefault("agent.retry.multiplier", 2)
	v.SetDefault("tools.timeout", "60s")
	v.SetDefault("tools.cache.ttl", "1h")
	v.SetDefault("jobs.processing_timeout", "14m")
	v.SetDefault("jobs.retention", "24h")
	v.SetDefault("jobs.reaper_schedule", "*/5 * * * *")
	v.SetDefault("jobs.dispatcher", DispatcherInline)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.metrics_path", "/metrics")
}
