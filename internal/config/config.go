// Package config loads researchq process configuration from defaults, an
// optional config file and the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Environment profiles.
const (
	Development = "development"
	Production  = "production"
	Testing     = "testing"
)

// Backends.
const (
	StoreSQL     = "sql"
	StoreRedis   = "redis"
	QueueAsynq   = "asynq"
	QueueMemory  = "memory"
	FormatText   = "text"
	FormatJSON   = "json"
	EnvPrefix    = "RESEARCHQ"
	defaultFile  = "researchq"
	memorySQLDSN = "file:researchq?mode=memory&cache=shared"
)

// Config is the resolved configuration of a researchq process.
type Config struct {
	Environment string

	Log   LogConfig
	HTTP  HTTPConfig
	Store StoreConfig
	Queue QueueConfig
	Redis RedisConfig

	Dispatcher DispatcherConfig
	Worker     WorkerConfig
	Reaper     ReaperConfig
	Agent      AgentConfig
}

type LogConfig struct {
	Level  string
	Format string
}

type HTTPConfig struct {
	Host          string
	Port          int
	CORSOrigins   []string
	RequireAPIKey bool
	APIKeyHeader  string
	APIKeys       []string
	// Per-client request rate; zero disables limiting.
	RateLimit float64
	RateBurst int
}

// Addr is the listen address.
func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

type StoreConfig struct {
	Backend string
	DSN     string
}

type QueueConfig struct {
	Backend string
}

type RedisConfig struct {
	Host      string
	Port      int
	DB        int
	Password  string
	KeyPrefix string
	Channel   string
}

// Addr is the host:port of the redis server.
func (r RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

type DispatcherConfig struct {
	MinQueryLength int
	MaxQueryLength int
	SubmitRate     float64
	SubmitBurst    int
}

type WorkerConfig struct {
	Concurrency       int
	MaxAttempts       int
	AgentTimeout      time.Duration
	VisibilityTimeout time.Duration
	// Run workers inside the serve process.
	Embedded bool
}

type ReaperConfig struct {
	Enabled    bool
	Interval   time.Duration
	LeaseGrace time.Duration
	StaleAfter time.Duration
}

type AgentConfig struct {
	Command string
	Args    []string
	Dir     string
}

// Each key lists the env names it answers to. The unprefixed names are the
// ones earlier deployments already export.
var envNames = map[string][]string{
	"environment":                 {"ENVIRONMENT"},
	"log.level":                   {"LOG_LEVEL"},
	"log.format":                  {"LOG_FORMAT"},
	"http.host":                   {"HOST"},
	"http.port":                   {"PORT"},
	"http.cors_origins":           {"CORS_ORIGINS"},
	"http.require_api_key":        {"REQUIRE_API_KEY"},
	"http.api_key_header":         {"API_KEY_HEADER"},
	"http.api_keys":               {"ALLOWED_API_KEYS"},
	"http.rate_limit":             {},
	"http.rate_burst":             {},
	"store.backend":               {},
	"store.dsn":                   {},
	"queue.backend":               {},
	"redis.host":                  {"REDIS_HOST"},
	"redis.port":                  {"REDIS_PORT"},
	"redis.db":                    {"REDIS_DB"},
	"redis.password":              {"REDIS_PASSWORD"},
	"redis.key_prefix":            {},
	"redis.channel":               {},
	"dispatcher.min_query_length": {},
	"dispatcher.max_query_length": {"MAX_QUERY_LENGTH"},
	"dispatcher.submit_rate":      {},
	"dispatcher.submit_burst":     {},
	"worker.concurrency":          {"MAX_CONCURRENT_TASKS"},
	"worker.max_attempts":         {},
	"worker.agent_timeout":        {"TASK_TIMEOUT_SECONDS"},
	"worker.visibility_timeout":   {},
	"worker.embedded":             {},
	"reaper.enabled":              {},
	"reaper.interval":             {},
	"reaper.lease_grace":          {},
	"reaper.stale_after":          {},
	"agent.command":               {},
	"agent.args":                  {},
	"agent.dir":                   {},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", Development)
	v.SetDefault("log.format", FormatText)
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8000)
	v.SetDefault("http.api_key_header", "X-API-Key")
	v.SetDefault("http.rate_limit", 0)
	v.SetDefault("http.rate_burst", 20)
	v.SetDefault("store.backend", StoreSQL)
	v.SetDefault("store.dsn", "file:researchq.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	v.SetDefault("queue.backend", QueueAsynq)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "researchq")
	v.SetDefault("redis.channel", "researchq:events")
	v.SetDefault("dispatcher.min_query_length", 3)
	v.SetDefault("dispatcher.max_query_length", 1000)
	v.SetDefault("dispatcher.submit_rate", 0)
	v.SetDefault("dispatcher.submit_burst", 10)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.agent_timeout", 300)
	v.SetDefault("worker.visibility_timeout", 600)
	v.SetDefault("worker.embedded", true)
	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.interval", "1m")
	v.SetDefault("reaper.lease_grace", "30s")
	v.SetDefault("reaper.stale_after", "15m")
}

// profileDefaults sit under explicit values, so a file or env var still wins.
func profileDefaults(v *viper.Viper, env string) {
	switch env {
	case Production:
		v.SetDefault("log.level", "warn")
		v.SetDefault("log.format", FormatJSON)
		v.SetDefault("http.require_api_key", true)
		v.SetDefault("http.cors_origins", []string{})
		v.SetDefault("worker.concurrency", 10)
	case Testing:
		v.SetDefault("log.level", "debug")
		v.SetDefault("http.cors_origins", []string{"*"})
		v.SetDefault("store.dsn", memorySQLDSN)
		v.SetDefault("queue.backend", QueueMemory)
		v.SetDefault("worker.concurrency", 5)
		v.SetDefault("worker.agent_timeout", 60)
		v.SetDefault("worker.visibility_timeout", 120)
	default:
		v.SetDefault("log.level", "debug")
		v.SetDefault("http.cors_origins", []string{"*"})
		v.SetDefault("worker.concurrency", 10)
	}
}

// Load resolves configuration. path names an optional config file; when empty
// a researchq.{yaml,json,toml} in the working directory is used if present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(defaultFile)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	for key, legacy := range envNames {
		names := append([]string{EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, legacy...)
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	env := strings.ToLower(strings.TrimSpace(v.GetString("environment")))
	profileDefaults(v, env)

	cfg, err := decode(v, env)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper, env string) (*Config, error) {
	var errs []error
	dur := func(key string) time.Duration {
		d, err := Seconds(v.Get(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}
	list := func(key string) []string {
		return StringList(v.Get(key))
	}

	cfg := &Config{
		Environment: env,
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
		HTTP: HTTPConfig{
			Host:          v.GetString("http.host"),
			Port:          cast.ToInt(v.Get("http.port")),
			CORSOrigins:   list("http.cors_origins"),
			RequireAPIKey: cast.ToBool(v.Get("http.require_api_key")),
			APIKeyHeader:  v.GetString("http.api_key_header"),
			APIKeys:       list("http.api_keys"),
			RateLimit:     cast.ToFloat64(v.Get("http.rate_limit")),
			RateBurst:     cast.ToInt(v.Get("http.rate_burst")),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(v.GetString("store.backend")),
			DSN:     v.GetString("store.dsn"),
		},
		Queue: QueueConfig{
			Backend: strings.ToLower(v.GetString("queue.backend")),
		},
		Redis: RedisConfig{
			Host:      v.GetString("redis.host"),
			Port:      cast.ToInt(v.Get("redis.port")),
			DB:        cast.ToInt(v.Get("redis.db")),
			Password:  v.GetString("redis.password"),
			KeyPrefix: v.GetString("redis.key_prefix"),
			Channel:   v.GetString("redis.channel"),
		},
		Dispatcher: DispatcherConfig{
			MinQueryLength: cast.ToInt(v.Get("dispatcher.min_query_length")),
			MaxQueryLength: cast.ToInt(v.Get("dispatcher.max_query_length")),
			SubmitRate:     cast.ToFloat64(v.Get("dispatcher.submit_rate")),
			SubmitBurst:    cast.ToInt(v.Get("dispatcher.submit_burst")),
		},
		Worker: WorkerConfig{
			Concurrency:       cast.ToInt(v.Get("worker.concurrency")),
			MaxAttempts:       cast.ToInt(v.Get("worker.max_attempts")),
			AgentTimeout:      dur("worker.agent_timeout"),
			VisibilityTimeout: dur("worker.visibility_timeout"),
			Embedded:          cast.ToBool(v.Get("worker.embedded")),
		},
		Reaper: ReaperConfig{
			Enabled:    cast.ToBool(v.Get("reaper.enabled")),
			Interval:   dur("reaper.interval"),
			LeaseGrace: dur("reaper.lease_grace"),
			StaleAfter: dur("reaper.stale_after"),
		},
		Agent: AgentConfig{
			Command: v.GetString("agent.command"),
			Args:    list("agent.args"),
			Dir:     v.GetString("agent.dir"),
		},
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Environment {
	case Development, Production, Testing:
	default:
		errs = append(errs, fmt.Errorf("environment %q: want %s, %s or %s", c.Environment, Development, Production, Testing))
	}
	switch c.Log.Format {
	case FormatText, FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	switch c.Store.Backend {
	case StoreSQL:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the sql backend"))
		}
	case StoreRedis:
	default:
		errs = append(errs, fmt.Errorf("store.backend %q: want sql or redis", c.Store.Backend))
	}
	switch c.Queue.Backend {
	case QueueAsynq, QueueMemory:
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q: want asynq or memory", c.Queue.Backend))
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.HTTP.RequireAPIKey && len(c.HTTP.APIKeys) == 0 {
		errs = append(errs, errors.New("http.require_api_key set but http.api_keys is empty"))
	}
	if c.Dispatcher.MinQueryLength < 1 || c.Dispatcher.MaxQueryLength < c.Dispatcher.MinQueryLength {
		errs = append(errs, fmt.Errorf("dispatcher query length bounds %d..%d are invalid",
			c.Dispatcher.MinQueryLength, c.Dispatcher.MaxQueryLength))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("worker.concurrency must be positive, got %d", c.Worker.Concurrency))
	}
	if c.Worker.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("worker.max_attempts must be positive, got %d", c.Worker.MaxAttempts))
	}
	if c.Worker.AgentTimeout <= 0 {
		errs = append(errs, errors.New("worker.agent_timeout must be positive"))
	}
	if c.Worker.VisibilityTimeout <= c.Worker.AgentTimeout {
		errs = append(errs, fmt.Errorf("worker.visibility_timeout (%s) must exceed worker.agent_timeout (%s)",
			c.Worker.VisibilityTimeout, c.Worker.AgentTimeout))
	}
	if c.Reaper.Enabled && c.Reaper.Interval <= 0 {
		errs = append(errs, errors.New("reaper.interval must be positive"))
	}
	return errors.Join(errs...)
}

// Seconds decodes a duration given either as a Go duration string ("90s",
// "5m") or as a bare number of seconds.
func Seconds(v any) (time.Duration, error) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, nil
		}
		if d, err := time.ParseDuration(s); err == nil {
			return d, nil
		}
	}
	if d, ok := v.(time.Duration); ok {
		return d, nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, fmt.Errorf("not a duration: %v", v)
	}
	return time.Duration(f * float64(time.Second)), nil
}

// StringList accepts a slice or a comma separated string.
func StringList(v any) []string {
	if s, ok := v.(string); ok {
		v = strings.Split(s, ",")
	}
	var out []string
	for _, item := range cast.ToStringSlice(v) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
