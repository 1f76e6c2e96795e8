package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server       ServerConfig
	Redis        RedisConfig
	Database     DatabaseConfig
	Queue        QueueConfig
	Governor     GovernorConfig
	Collector    CollectorConfig
	LLM          LLMConfig
	Orchestrator OrchestratorConfig
	JWT          JWTConfig
	Auth         AuthConfig
	RateLimit    RateLimitConfig
	Archive      ArchiveConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	JobTTL   time.Duration
}

type DatabaseConfig struct {
	// Path is the data directory; ":memory:" keeps everything in process.
	Path string
}

type QueueConfig struct {
	Backend     string // "asynq" or "inline"
	Concurrency int
}

type GovernorConfig struct {
	MinDelay     time.Duration
	MaxDelay     time.Duration
	FetchTimeout time.Duration
	AllowedHosts []string
	UserAgents   []string
}

type CollectorConfig struct {
	MaxRelated     int
	MaxSearchTerms int
	SearchPath     string
	MaxAttempts    int
	BaseBackoff    time.Duration
	BlockedBackoff time.Duration
}

type LLMConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	MaxConcurrent int
	MaxAttempts   int
	Timeout       time.Duration
}

type OrchestratorConfig struct {
	PhaseTimeout          time.Duration
	TerminalWriteAttempts int
	// TerminalRecoveryWindow bounds the background retry of a terminal
	// snapshot the durable store refused.
	TerminalRecoveryWindow time.Duration
}

type JWTConfig struct {
	Secret string
}

type AuthConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	StartPerHour int
}

type ArchiveConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// Enabled reports whether completed reports should be archived.
func (c ArchiveConfig) Enabled() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

func Load() (*Config, error) {
	// Docker Swarm secrets
	readSecret("REDIS_PASSWORD")
	readSecret("LLM_API_KEY")
	readSecret("JWT_SECRET")
	readSecret("ARCHIVE_ACCESS_KEY_ID")
	readSecret("ARCHIVE_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.log_format", "LOG_FORMAT")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("redis.job_ttl", "REDIS_JOB_TTL")
	_ = v.BindEnv("database.path", "DATABASE_PATH")
	_ = v.BindEnv("queue.backend", "QUEUE_BACKEND")
	_ = v.BindEnv("queue.concurrency", "QUEUE_CONCURRENCY")
	_ = v.BindEnv("governor.min_delay", "GOVERNOR_MIN_DELAY")
	_ = v.BindEnv("governor.max_delay", "GOVERNOR_MAX_DELAY")
	_ = v.BindEnv("governor.fetch_timeout", "GOVERNOR_FETCH_TIMEOUT")
	_ = v.BindEnv("governor.allowed_hosts", "GOVERNOR_ALLOWED_HOSTS")
	_ = v.BindEnv("governor.user_agents", "GOVERNOR_USER_AGENTS")
	_ = v.BindEnv("collector.max_related", "COLLECTOR_MAX_RELATED")
	_ = v.BindEnv("collector.max_search_terms", "COLLECTOR_MAX_SEARCH_TERMS")
	_ = v.BindEnv("collector.search_path", "COLLECTOR_SEARCH_PATH")
	_ = v.BindEnv("collector.max_attempts", "COLLECTOR_MAX_ATTEMPTS")
	_ = v.BindEnv("collector.base_backoff", "COLLECTOR_BASE_BACKOFF")
	_ = v.BindEnv("collector.blocked_backoff", "COLLECTOR_BLOCKED_BACKOFF")
	_ = v.BindEnv("llm.api_key", "LLM_API_KEY")
	_ = v.BindEnv("llm.base_url", "LLM_BASE_URL")
	_ = v.BindEnv("llm.model", "LLM_MODEL")
	_ = v.BindEnv("llm.max_concurrent", "LLM_MAX_CONCURRENT")
	_ = v.BindEnv("llm.max_attempts", "LLM_MAX_ATTEMPTS")
	_ = v.BindEnv("llm.timeout", "LLM_TIMEOUT")
	_ = v.BindEnv("orchestrator.phase_timeout", "PHASE_TIMEOUT")
	_ = v.BindEnv("orchestrator.terminal_write_attempts", "ORCHESTRATOR_TERMINAL_WRITE_ATTEMPTS")
	_ = v.BindEnv("orchestrator.terminal_recovery_window", "ORCHESTRATOR_TERMINAL_RECOVERY_WINDOW")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("auth.enabled", "AUTH_ENABLED")
	_ = v.BindEnv("ratelimit.start_per_hour", "RATELIMIT_START_PER_HOUR")
	_ = v.BindEnv("archive.endpoint", "ARCHIVE_ENDPOINT")
	_ = v.BindEnv("archive.region", "ARCHIVE_REGION")
	_ = v.BindEnv("archive.bucket", "ARCHIVE_BUCKET")
	_ = v.BindEnv("archive.access_key_id", "ARCHIVE_ACCESS_KEY_ID")
	_ = v.BindEnv("archive.secret_access_key", "ARCHIVE_SECRET_ACCESS_KEY")

	setDefaults(v)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	return fromViper(v), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.job_ttl", 24*time.Hour)
	v.SetDefault("database.path", "./data")
	v.SetDefault("queue.backend", "asynq")
	v.SetDefault("queue.concurrency", 10)

	// Governor defaults
	v.SetDefault("governor.min_delay", time.Second)
	v.SetDefault("governor.max_delay", 3*time.Second)
	v.SetDefault("governor.fetch_timeout", 15*time.Second)
	v.SetDefault("governor.allowed_hosts", []string{})
	v.SetDefault("governor.user_agents", defaultUserAgents)

	// Collector defaults
	v.SetDefault("collector.max_related", 5)
	v.SetDefault("collector.max_search_terms", 1)
	v.SetDefault("collector.search_path", "/s?k=")
	v.SetDefault("collector.max_attempts", 3)
	v.SetDefault("collector.base_backoff", 2*time.Second)
	v.SetDefault("collector.blocked_backoff", 10*time.Second)

	// LLM defaults
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_concurrent", 4)
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.timeout", 60*time.Second)

	v.SetDefault("orchestrator.phase_timeout", 3*time.Minute)
	v.SetDefault("orchestrator.terminal_write_attempts", 3)
	v.SetDefault("orchestrator.terminal_recovery_window", time.Hour)

	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("ratelimit.start_per_hour", 20)
	v.SetDefault("archive.region", "auto")
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			LogFormat: v.GetString("server.log_format"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			JobTTL:   v.GetDuration("redis.job_ttl"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Queue: QueueConfig{
			Backend:     v.GetString("queue.backend"),
			Concurrency: v.GetInt("queue.concurrency"),
		},
		Governor: GovernorConfig{
			MinDelay:     v.GetDuration("governor.min_delay"),
			MaxDelay:     v.GetDuration("governor.max_delay"),
			FetchTimeout: v.GetDuration("governor.fetch_timeout"),
			AllowedHosts: splitList(v.GetStringSlice("governor.allowed_hosts"), ","),
			UserAgents:   stringList(v, "governor.user_agents", "|"),
		},
		Collector: CollectorConfig{
			MaxRelated:     v.GetInt("collector.max_related"),
			MaxSearchTerms: v.GetInt("collector.max_search_terms"),
			SearchPath:     v.GetString("collector.search_path"),
			MaxAttempts:    v.GetInt("collector.max_attempts"),
			BaseBackoff:    v.GetDuration("collector.base_backoff"),
			BlockedBackoff: v.GetDuration("collector.blocked_backoff"),
		},
		LLM: LLMConfig{
			APIKey:        v.GetString("llm.api_key"),
			BaseURL:       v.GetString("llm.base_url"),
			Model:         v.GetString("llm.model"),
			MaxConcurrent: v.GetInt("llm.max_concurrent"),
			MaxAttempts:   v.GetInt("llm.max_attempts"),
			Timeout:       v.GetDuration("llm.timeout"),
		},
		Orchestrator: OrchestratorConfig{
			PhaseTimeout:           v.GetDuration("orchestrator.phase_timeout"),
			TerminalWriteAttempts:  v.GetInt("orchestrator.terminal_write_attempts"),
			TerminalRecoveryWindow: v.GetDuration("orchestrator.terminal_recovery_window"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		Auth: AuthConfig{
			Enabled: v.GetBool("auth.enabled"),
		},
		RateLimit: RateLimitConfig{
			StartPerHour: v.GetInt("ratelimit.start_per_hour"),
		},
		Archive: ArchiveConfig{
			Endpoint:        v.GetString("archive.endpoint"),
			Region:          v.GetString("archive.region"),
			Bucket:          v.GetString("archive.bucket"),
			AccessKeyID:     v.GetString("archive.access_key_id"),
			SecretAccessKey: v.GetString("archive.secret_access_key"),
		},
	}
}

// splitList accepts both YAML lists and a single sep separated env value.
func splitList(in []string, sep string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, sep) {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// stringList reads key without viper's whitespace split of env strings.
// User agents contain spaces and commas, so their env form is "|" separated.
func stringList(v *viper.Viper, key, sep string) []string {
	if raw, ok := v.Get(key).(string); ok {
		return splitList([]string{raw}, sep)
	}
	return splitList(v.GetStringSlice(key), sep)
}

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
}
