package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for discovery and delivery.
type Config struct {
	App       AppConfig
	Discovery DiscoveryConfig
	Probe     ProbeConfig
	Dispatch  DispatchConfig
	Providers ProviderConfig
	Kafka     KafkaConfig
	Topics    TopicConfig
	Retry     RetryConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
}

// DiscoveryConfig tunes the discovery strategies.
type DiscoveryConfig struct {
	DNSResolver           string
	DNSTimeoutMs          int
	StrategyTimeoutMs     int
	MaxResults            int
	DedupPolicy           string
	AutoconfigURL         string
	AutoconfigTimeoutMs   int
	EnableAutoconfig      bool
	EnableHeuristicModels bool
}

// ProbeConfig controls live connectivity testing.
type ProbeConfig struct {
	MaxCandidates  int
	Concurrency    int
	TimeoutMs      int
	GreetingCheck  bool
	InsecureSkipCA bool
}

// DispatchConfig controls provider selection and failover.
type DispatchConfig struct {
	MaxHops              int
	SendTimeoutSeconds   int
	HealthWindowSize     int
	HealthCheckTimeoutMs int
	HealthPollSeconds    int
}

// SMTPConfig stores credentials for the socket relay backend.
type SMTPConfig struct {
	ID          string
	Host        string
	Port        int
	User        string
	Pass        string
	From        string
	ImplicitTLS bool
	Sandboxed   bool
	Priority    int
	DailyLimit  int
	HourlyLimit int
	PerSecond   int
}

// HTTPAPIConfig stores credentials for the HTTP-API backend.
type HTTPAPIConfig struct {
	ID          string
	BaseURL     string
	APIKey      string
	Priority    int
	DailyLimit  int
	HourlyLimit int
	PerSecond   int
}

// ProviderConfig wraps configuration for the delivery backends. Backends is
// the ordered list of backend names to register.
type ProviderConfig struct {
	Backends []string
	SMTP     SMTPConfig
	HTTPAPI  HTTPAPIConfig
}

// KafkaConfig defines broker information.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
}

// TopicConfig enumerates the topics used by the dispatch worker.
type TopicConfig struct {
	Request string
	Result  string
	Health  string
	DLQ     string
}

// RetryConfig controls the outer worker's rescheduling of retryable results.
type RetryConfig struct {
	MaxAttempts         int
	BaseBackoffSeconds  int
	MaxBackoffSeconds   int
	WorkerConcurrency   int
	CommitOnSuccessOnly bool
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance. Only the discovery and
// dispatch sections are always loaded; Kafka settings are required by LoadWorker.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}
	cfg := loadCommon(ldr)

	if err := ldr.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWorker is Load plus the Kafka settings the dispatch worker needs.
func LoadWorker() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}
	cfg := loadCommon(ldr)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", true)
	cfg.Kafka.ConsumerGroup = ldr.getString("KAFKA_CONSUMER_GROUP", "", true)

	cfg.Topics.Request = ldr.getString("KAFKA_SEND_REQUEST_TOPIC", "", true)
	cfg.Topics.Result = ldr.getString("KAFKA_SEND_RESULT_TOPIC", "", true)
	cfg.Topics.Health = ldr.getString("KAFKA_PROVIDER_HEALTH_TOPIC", "", false)
	cfg.Topics.DLQ = ldr.getString("KAFKA_TOPIC_DLQ", "", false)

	cfg.Retry.MaxAttempts = ldr.getInt("MAX_ATTEMPTS", 3, false)
	cfg.Retry.BaseBackoffSeconds = ldr.getInt("BASE_BACKOFF_SECONDS", 10, false)
	cfg.Retry.MaxBackoffSeconds = ldr.getInt("MAX_BACKOFF_SECONDS", 120, false)
	cfg.Retry.WorkerConcurrency = ldr.getInt("WORKER_CONCURRENCY", 10, false)
	cfg.Retry.CommitOnSuccessOnly = ldr.getBool("COMMIT_ON_SUCCESS_ONLY", true, false)

	if len(cfg.Providers.Backends) == 0 {
		ldr.addError("PROVIDER_BACKENDS must contain at least one entry")
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadCommon(ldr *envLoader) *Config {
	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Discovery.DNSResolver = ldr.getString("DNS_RESOLVER", "8.8.8.8:53", false)
	cfg.Discovery.DNSTimeoutMs = ldr.getInt("DNS_TIMEOUT_MS", 5000, false)
	cfg.Discovery.StrategyTimeoutMs = ldr.getInt("DISCOVERY_STRATEGY_TIMEOUT_MS", 8000, false)
	cfg.Discovery.MaxResults = ldr.getInt("DISCOVERY_MAX_RESULTS", 10, false)
	cfg.Discovery.DedupPolicy = ldr.getString("DISCOVERY_DEDUP_POLICY", "keep-first", false)
	cfg.Discovery.AutoconfigURL = ldr.getString("AUTOCONFIG_ISPDB_URL", "https://autoconfig.thunderbird.net/v1.1", false)
	cfg.Discovery.AutoconfigTimeoutMs = ldr.getInt("AUTOCONFIG_TIMEOUT_MS", 5000, false)
	cfg.Discovery.EnableAutoconfig = ldr.getBool("DISCOVERY_ENABLE_AUTOCONFIG", true, false)
	cfg.Discovery.EnableHeuristicModels = ldr.getBool("DISCOVERY_ENABLE_HEURISTICS", true, false)

	cfg.Probe.MaxCandidates = ldr.getInt("PROBE_MAX_CANDIDATES", 5, false)
	cfg.Probe.Concurrency = ldr.getInt("PROBE_CONCURRENCY", 5, false)
	cfg.Probe.TimeoutMs = ldr.getInt("PROBE_TIMEOUT_MS", 5000, false)
	cfg.Probe.GreetingCheck = ldr.getBool("PROBE_GREETING_CHECK", false, false)
	cfg.Probe.InsecureSkipCA = ldr.getBool("PROBE_INSECURE_SKIP_VERIFY", false, false)

	cfg.Dispatch.MaxHops = ldr.getInt("DISPATCH_MAX_HOPS", 3, false)
	cfg.Dispatch.SendTimeoutSeconds = ldr.getInt("DISPATCH_SEND_TIMEOUT_SECONDS", 30, false)
	cfg.Dispatch.HealthWindowSize = ldr.getInt("DISPATCH_HEALTH_WINDOW", 20, false)
	cfg.Dispatch.HealthCheckTimeoutMs = ldr.getInt("DISPATCH_HEALTH_CHECK_TIMEOUT_MS", 5000, false)
	cfg.Dispatch.HealthPollSeconds = ldr.getInt("DISPATCH_HEALTH_POLL_SECONDS", 60, false)

	cfg.Providers.Backends = ldr.getStringSlice("PROVIDER_BACKENDS", false)

	cfg.Providers.SMTP.ID = ldr.getString("SMTP_PROVIDER_ID", "smtp-relay", false)
	cfg.Providers.SMTP.Host = ldr.getString("SMTP_HOST", "", false)
	cfg.Providers.SMTP.Port = ldr.getInt("SMTP_PORT", 587, false)
	cfg.Providers.SMTP.User = ldr.getString("SMTP_USER", "", false)
	cfg.Providers.SMTP.Pass = ldr.getString("SMTP_PASS", "", false)
	cfg.Providers.SMTP.From = ldr.getString("SMTP_FROM", "", false)
	cfg.Providers.SMTP.ImplicitTLS = ldr.getBool("SMTP_IMPLICIT_TLS", false, false)
	cfg.Providers.SMTP.Sandboxed = ldr.getBool("SMTP_SANDBOXED", false, false)
	cfg.Providers.SMTP.Priority = ldr.getInt("SMTP_PRIORITY", 10, false)
	cfg.Providers.SMTP.DailyLimit = ldr.getInt("SMTP_DAILY_LIMIT", 0, false)
	cfg.Providers.SMTP.HourlyLimit = ldr.getInt("SMTP_HOURLY_LIMIT", 0, false)
	cfg.Providers.SMTP.PerSecond = ldr.getInt("SMTP_PER_SECOND_LIMIT", 0, false)

	cfg.Providers.HTTPAPI.ID = ldr.getString("HTTPAPI_PROVIDER_ID", "http-api", false)
	cfg.Providers.HTTPAPI.BaseURL = ldr.getString("HTTPAPI_BASE_URL", "", false)
	cfg.Providers.HTTPAPI.APIKey = ldr.getString("HTTPAPI_KEY", "", false)
	cfg.Providers.HTTPAPI.Priority = ldr.getInt("HTTPAPI_PRIORITY", 20, false)
	cfg.Providers.HTTPAPI.DailyLimit = ldr.getInt("HTTPAPI_DAILY_LIMIT", 0, false)
	cfg.Providers.HTTPAPI.HourlyLimit = ldr.getInt("HTTPAPI_HOURLY_LIMIT", 0, false)
	cfg.Providers.HTTPAPI.PerSecond = ldr.getInt("HTTPAPI_PER_SECOND_LIMIT", 0, false)

	if cfg.Probe.Concurrency < 1 {
		ldr.addError("PROBE_CONCURRENCY must be >= 1")
	}
	if cfg.Dispatch.MaxHops < 1 {
		ldr.addError("DISPATCH_MAX_HOPS must be >= 1")
	}
	switch strings.ToLower(cfg.Discovery.DedupPolicy) {
	case "keep-first", "keep-highest":
	default:
		ldr.addError("DISCOVERY_DEDUP_POLICY must be keep-first or keep-highest")
	}

	return cfg
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid boolean", key))
		return def
	}
	return parsed
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
