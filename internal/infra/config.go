package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config - корневая структура конфигурации сервиса.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	GRPC       GRPCConfig       `mapstructure:"grpc"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Feeds      FeedsConfig      `mapstructure:"feeds"`
	Summarizer SummarizerConfig `mapstructure:"summarizer"`
	Geo        GeoConfig        `mapstructure:"geo"`
	Lifecycle  LifecycleConfig  `mapstructure:"lifecycle"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера (read API).
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// Addr - адрес для http.Server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // пусто - /metrics не поднимаем
}

type GRPCConfig struct {
	HealthAddr string `mapstructure:"health_addr"` // пусто - gRPC health не поднимаем
}

// DatabaseConfig описывает хранилище событий.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // postgres, memory
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (очередь логов и блокировка диспетчера).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Control  bool   `mapstructure:"control"` // слушать канал управления (внеочередные циклы)
}

// QueueConfig - очередь готовых записей лога.
type QueueConfig struct {
	Backend      string `mapstructure:"backend"` // memory, redis
	Capacity     int    `mapstructure:"capacity"`
	DrainDefault int    `mapstructure:"drain_default"`
}

type RetentionConfig struct {
	MaxEvents int `mapstructure:"max_events"`
}

type FeedsConfig struct {
	AbuseIPDB AbuseIPDBConfig `mapstructure:"abuseipdb"`
	OTX       OTXConfig       `mapstructure:"otx"`
}

// FeedConfig - общие для всех фидов параметры цикла.
type FeedConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	APIKey   string        `mapstructure:"api_key"`
	URL      string        `mapstructure:"url"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Attempts uint          `mapstructure:"attempts"`
	Filter   string        `mapstructure:"filter"` // CEL-выражение допуска кандидата
}

type AbuseIPDBConfig struct {
	FeedConfig    `mapstructure:",squash"`
	ConfidenceMin int    `mapstructure:"confidence_min"`
	VictimCountry string `mapstructure:"victim_country"` // AbuseIPDB не знает жертву; подставляем из конфига
}

type OTXConfig struct {
	FeedConfig `mapstructure:",squash"`
	Since      time.Duration `mapstructure:"since"`
	Limit      int           `mapstructure:"limit"`
}

// SummarizerConfig - диспетчер суммаризации и LLM-провайдер.
type SummarizerConfig struct {
	Provider    string        `mapstructure:"provider"` // openai, anthropic, mistral, mock
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	BaseURL     string        `mapstructure:"base_url"`
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Attempts    uint          `mapstructure:"attempts"`
	RateLimit   float64       `mapstructure:"rate_limit"` // запросов в секунду к провайдеру
	RateBurst   int           `mapstructure:"rate_burst"`
	CycleLock   bool          `mapstructure:"cycle_lock"` // Redis SET NX, один цикл на кластер
	LockTTL     time.Duration `mapstructure:"lock_ttl"`

	// Настройки Circuit Breaker для LLM-провайдера
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBMaxFailures uint32        `mapstructure:"cb_max_failures"`
}

type GeoConfig struct {
	Fallback string `mapstructure:"fallback"` // undetermined, random
}

type LifecycleConfig struct {
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// AuthConfig - проверка RS256-токенов на /logs. Без ключа авторизация выключена.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// path - явный путь к файлу (флаг --config), может быть пустым.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 2. ENV перекрывает файл: FEEDS_OTX_INTERVAL=10m перекроет feeds.otx.interval
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты (заодно регистрируют ключи для AutomaticEnv при Unmarshal)
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет - работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 5. Ключи API: привычные имена переменных окружения как запасной вариант
	cfg.Feeds.AbuseIPDB.APIKey = firstNonEmpty(cfg.Feeds.AbuseIPDB.APIKey, os.Getenv("ABUSEIPDB_API_KEY"))
	cfg.Feeds.OTX.APIKey = firstNonEmpty(cfg.Feeds.OTX.APIKey, os.Getenv("OTX_API_KEY"))
	cfg.Summarizer.APIKey = firstNonEmpty(cfg.Summarizer.APIKey, providerKeyFromEnv(cfg.Summarizer.Provider))
	cfg.Database.URL = firstNonEmpty(cfg.Database.URL, os.Getenv("DB_URL"))

	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("grpc.health_addr", "")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 2)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.control", false)

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.capacity", 500)
	v.SetDefault("queue.drain_default", 50)

	v.SetDefault("retention.max_events", 1000)

	v.SetDefault("feeds.abuseipdb.enabled", true)
	v.SetDefault("feeds.abuseipdb.api_key", "")
	v.SetDefault("feeds.abuseipdb.url", "https://api.abuseipdb.com/api/v2/blacklist")
	v.SetDefault("feeds.abuseipdb.interval", 6*time.Hour) // free tier: 5 запросов в сутки
	v.SetDefault("feeds.abuseipdb.timeout", 30*time.Second)
	v.SetDefault("feeds.abuseipdb.attempts", 3)
	v.SetDefault("feeds.abuseipdb.filter", "")
	v.SetDefault("feeds.abuseipdb.confidence_min", 90)
	v.SetDefault("feeds.abuseipdb.victim_country", "")

	v.SetDefault("feeds.otx.enabled", true)
	v.SetDefault("feeds.otx.api_key", "")
	v.SetDefault("feeds.otx.url", "https://otx.alienvault.com/api/v1/pulses/subscribed")
	v.SetDefault("feeds.otx.interval", 30*time.Minute)
	v.SetDefault("feeds.otx.timeout", 30*time.Second)
	v.SetDefault("feeds.otx.attempts", 3)
	v.SetDefault("feeds.otx.filter", "")
	v.SetDefault("feeds.otx.since", 24*time.Hour)
	v.SetDefault("feeds.otx.limit", 50)

	v.SetDefault("summarizer.provider", "openai")
	v.SetDefault("summarizer.api_key", "")
	v.SetDefault("summarizer.model", "")
	v.SetDefault("summarizer.base_url", "")
	v.SetDefault("summarizer.interval", 60*time.Second)
	v.SetDefault("summarizer.batch_size", 50)
	v.SetDefault("summarizer.concurrency", 10)
	v.SetDefault("summarizer.timeout", 20*time.Second)
	v.SetDefault("summarizer.attempts", 2)
	v.SetDefault("summarizer.rate_limit", 5.0)
	v.SetDefault("summarizer.rate_burst", 10)
	v.SetDefault("summarizer.cycle_lock", false)
	v.SetDefault("summarizer.lock_ttl", 5*time.Minute)
	v.SetDefault("summarizer.cb_max_requests", 3)
	v.SetDefault("summarizer.cb_interval", 30*time.Second)
	v.SetDefault("summarizer.cb_timeout", 60*time.Second)
	v.SetDefault("summarizer.cb_max_failures", 5)

	v.SetDefault("geo.fallback", "undetermined")
	v.SetDefault("lifecycle.shutdown_grace", 45*time.Second)
	v.SetDefault("auth.public_key_path", "")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// Validate - фатальные ошибки старта: без них процесс не поднимается.
func (c *Config) Validate() error {
	var errs []error

	grace := c.Lifecycle.ShutdownGrace
	if grace <= 0 {
		errs = append(errs, errors.New("lifecycle.shutdown_grace must be positive"))
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url (or DB_URL) is required for postgres driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}

	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown queue.backend %q", c.Queue.Backend))
	}
	if c.Queue.Capacity <= 0 {
		errs = append(errs, errors.New("queue.capacity must be positive"))
	}
	if c.Retention.MaxEvents <= 0 {
		errs = append(errs, errors.New("retention.max_events must be positive"))
	}

	feeds := map[string]FeedConfig{
		"abuseipdb": c.Feeds.AbuseIPDB.FeedConfig,
		"otx":       c.Feeds.OTX.FeedConfig,
	}
	enabled := 0
	for name, f := range feeds {
		if !f.Enabled {
			continue
		}
		enabled++
		if f.APIKey == "" {
			errs = append(errs, fmt.Errorf("feeds.%s.api_key is required when the feed is enabled", name))
		}
		if f.Interval <= 0 {
			errs = append(errs, fmt.Errorf("feeds.%s.interval must be positive", name))
		}
		// Внешний вызов обязан завершиться раньше, чем истечет grace period остановки.
		if f.Timeout <= 0 || f.Timeout >= grace {
			errs = append(errs, fmt.Errorf("feeds.%s.timeout must be in (0, shutdown_grace)", name))
		}
		if f.Interval > 0 && f.Timeout >= f.Interval {
			errs = append(errs, fmt.Errorf("feeds.%s.timeout must be shorter than interval", name))
		}
	}
	if enabled == 0 {
		errs = append(errs, errors.New("no feeds enabled"))
	}

	s := c.Summarizer
	switch s.Provider {
	case "openai", "anthropic", "mistral":
		if s.APIKey == "" {
			errs = append(errs, fmt.Errorf("summarizer.api_key is required for provider %s", s.Provider))
		}
	case "mock":
	default:
		errs = append(errs, fmt.Errorf("unknown summarizer.provider %q", s.Provider))
	}
	if s.BatchSize <= 0 || s.Concurrency <= 0 || s.Interval <= 0 {
		errs = append(errs, errors.New("summarizer batch_size, concurrency and interval must be positive"))
	}
	if s.Timeout <= 0 || s.Timeout >= grace {
		errs = append(errs, errors.New("summarizer.timeout must be in (0, shutdown_grace)"))
	}
	if s.Interval > 0 && s.Timeout >= s.Interval {
		errs = append(errs, errors.New("summarizer.timeout must be shorter than interval"))
	}
	if s.CycleLock && s.LockTTL <= 0 {
		errs = append(errs, errors.New("summarizer.lock_ttl must be positive when cycle_lock is on"))
	}

	// Путь задан, а ключ не прочитан: молча открыть /logs нельзя.
	if c.Auth.PublicKeyPath != "" && len(c.Auth.PublicKey) == 0 {
		errs = append(errs, fmt.Errorf("auth.public_key_path %q is set but the key could not be read", c.Auth.PublicKeyPath))
	}

	switch c.Geo.Fallback {
	case "undetermined", "random":
	default:
		errs = append(errs, fmt.Errorf("unknown geo.fallback %q", c.Geo.Fallback))
	}

	return errors.Join(errs...)
}

func providerKeyFromEnv(provider string) string {
	switch provider {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "mistral":
		return os.Getenv("MISTRAL_API_KEY")
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// loadKeyResource: PEM-ключ из ENV (Docker/K8s) или из файла по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
