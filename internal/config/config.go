package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Duration lets durations be written as "5s" in TOML files.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	Mode       string           `toml:"mode" validate:"oneof=dev release"`
	API        APIConfig        `toml:"api"`
	Broker     BrokerConfig     `toml:"broker"`
	Reconnect  ReconnectConfig  `toml:"reconnect"`
	Storage    StorageConfig    `toml:"storage"`
	Pagination PaginationConfig `toml:"pagination"`
	Log        LogConfig        `toml:"log"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
	Debug      DebugConfig      `toml:"debug"`
	Chat       ChatConfig       `toml:"chat"`
}

type APIConfig struct {
	BaseURL string   `toml:"base_url" validate:"required,url"`
	Timeout Duration `toml:"timeout"`
}

type BrokerConfig struct {
	Kind           string   `toml:"kind" validate:"oneof=memory stomp amqp redis nats"`
	URL            string   `toml:"url" validate:"required_unless=Kind memory"`
	Exchange       string   `toml:"exchange"`
	ConnectTimeout Duration `toml:"connect_timeout"`
	MemoryDelay    Duration `toml:"memory_delay"`
}

// ReconnectConfig controls the delay between reconnect attempts. The defaults
// retry every five seconds without limit.
type ReconnectConfig struct {
	Initial     Duration `toml:"initial"`
	Max         Duration `toml:"max"`
	Multiplier  float64  `toml:"multiplier" validate:"gte=1"`
	MaxAttempts int      `toml:"max_attempts" validate:"gte=0"`
}

type StorageConfig struct {
	Kind      string `toml:"kind" validate:"oneof=memory redis"`
	RedisAddr string `toml:"redis_addr" validate:"required_if=Kind redis"`
	RedisDB   int    `toml:"redis_db"`
	KeyPrefix string `toml:"key_prefix"`
}

type PaginationConfig struct {
	PageSize int      `toml:"page_size" validate:"gte=1,lte=100"`
	CacheTTL Duration `toml:"cache_ttl"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	FileName   string `toml:"file_name"`
	MaxSize    int    `toml:"max_size"`
	MaxBackups int    `toml:"max_backups"`
	MaxAge     int    `toml:"max_age"`
}

type TelemetryConfig struct {
	ServiceName  string `toml:"service_name"`
	Environment  string `toml:"environment"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	AMQPURL      string `toml:"amqp_url"`
	Exchange     string `toml:"exchange"`
	RoutingKey   string `toml:"routing_key"`
}

type DebugConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Token   string `toml:"token"`
}

// ChatConfig selects the conversation opened by the command line client.
type ChatConfig struct {
	ConversationID int64  `toml:"conversation_id" validate:"gte=0"`
	PeerID         int64  `toml:"peer_id" validate:"gte=0"`
	Email          string `toml:"email" validate:"omitempty,email"`
	Password       string `toml:"password"`
}

// Default returns the configuration used when nothing else is provided.
func Default() Config {
	return Config{
		Mode: "dev",
		API: APIConfig{
			BaseURL: "http://localhost:8080",
			Timeout: Duration{15 * time.Second},
		},
		Broker: BrokerConfig{
			Kind:           "memory",
			Exchange:       "chat",
			ConnectTimeout: Duration{10 * time.Second},
			MemoryDelay:    Duration{100 * time.Millisecond},
		},
		Reconnect: ReconnectConfig{
			Initial:    Duration{5 * time.Second},
			Max:        Duration{5 * time.Second},
			Multiplier: 1,
		},
		Storage: StorageConfig{
			Kind:      "memory",
			KeyPrefix: "matchchat:",
		},
		Pagination: PaginationConfig{
			PageSize: 10,
			CacheTTL: Duration{10 * time.Minute},
		},
		Log: LogConfig{
			Level:    "info",
			FileName: "logs/matchchat.log",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "matchchat",
			Environment: "local",
			Exchange:    "audit",
			RoutingKey:  "chat.session",
		},
		Debug: DebugConfig{
			Addr: "127.0.0.1:8089",
		},
	}
}

// Load builds the configuration from defaults, an optional TOML file, an
// optional .env file and the process environment, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Reconnect.Initial.Duration <= 0 {
		return errors.New("invalid config: reconnect.initial must be positive")
	}
	if cfg.Reconnect.Max.Duration < cfg.Reconnect.Initial.Duration {
		return errors.New("invalid config: reconnect.max must not be below reconnect.initial")
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Mode = getEnv("CHAT_MODE", cfg.Mode)
	cfg.API.BaseURL = getEnv("CHAT_API_URL", cfg.API.BaseURL)
	cfg.API.Timeout = getEnvDuration("CHAT_API_TIMEOUT", cfg.API.Timeout)
	cfg.Broker.Kind = getEnv("CHAT_BROKER_KIND", cfg.Broker.Kind)
	cfg.Broker.URL = getEnv("CHAT_BROKER_URL", cfg.Broker.URL)
	cfg.Broker.Exchange = getEnv("CHAT_BROKER_EXCHANGE", cfg.Broker.Exchange)
	cfg.Reconnect.Initial = getEnvDuration("CHAT_RECONNECT_INITIAL", cfg.Reconnect.Initial)
	cfg.Reconnect.Max = getEnvDuration("CHAT_RECONNECT_MAX", cfg.Reconnect.Max)
	cfg.Reconnect.MaxAttempts = getEnvInt("CHAT_RECONNECT_MAX_ATTEMPTS", cfg.Reconnect.MaxAttempts)
	cfg.Storage.Kind = getEnv("CHAT_STORAGE_KIND", cfg.Storage.Kind)
	cfg.Storage.RedisAddr = getEnv("CHAT_REDIS_ADDR", cfg.Storage.RedisAddr)
	cfg.Pagination.PageSize = getEnvInt("CHAT_PAGE_SIZE", cfg.Pagination.PageSize)
	cfg.Log.Level = getEnv("CHAT_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.FileName = getEnv("CHAT_LOG_FILE", cfg.Log.FileName)
	cfg.Telemetry.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	cfg.Telemetry.AMQPURL = getEnv("AUDIT_AMQP_URL", cfg.Telemetry.AMQPURL)
	cfg.Debug.Enabled = getEnvBool("CHAT_DEBUG_ENABLED", cfg.Debug.Enabled)
	cfg.Debug.Addr = getEnv("CHAT_DEBUG_ADDR", cfg.Debug.Addr)
	cfg.Debug.Token = getEnv("CHAT_DEBUG_TOKEN", cfg.Debug.Token)
	cfg.Chat.ConversationID = int64(getEnvInt("CHAT_CONVERSATION_ID", int(cfg.Chat.ConversationID)))
	cfg.Chat.PeerID = int64(getEnvInt("CHAT_PEER_ID", int(cfg.Chat.PeerID)))
	cfg.Chat.Email = getEnv("CHAT_EMAIL", cfg.Chat.Email)
	cfg.Chat.Password = getEnv("CHAT_PASSWORD", cfg.Chat.Password)
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback Duration) Duration {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return Duration{parsed}
		}
	}
	return fallback
}
