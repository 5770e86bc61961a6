package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment keys for the exchange credentials.
const (
	EnvClientID     = "DERIBIT_CLIENT_ID"
	EnvClientSecret = "DERIBIT_CLIENT_SECRET"
)

// ExchangeConfig points the client at a Deribit environment.
type ExchangeConfig struct {
	BaseURL     string // https://test.deribit.com
	WSURL       string // wss://test.deribit.com/ws/api/v2
	Scope       string // session:testnet
	OrderLabel  string
	ProxyURL    string
	HTTPTimeout time.Duration
	RetryCount  int // applies to public/* calls only
}

// CredentialsConfig carries the client-credentials grant inputs.
type CredentialsConfig struct {
	ClientID     string
	ClientSecret string
}

// RateLimitConfig bounds outbound requests per second.
type RateLimitConfig struct {
	Enabled    bool
	Capacity   int
	RefillRate int

	// matching-engine methods (buy, sell, edit, cancel) have their own bucket
	MatchingCapacity   int
	MatchingRefillRate int
}

// StreamConfig controls the market-data WebSocket.
type StreamConfig struct {
	Enabled              bool
	Instruments          []string
	Interval             string // channel suffix, e.g. 100ms
	ReconnectEnabled     bool
	MaxReconnectAttempts int
	TrackOrderUpdates    bool
}

// SecretStoreConfig enables reading credentials from the badger store.
type SecretStoreConfig struct {
	Path string
	Key  string // 32 bytes, hex or base64
}

// Config is the trader configuration.
type Config struct {
	Exchange    ExchangeConfig
	Credentials CredentialsConfig
	RateLimit   RateLimitConfig
	Stream      StreamConfig
	SecretStore SecretStoreConfig

	LogLevel  string
	LogFile   string
	DataDir   string
	JournalDB string

	MetricsListen    string // empty disables /metrics, /debug/vars and pprof
	ControlAPIListen string // empty disables the HTTP control API
	NATSURL          string // empty disables market-data fan-out
	NATSSubject      string
}

var configFilePath string

// SetConfigPath sets the file Load reads.
func SetConfigPath(path string) {
	configFilePath = path
}

// GetConfigPath returns the file Load reads.
func GetConfigPath() string {
	return configFilePath
}

// ConfigFile is the on-disk shape (YAML or JSON).
type ConfigFile struct {
	Exchange struct {
		BaseURL            string `yaml:"base_url" json:"base_url"`
		WSURL              string `yaml:"ws_url" json:"ws_url"`
		Scope              string `yaml:"scope" json:"scope"`
		OrderLabel         string `yaml:"order_label" json:"order_label"`
		ProxyURL           string `yaml:"proxy_url" json:"proxy_url"`
		HTTPTimeoutSeconds int    `yaml:"http_timeout_seconds" json:"http_timeout_seconds"`
		RetryCount         *int   `yaml:"retry_count" json:"retry_count"`
	} `yaml:"exchange" json:"exchange"`
	Credentials struct {
		ClientID     string `yaml:"client_id" json:"client_id"`
		ClientSecret string `yaml:"client_secret" json:"client_secret"`
	} `yaml:"credentials" json:"credentials"`
	RateLimit struct {
		Enabled            *bool `yaml:"enabled" json:"enabled"`
		Capacity           int   `yaml:"capacity" json:"capacity"`
		RefillRate         int   `yaml:"refill_rate" json:"refill_rate"`
		MatchingCapacity   int   `yaml:"matching_capacity" json:"matching_capacity"`
		MatchingRefillRate int   `yaml:"matching_refill_rate" json:"matching_refill_rate"`
	} `yaml:"rate_limit" json:"rate_limit"`
	Stream struct {
		Enabled              *bool    `yaml:"enabled" json:"enabled"`
		Instruments          []string `yaml:"instruments" json:"instruments"`
		Interval             string   `yaml:"interval" json:"interval"`
		ReconnectEnabled     *bool    `yaml:"reconnect_enabled" json:"reconnect_enabled"`
		MaxReconnectAttempts int      `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
		TrackOrderUpdates    *bool    `yaml:"track_order_updates" json:"track_order_updates"`
	} `yaml:"stream" json:"stream"`
	SecretStore struct {
		Path string `yaml:"path" json:"path"`
		Key  string `yaml:"key" json:"key"`
	} `yaml:"secret_store" json:"secret_store"`
	LogLevel         string `yaml:"log_level" json:"log_level"`
	LogFile          string `yaml:"log_file" json:"log_file"`
	DataDir          string `yaml:"data_dir" json:"data_dir"`
	JournalDB        string `yaml:"journal_db" json:"journal_db"`
	MetricsListen    string `yaml:"metrics_listen" json:"metrics_listen"`
	ControlAPIListen string `yaml:"control_api_listen" json:"control_api_listen"`
	NATSURL          string `yaml:"nats_url" json:"nats_url"`
	NATSSubject      string `yaml:"nats_subject" json:"nats_subject"`
}

// Load reads the file set by SetConfigPath (optional) and applies env overrides.
func Load() (*Config, error) {
	return LoadFromFile(configFilePath)
}

// LoadFromFile builds a Config. Precedence is env, then file, then defaults.
func LoadFromFile(filePath string) (*Config, error) {
	cf := &ConfigFile{}
	if filePath != "" {
		loaded, err := loadConfigFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("load config file %s: %w", filePath, err)
		}
		cf = loaded
	}

	c := &Config{
		Exchange: ExchangeConfig{
			BaseURL:     getEnv("DERIBIT_BASE_URL", orDefault(cf.Exchange.BaseURL, "https://test.deribit.com")),
			WSURL:       getEnv("DERIBIT_WS_URL", orDefault(cf.Exchange.WSURL, "wss://test.deribit.com/ws/api/v2")),
			Scope:       getEnv("DERIBIT_SCOPE", orDefault(cf.Exchange.Scope, "session:testnet")),
			OrderLabel:  getEnv("DERIBIT_ORDER_LABEL", orDefault(cf.Exchange.OrderLabel, "goquant_order")),
			ProxyURL:    getEnv("DERIBIT_PROXY_URL", cf.Exchange.ProxyURL),
			HTTPTimeout: time.Duration(parseIntEnv("DERIBIT_HTTP_TIMEOUT_SECONDS", orDefaultInt(cf.Exchange.HTTPTimeoutSeconds, 15))) * time.Second,
			RetryCount:  parseIntEnv("DERIBIT_RETRY_COUNT", derefInt(cf.Exchange.RetryCount, 2)),
		},
		Credentials: CredentialsConfig{
			ClientID:     getEnv(EnvClientID, cf.Credentials.ClientID),
			ClientSecret: getEnv(EnvClientSecret, cf.Credentials.ClientSecret),
		},
		RateLimit: RateLimitConfig{
			Enabled:            parseBoolEnv("RATE_LIMIT_ENABLED", derefBool(cf.RateLimit.Enabled, true)),
			Capacity:           parseIntEnv("RATE_LIMIT_CAPACITY", orDefaultInt(cf.RateLimit.Capacity, 20)),
			RefillRate:         parseIntEnv("RATE_LIMIT_REFILL_RATE", orDefaultInt(cf.RateLimit.RefillRate, 10)),
			MatchingCapacity:   parseIntEnv("RATE_LIMIT_MATCHING_CAPACITY", orDefaultInt(cf.RateLimit.MatchingCapacity, 10)),
			MatchingRefillRate: parseIntEnv("RATE_LIMIT_MATCHING_REFILL_RATE", orDefaultInt(cf.RateLimit.MatchingRefillRate, 5)),
		},
		Stream: StreamConfig{
			Enabled:              parseBoolEnv("STREAM_ENABLED", derefBool(cf.Stream.Enabled, true)),
			Instruments:          parseListEnv("STREAM_INSTRUMENTS", cf.Stream.Instruments, []string{"BTC-PERPETUAL"}),
			Interval:             getEnv("STREAM_INTERVAL", orDefault(cf.Stream.Interval, "100ms")),
			ReconnectEnabled:     parseBoolEnv("STREAM_RECONNECT_ENABLED", derefBool(cf.Stream.ReconnectEnabled, true)),
			MaxReconnectAttempts: parseIntEnv("STREAM_MAX_RECONNECT_ATTEMPTS", orDefaultInt(cf.Stream.MaxReconnectAttempts, 10)),
			TrackOrderUpdates:    parseBoolEnv("STREAM_TRACK_ORDER_UPDATES", derefBool(cf.Stream.TrackOrderUpdates, false)),
		},
		SecretStore: SecretStoreConfig{
			Path: getEnv("GODERIBIT_SECRET_DB", cf.SecretStore.Path),
			Key:  getEnv("GODERIBIT_SECRET_KEY", cf.SecretStore.Key),
		},
		LogLevel:         getEnv("LOG_LEVEL", orDefault(cf.LogLevel, "info")),
		LogFile:          getEnv("LOG_FILE", orDefault(cf.LogFile, "logs/trader.log")),
		DataDir:          getEnv("DATA_DIR", orDefault(cf.DataDir, "data")),
		JournalDB:        getEnv("JOURNAL_DB", orDefault(cf.JournalDB, "data/journal.db")),
		MetricsListen:    getEnv("METRICS_LISTEN", cf.MetricsListen),
		ControlAPIListen: getEnv("CONTROL_API_LISTEN", cf.ControlAPIListen),
		NATSURL:          getEnv("NATS_URL", cf.NATSURL),
		NATSSubject:      getEnv("NATS_SUBJECT", orDefault(cf.NATSSubject, "deribit")),
	}
	return c, nil
}

func loadConfigFile(filePath string) (*ConfigFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var configFile ConfigFile
	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s (want .yaml, .yml or .json)", ext)
	}
	return &configFile, nil
}

// HasCredentials reports whether both halves of the client grant are set.
func (c *Config) HasCredentials() bool {
	return c.Credentials.ClientID != "" && c.Credentials.ClientSecret != ""
}

// Validate checks the settings the trader cannot run without.
func (c *Config) Validate() error {
	if c.Credentials.ClientID == "" {
		return fmt.Errorf("%s is not set", EnvClientID)
	}
	if c.Credentials.ClientSecret == "" {
		return fmt.Errorf("%s is not set", EnvClientSecret)
	}
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange base_url is empty")
	}
	if c.Stream.Enabled && c.Exchange.WSURL == "" {
		return fmt.Errorf("stream enabled but exchange ws_url is empty")
	}
	if c.Exchange.HTTPTimeout <= 0 {
		return fmt.Errorf("http timeout must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Capacity <= 0 || c.RateLimit.RefillRate <= 0 ||
		c.RateLimit.MatchingCapacity <= 0 || c.RateLimit.MatchingRefillRate <= 0) {
		return fmt.Errorf("rate_limit capacities and refill rates must be positive")
	}
	return nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func orDefaultInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func derefInt(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

func derefBool(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseListEnv reads a comma separated list, falling back to the file value
// and then to def.
func parseListEnv(key string, fileValue, def []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	if len(fileValue) > 0 {
		return fileValue
	}
	return def
}
