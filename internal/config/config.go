package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/BenPomme/alpaca-trading-system/internal/allocation"
	"github.com/BenPomme/alpaca-trading-system/internal/broker/alpaca"
	coreerrors "github.com/BenPomme/alpaca-trading-system/internal/errors"
	"github.com/BenPomme/alpaca-trading-system/internal/logger"
	"github.com/BenPomme/alpaca-trading-system/internal/portfolio"
	"github.com/BenPomme/alpaca-trading-system/internal/rebalance"
	"github.com/BenPomme/alpaca-trading-system/internal/safety"
	"github.com/BenPomme/alpaca-trading-system/internal/store"
)

// Config is the full process configuration
type Config struct {
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogDir      string `yaml:"log_dir"`

	Safety         safety.Limits `yaml:"safety"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`

	Allocation allocation.Config `yaml:"allocation"`
	Rebalance  rebalance.Config  `yaml:"rebalance"`
	Store      store.Config      `yaml:"store"`
	Broker     alpaca.Config     `yaml:"broker"`

	HTTP struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"http"`

	Notifications struct {
		TelegramToken  string `yaml:"-"`
		TelegramChatID string `yaml:"telegram_chat_id"`
	} `yaml:"notifications"`

	Emergency struct {
		EngageOnStart                bool `yaml:"engage_on_start"`
		HaltAfterPersistenceFailures int  `yaml:"halt_after_persistence_failures"`
	} `yaml:"emergency"`

	TradingTimezone string `yaml:"trading_timezone"`
}

// Default returns a config populated with production defaults
func Default() *Config {
	c := &Config{
		Environment:     "development",
		LogLevel:        "info",
		LogDir:          "logs",
		Safety:          safety.DefaultLimits(),
		PersistTimeout:  5 * time.Second,
		Allocation:      allocation.DefaultConfig(),
		Rebalance:       rebalance.DefaultConfig(),
		TradingTimezone: "America/New_York",
	}
	c.Store = store.Config{
		Driver:  store.DriverFile,
		Path:    "data/safety_state.json",
		Timeout: 5 * time.Second,
		Breaker: store.DefaultBreakerConfig(),
	}
	c.Broker = alpaca.Config{
		BaseURL:           "https://paper-api.alpaca.markets",
		RequestsPerMinute: 200,
		FillTimeout:       30 * time.Second,
		PollInterval:      500 * time.Millisecond,
		ReadAttempts:      3,
	}
	c.HTTP.Host = "127.0.0.1"
	c.HTTP.Port = 8090
	c.Emergency.HaltAfterPersistenceFailures = 3
	return c
}

// Load builds the config from defaults, then the optional YAML file, then the environment.
// envFile is loaded with godotenv when it exists; variables already set in the process win.
func Load(configFile, envFile string) (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	c := Default()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, coreerrors.NewConfigurationError("config", "load",
				fmt.Sprintf("failed to parse config file %s: %v", configFile, err))
		}
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func loadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("could not load environment file %s: %w", path, err)
	}
	return nil
}

// envReader collects the first parse error so applyEnv stays linear
type envReader struct {
	err error
}

func (r *envReader) fail(key, val string, err error) {
	if r.err == nil {
		r.err = coreerrors.NewConfigurationError("config", "load_env",
			fmt.Sprintf("invalid value %q for %s: %v", val, key, err))
	}
}

func (r *envReader) str(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func (r *envReader) float(key string, dst *float64) {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			r.fail(key, val, err)
			return
		}
		*dst = f
	}
}

func (r *envReader) int(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			r.fail(key, val, err)
			return
		}
		*dst = i
	}
}

func (r *envReader) bool(key string, dst *bool) {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			r.fail(key, val, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) duration(key string, dst *time.Duration) {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			r.fail(key, val, err)
			return
		}
		*dst = d
	}
}

func (c *Config) applyEnv() error {
	r := &envReader{}

	r.str("ENV", &c.Environment)
	r.str("LOG_LEVEL", &c.LogLevel)
	r.str("LOG_DIR", &c.LogDir)

	r.duration("SAFETY_COOLDOWN", &c.Safety.CooldownDuration)
	r.float("SAFETY_MAX_POSITION_VALUE", &c.Safety.MaxPositionValue)
	r.int("SAFETY_MAX_DAILY_TRADES", &c.Safety.MaxDailyTrades)
	r.int("SAFETY_MAX_TRADES_PER_HOUR", &c.Safety.MaxTradesPerHour)
	r.int("SAFETY_RAPID_TRADE_COUNT", &c.Safety.RapidTradeCountThreshold)
	r.duration("SAFETY_RAPID_TRADE_WINDOW", &c.Safety.RapidTradeWindow)
	r.duration("SAFETY_PERSIST_TIMEOUT", &c.PersistTimeout)

	r.float("ALLOC_RISK_PER_TRADE", &c.Allocation.RiskPerTradeFraction)
	r.float("ALLOC_HARD_POSITION_CAP", &c.Allocation.HardPositionCapFraction)
	if c.Allocation.ModuleCaps == nil {
		c.Allocation.ModuleCaps = make(map[portfolio.Module]float64)
	}
	for _, module := range portfolio.AllModules {
		key := "ALLOC_CAP_" + strings.ToUpper(string(module))
		if os.Getenv(key) == "" {
			continue
		}
		v := c.Allocation.ModuleCaps[module]
		r.float(key, &v)
		c.Allocation.ModuleCaps[module] = v
	}

	r.duration("REBALANCE_INTERVAL", &c.Rebalance.Interval)
	r.float("REBALANCE_CONCENTRATION_THRESHOLD", &c.Rebalance.ConcentrationThreshold)
	r.int("REBALANCE_MIN_POSITIONS", &c.Rebalance.MinPositions)

	r.str("STORE_DRIVER", &c.Store.Driver)
	r.str("STORE_PATH", &c.Store.Path)
	r.str("STORE_DSN", &c.Store.DSN)
	r.str("REDIS_ADDR", &c.Store.RedisAddr)
	r.str("REDIS_PASSWORD", &c.Store.RedisPassword)

	r.str("APCA_API_KEY_ID", &c.Broker.APIKey)
	r.str("APCA_API_SECRET_KEY", &c.Broker.APISecret)
	r.str("APCA_API_BASE_URL", &c.Broker.BaseURL)
	r.int("BROKER_REQUESTS_PER_MINUTE", &c.Broker.RequestsPerMinute)
	r.int("BROKER_READ_ATTEMPTS", &c.Broker.ReadAttempts)

	r.str("HTTP_HOST", &c.HTTP.Host)
	r.int("HTTP_PORT", &c.HTTP.Port)

	r.str("TELEGRAM_BOT_TOKEN", &c.Notifications.TelegramToken)
	r.str("TELEGRAM_CHAT_ID", &c.Notifications.TelegramChatID)

	r.bool("EMERGENCY_STOP", &c.Emergency.EngageOnStart)
	r.int("HALT_AFTER_PERSISTENCE_FAILURES", &c.Emergency.HaltAfterPersistenceFailures)
	r.str("TRADING_TIMEZONE", &c.TradingTimezone)

	return r.err
}

// Validate rejects nonsensical values. Nothing is clamped.
func (c *Config) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return coreerrors.NewConfigurationError("config", "validate", fmt.Sprintf(format, args...))
	}

	if err := c.Safety.Validate(); err != nil {
		return err
	}
	if c.PersistTimeout <= 0 {
		return fail("persist timeout must be positive, got %v", c.PersistTimeout)
	}
	if err := c.Allocation.Validate(); err != nil {
		return err
	}
	if err := c.Rebalance.Validate(); err != nil {
		return err
	}
	if !store.ValidDriver(c.Store.Driver) {
		return fail("unknown store driver %q (want file, sqlite, postgres or redis)", c.Store.Driver)
	}
	if c.Broker.RequestsPerMinute <= 0 {
		return fail("broker requests per minute must be positive, got %d", c.Broker.RequestsPerMinute)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fail("http port out of range: %d", c.HTTP.Port)
	}
	if c.Emergency.HaltAfterPersistenceFailures < 0 {
		return fail("halt after persistence failures cannot be negative, got %d", c.Emergency.HaltAfterPersistenceFailures)
	}
	if _, err := c.Location(); err != nil {
		return fail("unknown trading timezone %q: %v", c.TradingTimezone, err)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fail("invalid log level %q", c.LogLevel)
	}
	return nil
}

// Location resolves TradingTimezone
func (c *Config) Location() (*time.Location, error) {
	if c.TradingTimezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.TradingTimezone)
}

// HTTPAddr returns host:port for the diagnostics server
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// IsProduction returns true for the live environment
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
