package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"riskguard/pkg/crypto"
)

// Config содержит всю конфигурацию приложения
//
// Источники (по возрастанию приоритета):
// 1. значения по умолчанию (setDefaults)
// 2. config.yaml в каталоге path, "." или "./config" (необязателен)
// 3. переменные окружения: ключ bingx.api_key читается из BINGX_API_KEY
type Config struct {
	BingX        BingXConfig        `mapstructure:"bingx"`
	Activation   ActivationConfig   `mapstructure:"activation"`
	Supervisor   SupervisorConfig   `mapstructure:"supervisor"`
	Orphan       OrphanConfig       `mapstructure:"orphan"`
	Feed         FeedConfig         `mapstructure:"feed"`
	Leverage     LeverageConfig     `mapstructure:"leverage"`
	Notification NotificationConfig `mapstructure:"notification"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	Database     DatabaseConfig     `mapstructure:"db"`
	Server       ServerConfig       `mapstructure:"server"`
	Ops          OpsConfig          `mapstructure:"ops"`
	Logging      LoggingConfig      `mapstructure:"log"`
}

// BingXConfig - доступ к бирже и торговые параметры
type BingXConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	APISecret         string  `mapstructure:"api_secret"`
	BaseURL           string  `mapstructure:"base_url"`
	WSURL             string  `mapstructure:"ws_url"`
	Margin            float64 `mapstructure:"margin"`           // USDT на сделку
	LimitOrderFee     float64 `mapstructure:"limit_order_fee"`  // %
	MarketOrderFee    float64 `mapstructure:"market_order_fee"` // %
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// ActivationConfig - смещение цены активации условных ордеров
type ActivationConfig struct {
	FactorAbove float64 `mapstructure:"factor_above"`
	FactorBelow float64 `mapstructure:"factor_below"`
}

// SupervisorConfig - период прохода супервизора
type SupervisorConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	TickTimeout time.Duration `mapstructure:"tick_timeout"`
}

// OrphanConfig - сверка ордеров без позиции
type OrphanConfig struct {
	GraceDelay time.Duration `mapstructure:"grace_delay"`
}

// FeedConfig - поток цен
type FeedConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
}

// LeverageConfig - понижение плеча при отказе биржи
type LeverageConfig struct {
	Step int `mapstructure:"step"`
	Max  int `mapstructure:"max"`
}

// NotificationConfig - webhook уведомлений
type NotificationConfig struct {
	APIURL    string `mapstructure:"api_url"`
	QueueSize int    `mapstructure:"queue_size"`
}

// TelegramConfig - доставка в чат (пустой токен = выключено)
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ServerConfig - ops API
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// OpsConfig - доступ к ops API
type OpsConfig struct {
	TokenHash      string        `mapstructure:"token_hash"`      // bcrypt хеш bearer токена
	AllowedOrigins []string      `mapstructure:"allowed_origins"` // Origin для /api/v1/stream; пусто - любые
	StreamInterval time.Duration `mapstructure:"stream_interval"` // период снимков позиций в поток
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

const loopbackHost = "127.0.0.1"

func setDefaults(v *viper.Viper) {
	v.SetDefault("bingx.api_key", "")
	v.SetDefault("bingx.api_secret", "")
	v.SetDefault("bingx.base_url", "https://open-api.bingx.com")
	v.SetDefault("bingx.ws_url", "wss://open-api-swap.bingx.com/swap-market")
	v.SetDefault("bingx.margin", 500.0)
	v.SetDefault("bingx.limit_order_fee", 0.02)
	v.SetDefault("bingx.market_order_fee", 0.05)
	v.SetDefault("bingx.requests_per_second", 10.0)

	v.SetDefault("activation.factor_above", 1.0005)
	v.SetDefault("activation.factor_below", 0.9995)

	v.SetDefault("supervisor.interval", time.Minute)
	v.SetDefault("supervisor.tick_timeout", 30*time.Second)
	v.SetDefault("orphan.grace_delay", time.Second)

	v.SetDefault("feed.ping_interval", 30*time.Second)
	v.SetDefault("feed.reconnect_delay", 60*time.Second)
	v.SetDefault("feed.max_reconnects", 5)

	v.SetDefault("leverage.step", 2)
	v.SetDefault("leverage.max", 125)

	v.SetDefault("notification.api_url", "http://localhost:3000/api/notification")
	v.SetDefault("notification.queue_size", 256)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "riskguard")
	v.SetDefault("db.user", "riskguard")
	v.SetDefault("db.password", "")
	v.SetDefault("db.ssl_mode", "disable")
	v.SetDefault("db.max_open_conns", 10)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("ops.token_hash", "")
	v.SetDefault("ops.allowed_origins", []string{})
	v.SetDefault("ops.stream_interval", 2*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
}

// Load загружает конфигурацию
//
// path - каталог с config.yaml (пусто = "." и "./config").
// Отсутствие файла не ошибка: всё можно задать переменными окружения.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Без токена ops API доступен только с этой машины
	if cfg.Ops.TokenHash == "" {
		cfg.Server.Host = loopbackHost
	}

	// Валидация критичных параметров безопасности
	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	// Валидация числовых диапазонов
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	if c.BingX.APIKey == "" || c.BingX.APISecret == "" {
		return fmt.Errorf("BINGX_API_KEY and BINGX_API_SECRET are required")
	}

	if c.Ops.TokenHash != "" && !crypto.IsBcryptHash(c.Ops.TokenHash) {
		return fmt.Errorf("OPS_TOKEN_HASH must be a bcrypt hash")
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	// Комиссии в процентах
	if c.BingX.LimitOrderFee < 0 || c.BingX.LimitOrderFee >= 1 {
		return fmt.Errorf("BINGX_LIMIT_ORDER_FEE must be in [0, 1) percent, got %v", c.BingX.LimitOrderFee)
	}
	if c.BingX.MarketOrderFee < 0 || c.BingX.MarketOrderFee >= 1 {
		return fmt.Errorf("BINGX_MARKET_ORDER_FEE must be in [0, 1) percent, got %v", c.BingX.MarketOrderFee)
	}

	if c.BingX.Margin <= 0 {
		return fmt.Errorf("BINGX_MARGIN must be positive, got %v", c.BingX.Margin)
	}
	if c.BingX.RequestsPerSecond <= 0 {
		return fmt.Errorf("BINGX_REQUESTS_PER_SECOND must be positive, got %v", c.BingX.RequestsPerSecond)
	}

	// Множители активации
	if c.Activation.FactorAbove <= 0.9 || c.Activation.FactorAbove >= 1.1 {
		return fmt.Errorf("ACTIVATION_FACTOR_ABOVE must be in (0.9, 1.1), got %v", c.Activation.FactorAbove)
	}
	if c.Activation.FactorBelow <= 0.9 || c.Activation.FactorBelow >= 1.1 {
		return fmt.Errorf("ACTIVATION_FACTOR_BELOW must be in (0.9, 1.1), got %v", c.Activation.FactorBelow)
	}

	// Таймеры
	if c.Supervisor.Interval < time.Second {
		return fmt.Errorf("SUPERVISOR_INTERVAL must be at least 1s, got %v", c.Supervisor.Interval)
	}
	if c.Supervisor.TickTimeout <= 0 {
		return fmt.Errorf("SUPERVISOR_TICK_TIMEOUT must be positive, got %v", c.Supervisor.TickTimeout)
	}
	if c.Orphan.GraceDelay < 0 {
		return fmt.Errorf("ORPHAN_GRACE_DELAY cannot be negative, got %v", c.Orphan.GraceDelay)
	}
	if c.Feed.PingInterval <= 0 {
		return fmt.Errorf("FEED_PING_INTERVAL must be positive, got %v", c.Feed.PingInterval)
	}
	if c.Feed.ReconnectDelay < 0 {
		return fmt.Errorf("FEED_RECONNECT_DELAY cannot be negative, got %v", c.Feed.ReconnectDelay)
	}
	if c.Feed.MaxReconnects < 1 {
		return fmt.Errorf("FEED_MAX_RECONNECTS must be at least 1, got %d", c.Feed.MaxReconnects)
	}

	if c.Ops.StreamInterval < 100*time.Millisecond {
		return fmt.Errorf("OPS_STREAM_INTERVAL must be at least 100ms, got %v", c.Ops.StreamInterval)
	}

	// Плечо
	if c.Leverage.Step < 1 {
		return fmt.Errorf("LEVERAGE_STEP must be at least 1, got %d", c.Leverage.Step)
	}
	if c.Leverage.Max < 1 {
		return fmt.Errorf("LEVERAGE_MAX must be at least 1, got %d", c.Leverage.Max)
	}

	// Валидация портов
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Notification.QueueSize < 1 {
		return fmt.Errorf("NOTIFICATION_QUEUE_SIZE must be at least 1, got %d", c.Notification.QueueSize)
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Addr возвращает адрес ops API
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, fmt.Sprintf("%d", s.Port))
}
