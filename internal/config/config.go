package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the process-wide configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
	Gateways GatewaysConfig `mapstructure:"gateways"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug | release
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvent string `mapstructure:"ledger_event"`
}

// BusinessConfig holds ledger and reconciliation tunables.
type BusinessConfig struct {
	PlatformUserID     int64         `mapstructure:"platform_user_id"`
	Currency           string        `mapstructure:"currency"`
	PendingTTL         time.Duration `mapstructure:"pending_ttl"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	PollMaxAttempts    int           `mapstructure:"poll_max_attempts"`
	QRSessionTTL       time.Duration `mapstructure:"qr_session_ttl"`
	TokenRefreshMargin time.Duration `mapstructure:"token_refresh_margin"`
	OutboxMaxRetry     int           `mapstructure:"outbox_max_retry"`
}

type GatewaysConfig struct {
	Alipay AlipayConfig `mapstructure:"alipay"`
	PayPal PayPalConfig `mapstructure:"paypal"`
	Nets   NetsConfig   `mapstructure:"nets"`
}

type AlipayConfig struct {
	AppID           string `mapstructure:"app_id"`
	PrivateKey      string `mapstructure:"private_key"`       // PEM, PKCS#1 or PKCS#8
	AlipayPublicKey string `mapstructure:"alipay_public_key"` // PEM
	GatewayURL      string `mapstructure:"gateway_url"`
	NotifyURL       string `mapstructure:"notify_url"`
	ReturnURL       string `mapstructure:"return_url"`
}

type PayPalConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	BaseURL      string `mapstructure:"base_url"`
	ReturnURL    string `mapstructure:"return_url"`
	CancelURL    string `mapstructure:"cancel_url"`
}

type NetsConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	ProjectID string `mapstructure:"project_id"`
}

// LoadConfig reads the yaml file at configPath. Environment variables override
// keys of the same path, e.g. GATEWAYS_ALIPAY_PRIVATE_KEY.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("kafka.topic.ledger_event", "ledger_event")
	v.SetDefault("business.platform_user_id", 1)
	v.SetDefault("business.currency", "SGD")
	v.SetDefault("business.pending_ttl", 30*time.Minute)
	v.SetDefault("business.poll_interval", 5*time.Second)
	v.SetDefault("business.poll_max_attempts", 60)
	v.SetDefault("business.qr_session_ttl", 30*time.Minute)
	v.SetDefault("business.token_refresh_margin", 15*time.Second)
	v.SetDefault("business.outbox_max_retry", 5)
	v.SetDefault("gateways.alipay.gateway_url", "https://openapi.alipay.com/gateway.do")
	v.SetDefault("gateways.paypal.base_url", "https://api-m.sandbox.paypal.com")
}
