package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

const (
	DefaultConfigPath       = "config.toml"
	DefaultHTTPAddr         = ":8080"
	DefaultJWTExpiresIn     = "24h"
	DefaultPGHost           = "127.0.0.1"
	DefaultPGPort           = 5432
	DefaultPGUser           = "postgres"
	DefaultPGDatabase       = "supportdesk"
	DefaultPGSSLMode        = "disable"
	DefaultStoreDriver      = StoreDriverPostgres
	DefaultAssistantTimeout = 30
	DefaultGraphURL         = "https://graph.facebook.com/v19.0"
	DefaultPresenceLanes    = 16
	DefaultPresenceBuffer   = 256
	DefaultPresenceOutbox   = 64
	DefaultDedupeTTL        = "10m"
	DefaultDedupeSize       = 10000
	DefaultPseudonymLength  = 16
	DefaultIdleAfter        = "72h"
	DefaultEventsExchange   = "supportdesk.events"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Store     StoreConfig     `toml:"store"`
	Assistant AssistantConfig `toml:"assistant"`
	Channels  ChannelsConfig  `toml:"channels"`
	Presence  PresenceConfig  `toml:"presence"`
	Dedupe    DedupeConfig    `toml:"dedupe"`
	Archive   ArchiveConfig   `toml:"archive"`
	Events    EventsConfig    `toml:"events"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"SUPPORTDESK_LOG_LEVEL"`
	Format string `toml:"format" env:"SUPPORTDESK_LOG_FORMAT"`
}

type ServerConfig struct {
	Addr string `toml:"addr" env:"SUPPORTDESK_ADDR"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret" env:"SUPPORTDESK_JWT_SECRET"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

// ExpiresIn parses JWTExpiresIn, falling back to the default lifetime.
func (c AuthConfig) ExpiresIn() time.Duration {
	return parseDurationOr(c.JWTExpiresIn, DefaultJWTExpiresIn)
}

type PostgresConfig struct {
	Host     string `toml:"host" env:"SUPPORTDESK_PG_HOST"`
	Port     int    `toml:"port" env:"SUPPORTDESK_PG_PORT"`
	User     string `toml:"user" env:"SUPPORTDESK_PG_USER"`
	Password string `toml:"password" env:"SUPPORTDESK_PG_PASSWORD"`
	Database string `toml:"database" env:"SUPPORTDESK_PG_DATABASE"`
	SSLMode  string `toml:"sslmode"`
}

// DSN returns a postgres:// connection URL.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{c.SSLMode}}.Encode()
	}
	return u.String()
}

type StoreConfig struct {
	// Driver selects the live store: "postgres" or "memory".
	Driver      string `toml:"driver" env:"SUPPORTDESK_STORE_DRIVER"`
	AutoMigrate bool   `toml:"auto_migrate"`
}

type AssistantConfig struct {
	BaseURL        string `toml:"base_url" env:"SUPPORTDESK_ASSISTANT_URL"`
	APIKey         string `toml:"api_key" env:"SUPPORTDESK_ASSISTANT_API_KEY"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	// NoticeTemplate is the escalation notice; %s is replaced with the team name.
	NoticeTemplate string `toml:"notice_template"`
}

func (c AssistantConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultAssistantTimeout * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type ChannelsConfig struct {
	Facebook  MetaChannelConfig `toml:"facebook"`
	WhatsApp  MetaChannelConfig `toml:"whatsapp"`
	WebWidget WebWidgetConfig   `toml:"webwidget"`
}

// MetaChannelConfig covers both Graph-API based channels.
type MetaChannelConfig struct {
	Enabled     bool                `toml:"enabled"`
	GraphURL    string              `toml:"graph_url"`
	AppSecret   string              `toml:"app_secret"`
	VerifyToken string              `toml:"verify_token"`
	Tenants     []MetaTenantAccount `toml:"tenants"`
}

// MetaTenantAccount binds a tenant to its page (facebook) or phone number (whatsapp).
type MetaTenantAccount struct {
	TenantID    string `toml:"tenant_id"`
	AccountID   string `toml:"account_id"`
	AccessToken string `toml:"access_token"`
}

type WebWidgetConfig struct {
	Enabled        bool     `toml:"enabled"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type PresenceConfig struct {
	Lanes      int `toml:"lanes"`
	LaneBuffer int `toml:"lane_buffer"`
	ConnBuffer int `toml:"conn_buffer"`
}

type DedupeConfig struct {
	TTL     string `toml:"ttl"`
	MaxSize int    `toml:"max_size"`
}

func (c DedupeConfig) TTLDuration() time.Duration {
	return parseDurationOr(c.TTL, DefaultDedupeTTL)
}

type ArchiveConfig struct {
	// Secret keys the pseudonym hash together with the tenant salt.
	Secret          string `toml:"secret" env:"SUPPORTDESK_ARCHIVE_SECRET"`
	PseudonymLength int    `toml:"pseudonym_length"`
	// SweepSchedule is a cron spec such as "@every 1h". Empty disables the sweeper.
	SweepSchedule string `toml:"sweep_schedule"`
	IdleAfter     string `toml:"idle_after"`
}

func (c ArchiveConfig) IdleAfterDuration() time.Duration {
	return parseDurationOr(c.IdleAfter, DefaultIdleAfter)
}

type EventsConfig struct {
	// AMQPURL enables the domain event publisher when set.
	AMQPURL  string `toml:"amqp_url" env:"SUPPORTDESK_AMQP_URL"`
	Exchange string `toml:"exchange"`
}

func parseDurationOr(raw, fallback string) time.Duration {
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}

func defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Store: StoreConfig{
			Driver:      DefaultStoreDriver,
			AutoMigrate: true,
		},
		Assistant: AssistantConfig{
			TimeoutSeconds: DefaultAssistantTimeout,
		},
		Channels: ChannelsConfig{
			Facebook:  MetaChannelConfig{GraphURL: DefaultGraphURL},
			WhatsApp:  MetaChannelConfig{GraphURL: DefaultGraphURL},
			WebWidget: WebWidgetConfig{Enabled: true},
		},
		Presence: PresenceConfig{
			Lanes:      DefaultPresenceLanes,
			LaneBuffer: DefaultPresenceBuffer,
			ConnBuffer: DefaultPresenceOutbox,
		},
		Dedupe: DedupeConfig{
			TTL:     DefaultDedupeTTL,
			MaxSize: DefaultDedupeSize,
		},
		Archive: ArchiveConfig{
			PseudonymLength: DefaultPseudonymLength,
			IdleAfter:       DefaultIdleAfter,
		},
		Events: EventsConfig{
			Exchange: DefaultEventsExchange,
		},
	}
}

// Load reads the TOML file at path (defaults apply when it does not exist)
// and then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, err
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("env overrides: %w", err)
	}
	return cfg, nil
}
