package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "GATHER"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "gather.db"
	defaultLogLevel         = "info"
	defaultAuthIssuer       = "gather-auth"
	defaultAuthAudience     = "gather-api"
	defaultTokenTTLMinutes  = 60
	defaultSessionIssuer    = "gather-session"
	defaultCookieName       = "gather_session"
	defaultEventsPerSecond  = 5
	defaultBurst            = 5
	defaultBufferSize       = 16
	defaultHeartbeatSeconds = 25
	defaultAllowedOrigin    = "*"
	allowedOriginsSeparator = ","
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	AllowedOrigins []string

	SigningSecret string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration

	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string

	RealtimeEventsPerSecond float64
	RealtimeBurst           int
	RealtimeBufferSize      int
	RealtimeHeartbeat       time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigin)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("realtime.events_per_second", defaultEventsPerSecond)
	configViper.SetDefault("realtime.burst", defaultBurst)
	configViper.SetDefault("realtime.buffer_size", defaultBufferSize)
	configViper.SetDefault("realtime.heartbeat_seconds", defaultHeartbeatSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:             configViper.GetString("http.address"),
		DatabasePath:            configViper.GetString("database.path"),
		LogLevel:                configViper.GetString("log.level"),
		AllowedOrigins:          splitOrigins(configViper.GetString("http.allowed_origins")),
		SigningSecret:           configViper.GetString("auth.signing_secret"),
		Issuer:                  configViper.GetString("auth.issuer"),
		Audience:                configViper.GetString("auth.audience"),
		TokenTTL:                time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		SessionSigningSecret:    configViper.GetString("session.signing_secret"),
		SessionIssuer:           configViper.GetString("session.issuer"),
		SessionCookieName:       configViper.GetString("session.cookie_name"),
		RealtimeEventsPerSecond: configViper.GetFloat64("realtime.events_per_second"),
		RealtimeBurst:           configViper.GetInt("realtime.burst"),
		RealtimeBufferSize:      configViper.GetInt("realtime.buffer_size"),
		RealtimeHeartbeat:       time.Duration(configViper.GetInt("realtime.heartbeat_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// SessionCookiesEnabled reports whether cookie sessions are accepted in addition to bearer tokens.
func (c AppConfig) SessionCookiesEnabled() bool {
	return strings.TrimSpace(c.SessionSigningSecret) != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.SessionCookiesEnabled() && strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.RealtimeEventsPerSecond <= 0 {
		return fmt.Errorf("realtime.events_per_second must be positive")
	}
	if c.RealtimeBurst <= 0 {
		return fmt.Errorf("realtime.burst must be positive")
	}
	if c.RealtimeHeartbeat <= 0 {
		return fmt.Errorf("realtime.heartbeat_seconds must be positive")
	}
	return nil
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, allowedOriginsSeparator) {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
