package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                    = "CLAIMSYNC"
	defaultHTTPAddress           = "0.0.0.0:8080"
	defaultDatabasePath          = "claimsync.db"
	defaultStatePath             = "claimsync-agent.db"
	defaultLogLevel              = "info"
	defaultTokenTTLMinutes       = 60
	defaultBackendTimeoutSeconds = 30
	defaultSyncIntervalSeconds   = 60
	defaultMaxInFlight           = 0
)

// ServerConfig captures runtime configuration for the reference backend.
type ServerConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	TokenTTL      time.Duration
}

// AgentConfig captures runtime configuration for the offline sync agent.
type AgentConfig struct {
	StatePath      string
	LogLevel       string
	BackendURL     string
	AccessToken    string
	BackendTimeout time.Duration
	ProviderID     string
	MaxInFlight    int
	SyncInterval   time.Duration
	MetricsAddress string
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("backend.timeout_seconds", defaultBackendTimeoutSeconds)
	configViper.SetDefault("state.path", defaultStatePath)
	configViper.SetDefault("sync.max_in_flight", defaultMaxInFlight)
	configViper.SetDefault("sync.interval_seconds", defaultSyncIntervalSeconds)
	configViper.SetDefault("metrics.address", "")
}

// LoadServer parses the reference backend configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

// LoadAgent parses the sync agent configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		StatePath:      configViper.GetString("state.path"),
		LogLevel:       configViper.GetString("log.level"),
		BackendURL:     configViper.GetString("backend.url"),
		AccessToken:    configViper.GetString("backend.access_token"),
		BackendTimeout: time.Duration(configViper.GetInt("backend.timeout_seconds")) * time.Second,
		ProviderID:     strings.TrimSpace(configViper.GetString("provider.id")),
		MaxInFlight:    configViper.GetInt("sync.max_in_flight"),
		SyncInterval:   time.Duration(configViper.GetInt("sync.interval_seconds")) * time.Second,
		MetricsAddress: configViper.GetString("metrics.address"),
	}

	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}

	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	return nil
}

func (c AgentConfig) validate() error {
	if strings.TrimSpace(c.StatePath) == "" {
		return fmt.Errorf("state.path is required")
	}
	if c.ProviderID == "" {
		return fmt.Errorf("provider.id is required")
	}
	parsed, err := url.Parse(c.BackendURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("backend.url must be an absolute URL")
	}
	if c.BackendTimeout <= 0 {
		return fmt.Errorf("backend.timeout_seconds must be positive")
	}
	if c.MaxInFlight < 0 {
		return fmt.Errorf("sync.max_in_flight must not be negative")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	return nil
}
