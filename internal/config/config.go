package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "CRSYNC"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDir     = "dbs"
	defaultLogLevel        = "info"
	defaultBatchSize       = 512
	defaultTokenTTLMinutes = 60
	defaultTokenIssuer     = "crsync-auth"
	defaultTokenAudience   = "crsync-api"
	defaultClientDatabase  = "replica.db"
)

// AppConfig captures runtime configuration for the sync server and client.
type AppConfig struct {
	HTTPAddress   string
	DatabaseDir   string
	LogLevel      string
	BatchSize     int
	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration
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
	configViper.SetDefault("dbs.dir", defaultDatabaseDir)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("stream.batch_size", defaultBatchSize)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("token.issuer", defaultTokenIssuer)
	configViper.SetDefault("token.audience", defaultTokenAudience)
	configViper.SetDefault("client.database", defaultClientDatabase)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabaseDir:   configViper.GetString("dbs.dir"),
		LogLevel:      configViper.GetString("log.level"),
		BatchSize:     configViper.GetInt("stream.batch_size"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenIssuer:   configViper.GetString("token.issuer"),
		TokenAudience: configViper.GetString("token.audience"),
		TokenTTL:      time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabaseDir) == "" {
		return fmt.Errorf("dbs.dir is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("stream.batch_size must be positive, got %d", c.BatchSize)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	return nil
}

// ClientConfig captures configuration for commands that act on a local replica.
type ClientConfig struct {
	ServerURL    string
	Token        string
	DatabasePath string
	LogLevel     string
	BatchSize    int
}

// LoadClient parses client configuration from viper. The server url and
// token are only required by commands that talk to a server.
func LoadClient(configViper *viper.Viper, requireServer bool) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:    strings.TrimRight(configViper.GetString("client.server_url"), "/"),
		Token:        configViper.GetString("client.token"),
		DatabasePath: configViper.GetString("client.database"),
		LogLevel:     configViper.GetString("log.level"),
		BatchSize:    configViper.GetInt("stream.batch_size"),
	}

	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return ClientConfig{}, fmt.Errorf("client.database is required")
	}
	if cfg.BatchSize <= 0 {
		return ClientConfig{}, fmt.Errorf("stream.batch_size must be positive, got %d", cfg.BatchSize)
	}
	if requireServer {
		if strings.TrimSpace(cfg.ServerURL) == "" {
			return ClientConfig{}, fmt.Errorf("client.server_url is required")
		}
		if strings.TrimSpace(cfg.Token) == "" {
			return ClientConfig{}, fmt.Errorf("client.token is required")
		}
	}
	return cfg, nil
}
