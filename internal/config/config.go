package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "PARLEY"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "parley.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultIssuer             = "parley"
	defaultTokenTTLMinutes    = 60
	defaultAuditSubject       = "parley.audit"
	defaultSendBuffer         = 64
	defaultPingIntervalSecond = 25
	minimumSecretLength       = 16
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	LogFormat     string
	SigningSecret string
	Issuer        string
	TokenTTL      time.Duration
	CipherSecret  string
	AuditNATSURL  string
	AuditSubject  string
	SendBuffer    int
	PingInterval  time.Duration
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
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("audit.nats_subject", defaultAuditSubject)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
	configViper.SetDefault("realtime.ping_interval_seconds", defaultPingIntervalSecond)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		LogFormat:     configViper.GetString("log.format"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		Issuer:        configViper.GetString("auth.issuer"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		CipherSecret:  configViper.GetString("cipher.secret"),
		AuditNATSURL:  strings.TrimSpace(configViper.GetString("audit.nats_url")),
		AuditSubject:  configViper.GetString("audit.nats_subject"),
		SendBuffer:    configViper.GetInt("realtime.send_buffer"),
		PingInterval:  time.Duration(configViper.GetInt("realtime.ping_interval_seconds")) * time.Second,
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
	if len(strings.TrimSpace(c.CipherSecret)) < minimumSecretLength {
		return fmt.Errorf("cipher.secret must be at least %d characters", minimumSecretLength)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("realtime.ping_interval_seconds must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console")
	}
	return nil
}
