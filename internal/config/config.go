package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "CAMPUS"
	defaultHTTPAddress          = "127.0.0.1:8765"
	defaultBackendDatabasePath  = "campus-backend.db"
	defaultCachePath            = "campus-cache.db"
	defaultLogLevel             = "info"
	defaultTokenTTLMinutes      = 60
	defaultTriggerMode          = "healthy"
	defaultRedirectURL          = "http://127.0.0.1:8765/auth/callback"
	defaultProvisioningDelay    = time.Second
	defaultProvisioningAttempts = 1
	defaultProvisioningInterval = 500 * time.Millisecond
)

// AppConfig captures runtime configuration for the client.
type AppConfig struct {
	LogLevel                 string
	HTTPAddress              string
	AllowedOrigins           []string
	BackendDatabasePath      string
	SigningSecret            string
	TokenTTL                 time.Duration
	RequireEmailConfirmation bool
	TriggerMode              string
	CachePath                string
	RedirectURL              string
	ProvisioningDelay        time.Duration
	ProvisioningAttempts     int
	ProvisioningInterval     time.Duration
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

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("backend.database_path", defaultBackendDatabasePath)
	configViper.SetDefault("backend.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("backend.require_email_confirmation", false)
	configViper.SetDefault("backend.trigger_mode", defaultTriggerMode)
	configViper.SetDefault("cache.path", defaultCachePath)
	configViper.SetDefault("auth.redirect_url", defaultRedirectURL)
	configViper.SetDefault("auth.provisioning_delay", defaultProvisioningDelay)
	configViper.SetDefault("auth.provisioning_attempts", defaultProvisioningAttempts)
	configViper.SetDefault("auth.provisioning_interval", defaultProvisioningInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		LogLevel:                 configViper.GetString("log.level"),
		HTTPAddress:              strings.TrimSpace(configViper.GetString("http.address")),
		AllowedOrigins:           parseOrigins(configViper.GetStringSlice("http.allowed_origins")),
		BackendDatabasePath:      configViper.GetString("backend.database_path"),
		SigningSecret:            configViper.GetString("backend.signing_secret"),
		TokenTTL:                 time.Duration(configViper.GetInt("backend.token_ttl_minutes")) * time.Minute,
		RequireEmailConfirmation: configViper.GetBool("backend.require_email_confirmation"),
		TriggerMode:              strings.ToLower(strings.TrimSpace(configViper.GetString("backend.trigger_mode"))),
		CachePath:                configViper.GetString("cache.path"),
		RedirectURL:              strings.TrimSpace(configViper.GetString("auth.redirect_url")),
		ProvisioningDelay:        configViper.GetDuration("auth.provisioning_delay"),
		ProvisioningAttempts:     configViper.GetInt("auth.provisioning_attempts"),
		ProvisioningInterval:     configViper.GetDuration("auth.provisioning_interval"),
	}

	if len(cfg.AllowedOrigins) == 0 && cfg.HTTPAddress != "" {
		cfg.AllowedOrigins = []string{"http://" + cfg.HTTPAddress}
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// parseOrigins accepts both list values and comma-separated environment strings.
func parseOrigins(values []string) []string {
	var origins []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			origin := strings.TrimRight(strings.TrimSpace(part), "/")
			if origin != "" {
				origins = append(origins, origin)
			}
		}
	}
	return origins
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("backend.signing_secret is required")
	}
	if strings.TrimSpace(c.BackendDatabasePath) == "" {
		return fmt.Errorf("backend.database_path is required")
	}
	if strings.TrimSpace(c.CachePath) == "" {
		return fmt.Errorf("cache.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("backend.token_ttl_minutes must be positive")
	}
	switch c.TriggerMode {
	case "healthy", "silent", "reject_metadata":
	default:
		return fmt.Errorf("backend.trigger_mode %q is not supported", c.TriggerMode)
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	for _, origin := range c.AllowedOrigins {
		parsed, err := url.Parse(origin)
		if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return fmt.Errorf("http.allowed_origins entry %q must be an http(s) origin", origin)
		}
	}
	if c.RedirectURL != "" {
		if _, err := url.Parse(c.RedirectURL); err != nil {
			return fmt.Errorf("auth.redirect_url is invalid: %w", err)
		}
	}
	if c.ProvisioningDelay < 0 {
		return fmt.Errorf("auth.provisioning_delay must not be negative")
	}
	if c.ProvisioningAttempts < 1 {
		return fmt.Errorf("auth.provisioning_attempts must be at least 1")
	}
	return nil
}
