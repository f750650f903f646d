package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"sessionchat/internal/constants"
	"sessionchat/internal/models"
	"sessionchat/internal/security"
	"sessionchat/internal/validation"
)

var (
	ErrMissingGatewayURL = models.ConfigError{Message: "missing gateway URL"}
	ErrMissingSessionID  = models.ConfigError{Message: "missing identity session id"}
	ErrMissingDBPath     = models.ConfigError{Message: "missing database path"}
)

// LoadConfig reads a JSON or TOML file, chosen by extension, applies
// environment overrides and defaults, and validates the result.
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(file), &config); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		if err := json.Unmarshal(file, &config); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	}

	applyEnvironmentOverrides(&config)
	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}
	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func applyDefaults(c *models.Config) {
	if c.Database.Driver == "" {
		c.Database.Driver = constants.DefaultStoreDriver
	}
	if c.Identity.KeyPath == "" {
		c.Identity.KeyPath = "identity.pem"
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = constants.DefaultRetentionDays
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.CleanupIntervalHours <= 0 {
		c.Server.CleanupIntervalHours = constants.DefaultCleanupIntervalHours
	}
	if c.Notifier.TimeoutSec <= 0 {
		c.Notifier.TimeoutSec = constants.DefaultNotifierTimeoutSec
	}
	if c.Gateway.DialTimeoutSec <= 0 {
		c.Gateway.DialTimeoutSec = int(constants.DefaultGatewayDialTimeout.Seconds())
	}
	if c.Gateway.BreakerFailures <= 0 {
		c.Gateway.BreakerFailures = constants.DefaultGatewayBreakerFailures
	}
	if c.Gateway.BreakerTimeoutSec <= 0 {
		c.Gateway.BreakerTimeoutSec = int(constants.DefaultGatewayBreakerTimeout.Seconds())
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "sessionchat"
	}
}

func validate(c *models.Config) error {
	if c.Gateway.URL == "" {
		return ErrMissingGatewayURL
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return models.ConfigError{Message: fmt.Sprintf("gateway URL must be a ws:// or wss:// URL: %s", c.Gateway.URL)}
	}

	if c.Identity.SessionID == "" {
		return ErrMissingSessionID
	}
	if _, err := hex.DecodeString(c.Identity.SessionID); err != nil {
		return models.ConfigError{Message: "identity session id must be hex encoded"}
	}
	if err := security.ValidateKeyFilePath(c.Identity.KeyPath); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid identity key path: %v", err)}
	}

	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	switch c.Database.Driver {
	case "sqlite", "bolt":
	default:
		return models.ConfigError{Message: fmt.Sprintf("unknown database driver: %s", c.Database.Driver)}
	}

	if err := validation.ValidateRetentionDays(c.RetentionDays); err != nil {
		return models.ConfigError{Message: err.Error()}
	}
	if err := validation.ValidateStringLength(c.Identity.DisplayName, "display name", 0, constants.MaxDisplayNameLength); err != nil {
		return models.ConfigError{Message: err.Error()}
	}

	if c.Delivery.RetryJitter < 0 || c.Delivery.RetryJitter >= 1 {
		return models.ConfigError{Message: "delivery retry jitter must be in [0, 1)"}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: "tracing sample rate must be in [0, 1]"}
	}
	if c.Server.Port > 65535 {
		return models.ConfigError{Message: fmt.Sprintf("invalid server port: %d", c.Server.Port)}
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if u := os.Getenv("SESSIONCHAT_GATEWAY_URL"); u != "" {
		c.Gateway.URL = u
	}
	// SECURITY: gateway tokens should be set via environment variables
	if token := os.Getenv("SESSIONCHAT_GATEWAY_TOKEN"); token != "" {
		c.Gateway.AuthToken = token
	}
	if token := os.Getenv("SESSIONCHAT_API_TOKEN"); token != "" {
		c.Server.APIToken = token
	}
	if path := os.Getenv("SESSIONCHAT_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if name := os.Getenv("SESSIONCHAT_DISPLAY_NAME"); name != "" {
		c.Identity.DisplayName = name
	}
	if level := os.Getenv("SESSIONCHAT_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	if os.Getenv("SESSIONCHAT_ENV") != "production" {
		if strings.HasPrefix(c.Gateway.URL, "ws://") {
			fmt.Fprintf(os.Stderr, "WARNING: gateway connection is not encrypted in transit. Use a wss:// URL outside development.\n")
		}
		return nil
	}

	if !strings.HasPrefix(c.Gateway.URL, "wss://") {
		return models.ConfigError{Message: "gateway URL must use wss:// in production"}
	}
	if c.Server.APIToken == "" {
		return models.ConfigError{Message: "control API token is required in production (set SESSIONCHAT_API_TOKEN)"}
	}
	if c.LogLevel == "debug" {
		return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
	}
	if c.Database.Encrypt && os.Getenv("SESSIONCHAT_ENCRYPTION_SECRET") == "" {
		return models.ConfigError{Message: "database encryption requires SESSIONCHAT_ENCRYPTION_SECRET in production"}
	}
	return nil
}
