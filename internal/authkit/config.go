package authkit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Default token lifetimes applied when ServerConfig leaves them unset.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

var (
	errMissingSigningKey = errors.New("server_config.missing_signing_key")
	errMissingIssuer     = errors.New("server_config.missing_issuer")
)

// ServerConfig configures token issuance.
type ServerConfig struct {
	SigningKey []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Normalize validates the configuration and fills defaults.
func (configuration ServerConfig) Normalize() (ServerConfig, error) {
	if len(configuration.SigningKey) == 0 {
		return ServerConfig{}, fmt.Errorf("server_config.normalize: %w", errMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return ServerConfig{}, fmt.Errorf("server_config.normalize: %w", errMissingIssuer)
	}
	if configuration.AccessTTL <= 0 {
		configuration.AccessTTL = DefaultAccessTTL
	}
	if configuration.RefreshTTL <= 0 {
		configuration.RefreshTTL = DefaultRefreshTTL
	}
	if configuration.Now == nil {
		configuration.Now = time.Now
	}
	return configuration, nil
}

func (configuration ServerConfig) now() time.Time {
	if configuration.Now == nil {
		return time.Now().UTC()
	}
	return configuration.Now().UTC()
}
