package gateapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr     = ":9090"
	defaultGateAddr       = "localhost:7100"
	defaultGateTimeout    = 3 * time.Second
	defaultAllowedOrigin  = "http://localhost:8000"
	defaultSessionIssuer  = "tauth"
	defaultSessionCookie  = "app_session"
	defaultSubscriberRole = "subscriber"
	defaultRankLimit      = 20
	maxRankLimit          = 200
)

// Config aggregates runtime settings for the HTTP façade.
type Config struct {
	ListenAddr        string
	GateAddress       string
	GateInsecure      bool
	GateTimeout       time.Duration
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	SubscriberRole    string
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.GateAddress = defaultIfEmpty(cfg.GateAddress, defaultGateAddr)
	if cfg.GateTimeout <= 0 {
		cfg.GateTimeout = defaultGateTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.SubscriberRole = defaultIfEmpty(cfg.SubscriberRole, defaultSubscriberRole)
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
