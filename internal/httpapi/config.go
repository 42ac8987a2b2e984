package httpapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr       = ":9090"
	defaultAllowedOrigin    = "http://localhost:8000"
	defaultSessionCookie    = "metering_session"
	defaultRequestTimeout   = 3 * time.Second
	defaultTranslationCost  = int64(1)
	sessionCookieMaxAge     = 180 * 24 * 60 * 60
	webhookKeyHeader        = "X-Webhook-Key"
	contextKeySessionID     = "session_id"
	sourcePurchase          = "purchase"
	sourceTranslation       = "translation"
	sourceTranslationRefund = "translation_refund"
)

// Config aggregates runtime settings for the HTTP surface.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionCookieName string
	RequestTimeout    time.Duration
	WebhookSecret     string
	TranslationCost   int64
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.TranslationCost <= 0 {
		cfg.TranslationCost = defaultTranslationCost
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("listen addr is required")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return fmt.Errorf("webhook secret is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
