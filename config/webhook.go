package config

import (
	"strings"
	"time"
)

// WebhookConfig configures verification of payment provider webhooks.
// Without a signing secret webhooks are acknowledged and ignored.
type WebhookConfig struct {
	SigningSecret string        `env:"WEBHOOK_SIGNING_SECRET"`
	Tolerance     time.Duration `env:"WEBHOOK_TOLERANCE"      envDefault:"5m"`
}

// Sanitize trims the secret and bounds the timestamp tolerance.
func (w *WebhookConfig) Sanitize() {
	w.SigningSecret = strings.TrimSpace(w.SigningSecret)
	if w.Tolerance <= 0 {
		w.Tolerance = 5 * time.Minute
	}
}

// Enabled reports whether a signing secret is configured.
func (w *WebhookConfig) Enabled() bool {
	return w.SigningSecret != ""
}
