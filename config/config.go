package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Postgres and Redis connection configuration
//   - http.go: HTTP server configuration
//   - webhook.go: payment webhook verification
//   - store.go: job/report store and queue backend selection
//   - providers.go: external data provider endpoints and credentials
//   - services.go: service modes, report runner and sweeper configuration
//   - observability.go: metrics and failure notifications
type AppConfig struct {
	// IsDev controls development mode behavior.
	// Set DEV=true or NODE_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// HTTP server configuration
	HTTP HTTPConfig

	// Webhook configures signature verification for payment webhooks.
	Webhook WebhookConfig

	// Store selects the job/report persistence backend.
	Store StoreConfig

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"http,report-runner,sweeper"`

	// ReportRunner configures the bounded worker pool that executes report jobs.
	ReportRunner ReportRunnerConfig

	// Sweeper configures redispatch of stranded jobs.
	Sweeper SweeperConfig

	// Providers configures the external data provider adapters.
	Providers ProvidersConfig

	// PolicyFile optionally points at a YAML file overriding stage placeholder values.
	PolicyFile string `env:"REPORT_POLICY_FILE"`

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.HTTP.Sanitize()
	c.Webhook.Sanitize()
	c.Store.Sanitize()
	c.ReportRunner.Sanitize()
	c.Sweeper.Sanitize()
	c.Providers.Sanitize()
	c.Observability.Sanitize()
	c.PolicyFile = strings.TrimSpace(c.PolicyFile)

	// A running job must be allowed to hit its own timeout before the sweeper
	// declares it interrupted.
	if minAge := c.ReportRunner.JobTimeout + c.ReportRunner.JobTimeout/2; c.Sweeper.RunningMaxAge < minAge {
		c.Sweeper.RunningMaxAge = minAge
	}

	c.detectDevMode()
}

// detectDevMode checks both DEV and NODE_ENV environment variables.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		nodeEnv := strings.ToLower(os.Getenv("NODE_ENV"))
		c.IsDev = nodeEnv == "development" || nodeEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

func (c *AppConfig) serviceEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	return c.serviceEnabled(ServiceModeHTTP)
}

// IsReportRunnerEnabled returns true if the report runner worker pool is enabled.
func (c *AppConfig) IsReportRunnerEnabled() bool {
	return c.serviceEnabled(ServiceModeReportRunner)
}

// IsSweeperEnabled returns true if the sweeper service is enabled.
func (c *AppConfig) IsSweeperEnabled() bool {
	return c.serviceEnabled(ServiceModeSweeper)
}

// NeedsPostgres reports whether any configured backend requires a Postgres connection.
func (c *AppConfig) NeedsPostgres() bool {
	return c.Store.Backend == StoreBackendPostgres
}

// NeedsRedis reports whether any configured backend requires a Redis connection.
func (c *AppConfig) NeedsRedis() bool {
	return c.Store.Backend == StoreBackendRedis || c.ReportRunner.Queue == QueueBackendRedis
}
