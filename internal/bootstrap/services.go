package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/target/mmk-report-api/config"
	"github.com/target/mmk-report-api/internal/adapters/providers"
	"github.com/target/mmk-report-api/internal/adapters/webhook"
	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/domain/pipeline"
	"github.com/target/mmk-report-api/internal/observability/notify/pagerduty"
	"github.com/target/mmk-report-api/internal/observability/notify/slack"
	"github.com/target/mmk-report-api/internal/observability/statsd"
	"github.com/target/mmk-report-api/internal/service"
	"github.com/target/mmk-report-api/internal/service/failurenotifier"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs          *service.JobService
	Trigger       *service.TriggerService
	Store         Store
	Queue         core.JobQueue
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink     statsd.Sink
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config *config.AppConfig
	Store  Store
	Queue  core.JobQueue
	Logger *slog.Logger
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink statsd.Sink
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  cfg.Metrics.Prefix,
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:     metricsSink,
		MetricsConfig:   cfg.Metrics,
		FailureNotifier: buildFailureNotifier(obsLogger, cfg.Notifications),
		NotifierConfig:  cfg.Notifications,
	}
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{Logger: logger})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:      cfg.Slack.WebhookURL,
			Channel:         cfg.Slack.Channel,
			Username:        cfg.Slack.Username,
			Timeout:         cfg.Timeout,
			RetryLimit:      cfg.RetryLimit,
			StatusURLPrefix: cfg.Slack.StatusURLPrefix,
		})
		if err != nil {
			logger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "slack", Sink: client})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			logger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "pagerduty", Sink: client})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{Logger: logger, Sinks: sinks})
}

// buildAggregator wires the provider adapters and stage policy into the report builder.
func buildAggregator(cfg *config.AppConfig, metrics statsd.Sink, logger *slog.Logger) (*pipeline.Aggregator, error) {
	ports, err := providers.New(providers.Options{Config: cfg.Providers, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("build providers: %w", err)
	}
	policy, err := pipeline.LoadPolicyFile(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	if cfg.PolicyFile != "" {
		logger.Info("loaded report policy overrides", "path", cfg.PolicyFile)
	}
	return pipeline.NewAggregator(pipeline.AggregatorOptions{
		Providers: ports,
		Policy:    &policy,
		Logger:    logger,
		Metrics:   metrics,
	}), nil
}

//nolint:ireturn // nil interface when verification is not configured.
func buildWebhookVerifier(cfg config.WebhookConfig, logger *slog.Logger) (core.WebhookVerifier, error) {
	if !cfg.Enabled() {
		logger.Warn("webhook signing secret not set; payment webhooks will be acknowledged and ignored")
		return nil, nil
	}
	v, err := webhook.NewVerifier(webhook.Options{Secret: cfg.SigningSecret, Tolerance: cfg.Tolerance})
	if err != nil {
		return nil, fmt.Errorf("build webhook verifier: %w", err)
	}
	return v, nil
}

// NewServices wires the orchestrator, trigger adapter and their collaborators.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps with config are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	observability := buildObservability(logger, deps.Config.Observability)

	aggregator, err := buildAggregator(deps.Config, observability.MetricsSink, logger)
	if err != nil {
		return ServiceContainer{}, err
	}

	jobs, err := service.NewJobService(service.JobServiceOptions{
		Jobs:            deps.Store.Jobs,
		Reports:         deps.Store.Reports,
		Queue:           deps.Queue,
		Builder:         aggregator,
		Logger:          logger,
		Metrics:         observability.MetricsSink,
		FailureNotifier: observability.FailureNotifier,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("wire job service: %w", err)
	}

	verifier, err := buildWebhookVerifier(deps.Config.Webhook, logger)
	if err != nil {
		return ServiceContainer{}, err
	}
	trigger, err := service.NewTriggerService(service.TriggerServiceOptions{
		Jobs:     jobs,
		Verifier: verifier,
		Logger:   logger,
		Metrics:  observability.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("wire trigger service: %w", err)
	}

	return ServiceContainer{
		Jobs:          jobs,
		Trigger:       trigger,
		Store:         deps.Store,
		Queue:         deps.Queue,
		Observability: observability,
	}, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// startHTTPServerIfEnabled starts the HTTP server if enabled.
func startHTTPServerIfEnabled(deps *serviceStartupDeps) (*http.Server, error) {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil, nil
	}
	return StartHTTPServer(&HTTPServerConfig{
		Config:   deps.cfg.Config,
		Services: deps.cfg.Services,
		Logger:   deps.logger,
		ErrCh:    deps.errCh,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name,
					"error", errMsg,
				)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}
		handles = append(handles, backgroundServiceHandle{mode: svc.mode, name: svc.name, done: done})
	}

	return handles
}

func newReportRunnerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReportRunner,
		name: "report runner",
		start: func(ctx context.Context) error {
			rc := deps.cfg.Config.ReportRunner
			return RunReportRunner(ctx, ReportRunnerConfig{
				Queue:       deps.cfg.Services.Queue,
				Jobs:        deps.cfg.Services.Jobs,
				Logger:      deps.logger,
				Concurrency: rc.Concurrency,
				JobTimeout:  rc.JobTimeout,
				Metrics:     deps.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

func newSweeperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeSweeper,
		name: "sweeper",
		start: func(ctx context.Context) error {
			return RunSweeper(ctx, SweeperConfig{
				Repo:    deps.cfg.Services.Store.Jobs,
				Jobs:    deps.cfg.Services.Jobs,
				Logger:  deps.logger,
				Config:  deps.cfg.Config.Sweeper,
				Metrics: deps.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newReportRunnerBackgroundService(deps),
		newSweeperBackgroundService(deps),
	}
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// It blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	}
	server, err := startHTTPServerIfEnabled(deps)
	if err != nil {
		return err
	}
	result := ServiceStartupResult{
		HTTPServer: server,
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}

	return waitForShutdown(shutdownConfig{
		cancel:      cancel,
		errCh:       errCh,
		httpServer:  result.HTTPServer,
		logger:      logger,
		backgrounds: result.Background,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	return errorChannelCapacity(enabled) + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	cancel      context.CancelFunc
	errCh       <-chan error
	httpServer  *http.Server
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
	signals     <-chan os.Signal
}

// waitForShutdown waits for a shutdown signal or a service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := cfg.signals
	if quit == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		quit = ch
	}

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop stops intake first, then lets background workers drain.
func gracefulStop(cfg shutdownConfig) error {
	var httpErr error
	if cfg.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
		defer cancel()
		httpErr = ShutdownHTTPServer(ShutdownConfig{
			Context: shutdownCtx,
			Server:  cfg.httpServer,
			Logger:  cfg.logger,
		})
	}

	cfg.cancel()
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	return httpErr
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	timer := time.NewTimer(shutdownWaitTimeout)
	defer timer.Stop()
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-timer.C:
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
