package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeReportRunner runs the report worker pool.
	ServiceModeReportRunner ServiceMode = "report-runner"
	// ServiceModeSweeper redispatches stranded queued jobs and fails interrupted running jobs.
	ServiceModeSweeper ServiceMode = "sweeper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeReportRunner,
		ServiceModeSweeper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for part := range strings.SplitSeq(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeReportRunner, ServiceModeSweeper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, report-runner, sweeper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// ReportRunnerConfig contains report worker pool configuration.
type ReportRunnerConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"REPORT_RUNNER_CONCURRENCY" envDefault:"4"`

	// QueueSize bounds how many dispatched job ids may wait for a worker.
	QueueSize int `env:"REPORT_RUNNER_QUEUE_SIZE" envDefault:"256"`

	// Queue selects the dispatch queue backend.
	Queue QueueBackend `env:"REPORT_RUNNER_QUEUE" envDefault:"memory"`

	// QueueKey is the Redis list key used when Queue=redis.
	QueueKey string `env:"REPORT_RUNNER_QUEUE_KEY" envDefault:"{reports}:queue"`

	// JobTimeout bounds total wall-clock time for one report build.
	JobTimeout time.Duration `env:"REPORT_RUNNER_JOB_TIMEOUT" envDefault:"2m"`
}

// Sanitize applies guardrails to report runner configuration values.
func (r *ReportRunnerConfig) Sanitize() {
	if r.Concurrency < 1 {
		r.Concurrency = 1
	}
	if r.Concurrency > 256 {
		r.Concurrency = 256
	}
	if r.QueueSize < 1 {
		r.QueueSize = 1
	}
	if r.JobTimeout < 5*time.Second {
		r.JobTimeout = 5 * time.Second
	}
	r.Queue = QueueBackend(strings.ToLower(strings.TrimSpace(string(r.Queue))))
	if r.Queue != QueueBackendRedis {
		r.Queue = QueueBackendMemory
	}
	if strings.TrimSpace(r.QueueKey) == "" {
		r.QueueKey = "{reports}:queue"
	}
}

// SweeperConfig contains sweeper service configuration.
type SweeperConfig struct {
	// Interval is the sweeper tick interval.
	Interval time.Duration `env:"SWEEPER_INTERVAL" envDefault:"30s"`

	// QueuedRedispatchAge is how long a job may sit in queued before it is offered to the queue again.
	QueuedRedispatchAge time.Duration `env:"SWEEPER_QUEUED_REDISPATCH_AGE" envDefault:"2m"`

	// RunningMaxAge is how long a job may stay running before it is failed as interrupted.
	RunningMaxAge time.Duration `env:"SWEEPER_RUNNING_MAX_AGE" envDefault:"10m"`

	// BatchSize is the maximum number of jobs to examine per step.
	BatchSize int `env:"SWEEPER_BATCH_SIZE" envDefault:"100"`
}

// Sanitize applies guardrails to sweeper configuration values.
func (s *SweeperConfig) Sanitize() {
	if s.Interval < time.Second {
		s.Interval = time.Second
	}
	if s.QueuedRedispatchAge < 10*time.Second {
		s.QueuedRedispatchAge = 10 * time.Second
	}
	if s.RunningMaxAge < time.Minute {
		s.RunningMaxAge = time.Minute
	}
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.BatchSize > 10000 {
		s.BatchSize = 10000
	}
}
