package config

import "strings"

// StoreBackend names a job/report persistence backend.
type StoreBackend string

const (
	// StoreBackendMemory keeps jobs and reports in process memory (dev/tests).
	StoreBackendMemory StoreBackend = "memory"
	// StoreBackendPostgres persists jobs and reports in PostgreSQL.
	StoreBackendPostgres StoreBackend = "postgres"
	// StoreBackendRedis persists jobs and reports as Redis values.
	StoreBackendRedis StoreBackend = "redis"
)

// QueueBackend names a job dispatch queue implementation.
type QueueBackend string

const (
	// QueueBackendMemory is a bounded in-process channel.
	QueueBackendMemory QueueBackend = "memory"
	// QueueBackendRedis is a length-capped Redis list shared across processes.
	QueueBackendRedis QueueBackend = "redis"
)

// StoreConfig selects where jobs, reports and idempotency keys live.
type StoreConfig struct {
	Backend StoreBackend `env:"STORE_BACKEND" envDefault:"postgres"`

	// RedisPrefix namespaces Redis keys. The braces form a cluster hash tag so
	// every key used by one atomic script lands in the same slot.
	RedisPrefix string `env:"STORE_REDIS_PREFIX" envDefault:"{reports}:"`
}

// Sanitize normalises the backend name and falls back to memory on unknown values.
func (s *StoreConfig) Sanitize() {
	s.Backend = StoreBackend(strings.ToLower(strings.TrimSpace(string(s.Backend))))
	switch s.Backend {
	case StoreBackendMemory, StoreBackendPostgres, StoreBackendRedis:
	default:
		s.Backend = StoreBackendMemory
	}
	if strings.TrimSpace(s.RedisPrefix) == "" {
		s.RedisPrefix = "{reports}:"
	}
}
