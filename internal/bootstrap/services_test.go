package bootstrap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-report-api/config"
	"github.com/target/mmk-report-api/internal/adapters/queue"
	"github.com/target/mmk-report-api/internal/data"
)

func testAppConfig(services string) *config.AppConfig {
	cfg := &config.AppConfig{Services: services}
	cfg.Store.Backend = config.StoreBackendMemory
	cfg.ReportRunner.Queue = config.QueueBackendMemory
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Sanitize()
	return cfg
}

func TestErrorChannelCapacity(t *testing.T) {
	tests := []struct {
		name  string
		modes []config.ServiceMode
		want  int
	}{
		{name: "no services enabled", want: 0},
		{name: "http only", modes: []config.ServiceMode{config.ServiceModeHTTP}, want: 1},
		{name: "all services enabled", modes: config.ValidServiceModes(), want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled := make(map[config.ServiceMode]bool, len(tt.modes))
			for _, mode := range tt.modes {
				enabled[mode] = true
			}
			assert.Equal(t, tt.want, errorChannelCapacity(enabled))
			assert.Equal(t, tt.want+1, errorChannelBufferSize(enabled))
		})
	}
}

func TestValidateServiceConfig(t *testing.T) {
	require.NoError(t, ValidateServiceConfig(testAppConfig("http,report-runner,sweeper")))

	err := ValidateServiceConfig(testAppConfig("http"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory queue")

	redisQueue := testAppConfig("http")
	redisQueue.ReportRunner.Queue = config.QueueBackendRedis
	require.NoError(t, ValidateServiceConfig(redisQueue))

	require.Error(t, ValidateServiceConfig(nil))
}

func TestGetEnabledServices(t *testing.T) {
	assert.Equal(t, []string{"http", "sweeper"}, GetEnabledServices(testAppConfig("sweeper, http")))
	assert.Empty(t, GetEnabledServices(nil))
}

func TestBuildStore(t *testing.T) {
	cfg := testAppConfig("http,report-runner")

	store, err := BuildStore(StoreDeps{Config: cfg})
	require.NoError(t, err)
	assert.IsType(t, &data.MemoryJobRepo{}, store.Jobs)
	assert.IsType(t, &data.MemoryReportRepo{}, store.Reports)

	cfg.Store.Backend = config.StoreBackendPostgres
	_, err = BuildStore(StoreDeps{Config: cfg})
	require.Error(t, err, "postgres without a connection")

	cfg.Store.Backend = config.StoreBackendRedis
	_, err = BuildStore(StoreDeps{Config: cfg})
	require.Error(t, err, "redis without a client")
}

func TestBuildQueue(t *testing.T) {
	cfg := testAppConfig("http,report-runner")
	cfg.ReportRunner.QueueSize = 2

	q, err := BuildQueue(StoreDeps{Config: cfg})
	require.NoError(t, err)
	mem, ok := q.(*queue.Memory)
	require.True(t, ok)

	ctx := context.Background()
	require.NoError(t, mem.Enqueue(ctx, "a"))
	require.NoError(t, mem.Enqueue(ctx, "b"))
	require.Error(t, mem.Enqueue(ctx, "c"), "queue is bounded by QueueSize")

	cfg.ReportRunner.Queue = config.QueueBackendRedis
	_, err = BuildQueue(StoreDeps{Config: cfg})
	require.Error(t, err)
}

func newTestServices(t *testing.T, cfg *config.AppConfig) ServiceContainer {
	t.Helper()
	deps := StoreDeps{Config: cfg}
	store, err := BuildStore(deps)
	require.NoError(t, err)
	q, err := BuildQueue(deps)
	require.NoError(t, err)

	services, err := NewServices(&ServiceDeps{
		Config: cfg,
		Store:  store,
		Queue:  q,
		Logger: slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	return services
}

func TestNewServices_WebhookVerifierFollowsConfig(t *testing.T) {
	cfg := testAppConfig("http,report-runner")
	assert.False(t, newTestServices(t, cfg).Trigger.Enabled())

	cfg.Webhook.SigningSecret = "whsec_test"
	assert.True(t, newTestServices(t, cfg).Trigger.Enabled())
}

func TestNewServices_BadPolicyFile(t *testing.T) {
	cfg := testAppConfig("http,report-runner")
	cfg.PolicyFile = "/nonexistent/policy.yaml"

	_, err := NewServices(&ServiceDeps{Config: cfg, Store: Store{}, Logger: slog.New(slog.DiscardHandler)})
	require.Error(t, err)
}

func TestStartHTTPServer_ServesHealth(t *testing.T) {
	cfg := testAppConfig("http,report-runner")
	services := newTestServices(t, cfg)

	server, err := StartHTTPServer(&HTTPServerConfig{
		Config:   cfg,
		Services: services,
		Logger:   slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ShutdownHTTPServer(ShutdownConfig{Context: ctx, Server: server})
	})

	resp, err := http.Get("http://" + server.Addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestStartHTTPServer_BadAddress(t *testing.T) {
	cfg := testAppConfig("http,report-runner")
	cfg.HTTP.Addr = "256.0.0.1:bad"
	_, err := StartHTTPServer(&HTTPServerConfig{Config: cfg, Services: newTestServices(t, cfg)})
	require.Error(t, err)
}

func TestWaitForShutdown(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	t.Run("signal cancels and waits for background services", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			<-ctx.Done()
			close(done)
		}()

		sig := make(chan os.Signal, 1)
		sig <- syscall.SIGTERM
		err := waitForShutdown(shutdownConfig{
			cancel:      cancel,
			errCh:       make(chan error),
			logger:      logger,
			backgrounds: []backgroundServiceHandle{{name: "worker", done: done}},
			signals:     sig,
		})
		require.NoError(t, err)
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})

	t.Run("service error is returned", func(t *testing.T) {
		_, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		boom := errors.New("sweeper failed: boom")
		errCh <- boom

		err := waitForShutdown(shutdownConfig{
			cancel:  cancel,
			errCh:   errCh,
			logger:  logger,
			signals: make(chan os.Signal),
		})
		assert.ErrorIs(t, err, boom)
	})
}
