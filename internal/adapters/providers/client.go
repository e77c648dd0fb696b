// Package providers adapts the external data provider HTTP APIs to the core provider ports.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"github.com/target/mmk-report-api/config"
	"github.com/target/mmk-report-api/internal/core"
)

const maxResponseBytes = 4 << 20

var errMissingAPIKey = errors.New("api key is not configured")

// httpProvider is the transport shared by every adapter: one GET per attempt with a
// per-attempt timeout, status classification, and bounded retry of transient failures.
type httpProvider struct {
	name       string
	baseURL    string
	apiKey     string
	timeout    time.Duration
	retryLimit int
	backoff    time.Duration
	client     *http.Client
	logger     *slog.Logger
}

type clientOptions struct {
	Name   string
	Config config.ProviderConfig
	Client *http.Client
	Logger *slog.Logger
}

func newHTTPProvider(opts clientOptions) *httpProvider {
	hc := opts.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Config.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &httpProvider{
		name:       opts.Name,
		baseURL:    strings.TrimRight(opts.Config.BaseURL, "/"),
		apiKey:     opts.Config.APIKey,
		timeout:    timeout,
		retryLimit: max(opts.Config.RetryLimit, 0),
		backoff:    opts.Config.RetryBackoff,
		client:     hc,
		logger:     logger.With("component", "provider", "provider", opts.Name),
	}
}

type request struct {
	path   string
	query  url.Values
	header http.Header
}

type response struct {
	body []byte
	data any
}

func (p *httpProvider) fail(kind core.ProviderErrorKind, status int, err error) *core.ProviderError {
	return &core.ProviderError{Provider: p.name, Kind: kind, StatusCode: status, Err: err}
}

// requireKey reports a missing credential as a misconfiguration at call time.
func (p *httpProvider) requireKey() error {
	if p.apiKey == "" {
		return p.fail(core.ProviderMisconfigured, 0, errMissingAPIKey)
	}
	return nil
}

// get performs req, retrying transient failures with exponential backoff.
func (p *httpProvider) get(ctx context.Context, req request) (*response, error) {
	var lastErr *core.ProviderError
	for attempt := 0; attempt <= p.retryLimit; attempt++ {
		if attempt > 0 {
			delay := p.backoff << (attempt - 1)
			p.logger.DebugContext(ctx, "retrying provider call", "attempt", attempt, "delay", delay, "error", lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, p.fail(core.ProviderTimeout, 0, ctx.Err())
			case <-timer.C:
			}
		}

		resp, err := p.once(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !err.Transient() || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (p *httpProvider) once(ctx context.Context, req request) (*response, *core.ProviderError) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	u := p.baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, u, nil)
	if err != nil {
		return nil, p.fail(core.ProviderMisconfigured, 0, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, vs := range req.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.transportError(attemptCtx, err)
	}
	defer resp.Body.Close()

	if kind, failed := classifyStatus(resp.StatusCode); failed {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, p.fail(kind, resp.StatusCode, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg))))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, p.transportError(attemptCtx, err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, p.fail(core.ProviderNotFound, resp.StatusCode, errors.New("empty response"))
	}

	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, p.fail(core.ProviderInvalidResponse, resp.StatusCode, fmt.Errorf("decode json: %w", err))
	}
	return &response{body: body, data: data}, nil
}

func (p *httpProvider) transportError(ctx context.Context, err error) *core.ProviderError {
	var netErr net.Error
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return p.fail(core.ProviderTimeout, 0, err)
	}
	return p.fail(core.ProviderUpstream, 0, err)
}

// classifyStatus maps an HTTP status to a failure kind. 204 means the provider had nothing.
func classifyStatus(status int) (core.ProviderErrorKind, bool) {
	switch {
	case status == http.StatusNoContent, status == http.StatusNotFound:
		return core.ProviderNotFound, true
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return core.ProviderMisconfigured, true
	case status >= 200 && status < 300:
		return "", false
	default:
		return core.ProviderUpstream, true
	}
}

// search evaluates a JMESPath expression against decoded JSON.
func search(expr string, data any) (any, error) {
	return jmespath.Search(expr, data)
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strings.TrimSpace(fmt.Sprint(t))
	default:
		return ""
	}
}

func asFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func floatPtr(v any) *float64 {
	if f, ok := asFloat(v); ok {
		return &f
	}
	return nil
}
