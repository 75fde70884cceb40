// Package client implements the authenticated HTTP client for the remote
// metering API: instrument discovery and telemetry retrieval.
//
// The telemetry endpoints use a protocol quirk that must be honored exactly:
// the instrument id list travels as a JSON array in the body of a GET
// request, with the time window in query parameters. net/http sends GET
// bodies as written, so no special casing is needed beyond building the
// request with one.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Carmigna/npg-substation360-pipeline/errors"
	"github.com/Carmigna/npg-substation360-pipeline/metric"
	"github.com/Carmigna/npg-substation360-pipeline/pkg/timestamp"
	"github.com/Carmigna/npg-substation360-pipeline/pkg/tlsutil"
)

// maxErrorBody caps how much of an error response is kept for diagnostics
const maxErrorBody = 8 << 10

// TokenSource supplies and invalidates bearer tokens. *auth.Manager
// implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(stale string)
}

// Config holds the telemetry client configuration
type Config struct {
	BaseURL string

	// Timeout bounds every outbound call
	Timeout time.Duration

	// RateLimit caps outbound requests per second (0 = unlimited)
	RateLimit float64

	TLS tlsutil.Config
}

// Client issues authenticated calls against the remote metering API
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    *metric.Metrics
}

// New creates a telemetry client. metrics may be nil.
func New(cfg Config, tokens TokenSource, logger *slog.Logger, metrics *metric.Metrics) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "New", "base url required")
	}
	if tokens == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "New", "token source required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	if tlsConfig != nil {
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
		limiter:    limiter,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// ListInstruments returns the full accessible instrument set
func (c *Client) ListInstruments(ctx context.Context) ([]Instrument, error) {
	raw, err := c.doJSON(ctx, "instrument", c.baseURL+"/instrument", nil, "")
	if err != nil {
		return nil, err
	}

	rows := asList(raw)
	instruments := make([]Instrument, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		record, ok := row.(map[string]any)
		if !ok {
			skipped++
			continue
		}
		inst, ok := parseInstrument(record)
		if !ok {
			skipped++
			continue
		}
		instruments = append(instruments, inst)
	}

	if skipped > 0 {
		c.logger.Warn("skipped instrument records without usable id", "skipped", skipped)
	}
	return instruments, nil
}

// FetchTelemetry retrieves telemetry rows for the given endpoint (e.g.
// "voltage/mean/30min") and window. The caller is responsible for windowing;
// the remote service enforces its own 30-day lookback limit and violations
// surface as RemoteAPIError.
func (c *Client) FetchTelemetry(
	ctx context.Context,
	endpoint string,
	from, to time.Time,
	instrumentIDs []int64,
) ([]map[string]any, error) {
	if endpoint == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "FetchTelemetry",
			"endpoint required")
	}
	if !to.After(from) {
		return nil, errors.WrapInvalid(errors.ErrEmptyWindow, "Client", "FetchTelemetry",
			fmt.Sprintf("window [%s, %s)", timestamp.FormatISO(from), timestamp.FormatISO(to)))
	}

	body, err := json.Marshal(instrumentIDs)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "FetchTelemetry", "encode instrument ids")
	}

	reqURL := fmt.Sprintf("%s/%s?from=%s&to=%s",
		c.baseURL,
		strings.Trim(endpoint, "/"),
		timestamp.FormatISO(from),
		timestamp.FormatISO(to),
	)

	raw, err := c.doJSON(ctx, endpoint, reqURL, body, "application/json")
	if err != nil {
		return nil, err
	}

	rows := asList(raw)
	payloads := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if record, ok := row.(map[string]any); ok {
			payloads = append(payloads, record)
		}
	}
	return payloads, nil
}

// doJSON executes an authorized GET and decodes the JSON response.
// On a 401 it invalidates the token, refreshes, and replays the request
// exactly once; a second 401 surfaces as AuthError.
func (c *Client) doJSON(ctx context.Context, endpoint, url string, body []byte, contentType string) (any, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.WrapTransport(err, "Client", "doJSON", "await rate limit")
		}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.execute(ctx, url, body, contentType, token)
	if err != nil {
		c.observe(endpoint, "transport", start)
		return nil, errors.WrapTransport(err, "Client", "doJSON", "execute request")
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		c.logger.Info("token rejected, refreshing once", "endpoint", endpoint)
		c.tokens.Invalidate(token)

		token, err = c.tokens.Token(ctx)
		if err != nil {
			c.observe(endpoint, "auth", start)
			return nil, err
		}

		resp, err = c.execute(ctx, url, body, contentType, token)
		if err != nil {
			c.observe(endpoint, "transport", start)
			return nil, errors.WrapTransport(err, "Client", "doJSON", "execute retried request")
		}
		if resp.StatusCode == http.StatusUnauthorized {
			diagnostic := readErrorBody(resp)
			c.observe(endpoint, "auth", start)
			return nil, errors.AuthStatus("Client", "doJSON", http.StatusUnauthorized, diagnostic)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		diagnostic, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.observe(endpoint, statusClass(resp.StatusCode), start)
		return nil, errors.RemoteAPI("Client", "doJSON", resp.StatusCode, string(diagnostic))
	}

	var decoded any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		c.observe(endpoint, "decode", start)
		return nil, errors.WrapInvalid(err, "Client", "doJSON", "decode response")
	}

	c.observe(endpoint, "2xx", start)
	return decoded, nil
}

func (c *Client) execute(ctx context.Context, url string, body []byte, contentType, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return c.httpClient.Do(req)
}

func (c *Client) observe(endpoint, status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.APIRequests.WithLabelValues(endpoint, status).Inc()
	c.metrics.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck
	resp.Body.Close()
}

func readErrorBody(resp *http.Response) string {
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return string(b)
}

// asList normalizes vendor responses to a list: some tenants return bare
// arrays, others wrap them in an envelope object.
func asList(raw any) []any {
	switch v := raw.(type) {
	case nil:
		return nil
	case []any:
		return v
	case map[string]any:
		for _, key := range []string{"items", "data", "results", "instruments", "values", "series"} {
			if list, ok := v[key].([]any); ok {
				return list
			}
		}
		return []any{v}
	default:
		return []any{v}
	}
}
