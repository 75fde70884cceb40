// Package auth owns the bearer token lifecycle for the remote metering API.
//
// The token is process-scoped mutable state: one refresh in flight at a
// time, concurrent callers join the in-progress refresh instead of
// triggering their own. Tokens are never persisted.
package auth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Carmigna/npg-substation360-pipeline/errors"
	"github.com/Carmigna/npg-substation360-pipeline/metric"
)

// maxErrorBody caps how much of a rejection body is kept for diagnostics
const maxErrorBody = 4 << 10

// Config holds the token manager configuration
type Config struct {
	AuthURL  string
	Username string
	Password string

	// Lease estimates token lifetime when the auth response carries none.
	// The manager refreshes proactively once 90% of the lease has elapsed.
	Lease time.Duration

	Timeout time.Duration
}

// Manager owns the bearer token and its expiry
type Manager struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metric.Metrics

	group singleflight.Group

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewManager creates a token manager. The http.Client carries the TLS
// configuration selected by the caller; metrics may be nil.
func NewManager(cfg Config, httpClient *http.Client, logger *slog.Logger, metrics *metric.Metrics) *Manager {
	if cfg.Lease <= 0 {
		cfg.Lease = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		metrics:    metrics,
	}
}

// Token returns a valid bearer token, refreshing if the cached one is absent
// or inside the final 10% of its lease. Callers racing an expired token all
// join the single refresh the first one starts.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if token, ok := m.cached(); ok {
		return token, nil
	}

	v, err, _ := m.group.Do("token", func() (any, error) {
		// a caller that finished refreshing while we queued already
		// populated the cache
		if token, ok := m.cached(); ok {
			return token, nil
		}

		token, expires, err := m.refresh(ctx)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.token = token
		m.expires = expires
		m.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) cached() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token != "" && time.Now().Before(m.expires) {
		return m.token, true
	}
	return "", false
}

// Invalidate drops the cached token, but only if it still equals stale.
// The client calls this on a 401 before retrying; the guard keeps a caller
// holding an old token from discarding a newer one another caller already
// refreshed.
func (m *Manager) Invalidate(stale string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == stale {
		m.token = ""
		m.expires = time.Time{}
	}
}

// tokenResponse is the auth endpoint's response shape. Lease fields vary by
// deployment; expires_in (seconds) is honored when present.
type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// refresh performs the synchronous authentication exchange and returns the
// new token with its proactive-refresh deadline
func (m *Manager) refresh(ctx context.Context) (string, time.Time, error) {
	form := url.Values{
		"grant_type": {"password"},
		"clienttype": {"user"},
		"username":   {m.cfg.Username},
		"password":   {m.cfg.Password},
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.AuthURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, errors.WrapInvalid(err, "Manager", "refresh", "build auth request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.countRefreshError()
		return "", time.Time{}, errors.WrapAuth(err, "Manager", "refresh", "call auth endpoint")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		m.countRefreshError()
		return "", time.Time{}, errors.WrapAuth(err, "Manager", "refresh", "read auth response")
	}

	if resp.StatusCode != http.StatusOK {
		m.countRefreshError()
		return "", time.Time{}, errors.AuthStatus("Manager", "refresh", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		m.countRefreshError()
		return "", time.Time{}, errors.WrapAuth(err, "Manager", "refresh", "decode auth response")
	}
	if tr.Token == "" {
		m.countRefreshError()
		return "", time.Time{}, errors.WrapAuth(errors.ErrTokenMissing, "Manager", "refresh", "extract token")
	}

	lease := m.cfg.Lease
	if tr.ExpiresIn > 0 {
		lease = time.Duration(tr.ExpiresIn) * time.Second
	}

	if m.metrics != nil {
		m.metrics.TokenRefreshes.Inc()
	}
	m.logger.Info("obtained bearer token", "lease", lease.String())

	// refresh proactively before the last 10% of the lease
	return tr.Token, time.Now().Add(lease * 9 / 10), nil
}

func (m *Manager) countRefreshError() {
	if m.metrics != nil {
		m.metrics.TokenRefreshErrors.Inc()
	}
}
