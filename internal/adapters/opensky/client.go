package opensky

// client.go: adapter de ports.PositionSource sobre la REST API de OpenSky.
//
// Un FetchStates es un único GET /states/all. El ritmo de verdad lo pone el
// ratelimit.Limiter del motor; aquí solo hay un token bucket contra ráfagas
// y un circuit breaker para no insistir contra un upstream caído.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/alejandrodnm/skysync/internal/domain"
	"github.com/alejandrodnm/skysync/internal/metrics"
)

const (
	defaultBaseURL = "https://opensky-network.org/api"
	statesPath     = "/states/all"

	burstPerSec = 4
	burstSize   = 2

	defaultTimeout         = 15 * time.Second
	defaultBreakerTimeout  = time.Minute
	defaultBreakerFailures = 5
)

// Config contiene la configuración del cliente.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string // vacío = modo anónimo
	ClientSecret string
	Timeout      time.Duration
	// BurstPerSec limita las ráfagas de requests salientes (0 = default).
	BurstPerSec float64
	// BreakerFailures es el número de fallos seguidos que abre el circuito.
	BreakerFailures uint32
	// BreakerTimeout es lo que el circuito permanece abierto.
	BreakerTimeout time.Duration
}

// Client es el HTTP client de OpenSky con auth opcional, burst limiter y
// circuit breaker. Seguro para uso concurrente.
type Client struct {
	http    *http.Client
	base    string
	auth    *tokenSource
	burst   *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]domain.StateVector]
	timeout time.Duration
	metrics *metrics.Metrics
}

// NewClient crea un Client. Si cfg.ClientID está vacío el cliente es anónimo.
// m puede ser nil.
func NewClient(cfg Config, m *metrics.Metrics) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.BurstPerSec <= 0 {
		cfg.BurstPerSec = burstPerSec
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaultBreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaultBreakerTimeout
	}

	hc := &http.Client{Timeout: cfg.Timeout}
	c := &Client{
		http:    hc,
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		burst:   rate.NewLimiter(rate.Limit(cfg.BurstPerSec), burstSize),
		timeout: cfg.BreakerTimeout,
		metrics: m,
	}
	if cfg.ClientID != "" {
		c.auth = newTokenSource(cfg.ClientID, cfg.ClientSecret, cfg.TokenURL, hc)
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]domain.StateVector](gobreaker.Settings{
		Name:        "opensky",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Solo la indisponibilidad abre el circuito: un 429 o un id malo no.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				(domain.KindOf(err) != domain.KindUpstreamUnavailable && !errors.Is(err, context.DeadlineExceeded))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			m.SetBreakerState(breakerGauge(to))
		},
	})
	return c
}

// Authenticated indica si el cliente usa credenciales.
func (c *Client) Authenticated() bool { return c.auth != nil }

// FetchStates implementa ports.PositionSource.
func (c *Client) FetchStates(ctx context.Context, ids []string) ([]domain.StateVector, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	states, err := c.breaker.Execute(func() ([]domain.StateVector, error) {
		return c.fetchWithReauth(ctx, ids)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.metrics.ObserveUpstream("rejected")
		return nil, &domain.SyncError{
			Kind:       domain.KindUpstreamUnavailable,
			Op:         "opensky.FetchStates",
			RetryAfter: c.timeout,
			Err:        err,
		}
	}
	c.metrics.ObserveUpstream(outcome(err))
	if err != nil {
		return nil, err
	}

	slog.Debug("states fetched", "ids", len(ids), "states", len(states))
	return states, nil
}

// fetchWithReauth reintenta una vez con token nuevo si el upstream rechaza
// las credenciales.
func (c *Client) fetchWithReauth(ctx context.Context, ids []string) ([]domain.StateVector, error) {
	states, err := c.fetchStates(ctx, ids)
	if c.auth == nil || domain.KindOf(err) != domain.KindAuthenticationFailed {
		return states, err
	}

	slog.Warn("opensky rejected credentials, re-authenticating")
	c.auth.invalidate()
	return c.fetchStates(ctx, ids)
}

func (c *Client) fetchStates(ctx context.Context, ids []string) ([]domain.StateVector, error) {
	if err := c.burst.Wait(ctx); err != nil {
		return nil, fmt.Errorf("opensky.fetchStates: burst limiter: %w", err)
	}

	q := url.Values{}
	for _, id := range ids {
		q.Add("icao24", domain.NormalizeID(id))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+statesPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("opensky.fetchStates: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if c.auth != nil {
		tok, err := c.auth.token(ctx)
		if err != nil {
			return nil, err
		}
		tok.SetAuthHeader(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("opensky.fetchStates: %w", ctx.Err())
		}
		return nil, domain.NewError(domain.KindUpstreamUnavailable, "opensky.fetchStates", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out statesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, domain.NewError(domain.KindUpstreamUnavailable, "opensky.fetchStates",
			fmt.Errorf("decode response: %w", err))
	}
	return mapStates(out), nil
}

// checkStatus traduce el status HTTP a la taxonomía de errores del motor.
func checkStatus(resp *http.Response) error {
	code := resp.StatusCode
	if code < 400 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cause := fmt.Errorf("status %d: %s", code, strings.TrimSpace(string(body)))

	switch {
	case code == http.StatusTooManyRequests:
		retry := retryAfter(resp.Header, time.Now())
		slog.Warn("rate limited by upstream", "retry_after", retry)
		return &domain.SyncError{
			Kind:       domain.KindRateLimited,
			Op:         "opensky.fetchStates",
			RetryAfter: retry,
			Err:        cause,
		}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.NewError(domain.KindAuthenticationFailed, "opensky.fetchStates", cause)
	case code >= 500:
		return domain.NewError(domain.KindUpstreamUnavailable, "opensky.fetchStates", cause)
	default:
		return domain.NewError(domain.KindInvalidInput, "opensky.fetchStates", cause)
	}
}

// retryAfter lee la pista de espera de un 429. OpenSky usa su propia
// cabecera en segundos; Retry-After puede venir en segundos o como fecha HTTP.
func retryAfter(h http.Header, now time.Time) time.Duration {
	for _, name := range []string{"X-Rate-Limit-Retry-After-Seconds", "Retry-After"} {
		v := strings.TrimSpace(h.Get(name))
		if v == "" {
			continue
		}
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			if secs > 0 {
				return time.Duration(secs) * time.Second
			}
			continue
		}
		if at, err := http.ParseTime(v); err == nil && at.After(now) {
			return at.Sub(now).Round(time.Second)
		}
	}
	return 0
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch domain.KindOf(err) {
	case domain.KindRateLimited:
		return "rate_limited"
	case domain.KindAuthenticationFailed:
		return "auth_failed"
	case domain.KindInvalidInput:
		return "invalid"
	default:
		return "unavailable"
	}
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
