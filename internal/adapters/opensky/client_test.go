package opensky_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/skysync/internal/adapters/opensky"
	"github.com/alejandrodnm/skysync/internal/domain"
)

const statesFixture = `{
	"time": 1700000000,
	"states": [
		["a1b2c3", "UAL123  ", "United States", 1699999990, 1699999995, -74.01, 40.71, 10668.0, false, 230.5, 87.2, -1.5, null, 10800.0, "1200", false, 0],
		["A1B2C4", null, "Canada", null, 1699999980, null, null, null, true, null, null, null, [1, 2], null, null, false, 0, 3]
	]
}`

func newTestClient(srv *httptest.Server, mutate func(*opensky.Config)) *opensky.Client {
	cfg := opensky.Config{
		BaseURL:     srv.URL,
		TokenURL:    srv.URL + "/token",
		BurstPerSec: 1000,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return opensky.NewClient(cfg, nil)
}

func TestFetchStates_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/states/all", r.URL.Path)
		assert.Equal(t, []string{"a1b2c3", "a1b2c4"}, r.URL.Query()["icao24"])
		assert.Empty(t, r.Header.Get("Authorization"), "modo anónimo sin cabecera")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(statesFixture))
	}))
	defer srv.Close()

	client := newTestClient(srv, nil)
	assert.False(t, client.Authenticated())

	states, err := client.FetchStates(context.Background(), []string{"A1B2C3", "a1b2c4"})
	require.NoError(t, err)
	require.Len(t, states, 2)

	s := states[0]
	assert.Equal(t, "a1b2c3", s.ICAO24)
	assert.Equal(t, "UAL123", s.Callsign)
	assert.Equal(t, "United States", s.OriginCountry)
	require.NotNil(t, s.TimePosition)
	assert.Equal(t, time.Unix(1699999990, 0).UTC(), *s.TimePosition)
	assert.Equal(t, time.Unix(1699999995, 0).UTC(), s.LastContact)
	require.NotNil(t, s.Latitude)
	assert.InDelta(t, 40.71, *s.Latitude, 1e-9)
	assert.InDelta(t, -74.01, *s.Longitude, 1e-9)
	assert.InDelta(t, 10668.0, *s.BaroAltitude, 1e-9)
	assert.InDelta(t, 230.5, *s.Velocity, 1e-9)
	assert.InDelta(t, -1.5, *s.VerticalRate, 1e-9)
	assert.Equal(t, "1200", s.Squawk)

	n := states[1]
	assert.Equal(t, "a1b2c4", n.ICAO24, "ids normalizados")
	assert.Empty(t, n.Callsign)
	assert.Nil(t, n.TimePosition)
	assert.Nil(t, n.Latitude)
	assert.True(t, n.OnGround)
	assert.Equal(t, []int{1, 2}, n.Sensors)
}

func TestFetchStates_NullStates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"time": 1700000000, "states": null}`))
	}))
	defer srv.Close()

	states, err := newTestClient(srv, nil).FetchStates(context.Background(), []string{"a1b2c3"})
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestFetchStates_EmptyIDsNoRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	states, err := newTestClient(srv, nil).FetchStates(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, states)
	assert.Zero(t, calls.Load())
}

func TestFetchStates_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		header map[string]string
		kind   domain.ErrorKind
		retry  time.Duration
	}{
		{"429 opensky header", http.StatusTooManyRequests, map[string]string{"X-Rate-Limit-Retry-After-Seconds": "30"}, domain.KindRateLimited, 30 * time.Second},
		{"429 retry-after", http.StatusTooManyRequests, map[string]string{"Retry-After": "7"}, domain.KindRateLimited, 7 * time.Second},
		{"429 no hint", http.StatusTooManyRequests, nil, domain.KindRateLimited, 0},
		{"503", http.StatusServiceUnavailable, nil, domain.KindUpstreamUnavailable, 0},
		{"500", http.StatusInternalServerError, nil, domain.KindUpstreamUnavailable, 0},
		{"400", http.StatusBadRequest, nil, domain.KindInvalidInput, 0},
		{"401 anonymous", http.StatusUnauthorized, nil, domain.KindAuthenticationFailed, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			_, err := newTestClient(srv, nil).FetchStates(context.Background(), []string{"a1b2c3"})
			require.Error(t, err)
			assert.Equal(t, tc.kind, domain.KindOf(err))
			assert.Equal(t, tc.retry, domain.RetryAfterOf(err))
		})
	}
}

func TestFetchStates_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"time": 1, "states": [["a1b2c3", "short"]]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv, nil).FetchStates(context.Background(), []string{"a1b2c3"})
	require.Error(t, err)
	assert.Equal(t, domain.KindUpstreamUnavailable, domain.KindOf(err))
}

// authServer sirve /token y /states/all. rejectStates hace que las primeras
// n llamadas a /states/all devuelvan 401.
type authServer struct {
	tokens       atomic.Int32
	states       atomic.Int32
	rejectStates int32
}

func (a *authServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		n := a.tokens.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-` + string(rune('0'+n)) + `","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/states/all", func(w http.ResponseWriter, r *http.Request) {
		n := a.states.Add(1)
		assert.Contains(t, r.Header.Get("Authorization"), "Bearer tok-")
		if n <= a.rejectStates {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(statesFixture))
	})
	return mux
}

func TestFetchStates_AuthenticatedCachesToken(t *testing.T) {
	a := &authServer{}
	srv := httptest.NewServer(a.handler(t))
	defer srv.Close()

	client := newTestClient(srv, func(c *opensky.Config) {
		c.ClientID = "id"
		c.ClientSecret = "secret"
	})
	require.True(t, client.Authenticated())

	for range 3 {
		_, err := client.FetchStates(context.Background(), []string{"a1b2c3"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), a.tokens.Load())
	assert.Equal(t, int32(3), a.states.Load())
}

func TestFetchStates_ReauthenticatesOnceOn401(t *testing.T) {
	a := &authServer{rejectStates: 1}
	srv := httptest.NewServer(a.handler(t))
	defer srv.Close()

	client := newTestClient(srv, func(c *opensky.Config) {
		c.ClientID = "id"
		c.ClientSecret = "secret"
	})

	states, err := client.FetchStates(context.Background(), []string{"a1b2c3"})
	require.NoError(t, err)
	assert.Len(t, states, 2)
	assert.Equal(t, int32(2), a.tokens.Load(), "token nuevo tras el 401")
	assert.Equal(t, int32(2), a.states.Load())
}

func TestFetchStates_SecondRejectionIsAuthFailure(t *testing.T) {
	a := &authServer{rejectStates: 100}
	srv := httptest.NewServer(a.handler(t))
	defer srv.Close()

	client := newTestClient(srv, func(c *opensky.Config) {
		c.ClientID = "id"
		c.ClientSecret = "secret"
	})

	_, err := client.FetchStates(context.Background(), []string{"a1b2c3"})
	require.Error(t, err)
	assert.Equal(t, domain.KindAuthenticationFailed, domain.KindOf(err))
	assert.Equal(t, int32(2), a.states.Load(), "un solo reintento")
}

func TestFetchStates_BreakerOpensOnUnavailability(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newTestClient(srv, func(c *opensky.Config) {
		c.BreakerFailures = 2
		c.BreakerTimeout = time.Hour
	})

	for range 2 {
		_, err := client.FetchStates(context.Background(), []string{"a1b2c3"})
		require.Error(t, err)
	}

	_, err := client.FetchStates(context.Background(), []string{"a1b2c3"})
	require.Error(t, err)
	assert.Equal(t, domain.KindUpstreamUnavailable, domain.KindOf(err))
	assert.Equal(t, time.Hour, domain.RetryAfterOf(err))
	assert.Equal(t, int32(2), calls.Load(), "con el circuito abierto no se llama al upstream")
}

func TestFetchStates_RateLimitDoesNotOpenBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newTestClient(srv, func(c *opensky.Config) { c.BreakerFailures = 1 })
	for range 3 {
		_, err := client.FetchStates(context.Background(), []string{"a1b2c3"})
		assert.Equal(t, domain.KindRateLimited, domain.KindOf(err))
	}
	assert.Equal(t, int32(3), calls.Load())
}
