package interpolate_test

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/skysync/internal/domain"
	"github.com/alejandrodnm/skysync/internal/interpolate"
)

func newInterpolator(t *testing.T) (*interpolate.Interpolator, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	return interpolate.New(interpolate.Config{HistorySize: 5, Horizon: 60 * time.Second}, clock, nil), clock
}

func obs(at time.Time, lat, lon, heading, speed float64) domain.Observation {
	return domain.Observation{Latitude: lat, Longitude: lon, Heading: heading, Speed: speed, Timestamp: at}
}

func TestInterpolate_A1B2C3Scenario(t *testing.T) {
	ip, clock := newInterpolator(t)
	t0 := clock.Now()

	ip.Update("A1B2C3", obs(t0, 40.0, -74.0, 90, 100))
	ip.Update("A1B2C3", obs(t0.Add(10*time.Second), 40.0005, -73.99, 90, 100))
	clock.Advance(10 * time.Second).MustWait(context.Background())

	mid, ok := ip.Interpolate("a1b2c3", t0.Add(5*time.Second))
	require.True(t, ok)
	assert.Greater(t, mid.Latitude, 40.0)
	assert.Less(t, mid.Latitude, 40.0005)
	assert.False(t, mid.Extrapolated)

	ahead, ok := ip.Interpolate("A1B2C3", t0.Add(15*time.Second))
	require.True(t, ok)
	assert.True(t, ahead.Extrapolated)
	assert.Greater(t, ahead.Longitude, -73.99, "rumbo 90° = hacia el este")
	assert.InDelta(t, 40.0005, ahead.Latitude, 0.001)
}

func TestInterpolate_BetweenStaysWithinLinearBounds(t *testing.T) {
	ip, clock := newInterpolator(t)
	t0 := clock.Now()
	ip.Update("abc123", obs(t0, 10, 20, 45, 200))
	ip.Update("abc123", obs(t0.Add(20*time.Second), 10.02, 20.03, 50, 220))

	for s := 1; s < 20; s++ {
		p, ok := ip.Interpolate("abc123", t0.Add(time.Duration(s)*time.Second))
		require.True(t, ok)
		assert.True(t, p.Latitude > 10 && p.Latitude < 10.02, "lat %f", p.Latitude)
		assert.True(t, p.Longitude > 20 && p.Longitude < 20.03, "lon %f", p.Longitude)
		assert.True(t, p.Speed > 200 && p.Speed < 220)
	}
}

func TestInterpolate_HeadingTakesShortArc(t *testing.T) {
	ip, clock := newInterpolator(t)
	t0 := clock.Now()
	ip.Update("abc123", obs(t0, 0, 0, 350, 100))
	ip.Update("abc123", obs(t0.Add(10*time.Second), 0.01, 0, 10, 100))

	p, ok := ip.Interpolate("abc123", t0.Add(5*time.Second))
	require.True(t, ok)
	assert.InDelta(t, 0, p.Heading, 1e-9, "350→10 pasa por 0, no por 180")

	p, ok = ip.Interpolate("abc123", t0.Add(2500*time.Millisecond))
	require.True(t, ok)
	assert.InDelta(t, 355, p.Heading, 1e-9)
}

func TestInterpolate_ExactObservationTimestamp(t *testing.T) {
	ip, clock := newInterpolator(t)
	t0 := clock.Now()
	ip.Update("abc123", obs(t0, 1, 2, 0, 50))
	ip.Update("abc123", obs(t0.Add(time.Second), 1.001, 2, 0, 50))

	p, ok := ip.Interpolate("abc123", t0)
	require.True(t, ok)
	assert.Equal(t, 1.0, p.Latitude)
}

func TestInterpolate_AbsentCases(t *testing.T) {
	ip, clock := newInterpolator(t)
	t0 := clock.Now()

	_, ok := ip.Interpolate("nothing", t0)
	assert.False(t, ok, "sin historial")

	ip.Update("abc123", obs(t0, 1, 2, 0, 50))
	_, ok = ip.Interpolate("abc123", t0)
	assert.False(t, ok, "un solo punto")

	ip.Update("abc123", obs(t0.Add(10*time.Second), 1.001, 2, 0, 50))
	clock.Advance(10 * time.Second).MustWait(context.Background())

	_, ok = ip.Interpolate("abc123", t0.Add(-time.Second))
	assert.False(t, ok, "antes de la primera observación")

	_, ok = ip.Interpolate("abc123", t0.Add(71*time.Second))
	assert.False(t, ok, "más allá del horizonte")

	_, ok = ip.Interpolate("abc123", t0.Add(70*time.Second))
	assert.True(t, ok, "justo en el horizonte")

	clock.Advance(61 * time.Second).MustWait(context.Background())
	_, ok = ip.Interpolate("abc123", t0.Add(20*time.Second))
	assert.False(t, ok, "última observación más vieja que el horizonte")
}

func TestUpdate_BoundedAndOrdered(t *testing.T) {
	ip, clock := newInterpolator(t)
	t0 := clock.Now()

	for i := 0; i < 8; i++ {
		require.True(t, ip.Update("abc123", obs(t0.Add(time.Duration(i)*time.Second), float64(i), 0, 0, 10)))
	}
	clock.Advance(7 * time.Second).MustWait(context.Background())

	// Solo quedan las 5 últimas (t=3..7): t=2 ya no es interpolable.
	_, ok := ip.Interpolate("abc123", t0.Add(2*time.Second))
	assert.False(t, ok)
	_, ok = ip.Interpolate("abc123", t0.Add(3*time.Second))
	assert.True(t, ok)

	assert.False(t, ip.Update("abc123", obs(t0.Add(time.Second), 99, 0, 0, 10)), "desordenada")

	require.True(t, ip.Update("abc123", obs(t0.Add(7*time.Second), 70, 0, 0, 10)), "mismo timestamp reemplaza")
	p, ok := ip.Interpolate("abc123", t0.Add(7*time.Second))
	require.True(t, ok)
	assert.Equal(t, 70.0, p.Latitude)
}

func TestExtrapolate_AltitudeFollowsVerticalRate(t *testing.T) {
	ip, clock := newInterpolator(t)
	t0 := clock.Now()
	ip.Update("abc123", domain.Observation{Latitude: 0, Longitude: 0, Altitude: 1000, Speed: 100, Timestamp: t0})
	ip.Update("abc123", domain.Observation{Latitude: 0.009, Longitude: 0, Altitude: 1050, Speed: 100, VerticalRate: 5, Timestamp: t0.Add(10 * time.Second)})
	clock.Advance(10 * time.Second).MustWait(context.Background())

	p, ok := ip.Interpolate("abc123", t0.Add(20*time.Second))
	require.True(t, ok)
	assert.InDelta(t, 1100, p.Altitude, 1e-9)
	assert.Greater(t, p.Latitude, 0.009, "rumbo 0° = hacia el norte")
}

func TestExtrapolate_DerivesSpeedWhenMissing(t *testing.T) {
	ip, clock := newInterpolator(t)
	t0 := clock.Now()
	ip.Update("abc123", domain.Observation{Latitude: 0, Longitude: 0, Heading: 0, Timestamp: t0})
	ip.Update("abc123", domain.Observation{Latitude: 0.01, Longitude: 0, Heading: 0, Timestamp: t0.Add(10 * time.Second)})
	clock.Advance(10 * time.Second).MustWait(context.Background())

	p, ok := ip.Interpolate("abc123", t0.Add(20*time.Second))
	require.True(t, ok)
	// 0.01° de latitud ≈ 1112 m en 10 s.
	assert.InDelta(t, 111.2, p.Speed, 0.5)
	assert.InDelta(t, 0.02, p.Latitude, 1e-4)
}

func TestCleanup_PurgesPastHorizon(t *testing.T) {
	ip, clock := newInterpolator(t)
	t0 := clock.Now()
	ip.Update("old111", obs(t0, 0, 0, 0, 1))
	clock.Advance(30 * time.Second).MustWait(context.Background())
	ip.Update("new222", obs(clock.Now(), 0, 0, 0, 1))

	assert.Zero(t, ip.Cleanup())
	clock.Advance(31 * time.Second).MustWait(context.Background())
	assert.Equal(t, 1, ip.Cleanup())
	assert.Equal(t, 1, ip.Len())
}
