package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/skysync/internal/cache"
	"github.com/alejandrodnm/skysync/internal/domain"
)

func TestTTLStore_GetMany(t *testing.T) {
	s := cache.NewTTLStore[domain.StaticInfo](time.Hour, 100, nil)
	s.Set("A1B2C3", domain.StaticInfo{ICAO24: "a1b2c3", Manufacturer: "BOEING"})

	found, missing := s.GetMany([]string{"a1b2c3", "c3d4e5"})
	require.Contains(t, found, "a1b2c3")
	assert.Equal(t, "BOEING", found["a1b2c3"].Manufacturer)
	assert.Equal(t, []string{"c3d4e5"}, missing)
}

func TestTTLStore_Expires(t *testing.T) {
	s := cache.NewTTLStore[string](20*time.Millisecond, 100, nil)
	s.Set("a1b2c3", "x")

	_, ok := s.Get("a1b2c3")
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := s.Get("a1b2c3")
		return !ok
	}, time.Second, 5*time.Millisecond)
}
