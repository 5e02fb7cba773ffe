package domain_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/skysync/internal/domain"
)

func TestValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"a1b2c3", true},
		{"000000", true},
		{"A1B2C3", false}, // sin normalizar
		{"a1b2c", false},
		{"a1b2c3d", false},
		{"g1b2c3", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, domain.ValidID(tt.id), tt.id)
	}
	assert.True(t, domain.ValidID(domain.NormalizeID("  A1B2C3 ")))
}

func TestParseSelector(t *testing.T) {
	tests := []struct {
		key  string
		want domain.GroupSelector
	}{
		{"Boeing", domain.GroupSelector{Field: domain.FieldManufacturer, Value: "boeing"}},
		{" operator: United ", domain.GroupSelector{Field: domain.FieldOperator, Value: "united"}},
		{"model:737-800", domain.GroupSelector{Field: domain.FieldModel, Value: "737-800"}},
		{"owner_type:3", domain.GroupSelector{Field: domain.FieldOwnerType, Value: "3"}},
		// Un prefijo desconocido forma parte del valor.
		{"de havilland:dhc-8", domain.GroupSelector{Field: domain.FieldManufacturer, Value: "de havilland:dhc-8"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, domain.ParseSelector(tt.key), tt.key)
	}
}

func TestGroupSelector_ExplicitIDs(t *testing.T) {
	sel := domain.ParseSelector("ICAO: A1B2C3, ,abc001")
	assert.Equal(t, []string{"a1b2c3", "abc001"}, sel.ExplicitIDs())
	assert.Nil(t, domain.ParseSelector("boeing").ExplicitIDs())
}

func TestEntity_IsStale(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fresh := domain.Entity{ID: "a", Live: domain.LiveState{LastContact: now.Add(-10 * time.Minute)}}
	old := domain.Entity{ID: "b", Live: domain.LiveState{LastContact: now.Add(-2 * time.Hour)}}
	never := domain.Entity{ID: "c"}

	assert.False(t, fresh.IsStale(now, time.Hour))
	assert.True(t, old.IsStale(now, time.Hour))
	assert.True(t, never.IsStale(now, time.Hour))
	assert.False(t, old.IsStale(now, 0), "threshold 0 desactiva la comprobación")

	active := domain.ActiveOnly([]domain.Entity{fresh, old, never}, now, time.Hour)
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].ID)
}

func TestEntity_Observation(t *testing.T) {
	contact := time.Unix(1700000000, 0)
	e := domain.Entity{Live: domain.LiveState{
		Latitude: 40, Longitude: -74, HasPosition: true,
		Altitude: 10000, GroundSpeed: 200, Heading: 90, VerticalRate: -5,
		LastContact: contact,
	}}

	obs, ok := e.Observation()
	require.True(t, ok)
	assert.Equal(t, contact, obs.Timestamp, "sin time_position se usa last_contact")
	assert.InDelta(t, -5.0, obs.VerticalRate, 1e-9)

	e.Live.PositionTime = contact.Add(-3 * time.Second)
	obs, _ = e.Observation()
	assert.Equal(t, contact.Add(-3*time.Second), obs.Timestamp)

	e.Live.HasPosition = false
	_, ok = e.Observation()
	assert.False(t, ok)
}

func TestStaticInfo_IsZero(t *testing.T) {
	assert.True(t, domain.StaticInfo{ICAO24: "a1b2c3"}.IsZero())
	assert.False(t, domain.StaticInfo{ICAO24: "a1b2c3", Model: "A320"}.IsZero())
}

func TestSyncError_Classification(t *testing.T) {
	base := &domain.SyncError{Kind: domain.KindRateLimited, Op: "fetch", RetryAfter: 30 * time.Second}
	wrapped := fmt.Errorf("batch.Process: chunk 2: %w", base)

	assert.Equal(t, domain.KindRateLimited, domain.KindOf(wrapped))
	assert.True(t, domain.IsTransient(wrapped))
	assert.Equal(t, 30*time.Second, domain.RetryAfterOf(wrapped))

	assert.True(t, domain.IsTransient(domain.NewError(domain.KindUpstreamUnavailable, "fetch", nil)))
	assert.False(t, domain.IsTransient(domain.NewError(domain.KindAuthenticationFailed, "fetch", nil)))
	assert.False(t, domain.IsTransient(domain.InvalidInput("sync", "bad id %q", "x")))
	assert.False(t, domain.IsTransient(errors.New("plain")))
	assert.Equal(t, domain.KindUnknown, domain.KindOf(errors.New("plain")))
	assert.Zero(t, domain.RetryAfterOf(errors.New("plain")))
}

func TestSyncError_MessageAndUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &domain.SyncError{
		Kind:    domain.KindUpstreamUnavailable,
		Op:      "opensky.FetchStates",
		RetryAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Err:     cause,
	}
	assert.Equal(t, "opensky.FetchStates: upstream_unavailable: connection reset (retry at 2024-05-01T12:00:00Z)", err.Error())
	assert.ErrorIs(t, err, cause)

	err = domain.InvalidInput("tracker.Sync", "empty group key")
	assert.Equal(t, "tracker.Sync: invalid_input: empty group key", err.Error())
}

func TestSnapshot_PartialAndErr(t *testing.T) {
	snap := domain.Snapshot{GroupKey: "boeing"}
	assert.False(t, snap.Partial())
	assert.NoError(t, snap.Err())

	cause := domain.NewError(domain.KindUpstreamUnavailable, "fetch", errors.New("503"))
	snap.Failures = []domain.ChunkFailure{
		{Index: 1, IDs: []string{"a00001", "a00002"}, Attempts: 3, Err: cause},
		{Index: 3, IDs: []string{"a00009"}, Attempts: 3, Err: cause},
	}
	assert.True(t, snap.Partial())
	assert.Equal(t, domain.KindPartialBatchFailure, domain.KindOf(snap.Err()))
	assert.Equal(t, []string{"a00001", "a00002", "a00009"}, domain.FailedIDs(snap.Failures))
}

func TestGroupState_String(t *testing.T) {
	assert.Equal(t, "idle", domain.GroupIdle.String())
	assert.Equal(t, "fetching", domain.GroupFetching.String())
	assert.Equal(t, "ready", domain.GroupReady.String())
}
