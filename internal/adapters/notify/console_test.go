package notify_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/skysync/internal/adapters/notify"
	"github.com/alejandrodnm/skysync/internal/domain"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func makeEntity(id, callsign string, altM, speedMps float64, onGround bool) domain.Entity {
	return domain.Entity{
		ID: id,
		Static: domain.StaticInfo{
			ICAO24:       id,
			Registration: "N" + strings.ToUpper(id[:3]),
			Manufacturer: "BOEING",
			Model:        "737-800",
		},
		Live: domain.LiveState{
			Callsign:     callsign,
			Latitude:     40.6413,
			Longitude:    -73.7781,
			HasPosition:  true,
			Altitude:     altM,
			GroundSpeed:  speedMps,
			Heading:      90,
			VerticalRate: 5.08,
			OnGround:     onGround,
			LastContact:  fixedNow.Add(-15 * time.Second),
		},
	}
}

func TestConsole_Notify_Compact(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, false, clock)

	err := n.Notify(context.Background(), "boeing", []domain.Entity{
		makeEntity("a1b2c3", "UAL123", 10668, 231.5, false),
		makeEntity("a1b2c4", "", 3048, 128.6, false),
		makeEntity("a1b2c5", "DAL9", 0, 0, true),
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "[12:00:00] boeing: 3 aircraft (2 airborne)")
	assert.Contains(t, out, "UAL123 FL350 450kt")
	assert.Contains(t, out, "a1b2c4 FL100", "sin callsign se muestra el icao24")
	assert.NotContains(t, out, "DAL9", "en tierra no sale en la línea compacta")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestConsole_Notify_Table(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, true, clock)

	err := n.Notify(context.Background(), "boeing", []domain.Entity{
		makeEntity("a1b2c3", "UAL123", 10668, 231.5, false),
		makeEntity("a1b2c5", "DAL9", 0, 0, true),
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "UAL123")
	assert.Contains(t, out, "NA1B")
	assert.Contains(t, out, "35000")
	assert.Contains(t, out, "GND")
	assert.Contains(t, out, "+1000")
	assert.Contains(t, out, "15s")
	assert.Less(t, strings.Index(out, "UAL123"), strings.Index(out, "DAL9"), "ordenado por altitud")
}

func TestConsole_Notify_MaxRows(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, true, clock).WithMaxRows(1)

	err := n.Notify(context.Background(), "boeing", []domain.Entity{
		makeEntity("a1b2c3", "UAL123", 10668, 231.5, false),
		makeEntity("a1b2c4", "UAL456", 9000, 231.5, false),
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "1 more")
	assert.NotContains(t, buf.String(), "UAL456")
}

func TestConsole_Notify_EmptyList(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, true, clock)

	err := n.Notify(context.Background(), "cessna", nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "cessna: no aircraft")
}

func TestConsole_PrintGroupsAndRuns(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, true, clock)

	n.PrintGroups([]domain.GroupStatus{
		{Key: "boeing", State: domain.GroupReady, Members: 250, Subscribers: 2, LastSync: fixedNow.Add(-2 * time.Minute)},
		{Key: "cessna", State: domain.GroupIdle, LastError: "upstream down"},
	})
	out := buf.String()
	assert.Contains(t, out, "ready")
	assert.Contains(t, out, "250")
	assert.Contains(t, out, "2m")
	assert.Contains(t, out, "never")
	assert.Contains(t, out, "upstream down")

	buf.Reset()
	n.PrintRuns(nil)
	assert.Contains(t, buf.String(), "no sync runs")

	buf.Reset()
	n.PrintRuns([]domain.SyncRun{{GroupKey: "boeing", StartedAt: fixedNow, Duration: 1500 * time.Millisecond, Entities: 150, Chunks: 3, FailedChunks: 1}})
	assert.Contains(t, buf.String(), "1.5s")
	assert.Contains(t, buf.String(), "150")
}
