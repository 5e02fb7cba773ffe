package httpapi

import (
	"time"

	"github.com/alejandrodnm/skysync/internal/domain"
	"github.com/alejandrodnm/skysync/internal/ratelimit"
)

// DTOs de la API. Los tiempos van en RFC3339 y las magnitudes en SI,
// igual que en el dominio.

type entityJSON struct {
	ID           string    `json:"id"`
	Callsign     string    `json:"callsign,omitempty"`
	Registration string    `json:"registration,omitempty"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	Model        string    `json:"model,omitempty"`
	Operator     string    `json:"operator,omitempty"`
	Owner        string    `json:"owner,omitempty"`
	Country      string    `json:"origin_country,omitempty"`
	Latitude     *float64  `json:"latitude"`
	Longitude    *float64  `json:"longitude"`
	Altitude     float64   `json:"altitude_m"`
	GroundSpeed  float64   `json:"ground_speed_mps"`
	Heading      float64   `json:"heading_deg"`
	VerticalRate float64   `json:"vertical_rate_mps"`
	OnGround     bool      `json:"on_ground"`
	Squawk       string    `json:"squawk,omitempty"`
	LastContact  time.Time `json:"last_contact"`
}

type failureJSON struct {
	Chunk    int      `json:"chunk"`
	IDs      []string `json:"ids"`
	Attempts int      `json:"attempts"`
	Error    string   `json:"error"`
}

type snapshotJSON struct {
	Group     string        `json:"group"`
	FetchedAt time.Time     `json:"fetched_at"`
	FromCache bool          `json:"from_cache"`
	Stale     bool          `json:"stale"`
	Partial   bool          `json:"partial"`
	Count     int           `json:"count"`
	Entities  []entityJSON  `json:"entities"`
	Failures  []failureJSON `json:"failures,omitempty"`
}

type groupStatusJSON struct {
	Key         string     `json:"key"`
	State       string     `json:"state"`
	Members     int        `json:"members"`
	Subscribers int        `json:"subscribers"`
	LastSync    *time.Time `json:"last_sync,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

type limiterJSON struct {
	Mode                string    `json:"mode"`
	PerMinute           int       `json:"per_minute"`
	PerDay              int       `json:"per_day"`
	MinuteCount         int       `json:"minute_count"`
	DayCount            int       `json:"day_count"`
	IntervalSeconds     float64   `json:"interval_seconds"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextSlot            time.Time `json:"next_slot"`
	RateLimited         bool      `json:"rate_limited"`
}

type positionJSON struct {
	ID           string    `json:"id"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Altitude     float64   `json:"altitude_m"`
	Speed        float64   `json:"speed_mps"`
	Heading      float64   `json:"heading_deg"`
	Timestamp    time.Time `json:"timestamp"`
	Extrapolated bool      `json:"extrapolated"`
}

type errorJSON struct {
	Error   string     `json:"error"`
	Kind    string     `json:"kind"`
	RetryAt *time.Time `json:"retry_at,omitempty"`
}

func toEntityJSON(e domain.Entity) entityJSON {
	out := entityJSON{
		ID:           e.ID,
		Callsign:     e.Live.Callsign,
		Registration: e.Static.Registration,
		Manufacturer: e.Static.Manufacturer,
		Model:        e.Static.Model,
		Operator:     e.Static.Operator,
		Owner:        e.Static.Owner,
		Country:      e.Live.OriginCountry,
		Altitude:     e.Live.Altitude,
		GroundSpeed:  e.Live.GroundSpeed,
		Heading:      e.Live.Heading,
		VerticalRate: e.Live.VerticalRate,
		OnGround:     e.Live.OnGround,
		Squawk:       e.Live.Squawk,
		LastContact:  e.Live.LastContact,
	}
	if e.Live.HasPosition {
		lat, lon := e.Live.Latitude, e.Live.Longitude
		out.Latitude, out.Longitude = &lat, &lon
	}
	return out
}

func toEntitiesJSON(entities []domain.Entity) []entityJSON {
	out := make([]entityJSON, 0, len(entities))
	for _, e := range entities {
		out = append(out, toEntityJSON(e))
	}
	return out
}

func toSnapshotJSON(s domain.Snapshot) snapshotJSON {
	out := snapshotJSON{
		Group:     s.GroupKey,
		FetchedAt: s.FetchedAt,
		FromCache: s.FromCache,
		Stale:     s.Stale,
		Partial:   s.Partial(),
		Count:     len(s.Entities),
		Entities:  toEntitiesJSON(s.Entities),
	}
	for _, f := range s.Failures {
		fj := failureJSON{Chunk: f.Index, IDs: f.IDs, Attempts: f.Attempts}
		if f.Err != nil {
			fj.Error = f.Err.Error()
		}
		out.Failures = append(out.Failures, fj)
	}
	return out
}

func toGroupStatusJSON(g domain.GroupStatus) groupStatusJSON {
	out := groupStatusJSON{
		Key:         g.Key,
		State:       g.State.String(),
		Members:     g.Members,
		Subscribers: g.Subscribers,
		LastError:   g.LastError,
	}
	if !g.LastSync.IsZero() {
		t := g.LastSync
		out.LastSync = &t
	}
	return out
}

func toLimiterJSON(s ratelimit.Stats) limiterJSON {
	return limiterJSON{
		Mode:                s.Mode.String(),
		PerMinute:           s.Quota.PerMinute,
		PerDay:              s.Quota.PerDay,
		MinuteCount:         s.MinuteCount,
		DayCount:            s.DayCount,
		IntervalSeconds:     s.Interval.Seconds(),
		ConsecutiveFailures: s.ConsecutiveFailures,
		NextSlot:            s.NextSlot,
		RateLimited:         s.RateLimited,
	}
}
