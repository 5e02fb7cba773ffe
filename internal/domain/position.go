package domain

import "time"

// Observation is one real position fix used as interpolation input.
type Observation struct {
	Latitude     float64
	Longitude    float64
	Altitude     float64 // meters
	Speed        float64 // ground speed, m/s
	Heading      float64 // degrees clockwise from true north
	VerticalRate float64 // m/s
	Timestamp    time.Time
}

// Position is an interpolated or extrapolated fix.
type Position struct {
	Latitude     float64
	Longitude    float64
	Altitude     float64
	Speed        float64
	Heading      float64
	Timestamp    time.Time
	Extrapolated bool
}
