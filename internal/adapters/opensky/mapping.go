package opensky

import (
	"strings"
	"time"

	"github.com/alejandrodnm/skysync/internal/domain"
)

// mapStates convierte la respuesta a domain.StateVector.
// Las tuplas sin icao24 se descartan.
func mapStates(resp statesResponse) []domain.StateVector {
	out := make([]domain.StateVector, 0, len(resp.States))
	for _, t := range resp.States {
		id := domain.NormalizeID(t.ICAO24)
		if id == "" {
			continue
		}
		sv := domain.StateVector{
			ICAO24:         id,
			OriginCountry:  t.OriginCountry,
			LastContact:    unix(t.LastContact),
			Longitude:      t.Longitude,
			Latitude:       t.Latitude,
			BaroAltitude:   t.BaroAltitude,
			OnGround:       t.OnGround,
			Velocity:       t.Velocity,
			TrueTrack:      t.TrueTrack,
			VerticalRate:   t.VerticalRate,
			Sensors:        t.Sensors,
			GeoAltitude:    t.GeoAltitude,
			SPI:            t.SPI,
			PositionSource: t.PositionSource,
		}
		if t.Callsign != nil {
			// El upstream rellena el callsign con espacios hasta 8 caracteres.
			sv.Callsign = strings.TrimSpace(*t.Callsign)
		}
		if t.Squawk != nil {
			sv.Squawk = *t.Squawk
		}
		if t.TimePosition != nil {
			tp := unix(*t.TimePosition)
			sv.TimePosition = &tp
		}
		out = append(out, sv)
	}
	return out
}

func unix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
