package tracker

import (
	"strings"

	"github.com/alejandrodnm/skysync/internal/domain"
)

// toEntity normaliza un state vector y le pega los datos estáticos.
// Lo vivo viene siempre del fetch; lo estático rellena huecos del upstream.
func toEntity(sv domain.StateVector, static domain.StaticInfo) domain.Entity {
	live := domain.LiveState{
		Callsign:      strings.TrimSpace(sv.Callsign),
		OriginCountry: strings.TrimSpace(sv.OriginCountry),
		OnGround:      sv.OnGround,
		Squawk:        strings.TrimSpace(sv.Squawk),
		Sensors:       sv.Sensors,
		LastContact:   sv.LastContact,
	}
	if sv.Latitude != nil && sv.Longitude != nil {
		live.Latitude = *sv.Latitude
		live.Longitude = *sv.Longitude
		live.HasPosition = true
	}
	switch {
	case sv.BaroAltitude != nil:
		live.Altitude = *sv.BaroAltitude
	case sv.GeoAltitude != nil:
		live.Altitude = *sv.GeoAltitude
	}
	if sv.Velocity != nil {
		live.GroundSpeed = *sv.Velocity
	}
	if sv.TrueTrack != nil {
		live.Heading = *sv.TrueTrack
	}
	if sv.VerticalRate != nil {
		live.VerticalRate = *sv.VerticalRate
	}
	if sv.TimePosition != nil {
		live.PositionTime = *sv.TimePosition
	}

	// Sin callsign en el aire se muestra la matrícula.
	if live.Callsign == "" {
		live.Callsign = static.Registration
	}

	static.ICAO24 = sv.ICAO24
	return domain.Entity{ID: sv.ICAO24, Static: static, Live: live}
}
