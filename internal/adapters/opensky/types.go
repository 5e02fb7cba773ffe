package opensky

import (
	"fmt"

	"github.com/goccy/go-json"
)

// DTOs raw de la API de OpenSky. Solo se usan dentro de este paquete.
// La conversión a domain se hace en mapping.go.

// statesResponse es la respuesta de GET /states/all.
// states viene null cuando ningún id tiene estado.
type statesResponse struct {
	Time   int64        `json:"time"`
	States []stateTuple `json:"states"`
}

// stateTuple es un state vector posicional:
//
//	0 icao24, 1 callsign, 2 origin_country, 3 time_position, 4 last_contact,
//	5 longitude, 6 latitude, 7 baro_altitude, 8 on_ground, 9 velocity,
//	10 true_track, 11 vertical_rate, 12 sensors, 13 geo_altitude, 14 squawk,
//	15 spi, 16 position_source [, 17 category]
type stateTuple struct {
	ICAO24         string
	Callsign       *string
	OriginCountry  string
	TimePosition   *int64
	LastContact    int64
	Longitude      *float64
	Latitude       *float64
	BaroAltitude   *float64
	OnGround       bool
	Velocity       *float64
	TrueTrack      *float64
	VerticalRate   *float64
	Sensors        []int
	GeoAltitude    *float64
	Squawk         *string
	SPI            bool
	PositionSource int
}

const tupleFields = 17

func (t *stateTuple) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) < tupleFields {
		return fmt.Errorf("state tuple has %d fields, want %d", len(raw), tupleFields)
	}

	targets := []any{
		&t.ICAO24, &t.Callsign, &t.OriginCountry, &t.TimePosition, &t.LastContact,
		&t.Longitude, &t.Latitude, &t.BaroAltitude, &t.OnGround, &t.Velocity,
		&t.TrueTrack, &t.VerticalRate, &t.Sensors, &t.GeoAltitude, &t.Squawk,
		&t.SPI, &t.PositionSource,
	}
	for i, dst := range targets {
		if err := json.Unmarshal(raw[i], dst); err != nil {
			return fmt.Errorf("state tuple field %d: %w", i, err)
		}
	}
	return nil
}
