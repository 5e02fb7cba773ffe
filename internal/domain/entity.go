package domain

import (
	"strings"
	"time"
)

// StaticInfo son los datos lentos del registro (matrícula, fabricante, dueño).
type StaticInfo struct {
	ICAO24       string
	Registration string // "N-NUMBER" en el registro
	Manufacturer string
	Model        string
	Operator     string
	Owner        string // NAME
	City         string
	State        string
	AircraftType string
	OwnerType    string
}

// IsZero devuelve true si no hay ningún dato estático.
func (s StaticInfo) IsZero() bool {
	return s == StaticInfo{ICAO24: s.ICAO24}
}

// StateVector es una tupla cruda del upstream, ya decodificada.
// Los punteros representan campos opcionales (null en la API).
type StateVector struct {
	ICAO24         string
	Callsign       string
	OriginCountry  string
	TimePosition   *time.Time
	LastContact    time.Time
	Longitude      *float64
	Latitude       *float64
	BaroAltitude   *float64 // metros
	OnGround       bool
	Velocity       *float64 // m/s sobre el suelo
	TrueTrack      *float64 // grados desde el norte
	VerticalRate   *float64 // m/s
	Sensors        []int
	GeoAltitude    *float64
	Squawk         string
	SPI            bool
	PositionSource int
}

// LiveState es el estado observado de una aeronave en el último poll.
type LiveState struct {
	Callsign      string
	OriginCountry string
	Latitude      float64
	Longitude     float64
	HasPosition   bool
	Altitude      float64 // metros; baro, o geo si baro no vino
	GroundSpeed   float64 // m/s
	Heading       float64 // grados [0, 360)
	VerticalRate  float64 // m/s
	OnGround      bool
	Squawk        string
	Sensors       []int
	PositionTime  time.Time
	LastContact   time.Time
}

// Entity es una aeronave seguida: datos estáticos + estado vivo.
type Entity struct {
	ID     string
	Static StaticInfo
	Live   LiveState
}

// IsStale devuelve true si el último contacto es más viejo que threshold.
// Un threshold <= 0 desactiva la comprobación.
func (e Entity) IsStale(now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		return false
	}
	if e.Live.LastContact.IsZero() {
		return true
	}
	return now.Sub(e.Live.LastContact) > threshold
}

// Observation convierte el estado vivo en una observación para el interpolador.
// ok es false si la entidad no trae posición.
func (e Entity) Observation() (Observation, bool) {
	if !e.Live.HasPosition {
		return Observation{}, false
	}
	ts := e.Live.PositionTime
	if ts.IsZero() {
		ts = e.Live.LastContact
	}
	return Observation{
		Latitude:     e.Live.Latitude,
		Longitude:    e.Live.Longitude,
		Altitude:     e.Live.Altitude,
		Speed:        e.Live.GroundSpeed,
		Heading:      e.Live.Heading,
		VerticalRate: e.Live.VerticalRate,
		Timestamp:    ts,
	}, true
}

// ActiveOnly filtra las entidades cuyo estado vivo sigue siendo válido.
func ActiveOnly(entities []Entity, now time.Time, threshold time.Duration) []Entity {
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		if !e.IsStale(now, threshold) {
			out = append(out, e)
		}
	}
	return out
}

// NormalizeID pasa un icao24 a su forma canónica (trim + minúsculas).
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// ValidID comprueba que id sea un icao24 canónico: 6 dígitos hex.
func ValidID(id string) bool {
	if len(id) != 6 {
		return false
	}
	for _, c := range id {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
